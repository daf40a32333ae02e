package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const tokenAudience = "lineagesync"

const (
	scopeLineageRead = "lineage:read"
	scopeAdminRead   = "admin:read"
	scopeAdminWrite  = "admin:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// authorizeBearer checks the token and that it carries at least one of the
// accepted scopes. admin:write implies admin:read.
func authorizeBearer(authHeader, jwtSecret string, now time.Time, accepted ...string) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if len(accepted) == 0 || hasAnyScope(claims.Scopes, accepted...) {
		return claims, nil
	}
	return tokenClaims{}, &authError{
		status:  403,
		code:    "forbidden",
		message: "missing required scope: " + accepted[0],
	}
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	subject, ok := payload["sub"].(string)
	if !ok || subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := parseScopes(payload["scopes"])
	if _, ok := scopes[scopeAdminWrite]; ok {
		scopes[scopeAdminRead] = struct{}{}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

// verifyIngestHMAC checks X-Lineage-Signature = hex(HMAC-SHA256(secret,
// timestamp + "\n" + body)) with the timestamp inside maxSkew of now.
func verifyIngestHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing ingest signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid ingest timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("ingest request outside replay window")
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(signIngest(secret, timestamp, body))) {
		return unauthorized("ingest signature mismatch")
	}
	return nil
}

func signIngest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
