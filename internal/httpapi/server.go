// Package httpapi serves event ingestion, lineage queries and the dispatcher
// admin surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/lineagesync/internal/feed"
	"github.com/agentworkforce/lineagesync/internal/graph"
	"github.com/agentworkforce/lineagesync/internal/lineage"
	"github.com/agentworkforce/lineagesync/internal/query"
)

type ServerConfig struct {
	JWTSecret        string
	IngestHMACSecret string
	IngestMaxSkew    time.Duration
	// IngestTimeout bounds how long one ingest request may wait on full
	// lane queues.
	IngestTimeout time.Duration
	MaxBatch      int
	// RateLimitPerSecond limits authenticated requests per token subject.
	// Zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	// FeedStats reports the running feed, if any, on the status route.
	FeedStats func() feed.Stats
	Logger    *zap.Logger
}

type Server struct {
	dispatcher *lineage.Dispatcher
	queries    *query.Facade
	cfg        ServerConfig
	metrics    http.Handler
	limiter    *subjectLimiter
	logger     *zap.Logger

	ingestReplayMu   sync.Mutex
	ingestReplaySeen map[string]time.Time
}

// subjectLimiter keeps one token bucket per token subject.
type subjectLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewServer(dispatcher *lineage.Dispatcher, queries *query.Facade, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.IngestHMACSecret == "" {
		cfg.IngestHMACSecret = "dev-ingest-secret"
	}
	if cfg.IngestMaxSkew <= 0 {
		cfg.IngestMaxSkew = 5 * time.Minute
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 10 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *subjectLimiter
	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = &subjectLimiter{
			limit:    rate.Limit(cfg.RateLimitPerSecond),
			burst:    burst,
			limiters: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		dispatcher:       dispatcher,
		queries:          queries,
		cfg:              cfg,
		metrics:          promhttp.HandlerFor(dispatcher.Registry(), promhttp.HandlerOpts{}),
		limiter:          limiter,
		logger:           cfg.Logger,
		ingestReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/events" && r.Method == http.MethodPost:
		s.handleIngest(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var accepted []string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "checkpoint" && r.Method == http.MethodGet:
		accepted = []string{scopeAdminRead}
		route = "checkpoint"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "poison" && r.Method == http.MethodGet:
		accepted = []string{scopeAdminRead}
		route = "poison"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "status" && r.Method == http.MethodGet:
		accepted = []string{scopeAdminRead}
		route = "status"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "pause" && r.Method == http.MethodPost:
		accepted = []string{scopeAdminWrite}
		route = "pause"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "resume" && r.Method == http.MethodPost:
		accepted = []string{scopeAdminWrite}
		route = "resume"
	case len(parts) == 4 && parts[1] == "lineage" && parts[2] != "" && r.Method == http.MethodGet:
		accepted = []string{scopeLineageRead}
		route = "lineage"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC(), accepted...)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.limiter != nil && !s.limiter.allow(claims.Subject) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "checkpoint":
		s.handleCheckpoint(w)
	case "poison":
		s.handlePoison(w, r, correlationID)
	case "status":
		s.handleStatus(w)
	case "pause":
		s.dispatcher.Pause()
		s.logger.Info("dispatcher paused over http", zap.String("subject", claims.Subject), zap.String("correlationId", correlationID))
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.dispatcher.Paused()})
	case "resume":
		s.dispatcher.Resume()
		s.logger.Info("dispatcher resumed over http", zap.String("subject", claims.Subject), zap.String("correlationId", correlationID))
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.dispatcher.Paused()})
	case "lineage":
		s.handleLineage(w, r, parts[2], parts[3], correlationID)
	}
}

type ingestRequest struct {
	Events []json.RawMessage `json:"events"`
}

type ingestRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted      int               `json:"accepted"`
	Rejected      int               `json:"rejected"`
	Rejections    []ingestRejection `json:"rejections"`
	CorrelationID string            `json:"correlationId"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Lineage-Timestamp")
	signature := r.Header.Get("X-Lineage-Signature")
	if authErr := verifyIngestHMAC(s.cfg.IngestHMACSecret, timestamp, signature, body, now, s.cfg.IngestMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markIngestReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "ingest request replay detected", correlationID)
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if len(req.Events) > s.cfg.MaxBatch {
		writeError(w, http.StatusBadRequest, "bad_request", "batch exceeds "+strconv.Itoa(s.cfg.MaxBatch)+" events", correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IngestTimeout)
	defer cancel()
	resp := ingestResponse{Rejections: []ingestRejection{}, CorrelationID: correlationID}
	for i, raw := range req.Events {
		err := s.dispatcher.SubmitRaw(ctx, raw)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, lineage.ErrMalformed), errors.Is(err, lineage.ErrUntrustedSource):
			resp.Rejected++
			resp.Rejections = append(resp.Rejections, ingestRejection{Index: i, Error: err.Error()})
		case errors.Is(err, lineage.ErrStopped), errors.Is(err, lineage.ErrNotStarted):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "unavailable",
				"dispatcher not accepting events after "+strconv.Itoa(resp.Accepted)+" accepted", correlationID)
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full",
				"lane queues full after "+strconv.Itoa(resp.Accepted)+" accepted", correlationID)
			return
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint":          formatCheckpoint(s.dispatcher.CurrentCheckpoint()),
		"persistedCheckpoint": formatCheckpoint(s.dispatcher.PersistedCheckpoint()),
	})
}

func (s *Server) handlePoison(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.dispatcher.PoisonEventCount(),
		"limit": limit,
		"items": s.dispatcher.PoisonEvents(limit),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	out := struct {
		GeneratedAt string         `json:"generatedAt"`
		Dispatcher  lineage.Status `json:"dispatcher"`
		Feed        *feed.Stats    `json:"feed,omitempty"`
	}{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Dispatcher:  s.dispatcher.Status(),
	}
	if s.cfg.FeedStats != nil {
		stats := s.cfg.FeedStats()
		out.Feed = &stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request, rawGUID, operation, correlationID string) {
	guid, err := url.PathUnescape(rawGUID)
	if err != nil || strings.TrimSpace(guid) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid guid", correlationID)
		return
	}
	depth, err := parseOptionalBoundedInt(r.URL.Query().Get("depth"), 0, 0, 1_000_000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid depth", correlationID)
		return
	}

	var result query.Result
	switch operation {
	case "ultimate-source":
		result, err = s.queries.UltimateSource(r.Context(), guid, depth)
	case "ultimate-destination":
		result, err = s.queries.UltimateDestination(r.Context(), guid, depth)
	case "end-to-end":
		result, err = s.queries.EndToEnd(r.Context(), guid, depth)
	case "glossary":
		result, err = s.queries.GlossaryLineage(r.Context(), guid, depth)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, query.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "vertex not found: "+guid, correlationID)
		case errors.Is(err, query.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case graph.IsTransient(err):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func formatCheckpoint(ts time.Time) *string {
	if ts.IsZero() {
		return nil
	}
	formatted := ts.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *subjectLimiter) allow(subject string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) markIngestReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.ingestReplayMu.Lock()
	defer s.ingestReplayMu.Unlock()
	for replayKey, expiresAt := range s.ingestReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.ingestReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.ingestReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.ingestReplaySeen[key] = now.Add(s.cfg.IngestMaxSkew)
	return true
}

// parseOptionalBoundedInt returns fallback for an empty value, an error for a
// malformed or too small one, and clamps to max.
func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if parsed < min {
		return 0, errors.New("value below minimum")
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}
