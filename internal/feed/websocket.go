package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type WebsocketOptions struct {
	Token string
	// ReadLimit caps one message. Defaults to 4 MiB.
	ReadLimit        int64
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// WebsocketSource streams events from the feed. Each text message carries
// one event or a JSON array of events. On reconnect it resumes from the
// dispatcher checkpoint.
type WebsocketSource struct {
	url    string
	sub    Submitter
	opts   WebsocketOptions
	logger *zap.Logger
	stats  counters
}

func NewWebsocketSource(rawURL string, sub Submitter, opts WebsocketOptions) (*WebsocketSource, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: websocket feed url %q", ErrInvalidInput, rawURL)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported websocket scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebsocketSource{url: rawURL, sub: sub, opts: opts, logger: opts.Logger}, nil
}

func (s *WebsocketSource) Stats() Stats {
	return s.stats.snapshot()
}

// Run keeps a stream open until ctx ends or the dispatcher stops.
func (s *WebsocketSource) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = s.opts.ReconnectInitial
	reconnect.MaxInterval = s.opts.ReconnectMax
	for {
		if err := s.sub.WaitResumed(ctx); err != nil {
			return shutdown(ctx, err)
		}
		connected, err := s.stream(ctx)
		if stopped(ctx, err) {
			return shutdown(ctx, err)
		}
		if connected {
			reconnect.Reset()
		}
		wait := reconnect.NextBackOff()
		s.logger.Warn("feed stream interrupted", zap.Duration("reconnectIn", wait), zap.Error(err))
		if err := waitWithContext(ctx, wait); err != nil {
			return shutdown(ctx, err)
		}
	}
}

func (s *WebsocketSource) stream(ctx context.Context) (bool, error) {
	since := s.sub.CurrentCheckpoint()
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, s.streamURL(since), &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.opts.ReadLimit)
	s.logger.Info("feed stream connected", zap.Time("since", since))

	for {
		typ, message, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("feed closed the stream")
			}
			return true, fmt.Errorf("read feed: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := s.sub.WaitResumed(ctx); err != nil {
			return true, err
		}
		for _, raw := range rawEvents(message) {
			if err := s.stats.submit(ctx, s.sub, raw, s.logger); err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return true, err
			}
		}
	}
}

func (s *WebsocketSource) streamURL(since time.Time) string {
	if since.IsZero() {
		return s.url
	}
	parsed, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}
	q := parsed.Query()
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func rawEvents(message []byte) []json.RawMessage {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err == nil {
			return batch
		}
	}
	return []json.RawMessage{trimmed}
}
