package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/lineagesync/internal/lineage"
)

type fakeSubmitter struct {
	mu         sync.Mutex
	raws       []string
	checkpoint time.Time
	reject     map[string]error
	onSubmit   func(n int)
}

func (f *fakeSubmitter) SubmitRaw(_ context.Context, raw []byte) error {
	f.mu.Lock()
	if err := f.reject[string(raw)]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.raws = append(f.raws, string(raw))
	n := len(f.raws)
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit(n)
	}
	return nil
}

func (f *fakeSubmitter) WaitResumed(ctx context.Context) error {
	return ctx.Err()
}

func (f *fakeSubmitter) CurrentCheckpoint() time.Time {
	return f.checkpoint
}

func (f *fakeSubmitter) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.raws...)
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"id":"A"}],"nextCursor":null}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	page, err := client.ListEvents(context.Background(), time.Time{}, "", 10)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(page.Events))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsPermanentErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, "token", server.Client()).ListEvents(context.Background(), time.Time{}, "", 0)
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized || httpErr.Code != "unauthorized" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestHTTPClientListEventsForwardsQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since") != "2026-03-01T12:00:00Z" {
			t.Errorf("expected since to be forwarded, got %q", q.Get("since"))
		}
		if q.Get("cursor") != "evt_1" {
			t.Errorf("expected cursor to be forwarded, got %q", q.Get("cursor"))
		}
		if q.Get("limit") != "50" {
			t.Errorf("expected limit to be forwarded, got %q", q.Get("limit"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[],"nextCursor":"evt_2"}`))
	}))
	defer server.Close()

	page, err := NewHTTPClient(server.URL, "token", server.Client()).ListEvents(context.Background(), since, "evt_1", 50)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if page.NextCursor == nil || *page.NextCursor != "evt_2" {
		t.Fatalf("expected nextCursor evt_2, got %+v", page.NextCursor)
	}
}

func TestPollerFollowsCursorsAndCountsRejections(t *testing.T) {
	checkpoint := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.RawQuery)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"events":[{"id":"1"},{"id":"2"}],"nextCursor":"c1"}`))
		case "c1":
			_, _ = w.Write([]byte(`{"events":[{"id":"bad"},{"id":"3"}],"nextCursor":"c2"}`))
		default:
			_, _ = w.Write([]byte(`{"events":[],"nextCursor":"c2"}`))
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := &fakeSubmitter{
		checkpoint: checkpoint,
		reject:     map[string]error{`{"id":"bad"}`: fmt.Errorf("%w: nope", lineage.ErrMalformed)},
		onSubmit: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	poller := NewPoller(NewHTTPClient(server.URL, "", server.Client()), sub, PollerOptions{Batch: 2, Interval: 10 * time.Millisecond})
	if err := poller.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	got := sub.received()
	want := []string{`{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	stats := poller.Stats()
	if stats.Submitted != 3 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requests) < 2 {
		t.Fatalf("expected at least two requests, got %v", requests)
	}
	if requests[0] != "limit=2&since=2026-03-01T12%3A00%3A00Z" {
		t.Fatalf("expected first poll to resume from checkpoint, got %q", requests[0])
	}
}

func TestPollerStopsWhenDispatcherStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[{"id":"1"}]}`))
	}))
	defer server.Close()

	sub := &fakeSubmitter{reject: map[string]error{`{"id":"1"}`: lineage.ErrStopped}}
	poller := NewPoller(NewHTTPClient(server.URL, "", server.Client()), sub, PollerOptions{})
	done := make(chan error, 1)
	go func() { done <- poller.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on dispatcher stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("poller did not stop")
	}
}

func TestWebsocketSourceStreamsAndResumes(t *testing.T) {
	checkpoint := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var sinces []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`[{"id":"1"},{"id":"2"}]`))
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(` {"id":"3"} `))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := &fakeSubmitter{
		checkpoint: checkpoint,
		onSubmit: func(n int) {
			if n == 6 {
				cancel()
			}
		},
	}
	source, err := NewWebsocketSource(server.URL+"/v1/events/stream", sub, WebsocketOptions{ReconnectInitial: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new websocket source: %v", err)
	}
	if err := source.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	got := sub.received()
	if len(got) < 6 || got[0] != `{"id":"1"}` || got[2] != `{"id":"3"}` || got[3] != `{"id":"1"}` {
		t.Fatalf("unexpected events %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sinces) < 2 || sinces[0] != "2026-03-01T12:00:00Z" || sinces[1] != sinces[0] {
		t.Fatalf("expected every connection to resume from checkpoint, got %v", sinces)
	}
}

func TestNewWebsocketSourceRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://feed", "://"} {
		if _, err := NewWebsocketSource(raw, &fakeSubmitter{}, WebsocketOptions{}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := ClampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := JitteredInterval(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
