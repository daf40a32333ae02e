package lineage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/lineagesync/internal/checkpoint"
	"github.com/agentworkforce/lineagesync/internal/graph"
	"github.com/agentworkforce/lineagesync/internal/membership"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestDispatcher(t *testing.T, store graph.Store, opts Options) *Dispatcher {
	t.Helper()
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
		opts.RetryMax = 5 * time.Millisecond
	}
	if opts.Lanes == 0 {
		opts.Lanes = 4
	}
	d, err := NewDispatcher(store, membership.NewStatic("repo-a", "repo-b"), opts)
	require.NoError(t, err)
	_, err = d.Start(testContext(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func submitAll(t *testing.T, d *Dispatcher, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, d.Submit(testContext(t), ev))
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Status().InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func vertexEvent(t *testing.T, id string, version int64, i int, props map[string]string) Event {
	return mustEvent(t, KindVertexUpsert, id, version, i, VertexPayload{TypeName: "DataSet", Properties: props})
}

func edgeEvent(t *testing.T, id, from, to string, version int64, i int) Event {
	return mustEvent(t, KindEdgeUpsert, id, version, i, EdgePayload{TypeName: "DataFlow", From: from, To: to})
}

func deleteEvent(t *testing.T, id, target string, version int64, i int) Event {
	return mustEvent(t, KindDelete, id, version, i, DeletePayload{Target: target})
}

func neighbourEvent(t *testing.T, vertex string, edges []string, version int64, i int) Event {
	return mustEvent(t, KindNeighbourSync, vertex, version, i, NeighbourPayload{Edges: edges})
}

func snapshot(t *testing.T, store graph.Store) graph.Snapshot {
	t.Helper()
	snap, err := store.Snapshot(testContext(t))
	require.NoError(t, err)
	return snap
}

func TestEdgeBeforeEndpointCreatesPlaceholder(t *testing.T) {
	store := graph.NewMemoryStore()
	d := newTestDispatcher(t, store, Options{})

	submitAll(t, d,
		vertexEvent(t, "A", 1, 0, map[string]string{"name": "orders"}),
		edgeEvent(t, "A->B", "A", "B", 1, 1),
	)
	waitIdle(t, d)

	a, err := store.Vertex(testContext(t), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	b, err := store.Vertex(testContext(t), "B")
	require.NoError(t, err)
	assert.True(t, b.Unresolved)
	e, err := store.Edge(testContext(t), "A->B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)

	submitAll(t, d, vertexEvent(t, "B", 1, 2, map[string]string{"name": "orders_clean"}))
	waitIdle(t, d)

	b, err = store.Vertex(testContext(t), "B")
	require.NoError(t, err)
	assert.False(t, b.Unresolved)
	assert.Equal(t, int64(1), b.Version)
	assert.Equal(t, "orders_clean", b.Properties["name"])
	after, err := store.Edge(testContext(t), "A->B")
	require.NoError(t, err)
	assert.Equal(t, e, after)
}

func TestNeighbourSyncPrunesOnlyOlderEdges(t *testing.T) {
	for _, tc := range []struct {
		name       string
		e3Version  int64
		wantPruned bool
	}{
		{name: "older edge removed", e3Version: 3, wantPruned: true},
		{name: "fresher edge retained", e3Version: 7, wantPruned: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := graph.NewMemoryStore()
			d := newTestDispatcher(t, store, Options{})
			submitAll(t, d,
				edgeEvent(t, "e1", "A", "X", 1, 0),
				edgeEvent(t, "e2", "Y", "A", 1, 1),
				edgeEvent(t, "e3", "A", "Z", tc.e3Version, 2),
				edgeEvent(t, "e4", "X", "Z", 1, 3),
			)
			waitIdle(t, d)

			submitAll(t, d, neighbourEvent(t, "A", []string{"e1", "e2"}, 5, 4))
			waitIdle(t, d)

			incident, err := store.IncidentEdges(testContext(t), "A")
			require.NoError(t, err)
			ids := make([]string, 0, len(incident))
			for _, e := range incident {
				ids = append(ids, e.GUID)
				if e.GUID != "e1" && e.GUID != "e2" {
					assert.Greater(t, e.Version, int64(5))
				}
			}
			if tc.wantPruned {
				assert.Equal(t, []string{"e1", "e2"}, ids)
			} else {
				assert.Equal(t, []string{"e1", "e2", "e3"}, ids)
			}
			// edges not incident to A are never touched
			ok, err := store.HasVertex(testContext(t), "Z")
			require.NoError(t, err)
			assert.True(t, ok)
			e4, err := store.Edge(testContext(t), "e4")
			require.NoError(t, err)
			assert.False(t, e4.Deleted)
		})
	}
}

func TestStaleNeighbourAssertionIsIgnored(t *testing.T) {
	store := graph.NewMemoryStore()
	d := newTestDispatcher(t, store, Options{})
	submitAll(t, d,
		vertexEvent(t, "A", 1, 0, nil),
		edgeEvent(t, "e1", "A", "B", 1, 1),
		edgeEvent(t, "e2", "A", "C", 1, 2),
	)
	waitIdle(t, d)
	submitAll(t, d, neighbourEvent(t, "A", []string{"e1", "e2"}, 6, 3))
	waitIdle(t, d)
	submitAll(t, d, neighbourEvent(t, "A", []string{"e1"}, 4, 4))
	waitIdle(t, d)

	incident, err := store.IncidentEdges(testContext(t), "A")
	require.NoError(t, err)
	assert.Len(t, incident, 2)
	assert.Equal(t, uint64(1), d.Status().Stale)
}

func TestReplayingEventsIsIdempotent(t *testing.T) {
	events := []Event{
		vertexEvent(t, "A", 1, 0, map[string]string{"k": "v"}),
		edgeEvent(t, "e1", "A", "B", 1, 1),
		mustEvent(t, KindClassificationAdd, "A", 2, 2, ClassificationPayload{Name: "PII", Properties: map[string]string{"level": "high"}}),
		vertexEvent(t, "B", 3, 3, nil),
		neighbourEvent(t, "B", []string{"e1"}, 2, 4),
		deleteEvent(t, "C", DeleteTargetVertex, 1, 5),
	}

	once := graph.NewMemoryStore()
	d1 := newTestDispatcher(t, once, Options{})
	submitAll(t, d1, events...)
	require.NoError(t, d1.Stop(testContext(t)))

	twice := graph.NewMemoryStore()
	d2 := newTestDispatcher(t, twice, Options{})
	submitAll(t, d2, events...)
	submitAll(t, d2, events...)
	require.NoError(t, d2.Stop(testContext(t)))

	assert.Equal(t, snapshot(t, once), snapshot(t, twice))
	assert.Equal(t, uint64(len(events)), d2.Status().Stale)
}

func TestStoredVersionIsMaximumAcrossInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		store := graph.NewMemoryStore()
		d := newTestDispatcher(t, store, Options{Lanes: 1 + round%4})

		var events []Event
		want := map[string]int64{}
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("v%d", i)
			for _, version := range rng.Perm(6) {
				events = append(events, vertexEvent(t, id, int64(version+1), len(events), nil))
			}
			want[id] = 6
		}
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("e%d", i)
			var max int64
			for j := 0; j < 5; j++ {
				version := int64(rng.Intn(10) + 1)
				if version > max {
					max = version
				}
				if rng.Intn(3) == 0 {
					events = append(events, deleteEvent(t, id, DeleteTargetEdge, version, len(events)))
				} else {
					events = append(events, edgeEvent(t, id, fmt.Sprintf("v%d", j), fmt.Sprintf("v%d", i), version, len(events)))
				}
			}
			want[id] = max
		}
		events = append(events, mustEvent(t, KindVertexUpsert, "rogue", 99, len(events), VertexPayload{TypeName: "T"}))
		events[len(events)-1].Source = "unknown-repo"
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(events); i += 4 {
					_ = d.Submit(context.Background(), events[i])
				}
			}(w)
		}
		wg.Wait()
		require.NoError(t, d.Stop(testContext(t)))

		snap := snapshot(t, store)
		for id, version := range want {
			if v, ok := snap.Vertices[id]; ok && id[0] == 'v' {
				assert.Equal(t, version, v.Version, "round %d vertex %s", round, id)
				continue
			}
			e, ok := snap.Edges[id]
			require.True(t, ok, "round %d edge %s", round, id)
			assert.Equal(t, version, e.Version, "round %d edge %s", round, id)
		}
		_, rogue := snap.Vertices["rogue"]
		assert.False(t, rogue)
	}
}

func TestEndpointResolutionIsOrderIndependent(t *testing.T) {
	a := vertexEvent(t, "A", 1, 0, map[string]string{"name": "a"})
	b := vertexEvent(t, "B", 1, 1, map[string]string{"name": "b"})
	ab := edgeEvent(t, "A->B", "A", "B", 1, 2)

	run := func(events ...Event) graph.Snapshot {
		store := graph.NewMemoryStore()
		d := newTestDispatcher(t, store, Options{})
		for _, ev := range events {
			submitAll(t, d, ev)
			waitIdle(t, d)
		}
		require.NoError(t, d.Stop(testContext(t)))
		return snapshot(t, store)
	}

	vertexFirst := run(a, b, ab)
	edgeFirst := run(ab, b, a)
	assert.Equal(t, vertexFirst, edgeFirst)
}

func TestCrashAndReplayConverges(t *testing.T) {
	store := graph.NewMemoryStore()
	backend := checkpoint.NewFileBackend(t.TempDir() + "/checkpoint.json")
	events := []Event{
		vertexEvent(t, "A", 1, 0, nil),
		vertexEvent(t, "B", 1, 1, nil),
		edgeEvent(t, "e1", "A", "B", 1, 2),
		edgeEvent(t, "e2", "B", "C", 1, 3),
		neighbourEvent(t, "B", []string{"e1"}, 2, 4),
		vertexEvent(t, "A", 2, 5, map[string]string{"owner": "etl"}),
	}

	first := newTestDispatcher(t, store, Options{Checkpoint: backend})
	submitAll(t, first, events...)
	require.NoError(t, first.Stop(testContext(t)))
	before := snapshot(t, store)

	cp, err := backend.Load(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, at(5).Equal(cp.Timestamp))

	restarted := newTestDispatcher(t, store, Options{Checkpoint: backend})
	resume := restarted.CurrentCheckpoint()
	for _, ev := range events {
		if !ev.Timestamp.Before(resume) {
			submitAll(t, restarted, ev)
		}
	}
	// an older window is also safe to replay
	submitAll(t, restarted, events[2:]...)
	require.NoError(t, restarted.Stop(testContext(t)))

	assert.Equal(t, before, snapshot(t, store))
}

func TestUntrustedAndMalformedEventsArePoisoned(t *testing.T) {
	store := graph.NewMemoryStore()
	d := newTestDispatcher(t, store, Options{})

	rogue := vertexEvent(t, "A", 1, 0, nil)
	rogue.Source = "unknown-repo"
	err := d.Submit(testContext(t), rogue)
	assert.ErrorIs(t, err, ErrUntrustedSource)

	err = d.SubmitRaw(testContext(t), []byte(`{"id":"B","kind":"explode","version":1,"source":"repo-a"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	submitAll(t, d, vertexEvent(t, "C", 1, 1, nil))
	waitIdle(t, d)

	assert.Equal(t, uint64(2), d.PoisonEventCount())
	records := d.PoisonEvents(10)
	require.Len(t, records, 2)
	assert.Equal(t, CategoryMalformed, records[0].Category)
	assert.Equal(t, "B", records[0].EventID)
	assert.Equal(t, Kind("explode"), records[0].Kind)
	assert.Equal(t, CategoryUntrusted, records[1].Category)
	assert.Equal(t, "unknown-repo", records[1].Source)
	assert.NotEmpty(t, records[1].ID)

	ok, err := store.HasVertex(testContext(t), "A")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.HasVertex(testContext(t), "C")
	require.NoError(t, err)
	assert.True(t, ok)
}

type flakyStore struct {
	graph.Store

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	block    map[string]chan struct{}
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		Store:    graph.NewMemoryStore(),
		failures: map[string]int{},
		calls:    map[string]int{},
		block:    map[string]chan struct{}{},
	}
}

// failNext makes the next n writes to guid fail transiently; n < 0 fails
// forever.
func (s *flakyStore) failNext(guid string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[guid] = n
}

func (s *flakyStore) hold(guid string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.block[guid] = ch
	return ch
}

func (s *flakyStore) callCount(guid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[guid]
}

func (s *flakyStore) UpsertVertex(ctx context.Context, v graph.Vertex) error {
	s.mu.Lock()
	s.calls[v.GUID]++
	ch := s.block[v.GUID]
	remaining := s.failures[v.GUID]
	if remaining > 0 {
		s.failures[v.GUID] = remaining - 1
	}
	s.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return &graph.StorageError{Op: "upsert_vertex", ID: v.GUID, Transient: true, Err: ctx.Err()}
		}
	}
	if remaining != 0 {
		return &graph.StorageError{Op: "upsert_vertex", ID: v.GUID, Transient: true, Err: errors.New("connection reset")}
	}
	return s.Store.UpsertVertex(ctx, v)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := newFlakyStore()
	store.failNext("A", 2)
	d := newTestDispatcher(t, store, Options{MaxAttempts: 5})

	submitAll(t, d, vertexEvent(t, "A", 1, 0, nil))
	waitIdle(t, d)

	assert.Equal(t, 3, store.callCount("A"))
	assert.Equal(t, uint64(1), d.Status().Applied)
	assert.Zero(t, d.PoisonEventCount())
}

func TestExhaustedRetriesPoisonAndContinue(t *testing.T) {
	store := newFlakyStore()
	store.failNext("bad", -1)
	d := newTestDispatcher(t, store, Options{MaxAttempts: 3})

	submitAll(t, d,
		vertexEvent(t, "bad", 1, 0, nil),
		vertexEvent(t, "good", 1, 1, nil),
	)
	waitIdle(t, d)

	assert.Equal(t, 3, store.callCount("bad"))
	require.Equal(t, uint64(1), d.PoisonEventCount())
	rec := d.PoisonEvents(1)[0]
	assert.Equal(t, CategoryTransientStorage, rec.Category)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "bad", rec.EventID)

	ok, err := store.HasVertex(testContext(t), "good")
	require.NoError(t, err)
	assert.True(t, ok)
	// poisoned events still complete, so the checkpoint moves past them
	assert.True(t, at(1).Equal(d.CurrentCheckpoint()))
}

func TestCheckpointWaitsForInFlightEvent(t *testing.T) {
	store := newFlakyStore()
	release := store.hold("slow")
	d := newTestDispatcher(t, store, Options{Lanes: 16})

	submitAll(t, d,
		vertexEvent(t, "slow", 1, 0, nil),
		vertexEvent(t, "fast", 1, 1, nil),
	)
	require.Eventually(t, func() bool {
		ok, _ := store.HasVertex(context.Background(), "fast")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, d.CurrentCheckpoint().IsZero())

	close(release)
	waitIdle(t, d)
	assert.True(t, at(1).Equal(d.CurrentCheckpoint()))
}

func TestPauseHoldsLanesUntilResume(t *testing.T) {
	store := graph.NewMemoryStore()
	d := newTestDispatcher(t, store, Options{})

	d.Pause()
	assert.True(t, d.Paused())
	submitAll(t, d, vertexEvent(t, "A", 1, 0, nil))
	time.Sleep(50 * time.Millisecond)
	ok, err := store.HasVertex(testContext(t), "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, d.Status().InFlight)

	d.Resume()
	assert.False(t, d.Paused())
	waitIdle(t, d)
	ok, err = store.HasVertex(testContext(t), "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopDrainsAndPersistsCheckpoint(t *testing.T) {
	store := graph.NewMemoryStore()
	backend := checkpoint.NewMemoryBackend()
	d := newTestDispatcher(t, store, Options{Checkpoint: backend})

	d.Pause()
	for i := 0; i < 20; i++ {
		submitAll(t, d, vertexEvent(t, fmt.Sprintf("v%d", i), 1, i, nil))
	}
	require.NoError(t, d.Stop(testContext(t)))

	snap := snapshot(t, store)
	assert.Len(t, snap.Vertices, 20)
	cp, err := backend.Load(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, at(19).Equal(cp.Timestamp))

	assert.ErrorIs(t, d.Submit(testContext(t), vertexEvent(t, "late", 1, 30, nil)), ErrStopped)
	assert.NoError(t, d.Stop(testContext(t)))
}

func TestSubmitBeforeStart(t *testing.T) {
	d, err := NewDispatcher(graph.NewMemoryStore(), membership.NewStatic("repo-a"), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Submit(testContext(t), vertexEvent(t, "A", 1, 0, nil)), ErrNotStarted)

	_, err = NewDispatcher(nil, membership.NewStatic(), Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewDispatcher(graph.NewMemoryStore(), nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMetricsAreRegisteredPerDispatcher(t *testing.T) {
	d1 := newTestDispatcher(t, graph.NewMemoryStore(), Options{})
	d2 := newTestDispatcher(t, graph.NewMemoryStore(), Options{})
	submitAll(t, d1, vertexEvent(t, "A", 1, 0, nil))
	waitIdle(t, d1)

	count := func(d *Dispatcher) float64 {
		families, err := d.Registry().Gather()
		require.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() != "lineagesync_events_total" {
				continue
			}
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
		return 0
	}
	assert.Equal(t, float64(1), count(d1))
	assert.Equal(t, float64(0), count(d2))
}

func TestClassificationOnDeletedVertexRevivesPlaceholder(t *testing.T) {
	store := graph.NewMemoryStore()
	d := newTestDispatcher(t, store, Options{})

	submitAll(t, d,
		vertexEvent(t, "A", 1, 0, map[string]string{"name": "orders"}),
		deleteEvent(t, "A", DeleteTargetVertex, 2, 1),
		mustEvent(t, KindClassificationAdd, "A", 3, 2, ClassificationPayload{Name: "PII"}),
	)
	waitIdle(t, d)

	a, err := store.Vertex(testContext(t), "A")
	require.NoError(t, err)
	assert.False(t, a.Deleted)
	assert.True(t, a.Unresolved)
	assert.Equal(t, int64(2), a.Version)
	active := a.ActiveClassifications()
	require.Len(t, active, 1)
	assert.Equal(t, int64(3), active[0].Version)

	// a full vertex upsert still has to beat the tombstone version
	submitAll(t, d,
		vertexEvent(t, "A", 2, 3, map[string]string{"name": "stale"}),
		vertexEvent(t, "A", 4, 4, map[string]string{"name": "orders_v4"}),
	)
	waitIdle(t, d)
	a, err = store.Vertex(testContext(t), "A")
	require.NoError(t, err)
	assert.False(t, a.Unresolved)
	assert.Equal(t, "orders_v4", a.Properties["name"])
	assert.Len(t, a.ActiveClassifications(), 1)
}

// hangingStore blocks writes to one vertex until the caller's context ends.
type hangingStore struct {
	graph.Store
	guid  string
	calls atomic.Int32
}

func (s *hangingStore) UpsertVertex(ctx context.Context, v graph.Vertex) error {
	if v.GUID != s.guid {
		return s.Store.UpsertVertex(ctx, v)
	}
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type failingBackend struct {
	saves atomic.Int32
}

func (b *failingBackend) Load(context.Context) (*checkpoint.Checkpoint, error) {
	return nil, nil
}

func (b *failingBackend) Save(context.Context, checkpoint.Checkpoint) error {
	b.saves.Add(1)
	return errors.New("disk full")
}

func TestStoreTimeoutRetriesThenPoisonsWhileCheckpointWritesFail(t *testing.T) {
	store := &hangingStore{Store: graph.NewMemoryStore(), guid: "slow"}
	backend := &failingBackend{}
	d := newTestDispatcher(t, store, Options{
		Lanes:        16,
		StoreTimeout: 10 * time.Millisecond,
		MaxAttempts:  2,
		Checkpoint:   backend,
	})

	submitAll(t, d,
		vertexEvent(t, "slow", 1, 0, nil),
		edgeEvent(t, "A->B", "A", "B", 1, 1),
	)
	waitIdle(t, d)

	assert.Equal(t, int32(2), store.calls.Load())
	require.Equal(t, uint64(1), d.PoisonEventCount())
	rec := d.PoisonEvents(1)[0]
	assert.Equal(t, "slow", rec.EventID)
	assert.Equal(t, CategoryTransientStorage, rec.Category)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.Cause, "deadline exceeded")

	assert.Equal(t, uint64(1), d.Status().Applied)
	e, err := store.Edge(testContext(t), "A->B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
	assert.True(t, at(1).Equal(d.CurrentCheckpoint()))

	require.Eventually(t, func() bool {
		return d.Status().CheckpointWriteFailures >= 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, d.Status().PersistedCheckpoint.IsZero())

	// ingestion keeps going while the backend is failing
	submitAll(t, d, vertexEvent(t, "C", 1, 2, nil))
	waitIdle(t, d)
	ok, err := store.HasVertex(testContext(t), "C")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at(2).Equal(d.CurrentCheckpoint()))

	assert.ErrorIs(t, d.Stop(testContext(t)), checkpoint.ErrWriteFailed)
	assert.GreaterOrEqual(t, backend.saves.Load(), int32(2))
}

func TestPauseAfterStopIsIgnored(t *testing.T) {
	d := newTestDispatcher(t, graph.NewMemoryStore(), Options{})
	require.NoError(t, d.Stop(testContext(t)))

	d.Pause()
	assert.False(t, d.Paused())
	assert.NoError(t, d.WaitResumed(testContext(t)))
}

func TestReleasedGateCannotBePaused(t *testing.T) {
	var g gate
	g.init()
	require.True(t, g.pause())

	g.release()
	assert.False(t, g.isPaused())
	assert.False(t, g.pause())
	assert.False(t, g.isPaused())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, g.wait(ctx))
}
