package lineage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

func seedEdge(t *testing.T, store graph.Store, id, from, to string, version int64) {
	t.Helper()
	require.NoError(t, store.UpsertEdge(testContext(t), graph.Edge{
		GUID: id, TypeName: "DataFlow", Version: version, From: from, To: to,
	}, graph.Endpoints{}))
}

func TestArbiterStoredVersions(t *testing.T) {
	ctx := testContext(t)
	store := graph.NewMemoryStore()
	arbiter := NewArbiter(store)

	ok, err := arbiter.Accept(ctx, Ref{Kind: RefVertex, ID: "A"}, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.UpsertVertex(ctx, graph.Vertex{GUID: "A", TypeName: "T", Version: 3}))
	require.NoError(t, store.PutClassification(ctx, "A", "", graph.Classification{Name: "PII", Version: 2}))
	require.NoError(t, store.SetNeighbourVersion(ctx, "A", 5))
	seedEdge(t, store, "e1", "A", "B", 4)

	for _, tc := range []struct {
		ref  Ref
		want int64
	}{
		{Ref{Kind: RefVertex, ID: "A"}, 3},
		{Ref{Kind: RefClassification, ID: "A", Name: "PII"}, 2},
		{Ref{Kind: RefClassification, ID: "A", Name: "Finance"}, 0},
		{Ref{Kind: RefNeighbours, ID: "A"}, 5},
		{Ref{Kind: RefEdge, ID: "e1"}, 4},
		{Ref{Kind: RefVertex, ID: "B"}, 0},
		{Ref{Kind: RefEdge, ID: "missing"}, 0},
	} {
		got, err := arbiter.StoredVersion(ctx, tc.ref)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.ref.Kind, tc.ref.ID)
	}

	ok, err = arbiter.Accept(ctx, Ref{Kind: RefVertex, ID: "A"}, 3)
	require.NoError(t, err)
	assert.False(t, ok, "equal version is stale")

	require.NoError(t, store.DeleteVertex(ctx, "A", 6))
	ok, err = arbiter.Accept(ctx, Ref{Kind: RefVertex, ID: "A"}, 5)
	require.NoError(t, err)
	assert.False(t, ok, "tombstone keeps its version")
}

func TestReconcileRemovesOnlyUnlistedOlderEdges(t *testing.T) {
	ctx := testContext(t)
	store := graph.NewMemoryStore()
	seedEdge(t, store, "e1", "A", "B", 1)
	seedEdge(t, store, "e2", "C", "A", 2)
	seedEdge(t, store, "e3", "A", "D", 3)
	seedEdge(t, store, "e4", "A", "E", 9)
	seedEdge(t, store, "e5", "B", "D", 1)

	races := 0
	r := NewReconciler(store, nil)
	r.onRace = func() { races++ }
	result, err := r.Reconcile(ctx, "A", []string{"e1", "e2", "e-new"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, result.Removed)
	assert.Equal(t, []string{"e4"}, result.Retained)
	assert.Equal(t, 1, races)

	incident, err := store.IncidentEdges(ctx, "A")
	require.NoError(t, err)
	ids := []string{}
	for _, e := range incident {
		ids = append(ids, e.GUID)
	}
	assert.Equal(t, []string{"e1", "e2", "e4"}, ids)

	_, err = store.Edge(ctx, "e-new")
	assert.ErrorIs(t, err, graph.ErrNotFound, "reconcile never creates edges")
	e5, err := store.Edge(ctx, "e5")
	require.NoError(t, err)
	assert.False(t, e5.Deleted)
}

// racingStore upserts a fresher copy of an edge between the listing and the
// prune, as a concurrent edge-upsert lane would.
type racingStore struct {
	graph.Store
	edge graph.Edge
}

func (s *racingStore) IncidentEdges(ctx context.Context, vertexGUID string) ([]graph.Edge, error) {
	edges, err := s.Store.IncidentEdges(ctx, vertexGUID)
	if err != nil {
		return nil, err
	}
	return edges, s.Store.UpsertEdge(ctx, s.edge, graph.Endpoints{})
}

func TestReconcileRetainsEdgeUpsertedDuringPrune(t *testing.T) {
	ctx := testContext(t)
	base := graph.NewMemoryStore()
	seedEdge(t, base, "e1", "A", "B", 2)
	store := &racingStore{Store: base, edge: graph.Edge{GUID: "e1", TypeName: "DataFlow", Version: 8, From: "A", To: "B"}}

	result, err := NewReconciler(store, nil).Reconcile(ctx, "A", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
	assert.Equal(t, []string{"e1"}, result.Retained)

	e1, err := base.Edge(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, e1.Deleted)
	assert.Equal(t, int64(8), e1.Version)
}
