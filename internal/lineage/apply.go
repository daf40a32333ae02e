package lineage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

// Applier turns one decoded change into at most one atomic store mutation
// per identifier. Callers serialize changes with the same partition key.
type Applier struct {
	store      graph.Store
	arbiter    *Arbiter
	reconciler *Reconciler
	logger     *zap.Logger
}

func NewApplier(store graph.Store, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		store:      store,
		arbiter:    NewArbiter(store),
		reconciler: NewReconciler(store, logger),
		logger:     logger,
	}
}

// Apply returns OutcomeApplied or OutcomeStale, or the storage error.
func (a *Applier) Apply(ctx context.Context, c Change) (Outcome, error) {
	switch c.Kind {
	case KindVertexUpsert:
		return a.guarded(ctx, Ref{Kind: RefVertex, ID: c.ID}, c.Version, func() error {
			return a.store.UpsertVertex(ctx, graph.Vertex{
				GUID:       c.ID,
				TypeName:   c.Vertex.TypeName,
				Version:    c.Version,
				Properties: c.Vertex.Properties,
			})
		})
	case KindEdgeUpsert:
		return a.guarded(ctx, Ref{Kind: RefEdge, ID: c.ID}, c.Version, func() error {
			return a.store.UpsertEdge(ctx, graph.Edge{
				GUID:       c.ID,
				TypeName:   c.Edge.TypeName,
				Version:    c.Version,
				From:       c.Edge.From,
				To:         c.Edge.To,
				Properties: c.Edge.Properties,
			}, graph.Endpoints{FromType: c.Edge.FromType, ToType: c.Edge.ToType})
		})
	case KindNeighbourSync:
		n := c.Neighbours
		return a.guarded(ctx, Ref{Kind: RefNeighbours, ID: n.Vertex}, n.AssertionVersion, func() error {
			result, err := a.reconciler.Reconcile(ctx, n.Vertex, n.Edges, n.AssertionVersion)
			if err != nil {
				return err
			}
			if len(result.Removed) > 0 {
				a.logger.Debug("pruned edges",
					zap.String("vertex", n.Vertex),
					zap.Strings("edges", result.Removed),
				)
			}
			return a.store.SetNeighbourVersion(ctx, n.Vertex, n.AssertionVersion)
		})
	case KindClassificationAdd, KindClassificationRemove:
		cl := c.Classification
		ref := Ref{Kind: RefClassification, ID: cl.Vertex, Name: cl.Name}
		return a.guarded(ctx, ref, c.Version, func() error {
			return a.store.PutClassification(ctx, cl.Vertex, cl.VertexType, graph.Classification{
				Name:       cl.Name,
				Version:    c.Version,
				Properties: cl.Properties,
				Removed:    c.Kind == KindClassificationRemove,
			})
		})
	case KindDelete:
		if c.Delete.Target == DeleteTargetEdge {
			return a.guarded(ctx, Ref{Kind: RefEdge, ID: c.ID}, c.Version, func() error {
				return a.store.DeleteEdge(ctx, c.ID, c.Version)
			})
		}
		return a.guarded(ctx, Ref{Kind: RefVertex, ID: c.ID}, c.Version, func() error {
			return a.store.DeleteVertex(ctx, c.ID, c.Version)
		})
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformed, c.Kind)
	}
}

func (a *Applier) guarded(ctx context.Context, ref Ref, version int64, write func() error) (Outcome, error) {
	ok, err := a.arbiter.Accept(ctx, ref, version)
	if err != nil {
		return "", fmt.Errorf("read %s %s: %w", ref.Kind, ref.ID, err)
	}
	if !ok {
		return OutcomeStale, nil
	}
	if err := write(); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// timeoutStore bounds every store call. An expired call surfaces as
// context.DeadlineExceeded, which graph.IsTransient retries.
type timeoutStore struct {
	graph.Store
	timeout time.Duration
}

func withTimeout(store graph.Store, timeout time.Duration) graph.Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{Store: store, timeout: timeout}
}

func (s *timeoutStore) Vertex(ctx context.Context, guid string) (graph.Vertex, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.Vertex(ctx, guid)
}

func (s *timeoutStore) Edge(ctx context.Context, guid string) (graph.Edge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.Edge(ctx, guid)
}

func (s *timeoutStore) IncidentEdges(ctx context.Context, vertexGUID string) ([]graph.Edge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.IncidentEdges(ctx, vertexGUID)
}

func (s *timeoutStore) HasVertex(ctx context.Context, guid string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.HasVertex(ctx, guid)
}

func (s *timeoutStore) UpsertVertex(ctx context.Context, v graph.Vertex) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.UpsertVertex(ctx, v)
}

func (s *timeoutStore) UpsertEdge(ctx context.Context, e graph.Edge, ends graph.Endpoints) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.UpsertEdge(ctx, e, ends)
}

func (s *timeoutStore) DeleteVertex(ctx context.Context, guid string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.DeleteVertex(ctx, guid, version)
}

func (s *timeoutStore) DeleteEdge(ctx context.Context, guid string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.DeleteEdge(ctx, guid, version)
}

func (s *timeoutStore) PruneEdge(ctx context.Context, guid string, notNewerThan int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.PruneEdge(ctx, guid, notNewerThan)
}

func (s *timeoutStore) PutClassification(ctx context.Context, vertexGUID, vertexType string, c graph.Classification) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.PutClassification(ctx, vertexGUID, vertexType, c)
}

func (s *timeoutStore) SetNeighbourVersion(ctx context.Context, guid string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Store.SetNeighbourVersion(ctx, guid, version)
}
