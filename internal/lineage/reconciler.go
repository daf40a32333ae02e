package lineage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

// ReconcileResult lists the edges a neighbour assertion pruned and the ones
// it left in place because they were newer than the assertion.
type ReconcileResult struct {
	Removed  []string
	Retained []string
}

// Reconciler prunes edges incident to a vertex that a closed-world neighbour
// assertion no longer lists. It never creates edges.
type Reconciler struct {
	store  graph.Store
	logger *zap.Logger
	onRace func()
}

func NewReconciler(store graph.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile removes every live edge incident to vertexID that is absent from
// asserted and whose stored version is at most assertionVersion.
func (r *Reconciler) Reconcile(ctx context.Context, vertexID string, asserted []string, assertionVersion int64) (ReconcileResult, error) {
	current, err := r.store.IncidentEdges(ctx, vertexID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list edges of %s: %w", vertexID, err)
	}
	keep := make(map[string]struct{}, len(asserted))
	for _, id := range asserted {
		keep[id] = struct{}{}
	}

	var result ReconcileResult
	for _, edge := range current {
		if _, ok := keep[edge.GUID]; ok {
			continue
		}
		if edge.Version > assertionVersion {
			r.retained(vertexID, edge.GUID, edge.Version, assertionVersion)
			result.Retained = append(result.Retained, edge.GUID)
			continue
		}
		pruned, err := r.store.PruneEdge(ctx, edge.GUID, assertionVersion)
		if err != nil {
			return result, fmt.Errorf("prune edge %s: %w", edge.GUID, err)
		}
		if !pruned {
			// upserted on another lane since the listing
			r.retained(vertexID, edge.GUID, edge.Version, assertionVersion)
			result.Retained = append(result.Retained, edge.GUID)
			continue
		}
		result.Removed = append(result.Removed, edge.GUID)
	}
	return result, nil
}

func (r *Reconciler) retained(vertexID, edgeID string, edgeVersion, assertionVersion int64) {
	r.logger.Warn("neighbour assertion older than edge; edge retained",
		zap.String("vertex", vertexID),
		zap.String("edge", edgeID),
		zap.Int64("edgeVersion", edgeVersion),
		zap.Int64("assertionVersion", assertionVersion),
	)
	if r.onRace != nil {
		r.onRace()
	}
}
