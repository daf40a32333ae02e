package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

type RefKind int

const (
	RefVertex RefKind = iota
	RefEdge
	RefClassification
	RefNeighbours
)

func (k RefKind) String() string {
	switch k {
	case RefVertex:
		return "vertex"
	case RefEdge:
		return "edge"
	case RefClassification:
		return "classification"
	case RefNeighbours:
		return "neighbours"
	default:
		return "unknown"
	}
}

// Ref names a versioned thing in the graph. Name is the classification name
// for RefClassification.
type Ref struct {
	Kind RefKind
	ID   string
	Name string
}

// Arbiter compares incoming versions with stored ones. It holds no state of
// its own; callers must serialize Accept and the following write per
// identifier.
type Arbiter struct {
	store graph.Store
}

func NewArbiter(store graph.Store) *Arbiter {
	return &Arbiter{store: store}
}

// StoredVersion returns the version on record for ref, 0 when unseen.
// Placeholders and tombstones carry their own version.
func (a *Arbiter) StoredVersion(ctx context.Context, ref Ref) (int64, error) {
	switch ref.Kind {
	case RefEdge:
		e, err := a.store.Edge(ctx, ref.ID)
		if errors.Is(err, graph.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return e.Version, nil
	case RefVertex, RefClassification, RefNeighbours:
		v, err := a.store.Vertex(ctx, ref.ID)
		if errors.Is(err, graph.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		switch ref.Kind {
		case RefClassification:
			return v.Classifications[ref.Name].Version, nil
		case RefNeighbours:
			return v.NeighbourVersion, nil
		default:
			return v.Version, nil
		}
	default:
		return 0, fmt.Errorf("%w: unknown ref kind %d", ErrInvalidInput, ref.Kind)
	}
}

// Accept reports whether incoming is newer than what is stored.
func (a *Arbiter) Accept(ctx context.Context, ref Ref, incoming int64) (bool, error) {
	stored, err := a.StoredVersion(ctx, ref)
	if err != nil {
		return false, err
	}
	return incoming > stored, nil
}
