// Package graph holds the lineage property-graph model and the storage
// contract the ingestion engine writes through.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTransient      = errors.New("transient storage failure")
	ErrPermanent      = errors.New("permanent storage failure")
	ErrNotImplemented = errors.New("not implemented")
)

// StorageError wraps a backend failure with its retry classification.
type StorageError struct {
	Op        string
	ID        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", class, e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransient
	}
	return target == ErrPermanent
}

func transientError(op, id string, err error) error {
	return &StorageError{Op: op, ID: id, Transient: true, Err: err}
}

func permanentError(op, id string, err error) error {
	return &StorageError{Op: op, ID: id, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

type Vertex struct {
	GUID             string                    `json:"guid"`
	TypeName         string                    `json:"typeName,omitempty"`
	Version          int64                     `json:"version"`
	Properties       map[string]string         `json:"properties,omitempty"`
	Classifications  map[string]Classification `json:"classifications,omitempty"`
	NeighbourVersion int64                     `json:"neighbourVersion,omitempty"`
	Unresolved       bool                      `json:"unresolved,omitempty"`
	Deleted          bool                      `json:"deleted,omitempty"`
}

// Live reports whether the vertex is visible to readers.
func (v Vertex) Live() bool {
	return !v.Deleted
}

// ActiveClassifications returns the non-removed classifications sorted by name.
func (v Vertex) ActiveClassifications() []Classification {
	out := make([]Classification, 0, len(v.Classifications))
	for _, c := range v.Classifications {
		if !c.Removed {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v Vertex) Clone() Vertex {
	out := v
	out.Properties = cloneProperties(v.Properties)
	if v.Classifications != nil {
		out.Classifications = make(map[string]Classification, len(v.Classifications))
		for name, c := range v.Classifications {
			out.Classifications[name] = c.clone()
		}
	}
	return out
}

type Edge struct {
	GUID       string            `json:"guid"`
	TypeName   string            `json:"typeName,omitempty"`
	Version    int64             `json:"version"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
}

// Other returns the endpoint opposite to vertexGUID.
func (e Edge) Other(vertexGUID string) string {
	if e.From == vertexGUID {
		return e.To
	}
	return e.From
}

func (e Edge) Clone() Edge {
	out := e
	out.Properties = cloneProperties(e.Properties)
	return out
}

type Classification struct {
	Name       string            `json:"name"`
	Version    int64             `json:"version"`
	Properties map[string]string `json:"properties,omitempty"`
	Removed    bool              `json:"removed,omitempty"`
}

func (c Classification) clone() Classification {
	out := c
	out.Properties = cloneProperties(c.Properties)
	return out
}

// Endpoints carries the type names used when an edge write has to create
// placeholder vertices for endpoints that are not stored yet.
type Endpoints struct {
	FromType string
	ToType   string
}

// Snapshot is a full copy of the stored graph including tombstones.
type Snapshot struct {
	Vertices map[string]Vertex `json:"vertices"`
	Edges    map[string]Edge   `json:"edges"`
}

// Store is the contract over the persistent graph. Every mutating method is
// a single atomic write; implementations must be safe for concurrent use.
type Store interface {
	// Vertex returns the stored record, tombstones included, or ErrNotFound.
	Vertex(ctx context.Context, guid string) (Vertex, error)
	// Edge returns the stored record, tombstones included, or ErrNotFound.
	Edge(ctx context.Context, guid string) (Edge, error)
	// IncidentEdges lists live edges touching the vertex, sorted by GUID.
	IncidentEdges(ctx context.Context, vertexGUID string) ([]Edge, error)
	// HasVertex reports whether a live vertex exists.
	HasVertex(ctx context.Context, guid string) (bool, error)

	// UpsertVertex writes type, version and properties, clears the
	// unresolved and deleted flags and keeps stored classifications and
	// neighbour version.
	UpsertVertex(ctx context.Context, v Vertex) error
	// UpsertEdge writes the edge and, in the same write, creates unresolved
	// placeholders for missing endpoints and revives tombstoned ones.
	UpsertEdge(ctx context.Context, e Edge, ends Endpoints) error
	// DeleteVertex tombstones the vertex at version and tombstones every live
	// incident edge.
	DeleteVertex(ctx context.Context, guid string, version int64) error
	// DeleteEdge tombstones the edge at version.
	DeleteEdge(ctx context.Context, guid string, version int64) error
	// PruneEdge tombstones a live edge only when its stored version is at
	// most notNewerThan and reports whether it did.
	PruneEdge(ctx context.Context, guid string, notNewerThan int64) (bool, error)
	// PutClassification stores c on the vertex, creating an unresolved
	// placeholder of vertexType when the vertex has never been seen.
	PutClassification(ctx context.Context, vertexGUID, vertexType string, c Classification) error
	// SetNeighbourVersion records the last applied neighbour assertion.
	// It is a no-op for unknown vertices.
	SetNeighbourVersion(ctx context.Context, guid string, version int64) error

	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

func cloneProperties(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validGUID(guid string) bool {
	return guid != ""
}

func placeholder(guid, typeName string) Vertex {
	return Vertex{GUID: guid, TypeName: typeName, Unresolved: true}
}

// revive turns a tombstoned vertex into an unresolved placeholder while
// keeping its version.
func revive(v Vertex, typeName string) Vertex {
	v.Deleted = false
	v.Unresolved = true
	v.Properties = nil
	if typeName != "" {
		v.TypeName = typeName
	}
	return v
}

func tombstoneVertex(stored Vertex, found bool, guid string, version int64) Vertex {
	if !found {
		return Vertex{GUID: guid, Version: version, Deleted: true}
	}
	out := stored.Clone()
	out.Version = version
	out.Deleted = true
	out.Unresolved = false
	out.Properties = nil
	for name, c := range out.Classifications {
		c.Removed = true
		c.Properties = nil
		out.Classifications[name] = c
	}
	return out
}

func applyVertexUpsert(stored Vertex, found bool, v Vertex) Vertex {
	out := v.Clone()
	out.Unresolved = false
	out.Deleted = false
	out.Classifications = nil
	out.NeighbourVersion = 0
	if found {
		prev := stored.Clone()
		out.Classifications = prev.Classifications
		out.NeighbourVersion = prev.NeighbourVersion
	}
	return out
}

func applyClassification(stored Vertex, found bool, guid, vertexType string, c Classification) Vertex {
	out := stored.Clone()
	switch {
	case !found:
		out = placeholder(guid, vertexType)
	case out.Deleted:
		out = revive(out, vertexType)
	}
	if out.Classifications == nil {
		out.Classifications = map[string]Classification{}
	}
	c = c.clone()
	if c.Removed {
		c.Properties = nil
	}
	out.Classifications[c.Name] = c
	return out
}

func validateEdge(e Edge) error {
	if !validGUID(e.GUID) {
		return fmt.Errorf("%w: edge guid is required", ErrInvalidInput)
	}
	if !validGUID(e.From) || !validGUID(e.To) {
		return fmt.Errorf("%w: edge %s requires both endpoints", ErrInvalidInput, e.GUID)
	}
	return nil
}
