package lineage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindVertexUpsert         Kind = "vertex-upsert"
	KindEdgeUpsert           Kind = "edge-upsert"
	KindNeighbourSync        Kind = "neighbour-sync"
	KindClassificationAdd    Kind = "classification-add"
	KindClassificationRemove Kind = "classification-remove"
	KindDelete               Kind = "delete"
)

var kinds = []Kind{
	KindVertexUpsert,
	KindEdgeUpsert,
	KindNeighbourSync,
	KindClassificationAdd,
	KindClassificationRemove,
	KindDelete,
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

const (
	DeleteTargetVertex = "vertex"
	DeleteTargetEdge   = "edge"
)

// Event is one change notification from the feed. ID names the vertex or
// edge the event is about.
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type VertexPayload struct {
	TypeName   string            `json:"typeName"`
	Properties map[string]string `json:"properties,omitempty"`
}

type EdgePayload struct {
	TypeName   string            `json:"typeName"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	FromType   string            `json:"fromType,omitempty"`
	ToType     string            `json:"toType,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NeighbourPayload is a closed-world list of every edge incident to Vertex.
type NeighbourPayload struct {
	Vertex           string   `json:"vertex,omitempty"`
	Edges            []string `json:"edges"`
	AssertionVersion int64    `json:"assertionVersion,omitempty"`
}

type ClassificationPayload struct {
	Vertex     string            `json:"vertex,omitempty"`
	VertexType string            `json:"vertexType,omitempty"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
}

type DeletePayload struct {
	Target string `json:"target"`
}

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(kind Kind, id string, version int64, ts time.Time, source string, payload any) (Event, error) {
	ev := Event{ID: id, Kind: kind, Version: version, Timestamp: ts, Source: source}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// Change is an event whose payload has been decoded and checked. Exactly one
// payload pointer is set, matching Kind.
type Change struct {
	Event
	Vertex         *VertexPayload
	Edge           *EdgePayload
	Neighbours     *NeighbourPayload
	Classification *ClassificationPayload
	Delete         *DeletePayload
}

// PartitionKey is the identifier the change mutates. Every change with the
// same key runs on the same lane.
func (c Change) PartitionKey() string {
	switch {
	case c.Neighbours != nil:
		return c.Neighbours.Vertex
	case c.Classification != nil:
		return c.Classification.Vertex
	default:
		return c.ID
	}
}

// Decode checks the envelope and decodes the kind-specific payload. Every
// failure wraps ErrMalformed.
func Decode(ev Event) (Change, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Source = strings.TrimSpace(ev.Source)
	switch {
	case ev.ID == "":
		return Change{}, malformed(ev, "missing id")
	case !ev.Kind.Valid():
		return Change{}, malformed(ev, fmt.Sprintf("unknown kind %q", ev.Kind))
	case ev.Version < 1:
		return Change{}, malformed(ev, "version must be positive")
	case ev.Timestamp.IsZero():
		return Change{}, malformed(ev, "missing timestamp")
	case ev.Source == "":
		return Change{}, malformed(ev, "missing source")
	}

	c := Change{Event: ev}
	switch ev.Kind {
	case KindVertexUpsert:
		var p VertexPayload
		if err := decodePayload(ev, &p); err != nil {
			return Change{}, err
		}
		if strings.TrimSpace(p.TypeName) == "" {
			return Change{}, malformed(ev, "vertex payload requires typeName")
		}
		c.Vertex = &p
	case KindEdgeUpsert:
		var p EdgePayload
		if err := decodePayload(ev, &p); err != nil {
			return Change{}, err
		}
		p.From, p.To = strings.TrimSpace(p.From), strings.TrimSpace(p.To)
		if strings.TrimSpace(p.TypeName) == "" || p.From == "" || p.To == "" {
			return Change{}, malformed(ev, "edge payload requires typeName, from and to")
		}
		c.Edge = &p
	case KindNeighbourSync:
		var p NeighbourPayload
		if err := decodePayload(ev, &p); err != nil {
			return Change{}, err
		}
		if p.Vertex = strings.TrimSpace(p.Vertex); p.Vertex == "" {
			p.Vertex = ev.ID
		}
		if p.AssertionVersion == 0 {
			p.AssertionVersion = ev.Version
		}
		if p.AssertionVersion < 1 {
			return Change{}, malformed(ev, "assertionVersion must be positive")
		}
		for _, id := range p.Edges {
			if strings.TrimSpace(id) == "" {
				return Change{}, malformed(ev, "neighbour edge ids must not be empty")
			}
		}
		c.Neighbours = &p
	case KindClassificationAdd, KindClassificationRemove:
		var p ClassificationPayload
		if err := decodePayload(ev, &p); err != nil {
			return Change{}, err
		}
		if p.Vertex = strings.TrimSpace(p.Vertex); p.Vertex == "" {
			p.Vertex = ev.ID
		}
		if strings.TrimSpace(p.Name) == "" {
			return Change{}, malformed(ev, "classification payload requires name")
		}
		c.Classification = &p
	case KindDelete:
		var p DeletePayload
		if err := decodePayload(ev, &p); err != nil {
			return Change{}, err
		}
		if p.Target != DeleteTargetVertex && p.Target != DeleteTargetEdge {
			return Change{}, malformed(ev, fmt.Sprintf("delete target must be %q or %q", DeleteTargetVertex, DeleteTargetEdge))
		}
		c.Delete = &p
	}
	return c, nil
}

func decodePayload(ev Event, dst any) error {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return malformed(ev, "missing payload")
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return malformed(ev, "invalid payload: "+err.Error())
	}
	return nil
}

func malformed(ev Event, reason string) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: %s", ErrMalformed, reason)
	}
	return fmt.Errorf("%w: %s %s: %s", ErrMalformed, ev.Kind, ev.ID, reason)
}
