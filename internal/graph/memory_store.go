package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps the graph in process memory. It backs tests and the
// memory:// DSN.
type MemoryStore struct {
	mu        sync.RWMutex
	vertices  map[string]Vertex
	edges     map[string]Edge
	incidence map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vertices:  map[string]Vertex{},
		edges:     map[string]Edge{},
		incidence: map[string]map[string]struct{}{},
	}
}

func (s *MemoryStore) Vertex(ctx context.Context, guid string) (Vertex, error) {
	if err := ctx.Err(); err != nil {
		return Vertex{}, transientError("vertex", guid, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[guid]
	if !ok {
		return Vertex{}, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) Edge(ctx context.Context, guid string) (Edge, error) {
	if err := ctx.Err(); err != nil {
		return Edge{}, transientError("edge", guid, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[guid]
	if !ok {
		return Edge{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) IncidentEdges(ctx context.Context, vertexGUID string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientError("incident_edges", vertexGUID, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.incidence[vertexGUID]
	out := make([]Edge, 0, len(ids))
	for id := range ids {
		out = append(out, s.edges[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out, nil
}

func (s *MemoryStore) HasVertex(ctx context.Context, guid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transientError("has_vertex", guid, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[guid]
	return ok && v.Live(), nil
}

func (s *MemoryStore) UpsertVertex(ctx context.Context, v Vertex) error {
	if !validGUID(v.GUID) {
		return permanentError("upsert_vertex", v.GUID, fmt.Errorf("%w: vertex guid is required", ErrInvalidInput))
	}
	if err := ctx.Err(); err != nil {
		return transientError("upsert_vertex", v.GUID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, found := s.vertices[v.GUID]
	s.vertices[v.GUID] = applyVertexUpsert(stored, found, v)
	return nil
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, e Edge, ends Endpoints) error {
	if err := validateEdge(e); err != nil {
		return permanentError("upsert_edge", e.GUID, err)
	}
	if err := ctx.Err(); err != nil {
		return transientError("upsert_edge", e.GUID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureEndpointLocked(e.From, ends.FromType)
	s.ensureEndpointLocked(e.To, ends.ToType)
	if prev, ok := s.edges[e.GUID]; ok && !prev.Deleted {
		s.unindexLocked(prev)
	}
	stored := e.Clone()
	stored.Deleted = false
	s.edges[e.GUID] = stored
	s.indexLocked(stored)
	return nil
}

func (s *MemoryStore) DeleteVertex(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_vertex", guid, ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return transientError("delete_vertex", guid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, found := s.vertices[guid]
	s.vertices[guid] = tombstoneVertex(stored, found, guid, version)
	for id := range s.incidence[guid] {
		edge := s.edges[id]
		s.unindexLocked(edge)
		edge.Deleted = true
		s.edges[id] = edge
	}
	return nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_edge", guid, ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return transientError("delete_edge", guid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[guid]
	if !ok {
		s.edges[guid] = Edge{GUID: guid, Version: version, Deleted: true}
		return nil
	}
	if !edge.Deleted {
		s.unindexLocked(edge)
	}
	edge.Deleted = true
	edge.Version = version
	s.edges[guid] = edge
	return nil
}

func (s *MemoryStore) PruneEdge(ctx context.Context, guid string, notNewerThan int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transientError("prune_edge", guid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[guid]
	if !ok || edge.Deleted || edge.Version > notNewerThan {
		return false, nil
	}
	s.unindexLocked(edge)
	edge.Deleted = true
	s.edges[guid] = edge
	return true, nil
}

func (s *MemoryStore) PutClassification(ctx context.Context, vertexGUID, vertexType string, c Classification) error {
	if !validGUID(vertexGUID) || c.Name == "" {
		return permanentError("put_classification", vertexGUID, fmt.Errorf("%w: vertex guid and classification name are required", ErrInvalidInput))
	}
	if err := ctx.Err(); err != nil {
		return transientError("put_classification", vertexGUID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, found := s.vertices[vertexGUID]
	s.vertices[vertexGUID] = applyClassification(stored, found, vertexGUID, vertexType, c)
	return nil
}

func (s *MemoryStore) SetNeighbourVersion(ctx context.Context, guid string, version int64) error {
	if err := ctx.Err(); err != nil {
		return transientError("set_neighbour_version", guid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vertices[guid]
	if !ok {
		return nil
	}
	v.NeighbourVersion = version
	s.vertices[guid] = v
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, transientError("snapshot", "", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Vertices: make(map[string]Vertex, len(s.vertices)),
		Edges:    make(map[string]Edge, len(s.edges)),
	}
	for id, v := range s.vertices {
		out.Vertices[id] = v.Clone()
	}
	for id, e := range s.edges {
		out.Edges[id] = e.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) ensureEndpointLocked(guid, typeName string) {
	v, ok := s.vertices[guid]
	switch {
	case !ok:
		s.vertices[guid] = placeholder(guid, typeName)
	case v.Deleted:
		s.vertices[guid] = revive(v, typeName)
	}
}

func (s *MemoryStore) indexLocked(e Edge) {
	for _, end := range []string{e.From, e.To} {
		set, ok := s.incidence[end]
		if !ok {
			set = map[string]struct{}{}
			s.incidence[end] = set
		}
		set[e.GUID] = struct{}{}
	}
}

func (s *MemoryStore) unindexLocked(e Edge) {
	for _, end := range []string{e.From, e.To} {
		set := s.incidence[end]
		delete(set, e.GUID)
		if len(set) == 0 {
			delete(s.incidence, end)
		}
	}
}
