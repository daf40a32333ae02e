package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerVertexPrefix    = "v/"
	badgerEdgePrefix      = "e/"
	badgerIncidencePrefix = "i/"
)

type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// BadgerStore persists the graph in an embedded Badger database. Vertices,
// edges and the incidence index live in one keyspace so every mutation is a
// single transaction.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: badger path is required", ErrInvalidInput)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(&badgerLogger{sugar: logger.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Vertex(ctx context.Context, guid string) (Vertex, error) {
	if err := ctx.Err(); err != nil {
		return Vertex{}, transientError("vertex", guid, err)
	}
	var out Vertex
	err := s.db.View(func(txn *badger.Txn) error {
		v, found, err := badgerGetVertex(txn, guid)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return Vertex{}, ErrNotFound
	}
	return out, classifyBadgerError("vertex", guid, err)
}

func (s *BadgerStore) Edge(ctx context.Context, guid string) (Edge, error) {
	if err := ctx.Err(); err != nil {
		return Edge{}, transientError("edge", guid, err)
	}
	var out Edge
	err := s.db.View(func(txn *badger.Txn) error {
		e, found, err := badgerGetEdge(txn, guid)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		out = e
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return Edge{}, ErrNotFound
	}
	return out, classifyBadgerError("edge", guid, err)
}

func (s *BadgerStore) IncidentEdges(ctx context.Context, vertexGUID string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientError("incident_edges", vertexGUID, err)
	}
	var out []Edge
	err := s.db.View(func(txn *badger.Txn) error {
		ids := badgerIncidentIDs(txn, vertexGUID)
		out = make([]Edge, 0, len(ids))
		for _, id := range ids {
			e, found, err := badgerGetEdge(txn, id)
			if err != nil {
				return err
			}
			if found && !e.Deleted {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadgerError("incident_edges", vertexGUID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out, nil
}

func (s *BadgerStore) HasVertex(ctx context.Context, guid string) (bool, error) {
	v, err := s.Vertex(ctx, guid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Live(), nil
}

func (s *BadgerStore) UpsertVertex(ctx context.Context, v Vertex) error {
	if !validGUID(v.GUID) {
		return permanentError("upsert_vertex", v.GUID, fmt.Errorf("%w: vertex guid is required", ErrInvalidInput))
	}
	return s.update(ctx, "upsert_vertex", v.GUID, func(txn *badger.Txn) error {
		stored, found, err := badgerGetVertex(txn, v.GUID)
		if err != nil {
			return err
		}
		return badgerPutVertex(txn, applyVertexUpsert(stored, found, v))
	})
}

func (s *BadgerStore) UpsertEdge(ctx context.Context, e Edge, ends Endpoints) error {
	if err := validateEdge(e); err != nil {
		return permanentError("upsert_edge", e.GUID, err)
	}
	return s.update(ctx, "upsert_edge", e.GUID, func(txn *badger.Txn) error {
		if err := badgerEnsureEndpoint(txn, e.From, ends.FromType); err != nil {
			return err
		}
		if err := badgerEnsureEndpoint(txn, e.To, ends.ToType); err != nil {
			return err
		}
		prev, found, err := badgerGetEdge(txn, e.GUID)
		if err != nil {
			return err
		}
		if found && !prev.Deleted {
			if err := badgerUnindex(txn, prev); err != nil {
				return err
			}
		}
		stored := e.Clone()
		stored.Deleted = false
		if err := badgerPutEdge(txn, stored); err != nil {
			return err
		}
		return badgerIndex(txn, stored)
	})
}

func (s *BadgerStore) DeleteVertex(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_vertex", guid, ErrInvalidInput)
	}
	return s.update(ctx, "delete_vertex", guid, func(txn *badger.Txn) error {
		stored, found, err := badgerGetVertex(txn, guid)
		if err != nil {
			return err
		}
		if err := badgerPutVertex(txn, tombstoneVertex(stored, found, guid, version)); err != nil {
			return err
		}
		for _, id := range badgerIncidentIDs(txn, guid) {
			edge, ok, err := badgerGetEdge(txn, id)
			if err != nil {
				return err
			}
			if !ok || edge.Deleted {
				continue
			}
			if err := badgerUnindex(txn, edge); err != nil {
				return err
			}
			edge.Deleted = true
			if err := badgerPutEdge(txn, edge); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeleteEdge(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_edge", guid, ErrInvalidInput)
	}
	return s.update(ctx, "delete_edge", guid, func(txn *badger.Txn) error {
		edge, found, err := badgerGetEdge(txn, guid)
		if err != nil {
			return err
		}
		if !found {
			return badgerPutEdge(txn, Edge{GUID: guid, Version: version, Deleted: true})
		}
		if !edge.Deleted {
			if err := badgerUnindex(txn, edge); err != nil {
				return err
			}
		}
		edge.Deleted = true
		edge.Version = version
		return badgerPutEdge(txn, edge)
	})
}

func (s *BadgerStore) PruneEdge(ctx context.Context, guid string, notNewerThan int64) (bool, error) {
	pruned := false
	err := s.update(ctx, "prune_edge", guid, func(txn *badger.Txn) error {
		pruned = false
		edge, found, err := badgerGetEdge(txn, guid)
		if err != nil {
			return err
		}
		if !found || edge.Deleted || edge.Version > notNewerThan {
			return nil
		}
		if err := badgerUnindex(txn, edge); err != nil {
			return err
		}
		edge.Deleted = true
		pruned = true
		return badgerPutEdge(txn, edge)
	})
	if err != nil {
		return false, err
	}
	return pruned, nil
}

func (s *BadgerStore) PutClassification(ctx context.Context, vertexGUID, vertexType string, c Classification) error {
	if !validGUID(vertexGUID) || c.Name == "" {
		return permanentError("put_classification", vertexGUID, fmt.Errorf("%w: vertex guid and classification name are required", ErrInvalidInput))
	}
	return s.update(ctx, "put_classification", vertexGUID, func(txn *badger.Txn) error {
		stored, found, err := badgerGetVertex(txn, vertexGUID)
		if err != nil {
			return err
		}
		return badgerPutVertex(txn, applyClassification(stored, found, vertexGUID, vertexType, c))
	})
}

func (s *BadgerStore) SetNeighbourVersion(ctx context.Context, guid string, version int64) error {
	return s.update(ctx, "set_neighbour_version", guid, func(txn *badger.Txn) error {
		stored, found, err := badgerGetVertex(txn, guid)
		if err != nil || !found {
			return err
		}
		stored.NeighbourVersion = version
		return badgerPutVertex(txn, stored)
	})
}

func (s *BadgerStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, transientError("snapshot", "", err)
	}
	out := Snapshot{Vertices: map[string]Vertex{}, Edges: map[string]Edge{}}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := badgerScan(txn, []byte(badgerVertexPrefix), func(value []byte) error {
			var v Vertex
			if err := json.Unmarshal(value, &v); err != nil {
				return err
			}
			out.Vertices[v.GUID] = v
			return nil
		}); err != nil {
			return err
		}
		return badgerScan(txn, []byte(badgerEdgePrefix), func(value []byte) error {
			var e Edge
			if err := json.Unmarshal(value, &e); err != nil {
				return err
			}
			out.Edges[e.GUID] = e
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, classifyBadgerError("snapshot", "", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) update(ctx context.Context, op, id string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return transientError(op, id, err)
	}
	return classifyBadgerError(op, id, s.db.Update(fn))
}

func classifyBadgerError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, badger.ErrConflict):
		return transientError(op, id, err)
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, ErrInvalidInput), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return permanentError(op, id, err)
	default:
		return transientError(op, id, err)
	}
}

func badgerGetVertex(txn *badger.Txn, guid string) (Vertex, bool, error) {
	var v Vertex
	found, err := badgerGetJSON(txn, []byte(badgerVertexPrefix+guid), &v)
	return v, found, err
}

func badgerGetEdge(txn *badger.Txn, guid string) (Edge, bool, error) {
	var e Edge
	found, err := badgerGetJSON(txn, []byte(badgerEdgePrefix+guid), &e)
	return e, found, err
}

func badgerGetJSON(txn *badger.Txn, key []byte, dst any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func badgerPutVertex(txn *badger.Txn, v Vertex) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(badgerVertexPrefix+v.GUID), data)
}

func badgerPutEdge(txn *badger.Txn, e Edge) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set([]byte(badgerEdgePrefix+e.GUID), data)
}

func badgerEnsureEndpoint(txn *badger.Txn, guid, typeName string) error {
	v, found, err := badgerGetVertex(txn, guid)
	if err != nil {
		return err
	}
	switch {
	case !found:
		return badgerPutVertex(txn, placeholder(guid, typeName))
	case v.Deleted:
		return badgerPutVertex(txn, revive(v, typeName))
	}
	return nil
}

func badgerIncidencePrefixFor(vertexGUID string) []byte {
	return []byte(badgerIncidencePrefix + vertexGUID + "\x00")
}

func badgerIndex(txn *badger.Txn, e Edge) error {
	for _, end := range []string{e.From, e.To} {
		key := append(badgerIncidencePrefixFor(end), e.GUID...)
		if err := txn.Set(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func badgerUnindex(txn *badger.Txn, e Edge) error {
	for _, end := range []string{e.From, e.To} {
		if end == "" {
			continue
		}
		key := append(badgerIncidencePrefixFor(end), e.GUID...)
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func badgerIncidentIDs(txn *badger.Txn, vertexGUID string) []string {
	prefix := badgerIncidencePrefixFor(vertexGUID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		ids = append(ids, string(bytes.TrimPrefix(key, prefix)))
	}
	return ids
}

func badgerScan(txn *badger.Txn, prefix []byte, fn func(value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.sugar.Debugf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.sugar.Debugf(strings.TrimSpace(format), args...)
}
