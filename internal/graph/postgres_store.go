package graph

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresVertexTableName  = "lineage_vertices"
	postgresEdgeTableName    = "lineage_edges"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps vertices and edges in two tables. Each mutation runs in
// one transaction and locks the rows it reads before writing.
type PostgresStore struct {
	dsn         string
	vertexTable string
	edgeTable   string
	openDB      sqlOpenFunc

	// initMu guards db until the first successful init; a failed init is
	// retried on the next call.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		vertexTable: postgresVertexTableName,
		edgeTable:   postgresEdgeTableName,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) Vertex(ctx context.Context, guid string) (Vertex, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Vertex{}, classifyPostgresError("vertex", guid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	v, found, err := s.selectVertex(ctx, s.db, guid, false)
	if err != nil {
		return Vertex{}, classifyPostgresError("vertex", guid, err)
	}
	if !found {
		return Vertex{}, ErrNotFound
	}
	return v, nil
}

func (s *PostgresStore) Edge(ctx context.Context, guid string) (Edge, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Edge{}, classifyPostgresError("edge", guid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	e, found, err := s.selectEdge(ctx, s.db, guid, false)
	if err != nil {
		return Edge{}, classifyPostgresError("edge", guid, err)
	}
	if !found {
		return Edge{}, ErrNotFound
	}
	return e, nil
}

func (s *PostgresStore) IncidentEdges(ctx context.Context, vertexGUID string) ([]Edge, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, classifyPostgresError("incident_edges", vertexGUID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT guid, type_name, version, from_guid, to_guid, deleted, properties
		FROM %s
		WHERE NOT deleted AND (from_guid = $1 OR to_guid = $1)
		ORDER BY guid`, postgresQuoteIdentifier(s.edgeTable))
	rows, err := s.db.QueryContext(ctx, query, vertexGUID)
	if err != nil {
		return nil, classifyPostgresError("incident_edges", vertexGUID, err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, classifyPostgresError("incident_edges", vertexGUID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError("incident_edges", vertexGUID, err)
	}
	return out, nil
}

func (s *PostgresStore) HasVertex(ctx context.Context, guid string) (bool, error) {
	v, err := s.Vertex(ctx, guid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Live(), nil
}

func (s *PostgresStore) UpsertVertex(ctx context.Context, v Vertex) error {
	if !validGUID(v.GUID) {
		return permanentError("upsert_vertex", v.GUID, fmt.Errorf("%w: vertex guid is required", ErrInvalidInput))
	}
	return s.inTx(ctx, "upsert_vertex", v.GUID, func(tx *sql.Tx) error {
		stored, found, err := s.selectVertex(ctx, tx, v.GUID, true)
		if err != nil {
			return err
		}
		return s.writeVertex(ctx, tx, applyVertexUpsert(stored, found, v))
	})
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, e Edge, ends Endpoints) error {
	if err := validateEdge(e); err != nil {
		return permanentError("upsert_edge", e.GUID, err)
	}
	return s.inTx(ctx, "upsert_edge", e.GUID, func(tx *sql.Tx) error {
		if err := s.ensureEndpoint(ctx, tx, e.From, ends.FromType); err != nil {
			return err
		}
		if err := s.ensureEndpoint(ctx, tx, e.To, ends.ToType); err != nil {
			return err
		}
		stored := e.Clone()
		stored.Deleted = false
		return s.writeEdge(ctx, tx, stored)
	})
}

func (s *PostgresStore) DeleteVertex(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_vertex", guid, ErrInvalidInput)
	}
	return s.inTx(ctx, "delete_vertex", guid, func(tx *sql.Tx) error {
		stored, found, err := s.selectVertex(ctx, tx, guid, true)
		if err != nil {
			return err
		}
		if err := s.writeVertex(ctx, tx, tombstoneVertex(stored, found, guid, version)); err != nil {
			return err
		}
		query := fmt.Sprintf(`
			UPDATE %s SET deleted = TRUE, updated_at = NOW()
			WHERE NOT deleted AND (from_guid = $1 OR to_guid = $1)`, postgresQuoteIdentifier(s.edgeTable))
		_, err = tx.ExecContext(ctx, query, guid)
		return err
	})
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, guid string, version int64) error {
	if !validGUID(guid) {
		return permanentError("delete_edge", guid, ErrInvalidInput)
	}
	return s.inTx(ctx, "delete_edge", guid, func(tx *sql.Tx) error {
		edge, found, err := s.selectEdge(ctx, tx, guid, true)
		if err != nil {
			return err
		}
		if !found {
			edge = Edge{GUID: guid}
		}
		edge.Deleted = true
		edge.Version = version
		return s.writeEdge(ctx, tx, edge)
	})
}

func (s *PostgresStore) PruneEdge(ctx context.Context, guid string, notNewerThan int64) (bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return false, classifyPostgresError("prune_edge", guid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, updated_at = NOW()
		WHERE guid = $1 AND NOT deleted AND version <= $2`, postgresQuoteIdentifier(s.edgeTable))
	res, err := s.db.ExecContext(ctx, query, guid, notNewerThan)
	if err != nil {
		return false, classifyPostgresError("prune_edge", guid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyPostgresError("prune_edge", guid, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) PutClassification(ctx context.Context, vertexGUID, vertexType string, c Classification) error {
	if !validGUID(vertexGUID) || c.Name == "" {
		return permanentError("put_classification", vertexGUID, fmt.Errorf("%w: vertex guid and classification name are required", ErrInvalidInput))
	}
	return s.inTx(ctx, "put_classification", vertexGUID, func(tx *sql.Tx) error {
		stored, found, err := s.selectVertex(ctx, tx, vertexGUID, true)
		if err != nil {
			return err
		}
		return s.writeVertex(ctx, tx, applyClassification(stored, found, vertexGUID, vertexType, c))
	})
}

func (s *PostgresStore) SetNeighbourVersion(ctx context.Context, guid string, version int64) error {
	if err := s.ensureReady(ctx); err != nil {
		return classifyPostgresError("set_neighbour_version", guid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET neighbour_version = $2, updated_at = NOW() WHERE guid = $1`, postgresQuoteIdentifier(s.vertexTable))
	_, err := s.db.ExecContext(ctx, query, guid, version)
	return classifyPostgresError("set_neighbour_version", guid, err)
}

func (s *PostgresStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Snapshot{}, classifyPostgresError("snapshot", "", err)
	}
	out := Snapshot{Vertices: map[string]Vertex{}, Edges: map[string]Edge{}}
	vrows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT guid, type_name, version, neighbour_version, unresolved, deleted, properties, classifications
		FROM %s`, postgresQuoteIdentifier(s.vertexTable)))
	if err != nil {
		return Snapshot{}, classifyPostgresError("snapshot", "", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		v, err := scanVertex(vrows)
		if err != nil {
			return Snapshot{}, classifyPostgresError("snapshot", "", err)
		}
		out.Vertices[v.GUID] = v
	}
	if err := vrows.Err(); err != nil {
		return Snapshot{}, classifyPostgresError("snapshot", "", err)
	}
	erows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT guid, type_name, version, from_guid, to_guid, deleted, properties
		FROM %s`, postgresQuoteIdentifier(s.edgeTable)))
	if err != nil {
		return Snapshot{}, classifyPostgresError("snapshot", "", err)
	}
	defer erows.Close()
	for erows.Next() {
		e, err := scanEdge(erows)
		if err != nil {
			return Snapshot{}, classifyPostgresError("snapshot", "", err)
		}
		out.Edges[e.GUID] = e
	}
	if err := erows.Err(); err != nil {
		return Snapshot{}, classifyPostgresError("snapshot", "", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				guid TEXT PRIMARY KEY,
				type_name TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 0,
				neighbour_version BIGINT NOT NULL DEFAULT 0,
				unresolved BOOLEAN NOT NULL DEFAULT FALSE,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				properties TEXT NOT NULL DEFAULT '{}',
				classifications TEXT NOT NULL DEFAULT '{}',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.vertexTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				guid TEXT PRIMARY KEY,
				type_name TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 0,
				from_guid TEXT NOT NULL DEFAULT '',
				to_guid TEXT NOT NULL DEFAULT '',
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				properties TEXT NOT NULL DEFAULT '{}',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.edgeTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (from_guid) WHERE NOT deleted`,
			postgresQuoteIdentifier(s.edgeTable+"_from_idx"), postgresQuoteIdentifier(s.edgeTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (to_guid) WHERE NOT deleted`,
			postgresQuoteIdentifier(s.edgeTable+"_to_idx"), postgresQuoteIdentifier(s.edgeTable)),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(initCtx, stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	s.db = db
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, op, id string, fn func(tx *sql.Tx) error) error {
	if err := s.ensureReady(ctx); err != nil {
		return classifyPostgresError(op, id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresError(op, id, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifyPostgresError(op, id, err)
	}
	return classifyPostgresError(op, id, tx.Commit())
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) selectVertex(ctx context.Context, q rowQuerier, guid string, forUpdate bool) (Vertex, bool, error) {
	query := fmt.Sprintf(`
		SELECT guid, type_name, version, neighbour_version, unresolved, deleted, properties, classifications
		FROM %s WHERE guid = $1`, postgresQuoteIdentifier(s.vertexTable))
	if forUpdate {
		query += " FOR UPDATE"
	}
	v, err := scanVertex(q.QueryRowContext(ctx, query, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return Vertex{}, false, nil
	}
	if err != nil {
		return Vertex{}, false, err
	}
	return v, true, nil
}

func (s *PostgresStore) selectEdge(ctx context.Context, q rowQuerier, guid string, forUpdate bool) (Edge, bool, error) {
	query := fmt.Sprintf(`
		SELECT guid, type_name, version, from_guid, to_guid, deleted, properties
		FROM %s WHERE guid = $1`, postgresQuoteIdentifier(s.edgeTable))
	if forUpdate {
		query += " FOR UPDATE"
	}
	e, err := scanEdge(q.QueryRowContext(ctx, query, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, false, nil
	}
	if err != nil {
		return Edge{}, false, err
	}
	return e, true, nil
}

func (s *PostgresStore) writeVertex(ctx context.Context, tx *sql.Tx, v Vertex) error {
	props, err := marshalJSONText(v.Properties)
	if err != nil {
		return err
	}
	classes, err := marshalJSONText(v.Classifications)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (guid, type_name, version, neighbour_version, unresolved, deleted, properties, classifications, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (guid)
		DO UPDATE SET type_name = EXCLUDED.type_name, version = EXCLUDED.version,
			neighbour_version = EXCLUDED.neighbour_version, unresolved = EXCLUDED.unresolved,
			deleted = EXCLUDED.deleted, properties = EXCLUDED.properties,
			classifications = EXCLUDED.classifications, updated_at = NOW()`, postgresQuoteIdentifier(s.vertexTable))
	_, err = tx.ExecContext(ctx, query, v.GUID, v.TypeName, v.Version, v.NeighbourVersion, v.Unresolved, v.Deleted, props, classes)
	return err
}

func (s *PostgresStore) writeEdge(ctx context.Context, tx *sql.Tx, e Edge) error {
	props, err := marshalJSONText(e.Properties)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (guid, type_name, version, from_guid, to_guid, deleted, properties, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (guid)
		DO UPDATE SET type_name = EXCLUDED.type_name, version = EXCLUDED.version,
			from_guid = EXCLUDED.from_guid, to_guid = EXCLUDED.to_guid,
			deleted = EXCLUDED.deleted, properties = EXCLUDED.properties, updated_at = NOW()`, postgresQuoteIdentifier(s.edgeTable))
	_, err = tx.ExecContext(ctx, query, e.GUID, e.TypeName, e.Version, e.From, e.To, e.Deleted, props)
	return err
}

// ensureEndpoint inserts a placeholder or revives a tombstone. The upsert
// takes the row lock so a concurrent vertex delete either sees this edge or
// runs before it.
func (s *PostgresStore) ensureEndpoint(ctx context.Context, tx *sql.Tx, guid, typeName string) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (guid, type_name, unresolved, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (guid)
		DO UPDATE SET deleted = FALSE, unresolved = TRUE, properties = '{}',
			type_name = CASE WHEN EXCLUDED.type_name = '' THEN %[1]s.type_name ELSE EXCLUDED.type_name END,
			updated_at = NOW()
		WHERE %[1]s.deleted`, postgresQuoteIdentifier(s.vertexTable))
	_, err := tx.ExecContext(ctx, query, guid, typeName)
	return err
}

func scanVertex(row rowScanner) (Vertex, error) {
	var v Vertex
	var props, classes string
	if err := row.Scan(&v.GUID, &v.TypeName, &v.Version, &v.NeighbourVersion, &v.Unresolved, &v.Deleted, &props, &classes); err != nil {
		return Vertex{}, err
	}
	if err := unmarshalJSONText(props, &v.Properties); err != nil {
		return Vertex{}, err
	}
	if err := unmarshalJSONText(classes, &v.Classifications); err != nil {
		return Vertex{}, err
	}
	return v, nil
}

func scanEdge(row rowScanner) (Edge, error) {
	var e Edge
	var props string
	if err := row.Scan(&e.GUID, &e.TypeName, &e.Version, &e.From, &e.To, &e.Deleted, &props); err != nil {
		return Edge{}, err
	}
	if err := unmarshalJSONText(props, &e.Properties); err != nil {
		return Edge{}, err
	}
	return e, nil
}

func marshalJSONText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}

func unmarshalJSONText[T any](raw string, dst *map[string]T) error {
	if raw == "" || raw == "{}" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func classifyPostgresError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	if errors.Is(err, ErrInvalidInput) {
		return permanentError(op, id, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57", "58":
			return transientError(op, id, err)
		default:
			return permanentError(op, id, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transientError(op, id, err)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return permanentError(op, id, err)
	}
	return transientError(op, id, err)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
