// Package store persists task outputs and the transient active-job queue in
// an embedded SQLite database. One relation exists per schema key, carrying
// the invariant columns plus one column per top-level payload field; rows
// are keyed by (run_id, node_id, iteration) and upserted on conflict so
// retried attempts overwrite their predecessor.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"ralphlite/internal/logging"
	"ralphlite/internal/schema"
)

// ErrStorageUnavailable wraps I/O-level database failures. Fatal to the run.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Row is one persisted task output.
type Row struct {
	SchemaKey string
	RunID     string
	NodeID    string
	Iteration int
	Payload   map[string]any
}

// OutputStore is the durable output log. Writers are serialized internally;
// reads observe committed writes only.
type OutputStore struct {
	mu      sync.Mutex
	db      *sql.DB
	runID   string
	catalog schema.Catalog
}

// OpenOutputStore opens (creating if needed) the output database at path and
// ensures one table per catalog key exists.
func OpenOutputStore(path, runID string, catalog schema.Catalog) (*OutputStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %v", ErrStorageUnavailable, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorageUnavailable, err)
	}
	// Single connection: SQLite serializes writers anyway and this avoids
	// SQLITE_BUSY churn under concurrent frame dispatch.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed: %v", err)
		}
	}

	s := &OutputStore{db: db, runID: runID, catalog: catalog}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("output store ready at %s (run %s, %d relations)", path, runID, len(catalog))
	return s, nil
}

// initialize creates the per-schema relations and the internal tables. Each
// relation gets one column per top-level schema field; nested values live in
// their column as JSON text so external readers can query scalar fields
// directly.
func (s *OutputStore) initialize() error {
	for key, sch := range s.catalog {
		cols := make([]string, 0, len(sch.Fields))
		for _, f := range sch.Fields {
			cols = append(cols, fmt.Sprintf("%q %s", f.Name, columnAffinity(f.Schema)))
		}
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			%s,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, node_id, iteration)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_node ON %s(run_id, node_id);
		`, tableName(key), strings.Join(cols, ",\n\t\t\t"), tableName(key), tableName(key))
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("%w: create relation %s: %v", ErrStorageUnavailable, key, err)
		}
	}

	internal := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at_ms INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		agent_id TEXT,
		status TEXT NOT NULL, -- in-progress | finished | failed | cancelled
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_node ON attempts(run_id, node_id, iteration);
	`
	if _, err := s.db.Exec(internal); err != nil {
		return fmt.Errorf("%w: create internal tables: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// tableName maps a schema key to its relation name. Keys come from the
// static catalog, never from user input.
func tableName(key string) string { return "out_" + key }

// columnAffinity picks the SQLite type for a top-level field. Strings and
// enums are TEXT, numbers keep numeric affinity, booleans are INTEGER, and
// composite values (lists, records, unions) are stored as JSON text.
func columnAffinity(sch *schema.Schema) string {
	if sch.Kind == schema.KindNullable {
		return columnAffinity(sch.Elem)
	}
	switch sch.Kind {
	case schema.KindInt, schema.KindBool:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// fieldsFor returns the top-level fields of a key's schema.
func (s *OutputStore) fieldsFor(key string) ([]schema.Field, error) {
	sch := s.catalog.Lookup(key)
	if sch == nil {
		return nil, fmt.Errorf("unknown schema key %q", key)
	}
	return sch.Fields, nil
}

// columnList renders the quoted column names for a SELECT or INSERT.
func columnList(fields []schema.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = fmt.Sprintf("%q", f.Name)
	}
	return strings.Join(names, ", ")
}

// encodeColumn converts one payload value into its driver value. Scalars
// pass through; composite values are marshalled to JSON text.
func encodeColumn(sch *schema.Schema, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if sch.Kind == schema.KindNullable {
		return encodeColumn(sch.Elem, v)
	}
	switch sch.Kind {
	case schema.KindString, schema.KindEnum:
		return v, nil
	case schema.KindInt:
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
		return v, nil
	case schema.KindFloat, schema.KindBool:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal column: %w", err)
		}
		return string(data), nil
	}
}

// decodeColumn is the inverse of encodeColumn: it rebuilds the payload
// value a JSON round-trip would produce, so readers see the exact shapes
// agent responses decode to.
func decodeColumn(sch *schema.Schema, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if sch.Kind == schema.KindNullable {
		return decodeColumn(sch.Elem, v)
	}
	switch sch.Kind {
	case schema.KindString, schema.KindEnum:
		return columnText(v), nil
	case schema.KindInt, schema.KindFloat:
		switch n := v.(type) {
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, fmt.Errorf("unexpected numeric column value %T", v)
	case schema.KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
		return nil, fmt.Errorf("unexpected boolean column value %T", v)
	default:
		var out any
		if err := json.Unmarshal([]byte(columnText(v)), &out); err != nil {
			return nil, fmt.Errorf("decode column: %w", err)
		}
		return out, nil
	}
}

func columnText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

// decodePayload rebuilds a payload map from one row's column values.
func decodePayload(fields []schema.Field, vals []any) (map[string]any, error) {
	payload := make(map[string]any, len(fields))
	for i, f := range fields {
		v, err := decodeColumn(f.Schema, vals[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		payload[f.Name] = v
	}
	return payload, nil
}

// RegisterRun records the run in the runs table.
func (s *OutputStore) RegisterRun(startedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO runs (run_id, started_at_ms) VALUES (?, ?)`,
		s.runID, startedAtMs,
	)
	if err != nil {
		return fmt.Errorf("%w: register run: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RunID returns the run this store writes under.
func (s *OutputStore) RunID() string { return s.runID }

// Catalog exposes the schema catalog backing this store.
func (s *OutputStore) Catalog() schema.Catalog { return s.catalog }

// Put validates the payload against the key's schema, flattens its top
// level into the relation's columns, and upserts the row. Schema mismatches
// come back as *schema.Error; they never panic.
func (s *OutputStore) Put(key, nodeID string, iteration int, payload map[string]any) error {
	sch := s.catalog.Lookup(key)
	if sch == nil {
		return fmt.Errorf("unknown schema key %q", key)
	}
	norm := normalize(payload)
	if err := schema.Validate(sch, norm); err != nil {
		return err
	}
	flat, _ := norm.(map[string]any)

	placeholders := make([]string, 0, len(sch.Fields)+3)
	updates := make([]string, 0, len(sch.Fields))
	args := []any{s.runID, nodeID, iteration}
	placeholders = append(placeholders, "?", "?", "?")
	for _, f := range sch.Fields {
		v, err := encodeColumn(f.Schema, flat[f.Name])
		if err != nil {
			return fmt.Errorf("put %s/%s@%d: %w", key, nodeID, iteration, err)
		}
		args = append(args, v)
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%q = excluded.%q", f.Name, f.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (run_id, node_id, iteration, %s)
		VALUES (%s)
		ON CONFLICT(run_id, node_id, iteration)
		DO UPDATE SET %s, created_at = CURRENT_TIMESTAMP
	`, tableName(key), columnList(sch.Fields), strings.Join(placeholders, ", "),
		strings.Join(updates, ", ")), args...)
	if err != nil {
		return fmt.Errorf("%w: put %s/%s@%d: %v", ErrStorageUnavailable, key, nodeID, iteration, err)
	}
	logging.StoreDebug("put %s/%s@%d", key, nodeID, iteration)
	return nil
}

// GetExact returns the row for (run, node, iteration), if present.
func (s *OutputStore) GetExact(key, nodeID string, iteration int) (*Row, bool, error) {
	fields, err := s.fieldsFor(key)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ptrs := scanTargets(len(fields))
	err = s.db.QueryRow(fmt.Sprintf(
		`SELECT %s FROM %s WHERE run_id = ? AND node_id = ? AND iteration = ?`,
		columnList(fields), tableName(key)), s.runID, nodeID, iteration).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s/%s@%d: %v", ErrStorageUnavailable, key, nodeID, iteration, err)
	}
	return s.buildRow(key, nodeID, iteration, fields, vals)
}

// GetLatest returns the row with the largest iteration for (run, node).
func (s *OutputStore) GetLatest(key, nodeID string) (*Row, bool, error) {
	fields, err := s.fieldsFor(key)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var iteration int
	vals, ptrs := scanTargets(len(fields))
	err = s.db.QueryRow(fmt.Sprintf(
		`SELECT iteration, %s FROM %s WHERE run_id = ? AND node_id = ? ORDER BY iteration DESC LIMIT 1`,
		columnList(fields), tableName(key)), s.runID, nodeID).
		Scan(append([]any{&iteration}, ptrs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: latest %s/%s: %v", ErrStorageUnavailable, key, nodeID, err)
	}
	return s.buildRow(key, nodeID, iteration, fields, vals)
}

// Scan returns every row for the current run in iteration-ascending order.
func (s *OutputStore) Scan(key string) ([]Row, error) {
	return s.scanRun(key, s.runID)
}

// ScanRun returns every row for an arbitrary run, iteration ascending.
// Used by the cross-run resume scan.
func (s *OutputStore) ScanRun(key, runID string) ([]Row, error) {
	return s.scanRun(key, runID)
}

// ScanAllRuns returns rows across every run except the given one.
func (s *OutputStore) ScanAllRuns(key, excludeRun string) ([]Row, error) {
	fields, err := s.fieldsFor(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT run_id, node_id, iteration, %s FROM %s WHERE run_id != ? ORDER BY iteration ASC, rowid ASC`,
		columnList(fields), tableName(key)), excludeRun)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrStorageUnavailable, key, err)
	}
	defer rows.Close()
	return collectRows(rows, key, fields)
}

func (s *OutputStore) scanRun(key, runID string) ([]Row, error) {
	fields, err := s.fieldsFor(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT run_id, node_id, iteration, %s FROM %s WHERE run_id = ? ORDER BY iteration ASC, rowid ASC`,
		columnList(fields), tableName(key)), runID)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrStorageUnavailable, key, err)
	}
	defer rows.Close()
	return collectRows(rows, key, fields)
}

func collectRows(rows *sql.Rows, key string, fields []schema.Field) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		vals, ptrs := scanTargets(len(fields))
		if err := rows.Scan(append([]any{&r.RunID, &r.NodeID, &r.Iteration}, ptrs...)...); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageUnavailable, err)
		}
		r.SchemaKey = key
		payload, err := decodePayload(fields, vals)
		if err != nil {
			return nil, fmt.Errorf("decode row %s/%s@%d: %w", key, r.NodeID, r.Iteration, err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanTargets allocates one any-typed destination per column.
func scanTargets(n int) ([]any, []any) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	return vals, ptrs
}

func (s *OutputStore) buildRow(key, nodeID string, iteration int, fields []schema.Field, vals []any) (*Row, bool, error) {
	payload, err := decodePayload(fields, vals)
	if err != nil {
		return nil, false, fmt.Errorf("decode row %s/%s@%d: %w", key, nodeID, iteration, err)
	}
	return &Row{
		SchemaKey: key,
		RunID:     s.runID,
		NodeID:    nodeID,
		Iteration: iteration,
		Payload:   payload,
	}, true, nil
}

// Close closes the database connection.
func (s *OutputStore) Close() error {
	return s.db.Close()
}

// normalize round-trips a payload through JSON so that validation and
// column encoding see the same value shapes (float64 numbers,
// map[string]any) an agent response decodes to, regardless of how callers
// built the map.
func normalize(payload map[string]any) any {
	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return payload
	}
	return v
}
