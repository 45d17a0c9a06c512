// Package sqlitevec implements the store adapter on SQLite with the
// sqlite-vec extension.
//
// Artifacts live in a plain table holding all twelve row columns; content
// embeddings are mirrored into a vec0 virtual table for KNN search. The
// database handle is shared and lazily opened behind a read/write guard so
// concurrent readers proceed in parallel while first-open is exclusive.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

var tracer = otel.Tracer("truthd.store.sqlitevec")

func init() {
	sqlite_vec.Auto()
	store.RegisterBackend("sqlitevec", func(cfg store.Config) (store.Store, error) {
		return New(cfg)
	})
}

// Compile-time interface checks.
var (
	_ store.Store         = (*Store)(nil)
	_ store.VersionReader = (*Store)(nil)
	_ store.Snapshotter   = (*Store)(nil)
)

// defaultSearchLimit caps search results when the caller sets no limit.
const defaultSearchLimit = 10

// Store implements store.Store backed by SQLite with sqlite-vec.
type Store struct {
	path        string
	snapshotDir string
	dimensions  int

	// mu guards lazy initialization of db; readers share the handle.
	mu sync.RWMutex
	db *sql.DB
}

// New creates an embedded store. The database is opened on first use, not
// here, so construction never touches the filesystem.
func New(cfg store.Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path required", store.ErrInvalidConfig)
	}
	snapshotDir := cfg.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Join(filepath.Dir(cfg.Path), "snapshots")
	}
	return &Store{
		path:        cfg.Path,
		snapshotDir: snapshotDir,
		dimensions:  cfg.Dimensions,
	}, nil
}

// conn returns the shared database handle, opening it on first call.
func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", store.ErrConnectionFailed, s.path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging %s: %v", store.ErrConnectionFailed, s.path, err)
	}
	if err := migrate(db, s.dimensions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrConnectionFailed, err)
	}

	s.db = db
	return db, nil
}

func migrate(db *sql.DB, dimensions int) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS artifacts (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	name              TEXT,
	content           TEXT NOT NULL,
	format            TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}',
	embedding         BLOB NOT NULL,
	embedding_model   TEXT NOT NULL,
	context           TEXT,
	context_embedding BLOB,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating artifacts table: %w", err)
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS artifact_vectors USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating artifact_vectors virtual table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind)`); err != nil {
		return fmt.Errorf("creating kind index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_updated ON artifacts(updated_at)`); err != nil {
		return fmt.Errorf("creating updated_at index: %w", err)
	}

	return nil
}

// Insert persists a new artifact row and mirrors its content embedding
// into the vector table.
func (s *Store) Insert(ctx context.Context, a *artifact.Artifact) error {
	ctx, span := tracer.Start(ctx, "sqlitevec.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", a.ID), attribute.String("artifact.kind", a.Kind))

	db, err := s.conn()
	if err != nil {
		return spanErr(span, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: beginning transaction: %v", store.ErrBackendFailure, err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRow(ctx, tx, a); err != nil {
		return spanErr(span, err)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(); err != nil {
		return spanErr(span, fmt.Errorf("%w: committing insert: %v", store.ErrBackendFailure, err))
	}

	span.SetStatus(codes.Ok, "inserted")
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, a *artifact.Artifact) error {
	embBlob, err := sqlite_vec.SerializeFloat32(a.Embedding)
	if err != nil {
		return fmt.Errorf("%w: serializing embedding: %v", store.ErrBackendFailure, err)
	}

	var ctxBlob any
	if a.ContextEmbedding != nil {
		b, err := sqlite_vec.SerializeFloat32(a.ContextEmbedding)
		if err != nil {
			return fmt.Errorf("%w: serializing context embedding: %v", store.ErrBackendFailure, err)
		}
		ctxBlob = b
	}

	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshaling metadata: %v", store.ErrBackendFailure, err)
	}

	const q = `INSERT INTO artifacts
(id, kind, name, content, format, metadata, embedding, embedding_model, context, context_embedding, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		a.ID, a.Kind, nullable(a.Name), a.Content, string(a.Format), string(metaJSON),
		embBlob, a.EmbeddingModel, nullable(a.Context), ctxBlob,
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: inserting artifact %s: %v", store.ErrBackendFailure, a.ID, err)
	}

	// vec0 has no ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_vectors WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("%w: clearing vector %s: %v", store.ErrBackendFailure, a.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO artifact_vectors(id, embedding) VALUES (?, ?)`, a.ID, embBlob); err != nil {
		return fmt.Errorf("%w: inserting vector %s: %v", store.ErrBackendFailure, a.ID, err)
	}

	return nil
}

// Get returns the artifact with the given id, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.Get")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id))

	db, err := s.conn()
	if err != nil {
		return nil, spanErr(span, err)
	}

	row := db.QueryRowContext(ctx, selectColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, spanErr(span, err)
	}

	span.SetStatus(codes.Ok, "found")
	return a, nil
}

// Update replaces the full row for a.ID. The backing store is
// append-oriented, so this is a delete plus reinsert inside one
// transaction; the old row is gone before the new one lands.
func (s *Store) Update(ctx context.Context, a *artifact.Artifact) error {
	ctx, span := tracer.Start(ctx, "sqlitevec.Update")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", a.ID))

	db, err := s.conn()
	if err != nil {
		return spanErr(span, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: beginning transaction: %v", store.ErrBackendFailure, err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, a.ID)
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: deleting artifact %s: %v", store.ErrBackendFailure, a.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: %v", store.ErrBackendFailure, err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, a.ID)
	}

	if err := insertRow(ctx, tx, a); err != nil {
		return spanErr(span, err)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(); err != nil {
		return spanErr(span, fmt.Errorf("%w: committing update: %v", store.ErrBackendFailure, err))
	}

	span.SetStatus(codes.Ok, "updated")
	return nil
}

// Delete removes the row with the given id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id))

	db, err := s.conn()
	if err != nil {
		return false, spanErr(span, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, spanErr(span, fmt.Errorf("%w: beginning transaction: %v", store.ErrBackendFailure, err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return false, spanErr(span, fmt.Errorf("%w: deleting artifact %s: %v", store.ErrBackendFailure, id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, spanErr(span, fmt.Errorf("%w: %v", store.ErrBackendFailure, err))
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_vectors WHERE id = ?`, id); err != nil {
		return false, spanErr(span, fmt.Errorf("%w: deleting vector %s: %v", store.ErrBackendFailure, id, err))
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return false, spanErr(span, err)
	}
	if err := tx.Commit(); err != nil {
		return false, spanErr(span, fmt.Errorf("%w: committing delete: %v", store.ErrBackendFailure, err))
	}

	span.SetStatus(codes.Ok, "deleted")
	return true, nil
}

// List returns artifacts matching the filter set, newest first.
func (s *Store) List(ctx context.Context, f artifact.Filters) ([]*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.List")
	defer span.End()

	db, err := s.conn()
	if err != nil {
		return nil, spanErr(span, err)
	}

	where, args := buildPredicates(f)
	q := selectColumns + ` FROM artifacts` + where + ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: listing artifacts: %v", store.ErrBackendFailure, err))
	}
	defer func() { _ = rows.Close() }()

	var out []*artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: iterating artifacts: %v", store.ErrBackendFailure, err))
	}

	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "listed")
	return out, nil
}

// Search returns the nearest artifacts matching the filter set.
//
// The vec0 KNN runs before the relational predicates apply, so with
// filters present the candidate set is over-fetched and trimmed after
// the join. When a pass still under-fills the limit, k escalates up to
// the table row count, at which point the filtered result is exact.
func (s *Store) Search(ctx context.Context, query []float32, f artifact.Filters) ([]artifact.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.Search")
	defer span.End()

	db, err := s.conn()
	if err != nil {
		return nil, spanErr(span, err)
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: serializing query vector: %v", store.ErrBackendFailure, err))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&total); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: counting artifacts: %v", store.ErrBackendFailure, err))
	}
	if total == 0 {
		span.SetStatus(codes.Ok, "searched")
		return nil, nil
	}

	k := limit
	if filtered(f) {
		k = min(limit*10, total)
	}

	for {
		out, err := s.searchK(ctx, db, blob, f, k, limit)
		if err != nil {
			return nil, spanErr(span, err)
		}
		if len(out) >= limit || k >= total {
			span.SetAttributes(attribute.Int("results", len(out)), attribute.Int("knn.k", k))
			span.SetStatus(codes.Ok, "searched")
			return out, nil
		}
		k = min(k*10, total)
	}
}

// searchK runs one KNN pass with k candidates and trims to limit after
// the relational join.
func (s *Store) searchK(ctx context.Context, db *sql.DB, blob []byte, f artifact.Filters, k, limit int) ([]artifact.SearchResult, error) {
	where, args := buildPredicates(f)
	extra := strings.Replace(where, " WHERE ", " AND ", 1)

	q := `SELECT ` + columnList("a") + `, v.distance
FROM artifact_vectors v
JOIN artifacts a ON a.id = v.id
WHERE v.embedding MATCH ? AND k = ?` + extra + `
ORDER BY v.distance`
	queryArgs := append([]any{blob, k}, args...)

	rows, err := db.QueryContext(ctx, q, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: searching artifacts: %v", store.ErrBackendFailure, err)
	}
	defer func() { _ = rows.Close() }()

	var out []artifact.SearchResult
	for rows.Next() {
		a, distance, err := scanSearchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact.SearchResult{Artifact: a, Score: scoreFromDistance(distance)})
		if len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating search results: %v", store.ErrBackendFailure, err)
	}
	return out, nil
}

// Close closes the shared database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// scoreFromDistance converts a distance to a bounded similarity score.
// Closer vectors score near 1; distant ones approach 0, never negative.
func scoreFromDistance(d *float64) float32 {
	if d == nil {
		return 1.0
	}
	return float32(1.0 / (1.0 + *d))
}

func filtered(f artifact.Filters) bool {
	return f.Kind != "" || len(f.Metadata) > 0 || f.After != nil || f.Before != nil
}

// buildPredicates composes the ANDed filter predicates.
// Metadata matches run as substring probes against the JSON-encoded blob.
func buildPredicates(f artifact.Filters) (string, []any) {
	var conds []string
	var args []any

	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.After != nil {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.After.UnixMilli())
	}
	if f.Before != nil {
		conds = append(conds, "updated_at < ?")
		args = append(args, f.Before.UnixMilli())
	}
	for k, v := range f.Metadata {
		conds = append(conds, `metadata LIKE ? ESCAPE '\'`)
		fragment, _ := json.Marshal(map[string]string{k: v})
		// Strip the braces so the probe matches the pair anywhere in the blob.
		pair := strings.TrimSuffix(strings.TrimPrefix(string(fragment), "{"), "}")
		args = append(args, "%"+escapeLike(pair)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike neutralizes LIKE wildcards and the escape character itself.
// The backslash goes first: the probe is JSON-encoded, so its own escape
// sequences must survive as literal text under ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

const selectColumns = `SELECT id, kind, name, content, format, metadata, embedding, embedding_model, context, context_embedding, created_at, updated_at`

func columnList(alias string) string {
	cols := []string{"id", "kind", "name", "content", "format", "metadata", "embedding", "embedding_model", "context", "context_embedding", "created_at", "updated_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(r rowScanner) (*artifact.Artifact, error) {
	var (
		a         artifact.Artifact
		name      sql.NullString
		format    string
		metaJSON  string
		embBlob   []byte
		artCtx    sql.NullString
		ctxBlob   []byte
		createdMs int64
		updatedMs int64
	)
	err := r.Scan(&a.ID, &a.Kind, &name, &a.Content, &format, &metaJSON,
		&embBlob, &a.EmbeddingModel, &artCtx, &ctxBlob, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning artifact row: %v", store.ErrBackendFailure, err)
	}

	fillArtifact(&a, name, format, metaJSON, embBlob, artCtx, ctxBlob, createdMs, updatedMs)
	return &a, nil
}

func scanSearchRow(r rowScanner) (*artifact.Artifact, *float64, error) {
	var (
		a         artifact.Artifact
		name      sql.NullString
		format    string
		metaJSON  string
		embBlob   []byte
		artCtx    sql.NullString
		ctxBlob   []byte
		createdMs int64
		updatedMs int64
		distance  sql.NullFloat64
	)
	err := r.Scan(&a.ID, &a.Kind, &name, &a.Content, &format, &metaJSON,
		&embBlob, &a.EmbeddingModel, &artCtx, &ctxBlob, &createdMs, &updatedMs, &distance)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scanning search row: %v", store.ErrBackendFailure, err)
	}

	fillArtifact(&a, name, format, metaJSON, embBlob, artCtx, ctxBlob, createdMs, updatedMs)
	if !distance.Valid {
		return &a, nil, nil
	}
	return &a, &distance.Float64, nil
}

func fillArtifact(a *artifact.Artifact, name sql.NullString, format, metaJSON string, embBlob []byte, artCtx sql.NullString, ctxBlob []byte, createdMs, updatedMs int64) {
	a.Name = name.String
	a.Format = artifact.Format(format)
	a.Metadata = decodeMetadata(metaJSON)
	a.Embedding = deserializeFloat32(embBlob)
	a.Context = artCtx.String
	if ctxBlob != nil {
		a.ContextEmbedding = deserializeFloat32(ctxBlob)
	}
	a.CreatedAt = fromMillis(createdMs)
	a.UpdatedAt = fromMillis(updatedMs)
}

// decodeMetadata tolerantly decodes the JSON metadata blob. Malformed
// stored metadata degrades to an empty map rather than failing the read.
func decodeMetadata(raw string) map[string]string {
	m := map[string]string{}
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}

// deserializeFloat32 decodes a sqlite-vec float blob (little-endian f32s).
func deserializeFloat32(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
