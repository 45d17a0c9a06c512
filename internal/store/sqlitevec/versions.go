package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// The version counter lives in PRAGMA user_version and is bumped inside
// every write transaction. Snapshots are VACUUM INTO copies of the whole
// database, named after the version and capture time so ListVersions can
// enumerate them without opening each file.

const snapshotPattern = "truthd-v%d-%d.db"

func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	var v int64
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return fmt.Errorf("%w: reading version: %v", store.ErrBackendFailure, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
		return fmt.Errorf("%w: bumping version: %v", store.ErrBackendFailure, err)
	}
	return nil
}

// Version returns the current write-version counter.
func (s *Store) Version(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var v int64
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("%w: reading version: %v", store.ErrBackendFailure, err)
	}
	return v, nil
}

// Snapshot copies the database into a timestamped file under the snapshot
// directory and returns its record.
func (s *Store) Snapshot(ctx context.Context) (*store.VersionInfo, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.Snapshot")
	defer span.End()

	db, err := s.conn()
	if err != nil {
		return nil, spanErr(span, err)
	}

	version, err := s.Version(ctx)
	if err != nil {
		return nil, spanErr(span, err)
	}

	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: creating snapshot dir: %v", store.ErrBackendFailure, err))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	path := filepath.Join(s.snapshotDir, fmt.Sprintf(snapshotPattern, version, now.UnixMilli()))
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: writing snapshot: %v", store.ErrBackendFailure, err))
	}

	span.SetAttributes(attribute.Int64("version", version))
	span.SetStatus(codes.Ok, "snapshot taken")
	return &store.VersionInfo{Version: version, Timestamp: now}, nil
}

type snapshotFile struct {
	store.VersionInfo
	path string
	size int64
}

// snapshots enumerates snapshot files, newest version first. A missing
// snapshot directory means no snapshots, not an error.
func (s *Store) snapshots() ([]snapshotFile, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot dir: %v", store.ErrBackendFailure, err)
	}

	var out []snapshotFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var version, millis int64
		if _, err := fmt.Sscanf(e.Name(), snapshotPattern, &version, &millis); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, snapshotFile{
			VersionInfo: store.VersionInfo{Version: version, Timestamp: time.UnixMilli(millis).UTC()},
			path:        filepath.Join(s.snapshotDir, e.Name()),
			size:        info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// ListVersions returns snapshot records, newest first.
func (s *Store) ListVersions(ctx context.Context, limit int) ([]store.VersionInfo, error) {
	files, err := s.snapshots()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]store.VersionInfo, len(files))
	for i, f := range files {
		out[i] = f.VersionInfo
	}
	return out, nil
}

// GetAtVersion reads an artifact from the snapshot taken at the given
// version. The snapshot opens read-only; historical data never mutates.
func (s *Store) GetAtVersion(ctx context.Context, id string, version int64) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.GetAtVersion")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id), attribute.Int64("version", version))

	files, err := s.snapshots()
	if err != nil {
		return nil, spanErr(span, err)
	}

	var path string
	for _, f := range files {
		if f.Version == version {
			path = f.path
			break
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w: %d", store.ErrVersionNotFound, version)
	}

	db, err := sql.Open("sqlite3", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: opening snapshot: %v", store.ErrBackendFailure, err))
	}
	defer func() { _ = db.Close() }()

	row := db.QueryRowContext(ctx, selectColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s at version %d", store.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, spanErr(span, err)
	}

	span.SetStatus(codes.Ok, "found")
	return a, nil
}

// Compact rewrites the database file, dropping free pages. The backend is
// a single file, so one file is merged per pass.
func (s *Store) Compact(ctx context.Context) (*store.CompactStats, error) {
	ctx, span := tracer.Start(ctx, "sqlitevec.Compact")
	defer span.End()

	db, err := s.conn()
	if err != nil {
		return nil, spanErr(span, err)
	}

	before, err := databaseBytes(ctx, db)
	if err != nil {
		return nil, spanErr(span, err)
	}

	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: vacuuming: %v", store.ErrBackendFailure, err))
	}

	after, err := databaseBytes(ctx, db)
	if err != nil {
		return nil, spanErr(span, err)
	}

	saved := before - after
	if saved < 0 {
		saved = 0
	}

	span.SetAttributes(attribute.Int64("bytes_saved", saved))
	span.SetStatus(codes.Ok, "compacted")
	return &store.CompactStats{FilesMerged: 1, BytesSaved: saved}, nil
}

func databaseBytes(ctx context.Context, db *sql.DB) (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("%w: reading page count: %v", store.ErrBackendFailure, err)
	}
	if err := db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("%w: reading page size: %v", store.ErrBackendFailure, err)
	}
	return pageCount * pageSize, nil
}

// CleanupVersions deletes old snapshot files, keeping the newest keep.
func (s *Store) CleanupVersions(ctx context.Context, keep int) (*store.CleanupStats, error) {
	_, span := tracer.Start(ctx, "sqlitevec.CleanupVersions")
	defer span.End()
	span.SetAttributes(attribute.Int("keep", keep))

	if keep < 0 {
		keep = 0
	}

	files, err := s.snapshots()
	if err != nil {
		return nil, spanErr(span, err)
	}
	if len(files) <= keep {
		span.SetStatus(codes.Ok, "nothing to remove")
		return &store.CleanupStats{}, nil
	}

	stats := &store.CleanupStats{}
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil {
			return stats, spanErr(span, fmt.Errorf("%w: removing snapshot %s: %v", store.ErrBackendFailure, f.path, err))
		}
		stats.VersionsRemoved++
		stats.BytesFreed += f.size
	}

	span.SetAttributes(attribute.Int("versions_removed", stats.VersionsRemoved))
	span.SetStatus(codes.Ok, "cleaned up")
	return stats, nil
}
