// Package store defines the adapter contract between the artifact domain
// model and a backing vector store.
//
// Adapters are the only components aware of the physical row encoding.
// Backends register themselves with RegisterBackend from init() and are
// selected by name through Open.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when an artifact id is absent from the store.
	// It is a normal outcome for get and update, not a backend failure.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")

	// ErrConnectionFailed indicates the backing store could not be reached
	// or opened. This is fatal for the surrounding operation.
	ErrConnectionFailed = errors.New("failed to connect to store")

	// ErrBackendFailure indicates a store I/O or query failure.
	ErrBackendFailure = errors.New("store operation failed")

	// ErrVersionNotFound is returned when a requested snapshot version
	// does not exist.
	ErrVersionNotFound = errors.New("version not found")
)

// VersionInfo describes one immutable snapshot of the store.
type VersionInfo struct {
	// Version is the snapshot ordinal; higher is newer.
	Version int64 `json:"version"`

	// Timestamp records when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
}

// CompactStats reports the outcome of a compaction pass.
type CompactStats struct {
	FilesMerged int   `json:"files_merged"`
	BytesSaved  int64 `json:"bytes_saved"`
}

// CleanupStats reports the outcome of a snapshot retention pass.
type CleanupStats struct {
	VersionsRemoved int   `json:"versions_removed"`
	BytesFreed      int64 `json:"bytes_freed"`
}

// Store is the adapter contract for a backing vector store.
//
// Each artifact maps to one row holding all twelve columns, embeddings
// included. Update is delete-then-reinsert on append-oriented backends, so
// it is not atomic at the storage level: a concurrent reader can observe a
// transient missing row, and a crash mid-update can lose it. Adapters
// confine that behavior here; callers see a single operation.
type Store interface {
	// Insert persists a new artifact row.
	Insert(ctx context.Context, a *artifact.Artifact) error

	// Get returns the artifact with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*artifact.Artifact, error)

	// Update replaces the full row for a.ID. Returns ErrNotFound when the
	// id is absent.
	Update(ctx context.Context, a *artifact.Artifact) error

	// Delete removes the row with the given id and reports whether a row
	// existed. A missing id is not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns artifacts matching the filter set. All predicates are
	// ANDed; an empty result is valid.
	List(ctx context.Context, f artifact.Filters) ([]*artifact.Artifact, error)

	// Search returns the artifacts nearest to the query vector that match
	// the filter set, ordered by descending score. Distance d converts to
	// score via 1/(1+d), or 1.0 when the backend reports no distance.
	Search(ctx context.Context, query []float32, f artifact.Filters) ([]artifact.SearchResult, error)

	// Version returns the current store version number.
	Version(ctx context.Context) (int64, error)

	// ListVersions returns available snapshots, newest first. A limit of
	// zero means no limit.
	ListVersions(ctx context.Context, limit int) ([]VersionInfo, error)

	// Compact merges store fragments and reports space reclaimed.
	Compact(ctx context.Context) (*CompactStats, error)

	// CleanupVersions removes old snapshots, keeping the newest keep.
	CleanupVersions(ctx context.Context, keep int) (*CleanupStats, error)

	// Close releases the store connection.
	Close() error
}

// VersionReader is implemented by backends that can read historical rows
// from a named snapshot.
type VersionReader interface {
	// GetAtVersion returns the artifact as stored in snapshot version, or
	// ErrNotFound / ErrVersionNotFound.
	GetAtVersion(ctx context.Context, id string, version int64) (*artifact.Artifact, error)
}

// Snapshotter is implemented by backends that can take a snapshot on demand.
type Snapshotter interface {
	// Snapshot creates a new immutable snapshot and returns its record.
	Snapshot(ctx context.Context) (*VersionInfo, error)
}
