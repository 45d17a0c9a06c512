package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

const testDims = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(store.Config{
		Path:        filepath.Join(dir, "truthd.db"),
		SnapshotDir: filepath.Join(dir, "snapshots"),
		Dimensions:  testDims,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestArtifact(kind, content string, embedding []float32) *artifact.Artifact {
	a := artifact.New(kind, content, artifact.FormatMarkdown, "", nil, "test-model")
	a.Embedding = embedding
	return a
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "orders must not ship unpaid", []float32{1, 0, 0, 0})
	a.Name = "shipping-rule"
	a.Metadata = map[string]string{"owner": "alice"}
	a.Context = "payments domain"
	a.ContextEmbedding = []float32{0, 1, 0, 0}

	require.NoError(t, s.Insert(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "intent", got.Kind)
	assert.Equal(t, "shipping-rule", got.Name)
	assert.Equal(t, a.Content, got.Content)
	assert.Equal(t, artifact.FormatMarkdown, got.Format)
	assert.Equal(t, map[string]string{"owner": "alice"}, got.Metadata)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
	assert.Equal(t, "test-model", got.EmbeddingModel)
	assert.Equal(t, "payments domain", got.Context)
	assert.Equal(t, []float32{0, 1, 0, 0}, got.ContextEmbedding)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt), "created_at survives the millisecond round trip")
	assert.True(t, a.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGetAbsentFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Name)
	assert.Empty(t, got.Context)
	assert.Nil(t, got.ContextEmbedding)
	assert.Empty(t, got.Metadata)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing123")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "v1", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	a.Content = "v2"
	a.Embedding = []float32{0, 0, 1, 0}
	a.UpdatedAt = a.UpdatedAt.Add(time.Second)
	require.NoError(t, s.Update(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, []float32{0, 0, 1, 0}, got.Embedding)

	missing := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	assert.ErrorIs(t, s.Update(ctx, missing), store.ErrNotFound)
}

func TestDeleteIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	deleted, err := s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete reports no row")

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := newTestArtifact("intent", "early", []float32{1, 0, 0, 0})
	early.Metadata = map[string]string{"owner": "alice"}
	require.NoError(t, s.Insert(ctx, early))

	cutoff := early.UpdatedAt.Add(time.Second)

	late := newTestArtifact("contract", "late", []float32{0, 1, 0, 0})
	late.Metadata = map[string]string{"owner": "bob"}
	late.CreatedAt = cutoff.Add(time.Second)
	late.UpdatedAt = late.CreatedAt
	require.NoError(t, s.Insert(ctx, late))

	t.Run("no filters returns all", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{})
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("kind exact match", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Kind: "intent"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, early.ID, out[0].ID)
	})

	t.Run("after is inclusive", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{After: &late.UpdatedAt})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, late.ID, out[0].ID)
	})

	t.Run("before is exclusive", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Before: &late.UpdatedAt})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, early.ID, out[0].ID)
	})

	t.Run("metadata match", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Metadata: map[string]string{"owner": "bob"}})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, late.ID, out[0].ID)
	})

	t.Run("combined filters intersect", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Kind: "contract", Before: &cutoff})
		require.NoError(t, err)
		assert.Empty(t, out, "empty result is valid, not an error")
	})

	t.Run("limit caps results", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, out, 1)
	})
}

func TestListMetadataFilterSpecialCharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Values that JSON-escape inside the stored blob must still round-trip
	// through the filter probe.
	cases := map[string]map[string]string{
		"backslash":  {"path": `dir\file`},
		"quote":      {"quote": `say "hi"`},
		"newline":    {"note": "line1\nline2"},
		"percent":    {"pct": "100%"},
		"underscore": {"snake_key": "snake_value"},
	}

	ids := map[string]string{}
	for name, meta := range cases {
		a := newTestArtifact("intent", name, []float32{1, 0, 0, 0})
		a.Metadata = meta
		require.NoError(t, s.Insert(ctx, a))
		ids[name] = a.ID
	}

	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := s.List(ctx, artifact.Filters{Metadata: meta})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, ids[name], out[0].ID)
			assert.Equal(t, meta, out[0].Metadata)
		})
	}

	t.Run("wildcards do not match literally", func(t *testing.T) {
		out, err := s.List(ctx, artifact.Filters{Metadata: map[string]string{"pct": "100_"}})
		require.NoError(t, err)
		assert.Empty(t, out, "underscore in the filter is literal, not a wildcard")
	})
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `dir\\file`, escapeLike(`dir\file`))
	assert.Equal(t, `100\%`, escapeLike(`100%`))
	assert.Equal(t, `a\_b`, escapeLike(`a_b`))
	assert.Equal(t, `\\\%`, escapeLike(`\%`), "backslash escapes before wildcards")
}

func TestSearchRanksByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	b := newTestArtifact("contract", "y", []float32{0, 1, 0, 0})
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))

	results, err := s.Search(ctx, []float32{0.9, 0.1, 0, 0}, artifact.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, a.ID, results[0].Artifact.ID, "nearest vector ranks first")
	assert.Greater(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.Greater(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(1))
	}
}

func TestSearchWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	b := newTestArtifact("contract", "y", []float32{1, 0.01, 0, 0})
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, artifact.Filters{Kind: "contract"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b.ID, results[0].Artifact.ID)
}

func TestSearchFilteredFindsDistantMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 20 near misses on kind push the single match outside the first
	// over-fetched KNN candidate set; k must escalate until it surfaces.
	for i := 0; i < 20; i++ {
		noise := newTestArtifact("contract", fmt.Sprintf("noise %d", i), []float32{1, float32(i) * 0.01, 0, 0})
		require.NoError(t, s.Insert(ctx, noise))
	}
	match := newTestArtifact("intent", "far away", []float32{0, 0, 0, 1})
	require.NoError(t, s.Insert(ctx, match))

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, artifact.Filters{Kind: "intent", Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, match.ID, results[0].Artifact.ID)
}

func TestSearchEmptyTable(t *testing.T) {
	s := newTestStore(t)

	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, artifact.Filters{Kind: "intent"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := newTestArtifact("intent", "x", []float32{float32(i), 1, 0, 0})
		require.NoError(t, s.Insert(ctx, a))
	}

	results, err := s.Search(ctx, []float32{0, 1, 0, 0}, artifact.Filters{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestScoreFromDistance(t *testing.T) {
	assert.Equal(t, float32(1.0), scoreFromDistance(nil), "no distance means perfect score")

	zero := 0.0
	assert.Equal(t, float32(1.0), scoreFromDistance(&zero))

	one := 1.0
	assert.Equal(t, float32(0.5), scoreFromDistance(&one))

	big := 999.0
	assert.Greater(t, scoreFromDistance(&big), float32(0), "score never goes negative")
}

func TestVersionAdvancesPerWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v0, err := s.Version(ctx)
	require.NoError(t, err)

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	v1, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)

	a.Content = "y"
	require.NoError(t, s.Update(ctx, a))

	v2, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	_, err = s.Delete(ctx, a.ID)
	require.NoError(t, err)

	v3, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2+1, v3)
}

func TestSnapshotsAndTimeTravel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "v1", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	a.Content = "v2"
	require.NoError(t, s.Update(ctx, a))

	t.Run("list versions newest first", func(t *testing.T) {
		_, err := s.Snapshot(ctx)
		require.NoError(t, err)

		versions, err := s.ListVersions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Greater(t, versions[0].Version, versions[1].Version)

		limited, err := s.ListVersions(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("get at version reads history", func(t *testing.T) {
		old, err := s.GetAtVersion(ctx, a.ID, snap.Version)
		require.NoError(t, err)
		assert.Equal(t, "v1", old.Content)

		current, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "v2", current.Content)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := s.GetAtVersion(ctx, a.ID, 999)
		assert.ErrorIs(t, err, store.ErrVersionNotFound)
	})

	t.Run("unknown id at known version", func(t *testing.T) {
		_, err := s.GetAtVersion(ctx, "missing123", snap.Version)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestCleanupVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	for i := 0; i < 3; i++ {
		a.Content = string(rune('a' + i))
		require.NoError(t, s.Update(ctx, a))
		_, err := s.Snapshot(ctx)
		require.NoError(t, err)
	}

	stats, err := s.CleanupVersions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.VersionsRemoved)
	assert.Greater(t, stats.BytesFreed, int64(0))

	versions, err := s.ListVersions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	stats, err = s.CleanupVersions(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.VersionsRemoved, "nothing left to remove")
}

func TestCompact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))
	_, err := s.Delete(ctx, a.ID)
	require.NoError(t, err)

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesMerged)
	assert.GreaterOrEqual(t, stats.BytesSaved, int64(0))
}

func TestTolerantMetadataDecode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestArtifact("intent", "x", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, a))

	// Corrupt the stored metadata behind the adapter's back.
	db, err := sql.Open("sqlite3", s.path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE artifacts SET metadata = 'not-json' WHERE id = ?`, a.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Metadata, "malformed metadata degrades to an empty map")
}

func TestOpenThroughFactory(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.Config{
		Backend:    "sqlitevec",
		Path:       filepath.Join(dir, "truthd.db"),
		Dimensions: testDims,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = store.Open(store.Config{Backend: "bogus", Dimensions: testDims})
	assert.ErrorIs(t, err, store.ErrInvalidConfig)
}
