package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
)

func newSearchFixture(t *testing.T) (*ArtifactService, *SearchService, *fakeEmbedder) {
	t.Helper()
	st := newFakeStore()
	emb := newFakeEmbedder()
	artifacts, err := NewArtifactService(st, emb, nil)
	require.NoError(t, err)
	search, err := NewSearchService(st, emb, nil)
	require.NoError(t, err)
	return artifacts, search, emb
}

func TestSearchRanksNearestFirst(t *testing.T) {
	artifacts, search, _ := newSearchFixture(t)
	ctx := context.Background()

	a, err := artifacts.Add(ctx, AddParams{Kind: "intent", Content: "alpha"})
	require.NoError(t, err)
	b, err := artifacts.Add(ctx, AddParams{Kind: "contract", Content: "zzzzzzzzzz"})
	require.NoError(t, err)

	results, err := search.Search(ctx, "alpha", artifact.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, a.ID, results[0].Artifact.ID, "exact content match ranks first")
	assert.Equal(t, b.ID, results[1].Artifact.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6, "zero distance scores 1.0")
}

func TestSearchAppliesFilters(t *testing.T) {
	artifacts, search, _ := newSearchFixture(t)
	ctx := context.Background()

	_, err := artifacts.Add(ctx, AddParams{Kind: "intent", Content: "alpha"})
	require.NoError(t, err)
	b, err := artifacts.Add(ctx, AddParams{Kind: "contract", Content: "beta"})
	require.NoError(t, err)

	results, err := search.Search(ctx, "alpha", artifact.Filters{Kind: "contract"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b.ID, results[0].Artifact.ID)
}

func TestSearchValidation(t *testing.T) {
	_, search, _ := newSearchFixture(t)
	ctx := context.Background()

	_, err := search.Search(ctx, "", artifact.Filters{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = search.Search(ctx, strings.Repeat("word ", 30), artifact.Filters{})
	assert.ErrorIs(t, err, ErrValidation, "query is budget-checked like content")
}

func TestCheckEmbeddingConsistency(t *testing.T) {
	artifacts, search, emb := newSearchFixture(t)
	ctx := context.Background()

	stale, err := search.CheckEmbeddingConsistency(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "empty store is consistent")

	a, err := artifacts.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)

	stale, err = search.CheckEmbeddingConsistency(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	emb.model = "fake-model-v2"

	stale, err = search.CheckEmbeddingConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, stale, "model switch marks existing artifacts stale")

	_, err = artifacts.ReindexByID(ctx, a.ID, artifact.ReindexContent)
	require.NoError(t, err)

	stale, err = search.CheckEmbeddingConsistency(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "reindex restores consistency")
}
