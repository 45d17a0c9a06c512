package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/kind"
)

func newTestService(t *testing.T) (*ArtifactService, *fakeStore, *fakeEmbedder) {
	t.Helper()
	st := newFakeStore()
	emb := newFakeEmbedder()
	svc, err := NewArtifactService(st, emb, nil)
	require.NoError(t, err)
	return svc, st, emb
}

func strPtr(s string) *string { return &s }

func TestNewArtifactServiceRequiresDeps(t *testing.T) {
	_, err := NewArtifactService(nil, newFakeEmbedder(), nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewArtifactService(newFakeStore(), nil, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdd(t *testing.T) {
	svc, st, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{
		Kind:     "My Intent",
		Content:  "orders must not ship unpaid",
		Format:   artifact.FormatMarkdown,
		Name:     "shipping",
		Metadata: map[string]string{"owner": "alice", "drop": ""},
		Context:  "payments domain",
	})
	require.NoError(t, err)

	assert.Len(t, a.ID, 10)
	assert.Equal(t, "my-intent", a.Kind, "kind is slugified before storage")
	assert.Equal(t, emb.vector("orders must not ship unpaid"), a.Embedding)
	assert.Equal(t, "fake-model-v1", a.EmbeddingModel)
	assert.Equal(t, emb.vector("payments domain"), a.ContextEmbedding)
	assert.Equal(t, map[string]string{"owner": "alice"}, a.Metadata, "empty-valued keys are stripped")
	assert.True(t, a.CreatedAt.Equal(a.UpdatedAt))
	assert.Equal(t, 1, st.count())
}

func TestAddValidation(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	t.Run("invalid kind", func(t *testing.T) {
		_, err := svc.Add(ctx, AddParams{Kind: "!!", Content: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("reserved kind", func(t *testing.T) {
		_, err := svc.Add(ctx, AddParams{Kind: "search", Content: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := svc.Add(ctx, AddParams{Kind: "intent", Content: ""})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("content over token budget", func(t *testing.T) {
		// The fake's budget is 20 tokens; 30 words estimate to 40.
		long := strings.Repeat("word ", 30)
		_, err := svc.Add(ctx, AddParams{Kind: "intent", Content: long})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, st.count(), "rejected add performs no insert")
	})

	t.Run("context over token budget", func(t *testing.T) {
		_, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x", Context: strings.Repeat("word ", 30)})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, st.count())
	})
}

func TestAddWithKindRegistry(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	reg := &kind.Registry{}
	reg.Add("intent", "declarative must statement")
	reg.Add("contract", "external promise")
	svc.SetKindRegistry(reg)

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)

	_, err = svc.Add(ctx, AddParams{Kind: "runbook", Content: "x"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "not registered")
	assert.Equal(t, 1, st.count())

	_, err = svc.Update(ctx, a.ID, UpdateParams{Kind: strPtr("runbook")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(ctx, a.ID, UpdateParams{Kind: strPtr("contract")})
	assert.NoError(t, err)

	svc.SetKindRegistry(nil)
	_, err = svc.Add(ctx, AddParams{Kind: "runbook", Content: "x"})
	assert.NoError(t, err, "nil registry lifts the restriction")
}

func TestGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = svc.Get(ctx, "missing123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Update(context.Background(), "missing123", UpdateParams{Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateContentReembeds(t *testing.T) {
	svc, _, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "v1"})
	require.NoError(t, err)

	emb.model = "fake-model-v2"

	got, err := svc.Update(ctx, a.ID, UpdateParams{Content: strPtr("v2")})
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, emb.vector("v2"), got.Embedding)
	assert.Equal(t, "fake-model-v2", got.EmbeddingModel, "provenance follows the model that re-embedded")
}

func TestUpdateNoSpuriousReembed(t *testing.T) {
	svc, _, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "same"})
	require.NoError(t, err)
	callsAfterAdd := emb.callCount()

	// Swap models so a spurious re-embed would be visible in provenance.
	emb.model = "fake-model-v2"

	before := a.UpdatedAt
	time.Sleep(2 * time.Millisecond)

	got, err := svc.Update(ctx, a.ID, UpdateParams{Content: strPtr("same")})
	require.NoError(t, err)
	assert.Equal(t, callsAfterAdd, emb.callCount(), "identical content triggers no embedding call")
	assert.Equal(t, "fake-model-v1", got.EmbeddingModel, "provenance unchanged")
	assert.True(t, got.UpdatedAt.After(before), "updated_at still advances")
}

func TestUpdateMetadataMergeLaw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{
		Kind:     "intent",
		Content:  "x",
		Metadata: map[string]string{"keep": "1", "remove": "2"},
	})
	require.NoError(t, err)

	got, err := svc.Update(ctx, a.ID, UpdateParams{
		Metadata: map[string]string{"remove": "", "add": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"keep": "1", "add": "3"}, got.Metadata)
}

func TestUpdateKindAndName(t *testing.T) {
	svc, _, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x", Name: "old"})
	require.NoError(t, err)
	calls := emb.callCount()

	got, err := svc.Update(ctx, a.ID, UpdateParams{
		Kind: strPtr("New Kind"),
		Name: strPtr("new"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new-kind", got.Kind)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, calls, emb.callCount(), "metadata-only mutations never embed")

	got, err = svc.Update(ctx, a.ID, UpdateParams{Name: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, got.Name, "empty pointer clears the name")
}

func TestUpdateClearContext(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x", Context: "ctx"})
	require.NoError(t, err)
	require.NotNil(t, a.ContextEmbedding)

	got, err := svc.Update(ctx, a.ID, UpdateParams{Context: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, got.Context)
	assert.Nil(t, got.ContextEmbedding, "clearing context drops its embedding")
}

func TestRemoveIdempotence(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)

	deleted, err := svc.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = svc.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListFilterComposition(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, AddParams{Kind: "contract", Content: "y"})
	require.NoError(t, err)

	out, err := svc.List(ctx, artifact.Filters{Kind: "intent"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a.ID, out[0].ID)

	future := time.Now().Add(time.Hour)
	out, err = svc.List(ctx, artifact.Filters{Kind: "intent", After: &future})
	require.NoError(t, err)
	assert.Empty(t, out, "intersection with an impossible bound is empty, not an error")
}

func TestReindex(t *testing.T) {
	svc, _, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x", Context: "cx"})
	require.NoError(t, err)
	b, err := svc.Add(ctx, AddParams{Kind: "contract", Content: "y"})
	require.NoError(t, err)

	emb.model = "fake-model-v2"

	t.Run("content target updates provenance everywhere", func(t *testing.T) {
		count, err := svc.Reindex(ctx, artifact.Filters{}, artifact.ReindexContent)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		for _, id := range []string{a.ID, b.ID} {
			got, err := svc.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "fake-model-v2", got.EmbeddingModel)
		}
	})

	t.Run("filters narrow the pass", func(t *testing.T) {
		count, err := svc.Reindex(ctx, artifact.Filters{Kind: "intent"}, artifact.ReindexBoth)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("context target skips artifacts without context", func(t *testing.T) {
		calls := emb.callCount()
		count, err := svc.Reindex(ctx, artifact.Filters{Kind: "contract"}, artifact.ReindexContext)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "artifact counts as processed")
		assert.Equal(t, calls, emb.callCount(), "but nothing was embedded")
	})

	t.Run("invalid target", func(t *testing.T) {
		_, err := svc.Reindex(ctx, artifact.Filters{}, artifact.ReindexTarget("bogus"))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestReindexByID(t *testing.T) {
	svc, _, emb := newTestService(t)
	ctx := context.Background()

	a, err := svc.Add(ctx, AddParams{Kind: "intent", Content: "x"})
	require.NoError(t, err)

	emb.model = "fake-model-v2"

	got, err := svc.ReindexByID(ctx, a.ID, artifact.ReindexContent)
	require.NoError(t, err)
	assert.Equal(t, "fake-model-v2", got.EmbeddingModel)

	_, err = svc.ReindexByID(ctx, "missing123", artifact.ReindexContent)
	assert.ErrorIs(t, err, ErrNotFound)
}
