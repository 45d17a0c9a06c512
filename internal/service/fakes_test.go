package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// fakeStore is an in-memory store.Store for service tests. It clones on
// every boundary so tests catch accidental aliasing.
type fakeStore struct {
	mu        sync.Mutex
	artifacts map[string]*artifact.Artifact
	inserts   int
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: map[string]*artifact.Artifact{}}
}

func (f *fakeStore) Insert(_ context.Context, a *artifact.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[a.ID] = a.Clone()
	f.inserts++
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*artifact.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (f *fakeStore) Update(_ context.Context, a *artifact.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.artifacts[a.ID]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, a.ID)
	}
	f.artifacts[a.ID] = a.Clone()
	f.updates++
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.artifacts[id]; !ok {
		return false, nil
	}
	delete(f.artifacts, id)
	return true, nil
}

func (f *fakeStore) List(_ context.Context, fl artifact.Filters) ([]*artifact.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*artifact.Artifact
	for _, a := range f.artifacts {
		if matches(a, fl) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if fl.Limit > 0 && len(out) > fl.Limit {
		out = out[:fl.Limit]
	}
	return out, nil
}

func (f *fakeStore) Search(_ context.Context, query []float32, fl artifact.Filters) ([]artifact.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []artifact.SearchResult
	for _, a := range f.artifacts {
		if !matches(a, fl) {
			continue
		}
		d := l2(query, a.Embedding)
		out = append(out, artifact.SearchResult{Artifact: a.Clone(), Score: float32(1.0 / (1.0 + d))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	limit := fl.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(a *artifact.Artifact, f artifact.Filters) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.After != nil && a.UpdatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !a.UpdatedAt.Before(*f.Before) {
		return false
	}
	for k, v := range f.Metadata {
		if a.Metadata[k] != v {
			return false
		}
	}
	return true
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (f *fakeStore) Version(context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) ListVersions(context.Context, int) ([]store.VersionInfo, error) {
	return nil, nil
}
func (f *fakeStore) Compact(context.Context) (*store.CompactStats, error) {
	return &store.CompactStats{}, nil
}
func (f *fakeStore) CleanupVersions(context.Context, int) (*store.CleanupStats, error) {
	return &store.CleanupStats{}, nil
}
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.artifacts)
}

// fakeEmbedder produces deterministic vectors from text bytes and counts
// embedding calls so tests can assert on re-embed behavior.
type fakeEmbedder struct {
	model     string
	maxTokens int

	mu    sync.Mutex
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{model: "fake-model-v1", maxTokens: 20}
}

func (f *fakeEmbedder) vector(text string) []float32 {
	var sum float32
	for _, b := range []byte(text) {
		sum += float32(b)
	}
	return []float32{sum, float32(len(text)), 1, 0}
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeEmbedder) ModelID() string { return f.model }
func (f *fakeEmbedder) Dimension() int  { return 4 }
func (f *fakeEmbedder) MaxTokens() int  { return f.maxTokens }
func (f *fakeEmbedder) Close() error    { return nil }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
