package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
	"golang.org/x/sync/semaphore"
)

// LocalConfig holds configuration for the local ONNX provider.
type LocalConfig struct {
	// Model is the embedding model to use.
	// Supported: BAAI/bge-small-en-v1.5 (default), BAAI/bge-base-en-v1.5,
	// sentence-transformers/all-MiniLM-L6-v2.
	Model string

	// CacheDir is the directory to cache model files.
	// Defaults to ./local_cache.
	CacheDir string

	// Workers bounds concurrent inference calls. Defaults to NumCPU.
	Workers int
}

// LocalProvider generates embeddings with local ONNX models via FastEmbed.
//
// Inference is CPU-bound, so calls pass through a weighted semaphore sized
// to the worker count: concurrent request goroutines queue for a slot
// instead of saturating every core and starving the I/O path.
type LocalProvider struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	maxTokens int
	workers   *semaphore.Weighted
}

// localModels maps model names to fastembed constants.
var localModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// NewLocalProvider creates a local FastEmbed provider.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	model, ok := localModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported local model %q (supported: BAAI/bge-small-en-v1.5, BAAI/bge-base-en-v1.5, sentence-transformers/all-MiniLM-L6-v2)", ErrInvalidConfig, cfg.Model)
	}

	info := modelInfo(cfg.Model)

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            info.MaxTokens,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing FastEmbed: %w", err)
	}

	return &LocalProvider{
		model:     flagEmbed,
		modelName: cfg.Model,
		dimension: info.Dimensions,
		maxTokens: info.MaxTokens,
		workers:   semaphore.NewWeighted(int64(workers)),
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
// FastEmbed adds the "passage: " prefix recommended by BGE models.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.workers.Release(1)

	embeddings, err := p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return embeddings, nil
}

// EmbedQuery generates an embedding for a single query.
// FastEmbed adds the "query: " prefix recommended by BGE models.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.workers.Release(1)

	embedding, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return embedding, nil
}

// ModelID returns the model identifier recorded as embedding provenance.
func (p *LocalProvider) ModelID() string { return p.modelName }

// Dimension returns the embedding width for the configured model.
func (p *LocalProvider) Dimension() int { return p.dimension }

// MaxTokens returns the model's input token budget.
func (p *LocalProvider) MaxTokens() int { return p.maxTokens }

// Close releases the ONNX session.
func (p *LocalProvider) Close() error {
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}

var _ Provider = (*LocalProvider)(nil)
