package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig holds configuration for a local Ollama server.
type OllamaConfig struct {
	// Model is the embedding model, e.g. nomic-embed-text.
	Model string
	// BaseURL points at the Ollama server. Defaults to http://localhost:11434.
	BaseURL string
}

// OllamaProvider generates embeddings through the /api/embeddings endpoint
// of an Ollama server. Ollama embeds one prompt per request, so document
// batches fan out into sequential calls.
type OllamaProvider struct {
	config OllamaConfig
	client *http.Client
}

// NewOllamaProvider creates a provider backed by an Ollama server.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required for ollama provider", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	return &OllamaProvider{
		config: cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *OllamaProvider) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: p.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("%w: server returned empty embedding", ErrEmbeddingFailed)
	}
	return parsed.Embedding, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OllamaProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *OllamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.embed(ctx, text)
}

// ModelID returns the model identifier recorded as embedding provenance.
func (p *OllamaProvider) ModelID() string { return p.config.Model }

// Dimension returns the embedding width for the configured model.
func (p *OllamaProvider) Dimension() int { return modelInfo(p.config.Model).Dimensions }

// MaxTokens returns the model's input token budget.
func (p *OllamaProvider) MaxTokens() int { return modelInfo(p.config.Model).MaxTokens }

// Close is a no-op; the provider holds no resources beyond the HTTP client.
func (p *OllamaProvider) Close() error { return nil }

var _ Provider = (*OllamaProvider)(nil)
