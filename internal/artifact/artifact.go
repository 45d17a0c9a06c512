// Package artifact defines the truth artifact entity and its shared types.
//
// An artifact is a short, richly-typed text document: a kind slug, optional
// name, free-form metadata labels, the content itself, and one or two
// embeddings derived from it. Every embedding carries the identifier of the
// model that produced it; the two fields always describe the same generation.
package artifact

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Format describes how an artifact's content should be interpreted.
// It is purely descriptive and does not affect storage.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatOpenAPI  Format = "openapi"
	FormatText     Format = "text"
)

// ParseFormat parses a format string, accepting common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	case "openapi":
		return FormatOpenAPI, nil
	case "text", "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid content format: %q", s)
	}
}

// Ext returns the file extension for rendering artifacts of this format.
func (f Format) Ext() string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatYAML, FormatOpenAPI:
		return "yaml"
	case FormatJSON:
		return "json"
	default:
		return "txt"
	}
}

// Artifact is the sole managed entity.
//
// Name and Context use the empty string for "absent"; the store adapters
// persist them as NULL so existing data stays readable. Embedding is nil
// only transiently, before the service has computed it.
type Artifact struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Name     string            `json:"name,omitempty"`
	Content  string            `json:"content"`
	Format   Format            `json:"format"`
	Metadata map[string]string `json:"metadata"`

	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model"`

	// Context is an optional secondary text field carrying extra retrieval
	// context, with its own independently regenerated embedding.
	Context          string    `json:"context,omitempty"`
	ContextEmbedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// idAlphabet excludes ambiguous characters (0/O, 1/l/I).
const idAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const idLength = 10

// NewID generates a 10-character artifact identifier over a reduced,
// URL-safe alphabet.
func NewID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// New creates an artifact with a fresh ID and matching create/update
// timestamps. The embedding is left nil; the service computes it before
// the artifact is persisted.
func New(kind, content string, format Format, name string, metadata map[string]string, embeddingModel string) *Artifact {
	if metadata == nil {
		metadata = map[string]string{}
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Artifact{
		ID:             NewID(),
		Kind:           kind,
		Name:           name,
		Content:        content,
		Format:         format,
		Metadata:       metadata,
		EmbeddingModel: embeddingModel,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy. Stores and fakes hand out clones so callers
// never alias the stored metadata map or embedding slices.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Metadata = make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	if a.Embedding != nil {
		c.Embedding = append([]float32(nil), a.Embedding...)
	}
	if a.ContextEmbedding != nil {
		c.ContextEmbedding = append([]float32(nil), a.ContextEmbedding...)
	}
	return &c
}

// MergeMetadata applies an update to a metadata map and returns a fresh map.
// A key with a non-empty value is set or overwritten, a key with an empty
// value is removed, and keys absent from the update are untouched. Neither
// input map is mutated or aliased.
func MergeMetadata(current, update map[string]string) map[string]string {
	merged := make(map[string]string, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		if v == "" {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	return merged
}

// Filters narrows list and search operations. All predicates are ANDed.
type Filters struct {
	// Kind is an exact match on the kind slug.
	Kind string
	// Metadata entries must all match exactly.
	Metadata map[string]string
	// After is an inclusive lower bound on updated_at.
	After *time.Time
	// Before is an exclusive upper bound on updated_at.
	Before *time.Time
	// Limit caps the result count; zero means no limit for list and the
	// store default for search.
	Limit int
}

// SearchResult pairs an artifact with its similarity score.
// Scores come from the adapter's 1/(1+distance) conversion: near 1 for
// close vectors, approaching 0 for distant ones, never negative.
type SearchResult struct {
	Artifact *Artifact `json:"artifact"`
	Score    float32   `json:"score"`
}

// ReindexTarget selects which embeddings a reindex pass regenerates.
type ReindexTarget string

const (
	ReindexContent ReindexTarget = "content"
	ReindexContext ReindexTarget = "context"
	ReindexBoth    ReindexTarget = "both"
)

// EstimateTokens estimates the token count of text using the conservative
// ~0.75 words-per-token heuristic. It runs before every embedding call to
// reject oversized content without touching the backend.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(float64(words)/0.75 + 0.999999)
}

// ModelInfo describes an embedding model's limits.
type ModelInfo struct {
	MaxTokens  int
	Dimensions int
}

// ModelInfoFor returns the known limits for an embedding model, falling
// back to a conservative default for unknown models.
func ModelInfoFor(model string) ModelInfo {
	switch model {
	case "BAAI/bge-small-en-v1.5":
		return ModelInfo{MaxTokens: 512, Dimensions: 384}
	case "BAAI/bge-base-en-v1.5":
		return ModelInfo{MaxTokens: 512, Dimensions: 768}
	case "sentence-transformers/all-MiniLM-L6-v2":
		return ModelInfo{MaxTokens: 512, Dimensions: 384}
	case "text-embedding-3-small":
		return ModelInfo{MaxTokens: 8191, Dimensions: 1536}
	case "text-embedding-3-large":
		return ModelInfo{MaxTokens: 8191, Dimensions: 3072}
	case "nomic-embed-text":
		return ModelInfo{MaxTokens: 8192, Dimensions: 768}
	case "voyage-3":
		return ModelInfo{MaxTokens: 32000, Dimensions: 1024}
	default:
		return ModelInfo{MaxTokens: 512, Dimensions: 384}
	}
}
