package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/embeddings"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// SearchService turns free-text queries into ranked artifacts and audits
// embedding provenance across the store.
type SearchService struct {
	store    store.Store
	embedder embeddings.Provider
	logger   *zap.Logger
}

// NewSearchService creates the search service.
func NewSearchService(st store.Store, embedder embeddings.Provider, logger *zap.Logger) (*SearchService, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchService{store: st, embedder: embedder, logger: logger}, nil
}

// Search embeds the query and delegates ranked retrieval to the store.
// No re-ranking happens beyond the adapter's distance-to-score conversion.
func (s *SearchService) Search(ctx context.Context, query string, f artifact.Filters) ([]artifact.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "SearchService.Search")
	defer span.End()

	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if err := validateBudget("query", query, s.embedder.MaxTokens()); err != nil {
		return nil, err
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: embedding query: %v", ErrBackend, err))
	}

	results, err := s.store.Search(ctx, vector, f)
	if err != nil {
		return nil, spanErr(span, err)
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "searched")
	return results, nil
}

// CheckEmbeddingConsistency returns the ids of artifacts whose embedding
// model differs from the currently configured one. A non-empty result
// means search relevance is suspect until a reindex runs.
func (s *SearchService) CheckEmbeddingConsistency(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "SearchService.CheckEmbeddingConsistency")
	defer span.End()

	all, err := s.store.List(ctx, artifact.Filters{})
	if err != nil {
		return nil, spanErr(span, err)
	}

	current := s.embedder.ModelID()
	var stale []string
	for _, a := range all {
		if a.EmbeddingModel != current {
			stale = append(stale, a.ID)
		}
	}

	if len(stale) > 0 {
		s.logger.Warn("stale embeddings detected",
			zap.Int("count", len(stale)),
			zap.String("current_model", current))
	}
	span.SetAttributes(attribute.Int("stale", len(stale)))
	span.SetStatus(codes.Ok, "checked")
	return stale, nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
