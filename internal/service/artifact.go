package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/embeddings"
	"github.com/fyrsmithlabs/truthd/internal/kind"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

var tracer = otel.Tracer("truthd.service")

// ArtifactService owns the artifact lifecycle: creation, mutation with
// selective re-embedding, deletion, and reindexing.
type ArtifactService struct {
	store    store.Store
	embedder embeddings.Provider
	logger   *zap.Logger
	kinds    *kind.Registry
}

// NewArtifactService creates the lifecycle service.
func NewArtifactService(st store.Store, embedder embeddings.Provider, logger *zap.Logger) (*ArtifactService, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactService{store: st, embedder: embedder, logger: logger}, nil
}

// SetKindRegistry restricts artifact kinds to the registered definitions.
// A nil or empty registry leaves kinds open to any valid slug.
func (s *ArtifactService) SetKindRegistry(r *kind.Registry) {
	s.kinds = r
}

// checkKind validates a normalized slug against the registry, if one is set.
func (s *ArtifactService) checkKind(slug string) error {
	if s.kinds == nil || len(s.kinds.Definitions) == 0 || s.kinds.Has(slug) {
		return nil
	}
	return fmt.Errorf("%w: kind %q is not registered (registered: %s)",
		ErrValidation, slug, strings.Join(s.kinds.Slugs(), ", "))
}

// AddParams carries the inputs for Add. Name, Metadata, and Context are
// optional.
type AddParams struct {
	Kind     string
	Content  string
	Format   artifact.Format
	Name     string
	Metadata map[string]string
	Context  string
}

// Add creates an artifact: normalizes the kind, checks both texts against
// the model's token budget, computes embeddings, and persists the row.
func (s *ArtifactService) Add(ctx context.Context, p AddParams) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "ArtifactService.Add")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.kind", p.Kind))

	slug, err := kind.Normalize(p.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkKind(slug); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	maxTokens := s.embedder.MaxTokens()
	if err := validateBudget("content", p.Content, maxTokens); err != nil {
		return nil, err
	}
	if p.Context != "" {
		if err := validateBudget("context", p.Context, maxTokens); err != nil {
			return nil, err
		}
	}

	// Strip empty-valued keys so stored metadata never carries them.
	metadata := artifact.MergeMetadata(nil, p.Metadata)

	a := artifact.New(slug, p.Content, p.Format, p.Name, metadata, s.embedder.ModelID())
	a.Context = p.Context

	texts := []string{p.Content}
	if p.Context != "" {
		texts = append(texts, p.Context)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: embedding artifact: %v", ErrBackend, err))
	}
	a.Embedding = vectors[0]
	if p.Context != "" {
		a.ContextEmbedding = vectors[1]
	}

	if err := s.store.Insert(ctx, a); err != nil {
		return nil, spanErr(span, err)
	}

	s.logger.Info("artifact added",
		zap.String("id", a.ID),
		zap.String("kind", a.Kind),
		zap.String("model", a.EmbeddingModel))
	span.SetAttributes(attribute.String("artifact.id", a.ID))
	span.SetStatus(codes.Ok, "added")
	return a, nil
}

// Get returns one artifact by id.
func (s *ArtifactService) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	return s.store.Get(ctx, id)
}

// UpdateParams carries the optional mutations for Update. Nil pointer
// fields are untouched; a pointer to the empty string clears Name or
// Context. Metadata merges key by key: empty values remove keys.
type UpdateParams struct {
	Content  *string
	Name     *string
	Kind     *string
	Context  *string
	Metadata map[string]string
}

// Update applies the present fields to an existing artifact. Content and
// context changes re-embed only when the new value differs from the stored
// one; updated_at advances on every successful update regardless.
func (s *ArtifactService) Update(ctx context.Context, id string, p UpdateParams) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "ArtifactService.Update")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id))

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Kind != nil {
		slug, err := kind.Normalize(*p.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := s.checkKind(slug); err != nil {
			return nil, err
		}
		a.Kind = slug
	}
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Metadata != nil {
		a.Metadata = artifact.MergeMetadata(a.Metadata, p.Metadata)
	}

	maxTokens := s.embedder.MaxTokens()

	var embedTexts []string
	embedContent := false
	embedContext := false

	if p.Content != nil && *p.Content != a.Content {
		if *p.Content == "" {
			return nil, fmt.Errorf("%w: content cannot be cleared", ErrValidation)
		}
		if err := validateBudget("content", *p.Content, maxTokens); err != nil {
			return nil, err
		}
		a.Content = *p.Content
		embedContent = true
		embedTexts = append(embedTexts, a.Content)
	}

	if p.Context != nil && *p.Context != a.Context {
		if *p.Context == "" {
			a.Context = ""
			a.ContextEmbedding = nil
		} else {
			if err := validateBudget("context", *p.Context, maxTokens); err != nil {
				return nil, err
			}
			a.Context = *p.Context
			embedContext = true
			embedTexts = append(embedTexts, a.Context)
		}
	}

	if len(embedTexts) > 0 {
		vectors, err := s.embedder.EmbedDocuments(ctx, embedTexts)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("%w: re-embedding artifact %s: %v", ErrBackend, id, err))
		}
		i := 0
		if embedContent {
			a.Embedding = vectors[i]
			a.EmbeddingModel = s.embedder.ModelID()
			i++
		}
		if embedContext {
			a.ContextEmbedding = vectors[i]
		}
	}

	a.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	if err := s.store.Update(ctx, a); err != nil {
		return nil, spanErr(span, err)
	}

	s.logger.Info("artifact updated",
		zap.String("id", a.ID),
		zap.Bool("re_embedded", embedContent || embedContext))
	span.SetStatus(codes.Ok, "updated")
	return a, nil
}

// Remove deletes an artifact and reports whether it existed. A missing id
// is a normal false, not an error.
func (s *ArtifactService) Remove(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("artifact removed", zap.String("id", id))
	}
	return deleted, nil
}

// List returns artifacts matching the filter set.
func (s *ArtifactService) List(ctx context.Context, f artifact.Filters) ([]*artifact.Artifact, error) {
	return s.store.List(ctx, f)
}

// Reindex recomputes embeddings for every artifact matching the filters
// with the currently configured model and returns the count processed.
// Embedding runs per artifact; persistence order per artifact is always
// embed first, then store.
func (s *ArtifactService) Reindex(ctx context.Context, f artifact.Filters, target artifact.ReindexTarget) (int, error) {
	ctx, span := tracer.Start(ctx, "ArtifactService.Reindex")
	defer span.End()
	span.SetAttributes(attribute.String("target", string(target)))

	if err := validateTarget(target); err != nil {
		return 0, err
	}

	all, err := s.store.List(ctx, f)
	if err != nil {
		return 0, spanErr(span, err)
	}

	count := 0
	for _, a := range all {
		if err := s.reindexOne(ctx, a, target); err != nil {
			return count, spanErr(span, err)
		}
		count++
	}

	s.logger.Info("reindex complete",
		zap.Int("count", count),
		zap.String("target", string(target)),
		zap.String("model", s.embedder.ModelID()))
	span.SetAttributes(attribute.Int("count", count))
	span.SetStatus(codes.Ok, "reindexed")
	return count, nil
}

// ReindexByID recomputes embeddings for one artifact and returns it, or
// ErrNotFound when the id is absent.
func (s *ArtifactService) ReindexByID(ctx context.Context, id string, target artifact.ReindexTarget) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "ArtifactService.ReindexByID")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id), attribute.String("target", string(target)))

	if err := validateTarget(target); err != nil {
		return nil, err
	}

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.reindexOne(ctx, a, target); err != nil {
		return nil, spanErr(span, err)
	}

	span.SetStatus(codes.Ok, "reindexed")
	return a, nil
}

func (s *ArtifactService) reindexOne(ctx context.Context, a *artifact.Artifact, target artifact.ReindexTarget) error {
	var texts []string
	doContent := target == artifact.ReindexContent || target == artifact.ReindexBoth
	doContext := (target == artifact.ReindexContext || target == artifact.ReindexBoth) && a.Context != ""

	if doContent {
		texts = append(texts, a.Content)
	}
	if doContext {
		texts = append(texts, a.Context)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: re-embedding artifact %s: %v", ErrBackend, a.ID, err)
	}

	i := 0
	if doContent {
		a.Embedding = vectors[i]
		a.EmbeddingModel = s.embedder.ModelID()
		i++
	}
	if doContext {
		a.ContextEmbedding = vectors[i]
	}
	a.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	return s.store.Update(ctx, a)
}

func validateTarget(target artifact.ReindexTarget) error {
	switch target {
	case artifact.ReindexContent, artifact.ReindexContext, artifact.ReindexBoth:
		return nil
	default:
		return fmt.Errorf("%w: invalid reindex target %q (valid: content, context, both)", ErrValidation, target)
	}
}
