package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/service"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerArtifactTools()
	s.registerSearchTools()
	s.registerReindexTools()
}

// artifactOutput is the wire representation of an artifact. Embeddings are
// deliberately omitted; they are large and useless to a tool caller.
type artifactOutput struct {
	ID             string            `json:"id" jsonschema:"Artifact ID"`
	Kind           string            `json:"kind" jsonschema:"Kind slug"`
	Name           string            `json:"name,omitempty" jsonschema:"Optional name"`
	Content        string            `json:"content" jsonschema:"Artifact content"`
	Format         string            `json:"format" jsonschema:"Content format"`
	Metadata       map[string]string `json:"metadata" jsonschema:"Metadata labels"`
	EmbeddingModel string            `json:"embedding_model" jsonschema:"Model that produced the content embedding"`
	Context        string            `json:"context,omitempty" jsonschema:"Optional retrieval context"`
	CreatedAt      string            `json:"created_at" jsonschema:"Creation time (RFC 3339)"`
	UpdatedAt      string            `json:"updated_at" jsonschema:"Last update time (RFC 3339)"`
}

func toOutput(a *artifact.Artifact) artifactOutput {
	return artifactOutput{
		ID:             a.ID,
		Kind:           a.Kind,
		Name:           a.Name,
		Content:        a.Content,
		Format:         string(a.Format),
		Metadata:       a.Metadata,
		EmbeddingModel: a.EmbeddingModel,
		Context:        a.Context,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// filterInput is the shared filter shape for list, search, and reindex.
type filterInput struct {
	Kind     string            `json:"kind,omitempty" jsonschema:"Exact match on the kind slug"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Metadata labels that must all match"`
	After    string            `json:"after,omitempty" jsonschema:"Inclusive lower bound on update time (RFC 3339)"`
	Before   string            `json:"before,omitempty" jsonschema:"Exclusive upper bound on update time (RFC 3339)"`
	Limit    int               `json:"limit,omitempty" jsonschema:"Maximum results to return"`
}

func (in filterInput) toFilters() (artifact.Filters, error) {
	f := artifact.Filters{Kind: in.Kind, Metadata: in.Metadata, Limit: in.Limit}
	if in.After != "" {
		t, err := time.Parse(time.RFC3339, in.After)
		if err != nil {
			return f, fmt.Errorf("invalid after timestamp: %w", err)
		}
		f.After = &t
	}
	if in.Before != "" {
		t, err := time.Parse(time.RFC3339, in.Before)
		if err != nil {
			return f, fmt.Errorf("invalid before timestamp: %w", err)
		}
		f.Before = &t
	}
	return f, nil
}

// ===== ARTIFACT TOOLS =====

type artifactAddInput struct {
	Kind     string            `json:"kind" jsonschema:"required,Kind slug or display name"`
	Content  string            `json:"content" jsonschema:"required,Artifact content"`
	Format   string            `json:"format,omitempty" jsonschema:"Content format (markdown yaml json openapi text; default markdown)"`
	Name     string            `json:"name,omitempty" jsonschema:"Optional name"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Metadata labels"`
	Context  string            `json:"context,omitempty" jsonschema:"Optional retrieval context"`
}

type artifactGetInput struct {
	ID string `json:"id" jsonschema:"required,Artifact ID"`
}

type artifactUpdateInput struct {
	ID       string            `json:"id" jsonschema:"required,Artifact ID"`
	Content  *string           `json:"content,omitempty" jsonschema:"New content; omit to keep"`
	Name     *string           `json:"name,omitempty" jsonschema:"New name; empty string clears"`
	Kind     *string           `json:"kind,omitempty" jsonschema:"New kind slug"`
	Context  *string           `json:"context,omitempty" jsonschema:"New context; empty string clears"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Metadata updates; empty values remove keys"`
}

type artifactRemoveOutput struct {
	Removed bool `json:"removed" jsonschema:"True if the artifact existed and was removed"`
}

type artifactListOutput struct {
	Artifacts []artifactOutput `json:"artifacts" jsonschema:"Matching artifacts"`
	Count     int              `json:"count" jsonschema:"Number of artifacts returned"`
}

func (s *Server) registerArtifactTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_add",
		Description: "Store a new truth artifact and embed its content",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args artifactAddInput) (*mcp.CallToolResult, artifactOutput, error) {
		format := artifact.FormatMarkdown
		if args.Format != "" {
			var err error
			format, err = artifact.ParseFormat(args.Format)
			if err != nil {
				return nil, artifactOutput{}, err
			}
		}

		a, err := s.artifacts.Add(ctx, service.AddParams{
			Kind:     args.Kind,
			Content:  args.Content,
			Format:   format,
			Name:     args.Name,
			Metadata: args.Metadata,
			Context:  args.Context,
		})
		if err != nil {
			return nil, artifactOutput{}, err
		}

		s.logger.Debug("mcp artifact_add", zap.String("id", a.ID), zap.String("kind", a.Kind))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Artifact stored: %s", a.ID)},
			},
		}, toOutput(a), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_get",
		Description: "Fetch a truth artifact by ID",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args artifactGetInput) (*mcp.CallToolResult, artifactOutput, error) {
		a, err := s.artifacts.Get(ctx, args.ID)
		if err != nil {
			return nil, artifactOutput{}, err
		}
		return nil, toOutput(a), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_update",
		Description: "Update fields of an existing artifact, re-embedding only what changed",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args artifactUpdateInput) (*mcp.CallToolResult, artifactOutput, error) {
		a, err := s.artifacts.Update(ctx, args.ID, service.UpdateParams{
			Content:  args.Content,
			Name:     args.Name,
			Kind:     args.Kind,
			Context:  args.Context,
			Metadata: args.Metadata,
		})
		if err != nil {
			return nil, artifactOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Artifact updated: %s", a.ID)},
			},
		}, toOutput(a), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_remove",
		Description: "Remove an artifact by ID",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args artifactGetInput) (*mcp.CallToolResult, artifactRemoveOutput, error) {
		removed, err := s.artifacts.Remove(ctx, args.ID)
		if err != nil {
			return nil, artifactRemoveOutput{}, err
		}
		return nil, artifactRemoveOutput{Removed: removed}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_list",
		Description: "List artifacts, optionally filtered by kind, metadata, and update time",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args filterInput) (*mcp.CallToolResult, artifactListOutput, error) {
		f, err := args.toFilters()
		if err != nil {
			return nil, artifactListOutput{}, err
		}

		artifacts, err := s.artifacts.List(ctx, f)
		if err != nil {
			return nil, artifactListOutput{}, err
		}

		out := artifactListOutput{Artifacts: make([]artifactOutput, 0, len(artifacts))}
		for _, a := range artifacts {
			out.Artifacts = append(out.Artifacts, toOutput(a))
		}
		out.Count = len(out.Artifacts)
		return nil, out, nil
	})
}

// ===== SEARCH TOOLS =====

type searchInput struct {
	Query    string            `json:"query" jsonschema:"required,Natural-language search query"`
	Kind     string            `json:"kind,omitempty" jsonschema:"Exact match on the kind slug"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Metadata labels that must all match"`
	After    string            `json:"after,omitempty" jsonschema:"Inclusive lower bound on update time (RFC 3339)"`
	Before   string            `json:"before,omitempty" jsonschema:"Exclusive upper bound on update time (RFC 3339)"`
	Limit    int               `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 10)"`
}

type searchResultOutput struct {
	Artifact artifactOutput `json:"artifact" jsonschema:"Matching artifact"`
	Score    float32        `json:"score" jsonschema:"Similarity score in (0, 1]"`
}

type searchOutput struct {
	Results []searchResultOutput `json:"results" jsonschema:"Results ordered by descending score"`
	Count   int                  `json:"count" jsonschema:"Number of results returned"`
}

type consistencyOutput struct {
	Consistent bool     `json:"consistent" jsonschema:"True when every artifact was embedded with the configured model"`
	StaleIDs   []string `json:"stale_ids" jsonschema:"IDs of artifacts embedded with a different model"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_search",
		Description: "Semantic search over artifact content embeddings",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
		f, err := filterInput{
			Kind:     args.Kind,
			Metadata: args.Metadata,
			After:    args.After,
			Before:   args.Before,
			Limit:    args.Limit,
		}.toFilters()
		if err != nil {
			return nil, searchOutput{}, err
		}

		results, err := s.search.Search(ctx, args.Query, f)
		if err != nil {
			return nil, searchOutput{}, err
		}

		out := searchOutput{Results: make([]searchResultOutput, 0, len(results))}
		for _, r := range results {
			out.Results = append(out.Results, searchResultOutput{Artifact: toOutput(r.Artifact), Score: r.Score})
		}
		out.Count = len(out.Results)
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "embedding_consistency_check",
		Description: "Report artifacts whose stored embeddings came from a different model than the configured one",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, consistencyOutput, error) {
		stale, err := s.search.CheckEmbeddingConsistency(ctx)
		if err != nil {
			return nil, consistencyOutput{}, err
		}
		if stale == nil {
			stale = []string{}
		}
		return nil, consistencyOutput{Consistent: len(stale) == 0, StaleIDs: stale}, nil
	})
}

// ===== REINDEX TOOLS =====

type reindexInput struct {
	Target   string            `json:"target,omitempty" jsonschema:"Which embeddings to regenerate: content context or both (default: content)"`
	Kind     string            `json:"kind,omitempty" jsonschema:"Only reindex artifacts of this kind"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Only reindex artifacts matching these labels"`
}

type reindexOutput struct {
	Count int `json:"count" jsonschema:"Number of artifacts reindexed"`
}

type reindexByIDInput struct {
	ID     string `json:"id" jsonschema:"required,Artifact ID"`
	Target string `json:"target,omitempty" jsonschema:"Which embeddings to regenerate: content context or both (default: content)"`
}

func target(raw string) artifact.ReindexTarget {
	if raw == "" {
		return artifact.ReindexContent
	}
	return artifact.ReindexTarget(raw)
}

func (s *Server) registerReindexTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_reindex",
		Description: "Regenerate embeddings for all artifacts matching a filter",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args reindexInput) (*mcp.CallToolResult, reindexOutput, error) {
		count, err := s.artifacts.Reindex(ctx, artifact.Filters{
			Kind:     args.Kind,
			Metadata: args.Metadata,
		}, target(args.Target))
		if err != nil {
			return nil, reindexOutput{}, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Reindexed %d artifacts", count)},
			},
		}, reindexOutput{Count: count}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_reindex_by_id",
		Description: "Regenerate embeddings for one artifact",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args reindexByIDInput) (*mcp.CallToolResult, artifactOutput, error) {
		a, err := s.artifacts.ReindexByID(ctx, args.ID, target(args.Target))
		if err != nil {
			return nil, artifactOutput{}, err
		}
		return nil, toOutput(a), nil
	})
}
