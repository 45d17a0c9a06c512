// Package httpapi provides the REST surface for truthd.
//
// Handlers are thin dispatchers over the service API: they parse the
// request, call one service operation, and map the error taxonomy onto
// HTTP status codes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/service"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// Server provides HTTP endpoints for truthd.
type Server struct {
	echo      *echo.Echo
	artifacts *service.ArtifactService
	search    *service.SearchService
	store     store.Store
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the REST server.
func NewServer(artifacts *service.ArtifactService, search *service.SearchService, st store.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if artifacts == nil || search == nil || st == nil {
		return nil, fmt.Errorf("services and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8970}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		artifacts: artifacts,
		search:    search,
		store:     st,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/artifacts", s.handleAdd)
	v1.GET("/artifacts", s.handleList)
	v1.GET("/artifacts/:id", s.handleGet)
	v1.PATCH("/artifacts/:id", s.handleUpdate)
	v1.DELETE("/artifacts/:id", s.handleRemove)
	v1.POST("/artifacts/:id/reindex", s.handleReindexByID)
	v1.GET("/artifacts/:id/versions/:version", s.handleGetAtVersion)

	v1.POST("/search", s.handleSearch)
	v1.POST("/reindex", s.handleReindex)
	v1.GET("/consistency", s.handleConsistency)

	v1.GET("/version", s.handleVersion)
	v1.GET("/versions", s.handleVersions)
	v1.POST("/snapshot", s.handleSnapshot)
	v1.POST("/compact", s.handleCompact)
	v1.POST("/cleanup", s.handleCleanup)
}

// httpError maps the service error taxonomy to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, store.ErrVersionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// AddRequest is the request body for POST /api/v1/artifacts.
type AddRequest struct {
	Kind     string            `json:"kind"`
	Content  string            `json:"content"`
	Format   string            `json:"format,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Context  string            `json:"context,omitempty"`
}

func (s *Server) handleAdd(c echo.Context) error {
	var req AddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	format := artifact.FormatMarkdown
	if req.Format != "" {
		var err error
		format, err = artifact.ParseFormat(req.Format)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	a, err := s.artifacts.Add(c.Request().Context(), service.AddParams{
		Kind:     req.Kind,
		Content:  req.Content,
		Format:   format,
		Name:     req.Name,
		Metadata: req.Metadata,
		Context:  req.Context,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) handleGet(c echo.Context) error {
	a, err := s.artifacts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// UpdateRequest is the request body for PATCH /api/v1/artifacts/:id.
// Absent fields are untouched; explicit empty strings clear name/context.
type UpdateRequest struct {
	Content  *string           `json:"content,omitempty"`
	Name     *string           `json:"name,omitempty"`
	Kind     *string           `json:"kind,omitempty"`
	Context  *string           `json:"context,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleUpdate(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := s.artifacts.Update(c.Request().Context(), c.Param("id"), service.UpdateParams{
		Content:  req.Content,
		Name:     req.Name,
		Kind:     req.Kind,
		Context:  req.Context,
		Metadata: req.Metadata,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleRemove(c echo.Context) error {
	deleted, err := s.artifacts.Remove(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// parseFilters reads the shared filter query parameters: kind, after,
// before (RFC 3339), limit, and repeated meta=key:value pairs.
func parseFilters(c echo.Context) (artifact.Filters, error) {
	var f artifact.Filters
	f.Kind = c.QueryParam("kind")

	if v := c.QueryParam("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid after timestamp: %v", err)
		}
		f.After = &t
	}
	if v := c.QueryParam("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid before timestamp: %v", err)
		}
		f.Before = &t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit: %q", v)
		}
		f.Limit = n
	}
	for _, pair := range c.QueryParams()["meta"] {
		k, v, ok := cutPair(pair)
		if !ok {
			return f, fmt.Errorf("invalid meta filter %q, want key:value", pair)
		}
		if f.Metadata == nil {
			f.Metadata = map[string]string{}
		}
		f.Metadata[k] = v
	}
	return f, nil
}

func cutPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func (s *Server) handleList(c echo.Context) error {
	f, err := parseFilters(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out, err := s.artifacts.List(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if out == nil {
		out = []*artifact.Artifact{}
	}
	return c.JSON(http.StatusOK, out)
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	Query    string            `json:"query"`
	Kind     string            `json:"kind,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	After    *time.Time        `json:"after,omitempty"`
	Before   *time.Time        `json:"before,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.search.Search(c.Request().Context(), req.Query, artifact.Filters{
		Kind:     req.Kind,
		Metadata: req.Metadata,
		After:    req.After,
		Before:   req.Before,
		Limit:    req.Limit,
	})
	if err != nil {
		return httpError(err)
	}
	if results == nil {
		results = []artifact.SearchResult{}
	}
	return c.JSON(http.StatusOK, results)
}

// ReindexRequest is the request body for POST /api/v1/reindex.
type ReindexRequest struct {
	Target   string            `json:"target,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ReindexResponse reports a bulk reindex outcome.
type ReindexResponse struct {
	Count int `json:"count"`
}

func reindexTarget(raw string) artifact.ReindexTarget {
	if raw == "" {
		return artifact.ReindexContent
	}
	return artifact.ReindexTarget(raw)
}

func (s *Server) handleReindex(c echo.Context) error {
	var req ReindexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	count, err := s.artifacts.Reindex(c.Request().Context(), artifact.Filters{
		Kind:     req.Kind,
		Metadata: req.Metadata,
	}, reindexTarget(req.Target))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ReindexResponse{Count: count})
}

func (s *Server) handleReindexByID(c echo.Context) error {
	var req ReindexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := s.artifacts.ReindexByID(c.Request().Context(), c.Param("id"), reindexTarget(req.Target))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// ConsistencyResponse lists artifacts embedded with a different model than
// the currently configured one.
type ConsistencyResponse struct {
	Consistent bool     `json:"consistent"`
	StaleIDs   []string `json:"stale_ids"`
}

func (s *Server) handleConsistency(c echo.Context) error {
	stale, err := s.search.CheckEmbeddingConsistency(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if stale == nil {
		stale = []string{}
	}
	return c.JSON(http.StatusOK, ConsistencyResponse{Consistent: len(stale) == 0, StaleIDs: stale})
}

// VersionResponse is the response body for GET /api/v1/version.
type VersionResponse struct {
	Version int64 `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	v, err := s.store.Version(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, VersionResponse{Version: v})
}

func (s *Server) handleVersions(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	versions, err := s.store.ListVersions(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	if versions == nil {
		versions = []store.VersionInfo{}
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	snapshotter, ok := s.store.(store.Snapshotter)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "backend does not support snapshots")
	}

	info, err := snapshotter.Snapshot(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) handleGetAtVersion(c echo.Context) error {
	reader, ok := s.store.(store.VersionReader)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "backend does not support versioned reads")
	}

	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}

	a, err := reader.GetAtVersion(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleCompact(c echo.Context) error {
	stats, err := s.store.Compact(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// CleanupRequest is the request body for POST /api/v1/cleanup.
type CleanupRequest struct {
	Keep int `json:"keep"`
}

func (s *Server) handleCleanup(c echo.Context) error {
	var req CleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Keep <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "keep must be positive")
	}

	stats, err := s.store.CleanupVersions(c.Request().Context(), req.Keep)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
