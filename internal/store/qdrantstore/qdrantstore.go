// Package qdrantstore implements the store adapter on a remote Qdrant
// server over native gRPC.
//
// Each artifact maps to one point: the content embedding is the "content"
// named vector, the optional context embedding the "context" vector, and
// every other column lives in the payload. Point ids derive
// deterministically from artifact ids so upserts replace in place.
package qdrantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

var tracer = otel.Tracer("truthd.store.qdrantstore")

func init() {
	store.RegisterBackend("qdrant", func(cfg store.Config) (store.Store, error) {
		return New(cfg)
	})
}

var _ store.Store = (*Store)(nil)

const (
	contentVector = "content"
	contextVector = "context"

	defaultSearchLimit = 10
	listPageSize       = 256

	// maxMessageSize bounds gRPC payloads; large embedding batches can
	// exceed the 4 MiB default.
	maxMessageSize = 32 * 1024 * 1024
)

// Store implements store.Store backed by a Qdrant collection.
type Store struct {
	client     *qdrant.Client
	collection string
	dimensions int

	ensureOnce sync.Once
	ensureErr  error
}

// New connects to Qdrant and returns a store for the configured collection.
// The collection itself is created lazily on first write.
func New(cfg store.Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host required", store.ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port: %d", store.ErrInvalidConfig, cfg.Port)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection required", store.ErrInvalidConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrConnectionFailed, err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
	}, nil
}

// ensureCollection creates the collection with both named vectors on first
// use. Safe for concurrent callers.
func (s *Store) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.collection)
		if err != nil {
			s.ensureErr = fmt.Errorf("%w: checking collection: %v", store.ErrConnectionFailed, err)
			return
		}
		if exists {
			return
		}

		params := &qdrant.VectorParams{
			Size:     uint64(s.dimensions),
			Distance: qdrant.Distance_Cosine,
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				contentVector: params,
				contextVector: params,
			}),
		})
		if err != nil {
			s.ensureErr = fmt.Errorf("%w: creating collection: %v", store.ErrBackendFailure, err)
		}
	})
	return s.ensureErr
}

// pointID derives a stable UUID from the artifact id so repeated writes
// address the same point.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// Insert persists a new artifact as one point.
func (s *Store) Insert(ctx context.Context, a *artifact.Artifact) error {
	ctx, span := tracer.Start(ctx, "qdrantstore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", a.ID), attribute.String("collection", s.collection))

	if err := s.ensureCollection(ctx); err != nil {
		return spanErr(span, err)
	}

	point, err := toPoint(a)
	if err != nil {
		return spanErr(span, err)
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	}); err != nil {
		return spanErr(span, fmt.Errorf("%w: upserting point %s: %v", store.ErrBackendFailure, a.ID, err))
	}

	span.SetStatus(codes.Ok, "inserted")
	return nil
}

// Get returns the artifact with the given id, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.Get")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id))

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: getting point %s: %v", store.ErrBackendFailure, id, err))
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	a, err := fromRetrieved(points[0])
	if err != nil {
		return nil, spanErr(span, err)
	}

	span.SetStatus(codes.Ok, "found")
	return a, nil
}

// Update replaces the point for a.ID. Returns store.ErrNotFound when the
// id is absent; the upsert itself replaces the full point.
func (s *Store) Update(ctx context.Context, a *artifact.Artifact) error {
	ctx, span := tracer.Start(ctx, "qdrantstore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", a.ID))

	if _, err := s.Get(ctx, a.ID); err != nil {
		return spanErr(span, err)
	}

	point, err := toPoint(a)
	if err != nil {
		return spanErr(span, err)
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	}); err != nil {
		return spanErr(span, fmt.Errorf("%w: upserting point %s: %v", store.ErrBackendFailure, a.ID, err))
	}

	span.SetStatus(codes.Ok, "updated")
	return nil
}

// Delete removes the point with the given id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.id", id))

	if _, err := s.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, spanErr(span, err)
	}

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointID(id)),
	}); err != nil {
		return false, spanErr(span, fmt.Errorf("%w: deleting point %s: %v", store.ErrBackendFailure, id, err))
	}

	span.SetStatus(codes.Ok, "deleted")
	return true, nil
}

// scrollPage fetches one page of points starting at offset and returns the
// server's cursor for the next page, or nil when the scroll is exhausted.
type scrollPage func(ctx context.Context, offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)

// scrollAll drains a scroll using the server-provided next-page cursor.
// The scroll offset is inclusive, so deriving it from the last id of the
// previous page would repeat that point at the start of the next one.
func scrollAll(ctx context.Context, fetch scrollPage) ([]*qdrant.RetrievedPoint, error) {
	var out []*qdrant.RetrievedPoint
	var offset *qdrant.PointId
	for {
		points, nextOffset, err := fetch(ctx, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, points...)
		if nextOffset == nil {
			return out, nil
		}
		offset = nextOffset
	}
}

// List scrolls all points matching the filter set, newest first.
func (s *Store) List(ctx context.Context, f artifact.Filters) ([]*artifact.Artifact, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.List")
	defer span.End()

	filter := buildFilter(f)

	points, err := scrollAll(ctx, func(ctx context.Context, offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
		return s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(listPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
	})
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: scrolling points: %v", store.ErrBackendFailure, err))
	}

	out := make([]*artifact.Artifact, 0, len(points))
	for _, p := range points {
		a, err := fromRetrieved(p)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "listed")
	return out, nil
}

// Search queries the content vector with the filter set pushed down.
// Qdrant reports cosine similarity; the adapter treats 1-similarity as the
// distance before the 1/(1+d) score conversion.
func (s *Store) Search(ctx context.Context, query []float32, f artifact.Filters) ([]artifact.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.Search")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Using:          qdrant.PtrOf(contentVector),
		Filter:         buildFilter(f),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: querying points: %v", store.ErrBackendFailure, err))
	}

	out := make([]artifact.SearchResult, 0, len(points))
	for _, p := range points {
		a, err := fromScored(p)
		if err != nil {
			return nil, spanErr(span, err)
		}
		distance := 1 - float64(p.Score)
		if distance < 0 {
			distance = 0
		}
		out = append(out, artifact.SearchResult{
			Artifact: a,
			Score:    float32(1.0 / (1.0 + distance)),
		})
	}

	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "searched")
	return out, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func buildFilter(f artifact.Filters) *qdrant.Filter {
	var must []*qdrant.Condition

	if f.Kind != "" {
		must = append(must, qdrant.NewMatch("kind", f.Kind))
	}
	for k, v := range f.Metadata {
		must = append(must, qdrant.NewMatch("metadata."+k, v))
	}
	if f.After != nil || f.Before != nil {
		r := &qdrant.Range{}
		if f.After != nil {
			r.Gte = qdrant.PtrOf(float64(f.After.UnixMilli()))
		}
		if f.Before != nil {
			r.Lt = qdrant.PtrOf(float64(f.Before.UnixMilli()))
		}
		must = append(must, qdrant.NewRange("updated_at", r))
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func toPoint(a *artifact.Artifact) (*qdrant.PointStruct, error) {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling metadata: %v", store.ErrBackendFailure, err)
	}

	meta := map[string]any{}
	for k, v := range a.Metadata {
		meta[k] = v
	}

	payload := map[string]any{
		"id":              a.ID,
		"kind":            a.Kind,
		"content":         a.Content,
		"format":          string(a.Format),
		"metadata":        meta,
		"metadata_json":   string(metaJSON),
		"embedding_model": a.EmbeddingModel,
		"created_at":      a.CreatedAt.UnixMilli(),
		"updated_at":      a.UpdatedAt.UnixMilli(),
	}
	if a.Name != "" {
		payload["name"] = a.Name
	}
	if a.Context != "" {
		payload["context"] = a.Context
	}

	vectors := map[string]*qdrant.Vector{
		contentVector: qdrant.NewVector(a.Embedding...),
	}
	if a.ContextEmbedding != nil {
		vectors[contextVector] = qdrant.NewVector(a.ContextEmbedding...)
	}

	return &qdrant.PointStruct{
		Id:      pointID(a.ID),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(payload),
	}, nil
}

func fromRetrieved(p *qdrant.RetrievedPoint) (*artifact.Artifact, error) {
	return fromPayload(p.Payload, p.Vectors)
}

func fromScored(p *qdrant.ScoredPoint) (*artifact.Artifact, error) {
	return fromPayload(p.Payload, p.Vectors)
}

func fromPayload(payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) (*artifact.Artifact, error) {
	a := &artifact.Artifact{
		ID:             stringField(payload, "id"),
		Kind:           stringField(payload, "kind"),
		Name:           stringField(payload, "name"),
		Content:        stringField(payload, "content"),
		Format:         artifact.Format(stringField(payload, "format")),
		EmbeddingModel: stringField(payload, "embedding_model"),
		Context:        stringField(payload, "context"),
		Metadata:       decodeMetadata(stringField(payload, "metadata_json")),
		CreatedAt:      time.UnixMilli(intField(payload, "created_at")).UTC(),
		UpdatedAt:      time.UnixMilli(intField(payload, "updated_at")).UTC(),
	}

	if a.ID == "" {
		return nil, fmt.Errorf("%w: point payload missing id", store.ErrBackendFailure)
	}

	if named := vectors.GetVectors(); named != nil {
		if v, ok := named.Vectors[contentVector]; ok {
			a.Embedding = v.GetData()
		}
		if v, ok := named.Vectors[contextVector]; ok {
			a.ContextEmbedding = v.GetData()
		}
	}

	return a, nil
}

// decodeMetadata tolerantly decodes the JSON metadata copy. Malformed
// payloads degrade to an empty map rather than failing the read.
func decodeMetadata(raw string) map[string]string {
	m := map[string]string{}
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}

func stringField(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func intField(payload map[string]*qdrant.Value, key string) int64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	return v.GetIntegerValue()
}
