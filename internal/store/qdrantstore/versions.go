package qdrantstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/truthd/internal/store"
)

// Versioning passes through to Qdrant's collection snapshot API. Versions
// are ordinals over the snapshot list sorted by creation time; the engine
// names snapshots itself, so the ordinal mapping is recomputed per call.

var _ store.Snapshotter = (*Store)(nil)

type snapshotRecord struct {
	store.VersionInfo
	name string
	size int64
}

func (s *Store) snapshotRecords(ctx context.Context) ([]snapshotRecord, error) {
	descs, err := s.client.ListSnapshots(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshots: %v", store.ErrBackendFailure, err)
	}

	out := make([]snapshotRecord, 0, len(descs))
	for _, d := range descs {
		var ts time.Time
		if d.CreationTime != nil {
			ts = d.CreationTime.AsTime().UTC()
		}
		out = append(out, snapshotRecord{
			VersionInfo: store.VersionInfo{Timestamp: ts},
			name:        d.GetName(),
			size:        d.GetSize(),
		})
	}

	// Oldest first, then assign ordinals.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	for i := range out {
		out[i].Version = int64(i + 1)
	}
	return out, nil
}

// Version returns the newest snapshot ordinal, or zero when no snapshot
// has been taken.
func (s *Store) Version(ctx context.Context) (int64, error) {
	records, err := s.snapshotRecords(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Version, nil
}

// Snapshot asks Qdrant to snapshot the collection and returns its record.
func (s *Store) Snapshot(ctx context.Context) (*store.VersionInfo, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.Snapshot")
	defer span.End()

	if err := s.ensureCollection(ctx); err != nil {
		return nil, spanErr(span, err)
	}

	desc, err := s.client.CreateSnapshot(ctx, s.collection)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: creating snapshot: %v", store.ErrBackendFailure, err))
	}

	records, err := s.snapshotRecords(ctx)
	if err != nil {
		return nil, spanErr(span, err)
	}
	for _, r := range records {
		if r.name == desc.GetName() {
			span.SetAttributes(attribute.Int64("version", r.Version))
			span.SetStatus(codes.Ok, "snapshot taken")
			info := r.VersionInfo
			return &info, nil
		}
	}

	return nil, spanErr(span, fmt.Errorf("%w: snapshot %s not listed after creation", store.ErrBackendFailure, desc.GetName()))
}

// ListVersions returns snapshot records, newest first.
func (s *Store) ListVersions(ctx context.Context, limit int) ([]store.VersionInfo, error) {
	records, err := s.snapshotRecords(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]store.VersionInfo, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i].VersionInfo)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Compact nudges Qdrant's optimizer toward merging segments. The engine
// owns the actual work and reports no byte counts, so the stats carry the
// segment count that was eligible for merging.
func (s *Store) Compact(ctx context.Context) (*store.CompactStats, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.Compact")
	defer span.End()

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: reading collection info: %v", store.ErrBackendFailure, err))
	}
	segments := int(info.GetSegmentsCount())

	err = s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: s.collection,
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			DefaultSegmentNumber: qdrant.PtrOf(uint64(1)),
		},
	})
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: updating optimizer config: %v", store.ErrBackendFailure, err))
	}

	span.SetAttributes(attribute.Int("segments", segments))
	span.SetStatus(codes.Ok, "compaction requested")
	return &store.CompactStats{FilesMerged: segments, BytesSaved: 0}, nil
}

// CleanupVersions deletes old snapshots, keeping the newest keep.
func (s *Store) CleanupVersions(ctx context.Context, keep int) (*store.CleanupStats, error) {
	ctx, span := tracer.Start(ctx, "qdrantstore.CleanupVersions")
	defer span.End()
	span.SetAttributes(attribute.Int("keep", keep))

	if keep < 0 {
		keep = 0
	}

	records, err := s.snapshotRecords(ctx)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if len(records) <= keep {
		span.SetStatus(codes.Ok, "nothing to remove")
		return &store.CleanupStats{}, nil
	}

	stats := &store.CleanupStats{}
	for _, r := range records[:len(records)-keep] {
		if err := s.client.DeleteSnapshot(ctx, s.collection, r.name); err != nil {
			return stats, spanErr(span, fmt.Errorf("%w: deleting snapshot %s: %v", store.ErrBackendFailure, r.name, err))
		}
		stats.VersionsRemoved++
		stats.BytesFreed += r.size
	}

	span.SetAttributes(attribute.Int("versions_removed", stats.VersionsRemoved))
	span.SetStatus(codes.Ok, "cleaned up")
	return stats, nil
}
