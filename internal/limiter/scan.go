package limiter

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRegionUnavailable means the chunk was not loaded when the scan
	// started or was unloaded while it ran.
	ErrRegionUnavailable = errors.New("limiter: region not loaded")
	// ErrHostUnavailable means the host cannot serve scans (missing or
	// shutting down).
	ErrHostUnavailable = errors.New("limiter: host unavailable")
)

var tracer = otel.Tracer("chunkcap.limiter")

// Host is the world-side capability a scan reads from.
type Host interface {
	IsRegionLoaded(k RegionKey) bool
	// EnumerateOccupied calls fn once per non-air position in k. It returns
	// ErrRegionUnavailable if k is not loaded or gets unloaded mid-walk.
	EnumerateOccupied(ctx context.Context, k RegionKey, fn func(Category) error) error
}

type ScanKind string

const (
	ScanInitial   ScanKind = "initial"
	ScanReconcile ScanKind = "reconcile"
)

// ScanTask tallies one chunk into a private table. It never touches the
// CounterStore; publishing is up to the caller.
type ScanTask struct {
	Region RegionKey
	Kind   ScanKind
	Host   Host
}

func (t ScanTask) Run(ctx context.Context) (*RegionCounterTable, error) {
	if t.Host == nil {
		return nil, ErrHostUnavailable
	}
	ctx, span := tracer.Start(ctx, "limiter.scan", trace.WithAttributes(
		attribute.Int("chunk.cx", t.Region.CX),
		attribute.Int("chunk.cz", t.Region.CZ),
		attribute.String("scan.kind", string(t.Kind)),
	))
	defer span.End()

	if !t.Host.IsRegionLoaded(t.Region) {
		span.SetStatus(codes.Error, "region not loaded")
		return nil, ErrRegionUnavailable
	}

	counts := map[Category]int64{}
	var occupied int64
	err := t.Host.EnumerateOccupied(ctx, t.Region, func(c Category) error {
		if c == Air {
			return nil
		}
		counts[c]++
		occupied++
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("scan.occupied", occupied),
		attribute.Int("scan.categories", len(counts)),
	)
	return newTableFromCounts(counts), nil
}
