// Package traffic buffers downstream and upstream request records and
// batch-flushes them to storage.
package traffic

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	queueSize  = 1024
	batchSize  = 64
	flushEvery = 2 * time.Second
	drainTime  = 10 * time.Second
)

// Store is the persistence interface consumed by Recorder.
type Store interface {
	InsertDownstream(ctx context.Context, recs []relay.DownstreamTraffic) error
	InsertUpstream(ctx context.Context, recs []relay.UpstreamTraffic) error
}

// Recorder buffers traffic records and batch-flushes them to the store.
// Records are dropped if a queue is full (back-pressure on slow DB); drops
// are observable via the traffic_records_dropped_total counter.
type Recorder struct {
	down    chan relay.DownstreamTraffic
	up      chan relay.UpstreamTraffic
	store   Store
	metrics *telemetry.Metrics
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store Store, metrics *telemetry.Metrics) *Recorder {
	return &Recorder{
		down:    make(chan relay.DownstreamTraffic, queueSize),
		up:      make(chan relay.UpstreamTraffic, queueSize),
		store:   store,
		metrics: metrics,
	}
}

// RecordDownstream enqueues a downstream record. It never blocks.
func (r *Recorder) RecordDownstream(rec relay.DownstreamTraffic) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.down <- rec:
		r.metrics.TrafficQueueLength.WithLabelValues("downstream").Set(float64(len(r.down)))
	default:
		r.metrics.TrafficDropped.WithLabelValues("downstream").Inc()
		slog.Warn("downstream traffic record dropped, queue full")
	}
}

// RecordUpstream enqueues an upstream attempt record. It never blocks.
func (r *Recorder) RecordUpstream(rec relay.UpstreamTraffic) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.up <- rec:
		r.metrics.TrafficQueueLength.WithLabelValues("upstream").Set(float64(len(r.up)))
	default:
		r.metrics.TrafficDropped.WithLabelValues("upstream").Inc()
		slog.Warn("upstream traffic record dropped, queue full")
	}
}

// Run processes records until ctx is cancelled, then drains what remains.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	downBuf := make([]relay.DownstreamTraffic, 0, batchSize)
	upBuf := make([]relay.UpstreamTraffic, 0, batchSize)

	for {
		select {
		case rec := <-r.down:
			downBuf = append(downBuf, rec)
			if len(downBuf) >= batchSize {
				r.flushDownstream(ctx, downBuf)
				downBuf = downBuf[:0]
			}

		case rec := <-r.up:
			upBuf = append(upBuf, rec)
			if len(upBuf) >= batchSize {
				r.flushUpstream(ctx, upBuf)
				upBuf = upBuf[:0]
			}

		case <-ticker.C:
			if len(downBuf) > 0 {
				r.flushDownstream(ctx, downBuf)
				downBuf = downBuf[:0]
			}
			if len(upBuf) > 0 {
				r.flushUpstream(ctx, upBuf)
				upBuf = upBuf[:0]
			}

		case <-ctx.Done():
			r.drain(downBuf, upBuf)
			return nil
		}
	}
}

// drain empties both queues with a bounded timeout after shutdown.
func (r *Recorder) drain(downBuf []relay.DownstreamTraffic, upBuf []relay.UpstreamTraffic) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.down:
			downBuf = append(downBuf, rec)
			if len(downBuf) >= batchSize {
				r.flushDownstream(ctx, downBuf)
				downBuf = downBuf[:0]
			}
		case rec := <-r.up:
			upBuf = append(upBuf, rec)
			if len(upBuf) >= batchSize {
				r.flushUpstream(ctx, upBuf)
				upBuf = upBuf[:0]
			}
		default:
			if len(downBuf) > 0 {
				r.flushDownstream(ctx, downBuf)
			}
			if len(upBuf) > 0 {
				r.flushUpstream(ctx, upBuf)
			}
			return
		}
	}
}

func (r *Recorder) flushDownstream(ctx context.Context, buf []relay.DownstreamTraffic) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]relay.DownstreamTraffic, len(buf))
	copy(batch, buf)

	if err := r.store.InsertDownstream(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "downstream traffic flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) flushUpstream(ctx context.Context, buf []relay.UpstreamTraffic) {
	batch := make([]relay.UpstreamTraffic, len(buf))
	copy(batch, buf)

	if err := r.store.InsertUpstream(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "upstream traffic flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
