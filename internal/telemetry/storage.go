package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

const storeScopeName = "github.com/jpicklyk/task-orchestrator/internal/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in torc.store.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner     storage.Store
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	roleGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("torc.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("torc.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("torc.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	roleGauge, _ := m.Int64Gauge("torc.item.count",
		metric.WithDescription("Work items by role under the last Overview scope"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    Tracer(storeScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		roleGauge: roleGauge,
	}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Item reads ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetItem(ctx context.Context, id string) (*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", id)}
	ctx, span, t := s.op(ctx, "GetItem", attrs...)
	v, err := s.inner.GetItem(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetItems(ctx context.Context, ids []string) ([]*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.Int("torc.item.count", len(ids))}
	ctx, span, t := s.op(ctx, "GetItems", attrs...)
	v, err := s.inner.GetItems(ctx, ids)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", parentID)}
	ctx, span, t := s.op(ctx, "GetChildren", attrs...)
	v, err := s.inner.GetChildren(ctx, parentID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetDescendants(ctx context.Context, rootID string) ([]*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", rootID)}
	ctx, span, t := s.op(ctx, "GetDescendants", attrs...)
	v, err := s.inner.GetDescendants(ctx, rootID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SearchItems(ctx context.Context, filter types.ItemFilter, sort types.Sort, limit, offset int) ([]*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.Int("torc.query.limit", limit)}
	ctx, span, t := s.op(ctx, "SearchItems", attrs...)
	v, err := s.inner.SearchItems(ctx, filter, sort, limit, offset)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Overview(ctx context.Context, itemID string) (*storage.OverviewResult, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", itemID)}
	ctx, span, t := s.op(ctx, "Overview", attrs...)
	v, err := s.inner.Overview(ctx, itemID)
	s.done(ctx, span, t, err, attrs...)
	if err == nil && v != nil {
		// Record current item counts as gauge snapshots, broken down by role.
		roleAttr := func(role string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("role", role))
		}
		s.roleGauge.Record(ctx, int64(v.Counts.Queue), roleAttr("queue"))
		s.roleGauge.Record(ctx, int64(v.Counts.Work), roleAttr("work"))
		s.roleGauge.Record(ctx, int64(v.Counts.Review), roleAttr("review"))
		s.roleGauge.Record(ctx, int64(v.Counts.Blocked), roleAttr("blocked"))
		s.roleGauge.Record(ctx, int64(v.Counts.Terminal), roleAttr("terminal"))
	}
	return v, err
}

// ── Note reads ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetNote(ctx context.Context, id string) (*types.Note, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.note.id", id)}
	ctx, span, t := s.op(ctx, "GetNote", attrs...)
	v, err := s.inner.GetNote(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetNoteByKey(ctx context.Context, itemID, key string) (*types.Note, error) {
	attrs := []attribute.KeyValue{
		attribute.String("torc.item.id", itemID),
		attribute.String("torc.note.key", key),
	}
	ctx, span, t := s.op(ctx, "GetNoteByKey", attrs...)
	v, err := s.inner.GetNoteByKey(ctx, itemID, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error) {
	ctx, span, t := s.op(ctx, "ListNotes")
	v, err := s.inner.ListNotes(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Dependency reads ─────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetDependency(ctx context.Context, id string) (*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.dep.id", id)}
	ctx, span, t := s.op(ctx, "GetDependency", attrs...)
	v, err := s.inner.GetDependency(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) EdgesTouching(ctx context.Context, itemID string) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", itemID)}
	ctx, span, t := s.op(ctx, "EdgesTouching", attrs...)
	v, err := s.inner.EdgesTouching(ctx, itemID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) AllEdges(ctx context.Context) ([]*types.Dependency, error) {
	ctx, span, t := s.op(ctx, "AllEdges")
	v, err := s.inner.AllEdges(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transition log reads ─────────────────────────────────────────────────────

func (s *InstrumentedStore) TransitionsForItem(ctx context.Context, itemID string, limit int) ([]*types.TransitionRecord, error) {
	attrs := []attribute.KeyValue{attribute.String("torc.item.id", itemID)}
	ctx, span, t := s.op(ctx, "TransitionsForItem", attrs...)
	v, err := s.inner.TransitionsForItem(ctx, itemID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) TransitionsSince(ctx context.Context, since time.Time, limit int) ([]*types.TransitionRecord, error) {
	ctx, span, t := s.op(ctx, "TransitionsSince")
	v, err := s.inner.TransitionsSince(ctx, since, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ItemsChangedSince(ctx context.Context, since time.Time) ([]*types.WorkItem, error) {
	ctx, span, t := s.op(ctx, "ItemsChangedSince")
	v, err := s.inner.ItemsChangedSince(ctx, since)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
