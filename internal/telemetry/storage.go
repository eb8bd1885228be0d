package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

const storageScopeName = "github.com/labelforge/labeld/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in labeld.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("labeld.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("labeld.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("labeld.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
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

func tenantAttr(tenantID string) attribute.KeyValue {
	return attribute.String("labeld.tenant", tenantID)
}

// ── Schemas ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateSchema(ctx context.Context, schema *types.Schema) error {
	attrs := []attribute.KeyValue{tenantAttr(schema.TenantID)}
	ctx, span, t := s.op(ctx, "CreateSchema", attrs...)
	err := s.inner.CreateSchema(ctx, schema)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetSchema(ctx context.Context, tenantID, id string) (*types.Schema, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetSchema", attrs...)
	v, err := s.inner.GetSchema(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Schema versions ─────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	attrs := []attribute.KeyValue{tenantAttr(v.TenantID), attribute.Int("labeld.schema.version", v.Version)}
	ctx, span, t := s.op(ctx, "CreateSchemaVersion", attrs...)
	err := s.inner.CreateSchemaVersion(ctx, v)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetSchemaVersion(ctx context.Context, tenantID, id string) (*types.SchemaVersion, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetSchemaVersion", attrs...)
	v, err := s.inner.GetSchemaVersion(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	attrs := []attribute.KeyValue{tenantAttr(v.TenantID)}
	ctx, span, t := s.op(ctx, "UpdateSchemaVersion", attrs...)
	err := s.inner.UpdateSchemaVersion(ctx, v)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Queues ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateQueue(ctx context.Context, q *types.Queue) error {
	attrs := []attribute.KeyValue{tenantAttr(q.TenantID), attribute.String("labeld.policy", q.Policy.Name)}
	ctx, span, t := s.op(ctx, "CreateQueue", attrs...)
	err := s.inner.CreateQueue(ctx, q)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetQueue(ctx context.Context, tenantID, id string) (*types.Queue, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetQueue", attrs...)
	v, err := s.inner.GetQueue(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateQueue(ctx context.Context, q *types.Queue) error {
	attrs := []attribute.KeyValue{tenantAttr(q.TenantID)}
	ctx, span, t := s.op(ctx, "UpdateQueue", attrs...)
	err := s.inner.UpdateQueue(ctx, q)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) QueueStats(ctx context.Context, tenantID, queueID string) (*types.QueueStats, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID), attribute.String("labeld.queue", queueID)}
	ctx, span, t := s.op(ctx, "QueueStats", attrs...)
	v, err := s.inner.QueueStats(ctx, tenantID, queueID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Sample refs ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateSampleRef(ctx context.Context, sr *types.SampleRef) error {
	attrs := []attribute.KeyValue{tenantAttr(sr.TenantID)}
	ctx, span, t := s.op(ctx, "CreateSampleRef", attrs...)
	err := s.inner.CreateSampleRef(ctx, sr)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetSampleRef(ctx context.Context, tenantID, id string) (*types.SampleRef, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetSampleRef", attrs...)
	v, err := s.inner.GetSampleRef(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListQueueSamples(ctx context.Context, tenantID, queueID string) ([]*types.SampleRef, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID), attribute.String("labeld.queue", queueID)}
	ctx, span, t := s.op(ctx, "ListQueueSamples", attrs...)
	v, err := s.inner.ListQueueSamples(ctx, tenantID, queueID)
	if err == nil {
		span.SetAttributes(attribute.Int("labeld.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Labelers ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateLabeler(ctx context.Context, l *types.Labeler) error {
	attrs := []attribute.KeyValue{tenantAttr(l.TenantID)}
	ctx, span, t := s.op(ctx, "CreateLabeler", attrs...)
	err := s.inner.CreateLabeler(ctx, l)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetLabeler(ctx context.Context, tenantID, id string) (*types.Labeler, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetLabeler", attrs...)
	v, err := s.inner.GetLabeler(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetLabelerByExternalID(ctx context.Context, tenantID, externalID string) (*types.Labeler, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetLabelerByExternalID", attrs...)
	v, err := s.inner.GetLabelerByExternalID(ctx, tenantID, externalID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateLabeler(ctx context.Context, l *types.Labeler) error {
	attrs := []attribute.KeyValue{tenantAttr(l.TenantID)}
	ctx, span, t := s.op(ctx, "UpdateLabeler", attrs...)
	err := s.inner.UpdateLabeler(ctx, l)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListLabelers(ctx context.Context, tenantID string) ([]*types.Labeler, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "ListLabelers", attrs...)
	v, err := s.inner.ListLabelers(ctx, tenantID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Assignments ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	attrs := []attribute.KeyValue{tenantAttr(a.TenantID), attribute.String("labeld.queue", a.QueueID)}
	ctx, span, t := s.op(ctx, "CreateAssignment", attrs...)
	err := s.inner.CreateAssignment(ctx, a)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetAssignment(ctx context.Context, tenantID, id string) (*types.Assignment, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetAssignment", attrs...)
	v, err := s.inner.GetAssignment(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateAssignment(ctx context.Context, a *types.Assignment) error {
	attrs := []attribute.KeyValue{
		tenantAttr(a.TenantID),
		attribute.String("labeld.assignment.status", string(a.Status)),
	}
	ctx, span, t := s.op(ctx, "UpdateAssignment", attrs...)
	err := s.inner.UpdateAssignment(ctx, a)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListAssignments(ctx context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "ListAssignments", attrs...)
	v, err := s.inner.ListAssignments(ctx, tenantID, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("labeld.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountActiveAssignments(ctx context.Context, tenantID, labelerID string) (int, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "CountActiveAssignments", attrs...)
	v, err := s.inner.CountActiveAssignments(ctx, tenantID, labelerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*types.Assignment, error) {
	ctx, span, t := s.op(ctx, "ExpiredReservations")
	v, err := s.inner.ExpiredReservations(ctx, now, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("labeld.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Labels ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateLabel(ctx context.Context, l *types.Label) error {
	attrs := []attribute.KeyValue{tenantAttr(l.TenantID), attribute.String("labeld.queue", l.QueueID)}
	ctx, span, t := s.op(ctx, "CreateLabel", attrs...)
	err := s.inner.CreateLabel(ctx, l)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetLabel(ctx context.Context, tenantID, id string) (*types.Label, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "GetLabel", attrs...)
	v, err := s.inner.GetLabel(ctx, tenantID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListLabels(ctx context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "ListLabels", attrs...)
	v, err := s.inner.ListLabels(ctx, tenantID, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("labeld.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SampleLabelCounts(ctx context.Context, tenantID, queueID string) (map[string]int, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID), attribute.String("labeld.queue", queueID)}
	ctx, span, t := s.op(ctx, "SampleLabelCounts", attrs...)
	v, err := s.inner.SampleLabelCounts(ctx, tenantID, queueID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SamplesLabeledBy(ctx context.Context, tenantID, queueID, labelerID string) (map[string]bool, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID), attribute.String("labeld.queue", queueID)}
	ctx, span, t := s.op(ctx, "SamplesLabeledBy", attrs...)
	v, err := s.inner.SamplesLabeledBy(ctx, tenantID, queueID, labelerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SamplesWithMinLabels(ctx context.Context, tenantID, queueID string, min int) ([]string, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID), attribute.Int("labeld.min", min)}
	ctx, span, t := s.op(ctx, "SamplesWithMinLabels", attrs...)
	v, err := s.inner.SamplesWithMinLabels(ctx, tenantID, queueID, min)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateLabelPayload(ctx context.Context, tenantID, labelID string, payload map[string]any) error {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "UpdateLabelPayload", attrs...)
	err := s.inner.UpdateLabelPayload(ctx, tenantID, labelID, payload)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) SoftDeleteLabel(ctx context.Context, tenantID, labelID string, at time.Time) error {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "SoftDeleteLabel", attrs...)
	err := s.inner.SoftDeleteLabel(ctx, tenantID, labelID, at)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) HardDeleteLabel(ctx context.Context, tenantID, labelID string) error {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "HardDeleteLabel", attrs...)
	err := s.inner.HardDeleteLabel(ctx, tenantID, labelID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Audit ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	attrs := []attribute.KeyValue{
		tenantAttr(e.TenantID),
		attribute.String("labeld.audit.action", string(e.Action)),
	}
	ctx, span, t := s.op(ctx, "AppendAudit", attrs...)
	err := s.inner.AppendAudit(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListAudit(ctx context.Context, tenantID, entityID string, limit int) ([]*types.AuditEntry, error) {
	attrs := []attribute.KeyValue{tenantAttr(tenantID)}
	ctx, span, t := s.op(ctx, "ListAudit", attrs...)
	v, err := s.inner.ListAudit(ctx, tenantID, entityID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span, t := s.op(ctx, "DeleteAuditBefore")
	v, err := s.inner.DeleteAuditBefore(ctx, cutoff)
	if err == nil {
		span.SetAttributes(attribute.Int("labeld.deleted", v))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTx")
	err := s.inner.RunInTx(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
