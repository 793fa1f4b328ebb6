package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Audit log semantic attributes.
var (
	AttrChainID   = attribute.Key("apofasi.chain.id")
	AttrEventType = attribute.Key("apofasi.event.type")
	AttrSeq       = attribute.Key("apofasi.record.seq")
	AttrPosition  = attribute.Key("apofasi.verify.position")
	AttrReason    = attribute.Key("apofasi.verify.reason")
	AttrValid     = attribute.Key("apofasi.verify.valid")
	AttrAttempt   = attribute.Key("apofasi.append.attempt")
)

type auditMetrics struct {
	appends         metric.Int64Counter
	verifications   metric.Int64Counter
	integrityAlerts metric.Int64Counter
	conflicts       metric.Int64Counter
}

func (m *auditMetrics) init(meter metric.Meter) error {
	var err error
	m.appends, err = meter.Int64Counter("apofasi.appends.total",
		metric.WithDescription("Records appended to a chain"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}
	m.verifications, err = meter.Int64Counter("apofasi.verifications.total",
		metric.WithDescription("Chain verifications run"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return err
	}
	m.integrityAlerts, err = meter.Int64Counter("apofasi.integrity_alerts.total",
		metric.WithDescription("Verifications that found a broken chain"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}
	m.conflicts, err = meter.Int64Counter("apofasi.append_conflicts.total",
		metric.WithDescription("Appends that lost the race for the chain tail"),
		metric.WithUnit("{conflict}"),
	)
	return err
}

// AppendOperation creates attributes for an append.
func AppendOperation(chainID, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrChainID.String(chainID),
		AttrEventType.String(eventType),
	}
}

// VerifyOperation creates attributes for a verification.
func VerifyOperation(chainID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrChainID.String(chainID)}
}

// RecordAppend counts a successful append.
func (p *Provider) RecordAppend(ctx context.Context, chainID, eventType string) {
	if p == nil || p.audit.appends == nil {
		return
	}
	p.audit.appends.Add(ctx, 1, metric.WithAttributes(AppendOperation(chainID, eventType)...))
}

// RecordConflict counts an append that found the tail moved.
func (p *Provider) RecordConflict(ctx context.Context, chainID string, attempt int) {
	if p == nil || p.audit.conflicts == nil {
		return
	}
	p.audit.conflicts.Add(ctx, 1, metric.WithAttributes(
		AttrChainID.String(chainID),
		AttrAttempt.Int(attempt),
	))
}

// RecordVerification counts a finished verification.
func (p *Provider) RecordVerification(ctx context.Context, chainID string, valid bool) {
	if p == nil || p.audit.verifications == nil {
		return
	}
	p.audit.verifications.Add(ctx, 1, metric.WithAttributes(
		AttrChainID.String(chainID),
		AttrValid.Bool(valid),
	))
}

// RecordIntegrityAlert counts a broken chain and marks the current span.
func (p *Provider) RecordIntegrityAlert(ctx context.Context, chainID string, position int, reason string) {
	attrs := []attribute.KeyValue{
		AttrChainID.String(chainID),
		AttrPosition.Int(position),
		AttrReason.String(reason),
	}
	AddSpanEvent(ctx, "integrity_alert", attrs...)
	if p == nil || p.audit.integrityAlerts == nil {
		return
	}
	p.audit.integrityAlerts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
