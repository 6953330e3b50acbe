package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the coordination core.
type Metrics struct {
	// Coordinator metrics
	CoordinatorOpsTotal   metric.Int64Counter
	CoordinatorOpDuration metric.Float64Histogram
	PersistFailuresTotal  metric.Int64Counter
	SnapshotLoadsTotal    metric.Int64Counter
	SweepEvictionsTotal   metric.Int64Counter

	// Security metrics
	ReplayDetectedTotal  metric.Int64Counter
	TheftDetectedTotal   metric.Int64Counter
	FamiliesRevokedTotal metric.Int64Counter
	RateLimitRejections  metric.Int64Counter
	QuotaRejections      metric.Int64Counter
	CloneSignalsTotal    metric.Int64Counter

	// Reconciliation metrics
	ReconcileTasksTotal   metric.Int64Counter
	ReconcileRetriesTotal metric.Int64Counter
	ReconcileDroppedTotal metric.Int64Counter

	// Key store metrics
	KeyRotationsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	coordMeter := inst.Meter("coordinator")
	secMeter := inst.Meter("security")
	reconMeter := inst.Meter("reconcile")
	keyMeter := inst.Meter("keystore")

	var err error

	m.CoordinatorOpsTotal, err = coordMeter.Int64Counter(
		"authrim.coordinator.operations.total",
		metric.WithDescription("Total serialized coordinator operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	m.CoordinatorOpDuration, err = coordMeter.Float64Histogram(
		"authrim.coordinator.operation.duration",
		metric.WithDescription("Coordinator operation duration in milliseconds, including the durable write"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	m.PersistFailuresTotal, err = coordMeter.Int64Counter(
		"authrim.coordinator.persist.failures",
		metric.WithDescription("Durable snapshot writes that failed and aborted the mutation"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persist failures counter: %w", err)
	}

	m.SnapshotLoadsTotal, err = coordMeter.Int64Counter(
		"authrim.coordinator.snapshot.loads",
		metric.WithDescription("Cold snapshot loads from durable storage"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot loads counter: %w", err)
	}

	m.SweepEvictionsTotal, err = coordMeter.Int64Counter(
		"authrim.coordinator.sweep.evictions",
		metric.WithDescription("Expired entities evicted by sweep or lazy access"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep evictions counter: %w", err)
	}

	m.ReplayDetectedTotal, err = secMeter.Int64Counter(
		"authrim.security.replay.detected",
		metric.WithDescription("Consume-once replays detected"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay counter: %w", err)
	}

	m.TheftDetectedTotal, err = secMeter.Int64Counter(
		"authrim.security.theft.detected",
		metric.WithDescription("Refresh token theft signals"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create theft counter: %w", err)
	}

	m.FamiliesRevokedTotal, err = secMeter.Int64Counter(
		"authrim.security.families.revoked",
		metric.WithDescription("Token families revoked (theft or logout-all)"),
		metric.WithUnit("{family}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create families revoked counter: %w", err)
	}

	m.RateLimitRejections, err = secMeter.Int64Counter(
		"authrim.security.ratelimit.rejections",
		metric.WithDescription("Requests rejected by windowed rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	m.QuotaRejections, err = secMeter.Int64Counter(
		"authrim.security.quota.rejections",
		metric.WithDescription("Creates rejected by per-owner quotas"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota counter: %w", err)
	}

	m.CloneSignalsTotal, err = secMeter.Int64Counter(
		"authrim.security.clone.signals",
		metric.WithDescription("Authenticator counter regressions (possible cloned credentials)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clone signals counter: %w", err)
	}

	m.ReconcileTasksTotal, err = reconMeter.Int64Counter(
		"authrim.reconcile.tasks.total",
		metric.WithDescription("Write-behind mirror tasks enqueued"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile tasks counter: %w", err)
	}

	m.ReconcileRetriesTotal, err = reconMeter.Int64Counter(
		"authrim.reconcile.retries.total",
		metric.WithDescription("Mirror task retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile retries counter: %w", err)
	}

	m.ReconcileDroppedTotal, err = reconMeter.Int64Counter(
		"authrim.reconcile.dropped.total",
		metric.WithDescription("Mirror tasks dropped after exhausting the retry budget"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile dropped counter: %w", err)
	}

	m.KeyRotationsTotal, err = keyMeter.Int64Counter(
		"authrim.keystore.rotations.total",
		metric.WithDescription("Signing key rotations performed"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key rotations counter: %w", err)
	}

	return m, nil
}

// coordinatorAttr builds the coordinator name attribute.
func coordinatorAttr(name string) attribute.KeyValue {
	return attribute.String(AttrCoordinator, name)
}

// RecordOperation records one serialized coordinator operation.
func (m *Metrics) RecordOperation(ctx context.Context, coordinator, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		coordinatorAttr(coordinator),
		attribute.String(AttrOperation, operation),
		attribute.String(AttrResult, result),
	)
	m.CoordinatorOpsTotal.Add(ctx, 1, attrs)
	m.CoordinatorOpDuration.Record(ctx, durationMs, attrs)
}

// RecordPersistFailure records a failed durable snapshot write.
func (m *Metrics) RecordPersistFailure(ctx context.Context, coordinator string) {
	m.PersistFailuresTotal.Add(ctx, 1, metric.WithAttributes(coordinatorAttr(coordinator)))
}

// RecordSnapshotLoad records a cold snapshot load.
func (m *Metrics) RecordSnapshotLoad(ctx context.Context, coordinator string, migrated bool) {
	m.SnapshotLoadsTotal.Add(ctx, 1, metric.WithAttributes(
		coordinatorAttr(coordinator),
		attribute.Bool(AttrMigrated, migrated),
	))
}

// RecordSweepEvictions records entities evicted by expiry.
func (m *Metrics) RecordSweepEvictions(ctx context.Context, coordinator string, count int64) {
	if count == 0 {
		return
	}
	m.SweepEvictionsTotal.Add(ctx, count, metric.WithAttributes(coordinatorAttr(coordinator)))
}

// RecordReplayDetected records a consume-once replay.
func (m *Metrics) RecordReplayDetected(ctx context.Context, entityKind string) {
	m.ReplayDetectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrEntityKind, entityKind)))
}

// RecordTheftDetected records a refresh token theft signal.
func (m *Metrics) RecordTheftDetected(ctx context.Context) {
	m.TheftDetectedTotal.Add(ctx, 1)
}

// RecordFamilyRevoked records a token family revocation.
func (m *Metrics) RecordFamilyRevoked(ctx context.Context, reason string) {
	m.FamiliesRevokedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// RecordRateLimitRejection records a windowed rate limit rejection.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context) {
	m.RateLimitRejections.Add(ctx, 1)
}

// RecordQuotaRejection records a per-owner quota rejection.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, entityKind string) {
	m.QuotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrEntityKind, entityKind)))
}

// RecordCloneSignal records a possible cloned authenticator.
func (m *Metrics) RecordCloneSignal(ctx context.Context) {
	m.CloneSignalsTotal.Add(ctx, 1)
}

// RecordReconcileTask records an enqueued mirror task.
func (m *Metrics) RecordReconcileTask(ctx context.Context, kind string) {
	m.ReconcileTasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTaskKind, kind)))
}

// RecordReconcileRetry records a mirror task retry.
func (m *Metrics) RecordReconcileRetry(ctx context.Context, kind string) {
	m.ReconcileRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTaskKind, kind)))
}

// RecordReconcileDropped records a mirror task dropped after the retry cap.
func (m *Metrics) RecordReconcileDropped(ctx context.Context, kind string) {
	m.ReconcileDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTaskKind, kind)))
}

// RecordKeyRotation records a signing key rotation.
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	m.KeyRotationsTotal.Add(ctx, 1)
}
