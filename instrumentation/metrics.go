package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the provider.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow engine
	AuthorizationRequests metric.Int64Counter
	CodeExchanged         metric.Int64Counter
	TokenRefreshed        metric.Int64Counter
	TokenRevoked          metric.Int64Counter
	TokensIssued          metric.Int64Counter

	// Security
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	ValidationFailures   metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage
	StorageOperationTotal      metric.Int64Counter
	StorageOperationDuration   metric.Float64Histogram
	StorageTokensCount         metric.Int64ObservableGauge
	StorageAuthorizationsCount metric.Int64ObservableGauge
	StorageClientsCount        metric.Int64ObservableGauge

	// Pruning
	PruneRuns     metric.Int64Counter
	PruneDeleted  metric.Int64Counter
	PruneDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	pruneMeter := inst.Meter("prune")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oidc.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oidc.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationRequests, err = serverMeter.Int64Counter(
		"oidc.authorization.requests",
		metric.WithDescription("Number of authorization requests by flow"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.requests counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"oidc.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"oidc.token.refreshed",
		metric.WithDescription("Number of refresh grants served"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"oidc.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oidc.token.issued",
		metric.WithDescription("Number of tokens issued by kind"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oidc.security.code_reuse",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.code_reuse counter: %w", err)
	}

	m.RefreshReuseDetected, err = securityMeter.Int64Counter(
		"oidc.security.refresh_reuse",
		metric.WithDescription("Number of refresh token reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.refresh_reuse counter: %w", err)
	}

	m.ValidationFailures, err = securityMeter.Int64Counter(
		"oidc.validation.failures",
		metric.WithDescription("Number of bearer token validation failures by reason"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation.failures counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oidc.security.rate_limit_exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.rate_limit_exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oidc.security.audit_events",
		metric.WithDescription("Number of security audit events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.audit_events counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oidc.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oidc.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oidc.storage.tokens.count",
		metric.WithDescription("Current number of token records"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.StorageAuthorizationsCount, err = storageMeter.Int64ObservableGauge(
		"oidc.storage.authorizations.count",
		metric.WithDescription("Current number of authorizations"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.authorizations.count gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oidc.storage.clients.count",
		metric.WithDescription("Current number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.PruneRuns, err = pruneMeter.Int64Counter(
		"oidc.prune.runs",
		metric.WithDescription("Number of pruning cycles executed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prune.runs counter: %w", err)
	}

	m.PruneDeleted, err = pruneMeter.Int64Counter(
		"oidc.prune.deleted",
		metric.WithDescription("Number of records deleted by pruning, by entity"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prune.deleted counter: %w", err)
	}

	m.PruneDuration, err = pruneMeter.Float64Histogram(
		"oidc.prune.duration",
		metric.WithDescription("Pruning cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prune.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorizationRequest records an authorization endpoint request.
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, clientID, responseType string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrResponseType, responseType),
	))
}

// RecordCodeExchange records a successful authorization code exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordTokenRefresh records a refresh grant.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool(AttrTokenRotated, rotated),
	))
}

// RecordTokenRevocation records a token or authorization revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordTokenIssued records an issued token by kind.
func (m *Metrics) RecordTokenIssued(ctx context.Context, kind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTokenKind, kind),
	))
}

// RecordCodeReuseDetected records an authorization code replay attempt.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a rotated refresh token replay.
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordValidationFailure records a bearer token validation failure.
func (m *Metrics) RecordValidationFailure(ctx context.Context, reason string) {
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrValidationReason, reason),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimiterType, limiterType),
	))
}

// RecordAuditEvent records a security audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
	))
}

// RecordStorageOperation records a storage operation with its result
// and duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordPruneRun records one pruning cycle.
func (m *Metrics) RecordPruneRun(ctx context.Context, tokensDeleted, authorizationsDeleted int, durationMs float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PruneRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageResult, result),
	))
	m.PruneDeleted.Add(ctx, int64(tokensDeleted), metric.WithAttributes(
		attribute.String(AttrPruneEntity, "token"),
	))
	m.PruneDeleted.Add(ctx, int64(authorizationsDeleted), metric.WithAttributes(
		attribute.String(AttrPruneEntity, "authorization"),
	))
	m.PruneDuration.Record(ctx, durationMs)
}
