package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys. These carry metadata only: never set them to codes,
// tokens, secrets or CSRF nonces.
const (
	AttrClientID     = "oauth.client_id"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrGrantType    = "oauth.grant_type"
	AttrClientType   = "oauth.client_type"
	AttrFlowState    = "oauth.flow.state"
	AttrCodeReuse    = "oauth.code.reuse"
	AttrTokenReuse   = "oauth.token.reuse" //nolint:gosec // attribute name, not a credential
	AttrError        = "oauth.error"
	AttrStorageOp    = "storage.operation"
	AttrStorageType  = "storage.type"
	AttrHTTPEndpoint = "http.endpoint"
	AttrHTTPMethod   = "http.method"
	AttrHTTPStatus   = "http.status_code"
	AttrClientIP     = "security.client_ip"
)

// RecordError records an error on a span with error status (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, user and scope attributes, skipping empty values.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// StartSpan starts a span from inst's tracer for scope. With a nil inst it
// returns a no-op span, so callers never need nil checks.
func StartSpan(ctx context.Context, inst *Instrumentation, scope, name string) (context.Context, trace.Span) {
	if inst == nil {
		return ctx, noop.Span{}
	}
	return inst.Tracer(scope).Start(ctx, name)
}

// StorageRecorder traces and measures operations of one storage backend.
// A nil *StorageRecorder or one built with a nil Instrumentation is a no-op.
type StorageRecorder struct {
	inst    *Instrumentation
	tracer  trace.Tracer
	backend string
}

// NewStorageRecorder creates a recorder for backend ("memory", "valkey", ...).
func NewStorageRecorder(inst *Instrumentation, backend string) *StorageRecorder {
	r := &StorageRecorder{inst: inst, backend: backend}
	if inst != nil {
		r.tracer = inst.Tracer("storage")
	}
	return r
}

// Start opens a span for operation and returns a finish function that
// records the outcome and ends the span.
func (r *StorageRecorder) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if r == nil || r.inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(AttrStorageOp, operation),
			attribute.String(AttrStorageType, r.backend),
		))

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		r.inst.Metrics().RecordStorageOperation(ctx, r.backend, operation, result, durationMs)
		span.End()
	}
}
