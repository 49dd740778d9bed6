package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraconstructs/iamsync/internal/errs"
)

// Span attribute keys.
const (
	AttrOperation = "iam.operation"
	AttrOperator  = "iam.operator"
	AttrUsername  = "iam.username"
	AttrUserID    = "iam.user_id"
	AttrRoleName  = "iam.role"
	AttrRoleID    = "iam.role_id"

	AttrBatchID      = "policy.batch"
	AttrCommandKind  = "policy.command"
	AttrPolicyOp     = "policy.operation"
	AttrPolicyResult = "policy.allowed"

	AttrIdPEndpoint = "idp.endpoint"
	AttrIdPStatus   = "idp.status"

	// AttrErrorKind holds the errs kind of a failed span
	AttrErrorKind = "error.kind"
)

// StartSpan starts spanName on the named tracer of the global provider:
//
//	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.CreateUser",
//	    attribute.String(telemetry.AttrUsername, req.Username))
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err and tags the error kind. A nil err
// is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind := errs.KindOf(err); kind != nil {
		span.SetAttributes(attribute.String(AttrErrorKind, kind.Error()))
	}
}

// AddEvent adds a named event, e.g. "idp.compensated", to span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
