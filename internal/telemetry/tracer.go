package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for CMS operations.
const (
	AttrSessionID   = "cms.session.id"
	AttrSessionKey  = "cms.session.key"
	AttrRole        = "cms.role"
	AttrPeriod      = "cms.period"
	AttrAction      = "cms.resolver.action"
	AttrUseCase     = "cms.usecase.path"
	AttrModel       = "cms.usecase.model"
	AttrRunStatus   = "cms.usecase.status"
	AttrLogin       = "cms.client.login"
	AttrDestination = "cms.transport.address"
	AttrMessageType = "cms.transport.type_id"
)

func SessionID(id int32) attribute.KeyValue {
	return attribute.Int(AttrSessionID, int(id))
}

func SessionKey(key string) attribute.KeyValue {
	return attribute.String(AttrSessionKey, key)
}

func Role(name string) attribute.KeyValue {
	return attribute.String(AttrRole, name)
}

func Period(p string) attribute.KeyValue {
	return attribute.String(AttrPeriod, p)
}

func Action(a string) attribute.KeyValue {
	return attribute.String(AttrAction, a)
}

func UseCase(path string) attribute.KeyValue {
	return attribute.String(AttrUseCase, path)
}

func Model(name string) attribute.KeyValue {
	return attribute.String(AttrModel, name)
}

func RunStatus(s string) attribute.KeyValue {
	return attribute.String(AttrRunStatus, s)
}

func Login(login string) attribute.KeyValue {
	return attribute.String(AttrLogin, login)
}

func Destination(addr string) attribute.KeyValue {
	return attribute.String(AttrDestination, addr)
}

func MessageType(typeID string) attribute.KeyValue {
	return attribute.String(AttrMessageType, typeID)
}

// StartSessionSpan starts a span for a session manager operation
// ("reserve", "enter", "activate", ...).
func StartSessionSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartUseCaseSpan starts a span covering one use-case run.
func StartUseCaseSpan(ctx context.Context, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "usecase.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append([]attribute.KeyValue{UseCase(path)}, attrs...)...),
	)
}

// StartTransportSpan starts a producer span for an outgoing message.
func StartTransportSpan(ctx context.Context, address string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "transport.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(append([]attribute.KeyValue{Destination(address)}, attrs...)...),
	)
}
