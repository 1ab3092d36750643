// Package telemetry provides structured logging and distributed tracing
// for a running session: one log/slog.Logger per session plus otel spans
// around each macrostep and invoke lifecycle transition.
//
// The teacher's extensibility.LoggingActionRunner wraps action execution
// with bare log.Printf calls; this generalizes that same
// wrap-and-time-the-call shape to log/slog's structured attributes (so
// a macrostep's event name, transition count, and duration are queryable
// fields rather than interpolated text) and adds go.opentelemetry.io/otel
// spans, grounded on the same otel dependency agentflare-ai/agentml-go
// and quadgatefoundation-fluxor both carry for their own request/runner
// tracing.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles one session's logger and tracer.
type Telemetry struct {
	Logger *slog.Logger
	tracer trace.Tracer
}

// New builds session-scoped telemetry, tagging every log line with the
// session id and document name; spans carry only their own scxml.*
// attributes.
func New(sessionID, documentName string) *Telemetry {
	logger := slog.Default().With(
		slog.String("session_id", sessionID),
		slog.String("document", documentName),
	)
	return &Telemetry{
		Logger: logger,
		tracer: otel.Tracer("github.com/comalice/scxmlrt/internal/interp"),
	}
}

// MacrostepSpan starts a span covering one macrostep, returning a Go
// context and an end function that records the transitions-taken count.
func (t *Telemetry) MacrostepSpan(ctx context.Context, triggeringEvent string) (context.Context, func(transitionsTaken int)) {
	spanCtx, span := t.tracer.Start(ctx, "scxml.macrostep",
		trace.WithAttributes(attribute.String("scxml.event", triggeringEvent)))
	start := time.Now()
	return spanCtx, func(transitionsTaken int) {
		span.SetAttributes(
			attribute.Int("scxml.transitions_taken", transitionsTaken),
			attribute.Int64("scxml.duration_us", time.Since(start).Microseconds()),
		)
		span.End()
	}
}

// InvokeSpan wraps one invoke's lifetime: Start() is called when the
// child session is launched, the returned func when it completes or is
// cancelled.
func (t *Telemetry) InvokeSpan(ctx context.Context, invokeid, invokeType string) (context.Context, func(err error)) {
	spanCtx, span := t.tracer.Start(ctx, "scxml.invoke",
		trace.WithAttributes(
			attribute.String("scxml.invokeid", invokeid),
			attribute.String("scxml.invoke_type", invokeType),
		))
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// LogContentError records an executable-content failure at warn level,
// tagged with the error-taxonomy event it was translated into (spec.md
// §7).
func (t *Telemetry) LogContentError(eventName, sendid string, err error) {
	t.Logger.Warn("executable content failed",
		slog.String("error_event", eventName),
		slog.String("sendid", sendid),
		slog.Any("error", err),
	)
}
