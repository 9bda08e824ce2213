// Package middleware wraps eventbus command/query handlers with
// logging, panic recovery, and tracing, composable the same way the
// original command bus's CommandMiddleware chain was.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventcore/pkg/eventbus"
)

// CommandMiddleware wraps a command handler with cross-cutting
// behavior, composing the way HTTP middleware does: the outermost
// wrapper in Chain runs first.
type CommandMiddleware func(next eventbus.CommandHandlerFunc) eventbus.CommandHandlerFunc

// Chain applies middlewares to handler in order, so
// Chain(h, a, b)(ctx, payload) runs a, then b, then h.
func Chain(handler eventbus.CommandHandlerFunc, middlewares ...CommandMiddleware) eventbus.CommandHandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Logging logs each command's domain/action, outcome, and duration via
// logger (slog.Default() if nil).
func Logging(domain, action string, logger *slog.Logger) CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next eventbus.CommandHandlerFunc) eventbus.CommandHandlerFunc {
		return func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
			start := time.Now()
			logger.InfoContext(ctx, "executing command", "domain", domain, "action", action)

			result, err := next(ctx, payload)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command execution failed",
					"domain", domain, "action", action,
					"duration_ms", duration.Milliseconds(), "error", err)
				return result, err
			}

			logger.InfoContext(ctx, "command executed",
				"domain", domain, "action", action,
				"outcome", result.Outcome, "duration_ms", duration.Milliseconds())
			return result, nil
		}
	}
}

// Recovery converts a panic inside next into a business-error
// CommandResult and a non-nil error, so one misbehaving handler cannot
// take down the process hosting RegisterCommandHandler's callback.
func Recovery(logger *slog.Logger) CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next eventbus.CommandHandlerFunc) eventbus.CommandHandlerFunc {
		return func(ctx context.Context, payload []byte) (result eventbus.CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						"panic", r, "stack_trace", string(debug.Stack()))
					result = eventbus.CommandResult{Outcome: eventbus.OutcomeBusinessError}
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Tracing starts an OpenTelemetry span named "command.<domain>.<action>"
// around next, using the global tracer provider.
func Tracing(domain, action string) CommandMiddleware {
	tracer := otel.Tracer("github.com/plaenen/eventcore/pkg/eventbus")
	return func(next eventbus.CommandHandlerFunc) eventbus.CommandHandlerFunc {
		return func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s.%s", domain, action),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.domain", domain),
					attribute.String("command.action", action),
				),
			)
			defer span.End()

			result, err := next(spanCtx, payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return result, err
			}

			span.SetAttributes(attribute.String("command.outcome", string(result.Outcome)))
			span.SetStatus(codes.Ok, "command executed")
			return result, nil
		}
	}
}
