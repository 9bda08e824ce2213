package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/eventbus"
	"github.com/plaenen/eventcore/pkg/middleware"
)

func TestChainRunsMiddlewareOuterToInner(t *testing.T) {
	var order []string

	mark := func(name string) middleware.CommandMiddleware {
		return func(next eventbus.CommandHandlerFunc) eventbus.CommandHandlerFunc {
			return func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
				order = append(order, name)
				return next(ctx, payload)
			}
		}
	}

	handler := middleware.Chain(
		func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
			order = append(order, "handler")
			return eventbus.CommandResult{Outcome: eventbus.OutcomeSuccess}, nil
		},
		mark("outer"),
		mark("inner"),
	)

	_, err := handler(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoveryConvertsPanicToBusinessError(t *testing.T) {
	handler := middleware.Chain(
		func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
			panic("boom")
		},
		middleware.Recovery(slog.Default()),
	)

	result, err := handler(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, eventbus.OutcomeBusinessError, result.Outcome)
}

func TestLoggingPassesThroughResultAndError(t *testing.T) {
	wantErr := errors.New("boom")
	handler := middleware.Chain(
		func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
			return eventbus.CommandResult{}, wantErr
		},
		middleware.Logging("account", "OpenAccount", slog.Default()),
	)

	_, err := handler(context.Background(), nil)
	require.ErrorIs(t, err, wantErr)
}
