package interceptors

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

func TestUnaryServerInterceptorCopiesIDs(t *testing.T) {
	intercept := UnaryServerInterceptor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"x-request-id", "req-1",
		"x-correlation-id", "corr-1",
	))

	var seen context.Context
	_, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, _ any) (any, error) {
			seen = ctx
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "req-1", telemetry.RequestID(seen))
	assert.Equal(t, "corr-1", telemetry.CorrelationID(seen))
}

func TestContextWithPropagatedIDs(t *testing.T) {
	ctx := telemetry.WithCorrelationID(context.Background(), "corr-9")
	ctx = ContextWithPropagatedIDs(ctx)

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"corr-9"}, md.Get("x-correlation-id"))
	assert.Empty(t, md.Get("x-request-id"))
	assert.Equal(t, "corr-9", GetMetadataValue(ctx, "x-correlation-id"))
}

func TestGetMetadataValueMissing(t *testing.T) {
	assert.Equal(t, "", GetMetadataValue(context.Background(), "x-request-id"))
}
