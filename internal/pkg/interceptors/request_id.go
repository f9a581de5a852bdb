// Package interceptors carries request and correlation ids across gRPC
// calls.
package interceptors

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

// UnaryServerInterceptor copies x-request-id and x-correlation-id from the
// incoming metadata into the context used for logging.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx = telemetry.WithRequestID(ctx, GetMetadataValue(ctx, constants.HeaderXRequestID))
		ctx = telemetry.WithCorrelationID(ctx, GetMetadataValue(ctx, constants.HeaderXCorrelationID))

		resp, err := handler(ctx, req)
		if err != nil {
			logger.WarnContext(ctx, "grpc call failed", "method", info.FullMethod, "error", err)
		} else {
			logger.DebugContext(ctx, "grpc call", "method", info.FullMethod)
		}
		return resp, err
	}
}

// ContextWithPropagatedIDs appends the ids held in ctx to the outgoing
// metadata.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	var kv []string
	if id := telemetry.RequestID(ctx); id != "" {
		kv = append(kv, constants.HeaderXRequestID, id)
	}
	if id := telemetry.CorrelationID(ctx); id != "" {
		kv = append(kv, constants.HeaderXCorrelationID, id)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// GetMetadataValue returns the first value of key from incoming or outgoing
// metadata, or "".
func GetMetadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
