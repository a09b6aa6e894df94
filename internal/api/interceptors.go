package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
)

const runIDMetadataKey = "x-run-id"

// RunIDUnaryServerInterceptor puts a run id on the context, taking it from
// inbound metadata when the caller sent one, and attaches a logger
// annotated with the run id and method.
func RunIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, runIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRunID(ctx, incoming)
			}
		}
		ctx, id := logging.EnsureRunID(ctx)
		log := base.With(logging.String("run_id", id), logging.String("method", info.FullMethod))
		ctx = logging.ContextWithLogger(ctx, log)
		return handler(ctx, req)
	}
}

// LoggingUnaryServerInterceptor logs every finished call with its status
// code; failures are logged at warn level.
func LoggingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log := logging.FromContext(ctx, nil)
		fields := []logging.Field{
			logging.String("code", status.Code(err).String()),
			logging.Any("elapsed", time.Since(start).String()),
		}
		if err != nil {
			log.Warn(ctx, "rpc failed", append(fields, logging.Err(err))...)
		} else {
			log.Debug(ctx, "rpc finished", fields...)
		}
		return resp, err
	}
}

// TracingUnaryServerInterceptor names the RPC span and adds the standard
// attributes. It starts a server span itself when no stats handler did.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("API/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = observability.StartSpan(ctx, name)
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if id := logging.RunIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("run_id", id))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// RunIDUnaryClientInterceptor forwards the run id of the calling context.
func RunIDUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := logging.RunIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, runIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
