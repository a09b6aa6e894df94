package api

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/spikenet/internal/logging"
)

func TestRunIDInterceptor(t *testing.T) {
	interceptor := RunIDUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/" + serviceName + "/Simulate"}

	var seen string
	handler := func(ctx context.Context, req any) (any, error) {
		seen = logging.RunIDFromContext(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(runIDMetadataKey, "run-42"))
	if _, err := interceptor(ctx, nil, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "run-42" {
		t.Fatalf("run id = %q, want the inbound run-42", seen)
	}

	if _, err := interceptor(context.Background(), nil, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen == "" || seen == "run-42" {
		t.Fatalf("run id = %q, want a freshly generated id", seen)
	}
}
