package api

import (
	"context"
	"net"
	"testing"

	"chaincore/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

func TestAuthInterceptor(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "probe-key", Extra: "probe-extra", Permissions: []string{permHealth}},
				{Key: "branch-key", Extra: "branch-extra", Permissions: []string{permSync}},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 100, Burst: 200},
	}

	interceptor := NewAuthInterceptor(&cfg).Unary()
	handler := func(_ context.Context, _ any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: healthCheckMethod}

	withMD := func(kv ...string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
	}

	t.Run("Success", func(t *testing.T) {
		resp, err := interceptor(withMD("x-api-key", "probe-key", "x-api-extra", "probe-extra"), "req", info, handler)
		assert.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("MissingMetadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		_, err := interceptor(withMD(), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		_, err := interceptor(withMD("x-api-key", "other", "x-api-extra", "probe-extra"), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidExtra", func(t *testing.T) {
		_, err := interceptor(withMD("x-api-key", "probe-key", "x-api-extra", "wrong"), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		_, err := interceptor(withMD("x-api-key", "branch-key", "x-api-extra", "branch-extra"), "req", info, handler)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})
}

func TestAuthInterceptor_RateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}

	interceptor := NewAuthInterceptor(&cfg).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "test"}
	handler := func(_ context.Context, _ any) (any, error) { return "ok", nil }
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key1"))

	_, err := interceptor(ctx, "req", info, handler)
	assert.NoError(t, err)

	_, err = interceptor(ctx, "req", info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	interceptor := LoggingUnaryInterceptor(nil)
	handler := func(_ context.Context, _ any) (any, error) { return "ok", nil }

	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "test"}, handler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRequiredPermission(t *testing.T) {
	assert.Equal(t, permHealth, requiredPermission(healthCheckMethod))
	assert.Equal(t, permHealth, requiredPermission("/grpc.health.v1.Health/Watch"))
	assert.Equal(t, "", requiredPermission("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"))
}

func TestGRPCHealthFollowsScheduler(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.APIConfig{Enabled: true, GRPC: config.APIGRPCConfig{Enabled: true, Reflection: true}}
	srv, err := newGRPCServer(&cfg, lis, nil)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetSchedulerServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// the server-wide entry is registered by health.NewServer
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestBuildTLSConfigRequiresFiles(t *testing.T) {
	_, err := buildTLSConfig(config.APITLSConfig{Enabled: true})
	assert.ErrorContains(t, err, "cert_file/key_file")
}
