package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"chaincore/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permSync        = "sync:branch"
	permScheduler   = "scheduler:admin"
	permBranches    = "branches:dispatch"
	permIntegration = "integrations:1c"
	permHealth      = "read:health"
)

var (
	errMissingCredentials = errors.New("missing api key headers")
	errInvalidKey         = errors.New("invalid api key")
	errInvalidExtra       = errors.New("invalid extra header")
	errPermissionDenied   = errors.New("permission denied")
)

// keyring resolves API keys to configured clients.
type keyring struct {
	headerKey   string
	headerExtra string
	clients     map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	k := &keyring{
		headerKey:   strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey)),
		headerExtra: strings.ToLower(strings.TrimSpace(cfg.HeaderExtra)),
		clients:     make(map[string]config.APIClientKey, len(cfg.APIKeys)),
	}
	if k.headerKey == "" {
		k.headerKey = apiKeyHeaderDefault
	}
	if k.headerExtra == "" {
		k.headerExtra = apiExtraHeaderDefault
	}
	for _, c := range cfg.APIKeys {
		k.clients[c.Key] = c
	}
	return k
}

func (k *keyring) authenticate(apiKey, extra string) (config.APIClientKey, error) {
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingCredentials
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

// authorize checks a permission. An empty permission list allows everything.
func authorize(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *AuthInterceptor) check(ctx context.Context, fullMethod string) error {
	if !a.cfg.Enabled {
		return nil
	}
	if a.cfg.Auth.Enabled {
		if err := a.checkAuth(ctx, fullMethod); err != nil {
			return err
		}
	}
	if !a.limiter.allow(a.clientKey(ctx)) {
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return nil
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	client, err := a.keys.authenticate(first(md.Get(a.keys.headerKey)), first(md.Get(a.keys.headerExtra)))
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if err := authorize(client, requiredPermission(fullMethod)); err != nil {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	return nil
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case "/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/Watch", "/grpc.health.v1.Health/List":
		return permHealth
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.headerKey)); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)

		remote := clientKeyUnknown
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Info().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")

		return resp, err
	}
}

const requestIDHeader = "x-request-id"

func requestIDFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if id := first(md.Get(requestIDHeader)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
