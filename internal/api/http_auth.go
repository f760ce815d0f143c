package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"chaincore/internal/config"
)

const branchIDHeader = "X-Branch-ID"

type clientCtxKey struct{}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg.Auth), limiter: newRateLimiter(cfg.RateLimit)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			client, err := a.keys.authenticate(
				strings.TrimSpace(r.Header.Get(a.keys.headerKey)),
				strings.TrimSpace(r.Header.Get(a.keys.headerExtra)),
			)
			if err == nil {
				err = authorize(client, requiredPermissionHTTP(r.URL.Path))
			}
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredPermissionHTTP(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/sync/"):
		return permSync
	case strings.HasPrefix(path, "/api/v1/scheduler/"):
		return permScheduler
	case strings.HasPrefix(path, "/api/v1/branches/"):
		return permBranches
	case strings.HasPrefix(path, "/api/v1/integrations/1c/"):
		return permIntegration
	default:
		return ""
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.headerKey)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func clientFromContext(ctx context.Context) (config.APIClientKey, bool) {
	c, ok := ctx.Value(clientCtxKey{}).(config.APIClientKey)
	return c, ok
}

// callerBranch resolves the branch a protocol call speaks for. A key bound to
// a branch always wins; otherwise the X-Branch-ID header, then ?branch_id.
func callerBranch(r *http.Request) (int64, bool) {
	if c, ok := clientFromContext(r.Context()); ok && c.BranchID > 0 {
		return c.BranchID, true
	}
	raw := strings.TrimSpace(r.Header.Get(branchIDHeader))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("branch_id"))
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// boundBranch returns the branch a key is pinned to, or 0 for unrestricted callers.
func boundBranch(r *http.Request) int64 {
	if c, ok := clientFromContext(r.Context()); ok {
		return c.BranchID
	}
	return 0
}
