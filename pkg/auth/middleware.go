package auth

import (
	"log/slog"
	"net/http"

	"github.com/sandkasten-dev/sandkasten/pkg/observability"
)

// Middleware creates HTTP middleware from an AuthChain and optional RateLimiter.
// It checks the bypass list, runs authentication, injects the identity into
// the request context, and optionally enforces rate limits. Rejections
// happen here, before any manager logic runs.
func Middleware(chain *AuthChain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision == No {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				reject(w, http.StatusUnauthorized, `{"error":{"error_kind":"auth_error","message":"authentication required"}}`)
				return
			}

			if result.Decision != Yes || result.Identity == nil {
				reject(w, http.StatusUnauthorized, `{"error":{"error_kind":"auth_error","message":"authentication required"}}`)
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				reject(w, http.StatusInternalServerError, `{"error":{"error_kind":"server_error","message":"internal authentication error"}}`)
				return
			}

			slog.Debug("authentication succeeded",
				"subject", result.Identity.Subject,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), result.Identity); err != nil {
					slog.Warn("rate limit exceeded",
						"subject", result.Identity.Subject,
						"tier", result.Identity.ServiceTier,
					)
					observability.RateLimitRejectedTotal.WithLabelValues(result.Identity.ServiceTier).Inc()
					reject(w, http.StatusTooManyRequests, `{"error":{"error_kind":"auth_error","message":"rate limit exceeded"}}`)
					return
				}
			}

			ctx := SetIdentity(r.Context(), result.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reject writes a JSON error body with the given status.
func reject(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// DefaultBypassEndpoints lists infrastructure probe endpoints that skip
// authentication. The protocol's own GET /health is not among them: it
// reports manager and store state, so callers authenticate for it like
// for any other operation.
var DefaultBypassEndpoints = []string{"/healthz", "/metrics"}
