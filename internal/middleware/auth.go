package middleware

import (
	"net/http"
	"strings"

	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
)

// SessionCookie is the cookie the web client stores its access token in.
const SessionCookie = "sb-access-token"

// AuthMiddleware resolves the caller's session once per request. It never
// rejects a request; the guard decides what a session may see.
type AuthMiddleware struct {
	resolver  *authprovider.Resolver
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(resolver *authprovider.Resolver, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		resolver:  resolver,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		snap := m.resolver.Resolve(r.Context(), token)

		ctx := authprovider.WithSnapshot(r.Context(), snap)
		if snap.Status == authprovider.StatusSignedIn && snap.User != nil {
			// Outgoing API calls carry the caller's own token.
			ctx = httputil.WithBearerToken(ctx, token)
			ctx = logging.WithUser(ctx, snap.User.ID, snap.Role())
			m.logger.WithContext(ctx).Debug("Authentication successful")
		} else if token != "" && snap.Status == authprovider.StatusSignedOut {
			m.logger.LogSecurityEvent(ctx, "invalid_session_token", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the session cookie.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
