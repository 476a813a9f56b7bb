// Package guard gates routes on the caller's session and role.
package guard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/errors"
	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/metrics"
)

// DecisionKind is the outcome of a guard check.
type DecisionKind int

const (
	// Loading means the session is unresolved; nothing may be decided yet.
	Loading DecisionKind = iota
	RedirectLogin
	RedirectHome
	Render
)

func (k DecisionKind) String() string {
	switch k {
	case Loading:
		return "loading"
	case RedirectLogin:
		return "redirect_login"
	case RedirectHome:
		return "redirect_home"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Decision is what to do with a guarded route.
type Decision struct {
	Kind DecisionKind
	// Target is the redirect destination for RedirectLogin and RedirectHome.
	Target string
}

// Decide evaluates a session against the allowed roles. An unresolved
// session always yields Loading, whatever the roles.
func Decide(s authprovider.Snapshot, allowed Roles, table RouteTable) Decision {
	switch s.Status {
	case authprovider.StatusSignedIn:
	case authprovider.StatusSignedOut:
		return Decision{Kind: RedirectLogin, Target: table.LoginRoute()}
	default:
		return Decision{Kind: Loading}
	}

	role := s.Role()
	if allowed.Allows(role) {
		return Decision{Kind: Render}
	}
	return Decision{Kind: RedirectHome, Target: table.Home(role)}
}

// DefaultRetryAfter is advertised while a session is loading.
const DefaultRetryAfter = time.Second

// Guard applies Decide to HTTP requests.
type Guard struct {
	sessions   authprovider.Accessor
	table      RouteTable
	log        *logging.Logger
	retryAfter time.Duration
}

// New creates a guard reading sessions through the given accessor.
func New(sessions authprovider.Accessor, table RouteTable, log *logging.Logger) *Guard {
	if log == nil {
		log = logging.NewDefault("guard")
	}
	return &Guard{
		sessions:   sessions,
		table:      table,
		log:        log,
		retryAfter: DefaultRetryAfter,
	}
}

// Table returns the guard's route table.
func (g *Guard) Table() RouteTable {
	return g.table
}

// Check evaluates the request's session.
func (g *Guard) Check(r *http.Request, allowed Roles) Decision {
	return Decide(g.sessions.Session(r.Context()), allowed, g.table)
}

// Require only lets requests from the given roles through. Unresolved
// sessions get 503 with Retry-After; other mismatches are redirected with
// 303.
func (g *Guard) Require(roles ...string) mux.MiddlewareFunc {
	allowed := OneOf(roles...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Check(r, allowed)
			metrics.RecordGuardDecision(d.Kind.String())

			switch d.Kind {
			case Render:
				next.ServeHTTP(w, r)
			case Loading:
				w.Header().Set("Retry-After", strconv.Itoa(int(g.retryAfter.Seconds())))
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
			default:
				if d.Target == r.URL.Path {
					// Redirecting to ourselves would loop.
					g.log.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("role home is not accessible to its role")
					httputil.WriteServiceError(w, r, errors.Forbidden("Access denied"))
					return
				}
				g.log.WithContext(r.Context()).WithFields(map[string]interface{}{
					"path":     r.URL.Path,
					"decision": d.Kind.String(),
					"target":   d.Target,
				}).Debug("guard redirect")
				http.Redirect(w, r, d.Target, http.StatusSeeOther)
			}
		})
	}
}

// RequireSignedIn lets any signed-in user through.
func (g *Guard) RequireSignedIn() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := g.sessions.Session(r.Context())
			switch s.Status {
			case authprovider.StatusSignedIn:
				metrics.RecordGuardDecision(Render.String())
				next.ServeHTTP(w, r)
			case authprovider.StatusSignedOut:
				metrics.RecordGuardDecision(RedirectLogin.String())
				httputil.WriteServiceError(w, r, errors.Unauthorized("Sign-in required"))
			default:
				metrics.RecordGuardDecision(Loading.String())
				w.Header().Set("Retry-After", strconv.Itoa(int(g.retryAfter.Seconds())))
				httputil.WriteServiceError(w, r, errors.SessionLoading())
			}
		})
	}
}
