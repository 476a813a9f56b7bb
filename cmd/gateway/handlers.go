package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/config"
	svcerrors "github.com/R3E-Network/transit_layer/internal/errors"
	"github.com/R3E-Network/transit_layer/internal/guard"
	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/metrics"
	"github.com/R3E-Network/transit_layer/internal/middleware"
	"github.com/R3E-Network/transit_layer/internal/query"
)

const (
	maxPhotoBytes = 5 << 20
	maxJSONBytes  = 64 << 10
)

type server struct {
	queries  *api.Queries
	provider *authprovider.Client
	resolver *authprovider.Resolver
	guard    *guard.Guard
	nav      *config.Navigation
	log      *logging.Logger
	now      func() time.Time
	// pongWait bounds how long the live feed waits for a client; zero means
	// livePongWait.
	pongWait time.Duration
}

// routes builds the gateway handler. CORS and tracing wrap the router so
// preflight requests are answered even for paths without an OPTIONS route.
func (s *server) routes(origins []string, limiter *middleware.RateLimiter) http.Handler {
	auth := middleware.NewAuthMiddleware(s.resolver, s.log, []string{"/healthz", "/metrics"})
	cors := middleware.NewCORSMiddleware(origins)

	r := mux.NewRouter()
	r.Use(middleware.MetricsMiddleware(), auth.Handler, limiter.Handler)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/sign-in", s.signInPage).Methods(http.MethodGet)
	r.HandleFunc("/sign-in", s.signIn).Methods(http.MethodPost)
	r.HandleFunc("/sign-out", s.signOut).Methods(http.MethodPost)

	riders := s.guard.Require(guard.RoleCommuter, guard.RoleOperator)
	r.Handle("/routes", riders(http.HandlerFunc(s.routesPage))).Methods(http.MethodGet)
	r.Handle("/routes/live", riders(s.liveSchedules(cors))).Methods(http.MethodGet)

	operator := r.PathPrefix("/operator").Subrouter()
	operator.Use(s.guard.Require(guard.RoleOperator))
	operator.HandleFunc("/dashboard", s.dashboard).Methods(http.MethodGet)

	me := r.PathPrefix("/me").Subrouter()
	me.Use(s.guard.RequireSignedIn())
	me.HandleFunc("/profile", s.getProfile).Methods(http.MethodGet)
	me.HandleFunc("/profile", s.updateProfile).Methods(http.MethodPut)
	me.HandleFunc("/profile/photo", s.uploadPhoto).Methods(http.MethodPost)

	tracing := middleware.NewTracingMiddleware(s.log)
	return tracing.Handler(cors.Handler(r))
}

// =============================================================================
// Page Views
// =============================================================================

type viewer struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
}

func newViewer(u *authprovider.User, role string) *viewer {
	return &viewer{ID: u.ID, Email: u.Email, Role: role, Name: u.FullName()}
}

type page struct {
	Path         string           `json:"path"`
	User         *viewer          `json:"user,omitempty"`
	Nav          []config.NavItem `json:"nav"`
	BookingSteps []config.Step    `json:"booking_steps,omitempty"`
	Data         interface{}      `json:"data"`
}

func (s *server) page(r *http.Request, data interface{}) page {
	p := page{Path: r.URL.Path, Data: data}
	snap := authprovider.RequestAccessor.Session(r.Context())
	if snap.User != nil {
		p.User = newViewer(snap.User, snap.Role())
	}
	p.Nav = s.nav.For(snap.Role())
	return p
}

func scheduleParams(r *http.Request) api.ScheduleParams {
	q := r.URL.Query()
	return api.ScheduleParams{RouteID: q.Get("route_id"), Date: q.Get("date")}
}

func (s *server) routesPage(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.queries.Schedules(r.Context(), scheduleParams(r))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	p := s.page(r, schedules)
	p.BookingSteps = s.nav.BookingSteps
	httputil.WriteJSON(w, http.StatusOK, p)
}

type routeLoad struct {
	RouteID    string `json:"route_id"`
	Name       string `json:"name"`
	Departures int    `json:"departures"`
	Seats      int    `json:"seats"`
}

type dashboardSummary struct {
	Departures int           `json:"departures"`
	Routes     []routeLoad   `json:"routes"`
	Next       *api.Schedule `json:"next_departure,omitempty"`
}

func summarize(schedules []api.Schedule, now time.Time) dashboardSummary {
	out := dashboardSummary{Departures: len(schedules), Routes: []routeLoad{}}
	byRoute := make(map[string]*routeLoad)
	for i := range schedules {
		sc := &schedules[i]
		load, ok := byRoute[sc.Route.ID]
		if !ok {
			load = &routeLoad{RouteID: sc.Route.ID, Name: sc.Route.Name}
			byRoute[sc.Route.ID] = load
		}
		load.Departures++
		load.Seats += sc.Bus.Capacity

		if sc.DepartureTime.Before(now) {
			continue
		}
		if out.Next == nil || sc.DepartureTime.Before(out.Next.DepartureTime) {
			out.Next = sc
		}
	}
	for _, load := range byRoute {
		out.Routes = append(out.Routes, *load)
	}
	sort.Slice(out.Routes, func(i, j int) bool {
		if out.Routes[i].Name != out.Routes[j].Name {
			return out.Routes[i].Name < out.Routes[j].Name
		}
		return out.Routes[i].RouteID < out.Routes[j].RouteID
	})
	return out
}

func (s *server) dashboard(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.queries.Schedules(r.Context(), scheduleParams(r))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.page(r, summarize(schedules, s.now())))
}

// =============================================================================
// Profile
// =============================================================================

func currentUserID(r *http.Request) string {
	if snap := authprovider.RequestAccessor.Session(r.Context()); snap.User != nil {
		return snap.User.ID
	}
	return ""
}

func (s *server) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.queries.Profile(r.Context(), currentUserID(r))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.page(r, profile))
}

func (s *server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var update api.ProfileUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&update); err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("Invalid profile update"))
		return
	}
	if update.Empty() {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("Profile update has no fields"))
		return
	}

	env, err := s.queries.UpdateProfile(r.Context(), currentUserID(r), update)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

func (s *server) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	file, header, err := r.FormFile("photo")
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("A photo file is required"))
		return
	}
	defer file.Close()

	env, err := s.queries.UploadPhoto(r.Context(), currentUserID(r), api.PhotoFile{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     file,
	})
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

// =============================================================================
// Session
// =============================================================================

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Home      string    `json:"home"`
	User      *viewer   `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *server) signInPage(w http.ResponseWriter, r *http.Request) {
	snap := authprovider.RequestAccessor.Session(r.Context())
	if snap.Status == authprovider.StatusSignedIn {
		http.Redirect(w, r, s.guard.Table().Home(snap.Role()), http.StatusSeeOther)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": snap.Status.String()})
}

func (s *server) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil ||
		req.Email == "" || req.Password == "" {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("Email and password are required"))
		return
	}

	session, err := s.provider.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case authprovider.IsRejected(err):
		s.log.LogSecurityEvent(r.Context(), "sign_in_rejected", map[string]interface{}{"email": req.Email})
		httputil.WriteServiceError(w, r, svcerrors.Unauthorized("Invalid email or password"))
		return
	default:
		s.log.WithContext(r.Context()).WithError(err).Warn("sign-in failed")
		httputil.WriteServiceError(w, r, svcerrors.UpstreamUnavailable(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    session.AccessToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
	})

	resp := signInResponse{Home: s.guard.Table().Home(""), ExpiresAt: session.ExpiresAt}
	if u := session.User; u != nil {
		resp.Home = s.guard.Table().Home(u.Role)
		resp.User = newViewer(u, u.Role)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) signOut(w http.ResponseWriter, r *http.Request) {
	snap := authprovider.RequestAccessor.Session(r.Context())
	if snap.AccessToken != "" {
		if err := s.provider.SignOut(r.Context(), snap.AccessToken); err != nil {
			s.log.WithContext(r.Context()).WithError(err).Warn("provider sign-out failed")
		}
	}
	if snap.User != nil {
		s.queries.Cache().RemoveKey(api.ProfileKey(snap.User.ID))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	state := s.provider.Breaker().State()
	status := "ok"
	if state == authprovider.CircuitOpen {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"auth_provider": state.String(),
		"cache_entries": s.queries.Cache().Len(),
	})
}

// writeUpstreamError maps a transit API failure to a gateway error: error
// statuses keep their class, unreadable answers and unreachable upstreams
// become 502.
func (s *server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if se := svcerrors.GetServiceError(err); se != nil {
		httputil.WriteServiceError(w, r, se)
		return
	}

	qerr := query.Classify("", err)
	log := s.log.WithContext(r.Context()).WithError(err).WithField("kind", qerr.Kind.String())
	switch qerr.Kind {
	case query.KindStatus:
		log.WithField("upstream_status", qerr.StatusCode).Warn("transit API error")
		httputil.WriteServiceError(w, r, svcerrors.UpstreamStatus(qerr.StatusCode, err))
		return
	case query.KindDecode:
		log.WithField("upstream_status", qerr.StatusCode).Error("transit API sent an unreadable response")
		httputil.WriteServiceError(w, r, svcerrors.UpstreamInvalid(qerr.StatusCode, err))
		return
	}
	log.Error("transit API unreachable")
	httputil.WriteServiceError(w, r, svcerrors.UpstreamUnavailable(err))
}
