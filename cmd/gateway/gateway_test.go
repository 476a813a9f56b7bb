package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/config"
	"github.com/R3E-Network/transit_layer/internal/guard"
	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/middleware"
	"github.com/R3E-Network/transit_layer/internal/query"
	"github.com/R3E-Network/transit_layer/pkg/testutil"
)

const testSecret = "gateway-test-secret-with-enough-length"

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type testGateway struct {
	srv       *server
	handler   http.Handler
	transit   *testutil.TransitServer
	cache     *query.Client
	authCalls *callLog
}

// callLog counts requests per path across server goroutines.
type callLog struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callLog) hit(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[path]++
}

func (c *callLog) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

// newFakeAuth answers password grants for hunter2 with a signed operator token.
func newFakeAuth(t *testing.T, calls *callLog) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		calls.hit(r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "hunter2" {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  signToken(t, "u-9", guard.RoleOperator),
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"user": map[string]interface{}{
				"id":            "u-9",
				"email":         body["email"],
				"app_metadata":  map[string]interface{}{"role": guard.RoleOperator},
				"user_metadata": map[string]interface{}{"first_name": "Olga", "last_name": "Petrova"},
			},
		})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		calls.hit(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	log := logging.NewDiscard()

	transit := testutil.NewTransitServer()
	t.Cleanup(transit.Close)

	calls := &callLog{calls: make(map[string]int)}
	auth := newFakeAuth(t, calls)
	provider, err := authprovider.New(authprovider.Config{URL: auth.URL, PublishableKey: "pk-test", Logger: log})
	require.NoError(t, err)

	verifier, err := authprovider.NewVerifier(testSecret, "")
	require.NoError(t, err)

	cache := query.New(query.Options{
		Retry:  &query.RetryConfig{MaxRetries: 1},
		Logger: log,
	})
	t.Cleanup(cache.Close)

	srv := &server{
		queries: api.NewQueries(api.New(api.Config{
			ServerURL: transit.URL,
			Tokens:    httputil.ContextTokens,
		}), cache),
		provider: provider,
		resolver: authprovider.NewResolver(verifier, provider, log),
		guard:    guard.New(authprovider.RequestAccessor, guard.DefaultRouteTable(), log),
		nav:      config.DefaultNavigation(),
		log:      log,
		now:      func() time.Time { return testNow },
	}
	limiter := middleware.NewRateLimiter(1000, 1000, log)

	return &testGateway{
		srv:       srv,
		handler:   srv.routes([]string{"https://app.example.com"}, limiter),
		transit:   transit,
		cache:     cache,
		authCalls: calls,
	}
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	claims := authprovider.Claims{
		Email:       userID + "@example.com",
		AppMetadata: map[string]interface{}{"role": role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (g *testGateway) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	return g.do(t, httptest.NewRequest(http.MethodGet, path, nil), token)
}

type pageBody struct {
	Path         string           `json:"path"`
	User         *viewer          `json:"user"`
	Nav          []config.NavItem `json:"nav"`
	BookingSteps []config.Step    `json:"booking_steps"`
	Data         json.RawMessage  `json:"data"`
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) pageBody {
	t.Helper()
	var p pageBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p), rec.Body.String())
	return p
}

// =============================================================================
// Guarded Pages
// =============================================================================

func TestRoutesPage_RendersForCommuter(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/routes?route_id=r-1&date=", signToken(t, "u-1", guard.RoleCommuter))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p := decodePage(t, rec)
	require.NotNil(t, p.User)
	assert.Equal(t, guard.RoleCommuter, p.User.Role)
	assert.Equal(t, config.DefaultNavigation().For(guard.RoleCommuter), p.Nav)
	assert.Len(t, p.BookingSteps, 3)

	var schedules []api.Schedule
	require.NoError(t, json.Unmarshal(p.Data, &schedules))
	require.Len(t, schedules, 1)
	assert.Equal(t, "Campus Loop", schedules[0].Route.Name)

	last := g.transit.LastRequest()
	assert.Equal(t, "route_id=r-1", last.RawQuery, "empty filters are not forwarded")
	assert.True(t, strings.HasPrefix(last.Authorization, "Bearer "), "caller's token is forwarded")
}

func TestRoutesPage_ServedFromCache(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "u-1", guard.RoleCommuter)

	require.Equal(t, http.StatusOK, g.get(t, "/routes", token).Code)
	require.Equal(t, http.StatusOK, g.get(t, "/routes", token).Code)
	assert.Equal(t, 1, g.transit.Calls(http.MethodGet, "/api/schedules"))
}

func TestDashboard_CommuterRedirectedToRoutes(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/operator/dashboard", signToken(t, "u-1", guard.RoleCommuter))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.DefaultHome, rec.Header().Get("Location"))
	assert.Zero(t, g.transit.Calls(http.MethodGet, "/api/schedules"), "guard runs before any fetch")
}

func TestDashboard_RendersForOperator(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/operator/dashboard", signToken(t, "u-9", guard.RoleOperator))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary dashboardSummary
	require.NoError(t, json.Unmarshal(decodePage(t, rec).Data, &summary))
	assert.Equal(t, 1, summary.Departures)
	require.Len(t, summary.Routes, 1)
	assert.Equal(t, routeLoad{RouteID: "r-1", Name: "Campus Loop", Departures: 1, Seats: 40}, summary.Routes[0])
	require.NotNil(t, summary.Next)
	assert.Equal(t, "s-1", summary.Next.ID)
}

func TestGuardedPages_AnonymousRedirectedToSignIn(t *testing.T) {
	g := newTestGateway(t)
	for _, path := range []string{"/routes", "/operator/dashboard"} {
		rec := g.get(t, path, "")
		assert.Equal(t, http.StatusSeeOther, rec.Code, path)
		assert.Equal(t, guard.LoginRoute, rec.Header().Get("Location"), path)
	}
}

func TestGuardedPages_InvalidTokenIsSignedOut(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/routes", "not-a-jwt")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.LoginRoute, rec.Header().Get("Location"))
}

func TestUpstreamFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode int
	}{
		{"server error becomes bad gateway", http.StatusInternalServerError, http.StatusBadGateway},
		{"client error keeps its status", http.StatusNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t)
			g.transit.FailWith(tt.status)

			rec := g.get(t, "/routes", signToken(t, "u-1", guard.RoleCommuter))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "UPSTREAM_STATUS", body.Code)
			assert.EqualValues(t, tt.status, body.Details["upstream_status"])
		})
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	g := newTestGateway(t)
	g.transit.Close()

	rec := g.get(t, "/routes", signToken(t, "u-1", guard.RoleCommuter))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", body.Code)
}

func TestWriteUpstreamError_UnreadableResponse(t *testing.T) {
	s := &server{log: logging.NewDiscard()}
	rec := httptest.NewRecorder()
	err := query.Classify(api.ScheduleQuery, &httputil.DecodeError{
		StatusCode: http.StatusOK,
		Body:       []byte("<html>oops</html>"),
		Err:        errors.New("invalid character '<'"),
	})
	s.writeUpstreamError(rec, httptest.NewRequest(http.MethodGet, "/routes", nil), err)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UPSTREAM_INVALID_RESPONSE", body.Code)
	assert.EqualValues(t, http.StatusOK, body.Details["upstream_status"])
}

func TestLiveSchedules(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.handler)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/routes/live?route_id=r-1"

	header := http.Header{"Authorization": {"Bearer " + signToken(t, "u-1", guard.RoleCommuter)}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	next := func(match func(liveState) bool) liveState {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		for {
			var st liveState
			require.NoError(t, conn.ReadJSON(&st))
			if match(st) {
				return st
			}
		}
	}

	st := next(func(s liveState) bool { return s.HasData })
	assert.Equal(t, "r-1", st.Params.RouteID)
	require.Len(t, st.Data, 1)
	assert.Equal(t, "s-1", st.Data[0].ID)

	require.NoError(t, conn.WriteJSON(api.ScheduleParams{RouteID: "r-9"}))
	st = next(func(s liveState) bool { return s.Params.RouteID == "r-9" && s.HasData })
	assert.Empty(t, st.Data)
	assert.Nil(t, st.Error)
}

func TestLiveSchedules_DropsSilentPeer(t *testing.T) {
	g := newTestGateway(t)
	g.srv.pongWait = 100 * time.Millisecond
	srv := httptest.NewServer(g.handler)
	t.Cleanup(srv.Close)

	header := http.Header{"Authorization": {"Bearer " + signToken(t, "u-1", guard.RoleCommuter)}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/routes/live", header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "the server closes the connection first")
			return
		}
	}
}

func TestLiveSchedules_Guarded(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.handler)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/routes/live", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, guard.LoginRoute, resp.Header.Get("Location"))
}

func TestNewLiveState(t *testing.T) {
	st := newLiveState(api.ScheduleParams{Date: "2024-05-01"}, query.State[[]api.Schedule]{
		Loading: true,
		Err:     &query.Error{Kind: query.KindStatus, StatusCode: 503},
	})
	assert.Equal(t, []api.Schedule{}, st.Data)
	assert.Nil(t, st.UpdatedAt)
	assert.Equal(t, &liveError{Kind: "status", Status: 503}, st.Error)
}

// =============================================================================
// Profile
// =============================================================================

func TestProfile_RequiresSignIn(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/me/profile", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfile_GetAndUpdate(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "u-1", guard.RoleCommuter)

	rec := g.get(t, "/me/profile", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile api.User
	require.NoError(t, json.Unmarshal(decodePage(t, rec).Data, &profile))
	assert.Equal(t, "Sam Rider", profile.FullName())

	req := httptest.NewRequest(http.MethodPut, "/me/profile", strings.NewReader(`{"phone_number":"+1 555 0100"}`))
	rec = g.do(t, req, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env api.Envelope[api.User]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, http.StatusOK, env.Status)
	assert.Equal(t, "+1 555 0100", env.Data.PhoneNumber)
	assert.JSONEq(t, `{"phone_number":"+1 555 0100"}`, string(g.transit.LastRequest().Body))

	cached, ok := query.Peek[api.User](g.cache, api.ProfileKey("u-1"))
	require.True(t, ok)
	assert.Equal(t, "+1 555 0100", cached.PhoneNumber)
}

func TestProfile_EmptyUpdateRejected(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPut, "/me/profile", strings.NewReader(`{}`))
	rec := g.do(t, req, signToken(t, "u-1", guard.RoleCommuter))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, g.transit.Calls(http.MethodPut, "/api/me/profile"))
}

func TestProfile_PhotoUpload(t *testing.T) {
	g := newTestGateway(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("photo", "me.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/me/profile/photo", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := g.do(t, req, signToken(t, "u-1", guard.RoleCommuter))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env api.Envelope[api.PhotoUploadResult]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "https://cdn.example.com/photos/u-1.jpg", env.Data.URL)

	upstream := g.transit.LastRequest()
	assert.Equal(t, "me.jpg", upstream.Files["photo"])
	assert.Equal(t, []byte("jpeg-bytes"), upstream.FileBytes["photo"])
}

func TestProfile_PhotoUploadRequiresFile(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/me/profile/photo", strings.NewReader(""))
	rec := g.do(t, req, signToken(t, "u-1", guard.RoleCommuter))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Session
// =============================================================================

func TestSignIn_SetsCookieAndReturnsRoleHome(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/sign-in",
		strings.NewReader(`{"email":"op@example.com","password":"hunter2"}`))
	rec := g.do(t, req, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp signInResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, guard.OperatorHome, resp.Home)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u-9", resp.User.ID)
	assert.Equal(t, "Olga Petrova", resp.User.Name)

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	// The cookie alone authenticates the next request.
	next := httptest.NewRequest(http.MethodGet, "/operator/dashboard", nil)
	next.AddCookie(&http.Cookie{Name: session.Name, Value: session.Value})
	assert.Equal(t, http.StatusOK, g.do(t, next, "").Code)
}

func TestSignIn_Rejected(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/sign-in",
		strings.NewReader(`{"email":"op@example.com","password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, g.do(t, req, "").Code)

	req = httptest.NewRequest(http.MethodPost, "/sign-in", strings.NewReader(`{"email":"op@example.com"}`))
	assert.Equal(t, http.StatusBadRequest, g.do(t, req, "").Code)
	assert.Equal(t, 1, g.authCalls.count("/auth/v1/token"))
}

func TestSignInPage_RedirectsSignedInUserHome(t *testing.T) {
	g := newTestGateway(t)

	rec := g.get(t, "/sign-in", signToken(t, "u-9", guard.RoleOperator))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.OperatorHome, rec.Header().Get("Location"))

	rec = g.get(t, "/sign-in", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"signed_out"}`, rec.Body.String())
}

func TestSignOut_ClearsCookie(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "u-1", guard.RoleCommuter)

	require.Equal(t, http.StatusOK, g.get(t, "/me/profile", token).Code)
	_, cached := query.Peek[api.User](g.cache, api.ProfileKey("u-1"))
	require.True(t, cached)

	req := httptest.NewRequest(http.MethodPost, "/sign-out", nil)
	rec := g.do(t, req, token)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, g.authCalls.count("/auth/v1/logout"))
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)

	_, cached = query.Peek[api.User](g.cache, api.ProfileKey("u-1"))
	assert.False(t, cached, "the profile leaves the cache with the session")
	assert.Empty(t, g.cache.Keys())
}

// =============================================================================
// Plumbing
// =============================================================================

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	rec := g.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["auth_provider"])
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodOptions, "/me/profile", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)

	rec := g.do(t, req, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSummarize(t *testing.T) {
	at := func(h int) time.Time { return testNow.Add(time.Duration(h) * time.Hour) }
	schedules := []api.Schedule{
		{ID: "a", DepartureTime: at(-1), Route: api.Route{ID: "r-2", Name: "Airport"}, Bus: api.Bus{Capacity: 50}},
		{ID: "b", DepartureTime: at(3), Route: api.Route{ID: "r-1", Name: "Campus Loop"}, Bus: api.Bus{Capacity: 40}},
		{ID: "c", DepartureTime: at(2), Route: api.Route{ID: "r-2", Name: "Airport"}, Bus: api.Bus{Capacity: 50}},
	}

	got := summarize(schedules, testNow)
	assert.Equal(t, 3, got.Departures)
	assert.Equal(t, []routeLoad{
		{RouteID: "r-2", Name: "Airport", Departures: 2, Seats: 100},
		{RouteID: "r-1", Name: "Campus Loop", Departures: 1, Seats: 40},
	}, got.Routes)
	require.NotNil(t, got.Next)
	assert.Equal(t, "c", got.Next.ID)

	empty := summarize(nil, testNow)
	assert.Zero(t, empty.Departures)
	assert.Empty(t, empty.Routes)
	assert.Nil(t, empty.Next)
}
