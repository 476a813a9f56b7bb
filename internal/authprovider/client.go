// Package authprovider talks to the external auth provider (a Supabase
// GoTrue-compatible service) and turns its tokens into session snapshots for
// the route guard and the API token source.
package authprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
)

// Client is a REST client for the auth provider.
type Client struct {
	http    *httputil.Client
	breaker *CircuitBreaker
	log     *logging.Logger
	now     func() time.Time
}

// Config holds client configuration.
type Config struct {
	URL            string
	PublishableKey string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Breaker        *BreakerConfig
	Logger         *logging.Logger
}

// New creates a provider client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.PublishableKey == "" {
		return nil, fmt.Errorf("PublishableKey is required")
	}

	breaker := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("authprovider")
	}

	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL:    strings.TrimSuffix(cfg.URL, "/") + "/auth/v1",
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
			Tokens:     httputil.ContextTokens,
			Headers:    map[string]string{"apikey": cfg.PublishableKey},
		}),
		breaker: NewCircuitBreaker(breaker),
		log:     log,
		now:     time.Now,
	}, nil
}

// Breaker exposes the provider circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// =============================================================================
// Auth Operations
// =============================================================================

// SignIn exchanges email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	q := url.Values{"grant_type": {"password"}}
	resp, err := c.post(ctx, "/token", q, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	return c.parseSession(resp.Body)
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	q := url.Values{"grant_type": {"refresh_token"}}
	resp, err := c.post(ctx, "/token", q, map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	return c.parseSession(resp.Body)
}

// GetUser returns the user owning accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	ctx = httputil.WithBearerToken(ctx, accessToken)
	resp, err := c.do(ctx, func(ctx context.Context) (*httputil.Response, error) {
		return c.http.Get(ctx, "/user", nil)
	})
	if err != nil {
		return nil, err
	}
	return parseUser(gjson.ParseBytes(resp.Body))
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	ctx = httputil.WithBearerToken(ctx, accessToken)
	_, err := c.do(ctx, func(ctx context.Context) (*httputil.Response, error) {
		return c.http.Do(ctx, http.MethodPost, "/logout", nil, nil)
	})
	return err
}

// =============================================================================
// Response Types
// =============================================================================

// Session is an issued token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// User is the provider's view of an account.
type User struct {
	ID        string
	Email     string
	Role      string
	FirstName string
	LastName  string
}

// FullName joins the name parts from user_metadata.
func (u *User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// RoleOf resolves the application role from a provider user document:
// app_metadata.role wins over user_metadata.role.
func RoleOf(doc gjson.Result) string {
	for _, path := range []string{"app_metadata.role", "user_metadata.role"} {
		if r := doc.Get(path); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func parseUser(doc gjson.Result) (*User, error) {
	id := doc.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("provider user has no id")
	}
	return &User{
		ID:        id,
		Email:     doc.Get("email").String(),
		Role:      RoleOf(doc),
		FirstName: doc.Get("user_metadata.first_name").String(),
		LastName:  doc.Get("user_metadata.last_name").String(),
	}, nil
}

func (c *Client) parseSession(body []byte) (*Session, error) {
	doc := gjson.ParseBytes(body)
	s := &Session{
		AccessToken:  doc.Get("access_token").String(),
		RefreshToken: doc.Get("refresh_token").String(),
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("provider response has no access_token")
	}

	switch {
	case doc.Get("expires_at").Exists():
		s.ExpiresAt = time.Unix(doc.Get("expires_at").Int(), 0)
	case doc.Get("expires_in").Exists():
		s.ExpiresAt = c.now().Add(time.Duration(doc.Get("expires_in").Int()) * time.Second)
	}

	if u := doc.Get("user"); u.Exists() {
		user, err := parseUser(u)
		if err != nil {
			return nil, err
		}
		s.User = user
	}
	return s, nil
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) post(ctx context.Context, path string, q url.Values, v interface{}) (*httputil.Response, error) {
	body, err := httputil.JSONBody(v)
	if err != nil {
		return nil, err
	}
	// Token exchanges authenticate with the publishable key only.
	ctx = httputil.WithBearerToken(ctx, "")
	return c.do(ctx, func(ctx context.Context) (*httputil.Response, error) {
		return c.http.Do(ctx, http.MethodPost, path, q, body)
	})
}

func (c *Client) do(ctx context.Context, send func(context.Context) (*httputil.Response, error)) (*httputil.Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := send(ctx)
	var statusErr *httputil.StatusError
	switch {
	case err == nil, errors.As(err, &statusErr):
		c.breaker.RecordSuccess()
	case ctx.Err() == nil:
		c.breaker.RecordFailure(err)
		c.log.WithContext(ctx).WithError(err).Warn("auth provider unreachable")
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsRejected reports whether err means the provider refused the credentials
// or token, as opposed to being unreachable.
func IsRejected(err error) bool {
	var statusErr *httputil.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
