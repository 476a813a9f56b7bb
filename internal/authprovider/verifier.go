package authprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/transit_layer/internal/logging"
)

// Claims are the provider's access token claims.
type Claims struct {
	Email        string                 `json:"email,omitempty"`
	Role         string                 `json:"role,omitempty"`
	AppMetadata  map[string]interface{} `json:"app_metadata,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// AppRole returns the application role: app_metadata.role, then
// user_metadata.role. The top-level role claim is the database role and is
// ignored.
func (c *Claims) AppRole() string {
	for _, md := range []map[string]interface{}{c.AppMetadata, c.UserMetadata} {
		if r, ok := md["role"].(string); ok && r != "" {
			return r
		}
	}
	return ""
}

// Verifier checks provider access tokens locally with the project's HS256
// secret.
type Verifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewVerifier creates a verifier. audience may be empty.
func NewVerifier(secret, audience string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &Verifier{secret: []byte(secret), audience: audience, now: time.Now}, nil
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("verify token: invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("verify token: missing subject")
	}
	return claims, nil
}

// Snapshot turns a verified token into a signed-in snapshot.
func (v *Verifier) Snapshot(token string) (Snapshot, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return SignedOut(), err
	}
	first, _ := claims.UserMetadata["first_name"].(string)
	last, _ := claims.UserMetadata["last_name"].(string)
	return Snapshot{
		Status: StatusSignedIn,
		User: &User{
			ID:        claims.Subject,
			Email:     claims.Email,
			Role:      claims.AppRole(),
			FirstName: first,
			LastName:  last,
		},
		AccessToken: token,
	}, nil
}

// =============================================================================
// Per-request Resolution
// =============================================================================

// Resolver turns a request's bearer token into a snapshot, verifying it
// locally when a secret is configured and asking the provider otherwise.
type Resolver struct {
	verifier *Verifier
	client   *Client
	log      *logging.Logger
}

// NewResolver creates a resolver. Either verifier or client may be nil, not
// both.
func NewResolver(verifier *Verifier, client *Client, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.NewDefault("session")
	}
	return &Resolver{verifier: verifier, client: client, log: log}
}

// Resolve returns the snapshot for token.
func (r *Resolver) Resolve(ctx context.Context, token string) Snapshot {
	if token == "" {
		return SignedOut()
	}

	if r.verifier != nil {
		snap, err := r.verifier.Snapshot(token)
		if err != nil {
			r.log.WithContext(ctx).WithError(err).Debug("access token rejected")
		}
		return snap
	}

	if r.client == nil {
		return Loading()
	}
	user, err := r.client.GetUser(ctx, token)
	switch {
	case err == nil:
		return Snapshot{Status: StatusSignedIn, User: user, AccessToken: token}
	case IsRejected(err):
		return SignedOut()
	default:
		r.log.WithContext(ctx).WithError(err).Warn("session unresolved")
		return Loading()
	}
}

type snapshotKey struct{}

// WithSnapshot stores the request's resolved snapshot in ctx.
func WithSnapshot(ctx context.Context, s Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, s)
}

// SnapshotFromContext returns the snapshot stored by WithSnapshot.
func SnapshotFromContext(ctx context.Context) (Snapshot, bool) {
	s, ok := ctx.Value(snapshotKey{}).(Snapshot)
	return s, ok
}

// RequestAccessor reads the snapshot attached to a request context. Requests
// that were never resolved are Loading.
var RequestAccessor Accessor = AccessorFunc(func(ctx context.Context) Snapshot {
	if s, ok := SnapshotFromContext(ctx); ok {
		return s
	}
	return Loading()
})
