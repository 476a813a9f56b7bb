// Package config loads process configuration from the environment (and an
// optional .env file) plus the navigation YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	svcerrors "github.com/R3E-Network/transit_layer/internal/errors"
	"github.com/R3E-Network/transit_layer/internal/guard"
)

// Config is the process configuration shared by the gateway and the CLI.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR,default=:8080"`
	APIServerURL string `env:"API_SERVER_URL,default=http://localhost:8000"`

	AuthURL            string `env:"AUTH_URL,default=http://localhost:54321"`
	AuthPublishableKey string `env:"AUTH_PUBLISHABLE_KEY,required"`
	// AuthJWTSecret enables local token verification when set.
	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`
	AuthAudience  string `env:"AUTH_JWT_AUDIENCE,default=authenticated"`

	RoleHomeRoutes string `env:"ROLE_HOME_ROUTES"`
	NavigationFile string `env:"NAVIGATION_FILE,default=config/navigation.yaml"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	QueryStaleTime  time.Duration `env:"QUERY_STALE_TIME,default=60s"`
	QueryGCTime     time.Duration `env:"QUERY_GC_TIME,default=5m"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=40"`
	CORSOrigins    string  `env:"CORS_ALLOWED_ORIGINS"`

	// Routes is derived from RoleHomeRoutes.
	Routes guard.RouteTable `env:"-"`
}

// Load reads envFiles (default ".env"; missing files are skipped) into the
// environment without overriding it, then decodes Config. A missing
// AUTH_PUBLISHABLE_KEY is a startup error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, svcerrors.ConfigInvalid(fmt.Sprintf("load env file %s", f), err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, svcerrors.ConfigInvalid("decode environment", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if strings.TrimSpace(c.AuthPublishableKey) == "" {
		return svcerrors.ConfigInvalid("AUTH_PUBLISHABLE_KEY is required", nil)
	}

	routes, err := guard.ParseRouteTable(c.RoleHomeRoutes, guard.DefaultRouteTable())
	if err != nil {
		return svcerrors.ConfigInvalid("ROLE_HOME_ROUTES", err)
	}
	c.Routes = routes

	if c.RateLimitRPS <= 0 {
		return svcerrors.ConfigInvalid("RATE_LIMIT_RPS must be positive", nil)
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	return nil
}

// AllowedOrigins returns the configured CORS origins.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
