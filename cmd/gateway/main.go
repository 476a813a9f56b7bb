// Command gateway serves the transit web client's pages as JSON view models.
// Every page is gated by the role guard and reads through the query cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/config"
	"github.com/R3E-Network/transit_layer/internal/guard"
	"github.com/R3E-Network/transit_layer/internal/httputil"
	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/middleware"
	"github.com/R3E-Network/transit_layer/internal/query"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("gateway stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	provider, err := authprovider.New(authprovider.Config{
		URL:            cfg.AuthURL,
		PublishableKey: cfg.AuthPublishableKey,
		Timeout:        cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("auth provider: %w", err)
	}

	var verifier *authprovider.Verifier
	if cfg.AuthJWTSecret != "" {
		if verifier, err = authprovider.NewVerifier(cfg.AuthJWTSecret, cfg.AuthAudience); err != nil {
			return fmt.Errorf("token verifier: %w", err)
		}
	} else {
		log.Warn("AUTH_JWT_SECRET not set; verifying sessions with the auth provider")
	}

	cache := query.New(query.Options{
		StaleTime:    cfg.QueryStaleTime,
		GCTime:       cfg.QueryGCTime,
		FetchTimeout: cfg.RequestTimeout,
		Logger:       logging.New("query", cfg.LogLevel, cfg.LogFormat),
	})
	if err := cache.StartJanitor(); err != nil {
		return err
	}
	defer cache.Close()

	transit := api.New(api.Config{
		ServerURL: cfg.APIServerURL,
		Tokens:    httputil.ContextTokens,
		Timeout:   cfg.RequestTimeout,
		UserAgent: "transit-gateway",
	})

	srv := &server{
		queries:  api.NewQueries(transit, cache),
		provider: provider,
		resolver: authprovider.NewResolver(verifier, provider, log),
		guard:    guard.New(authprovider.RequestAccessor, cfg.Routes, log),
		nav:      config.LoadNavigationOrDefault(cfg.NavigationFile, log),
		log:      log,
		now:      time.Now,
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	limiter.StartCleanup(ctx, 10*time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(cfg.AllowedOrigins(), limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
