package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	slinkgin "github.com/pilab-dev/shadow-link/api/gin"
	"github.com/pilab-dev/shadow-link/internal/authflow"
	"github.com/pilab-dev/shadow-link/internal/metrics"
	"github.com/pilab-dev/shadow-link/internal/ratelimit"
	"github.com/pilab-dev/shadow-link/internal/refresh"
	"github.com/pilab-dev/shadow-link/internal/server"
	"github.com/pilab-dev/shadow-link/mongodb"
	"github.com/pilab-dev/shadow-link/services"
	"github.com/pilab-dev/shadow-link/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveNoRefresh bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the OAuth endpoints and run the background jobs",
	Long: `serve starts the HTTP server. Unless disabled it also runs the token
refresh scheduler and the expired pending request cleanup in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoRefresh, "no-refresh", false, "do not run the token refresh scheduler in this process")
}

func runServe(ctx context.Context) error {
	tp, err := tracing.InitTracerProvider(ctx, tracing.Options{
		ServiceName: cfg.OtelServiceName,
		Enabled:     cfg.TracingEnabled,
		SampleRatio: cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(reg)

	comps := newComponents(cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		comps.close(shutdownCtx)
		tracing.Shutdown(shutdownCtx, tp)
	}()

	links, auditLogger, err := comps.linkStore(ctx)
	if err != nil {
		return err
	}
	registry, err := comps.providers()
	if err != nil {
		return err
	}
	pending, err := comps.pendingStore(ctx)
	if err != nil {
		return err
	}
	limiter, err := comps.rateLimiter(ctx)
	if err != nil {
		return err
	}

	flows := authflow.NewManager(pending, cfg.PendingRequestTTL)
	svc := services.NewFederationService(registry, flows, links, limiter, auditLogger, services.FederationServiceConfig{
		StartLimit:    ratelimit.Policy{Limit: cfg.RateLimitMax, Window: cfg.RateLimitWindow},
		CallbackLimit: ratelimit.Policy{Limit: cfg.CallbackRateLimitMax, Window: cfg.RateLimitWindow},
	})

	sessions, err := sessionBoundary(cfg)
	if err != nil {
		return err
	}

	api := slinkgin.NewFederationAPI(svc, sessions, cfg.PostLoginRedirect)
	httpServer := server.NewHTTPServer(server.Options{
		Addr:        cfg.HTTPAddr,
		ServiceName: cfg.OtelServiceName,
		Debug:       cfg.LogLevel == "debug",
		TLS:         strings.HasPrefix(cfg.BaseURL, "https://"),
		Gatherer:    reg,
		HealthCheck: func(c *gin.Context) error { return mongodb.Ping(c.Request.Context()) },
	}, api)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Strs("providers", providerNames(registry.Names())).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		flows.RunCleanup(ctx, cfg.PendingCleanupInterval)
		return nil
	})

	if cfg.RefreshEnabled && !serveNoRefresh {
		scheduler := refresh.NewScheduler(cfg.RefreshConfig(), links, registry, auditLogger)
		g.Go(func() error {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("linkd stopped")
	return err
}
