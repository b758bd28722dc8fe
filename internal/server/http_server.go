package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	slinkgin "github.com/pilab-dev/shadow-link/api/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(c *gin.Context) error

// Options configure the HTTP server.
type Options struct {
	Addr        string
	ServiceName string
	Debug       bool
	TLS         bool // public URL is https; enables HSTS
	Gatherer    prometheus.Gatherer // served on /metrics; defaults to the global registry
	HealthCheck HealthCheck
}

// NewHTTPServer builds the gin engine with recovery, tracing, request
// logging, security headers, /healthz and /metrics, and mounts the
// federation routes.
func NewHTTPServer(opts Options, api *slinkgin.FederationAPI) *http.Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(slinkgin.RequestLogger())
	router.Use(slinkgin.SecurityHeadersMiddleware(opts.TLS))

	router.GET("/healthz", func(c *gin.Context) {
		if opts.HealthCheck != nil {
			if err := opts.HealthCheck(c); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	if api != nil {
		api.RegisterRoutes(router)
	}

	return &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
