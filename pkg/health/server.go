package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
)

// StatusFunc returns the JSON-serializable node snapshot served on /status
type StatusFunc func() any

// Server is the node's admin HTTP endpoint: health probes, status and
// Prometheus metrics.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	checker    *HealthChecker
	status     StatusFunc
	metrics    *metrics.Registry
	logger     logging.Logger
}

// NewServer creates an admin server listening on addr
func NewServer(addr string, checker *HealthChecker, status StatusFunc, registry *metrics.Registry, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware(registry))
	router.Use(requestLogger(logger))

	s := &Server{
		router:  router,
		checker: checker,
		status:  status,
		metrics: registry,
		logger:  logger.With(logging.Component("admin")),
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", gin.WrapF(s.checker.HTTPHandler()))
	s.router.GET("/health/live", gin.WrapF(s.checker.LivenessHandler()))
	s.router.GET("/health/ready", gin.WrapF(s.checker.ReadinessHandler()))
	s.router.GET("/status", s.getStatus)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})))
}

// getStatus handles GET /status
func (s *Server) getStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status not available"})
		return
	}
	c.JSON(http.StatusOK, s.status())
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("admin server listening", logging.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// metricsMiddleware records HTTP request metrics
func metricsMiddleware(registry *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip metrics endpoint to avoid self-scraping noise
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		registry.HTTPRequestsInFlight.Inc()
		defer registry.HTTPRequestsInFlight.Dec()

		c.Next()

		registry.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Latency(time.Since(start)),
		)
	}
}
