// Package api is the ops HTTP surface: health, readiness, and metrics.
// The product API lives elsewhere; nothing here is tenant-facing.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice/pkg/supervisor"
)

const readinessTimeout = 5 * time.Second

// healthSource is the supervisor's health view.
type healthSource interface {
	Health() supervisor.Health
}

// dbPinger is the database readiness probe.
type dbPinger interface {
	PingContext(ctx context.Context) error
}

// Server serves the ops endpoints.
type Server struct {
	db   dbPinger
	rdb  redis.UniversalClient
	sup  healthSource
	http *http.Server
}

// NewServer wires the ops server. Gin runs in release mode; the ops
// surface has no use for request logging.
func NewServer(db dbPinger, rdb redis.UniversalClient, sup healthSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{db: db, rdb: rdb, sup: sup}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.healthzHandler)
	router.GET("/readyz", s.readyzHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{Handler: router}
	return s
}

// Start serves on addr until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// healthzHandler returns the supervisor's per-task view. 503 once any
// task has failed permanently.
func (s *Server) healthzHandler(c *gin.Context) {
	health := s.sup.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// readyzHandler pings the two stores every request path depends on.
func (s *Server) readyzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, 2)
	ready := true

	if err := s.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
