// Package api serves health, metrics and run status over HTTP while the
// ingester runs in scheduled mode.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/monitoring"
	"barreplay/internal/orchestrator"
)

// HealthChecker is implemented by the database and Redis clients
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TaskLister reports scheduled tasks
type TaskLister interface {
	Snapshot() []orchestrator.Task
}

// SummaryReader returns the last stored run summary of a ticker, nil when
// there is none
type SummaryReader interface {
	LastRun(ctx context.Context, ticker string) ([]byte, error)
}

// Server represents the status server
type Server struct {
	addr       string
	router     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger

	metrics   *monitoring.Metrics
	metricsH  http.Handler
	history   *orchestrator.History
	tasks     TaskLister
	runner    orchestrator.JobRunner
	summaries SummaryReader
	checks    map[string]HealthChecker
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithHealthCheck adds a named dependency to /healthz
func WithHealthCheck(name string, hc HealthChecker) Option {
	return func(s *Server) { s.checks[name] = hc }
}

// WithTasks exposes scheduled tasks on /status
func WithTasks(t TaskLister) Option {
	return func(s *Server) { s.tasks = t }
}

// WithRunner enables POST /backfill
func WithRunner(r orchestrator.JobRunner) Option {
	return func(s *Server) { s.runner = r }
}

// WithSummaries answers /runs/:ticker/last for runs this process has not
// seen, such as runs of other replicas
func WithSummaries(r SummaryReader) Option {
	return func(s *Server) { s.summaries = r }
}

// WithMetricsHandler replaces the default Prometheus handler
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server listening on addr once Start is called
func NewServer(addr string, metrics *monitoring.Metrics, history *orchestrator.History, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      addr,
		router:    gin.New(),
		metrics:   metrics,
		metricsH:  monitoring.PrometheusHandler(),
		history:   history,
		checks:    make(map[string]HealthChecker),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithField("component", "api")
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(recovery(s.logger))
	s.router.Use(s.metrics.MetricsMiddleware())
	s.router.Use(handleErrors(s.logger))

	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(s.metricsH))
	s.router.GET("/status", s.status)
	s.router.GET("/runs", s.runs)
	s.router.GET("/runs/:ticker/last", s.lastRun)
	s.router.POST("/backfill", s.backfill)
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	services := gin.H{}
	for name, hc := range s.checks {
		if err := hc.HealthCheck(ctx); err != nil {
			healthy = false
			services[name] = gin.H{"healthy": false, "error": err.Error()}
			continue
		}
		services[name] = gin.H{"healthy": true}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":  healthy,
		"uptime":   time.Since(s.startedAt).String(),
		"services": services,
	})
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"started_at": s.startedAt,
		"runs":       s.history.Len(),
		"recent":     s.history.Recent(10),
	}
	if s.tasks != nil {
		resp["tasks"] = s.tasks.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		_ = c.Error(apperrors.InvalidInput("limit must be a non-negative integer"))
		return
	}
	c.JSON(http.StatusOK, s.history.Recent(limit))
}

func (s *Server) lastRun(c *gin.Context) {
	ticker := c.Param("ticker")
	if record, ok := s.history.Last(ticker); ok {
		c.JSON(http.StatusOK, record)
		return
	}

	if s.summaries != nil {
		data, err := s.summaries.LastRun(c.Request.Context(), ticker)
		if err != nil {
			_ = c.Error(apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to read run summary", err))
			return
		}
		if data != nil {
			c.Data(http.StatusOK, "application/json; charset=utf-8", data)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no runs for ticker"})
}

type backfillRequest struct {
	Ticker    string `json:"ticker" binding:"required"`
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

// backfill accepts a job and runs it in the background
func (s *Server) backfill(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "manual backfills are disabled"})
		return
	}

	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput(err.Error()))
		return
	}
	start, err1 := time.Parse(time.DateOnly, req.StartDate)
	end, err2 := time.Parse(time.DateOnly, req.EndDate)
	if err := errors.Join(err1, err2); err != nil || end.Before(start) {
		_ = c.Error(apperrors.InvalidInput("dates must be YYYY-MM-DD with end_date not before start_date"))
		return
	}

	job := orchestrator.Job{Ticker: req.Ticker, StartDate: start, EndDate: end}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runner.Run(s.ctx, job); err != nil {
			s.logger.WithError(err).WithField("ticker", job.Ticker).Error("Manual backfill failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "ticker": req.Ticker})
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("addr", s.addr).Info("Starting status server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down and cancels manual backfills
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	defer s.wg.Wait()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}
