// Package api serves harness runs over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/mxgemm/internal/gemm"
	"github.com/samcharles93/mxgemm/internal/harness"
	"github.com/samcharles93/mxgemm/internal/logger"
	"github.com/samcharles93/mxgemm/internal/metrics"
	"github.com/samcharles93/mxgemm/internal/testvec"
)

// Per-request size limits.
const (
	// MaxMACs caps M*K*N.
	MaxMACs = 1 << 32
	// MaxOperandElems caps each of M*K, K*N and M*N, which bound the
	// activation, weight and output allocations of a run.
	MaxOperandElems = 1 << 24
)

type Config struct {
	Defaults Defaults
	Store    *RunStore
	Logger   logger.Logger

	// Registry receives the run metrics and backs GET /metrics. A fresh
	// registry is created when nil.
	Registry *prometheus.Registry

	// RateLimit is the sustained request rate for /v1 in requests per
	// second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	store    *RunStore
	defaults Defaults
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	clock    func() time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		defaults: cfg.Defaults,
		log:      cfg.Logger,
		registry: cfg.Registry,
		clock:    time.Now,
	}
	if s.store == nil {
		s.store = NewRunStore(DefaultStoreCapacity)
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// NewEcho returns an echo instance with the standard middleware and every
// route registered.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1", s.rateLimit)
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded", "", "")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(c *echo.Context) error {
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("decode request: %v", err))
	}
	opts, err := s.options(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	rep, err := harness.Run(c.Request().Context(), opts)
	if err != nil {
		if errors.Is(err, gemm.ErrShape) {
			return writeBadRequest(c, err.Error())
		}
		s.metrics.RecordRun(metrics.ResultError, 0)
		s.log.Error("run failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	run := Run{
		ID:        newRunID(),
		Object:    "run",
		CreatedAt: s.clock().Unix(),
		Report:    rep,
	}
	s.store.Save(run)
	s.log.Info("run stored", "id", run.ID, "shape", rep.Shape.String(), "passed", rep.Passed)
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *echo.Context) error {
	return c.JSON(http.StatusOK, RunList{Object: "list", Data: s.store.List()})
}

// options merges req over the server defaults and checks it before any work
// is scheduled.
func (s *Server) options(req RunRequest) (harness.Options, error) {
	d := s.defaults
	opts := harness.Options{
		Shape:   d.Shape,
		Tiling:  d.Tiling,
		Workers: d.Workers,
		Source:  d.Source,
		Seed:    d.Seed,
		Metrics: s.metrics,
		Logger:  s.log,
	}
	if req.M != 0 {
		opts.Shape.M = req.M
	}
	if req.K != 0 {
		opts.Shape.K = req.K
	}
	if req.N != 0 {
		opts.Shape.N = req.N
	}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}
	if req.Source != "" {
		opts.Source = req.Source
	}
	if req.Workers < 0 {
		return opts, newInvalidRequest(fmt.Sprintf("invalid workers: %d (must be non-negative)", req.Workers))
	}
	if maxWorkers := runtime.GOMAXPROCS(0); req.Workers > maxWorkers {
		return opts, newInvalidRequest(fmt.Sprintf("invalid workers: %d (must be <= %d)", req.Workers, maxWorkers))
	}
	if req.Workers > 0 {
		opts.Workers = req.Workers
	}

	switch opts.Source {
	case testvec.SourcePattern, testvec.SourceRandom:
	default:
		return opts, newInvalidRequest(fmt.Sprintf("invalid source: %q", opts.Source))
	}
	if err := opts.Shape.Validate(opts.Tiling); err != nil {
		return opts, err
	}
	if macs := int64(opts.Shape.M) * int64(opts.Shape.K) * int64(opts.Shape.N); macs > MaxMACs {
		return opts, newInvalidRequest(fmt.Sprintf("shape %s too large: %d MACs (max %d)", opts.Shape, macs, int64(MaxMACs)))
	}
	if err := checkOperandSizes(opts.Shape); err != nil {
		return opts, err
	}
	return opts, nil
}

func checkOperandSizes(s gemm.Shape) error {
	for _, dim := range []struct {
		name string
		a, b int
	}{
		{"m*k", s.M, s.K},
		{"k*n", s.K, s.N},
		{"m*n", s.M, s.N},
	} {
		if n := int64(dim.a) * int64(dim.b); n > MaxOperandElems {
			return newInvalidRequest(fmt.Sprintf("invalid %s: %d (must be <= %d)", dim.name, n, MaxOperandElems))
		}
	}
	return nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
