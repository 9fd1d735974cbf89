package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/index"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobService is the orchestrator surface the API exposes.
type JobService interface {
	Submit(ctx context.Context, req core.JobRequest) (string, error)
	Status(ctx context.Context, id string) (core.JobSnapshot, error)
	Result(ctx context.Context, id string) (core.JobResult, error)
	Cancel(id string) error
	List(ctx context.Context, filter core.JobFilter) ([]core.JobSnapshot, error)
	GetPerformanceMetrics() map[string]interface{}
}

// Searcher answers indicator full-text queries.
type Searcher interface {
	Search(q string, k int) ([]index.Hit, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

// Deps wires the HTTP layer. Jobs and Registry are required; everything else is optional.
type Deps struct {
	Jobs         JobService
	Registry     *streams.SchemaRegistry
	Index        Searcher
	Checks       map[string]Check
	QueueBacklog func(ctx context.Context) (streams.Backlog, error)
	Metrics      http.Handler
	Secret       []byte
	Logger       *log.Logger
}

// New builds the echo instance with every route mounted.
func New(deps Deps) (*echo.Echo, error) {
	if deps.Jobs == nil {
		return nil, fmt.Errorf("job service required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("schema registry required")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", readiness(deps.Checks))
	e.GET("/metrics", echo.WrapHandler(metrics))

	api := e.Group("/api")
	read := []echo.MiddlewareFunc{}
	write := []echo.MiddlewareFunc{}
	if len(deps.Secret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(deps.Secret))
		read = append(read, runtime.RequireScopes(runtime.ScopeJobsRead))
		write = append(write, runtime.RequireScopes(runtime.ScopeJobsWrite))
	} else {
		deps.Logger.Printf("warning: server.jwt_secret not set, /api is unauthenticated")
	}

	jobs := &JobsHandler{Jobs: deps.Jobs, Registry: deps.Registry, Index: deps.Index}
	jobs.Register(api, read, write)
	NewOpsHandler(deps.Jobs, deps.QueueBacklog).Register(api.Group("/ops", read...))
	return e, nil
}

// errorHandler maps domain errors to status codes and always answers {"error": msg}.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		case errors.Is(err, core.ErrInvalidRequest):
			code = http.StatusBadRequest
		case errors.Is(err, core.ErrJobNotFound):
			code = http.StatusNotFound
		case errors.Is(err, core.ErrJobFinished):
			code = http.StatusConflict
		case errors.Is(err, core.ErrShutdown):
			code = http.StatusServiceUnavailable
		}
		req := c.Request()
		if code >= http.StatusInternalServerError {
			logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		}
		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, HTTPError{Error: msg})
	}
}

func readiness(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		resp := ReadinessResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = "error: " + err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		return c.JSON(code, resp)
	}
}

// Run serves e on addr until ctx ends, then shuts the listener down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
