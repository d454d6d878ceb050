// Package httpapi exposes the engine over HTTP: definition publishing,
// manual starts, approval decisions, webhooks, bus events and
// administrative instance control.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/pkg/schema"
)

// ActorHeader carries the caller identity. Authentication happens upstream.
const ActorHeader = "X-Flowd-Actor"

// Definitions is the definition registry used by the API.
type Definitions interface {
	Publish(ctx context.Context, def *schema.WorkflowDefinition) (*definitions.PublishResult, error)
	Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	Versions(ctx context.Context, id string) ([]*schema.WorkflowDefinition, error)
}

// Triggers starts instances from manual requests and webhook calls.
type Triggers interface {
	Manual(ctx context.Context, definitionID string, version int, payload map[string]any, actor string) (*schema.WorkflowInstance, error)
	Webhook(ctx context.Context, path string, payload map[string]any) ([]*schema.WorkflowInstance, error)
	SyncSchedules(ctx context.Context) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Engine      engine.Engine
	Definitions Definitions
	Triggers    Triggers
	// Bus is optional; without it POST /events answers 404.
	Bus events.Publisher
	// MCP, when set, is mounted under /mcp.
	MCP    http.Handler
	Logger *slog.Logger
}

// Server is the flowd HTTP API.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	logger *slog.Logger
}

// New builds the echo router.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(d.Logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("flowd"))
	e.Use(requestLogger(d.Logger))

	s := &Server{deps: d, echo: e, logger: d.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api/v1")

	api.POST("/definitions", s.publishDefinition)
	api.GET("/definitions/:id", s.getDefinition)
	api.GET("/definitions/:id/versions", s.definitionVersions)
	api.GET("/definitions/:id/diagram", s.definitionDiagram)

	api.POST("/instances", s.createInstance)
	api.GET("/instances", s.listInstances)
	api.GET("/instances/:id", s.instanceStatus)
	api.GET("/instances/:id/diagram", s.instanceDiagram)
	api.POST("/instances/:id/cancel", s.cancelInstance)
	api.POST("/instances/:id/pause", s.pauseInstance)
	api.POST("/instances/:id/resume", s.resumeInstance)
	api.POST("/instances/:id/approvals/:step", s.decideApproval)

	api.POST("/webhooks/:path", s.webhook)
	api.POST("/events", s.publishEvent)

	if s.deps.MCP != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.deps.MCP))
		s.echo.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// NewHTTPServer wraps h in an http.Server with the API's timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			if actor := req.Header.Get(ActorHeader); actor != "" {
				c.SetRequest(req.WithContext(logging.WithActor(req.Context(), actor)))
			}
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logging.LogWith(c.Request().Context(), logger).DebugContext(c.Request().Context(), "http request",
				slog.String("method", req.Method),
				slog.String("path", c.Path()),
				slog.Int("status", c.Response().Status),
				slog.Duration("elapsed", time.Since(start)))
			return nil
		}
	}
}
