// Package server exposes the worker over HTTP: the request entrypoint, the
// image sink and a health check.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fly-io/modelworker/pkg/dispatch"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/sink"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dispatcher is implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Handle(ctx context.Context, req dispatch.Request) (any, error)
}

// Pinger reports whether the execution engine answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP handlers.
type Server struct {
	echo       *echo.Echo
	dispatcher Dispatcher
	sink       *sink.Sink
	engine     Pinger
}

// New creates a Server with its routes registered.
func New(dispatcher Dispatcher, sk *sink.Sink, engine Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http_request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s := &Server{
		echo:       e,
		dispatcher: dispatcher,
		sink:       sk,
		engine:     engine,
	}

	e.POST("/run", s.Run)
	e.POST("/remote/save", s.Save)
	e.GET("/health", s.Health)

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run handles one worker request
// (POST /run)
func (s *Server) Run(c echo.Context) error {
	var req dispatch.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, dispatch.ErrorResponse{Error: "invalid request body: " + err.Error()})
	}

	resp, err := s.dispatcher.Handle(c.Request().Context(), req)
	if err != nil {
		return c.JSON(statusFor(err), dispatch.ErrorBody(err))
	}
	return c.JSON(http.StatusOK, resp)
}

// Save writes posted images to the sink directory
// (POST /remote/save)
func (s *Server) Save(c echo.Context) error {
	var req sink.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, dispatch.ErrorResponse{Error: err.Error()})
	}

	resp, err := s.sink.Save(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, dispatch.ErrorBody(err))
	}
	return c.JSON(http.StatusOK, resp)
}

// HealthResponse reports process and engine status.
type HealthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

// Health checks the engine answers
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		slog.Warn("health_engine_unreachable", "error", err)
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Engine: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Engine: "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnknownAction), errors.Is(err, errors.ErrMissingPrompt):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrArtifactsMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrEngine):
		return http.StatusBadGateway
	case errors.Is(err, errors.ErrJobTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
