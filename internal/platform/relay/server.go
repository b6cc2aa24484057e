package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/platform/auth"
	"github.com/clinic/desk/internal/platform/middleware"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

// ServerConfig configures the relay HTTP server.
type ServerConfig struct {
	// PublishSecret, when set, requires an HS256 bearer token on /publish.
	PublishSecret string
	// PublishBodyLimit caps /publish bodies. Defaults to 64K.
	PublishBodyLimit string
}

// Server is the relay's echo server and hub.
type Server struct {
	Echo *echo.Echo
	Hub  *websocket.Hub

	logger zerolog.Logger
}

// NewServer wires the hub routes, health check and, when metrics is not
// nil, the prometheus endpoint.
func NewServer(cfg ServerConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *Server {
	logger = logger.With().Str("component", "relay").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", "/metrics", "/ws"))

	hub := websocket.NewHub(logger, metrics)

	limit := cfg.PublishBodyLimit
	if limit == "" {
		limit = "64K"
	}
	publishMW := []echo.MiddlewareFunc{middleware.BodyLimit(limit)}
	if cfg.PublishSecret != "" {
		publishMW = append(publishMW, auth.PublisherMiddleware([]byte(cfg.PublishSecret)))
	}
	websocket.NewHandler(hub, logger).RegisterRoutes(e.Group(""), publishMW...)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	return &Server{Echo: e, Hub: hub, logger: logger}
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting relay")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down relay")
	return s.Echo.Shutdown(ctx)
}
