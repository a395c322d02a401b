// Package server provides the HTTP control surface of the engine, built
// on Echo v4: engine status, currency pair listings, and the manual
// start/stop lifecycle operations.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/app"
	"github.com/coinlake/binance-collector/internal/logging"
)

// Server wraps the Echo instance and the application service.
type Server struct {
	echo       *echo.Echo
	svc        *app.Service
	listenAddr string
	logger     zerolog.Logger
}

// New creates a configured Echo server with all routes registered.
func New(svc *app.Service, listenAddr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		svc:        svc,
		listenAddr: listenAddr,
		logger:     logging.WithComponent("server"),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleInfo)
	s.echo.GET("/health", s.handleHealth)

	s.echo.GET("/currency_pairs", s.handleListCurrencyPairs)
	s.echo.GET("/currency_pairs/:uuid", s.handleGetCurrencyPair)
	s.echo.POST("/currency_pairs/:uuid/start", s.handleStartCurrencyPair)
	s.echo.POST("/currency_pairs/:uuid/stop", s.handleStopCurrencyPair)
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.listenAddr).Msg("Listening")
		if err := s.echo.Start(s.listenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down HTTP server")
		return s.echo.Shutdown(context.Background())
	}
}
