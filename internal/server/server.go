// Package server exposes the rendered metrics document over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/telemetry"
)

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DefaultShutdownTimeout bounds how long in-flight scrapes may finish
// after the serve context ends.
const DefaultShutdownTimeout = 5 * time.Second

// Renderer produces one complete metrics document per call.
type Renderer interface {
	Render(ctx context.Context) ([]byte, error)
}

type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	render Renderer
	tel    *telemetry.Metrics
	logger *log.Logger

	// ShutdownTimeout is the graceful drain window; once it passes the
	// remaining connections are closed.
	ShutdownTimeout time.Duration
}

func New(cfg *config.Config, render Renderer, tel *telemetry.Metrics, logger *log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = logger

	s := &Server{
		cfg:    cfg,
		echo:   e,
		render: render,
		tel:    tel,
		logger: logger,

		ShutdownTimeout: DefaultShutdownTimeout,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debugf("%s %s %s %d %s", v.RemoteIP, v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	if cfg.SelfMetrics.Enabled && tel != nil {
		e.GET(cfg.SelfMetrics.Path, echo.WrapHandler(tel.Handler()))
	}
	e.GET("/*", s.scrape, tel.Middleware())

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) scrape(c echo.Context) error {
	body, err := s.render.Render(c.Request().Context())
	if err != nil {
		c.Logger().Errorf("scrape failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to collect metrics").SetInternal(err)
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	return c.Blob(http.StatusOK, ContentType, body)
}

// Listen opens the listening socket for the configured bind address and port.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	network, err := ListenNetwork(ctx, s.cfg.Bind)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(strings.Trim(s.cfg.Bind, "[]"), strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info(ServingMessage(ln.Addr()))
	s.echo.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start("")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("graceful shutdown: %v, closing remaining connections", err)
		if err := s.echo.Close(); err != nil {
			s.logger.Warnf("close: %v", err)
		}
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// ServingMessage describes where the server is reachable, bracketing IPv6
// hosts in the URL.
func ServingMessage(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "serving HTTP on " + addr.String()
	}
	urlHost := host
	if strings.Contains(host, ":") {
		urlHost = "[" + host + "]"
	}
	return fmt.Sprintf("serving HTTP on %s port %s (http://%s:%s/) ...", host, port, urlHost, port)
}
