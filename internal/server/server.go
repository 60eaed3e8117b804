// Package server exposes the sync protocol over websockets together with
// health and metrics endpoints, and runs the background maintenance loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/registry"
	"github.com/thenoetrevino/boardsync/internal/session"
)

// maxFrameSize bounds one inbound websocket frame
const maxFrameSize = 1 << 20

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the listener and maintenance settings
type Config struct {
	Addr              string
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	PruneInterval     time.Duration
}

// Server is the HTTP front of the sync engine
type Server struct {
	cfg      Config
	e        *echo.Echo
	handler  *session.Handler
	reg      *registry.Registry
	log      *changelog.Log
	health   Pinger
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New builds the server and registers its routes
func New(cfg Config, handler *session.Handler, reg *registry.Registry, log *changelog.Log, health Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		reg:     reg,
		log:     log,
		health:  health,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.origins(),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper:    func(c echo.Context) bool { return c.Path() == "/healthz" },
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/ws", s.serveWS)
	e.GET("/healthz", s.healthz)
	e.GET("/metrics", s.metrics)
	s.e = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) origins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := s.origins()
	return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

func (s *Server) serveWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	conn.SetReadLimit(maxFrameSize)

	if err := s.handler.Serve(c.Request().Context(), conn); err != nil {
		s.logger.Debug("session refused", "remote", c.RealIP(), "error", err)
	}
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.Metrics().GetSnapshot())
}

// Run serves until ctx is done, then disconnects every client and shuts
// the listener down. It also pings clients, reaps idle ones and prunes
// the change log.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if s.cfg.PingInterval > 0 && s.cfg.IdleTimeout > 0 {
			s.reg.Monitor(gctx, s.cfg.PingInterval, s.cfg.IdleTimeout)
		}
		return nil
	})

	g.Go(func() error {
		s.pruneLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")

		// hijacked websocket connections are not tracked by http.Server
		s.reg.Shutdown()

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) pruneLoop(ctx context.Context) {
	if s.cfg.PruneInterval <= 0 || s.log == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Prune()
		}
	}
}
