package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"frontdoor-go/internal/client"
	"frontdoor-go/internal/config"
	"frontdoor-go/internal/handler"
	"frontdoor-go/internal/metrics"
	"frontdoor-go/internal/middleware"
	"frontdoor-go/internal/service"
	"frontdoor-go/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// servers holds the public gateway and the admin listener.
type servers struct {
	gateway *echo.Echo
	admin   *echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("frontdoor"),
		kong.Description("Launches a backend process and reverse-proxies every request to it."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			supervisor.New,
			func(s *supervisor.Supervisor) service.Backend { return s },
			func(s *supervisor.Supervisor) handler.StatusReporter { return s },
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newServers,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startBackend, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("service", "frontdoor")
}

func newEcho(m *metrics.Metrics, logger *slog.Logger, name string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: a proxied call lasts as long as the backend takes.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("server", name)))
	e.Use(middleware.MetricsMiddleware(m, name))

	return e
}

func newServers(m *metrics.Metrics, logger *slog.Logger) servers {
	admin := newEcho(m, logger, "admin")
	admin.Use(echomw.RequestID())
	admin.Use(middleware.SecurityHeaders())

	return servers{
		gateway: newEcho(m, logger, "gateway"),
		admin:   admin,
	}
}

func registerRoutes(s servers, proxy *handler.ProxyHandler, health *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	handler.RegisterGatewayRoutes(s.gateway, proxy)
	handler.RegisterAdminRoutes(s.admin, health, m, cfg)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startBackend launches the backend in the background. Its hook is appended
// before the servers', so on shutdown the servers drain first and the backend
// is stopped last. The gateway keeps serving whatever the launch outcome.
func startBackend(lc fx.Lifecycle, sup *supervisor.Supervisor, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start logs its own outcome.
			go func() { _, _ = sup.Start(context.Background()) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping backend")
			return sup.Stop(ctx)
		},
	})
}

func startServers(lc fx.Lifecycle, s servers, cfg *config.Config, logger *slog.Logger) {
	startServer(lc, s.gateway, "gateway", cfg.Server.Addr(), logger)
	if cfg.Admin.Disabled {
		logger.Info("admin server disabled")
		return
	}
	startServer(lc, s.admin, "admin", cfg.Admin.Addr(), logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, name, addr string, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s %s: %w", name, addr, err)
			}
			logger.Info("starting server", "server", name, "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "server", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "server", name)
			return e.Shutdown(ctx)
		},
	})
}
