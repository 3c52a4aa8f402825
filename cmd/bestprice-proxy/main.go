package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"bestprice-proxy/internal/access"
	"bestprice-proxy/internal/client"
	"bestprice-proxy/internal/config"
	"bestprice-proxy/internal/handler"
	"bestprice-proxy/internal/metrics"
	"bestprice-proxy/internal/middleware"
	"bestprice-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
	Serve    config.CLI       `kong:"cmd,default='withargs',help='Run the proxy server (default).'"`
	Defaults defaultsCmd      `kong:"cmd,help='Write the default configuration to a file.'"`
}

type defaultsCmd struct {
	Path    string `kong:"arg,help='Destination file. The extension selects TOML, YAML or JSON.'"`
	Update  bool   `kong:"short='u',help='Keep existing values and only add missing keys.'"`
	Verbose bool   `kong:"short='v',help='Print the resulting file.'"`
}

func main() {
	var root cli
	kctx := kong.Parse(&root,
		kong.Name("bestprice-proxy"),
		kong.Description("CORS page proxy that rewrites absolute links back through itself."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	if strings.HasPrefix(kctx.Command(), "defaults") {
		kctx.FatalIfErrorf(writeDefaults(&root.Defaults))
		return
	}

	serve := &root.Serve
	fx.New(
		fx.Provide(
			func() *config.CLI { return serve },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			access.NewFilter,
			newEcho,
			client.NewPageClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(logConfigWarnings, handler.RegisterRoutes, registerMetrics, startServer),
	).Run()
}

func writeDefaults(cmd *defaultsCmd) error {
	if err := config.WriteDefaults(cmd.Path, cmd.Update); err != nil {
		return err
	}
	if !cmd.Verbose {
		return nil
	}
	data, err := os.ReadFile(cmd.Path)
	if err != nil {
		return fmt.Errorf("read back %s: %w", cmd.Path, err)
	}
	_, err = os.Stdout.Write(data)
	return err
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

	return slog.New(h).With("app", cfg.AppName)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, filter *access.Filter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: the outbound client timeout bounds every proxied response.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.Blacklist(filter, m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.RateLimit.RequestsPerSecond)
	}

	return e
}

func logConfigWarnings(cfg *config.Config, filter *access.Filter, logger *slog.Logger) {
	cfg.LogWarnings(logger)
	cfg.WarnPermissions(logger)
	logger.Info("configuration loaded",
		"addr", cfg.Addr(),
		"tls", cfg.TLSEnabled(),
		"client_timeout", cfg.ClientTimeout,
		"blacklist_size", filter.Len(),
	)
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
	e.GET(cfg.Metrics.Path, echo.WrapHandler(h))
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "tls", cfg.TLSEnabled())
			go func() {
				var err error
				if cfg.TLSEnabled() {
					// The PEM file holds both the certificate and the key.
					err = e.Server.ServeTLS(ln, cfg.TLSCertPath, cfg.TLSCertPath)
				} else {
					err = e.Server.Serve(ln)
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
