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

	"game-proxy-go/internal/client"
	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/config"
	"game-proxy-go/internal/handler"
	"game-proxy-go/internal/metrics"
	"game-proxy-go/internal/middleware"
	"game-proxy-go/internal/relay"
	"game-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("game-proxy"),
		kong.Description("Content-rewriting reverse proxy for browser games."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newCodec,
			newCache,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			relay.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
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

	return slog.New(h)
}

func newCodec(cfg *config.Config, logger *slog.Logger) (*codec.Codec, error) {
	c, err := codec.New(codec.Mode(cfg.Codec.Mode), cfg.Codec.Key)
	if err != nil {
		return nil, err
	}
	if c.Mode() == codec.ModeXOR {
		// The key ships in every entry page's override script.
		logger.Info("xor token encoding enabled; tokens are obfuscated, not encrypted")
	}
	return c, nil
}

func newCache(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*service.Cache, error) {
	cache, err := service.NewCache(cfg, m)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		logger.Info("response cache enabled",
			"max_entries", cfg.Cache.MaxEntries,
			"max_bytes", cfg.Cache.MaxBytes,
		)
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				cache.Close()
				return nil
			},
		})
	}
	return cache, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks. The relay clears the
	// deadlines on upgraded connections.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so large streamed assets are not cut off;
	// the upstream client bounds the wait for response headers.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.CORS())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"public_base", cfg.Proxy.PublicBase,
				"codec", cfg.Codec.Mode,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
