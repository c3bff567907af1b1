package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"game-proxy-go/internal/config"
	"game-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/health", health.Health)
	e.GET("/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/play/*", proxy.Play)
	e.Any("/p/*", proxy.Resource)
	e.Any("/raw/*", proxy.Raw)
	e.GET("/img/*", proxy.Image)
	e.GET("/ws/*", proxy.Socket)
	e.GET("/encode", proxy.Encode)

	e.Any("/", proxy.Usage)
	e.Any("/*", proxy.Usage)
}
