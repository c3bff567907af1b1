package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	codec   *codec.Codec
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, c *codec.Codec, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, codec: c, version: v}
}

// Health returns a simple OK response for liveness probes.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. The codec key is never reported.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"codec_mode":    string(h.codec.Mode()),
		"public_base":   h.cfg.Proxy.PublicBase,
		"cache_enabled": h.cfg.Cache.Enabled,
	})
}
