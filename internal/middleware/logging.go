// Package middleware provides Echo middleware for logging, metrics and CORS.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"game-proxy-go/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Only the route kind is logged; target URLs stay out of the access log.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"route", model.RouteOf(req.URL.Path).String(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
