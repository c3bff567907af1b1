package handler

import (
	"context"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/config"
	"game-proxy-go/internal/model"
	"game-proxy-go/internal/relay"
	"game-proxy-go/internal/rewrite"
	"game-proxy-go/internal/service"
)

// ProxyHandler serves the proxy routes: entry pages, resources, raw and image
// passthrough, WebSocket relay, the encode utility and the usage page.
type ProxyHandler struct {
	service *service.ProxyService
	relay   *relay.Relay
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, rl *relay.Relay, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		relay:   rl,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Play serves /play/<url>: the literal target URL follows the prefix and the
// inbound query string belongs to the target.
func (h *ProxyHandler) Play(c echo.Context) error {
	req := c.Request()
	suffix := strings.TrimPrefix(req.URL.EscapedPath(), rewrite.EntryPrefix)
	target, err := h.service.ResolveEntryTarget(suffix, req.URL.RawQuery)
	if err != nil {
		return h.mapError(c, err, suffix)
	}
	return h.forward(c, model.RouteEntry, target)
}

// Resource serves /p/<token>.
func (h *ProxyHandler) Resource(c echo.Context) error {
	return h.forwardToken(c, model.RouteResource, rewrite.ResourcePrefix)
}

// Raw serves /raw/<token> without rewriting.
func (h *ProxyHandler) Raw(c echo.Context) error {
	return h.forwardToken(c, model.RouteRawPassthrough, "/raw/")
}

// Image serves /img/<token> without rewriting, asking upstream for images.
func (h *ProxyHandler) Image(c echo.Context) error {
	return h.forwardToken(c, model.RouteImage, "/img/")
}

// Socket serves /ws/<token> by relaying the upgraded connection.
func (h *ProxyHandler) Socket(c echo.Context) error {
	token := tokenAfter(c.Request(), rewrite.SocketPrefix)
	target, err := h.service.ResolveTokenTarget(token)
	if err != nil {
		return h.mapError(c, err, token)
	}
	if err := h.relay.Serve(c.Response(), c.Request(), target); err != nil {
		return h.mapError(c, err, target.String())
	}
	return nil
}

// Encode serves /encode?url=<url>.
func (h *ProxyHandler) Encode(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing required query parameter: url",
		})
	}
	res, err := h.service.Encode(raw, h.proxyBase(c))
	if err != nil {
		return h.mapError(c, err, raw)
	}
	return c.JSON(http.StatusOK, res)
}

var usageTemplate = template.Must(template.New("usage").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Game Proxy</title></head>
<body>
<h1>Game Proxy</h1>
<p>Open a game through the proxy:</p>
<pre>{{.ProxyBase}}/play/https://example.com/game/index.html</pre>
<p>Get the encoded forms of a URL:</p>
<pre>{{.ProxyBase}}/encode?url=https://example.com/game/index.html</pre>
<ul>
<li><code>/play/&lt;url&gt;</code> entry page, rewritten with runtime overrides</li>
<li><code>/p/&lt;token&gt;</code> rewritten resource</li>
<li><code>/raw/&lt;token&gt;</code> unmodified passthrough</li>
<li><code>/img/&lt;token&gt;</code> image passthrough</li>
<li><code>/ws/&lt;token&gt;</code> WebSocket relay</li>
</ul>
<p>Token encoding: {{.Mode}}</p>
</body>
</html>
`))

// Usage serves the help page for any path no other route claims.
func (h *ProxyHandler) Usage(c echo.Context) error {
	var b strings.Builder
	err := usageTemplate.Execute(&b, struct {
		ProxyBase string
		Mode      codec.Mode
	}{h.proxyBase(c), h.service.Codec().Mode()})
	if err != nil {
		return err
	}
	return c.HTML(http.StatusOK, b.String())
}

func (h *ProxyHandler) forwardToken(c echo.Context, route model.RouteKind, prefix string) error {
	token := tokenAfter(c.Request(), prefix)
	target, err := h.service.ResolveTokenTarget(token)
	if err != nil {
		return h.mapError(c, err, token)
	}
	return h.forward(c, route, target)
}

func (h *ProxyHandler) forward(c echo.Context, route model.RouteKind, target *url.URL) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		Route:     route,
		Method:    req.Method,
		Target:    target,
		ProxyBase: h.proxyBase(c),
		Header:    req.Header,
		Body:      req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err, target.String())
	}
	defer func() { _ = resp.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Stream == nil {
		if _, err := c.Response().Write(resp.Body); err != nil {
			h.logger.Error("writing response body", "err", err, "route", route.String())
		}
		return nil
	}

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Stream); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"route", route.String(),
			"host", target.Host,
		)
	}
	return nil
}

// proxyBase returns the origin used in generated links.
func (h *ProxyHandler) proxyBase(c echo.Context) string {
	if h.cfg.Proxy.PublicBase != "" {
		return h.cfg.Proxy.PublicBase
	}
	return c.Scheme() + "://" + c.Request().Host
}

// tokenAfter returns the still-escaped path remainder after prefix.
func tokenAfter(req *http.Request, prefix string) string {
	return strings.TrimPrefix(req.URL.EscapedPath(), prefix)
}

func (h *ProxyHandler) mapError(c echo.Context, err error, target string) error {
	if isInvalidInput(err) {
		h.logger.Warn("rejected request",
			"err", err,
			"route", model.RouteOf(c.Request().URL.Path).String(),
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":     "invalid request",
			"message":   err.Error(),
			"targetUrl": target,
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"route", model.RouteOf(c.Request().URL.Path).String(),
	)

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":     upstreamErrorText(err),
		"message":   err.Error(),
		"targetUrl": target,
	})
}

func isInvalidInput(err error) bool {
	return errors.Is(err, codec.ErrInvalidToken) ||
		errors.Is(err, service.ErrInvalidTarget) ||
		errors.Is(err, relay.ErrNotUpgrade) ||
		errors.Is(err, relay.ErrInvalidTarget)
}

func upstreamErrorText(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}
	if errors.Is(err, service.ErrBodyTooLarge) {
		return "upstream body too large"
	}
	if errors.Is(err, relay.ErrDial) {
		return "upstream websocket unavailable"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream connection failed"
	}
	return "upstream request failed"
}
