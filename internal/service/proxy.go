// Package service implements the core fetch-and-rewrite logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"game-proxy-go/internal/client"
	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/config"
	"game-proxy-go/internal/content"
	"game-proxy-go/internal/metrics"
	"game-proxy-go/internal/model"
	"game-proxy-go/internal/rewrite"
)

var (
	// ErrInvalidTarget is returned when a decoded target is empty, unparsable or not http(s).
	ErrInvalidTarget = errors.New("invalid target URL")
	// ErrBodyTooLarge is returned when a text body exceeds upstream.max_body_bytes.
	ErrBodyTooLarge = errors.New("upstream body too large")
)

const (
	defaultAccept = "*/*"
	imageAccept   = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	// upstreamEncodings are the encodings the client can decode.
	upstreamEncodings = "gzip, deflate, br"
)

// bodyMethods are the methods whose inbound body is forwarded upstream.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// ProxyService handles target resolution, upstream fetches and body rewriting.
type ProxyService struct {
	client   *client.UpstreamClient
	codec    *codec.Codec
	rewriter *rewrite.Rewriter
	cache    *Cache
	policy   content.CachePolicy
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. cache and m may be nil.
func NewProxyService(c *client.UpstreamClient, cdc *codec.Codec, cache *Cache, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		codec:    cdc,
		rewriter: rewrite.New(cdc),
		cache:    cache,
		policy:   cfg.CachePolicy(),
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// Codec returns the codec used for proxy tokens.
func (s *ProxyService) Codec() *codec.Codec {
	return s.codec
}

// ResolveEntryTarget turns the literal suffix after /play/ (still percent-encoded)
// plus the inbound query string into a target URL.
func (s *ProxyService) ResolveEntryTarget(suffix, rawQuery string) (*url.URL, error) {
	raw, err := url.PathUnescape(suffix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if rawQuery != "" {
		raw += "?" + rawQuery
	}
	return ParseTarget(raw)
}

// ResolveTokenTarget decodes a codec token into a target URL.
func (s *ProxyService) ResolveTokenTarget(token string) (*url.URL, error) {
	raw, err := s.codec.Decode(token)
	if err != nil {
		return nil, err
	}
	return ParseTarget(raw)
}

// ParseTarget validates an absolute http(s) target URL.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidTarget)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return u, nil
}

// Encode builds the encode utility payload for a target URL.
func (s *ProxyService) Encode(raw, proxyBase string) (*model.EncodeResult, error) {
	raw = strings.TrimSpace(raw)
	if _, err := ParseTarget(raw); err != nil {
		return nil, err
	}
	encoded := s.codec.Encode(raw)
	return &model.EncodeResult{
		Original: raw,
		Encoded:  encoded,
		PlayURL:  rewrite.EntryURL(proxyBase, raw),
		ProxyURL: proxyBase + rewrite.ResourcePrefix + encoded,
	}, nil
}

// Forward fetches pr.Target and prepares the response for the route:
// the entry route rewrites and injects overrides, the resource route rewrites
// only, and the raw and image routes pass the body through.
// The caller must Close the returned response.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.requestHeader(pr)
	cacheKey := s.cacheKey(pr, header)
	if cacheKey != "" {
		if resp, ok := s.cache.Get(cacheKey); ok {
			s.logger.Debug("cache hit", "route", pr.Route.String())
			return resp, nil
		}
	}

	var body io.Reader
	if bodyMethods[pr.Method] && pr.Body != nil {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"route", pr.Route.String(),
		"host", pr.Target.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	kind := content.Classify(contentType)
	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     s.responseHeader(contentType, pr.Route),
		FinalURL:   resp.FinalURL,
	}

	if !s.rewrites(pr.Route, kind) {
		out.Stream = resp.Stream
		return out, nil
	}

	defer func() { _ = resp.Close() }()
	raw, err := readLimited(resp.Stream, s.cfg.Upstream.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	base := pr.Target
	if resp.FinalURL != nil {
		base = resp.FinalURL
	}
	out.Body = s.rewrite(raw, kind, rewrite.Context{
		Base:            base,
		ProxyBase:       pr.ProxyBase,
		InjectOverrides: pr.Route == model.RouteEntry,
	})

	if cacheKey != "" && resp.StatusCode == http.StatusOK {
		if ttl := s.policy.TTL(contentType); ttl > 0 {
			s.cache.Set(cacheKey, out, time.Duration(ttl)*time.Second)
		}
	}
	return out, nil
}

// cacheKey returns the cache key for pr, or "" when the response must not be
// shared. Requests carrying cookies may get per-user content and are never
// cached; the negotiated language is part of the key.
func (s *ProxyService) cacheKey(pr *model.ProxyRequest, outbound http.Header) string {
	if pr.Method != http.MethodGet || pr.Route == model.RouteRawPassthrough {
		return ""
	}
	if outbound.Get("Cookie") != "" {
		return ""
	}
	return strings.Join([]string{
		pr.ProxyBase,
		pr.Route.String(),
		outbound.Get("Accept-Language"),
		pr.Target.String(),
	}, "|")
}

// rewrites reports whether a body must be buffered and rewritten.
func (s *ProxyService) rewrites(route model.RouteKind, kind content.Kind) bool {
	if route != model.RouteEntry && route != model.RouteResource {
		return false
	}
	switch kind {
	case content.HTML, content.CSS, content.Script:
		return true
	default:
		return false
	}
}

func (s *ProxyService) rewrite(body []byte, kind content.Kind, ctx rewrite.Context) []byte {
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind.String()).Inc()
	}
	switch kind {
	case content.HTML:
		return s.rewriter.HTML(body, ctx)
	case content.CSS:
		return s.rewriter.CSS(body, ctx)
	case content.Script:
		return s.rewriter.Script(body, ctx)
	default:
		return body
	}
}

// requestHeader builds the outbound header set. Only the headers upstream game
// servers need are sent; Referer and Origin always name the target's own origin.
func (s *ProxyService) requestHeader(pr *model.ProxyRequest) http.Header {
	in := pr.Header
	if in == nil {
		in = http.Header{}
	}
	h := make(http.Header)
	h.Set("User-Agent", s.cfg.Proxy.UserAgent)

	accept := in.Get("Accept")
	switch {
	case pr.Route == model.RouteImage:
		accept = imageAccept
	case accept == "":
		accept = defaultAccept
	}
	h.Set("Accept", accept)

	lang := in.Get("Accept-Language")
	if lang == "" {
		lang = s.cfg.Proxy.AcceptLanguage
	}
	h.Set("Accept-Language", lang)
	h.Set("Accept-Encoding", upstreamEncodings)

	origin := rewrite.Origin(pr.Target)
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)

	if ct := in.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	if cookie := in.Get("Cookie"); cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

// responseHeader returns the headers sent back to the browser. Upstream caching
// and security headers are dropped; CORS headers are added by middleware.
func (s *ProxyService) responseHeader(contentType string, route model.RouteKind) http.Header {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if route != model.RouteRawPassthrough {
		h.Set("Cache-Control", s.policy.CacheControl(contentType))
	}
	return h
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}
