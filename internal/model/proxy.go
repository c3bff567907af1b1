// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RouteKind identifies how an inbound request is served. It is derived purely
// from the request path.
type RouteKind int

const (
	RouteRoot RouteKind = iota
	RouteEntry
	RouteResource
	RouteRawPassthrough
	RouteWebSocketProxy
	RouteEncodeUtility
	RouteImage
	RouteHealth
	RouteStatus
	RouteOther
)

var routeNames = map[RouteKind]string{
	RouteRoot:           "root",
	RouteEntry:          "entry",
	RouteResource:       "resource",
	RouteRawPassthrough: "raw",
	RouteWebSocketProxy: "websocket",
	RouteEncodeUtility:  "encode",
	RouteImage:          "image",
	RouteHealth:         "health",
	RouteStatus:         "status",
	RouteOther:          "other",
}

func (k RouteKind) String() string {
	if name, ok := routeNames[k]; ok {
		return name
	}
	return "unknown"
}

// routePrefixes are matched in order; the first prefix that matches wins.
var routePrefixes = []struct {
	prefix string
	kind   RouteKind
}{
	{"/play/", RouteEntry},
	{"/p/", RouteResource},
	{"/ws/", RouteWebSocketProxy},
	{"/raw/", RouteRawPassthrough},
	{"/img/", RouteImage},
}

// RouteOf classifies a request path.
func RouteOf(path string) RouteKind {
	for _, rp := range routePrefixes {
		if strings.HasPrefix(path, rp.prefix) {
			return rp.kind
		}
	}
	switch path {
	case "", "/":
		return RouteRoot
	case "/encode":
		return RouteEncodeUtility
	case "/health":
		return RouteHealth
	case "/status":
		return RouteStatus
	}
	return RouteOther
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Route  RouteKind
	Method string
	// Target is the absolute upstream URL.
	Target *url.URL
	// ProxyBase is the proxy origin used for generated links.
	ProxyBase string
	Header    http.Header
	Body      io.ReadCloser
}

// ProxyResponse represents the upstream response to be sent back. Exactly one
// of Body and Stream is set: rewritten and buffered bodies use Body, large or
// binary ones are streamed.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	// FinalURL is the upstream URL after redirects.
	FinalURL *url.URL
}

// Close releases the streamed body, if any.
func (r *ProxyResponse) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// EncodeResult is the JSON payload of the encode utility.
type EncodeResult struct {
	Original string `json:"original"`
	Encoded  string `json:"encoded"`
	PlayURL  string `json:"playUrl"`
	ProxyURL string `json:"proxyUrl"`
}
