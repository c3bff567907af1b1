// Package rewrite turns upstream HTML, CSS and JavaScript into documents whose
// resource references point back at the proxy.
package rewrite

import (
	"net/url"
	"strings"

	"game-proxy-go/internal/codec"
)

// Route prefixes used in generated links.
const (
	EntryPrefix    = "/play/"
	ResourcePrefix = "/p/"
	SocketPrefix   = "/ws/"
)

// skippedSchemes are references that never leave the page and are left untouched.
var skippedSchemes = []string{"data:", "blob:", "javascript:"}

// Context is the per-request rewrite state. It is never shared between requests.
type Context struct {
	// Base is the upstream URL of the document being rewritten.
	Base *url.URL
	// ProxyBase is the proxy origin prefixed to every generated link, without a trailing slash.
	ProxyBase string
	// InjectOverrides enables the runtime override script (entry pages only).
	InjectOverrides bool
}

// Rewriter holds the read-only state shared by the rewrite engines.
type Rewriter struct {
	codec *codec.Codec
}

// New creates a Rewriter that encodes resource links with c.
func New(c *codec.Codec) *Rewriter {
	return &Rewriter{codec: c}
}

// Absolute resolves ref against the document base URL. It reports false for
// references that must not be proxied: empty values, fragments, data:, blob: and
// javascript: URLs, anything that fails to parse, and anything that does not
// resolve to http(s). Absolute http(s) input is returned unchanged.
func Absolute(ref string, base *url.URL) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref[0] == '#' {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	var abs string
	switch {
	case strings.HasPrefix(ref, "//"):
		abs = "https:" + ref
	case strings.HasPrefix(ref, "/"):
		if base == nil {
			return "", false
		}
		abs = Origin(base) + ref
	case isHTTP(ref):
		abs = ref
	default:
		if base == nil {
			return "", false
		}
		u, err := base.Parse(ref)
		if err != nil {
			return "", false
		}
		abs = u.String()
	}

	if !isHTTP(abs) {
		return "", false
	}
	if _, err := url.Parse(abs); err != nil {
		return "", false
	}
	return abs, true
}

// Origin returns scheme://host[:port] of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// Directory returns the origin plus the directory part of u's path, ending in "/".
func Directory(u *url.URL) string {
	p := u.EscapedPath()
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[:i+1]
	} else {
		p = "/"
	}
	return Origin(u) + p
}

func isHTTP(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func onProxy(abs, proxyBase string) bool {
	return proxyBase != "" && (abs == proxyBase || strings.HasPrefix(abs, proxyBase+"/"))
}

// ResourceURL returns the proxied resource link for ref, or false if ref is left as is.
func (r *Rewriter) ResourceURL(ref string, ctx Context) (string, bool) {
	abs, ok := Absolute(ref, ctx.Base)
	if !ok || onProxy(abs, ctx.ProxyBase) {
		return "", false
	}
	return ctx.ProxyBase + ResourcePrefix + r.codec.Encode(abs), true
}

// EntryURL returns the full-page entry link for an absolute upstream URL.
func EntryURL(proxyBase, abs string) string {
	return proxyBase + EntryPrefix + abs
}
