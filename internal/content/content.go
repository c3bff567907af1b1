// Package content classifies upstream responses and derives their caching policy.
package content

import (
	"fmt"
	"strings"
)

// Kind is the rewrite bucket for a response body.
type Kind int

const (
	Binary Kind = iota
	HTML
	CSS
	Script
	JSON
	OtherText
)

var kindNames = map[Kind]string{
	Binary:    "binary",
	HTML:      "html",
	CSS:       "css",
	Script:    "script",
	JSON:      "json",
	OtherText: "text",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsText reports whether the body should be handled as character data.
func (k Kind) IsText() bool {
	return k != Binary
}

// Classify buckets a Content-Type header value. First match wins.
func Classify(contentType string) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return HTML
	case strings.Contains(ct, "text/css"):
		return CSS
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
		return Script
	case strings.Contains(ct, "application/json"):
		return JSON
	case strings.HasPrefix(strings.TrimSpace(ct), "text/"):
		return OtherText
	default:
		return Binary
	}
}

// CachePolicy holds Cache-Control max-age values in seconds per content family.
// A value <= 0 disables caching for that family.
type CachePolicy struct {
	HTML  int
	CSS   int
	JS    int
	Image int
	Font  int
	Other int
}

// DefaultCachePolicy never caches HTML, caches CSS/JS for an hour and images/fonts for a day.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		HTML:  0,
		CSS:   3600,
		JS:    3600,
		Image: 86400,
		Font:  86400,
		Other: 3600,
	}
}

// TTL returns the max-age in seconds for a Content-Type value.
func (p CachePolicy) TTL(contentType string) int {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return p.HTML
	case strings.Contains(ct, "text/css"):
		return p.CSS
	case strings.Contains(ct, "javascript"):
		return p.JS
	case strings.Contains(ct, "image/"):
		return p.Image
	case strings.Contains(ct, "font/"), strings.Contains(ct, "woff"):
		return p.Font
	default:
		return p.Other
	}
}

// CacheControl returns the Cache-Control header value for a Content-Type value.
func (p CachePolicy) CacheControl(contentType string) string {
	if ttl := p.TTL(contentType); ttl > 0 {
		return fmt.Sprintf("public, max-age=%d", ttl)
	}
	return "no-cache, no-store, must-revalidate"
}
