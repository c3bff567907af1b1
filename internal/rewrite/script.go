package rewrite

import (
	"regexp"
	"strings"
)

// scriptURLPattern matches absolute http(s) URLs inside single- or double-quoted literals.
var scriptURLPattern = regexp.MustCompile(`(["'])(https?://[^"'\s]+)(["'])`)

// Script rewrites absolute http(s) URLs found in quoted string literals. Relative
// and computed URLs are left to the runtime override script.
func (r *Rewriter) Script(js []byte, ctx Context) []byte {
	out := scriptURLPattern.ReplaceAllStringFunc(string(js), func(match string) string {
		m := scriptURLPattern.FindStringSubmatch(match)
		if m == nil || m[1] != m[3] {
			return match
		}
		target := m[2]
		if strings.Contains(target, "${") || strings.Contains(target, `\`) {
			return match
		}
		proxied, ok := r.ResourceURL(target, ctx)
		if !ok {
			return match
		}
		return m[1] + proxied + m[3]
	})
	return []byte(out)
}
