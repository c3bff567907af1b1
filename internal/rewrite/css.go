package rewrite

import (
	"regexp"
)

// cssRefPattern matches @import "..." / @import '...' and url(...) with any quoting.
// @import url(...) is handled by the url(...) branch with the @import prefix left in place.
var cssRefPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')|url\(\s*(?:"([^"]*)"|'([^']*)'|([^"')\s]*))\s*\)`)

// CSS rewrites url(...) and @import references in a stylesheet. Rewritten
// references are always double-quoted.
func (r *Rewriter) CSS(css []byte, ctx Context) []byte {
	out, _ := r.rewriteCSS(string(css), ctx)
	return []byte(out)
}

func (r *Rewriter) rewriteCSS(css string, ctx Context) (string, bool) {
	changed := false
	out := cssRefPattern.ReplaceAllStringFunc(css, func(match string) string {
		m := cssRefPattern.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		isImport := m[1] != "" || m[2] != ""
		ref := firstNonEmpty(m[1:]...)

		proxied, ok := r.ResourceURL(ref, ctx)
		if !ok {
			return match
		}
		changed = true
		if isImport {
			return `@import "` + proxied + `"`
		}
		return `url("` + proxied + `")`
	})
	return out, changed
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
