package rewrite

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// srcTags carry a src attribute that loads a sub-resource.
var srcTags = map[string]bool{
	"script": true,
	"img":    true,
	"audio":  true,
	"video":  true,
	"source": true,
	"iframe": true,
	"embed":  true,
	"track":  true,
}

// linkResourceRels are <link rel> tokens whose href is fetched as a resource.
var linkResourceRels = map[string]bool{
	"stylesheet":    true,
	"preload":       true,
	"modulepreload": true,
	"icon":          true,
}

var metaRefreshPattern = regexp.MustCompile(`(?i)^(\s*\d+\s*;\s*url\s*=\s*)(['"]?)([^'"]+)(['"]?)\s*$`)

// docShape records which landmarks a document contains; it decides where the
// <base> tag and the override script go before the rewriting pass starts.
type docShape struct {
	hasHTML    bool
	hasHead    bool
	hasHeadEnd bool
	hasBody    bool
	hasBase    bool
	hasScript  bool
}

func scanShape(doc []byte) docShape {
	var s docShape
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return s
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "html":
				s.hasHTML = true
			case "head":
				s.hasHead = true
			case "body":
				s.hasBody = true
			case "base":
				s.hasBase = true
			case "script":
				s.hasScript = true
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				s.hasHeadEnd = true
			}
		}
	}
}

// htmlWriter carries the state of a single HTML rewriting pass.
type htmlWriter struct {
	r   *Rewriter
	ctx Context
	out bytes.Buffer

	shape         docShape
	needBase      bool
	synthesizeHd  bool
	scriptPending bool
	atHeadEnd     bool
	atBody        bool
	baseDone      bool
}

// HTML rewrites resource references in an HTML document, adds a <base> tag when
// the document has none and, if ctx.InjectOverrides is set, injects the runtime
// override script. Tokens that need no change are copied through byte for byte.
func (r *Rewriter) HTML(doc []byte, ctx Context) []byte {
	w := &htmlWriter{r: r, ctx: ctx, shape: scanShape(doc)}
	w.out.Grow(len(doc) + 8192)

	w.needBase = !w.shape.hasBase && ctx.Base != nil
	w.synthesizeHd = w.needBase && !w.shape.hasHead && w.shape.hasHTML
	if ctx.InjectOverrides && ctx.Base != nil {
		w.scriptPending = true
		if !w.shape.hasScript {
			w.atHeadEnd = w.shape.hasHeadEnd || w.synthesizeHd
			w.atBody = !w.atHeadEnd && w.shape.hasBody
		}
	}

	z := html.NewTokenizer(bytes.NewReader(doc))
	inStyle := false
	for {
		tt := z.Next()
		raw := append([]byte(nil), z.Raw()...)

		switch tt {
		case html.ErrorToken:
			w.out.Write(raw)
			return w.out.Bytes()

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			inStyle = tt == html.StartTagToken && tok.Data == "style"
			w.startTag(tok, raw, tt == html.SelfClosingTagToken)

		case html.EndTagToken:
			inStyle = false
			name, _ := z.TagName()
			if string(name) == "head" && w.scriptPending && w.atHeadEnd {
				w.writeOverride()
			}
			w.out.Write(raw)

		case html.TextToken:
			if inStyle {
				if css, changed := r.rewriteCSS(string(raw), ctx); changed {
					w.out.WriteString(css)
					break
				}
			}
			w.out.Write(raw)

		default:
			w.out.Write(raw)
		}
	}
}

func (w *htmlWriter) startTag(tok html.Token, raw []byte, selfClosing bool) {
	if tok.Data == "script" && w.scriptPending && w.shape.hasScript {
		w.writeOverride()
	}

	if w.rewriteAttrs(&tok) {
		writeTag(&w.out, tok, selfClosing)
	} else {
		w.out.Write(raw)
	}

	switch tok.Data {
	case "head":
		if w.needBase && !w.baseDone {
			w.writeBase()
		}
	case "html":
		if w.synthesizeHd && !w.baseDone {
			w.out.WriteString("<head>")
			w.writeBase()
			if w.scriptPending && w.atHeadEnd {
				w.writeOverride()
			}
			w.out.WriteString("</head>")
		}
	case "body":
		if w.scriptPending && w.atBody {
			w.writeOverride()
		}
	}
}

func (w *htmlWriter) writeBase() {
	w.baseDone = true
	w.out.WriteString(`<base href="`)
	w.out.WriteString(escapeAttr(EntryURL(w.ctx.ProxyBase, Directory(w.ctx.Base)), '"'))
	w.out.WriteString(`">`)
}

func (w *htmlWriter) writeOverride() {
	w.scriptPending = false
	w.out.WriteString(OverrideScript(w.ctx.ProxyBase, w.ctx.Base, w.r.codec))
	w.out.WriteByte('\n')
}

// rewriteAttrs rewrites the URL-bearing attributes of tok in place and reports
// whether anything changed.
func (w *htmlWriter) rewriteAttrs(tok *html.Token) bool {
	changed := false
	set := func(i int, val string) {
		tok.Attr[i].Val = val
		changed = true
	}

	for i, a := range tok.Attr {
		switch a.Key {
		case "src":
			if srcTags[tok.Data] {
				if v, ok := w.r.ResourceURL(a.Val, w.ctx); ok {
					set(i, v)
				}
			}
		case "href":
			switch tok.Data {
			case "link":
				if isResourceLink(tok.Attr) {
					if v, ok := w.r.ResourceURL(a.Val, w.ctx); ok {
						set(i, v)
					}
				}
			case "base":
				if v, ok := w.baseHref(a.Val); ok {
					set(i, v)
				}
			}
		case "action":
			if tok.Data == "form" {
				if v, ok := w.r.ResourceURL(a.Val, w.ctx); ok {
					set(i, v)
				}
			}
		case "srcset":
			if v, ok := w.r.srcset(a.Val, w.ctx); ok {
				set(i, v)
			}
		case "poster":
			if v, ok := w.r.ResourceURL(a.Val, w.ctx); ok {
				set(i, v)
			}
		case "style":
			if v, ok := w.r.rewriteCSS(a.Val, w.ctx); ok {
				set(i, v)
			}
		case "content":
			if tok.Data == "meta" && isRefresh(tok.Attr) {
				if v, ok := w.r.metaRefresh(a.Val, w.ctx); ok {
					set(i, v)
				}
			}
		}
	}
	return changed
}

// baseHref maps an existing absolute <base href> to the proxy's entry route.
func (w *htmlWriter) baseHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if !isHTTP(href) || (w.ctx.ProxyBase != "" && strings.HasPrefix(href, w.ctx.ProxyBase)) {
		return "", false
	}
	return EntryURL(w.ctx.ProxyBase, href), true
}

func (r *Rewriter) metaRefresh(content string, ctx Context) (string, bool) {
	m := metaRefreshPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	proxied, ok := r.ResourceURL(m[3], ctx)
	if !ok {
		return "", false
	}
	return m[1] + m[2] + proxied + m[4], true
}

func isResourceLink(attrs []html.Attribute) bool {
	for _, a := range attrs {
		if a.Key != "rel" {
			continue
		}
		for _, rel := range strings.Fields(strings.ToLower(a.Val)) {
			if linkResourceRels[rel] {
				return true
			}
		}
	}
	return false
}

func isRefresh(attrs []html.Attribute) bool {
	for _, a := range attrs {
		if a.Key == "http-equiv" && strings.EqualFold(strings.TrimSpace(a.Val), "refresh") {
			return true
		}
	}
	return false
}

// srcset rewrites every candidate URL of a srcset attribute, keeping each
// descriptor as written.
func (r *Rewriter) srcset(val string, ctx Context) (string, bool) {
	candidates := parseSrcset(val)
	changed := false
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ref := c.url
		if proxied, ok := r.ResourceURL(c.url, ctx); ok {
			ref = proxied
			changed = true
		}
		if c.descriptor != "" {
			ref += " " + c.descriptor
		}
		parts = append(parts, ref)
	}
	if !changed {
		return "", false
	}
	return strings.Join(parts, ", "), true
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset value into candidates. URLs are whitespace-delimited
// runs, so commas inside data: URLs do not split a candidate.
func parseSrcset(s string) []srcsetCandidate {
	var out []srcsetCandidate
	pos := 0
	for {
		for pos < len(s) && (isSpace(s[pos]) || s[pos] == ',') {
			pos++
		}
		if pos >= len(s) {
			return out
		}

		start := pos
		for pos < len(s) && !isSpace(s[pos]) {
			pos++
		}
		u := s[start:pos]
		if strings.HasSuffix(u, ",") {
			out = append(out, srcsetCandidate{url: strings.TrimRight(u, ",")})
			continue
		}

		descStart := pos
		depth := 0
		for pos < len(s) {
			c := s[pos]
			if c == '(' {
				depth++
			} else if c == ')' && depth > 0 {
				depth--
			} else if c == ',' && depth == 0 {
				break
			}
			pos++
		}
		out = append(out, srcsetCandidate{url: u, descriptor: strings.TrimSpace(s[descStart:pos])})
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// writeTag serializes a start tag. Attribute values use double quotes unless the
// value itself contains one.
func writeTag(buf *bytes.Buffer, tok html.Token, selfClosing bool) {
	buf.WriteByte('<')
	buf.WriteString(tok.Data)
	for _, a := range tok.Attr {
		buf.WriteByte(' ')
		if a.Namespace != "" {
			buf.WriteString(a.Namespace)
			buf.WriteByte(':')
		}
		buf.WriteString(a.Key)
		if a.Val == "" {
			continue
		}
		q := byte('"')
		if strings.Contains(a.Val, `"`) && !strings.Contains(a.Val, "'") {
			q = '\''
		}
		buf.WriteByte('=')
		buf.WriteByte(q)
		buf.WriteString(escapeAttr(a.Val, q))
		buf.WriteByte(q)
	}
	if selfClosing {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
}

func escapeAttr(s string, quote byte) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	if quote == '\'' {
		return strings.ReplaceAll(s, "'", "&#39;")
	}
	return strings.ReplaceAll(s, `"`, "&quot;")
}
