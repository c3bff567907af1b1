package rewrite

import (
	"net/url"
	"testing"

	"game-proxy-go/internal/codec"
)

const testProxyBase = "http://proxy.test"

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func newTestRewriter(t *testing.T) (*Rewriter, *codec.Codec) {
	t.Helper()
	c, err := codec.New(codec.ModePlain, "")
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	return New(c), c
}

func testContext(t *testing.T, inject bool) Context {
	t.Helper()
	return Context{
		Base:            mustParse(t, "https://example.com/game/index.html"),
		ProxyBase:       testProxyBase,
		InjectOverrides: inject,
	}
}

func TestAbsolute(t *testing.T) {
	base, _ := url.Parse("https://example.com/game/index.html")

	tests := []struct {
		name   string
		ref    string
		want   string
		wantOK bool
	}{
		{"empty", "", "", false},
		{"whitespace", "   ", "", false},
		{"fragment", "#top", "", false},
		{"data", "data:image/png;base64,AAAA", "", false},
		{"blob", "blob:https://example.com/uuid", "", false},
		{"javascript", "JavaScript:void(0)", "", false},
		{"mailto", "mailto:a@example.com", "", false},
		{"protocol relative", "//cdn.example.com/a.js", "https://cdn.example.com/a.js", true},
		{"root relative", "/assets/a.png", "https://example.com/assets/a.png", true},
		{"directory relative", "img/b.png", "https://example.com/game/img/b.png", true},
		{"parent relative", "../c.css", "https://example.com/c.css", true},
		{"absolute http", "http://other.com/x?y=1", "http://other.com/x?y=1", true},
		{"absolute https", "https://other.com/x", "https://other.com/x", true},
		{"trimmed", "  /a.js\n", "https://example.com/a.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Absolute(tt.ref, base)
			if ok != tt.wantOK {
				t.Fatalf("Absolute(%q) ok = %v, want %v", tt.ref, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Absolute(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestAbsolute_NilBase(t *testing.T) {
	if _, ok := Absolute("/a.js", nil); ok {
		t.Error("Absolute(root relative, nil) ok = true, want false")
	}
	if got, ok := Absolute("https://a.com/x", nil); !ok || got != "https://a.com/x" {
		t.Errorf("Absolute(absolute, nil) = %q, %v", got, ok)
	}
}

func TestDirectory(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://example.com/game/index.html", "https://example.com/game/"},
		{"https://example.com/game/", "https://example.com/game/"},
		{"https://example.com", "https://example.com/"},
		{"http://example.com:8080/a/b/c?q=1", "http://example.com:8080/a/b/"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := Directory(mustParse(t, tt.raw)); got != tt.want {
				t.Errorf("Directory() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResourceURL(t *testing.T) {
	r, c := newTestRewriter(t)
	ctx := testContext(t, false)

	got, ok := r.ResourceURL("/assets/a.png", ctx)
	if !ok {
		t.Fatal("ResourceURL() ok = false")
	}
	want := testProxyBase + "/p/" + c.Encode("https://example.com/assets/a.png")
	if got != want {
		t.Errorf("ResourceURL() = %q, want %q", got, want)
	}

	decoded, err := c.Decode(got[len(testProxyBase+ResourcePrefix):])
	if err != nil || decoded != "https://example.com/assets/a.png" {
		t.Errorf("decoded token = %q, %v", decoded, err)
	}
}

func TestResourceURL_AlreadyProxied(t *testing.T) {
	r, _ := newTestRewriter(t)
	ctx := testContext(t, false)

	for _, ref := range []string{
		testProxyBase + "/p/abc",
		testProxyBase + "/play/https://example.com/",
		testProxyBase,
	} {
		if got, ok := r.ResourceURL(ref, ctx); ok {
			t.Errorf("ResourceURL(%q) = %q, want untouched", ref, got)
		}
	}

	// A host that merely shares the prefix is not the proxy.
	if _, ok := r.ResourceURL(testProxyBase+".evil.com/x", ctx); !ok {
		t.Error("ResourceURL(prefix-sharing host) ok = false, want true")
	}
}

func TestEntryURL(t *testing.T) {
	got := EntryURL(testProxyBase, "https://x.com/g")
	if got != "http://proxy.test/play/https://x.com/g" {
		t.Errorf("EntryURL() = %q", got)
	}
}
