package content

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		contentType string
		want        Kind
	}{
		{"text/html", HTML},
		{"text/html; charset=utf-8", HTML},
		{"TEXT/HTML", HTML},
		{"text/css", CSS},
		{"application/javascript; charset=utf-8", Script},
		{"text/javascript", Script},
		{"application/ecmascript", Script},
		{"application/x-javascript", Script},
		{"application/json", JSON},
		{"application/json; charset=utf-8", JSON},
		{"text/plain", OtherText},
		{"text/xml", OtherText},
		{"image/png", Binary},
		{"application/wasm", Binary},
		{"application/octet-stream", Binary},
		{"", Binary},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := Classify(tt.contentType); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestKind_IsText(t *testing.T) {
	for _, k := range []Kind{HTML, CSS, Script, JSON, OtherText} {
		if !k.IsText() {
			t.Errorf("%v.IsText() = false, want true", k)
		}
	}
	if Binary.IsText() {
		t.Error("Binary.IsText() = true, want false")
	}
}

func TestCachePolicy_CacheControl(t *testing.T) {
	p := DefaultCachePolicy()

	tests := []struct {
		contentType string
		want        string
	}{
		{"text/html; charset=utf-8", "no-cache, no-store, must-revalidate"},
		{"text/css", "public, max-age=3600"},
		{"application/javascript", "public, max-age=3600"},
		{"image/png", "public, max-age=86400"},
		{"font/woff2", "public, max-age=86400"},
		{"application/font-woff", "public, max-age=86400"},
		{"application/json", "public, max-age=3600"},
		{"application/octet-stream", "public, max-age=3600"},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := p.CacheControl(tt.contentType); got != tt.want {
				t.Errorf("CacheControl(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestCachePolicy_Disabled(t *testing.T) {
	p := DefaultCachePolicy()
	p.CSS = -1
	if got := p.CacheControl("text/css"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("CacheControl() = %q, want no-cache", got)
	}
}
