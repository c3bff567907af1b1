package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/config"
)

func TestHealth(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cdc, _ := codec.New(codec.ModePlain, "")
	h := NewHealthHandler(&config.Config{}, cdc, "test")
	if err := h.Health(c); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Proxy: config.ProxyConfig{PublicBase: "https://games.example.org"},
		Codec: config.CodecConfig{Mode: "xor", Key: "super-secret"},
	}
	cdc, err := codec.New(codec.ModeXOR, cfg.Codec.Key)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHealthHandler(cfg, cdc, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"status":        "ok",
		"version":       "1.2.3",
		"codec_mode":    "xor",
		"public_base":   "https://games.example.org",
		"cache_enabled": false,
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("body.%s = %v, want %v", k, body[k], v)
		}
	}
	for k, v := range body {
		if s, ok := v.(string); ok && s == "super-secret" {
			t.Errorf("body.%s leaks the codec key", k)
		}
	}
}
