package relay

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"game-proxy-go/internal/config"
	"game-proxy-go/internal/metrics"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin:  func(*http.Request) bool { return true },
	Subprotocols: []string{"game.v1"},
}

func newTestRelay() *Relay {
	cfg := &config.Config{Proxy: config.ProxyConfig{UserAgent: "test-agent"}}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())
}

// startProxy serves the relay at the returned ws:// URL, always targeting upstream.
func startProxy(t *testing.T, rl *Relay, upstream string) string {
	t.Helper()
	target, err := url.Parse(upstream)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rl.Serve(w, r, target); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL string, protocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://game.example.com/socket?room=1", "ws://game.example.com/socket?room=1", false},
		{"https://game.example.com:8443/socket", "wss://game.example.com:8443/socket", false},
		{"wss://game.example.com/s", "wss://game.example.com/s", false},
		{"https://game.example.com/s#frag", "wss://game.example.com/s", false},
		{"ftp://game.example.com/", "", true},
		{"/relative", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, _ := url.Parse(tt.in)
			got, err := SocketURL(u)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("SocketURL(%q) error = %v, want ErrInvalidTarget", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SocketURL(%q) error = %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("SocketURL(%q) = %q, want %q", tt.in, got.String(), tt.want)
			}
		})
	}
}

func TestServe_RelaysFramesBothWays(t *testing.T) {
	gotOrigin := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin <- r.Header.Get("Origin")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	client := dial(t, startProxy(t, newTestRelay(), upstream.URL+"/socket"))

	if origin := <-gotOrigin; origin != upstream.URL {
		t.Errorf("upstream Origin = %q, want %q", origin, upstream.URL)
	}

	messages := []struct {
		mt   int
		data string
	}{
		{websocket.TextMessage, "hello"},
		{websocket.BinaryMessage, "\x00\x01\x02"},
		{websocket.TextMessage, "again"},
	}
	for _, m := range messages {
		if err := client.WriteMessage(m.mt, []byte(m.data)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		mt, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt != m.mt || string(data) != "echo:"+m.data {
			t.Errorf("got (%d, %q), want (%d, %q)", mt, data, m.mt, "echo:"+m.data)
		}
	}
}

func TestServe_NegotiatesSubprotocol(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _, _ = conn.ReadMessage()
	}))
	defer upstream.Close()

	client := dial(t, startProxy(t, newTestRelay(), upstream.URL), "other", "game.v1")
	if got := client.Subprotocol(); got != "game.v1" {
		t.Errorf("Subprotocol() = %q, want %q", got, "game.v1")
	}
}

func TestServe_UpstreamCloseReachesClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		msg := websocket.FormatCloseMessage(4001, "game over")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	client := dial(t, startProxy(t, newTestRelay(), upstream.URL))

	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if ce.Code != 4001 || ce.Text != "game over" {
		t.Errorf("close = (%d, %q), want (4001, %q)", ce.Code, ce.Text, "game over")
	}
}

func TestServe_ClientCloseReachesUpstream(t *testing.T) {
	closed := make(chan int, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
			return
		}
		closed <- -1
	}))
	defer upstream.Close()

	client := dial(t, startProxy(t, newTestRelay(), upstream.URL))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("upstream close code = %d, want %d", code, websocket.CloseNormalClosure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream did not observe close")
	}
}

func TestServe_NotUpgrade(t *testing.T) {
	rl := newTestRelay()
	target, _ := url.Parse("https://game.example.com/socket")

	req := httptest.NewRequest(http.MethodGet, "/ws/token", http.NoBody)
	rec := httptest.NewRecorder()

	if err := rl.Serve(rec, req, target); !errors.Is(err, ErrNotUpgrade) {
		t.Fatalf("Serve() error = %v, want ErrNotUpgrade", err)
	}
}

func TestServe_DialFailure(t *testing.T) {
	rl := newTestRelay()
	target, _ := url.Parse("http://127.0.0.1:1/socket")

	req := httptest.NewRequest(http.MethodGet, "/ws/token", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()

	if err := rl.Serve(rec, req, target); !errors.Is(err, ErrDial) {
		t.Fatalf("Serve() error = %v, want ErrDial", err)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Error("Serve() wrote to the response before the upgrade")
	}
}

func TestCloseStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantText string
	}{
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "done"}, websocket.CloseNormalClosure, "done"},
		{"application", &websocket.CloseError{Code: 4002, Text: "kick"}, 4002, "kick"},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, websocket.CloseNormalClosure, ""},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, websocket.CloseGoingAway, ""},
		{"transport", io.ErrUnexpectedEOF, websocket.CloseGoingAway, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, text := closeStatus(tt.err)
			if code != tt.wantCode || text != tt.wantText {
				t.Errorf("closeStatus() = (%d, %q), want (%d, %q)", code, text, tt.wantCode, tt.wantText)
			}
		})
	}
}
