// Package relay pairs an inbound browser WebSocket with an outbound socket to
// the real upstream endpoint and forwards frames between them.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"game-proxy-go/internal/config"
	"game-proxy-go/internal/metrics"
)

var (
	// ErrNotUpgrade is returned when the inbound request carries no WebSocket upgrade.
	ErrNotUpgrade = errors.New("websocket upgrade required")
	// ErrInvalidTarget is returned when the target cannot be mapped to a ws(s) URL.
	ErrInvalidTarget = errors.New("invalid websocket target")
	// ErrDial is returned when the upstream socket cannot be opened.
	ErrDial = errors.New("upstream websocket dial failed")
)

const (
	handshakeTimeout  = 10 * time.Second
	closeFrameTimeout = time.Second
	// closeGrace bounds how long a leg waits for the peer's close reply.
	closeGrace = 5 * time.Second
)

// Relay opens relay sessions. It holds no per-session state.
type Relay struct {
	upgrader  websocket.Upgrader
	dialer    websocket.Dialer
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Pages are served from the proxy's own origin; the upstream decides
			// whether to accept the connection.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		userAgent: cfg.Proxy.UserAgent,
		logger:    logger.With("component", "relay"),
		metrics:   m,
	}
}

// SocketURL maps an http(s) target to its ws(s) equivalent.
func SocketURL(target *url.URL) (*url.URL, error) {
	if target == nil || target.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	u := *target
	switch target.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, target.Scheme)
	}
	u.Fragment = ""
	return &u, nil
}

// Serve relays r to target until either side closes. Errors returned before
// the inbound upgrade leave w untouched so the caller can write an error
// response; once the upgrade has happened Serve returns nil.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, target *url.URL) error {
	if !websocket.IsWebSocketUpgrade(r) {
		return ErrNotUpgrade
	}
	wsURL, err := SocketURL(target)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Origin", target.Scheme+"://"+target.Host)
	if rl.userAgent != "" {
		header.Set("User-Agent", rl.userAgent)
	}
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}

	dialer := rl.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstream, resp, err := dialer.DialContext(r.Context(), wsURL.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("%w: %s: status %d", ErrDial, wsURL.Host, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: %v", ErrDial, wsURL.Host, err)
	}

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	client, err := rl.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written an HTTP error to the client.
		rl.logger.Warn("inbound upgrade failed", "err", err, "host", wsURL.Host)
		_ = upstream.Close()
		return nil
	}
	// Server read/write timeouts must not apply to a long-lived socket.
	_ = client.NetConn().SetDeadline(time.Time{})

	rl.run(client, upstream, wsURL.Host)
	return nil
}

// leg is one side of a relay session.
type leg struct {
	name string
	conn *websocket.Conn
	open atomic.Bool
}

func newLeg(name string, conn *websocket.Conn) *leg {
	l := &leg{name: name, conn: conn}
	l.open.Store(true)
	return l
}

func (rl *Relay) run(clientConn, upstreamConn *websocket.Conn, host string) {
	client := newLeg("client", clientConn)
	upstream := newLeg("upstream", upstreamConn)

	if rl.metrics != nil {
		rl.metrics.RelaySessions.Inc()
		defer rl.metrics.RelaySessions.Dec()
	}
	rl.logger.Debug("relay session opened", "host", host)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rl.pump(client, upstream, "inbound")
	}()
	go func() {
		defer wg.Done()
		rl.pump(upstream, client, "outbound")
	}()
	wg.Wait()

	rl.logger.Debug("relay session closed",
		"host", host,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pump copies frames from src to dst until reading src fails, then closes src
// and propagates the close to dst.
func (rl *Relay) pump(src, dst *leg, direction string) {
	defer func() { _ = src.conn.Close() }()
	for {
		msgType, data, err := src.conn.ReadMessage()
		if err != nil {
			src.open.Store(false)
			rl.propagateClose(src, dst, err)
			return
		}

		if !dst.open.Load() {
			rl.logger.Debug("dropping frame for closed leg", "leg", dst.name, "bytes", len(data))
			continue
		}
		if err := dst.conn.WriteMessage(msgType, data); err != nil {
			rl.logger.Warn("relay send failed", "leg", dst.name, "err", err)
			continue
		}
		if rl.metrics != nil {
			rl.metrics.RelayFrames.WithLabelValues(direction).Inc()
		}
	}
}

// propagateClose sends dst a close frame mirroring why src ended. dst's own
// pump then ends when the peer replies or the grace period runs out.
func (rl *Relay) propagateClose(src, dst *leg, readErr error) {
	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		rl.logger.Debug("leg closed unexpectedly", "leg", src.name, "err", readErr)
	}
	if !dst.open.Load() {
		return
	}

	code, text := closeStatus(readErr)
	msg := websocket.FormatCloseMessage(code, text)
	if err := dst.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		rl.logger.Debug("close frame not delivered", "leg", dst.name, "err", err)
		_ = dst.conn.Close()
		return
	}
	_ = dst.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

// closeStatus returns the close code and reason to forward. Codes that must not
// appear on the wire are replaced.
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.CloseGoingAway, ""
	}
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.CloseNormalClosure, ""
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseGoingAway, ""
	}
	return ce.Code, ce.Text
}
