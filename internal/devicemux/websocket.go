package devicemux

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeviceURL turns a bare device address such as "192.168.4.1" into the
// WebSocket endpoint the firmware serves. Full ws:// or wss:// URLs are kept
// as given.
func DeviceURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty device address")
	}
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			return "", fmt.Errorf("invalid device url %q: %w", addr, err)
		}
		return addr, nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(addr, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	return u.String(), nil
}

// WebSocketOpener dials the device at addr each time it is called.
func WebSocketOpener(addr string) Opener {
	return func(ctx context.Context) (Port, error) {
		return DialWebSocket(ctx, addr)
	}
}

// DialWebSocket connects to the device's WebSocket endpoint.
func DialWebSocket(ctx context.Context, addr string) (Port, error) {
	u, err := DeviceURL(addr)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return NewWebSocketPort(conn), nil
}

// WebSocketPort presents a WebSocket connection as a line stream: each
// inbound message becomes one line and each written line is sent as one text
// message.
type WebSocketPort struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending bytes.Buffer

	writeMu sync.Mutex
}

// NewWebSocketPort wraps an established connection.
func NewWebSocketPort(conn *websocket.Conn) *WebSocketPort {
	return &WebSocketPort{conn: conn}
}

func (p *WebSocketPort) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	for p.pending.Len() == 0 {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		msg = bytes.TrimRight(msg, "\r\n")
		if len(msg) == 0 {
			continue
		}
		p.pending.Write(msg)
		p.pending.WriteByte('\n')
	}
	return p.pending.Read(b)
}

func (p *WebSocketPort) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(b, "\r\n")); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame and shuts the connection.
func (p *WebSocketPort) Close() error {
	p.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.conn.Close()
}
