package offlinechat

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

var environments = map[Environment]string{
	Development: "ws://localhost:8080",
	Production:  "wss://chat.example.com/ws",
}

// EndpointFor returns the configured endpoint for env. Unknown environments
// resolve to the production endpoint.
func EndpointFor(env Environment) string {
	if u, ok := environments[env]; ok {
		return u
	}
	return environments[Production]
}

// ============================================================================
// Transport
// ============================================================================

// Conn is an open realtime duplex channel carrying text frames.
// Read blocks until a frame arrives or the channel fails; any error ends the
// connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// TransportKind selects a Dialer implementation from configuration.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportSimulated TransportKind = "simulated"
)

// NewDialer returns the Dialer for kind.
func NewDialer(kind TransportKind) (Dialer, error) {
	switch kind {
	case TransportWebSocket, "":
		return &WebSocketDialer{}, nil
	case TransportSimulated:
		return NewSimulatedDialer(nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: websocket, simulated)", kind)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

// WebSocketDialer dials real WebSocket endpoints.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return c.closeErr
}
