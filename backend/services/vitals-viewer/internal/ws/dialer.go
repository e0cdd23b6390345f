package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeGrace = time.Second

var (
	// ErrConnClosed is returned by writes on a closed connection.
	ErrConnClosed = errors.New("ws: connection closed")
	// ErrSendBufferFull is returned when frames are queued faster than the
	// socket drains them.
	ErrSendBufferFull = errors.New("ws: send buffer full")
)

// Conn is the subset of a WebSocket connection the Manager needs.
type Conn interface {
	// ReadMessage blocks until the next data frame or a terminal error.
	ReadMessage() ([]byte, error)
	// WriteJSON queues v for sending. It must not wait on the network.
	WriteJSON(v interface{}) error
	// Close releases the connection without waiting on the network.
	Close() error
}

// Dialer opens push-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerConfig tunes the gorilla-backed dialer. A zero PingInterval
// disables client keepalive pings.
type DialerConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	SendBuffer       int
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		SendBuffer:       256,
	}
}

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	cfg    DialerConfig
	logger *zap.Logger

	// netDial overrides the TCP dial; nil uses net.Dialer.
	netDial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewGorillaDialer builds a dialer. Non-positive timeouts and buffer sizes
// fall back to DefaultDialerConfig.
func NewGorillaDialer(cfg DialerConfig, logger *zap.Logger) *GorillaDialer {
	def := DefaultDialerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GorillaDialer{cfg: cfg, logger: logger}
}

// Dial connects and starts the write pump.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		NetDialContext:   d.netDial,
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c := newGorillaConn(ws, d.cfg, d.logger)
	go c.writePump()
	return c, nil
}

// gorillaConn serializes every socket write on writePump. Callers only
// enqueue, so a stalled peer never blocks them.
type gorillaConn struct {
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	closeOnce sync.Once
	closing   chan struct{}
	dead      chan struct{}
}

func newGorillaConn(ws *websocket.Conn, cfg DialerConfig, logger *zap.Logger) *gorillaConn {
	c := &gorillaConn{
		ws:           ws,
		send:         make(chan []byte, cfg.SendBuffer),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger,
		closing:      make(chan struct{}),
		dead:         make(chan struct{}),
	}
	c.armReadDeadline()

	// Server pings are answered from the reader; WriteControl may run
	// concurrently with the pump.
	ws.SetPingHandler(func(data string) error {
		c.armReadDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		c.armReadDeadline()
		return nil
	})
	return c
}

func (c *gorillaConn) armReadDeadline() {
	if c.pingInterval <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	for {
		select {
		case <-c.closing:
			return nil, ErrConnClosed
		default:
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.armReadDeadline()
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *gorillaConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.closing:
		return ErrConnClosed
	case <-c.dead:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// writePump owns frame writes, keepalive pings and the close handshake.
// Closing the socket on exit unblocks ReadMessage, which reports the failure.
func (c *gorillaConn) writePump() {
	defer close(c.dead)
	defer c.ws.Close()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.closing:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGrace),
			)
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("push channel write failed", zap.Error(err))
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}
