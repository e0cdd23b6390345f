package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"healthsense/backend/services/vitals-viewer/internal/clock"
	"healthsense/backend/services/vitals-viewer/internal/models"
)

// Inbox accepts messages for the goroutine that owns a Manager. Deliver may
// be called from any goroutine.
type Inbox interface {
	Deliver(msg interface{})
}

// Listener is notified from Handle, on the owner goroutine.
type Listener interface {
	OnConnected()
	OnDisconnected(err error)
	OnPushEvent(ev models.PushEvent)
}

// Config configures the Manager.
type Config struct {
	URL         string // WebSocket base URL (e.g., ws://localhost:8080/api/v1)
	TenantID    string
	Policy      ReconnectPolicy
	DialTimeout time.Duration // 0 leaves the dial bounded only by Stop
}

// Endpoint returns <base>/ws?tenant_id=<tenant>.
func Endpoint(base, tenantID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws url must use ws or wss scheme, got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("tenant_id", tenantID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Messages posted to the Inbox by background goroutines. The generation
// fields let Handle discard results from connections or timers that have
// since been replaced.
type (
	dialResult struct {
		gen  uint64
		conn Conn
		err  error
	}
	frameReceived struct {
		gen        uint64
		data       []byte
		receivedAt time.Time
	}
	connClosed struct {
		gen uint64
		err error
	}
	reconnectDue struct {
		seq uint64
	}
)

// Manager owns the push channel connection.
type Manager struct {
	cfg      Config
	endpoint string
	dialer   Dialer
	clock    clock.Clock
	inbox    Inbox
	listener Listener
	logger   *zap.Logger

	state   models.ConnectionState
	started bool
	stopped bool

	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc

	timer    clock.Timer
	timerSeq uint64
	attempts int

	devices    []string
	subscribed map[string]struct{}
}

// NewManager creates a Connection Manager. It does not connect until Start.
func NewManager(cfg Config, dialer Dialer, clk clock.Clock, inbox Inbox, listener Listener, logger *zap.Logger) (*Manager, error) {
	if dialer == nil || inbox == nil || listener == nil {
		return nil, errors.New("ws: dialer, inbox and listener are required")
	}
	endpoint, err := Endpoint(cfg.URL, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	if cfg.Policy == nil {
		cfg.Policy = FixedDelay(DefaultReconnectDelay)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   dialer,
		clock:    clk,
		inbox:    inbox,
		listener: listener,
		logger:   logger.Named("push_channel"),
		state:    models.ConnectionState{Status: models.StatusDisconnected},
	}, nil
}

// Start opens the first connection and tracks the given devices.
func (m *Manager) Start(devices []string) {
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.devices = uniqueIDs(devices)
	m.connect()
}

// Started reports whether Start has been called.
func (m *Manager) Started() bool {
	return m.started
}

// Stop cancels any pending reconnection and closes the connection. It is
// the only way to end retries; the Manager cannot be restarted.
func (m *Manager) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.gen++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("close on stop", zap.Error(err))
		}
		m.conn = nil
	}
	m.subscribed = nil
	m.state.Status = models.StatusDisconnected
	m.state.PendingReconnect = false
	m.logger.Info("push channel stopped")
}

// State returns the current connection lifecycle state.
func (m *Manager) State() models.ConnectionState {
	return m.state
}

// Endpoint returns the resolved channel URL.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// SetDevices replaces the tracked device set. While connected, frames are
// sent only for devices that were added or removed.
func (m *Manager) SetDevices(devices []string) {
	next := uniqueIDs(devices)
	m.devices = next

	if m.state.Status != models.StatusConnected || m.conn == nil {
		return
	}

	keep := make(map[string]struct{}, len(next))
	for _, id := range next {
		keep[id] = struct{}{}
	}
	for id := range m.subscribed {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := m.send(models.FrameUnsubscribe, id); err != nil {
			m.fail(err)
			return
		}
		delete(m.subscribed, id)
	}
	if err := m.subscribeAll(); err != nil {
		m.fail(err)
	}
}

// Handle processes a message previously posted to the Inbox. It returns
// false for messages that do not belong to the Manager.
func (m *Manager) Handle(msg interface{}) bool {
	switch msg := msg.(type) {
	case dialResult:
		m.handleDial(msg)
	case frameReceived:
		m.handleFrame(msg)
	case connClosed:
		m.handleClosed(msg)
	case reconnectDue:
		m.handleReconnectDue(msg)
	default:
		return false
	}
	return true
}

func (m *Manager) connect() {
	m.gen++
	gen := m.gen

	m.state.Status = models.StatusConnecting
	m.state.PendingReconnect = false

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelDial = cancel

	m.logger.Info("connecting", zap.String("url", m.endpoint), zap.Int("attempt", m.attempts))

	go func() {
		conn, err := m.dialer.Dial(ctx, m.endpoint)
		if err == nil && ctx.Err() != nil {
			_ = conn.Close()
			conn, err = nil, ctx.Err()
		}
		m.inbox.Deliver(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (m *Manager) handleDial(r dialResult) {
	if r.gen != m.gen || m.stopped {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if r.err != nil {
		m.fail(fmt.Errorf("dial: %w", r.err))
		return
	}

	m.conn = r.conn
	m.subscribed = make(map[string]struct{}, len(m.devices))
	m.state.Status = models.StatusConnected
	m.attempts = 0
	m.state.ReconnectAttempts = 0

	go m.readLoop(r.gen, r.conn)

	if err := m.subscribeAll(); err != nil {
		m.fail(err)
		return
	}

	m.logger.Info("connected", zap.Int("subscriptions", len(m.subscribed)))
	m.listener.OnConnected()
}

func (m *Manager) handleFrame(f frameReceived) {
	if f.gen != m.gen || m.state.Status != models.StatusConnected {
		return
	}
	ev, err := models.DecodePushFrame(f.data, f.receivedAt)
	if err != nil {
		m.state.DroppedFrames++
		m.logger.Debug("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(f.data)))
		return
	}
	m.listener.OnPushEvent(ev)
}

func (m *Manager) handleClosed(c connClosed) {
	if c.gen != m.gen || m.stopped || m.state.Status != models.StatusConnected {
		return
	}
	m.fail(c.err)
}

func (m *Manager) handleReconnectDue(r reconnectDue) {
	if m.stopped || m.timer == nil || r.seq != m.timerSeq {
		return
	}
	m.timer = nil
	m.connect()
}

// readLoop forwards frames until the connection fails.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.inbox.Deliver(connClosed{gen: gen, err: err})
			return
		}
		m.inbox.Deliver(frameReceived{gen: gen, data: data, receivedAt: m.clock.Now()})
	}
}

func (m *Manager) subscribeAll() error {
	for _, id := range m.devices {
		if _, ok := m.subscribed[id]; ok {
			continue
		}
		if err := m.send(models.FrameSubscribe, id); err != nil {
			return err
		}
		m.subscribed[id] = struct{}{}
	}
	return nil
}

// send queues one subscription frame; the connection's writer puts it on the
// wire.
func (m *Manager) send(frameType, deviceID string) error {
	frame := models.SubscriptionFrame{
		Type:     frameType,
		DeviceID: deviceID,
		TenantID: m.cfg.TenantID,
	}
	if err := m.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s %s: %w", frameType, deviceID, err)
	}
	return nil
}

// fail moves to Disconnected and schedules the next attempt.
func (m *Manager) fail(err error) {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.subscribed = nil
	m.state.Status = models.StatusDisconnected

	m.logger.Warn("push channel lost", zap.Error(err))
	m.listener.OnDisconnected(err)
	m.scheduleReconnect()
}

// scheduleReconnect keeps at most one pending attempt.
func (m *Manager) scheduleReconnect() {
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	delay := m.cfg.Policy.Delay(m.attempts)
	m.attempts++
	m.state.ReconnectAttempts = m.attempts

	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() {
		m.inbox.Deliver(reconnectDue{seq: seq})
	})
	m.state.PendingReconnect = true

	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempts))
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
