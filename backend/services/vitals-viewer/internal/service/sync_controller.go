package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthsense/backend/services/vitals-viewer/internal/clock"
	"healthsense/backend/services/vitals-viewer/internal/models"
	"healthsense/backend/services/vitals-viewer/internal/ws"
)

// DefaultPullInterval is the reference refresh period in Pull mode.
const DefaultPullInterval = 2 * time.Second

const inboxSize = 256

var (
	// ErrNotStarted is returned by Stop when Run was never called.
	ErrNotStarted = errors.New("sync controller not started")
	// ErrStopped is returned by operations on a torn-down controller.
	ErrStopped = errors.New("sync controller stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("sync controller already running")
	// ErrInvalidMode is returned by SetMode for values other than push/pull.
	ErrInvalidMode = errors.New("invalid sync mode")
)

// RosterFetcher is the roster-fetch collaborator.
type RosterFetcher interface {
	ListDevices(ctx context.Context, tenantID string) ([]models.DeviceReading, error)
}

// StateMirror receives every reading the controller applies. Publish is
// called on the controller goroutine and must not block. Stats is read when
// a snapshot is built.
type StateMirror interface {
	Publish(reading models.DeviceReading)
	Stats() models.MirrorStats
}

// SyncConfig configures a SyncController.
type SyncConfig struct {
	SessionID    string // generated when empty
	TenantID     string
	InitialMode  models.SyncMode
	PullInterval time.Duration
	FetchTimeout time.Duration
	Stream       ws.Config
}

// Messages handled by the controller loop.
type (
	initRequest  struct{}
	rosterLoaded struct {
		gen     uint64
		devices []models.DeviceReading
		err     error
	}
	modeRequest struct {
		mode models.SyncMode
	}
	pullDue struct {
		seq uint64
	}
	pullLoaded struct {
		seq     uint64
		devices []models.DeviceReading
		err     error
	}
)

// SyncController owns the device table, the sync mode and the push channel
// of one viewer session. All state is mutated by a single goroutine (Run);
// other goroutines post messages and read published snapshots.
type SyncController struct {
	cfg     SyncConfig
	roster  RosterFetcher
	clock   clock.Clock
	mirror  StateMirror
	logger  *zap.Logger
	manager *ws.Manager

	inbox    chan interface{}
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	quitOnce sync.Once

	current atomic.Pointer[models.Snapshot]

	subsMu     sync.Mutex
	subs       map[int]chan models.Snapshot
	nextSub    int
	subsClosed bool

	// Owned by the loop goroutine.
	mode     models.SyncMode
	load     models.LoadState
	devices  map[string]models.DeviceReading
	order    []string
	latency  *int64
	version  uint64
	dirty    bool
	lastConn models.ConnectionState

	initGen    uint64
	initCancel context.CancelFunc

	pullTimer    clock.Timer
	pullSeq      uint64
	pullInFlight bool
	pullCancel   context.CancelFunc
}

// NewSyncController wires a controller and its Connection Manager. mirror
// may be nil.
func NewSyncController(
	cfg SyncConfig,
	roster RosterFetcher,
	dialer ws.Dialer,
	clk clock.Clock,
	mirror StateMirror,
	logger *zap.Logger,
) (*SyncController, error) {
	if roster == nil {
		return nil, errors.New("roster fetcher is required")
	}
	cfg.TenantID = strings.TrimSpace(cfg.TenantID)
	if cfg.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if cfg.InitialMode == "" {
		cfg.InitialMode = models.ModePush
	}
	mode, err := models.ParseSyncMode(string(cfg.InitialMode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	cfg.InitialMode = mode
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = DefaultPullInterval
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", cfg.SessionID), zap.String("tenant_id", cfg.TenantID))
	cfg.Stream.TenantID = cfg.TenantID

	c := &SyncController{
		cfg:     cfg,
		roster:  roster,
		clock:   clk,
		mirror:  mirror,
		logger:  logger,
		inbox:   make(chan interface{}, inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]chan models.Snapshot),
		mode:    mode,
		load:    models.LoadState{Status: models.LoadIdle},
		devices: make(map[string]models.DeviceReading),
	}

	manager, err := ws.NewManager(cfg.Stream, dialer, clk, c, streamListener{c}, logger)
	if err != nil {
		return nil, fmt.Errorf("push channel: %w", err)
	}
	c.manager = manager
	c.lastConn = manager.State()
	c.current.Store(c.buildSnapshot())

	return c, nil
}

// SessionID identifies this controller instance in logs and snapshots.
func (c *SyncController) SessionID() string {
	return c.cfg.SessionID
}

// Run executes the controller loop until ctx is done or Stop is called,
// then tears the session down. It returns nil on a clean shutdown.
func (c *SyncController) Run(ctx context.Context) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.teardown()

	c.logger.Info("sync controller started",
		zap.String("mode", string(c.mode)),
		zap.Duration("pull_interval", c.cfg.PullInterval),
		zap.String("push_endpoint", c.manager.Endpoint()),
	)
	if c.mode == models.ModePull {
		c.startPull()
	}
	c.publishIfChanged()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.quit:
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
			c.publishIfChanged()
		}
	}
}

// Stop ends the session and waits for teardown or ctx expiry.
func (c *SyncController) Stop(ctx context.Context) error {
	c.quitOnce.Do(func() { close(c.quit) })
	if !c.running.Load() {
		return ErrNotStarted
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize (re)loads the roster. The result is reflected in Snapshot().Load.
func (c *SyncController) Initialize() error {
	return c.post(initRequest{})
}

// SetMode selects push or pull updates. Setting the current mode is a no-op.
func (c *SyncController) SetMode(mode models.SyncMode) error {
	parsed, err := models.ParseSyncMode(string(mode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	return c.post(modeRequest{mode: parsed})
}

// Snapshot returns a copy of the latest published state. It never blocks.
func (c *SyncController) Snapshot() models.Snapshot {
	return c.current.Load().Clone()
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. Slow readers only see the most recent snapshot. The
// channel is closed on teardown or when cancel is called.
func (c *SyncController) Subscribe() (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, 1)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ch <- c.Snapshot()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Deliver posts a message to the loop. It implements ws.Inbox.
func (c *SyncController) Deliver(msg interface{}) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *SyncController) post(msg interface{}) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.quit:
		return ErrStopped
	}
}

func (c *SyncController) handle(msg interface{}) {
	if c.manager.Handle(msg) {
		return
	}
	switch m := msg.(type) {
	case initRequest:
		c.startInitialize()
	case rosterLoaded:
		c.finishInitialize(m)
	case modeRequest:
		c.setMode(m.mode)
	case pullDue:
		c.onPullTick(m)
	case pullLoaded:
		c.finishPull(m)
	default:
		c.logger.Warn("unexpected message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *SyncController) fetchContext() (context.Context, context.CancelFunc) {
	if c.cfg.FetchTimeout > 0 {
		return context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	}
	return context.WithCancel(context.Background())
}

func (c *SyncController) startInitialize() {
	if c.initCancel != nil {
		c.initCancel()
	}
	c.initGen++
	gen := c.initGen

	c.load = models.LoadState{Status: models.LoadLoading}
	c.dirty = true

	ctx, cancel := c.fetchContext()
	c.initCancel = cancel
	c.logger.Info("loading roster", zap.Uint64("generation", gen))

	go func() {
		devices, err := c.roster.ListDevices(ctx, c.cfg.TenantID)
		c.Deliver(rosterLoaded{gen: gen, devices: devices, err: err})
	}()
}

func (c *SyncController) finishInitialize(m rosterLoaded) {
	if m.gen != c.initGen || c.initCancel == nil {
		return
	}
	c.initCancel()
	c.initCancel = nil
	c.dirty = true

	if m.err != nil {
		c.logger.Error("roster load failed", zap.Error(m.err))
		c.load = models.LoadState{Status: models.LoadFailed, Error: m.err.Error()}
		return
	}

	c.replaceTable(m.devices)
	c.load = models.LoadState{Status: models.LoadReady}
	c.logger.Info("roster loaded", zap.Int("devices", len(c.order)))

	for _, id := range c.order {
		c.mirrorReading(c.devices[id])
	}

	if c.manager.Started() {
		c.manager.SetDevices(c.order)
	} else {
		c.manager.Start(c.order)
	}
}

// replaceTable installs the roster as the device key set. The first entry
// wins for duplicate ids.
func (c *SyncController) replaceTable(devices []models.DeviceReading) {
	table := make(map[string]models.DeviceReading, len(devices))
	order := make([]string, 0, len(devices))
	for _, d := range devices {
		id := strings.TrimSpace(d.DeviceID)
		if id == "" {
			continue
		}
		if _, ok := table[id]; ok {
			continue
		}
		reading := d.Clone()
		reading.DeviceID = id
		table[id] = reading
		order = append(order, id)
	}
	c.devices = table
	c.order = order
}

func (c *SyncController) setMode(mode models.SyncMode) {
	if mode == c.mode {
		return
	}
	prev := c.mode
	c.mode = mode
	c.dirty = true

	switch mode {
	case models.ModePull:
		c.latency = nil
		c.startPull()
	case models.ModePush:
		c.stopPull()
	}
	c.logger.Info("sync mode changed", zap.String("from", string(prev)), zap.String("to", string(mode)))
}

// applyPush merges a push event into the table. Events are ignored in Pull
// mode and for devices outside the roster.
func (c *SyncController) applyPush(ev models.PushEvent) {
	if c.mode != models.ModePush {
		return
	}
	current, ok := c.devices[ev.DeviceID]
	if !ok {
		c.logger.Debug("ignoring push for unknown device", zap.String("device_id", ev.DeviceID))
		return
	}

	next := MergePush(current, ev)
	c.devices[ev.DeviceID] = next
	if ev.HasTimestamp() {
		latency := ComputeLatency(ev.Timestamp, ev.ReceivedAt)
		c.latency = &latency
	}
	c.dirty = true
	c.mirrorReading(next)
}

func (c *SyncController) startPull() {
	c.stopPull()
	c.schedulePull(c.pullSeq)
}

func (c *SyncController) schedulePull(seq uint64) {
	if c.pullTimer != nil {
		c.pullTimer.Stop()
	}
	c.pullTimer = c.clock.AfterFunc(c.cfg.PullInterval, func() {
		c.Deliver(pullDue{seq: seq})
	})
}

// stopPull cancels the refresh timer and any fetch in flight.
func (c *SyncController) stopPull() {
	if c.pullTimer != nil {
		c.pullTimer.Stop()
		c.pullTimer = nil
	}
	if c.pullCancel != nil {
		c.pullCancel()
		c.pullCancel = nil
	}
	c.pullInFlight = false
	c.pullSeq++
}

func (c *SyncController) onPullTick(m pullDue) {
	if m.seq != c.pullSeq || c.mode != models.ModePull {
		return
	}
	c.schedulePull(m.seq)

	if c.pullInFlight {
		c.logger.Debug("pull refresh still in flight, skipping tick")
		return
	}
	c.pullInFlight = true

	ctx, cancel := c.fetchContext()
	c.pullCancel = cancel
	go func() {
		devices, err := c.roster.ListDevices(ctx, c.cfg.TenantID)
		c.Deliver(pullLoaded{seq: m.seq, devices: devices, err: err})
	}()
}

func (c *SyncController) finishPull(m pullLoaded) {
	if m.seq != c.pullSeq || !c.pullInFlight {
		return
	}
	c.pullInFlight = false
	if c.pullCancel != nil {
		c.pullCancel()
		c.pullCancel = nil
	}

	if m.err != nil {
		c.logger.Warn("pull refresh failed, keeping previous state", zap.Error(m.err))
		return
	}

	for _, fetched := range m.devices {
		id := strings.TrimSpace(fetched.DeviceID)
		current, ok := c.devices[id]
		if !ok {
			continue
		}
		next := ReplaceVitals(current, fetched)
		c.devices[id] = next
		c.dirty = true
		c.mirrorReading(next)
	}
}

func (c *SyncController) mirrorReading(reading models.DeviceReading) {
	if c.mirror == nil {
		return
	}
	c.mirror.Publish(reading.Clone())
}

func (c *SyncController) publishIfChanged() {
	if !c.dirty && c.manager.State().SameLifecycle(c.lastConn) {
		return
	}
	c.publish()
}

func (c *SyncController) publish() {
	c.version++
	snap := c.buildSnapshot()
	c.current.Store(snap)
	c.lastConn = snap.Connection
	c.dirty = false
	c.notify(snap)
}

func (c *SyncController) buildSnapshot() *models.Snapshot {
	conn := c.manager.State()
	if c.latency != nil {
		latency := *c.latency
		conn.LastLatencyMs = &latency
	}

	devices := make([]models.DeviceReading, 0, len(c.order))
	for _, id := range c.order {
		devices = append(devices, c.devices[id].Clone())
	}

	snap := &models.Snapshot{
		SessionID:  c.cfg.SessionID,
		Version:    c.version,
		UpdatedAt:  c.clock.Now().UTC(),
		Mode:       c.mode,
		Load:       c.load,
		Connection: conn,
		Devices:    devices,
	}
	if c.mirror != nil {
		stats := c.mirror.Stats()
		snap.Mirror = &stats
	}
	return snap
}

// notify hands each subscriber its own copy of snap.
func (c *SyncController) notify(snap *models.Snapshot) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		next := snap.Clone()
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// teardown cancels every timer and fetch and closes the push channel.
func (c *SyncController) teardown() {
	c.stopPull()
	if c.initCancel != nil {
		c.initCancel()
		c.initCancel = nil
	}
	c.manager.Stop()
	c.publish()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsClosed = true
	c.subsMu.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })
	close(c.done)
	c.logger.Info("sync controller stopped", zap.Uint64("version", c.version))
}

// streamListener adapts Connection Manager callbacks; they run on the loop
// goroutine from within Manager.Handle.
type streamListener struct {
	c *SyncController
}

func (l streamListener) OnConnected() {
	l.c.dirty = true
}

func (l streamListener) OnDisconnected(err error) {
	l.c.dirty = true
}

func (l streamListener) OnPushEvent(ev models.PushEvent) {
	l.c.applyPush(ev)
}
