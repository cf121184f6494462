package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults applied by New for zero Config fields.
const (
	defaultReconnectInitial  = 5 * time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultIdleInterval      = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Config holds the hub endpoint and session timing.
type Config struct {
	// URL is the hub's HTTP base URL, e.g. "http://hub.local:8123".
	URL   string
	Token string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// IdleInterval is the wait between checks while URL or Token is missing.
	IdleInterval time.Duration

	// HandshakeTimeout bounds dial plus each handshake read.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often a ping command is sent on a live
	// session. A session with no inbound traffic for two intervals is
	// considered dead. Negative disables heartbeats.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaultIdleInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	return c
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	Status           Status
	Entities         int
	EventsReceived   uint64
	ChangesForwarded uint64
	SnapshotsMerged  uint64
	StaleSkipped     uint64
	Reconnects       uint64
	Errors           uint64
	LastEvent        time.Time
}

// entry is one cached entity. A removed entity stays as a tombstone until
// the next snapshot merge, so a snapshot older than the removal cannot
// bring it back.
type entry struct {
	state   EntityState
	seq     uint64
	deleted bool
}

// Mirror keeps a live copy of every hub entity's state.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - The cache has a single writer: the session goroutine.
//
// Ordering:
//   - Each applied message gets a sequence number. The snapshot is stamped
//     with the sequence current when it was requested, so a snapshot entry
//     never overwrites an entity that a later live event already updated.
type Mirror struct {
	cfgMu sync.RWMutex
	cfg   Config

	observer Observer
	dialer   *websocket.Dialer

	cacheMu sync.RWMutex
	cache   map[string]entry
	seq     uint64

	watchMu sync.RWMutex
	watched map[string]struct{}

	status  atomic.Int32
	backoff *Backoff
	reqID   int64

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	restart   chan struct{}
	done      *closeOnce
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	eventsRx         atomic.Uint64
	changesForwarded atomic.Uint64
	snapshots        atomic.Uint64
	staleSkipped     atomic.Uint64
	reconnects       atomic.Uint64
	errorsTotal      atomic.Uint64
	lastEvent        atomic.Int64
}

// New creates a Mirror. observer may be nil. Call Start to connect.
func New(cfg Config, observer Observer) *Mirror {
	cfg = cfg.withDefaults()
	m := &Mirror{
		cfg:      cfg,
		observer: observer,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		cache:    make(map[string]entry),
		backoff:  NewBackoff(cfg.ReconnectInitial, cfg.ReconnectMax),
		restart:  make(chan struct{}, 1),
		done:     newCloseOnce(),
		logger:   noopLogger{},
	}
	m.status.Store(int32(StatusDisconnected))
	return m
}

// SetLogger sets the logger for this mirror.
func (m *Mirror) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Mirror) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Start launches the session loop. It returns immediately; connection
// problems are retried in the background. Calling Start more than once,
// or after Stop, has no effect.
func (m *Mirror) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if m.isStopped() {
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.wg.Add(1)
		go m.run(runCtx)
	})
}

// Stop ends the session loop and releases the socket. Idempotent.
func (m *Mirror) Stop() {
	m.done.Close()
	m.startOnce.Do(func() {}) // a later Start must not launch the loop
	if m.cancel != nil {
		m.cancel()
	}
	m.closeConn()
	m.wg.Wait()
	m.setStatus(StatusStopped)
}

// SetConfig replaces the endpoint and credential. A live session is
// restarted when either value changed.
func (m *Mirror) SetConfig(url, token string) {
	m.cfgMu.Lock()
	changed := m.cfg.URL != url || m.cfg.Token != token
	m.cfg.URL = url
	m.cfg.Token = token
	m.cfgMu.Unlock()

	if !changed {
		return
	}
	m.log().Info("hub configuration updated, reconnecting", "url", url)
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

func (m *Mirror) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// GetState returns a copy of the entity's state, or the Unknown sentinel.
func (m *Mirror) GetState(id string) EntityState {
	if s, ok := m.Lookup(id); ok {
		return s
	}
	return Unknown(id)
}

// Lookup returns a copy of the entity's state and whether it is cached.
func (m *Mirror) Lookup(id string) (EntityState, bool) {
	m.cacheMu.RLock()
	e, ok := m.cache[id]
	m.cacheMu.RUnlock()
	if !ok || e.deleted {
		return EntityState{}, false
	}
	return e.state.Clone(), true
}

// GetAllStates returns a deep copy of the whole cache.
func (m *Mirror) GetAllStates() map[string]EntityState {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	out := make(map[string]EntityState, len(m.cache))
	for id, e := range m.cache {
		if e.deleted {
			continue
		}
		out[id] = e.state.Clone()
	}
	return out
}

// UpdateWatchedEntities narrows which changes reach the observer. An empty
// set forwards every change. The cache always records all entities.
func (m *Mirror) UpdateWatchedEntities(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.watchMu.Lock()
	m.watched = set
	m.watchMu.Unlock()
	m.log().Debug("watched entities updated", "count", len(set))
}

func (m *Mirror) isWatched(id string) bool {
	m.watchMu.RLock()
	defer m.watchMu.RUnlock()
	if len(m.watched) == 0 {
		return true
	}
	_, ok := m.watched[id]
	return ok
}

// Status returns the current session state.
func (m *Mirror) Status() Status {
	return Status(m.status.Load())
}

func (m *Mirror) setStatus(s Status) {
	if m.isStopped() && s != StatusStopped {
		return
	}
	m.status.Store(int32(s))
}

// IsConnected reports whether the session has completed the handshake.
func (m *Mirror) IsConnected() bool {
	s := m.Status()
	return s == StatusBootstrapping || s == StatusLive
}

// HealthCheck returns ErrNotConnected unless a session is established.
func (m *Mirror) HealthCheck(_ context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns current counters.
func (m *Mirror) Stats() Stats {
	m.cacheMu.RLock()
	n := 0
	for _, e := range m.cache {
		if !e.deleted {
			n++
		}
	}
	m.cacheMu.RUnlock()

	var last time.Time
	if ts := m.lastEvent.Load(); ts != 0 {
		last = time.Unix(0, ts)
	}
	return Stats{
		Status:           m.Status(),
		Entities:         n,
		EventsReceived:   m.eventsRx.Load(),
		ChangesForwarded: m.changesForwarded.Load(),
		SnapshotsMerged:  m.snapshots.Load(),
		StaleSkipped:     m.staleSkipped.Load(),
		Reconnects:       m.reconnects.Load(),
		Errors:           m.errorsTotal.Load(),
		LastEvent:        last,
	}
}

func (m *Mirror) isStopped() bool {
	select {
	case <-m.done.Done():
		return true
	default:
		return false
	}
}

// run is the reconnect loop.
func (m *Mirror) run(ctx context.Context) {
	defer m.wg.Done()

	connectedBefore := false
	for ctx.Err() == nil {
		// A pending restart signal refers to configuration read below.
		select {
		case <-m.restart:
		default:
		}
		cfg := m.config()
		if cfg.URL == "" || cfg.Token == "" {
			m.setStatus(StatusDisconnected)
			m.log().Warn("hub configuration missing, waiting", "retry_in", cfg.IdleInterval.String())
			if !m.wait(ctx, cfg.IdleInterval) {
				return
			}
			continue
		}

		err := m.session(ctx, cfg, &connectedBefore)
		m.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errRestart) {
			m.backoff.Reset()
			continue
		}

		m.errorsTotal.Add(1)
		delay := m.backoff.Next()
		m.log().Error("hub session ended", "error", err, "retry_in", delay.String())
		if !m.wait(ctx, delay) {
			return
		}
	}
}

// wait sleeps for d, returning false on shutdown. A configuration change
// cuts the wait short.
func (m *Mirror) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.done.Done():
		return false
	case <-m.restart:
		return true
	case <-timer.C:
		return true
	}
}

// session runs one connection from dial to failure.
func (m *Mirror) session(ctx context.Context, cfg Config, connectedBefore *bool) error {
	m.setStatus(StatusConnecting)

	wsURL, err := WebSocketURL(cfg.URL)
	if err != nil {
		return err
	}
	m.log().Info("connecting to hub", "url", wsURL)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, wsURL, err)
	}
	m.setConn(conn)
	defer m.closeConn()

	// Close the socket on shutdown or reconfiguration to unblock reads.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	var restarted atomic.Bool
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-m.restart:
			restarted.Store(true)
		case <-sessionDone:
			return
		}
		conn.Close()
	}()

	wrap := func(err error) error {
		if restarted.Load() {
			return errRestart
		}
		return err
	}

	if err := m.handshake(conn, cfg); err != nil {
		return wrap(err)
	}
	m.backoff.Reset()
	if *connectedBefore {
		m.reconnects.Add(1)
	}
	*connectedBefore = true

	m.setStatus(StatusSubscribing)
	subID := m.nextID()
	if err := m.write(conn, command{ID: subID, Type: cmdSubscribeEvents, EventType: eventStateChanged}); err != nil {
		return wrap(err)
	}

	m.setStatus(StatusBootstrapping)
	snapID := m.nextID()
	snapSeq := m.currentSeq()
	if err := m.write(conn, command{ID: snapID, Type: cmdGetStates}); err != nil {
		return wrap(err)
	}
	m.log().Info("hub session established, bootstrapping")
	m.notifyConnected()

	if cfg.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeat(conn, cfg.HeartbeatInterval, sessionDone)
	}

	for {
		if cfg.HeartbeatInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2*cfg.HeartbeatInterval + cfg.HandshakeTimeout))
		}
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return wrap(fmt.Errorf("%w: read: %w", ErrTransport, err))
		}
		if err := m.handle(msg, subID, snapID, snapSeq); err != nil {
			return wrap(err)
		}
	}
}

// handshake performs auth_required → auth → auth_ok.
func (m *Mirror) handshake(conn *websocket.Conn, cfg Config) error {
	m.setStatus(StatusAuthenticating)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // reset only

	var challenge inbound
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("%w: waiting for auth challenge: %w", ErrTransport, err)
	}
	if challenge.Type != msgAuthRequired {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, msgAuthRequired, challenge.Type)
	}

	if err := m.write(conn, authMessage{Type: msgAuth, AccessToken: cfg.Token}); err != nil {
		return err
	}

	var ack inbound
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("%w: waiting for auth result: %w", ErrTransport, err)
	}
	switch ack.Type {
	case msgAuthOK:
		return nil
	case msgAuthInvalid:
		return fmt.Errorf("%w: authentication rejected: %s", ErrProtocol, ack.Message)
	default:
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, msgAuthOK, ack.Type)
	}
}

func (m *Mirror) handle(msg inbound, subID, snapID int64, snapSeq uint64) error {
	switch msg.Type {
	case msgEvent:
		if msg.Event == nil || msg.Event.EventType != eventStateChanged {
			return nil
		}
		var data stateChangedData
		if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
			m.log().Warn("malformed state_changed event", "error", err)
			return nil
		}
		m.applyEvent(data)

	case msgResult:
		switch msg.ID {
		case subID:
			if !msg.Success {
				return fmt.Errorf("%w: subscription rejected: %s", ErrProtocol, resultError(msg))
			}
		case snapID:
			if !msg.Success {
				m.log().Warn("state snapshot rejected", "error", resultError(msg))
				m.setStatus(StatusLive)
				return nil
			}
			var states []wireState
			if err := json.Unmarshal(msg.Result, &states); err != nil {
				m.log().Warn("malformed state snapshot", "error", err)
			} else {
				m.mergeSnapshot(states, snapSeq)
			}
			m.setStatus(StatusLive)
		}
	}
	return nil
}

func resultError(msg inbound) string {
	if msg.Error != nil {
		return msg.Error.Code + ": " + msg.Error.Message
	}
	return "unknown"
}

// applyEvent is the live half of the single-writer merge path.
func (m *Mirror) applyEvent(data stateChangedData) {
	if data.EntityID == "" {
		return
	}
	m.eventsRx.Add(1)
	m.lastEvent.Store(time.Now().UnixNano())

	m.cacheMu.Lock()
	m.seq++
	if data.NewState == nil {
		// Entity removed from the hub.
		m.cache[data.EntityID] = entry{seq: m.seq, deleted: true}
		m.cacheMu.Unlock()
		return
	}
	state := data.NewState.toState()
	state.EntityID = data.EntityID
	m.cache[data.EntityID] = entry{state: state, seq: m.seq}
	m.cacheMu.Unlock()

	change := Change{EntityID: data.EntityID, New: state.Clone()}
	if data.OldState != nil {
		old := data.OldState.toState()
		old.EntityID = data.EntityID
		change.Old = &old
	}

	if !isRelevantChange(change) || !m.isWatched(change.EntityID) {
		return
	}
	m.notifyChange(change)
}

// mergeSnapshot is the bootstrap half of the merge path.
func (m *Mirror) mergeSnapshot(states []wireState, snapSeq uint64) {
	var merged, skipped int

	m.cacheMu.Lock()
	for i := range states {
		ws := &states[i]
		if ws.EntityID == "" {
			continue
		}
		if e, ok := m.cache[ws.EntityID]; ok && e.seq > snapSeq {
			skipped++
			continue
		}
		m.cache[ws.EntityID] = entry{state: ws.toState(), seq: snapSeq}
		merged++
	}
	// Later snapshots are stamped after every existing tombstone.
	for id, e := range m.cache {
		if e.deleted {
			delete(m.cache, id)
		}
	}
	m.cacheMu.Unlock()

	m.snapshots.Add(1)
	m.staleSkipped.Add(uint64(skipped))
	m.log().Info("state snapshot merged", "entities", merged, "skipped_stale", skipped)
}

func (m *Mirror) currentSeq() uint64 {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.seq
}

func (m *Mirror) notifyChange(c Change) {
	if m.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("observer panicked", "entity_id", c.EntityID, "panic", fmt.Sprint(r))
		}
	}()
	m.changesForwarded.Add(1)
	m.observer.StateChanged(c)
}

func (m *Mirror) notifyConnected() {
	if m.observer == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log().Error("observer panicked on connect", "panic", fmt.Sprint(r))
			}
		}()
		m.observer.Connected()
	}()
}

func (m *Mirror) heartbeat(conn *websocket.Conn, interval time.Duration, sessionDone <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sessionDone:
			return
		case <-ticker.C:
			if err := m.write(conn, command{ID: m.nextID(), Type: msgPing}); err != nil {
				m.log().Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (m *Mirror) nextID() int64 {
	return atomic.AddInt64(&m.reqID, 1)
}

func (m *Mirror) write(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

func (m *Mirror) setConn(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Mirror) closeConn() {
	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()
}
