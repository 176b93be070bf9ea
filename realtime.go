package offlinechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the lifecycle state of the managed connection.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
)

// ChatState is the snapshot published to subscribers after every mutation.
type ChatState struct {
	Messages         []Message
	Connection       ConnectionState
	IsOnline         bool
	Syncing          bool
	RetriesExhausted bool
	ReconnectAttempt int
}

// IsConnected reports whether the transport is open.
func (s ChatState) IsConnected() bool { return s.Connection == StateOpen }

// IsConnecting reports whether a connect attempt is in flight.
func (s ChatState) IsConnecting() bool { return s.Connection == StateConnecting }

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultLocalSender          = "user"
)

var errNotConnected = errors.New("not connected")

// Timer is a pending reconnect that can be cancelled.
type Timer interface {
	Stop() bool
}

// TimerFunc runs f once after d.
type TimerFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

func WithDialer(d Dialer) ManagerOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

func WithNotifier(n Notifier) ManagerOption {
	return func(m *ConnectionManager) { m.notifier = n }
}

// WithLocalSender sets the identity used for outgoing messages. Incoming
// messages from this sender never raise notifications.
func WithLocalSender(sender string) ManagerOption {
	return func(m *ConnectionManager) { m.localSender = sender }
}

func WithReconciler(r *SyncReconciler) ManagerOption {
	return func(m *ConnectionManager) { m.reconciler = r }
}

// WithTimerFunc replaces time.AfterFunc for reconnect scheduling.
func WithTimerFunc(f TimerFunc) ManagerOption {
	return func(m *ConnectionManager) { m.afterFunc = f }
}

// WithReconnectPolicy sets the base delay and the maximum number of
// consecutive automatic reconnect attempts.
func WithReconnectPolicy(base time.Duration, maxAttempts int) ManagerOption {
	return func(m *ConnectionManager) {
		m.baseDelay = base
		m.maxAttempts = maxAttempts
	}
}

// WithOnline sets the initial device connectivity. Defaults to online.
func WithOnline(online bool) ManagerOption {
	return func(m *ConnectionManager) { m.online = online }
}

// WithVisible sets the initial surface visibility. Defaults to visible.
func WithVisible(visible bool) ManagerOption {
	return func(m *ConnectionManager) { m.visible = visible }
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	maxAttempts int
	attempt     int
	backoff     *backoff.ExponentialBackOff
}

// newReconnector yields base, 2*base, 4*base, ... for maxAttempts attempts.
func newReconnector(base time.Duration, maxAttempts int) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << max(maxAttempts-1, 0)
	b.Reset()
	return &reconnector{maxAttempts: maxAttempts, backoff: b}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.backoff.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.backoff.Reset()
}

// ============================================================================
// State listeners
// ============================================================================

type stateListener struct {
	id int
	fn func(ChatState)
}

type listenerRegistry struct {
	mu        sync.RWMutex
	nextID    int
	listeners []stateListener
	logger    *slog.Logger
}

func (r *listenerRegistry) add(fn func(ChatState)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners = append(r.listeners, stateListener{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *listenerRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *listenerRegistry) emit(s ChatState) {
	r.mu.RLock()
	listeners := append([]stateListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		r.call(l.fn, s)
	}
}

// call runs fn, logging and discarding a panic so one subscriber cannot
// break the manager or the others.
func (r *listenerRegistry) call(fn func(ChatState), s ChatState) {
	defer func() {
		if v := recover(); v != nil && r.logger != nil {
			r.logger.Error("state listener panicked", "panic", v)
		}
	}()
	fn(s)
}

// ============================================================================
// Message list
// ============================================================================

// messageList keeps rendered messages in arrival order with an id index so
// upserts are O(1).
type messageList struct {
	items []Message
	index map[string]int
}

func (l *messageList) upsert(m Message) (inserted bool) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if i, ok := l.index[m.ID]; ok {
		l.items[i] = m
		return false
	}
	l.index[m.ID] = len(l.items)
	l.items = append(l.items, m)
	return true
}

func (l *messageList) setKind(id string, k Kind) {
	if i, ok := l.index[id]; ok {
		l.items[i].Kind = k
	}
}

func (l *messageList) snapshot() []Message {
	return append([]Message(nil), l.items...)
}

func unconfirmed(m Message) Message {
	m.Kind = KindSystem
	return m
}

// ============================================================================
// ConnectionManager
// ============================================================================

type outboundFrame struct {
	id   string // message id, empty for raw payloads
	data []byte
}

// ConnectionManager owns the single logical connection to the chat server.
//
// State machine: CLOSED -> CONNECTING -> OPEN -> CLOSED, with automatic
// reconnects after unexpected closes while the device is online. Delays double
// from the base delay and stop after the maximum number of attempts until the
// device goes through an online transition.
type ConnectionManager struct {
	url         string
	dialer      Dialer
	store       *MessageStore
	reconciler  *SyncReconciler
	notifier    Notifier
	logger      *slog.Logger
	localSender string
	afterFunc   TimerFunc
	baseDelay   time.Duration
	maxAttempts int

	listeners listenerRegistry

	mu               sync.Mutex
	state            ConnectionState
	conn             Conn
	cancelFn         context.CancelFunc
	epoch            uint64
	intentionalClose bool
	online           bool
	visible          bool
	syncing          bool
	flushing         bool
	drains           int // syncs decided but not yet finished; direct writes wait
	exhausted        bool
	recon            *reconnector
	timer            Timer
	timerGen         uint64
	outbound         []outboundFrame
	messages         messageList

	// writeMu serializes writes so outbound order is preserved.
	writeMu sync.Mutex
	// sendMu orders a direct send (write plus MarkSynced) against a drain so
	// neither transmits a message the other already sent.
	sendMu sync.Mutex
}

// NewConnectionManager creates a manager for url backed by store. The
// rendered message list starts from the persisted messages; unsynced ones are
// marked unconfirmed.
func NewConnectionManager(url string, store *MessageStore, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		url:         url,
		store:       store,
		localSender: DefaultLocalSender,
		afterFunc:   afterFunc,
		baseDelay:   DefaultReconnectBaseDelay,
		maxAttempts: DefaultMaxReconnectAttempts,
		state:       StateClosed,
		online:      true,
		visible:     true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "connection")
	m.listeners.logger = m.logger
	if m.dialer == nil {
		m.dialer = &WebSocketDialer{}
	}
	if m.notifier == nil {
		m.notifier = NopNotifier{}
	}
	if m.reconciler == nil {
		m.reconciler = NewSyncReconciler(store, m.logger)
	}
	m.reconciler.OnSyncing(func(syncing bool) {
		m.mu.Lock()
		m.syncing = syncing
		m.mu.Unlock()
		m.publish()
	})
	m.recon = newReconnector(m.baseDelay, m.maxAttempts)

	for _, qm := range store.All() {
		msg := qm.Message
		if !qm.Synced {
			msg = unconfirmed(msg)
		}
		m.messages.upsert(msg)
	}
	return m
}

// Subscribe registers fn for state snapshots. fn is called immediately with
// the current state, then synchronously after every mutation. The returned
// function removes the subscription.
func (m *ConnectionManager) Subscribe(fn func(ChatState)) (unsubscribe func()) {
	id := m.listeners.add(fn)
	m.listeners.call(fn, m.State())
	return func() { m.listeners.remove(id) }
}

// State returns the current snapshot.
func (m *ConnectionManager) State() ChatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChatState{
		Messages:         m.messages.snapshot(),
		Connection:       m.state,
		IsOnline:         m.online,
		Syncing:          m.syncing,
		RetriesExhausted: m.exhausted,
		ReconnectAttempt: m.recon.attempt,
	}
}

// Messages returns the rendered message list.
func (m *ConnectionManager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages.snapshot()
}

// IsOpen reports whether the transport is open.
func (m *ConnectionManager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

func (m *ConnectionManager) publish() {
	m.listeners.emit(m.State())
}

// Connect opens the transport. It is a no-op while OPEN or CONNECTING.
// A failed attempt is handled like a close and schedules a reconnect; the
// error is returned for information only.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.state = StateConnecting
	m.intentionalClose = false
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()
	m.publish()

	conn, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		m.logger.Warn("connection failed", "url", m.url, "error", err)
		m.handleClosed(epoch, terr)
		return terr
	}

	m.mu.Lock()
	if epoch != m.epoch {
		// Disconnected while dialing.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.conn = conn
	m.cancelFn = cancel
	m.state = StateOpen
	m.exhausted = false
	m.recon.reset()
	online := m.online
	if online {
		m.drains++
	}
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.url)
	m.publish()

	go m.readLoop(connCtx, epoch, conn)

	if online {
		m.sync(ctx)
	} else {
		m.flushOutbound(ctx, false)
	}
	return nil
}

// Disconnect closes the transport, cancels any pending reconnect and forces
// the state to CLOSED. No automatic reconnect follows.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.intentionalClose = true
	m.stopTimerLocked()
	m.epoch++
	epoch := m.epoch
	conn := m.conn
	m.conn = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	if conn != nil {
		m.state = StateClosing
	}
	m.mu.Unlock()

	if conn != nil {
		m.publish()
		if err := conn.Close(); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
	}

	m.mu.Lock()
	if epoch != m.epoch {
		// A Connect ran while the close was in progress and owns the state now.
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.mu.Unlock()
	m.logger.Info("disconnected")
	m.publish()
}

// SetOnline records a device connectivity transition. Going online re-arms
// automatic reconnects, drains unsynced messages when the transport is open
// and otherwise connects. Going offline cancels any pending reconnect.
func (m *ConnectionManager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var doSync, doConnect bool
	if online {
		m.recon.reset()
		m.exhausted = false
		doSync = m.state == StateOpen
		doConnect = m.state == StateClosed && !m.intentionalClose
		if doSync {
			m.drains++
		}
	} else {
		m.stopTimerLocked()
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("device came online")
	} else {
		m.logger.Info("device went offline")
	}
	m.publish()

	switch {
	case doSync:
		m.sync(ctx)
	case doConnect:
		_ = m.Connect(ctx)
	}
}

// SetVisible records whether the consuming surface is visible.
func (m *ConnectionManager) SetVisible(visible bool) {
	m.mu.Lock()
	m.visible = visible
	m.mu.Unlock()
}

// RequestSync is an advisory request from the background worker. It drains
// only when the transport is open and the device online, and is ignored
// otherwise.
func (m *ConnectionManager) RequestSync(ctx context.Context) {
	m.mu.Lock()
	ready := m.state == StateOpen && m.online
	if ready {
		m.drains++
	}
	m.mu.Unlock()
	if !ready {
		m.logger.Debug("ignoring sync request", "reason", "not connected")
		return
	}
	m.sync(ctx)
}

// SendMessage stores content as a new unsynced message, renders it
// unconfirmed and sends it right away when possible. Otherwise it is queued
// and a connect is started if the device is online.
func (m *ConnectionManager) SendMessage(ctx context.Context, content string) Message {
	msg := NewMessage(content, m.localSender)
	m.store.Enqueue(msg)

	m.mu.Lock()
	m.messages.upsert(unconfirmed(msg))
	m.mu.Unlock()
	m.publish()

	data, err := EncodeMessage(msg)
	if err != nil {
		m.logger.Error("failed to encode message", "message_id", msg.ID, "error", err)
		return msg
	}
	m.enqueueOrWrite(ctx, outboundFrame{id: msg.ID, data: data}, true)
	return msg
}

// Send transmits payload when the transport is open and otherwise appends it
// to the in-memory outbound queue, which is replayed in order on the next
// open.
func (m *ConnectionManager) Send(ctx context.Context, payload []byte) {
	m.enqueueOrWrite(ctx, outboundFrame{data: payload}, false)
}

// Transmit implements Link for the reconciler.
func (m *ConnectionManager) Transmit(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return m.writeFrame(ctx, data)
}

func (m *ConnectionManager) enqueueOrWrite(ctx context.Context, f outboundFrame, connectIfIdle bool) {
	m.mu.Lock()
	direct := m.state == StateOpen && m.online && !m.flushing && !m.syncing && m.drains == 0 && len(m.outbound) == 0
	if !direct {
		m.outbound = append(m.outbound, f)
		connect := connectIfIdle && m.online && m.state == StateClosed
		m.mu.Unlock()
		m.logger.Debug("queued outbound frame", "message_id", f.id)
		if connect {
			go m.Connect(context.WithoutCancel(ctx))
		}
		return
	}
	m.mu.Unlock()

	// A drain that started after the decision above may already have sent
	// this message; sendMu orders the two and the synced check skips it.
	m.sendMu.Lock()
	if f.id != "" {
		if qm, ok := m.store.Get(f.id); ok && qm.Synced {
			m.sendMu.Unlock()
			return
		}
	}
	if err := m.writeFrame(ctx, f.data); err != nil {
		m.sendMu.Unlock()
		m.mu.Lock()
		m.outbound = append([]outboundFrame{f}, m.outbound...)
		m.mu.Unlock()
		return
	}
	if f.id != "" {
		m.store.MarkSynced(f.id)
	}
	m.sendMu.Unlock()
	if f.id != "" {
		m.confirm(f.id)
	}
}

func (m *ConnectionManager) writeFrame(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: errNotConnected}
	}

	m.writeMu.Lock()
	err := conn.Write(ctx, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("send failed", "error", err)
		// Closing ends the read loop, which applies the reconnection policy.
		// The close handshake can wait on the peer, so it runs off the
		// sender's goroutine.
		go conn.Close()
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// sync drains the store and then replays the outbound queue. The caller
// has already counted it in drains; the flush releases it.
func (m *ConnectionManager) sync(ctx context.Context) {
	m.sendMu.Lock()
	res := m.reconciler.Drain(ctx, m)
	m.sendMu.Unlock()
	if len(res.Synced) > 0 {
		m.confirm(res.Synced...)
	}
	m.flushOutbound(ctx, true)
}

// flushOutbound replays queued frames in FIFO order. Chat messages already
// synced by a drain are skipped. With release set, the pending drain count
// is decremented under the same lock that observes the queue empty.
func (m *ConnectionManager) flushOutbound(ctx context.Context, release bool) {
	m.mu.Lock()
	if m.flushing || m.state != StateOpen {
		if release {
			m.drains--
		}
		m.mu.Unlock()
		return
	}
	m.flushing = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.outbound) == 0 || m.state != StateOpen {
			m.flushing = false
			if release {
				m.drains--
			}
			m.mu.Unlock()
			return
		}
		f := m.outbound[0]
		m.outbound = m.outbound[1:]
		m.mu.Unlock()

		if f.id != "" {
			if qm, ok := m.store.Get(f.id); ok && qm.Synced {
				continue
			}
		}
		if err := m.writeFrame(ctx, f.data); err != nil {
			m.mu.Lock()
			m.outbound = append([]outboundFrame{f}, m.outbound...)
			m.flushing = false
			if release {
				m.drains--
			}
			m.mu.Unlock()
			return
		}
		if f.id != "" {
			m.store.MarkSynced(f.id)
			m.confirm(f.id)
		}
	}
}

// confirm clears the unconfirmed marker of the given messages.
func (m *ConnectionManager) confirm(ids ...string) {
	kinds := make(map[string]Kind, len(ids))
	for _, id := range ids {
		kind := KindUser
		if qm, ok := m.store.Get(id); ok && qm.Kind != "" {
			kind = qm.Kind
		}
		kinds[id] = kind
	}

	m.mu.Lock()
	for id, kind := range kinds {
		m.messages.setKind(id, kind)
	}
	m.mu.Unlock()
	m.publish()
}

func (m *ConnectionManager) readLoop(ctx context.Context, epoch uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClosed(epoch, &TransportError{Op: "receive", Err: err})
			return
		}
		m.handleFrame(data)
	}
}

func (m *ConnectionManager) handleFrame(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		m.logger.Warn("dropping malformed message", "error", err)
		return
	}

	m.mu.Lock()
	inserted := m.messages.upsert(msg)
	notify := inserted && msg.Sender != m.localSender && m.state == StateOpen && !m.visible
	m.mu.Unlock()
	m.publish()

	if notify {
		m.notifier.ShowNotification(
			fmt.Sprintf("New message from %s", msg.Sender),
			msg.Content,
			MessageNotificationTag,
			map[string]string{"messageId": msg.ID, "sender": msg.Sender},
		)
	}
}

// handleClosed processes the end of connection epoch. Events from older
// epochs are ignored.
func (m *ConnectionManager) handleClosed(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.state = StateClosed
	if !m.intentionalClose {
		m.logger.Info("connection closed", "error", cause)
		m.attemptReconnectLocked()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.publish()
}

func (m *ConnectionManager) attemptReconnectLocked() {
	if !m.online {
		m.logger.Info("device offline, not reconnecting")
		return
	}
	if !m.recon.shouldReconnect() {
		m.exhausted = true
		m.logger.Warn("max reconnection attempts reached", "attempts", m.recon.attempt)
		return
	}
	delay := m.recon.nextDelay()
	m.logger.Info("attempting to reconnect", "delay", delay, "attempt", m.recon.attempt)

	m.stopTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.timer = m.afterFunc(delay, func() { m.reconnectFired(gen) })
}

func (m *ConnectionManager) reconnectFired(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ready := m.online && m.state == StateClosed && !m.intentionalClose
	m.mu.Unlock()
	if ready {
		_ = m.Connect(context.Background())
	}
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}
