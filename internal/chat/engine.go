// Package chat reconciles optimistic local chat messages with the server's
// authoritative session state while an asynchronous assistant reply is pending.
//
// One Engine drives one chat view. Send echoes the user's message immediately
// as a pending entry, posts it, and then watches the session (by polling or by
// push events) until the assistant's reply appears or the reply timeout expires.
// Select switches sessions and always drops pending entries first, so messages
// typed in one session never render under another.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// DefaultReplyTimeout bounds how long the engine waits for an assistant reply.
const DefaultReplyTimeout = 5 * time.Minute

var (
	// ErrEmptyMessage is returned when Send is called with blank text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrExchangeInFlight is returned when Send is called before the previous reply settled.
	ErrExchangeInFlight = errors.New("previous message is still waiting for a reply")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("chat engine closed")

	// errWatchEnded reports a watcher that stopped without a reply or an error.
	errWatchEnded = errors.New("reply watcher stopped unexpectedly")
)

// API is the subset of the chat API the engine needs.
type API interface {
	SendMessage(ctx context.Context, input client.SendMessageInput) (*models.Message, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// View is a consistent snapshot of what the chat view should render.
type View struct {
	// Version increases with every snapshot; consumers can drop older ones.
	Version     uint64
	State       State
	SessionID   string
	SessionName string
	// Messages is the merged display sequence: session messages and pending
	// messages ordered by creation time.
	Messages []models.Message
	Pending  []models.Message
	// Progress is nil while the indicator is hidden.
	Progress          *Schedule
	LastReplyDuration time.Duration
}

// exchange tracks one send-and-wait cycle. Callbacks compare their exchange
// against Engine.exchange before touching shared state.
type exchange struct {
	sessionID string
	pendingID string
	start     time.Time
	cancel    context.CancelFunc
	timer     *time.Timer
}

func (ex *exchange) stop() {
	if ex.timer != nil {
		ex.timer.Stop()
	}
	if ex.cancel != nil {
		ex.cancel()
	}
}

// Engine is the chat reconciliation state machine. It is safe for concurrent use.
type Engine struct {
	api              API
	watcher          ReplyWatcher
	cache            *SessionCache
	logger           *slog.Logger
	metrics          *metrics.Collector
	listener         func(Event)
	now              func() time.Time
	replyTimeout     time.Duration
	progressDuration time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	state             State
	sessionID         string
	pending           []models.Message
	exchange          *exchange
	progress          *Schedule
	lastReplyDuration time.Duration
	version           uint64
	closed            bool

	// snapshots counts cache writes per session. Refresh drops its result
	// when a newer snapshot was stored while its request was in flight.
	snapshots map[string]uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records send and reply latencies.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithListener registers a callback invoked after every state change.
// It runs outside the engine lock and must not block for long.
func WithListener(fn func(Event)) Option {
	return func(e *Engine) { e.listener = fn }
}

// WithClock replaces the wall clock used for timestamps and reply durations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithReplyTimeout sets the ceiling after which the engine stops waiting for a reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.replyTimeout = d
		}
	}
}

// WithProgressDuration sets the default total length of the progress indicator.
func WithProgressDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.progressDuration = d
		}
	}
}

// NewEngine creates an engine. A nil watcher polls the API at DefaultPollInterval.
func NewEngine(api API, watcher ReplyWatcher, opts ...Option) *Engine {
	if watcher == nil {
		watcher = NewPollWatcher(api, DefaultPollInterval)
	}
	e := &Engine{
		api:              api,
		watcher:          watcher,
		cache:            NewSessionCache(),
		logger:           slog.Default(),
		now:              time.Now,
		replyTimeout:     DefaultReplyTimeout,
		progressDuration: DefaultProgressDuration,
		snapshots:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// View returns the current snapshot.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// LastReplyDuration returns how long the most recent detected reply took.
func (e *Engine) LastReplyDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReplyDuration
}

// Select makes sessionID the active session. Pending messages are dropped and
// any in-flight wait is cancelled before the new session is loaded. An empty
// id deselects.
func (e *Engine) Select(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.abortLocked()
	e.sessionID = sessionID
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventSessionChanged, SessionID: sessionID, View: view})

	if sessionID == "" {
		return nil
	}
	return e.Refresh(ctx)
}

// Refresh reloads the active session from the server.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	sessionID := e.sessionID
	seq := e.snapshots[sessionID]
	e.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	session, err := e.api.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	e.mu.Lock()
	if e.snapshots[sessionID] != seq {
		e.mu.Unlock()
		e.logger.Debug("dropping stale session load", "session_id", sessionID)
		return nil
	}
	e.putLocked(session)
	if e.sessionID != sessionID {
		// Switched again while loading; the cache update is still useful.
		e.mu.Unlock()
		return nil
	}
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventSessionLoaded, SessionID: sessionID, View: view})
	return nil
}

// Forget drops a deleted session from the cache and deselects it if active.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	e.cache.Invalidate(sessionID)
	e.snapshots[sessionID]++
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return
	}
	e.abortLocked()
	e.sessionID = ""
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventSessionChanged, View: view})
}

// Send submits a user message in the active session, or in a new server-side
// session when none is selected. It returns once the server accepted or
// rejected the message; the reply is awaited in the background and reported
// through the listener.
func (e *Engine) Send(ctx context.Context, text string, documentIDs []string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrExchangeInFlight
	}
	if err := e.setStateLocked(StateSending); err != nil {
		e.mu.Unlock()
		return err
	}

	now := e.now()
	pending := models.NewPendingMessage(text, now)
	ex := &exchange{
		sessionID: e.sessionID,
		pendingID: pending.ID,
		start:     now,
	}
	e.exchange = ex
	e.pending = append(e.pending, pending)
	schedule := NewSchedule(now, e.progressDuration, e.lastReplyDuration)
	e.progress = &schedule
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventPendingAdded, SessionID: ex.sessionID, View: view})

	input := client.SendMessageInput{
		Message:     text,
		DocumentIDs: documentIDs,
	}
	if ex.sessionID != "" {
		id := ex.sessionID
		input.SessionID = &id
	}

	sendStart := time.Now()
	ack, err := e.api.SendMessage(ctx, input)

	e.mu.Lock()
	if e.exchange != ex {
		// The session changed while the request was in flight and the
		// pending entry is already gone.
		e.mu.Unlock()
		e.logger.Info("send finished after session change", "session_id", ex.sessionID, "error", err)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	}

	if err != nil {
		e.metrics.RecordFailure(metrics.OpSend)
		e.removePendingLocked(ex.pendingID)
		e.exchange = nil
		e.progress = nil
		_ = e.setStateLocked(StateIdle)
		view = e.viewLocked()
		e.mu.Unlock()

		e.logger.Error("send message failed", "session_id", ex.sessionID, "error", err)
		e.emit(Event{Kind: EventSendFailed, SessionID: ex.sessionID, Err: err, View: view})
		return fmt.Errorf("send message: %w", err)
	}

	e.metrics.RecordTiming(metrics.OpSend, time.Since(sendStart))
	e.removePendingLocked(ex.pendingID)
	if ex.sessionID == "" && ack != nil && ack.SessionID != "" {
		// The server opened a session for this message.
		ex.sessionID = ack.SessionID
		e.sessionID = ack.SessionID
	}
	e.reconcileAckLocked(ex.sessionID, ack)
	_ = e.setStateLocked(StatePolling)

	kind := EventSent
	if ex.sessionID == "" {
		e.logger.Warn("no session to watch for a reply")
		e.finishLocked(ex)
		kind = EventPollFailed
	} else {
		e.startWatchLocked(ex)
	}
	view = e.viewLocked()
	e.mu.Unlock()

	e.logger.Debug("message accepted", "session_id", ex.sessionID, "message_id", ackID(ack))
	e.emit(Event{Kind: kind, SessionID: ex.sessionID, View: view})
	return nil
}

// Wait blocks until background reply watching has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels any in-flight wait and releases the engine's goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.abortLocked()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// startWatchLocked arms the reply timeout and starts the watcher goroutine.
func (e *Engine) startWatchLocked(ex *exchange) {
	ctx, cancel := context.WithCancel(e.ctx)
	ex.cancel = cancel
	ex.timer = time.AfterFunc(e.replyTimeout, func() { e.handleTimeout(ex) })

	e.wg.Add(1)
	go e.watch(ctx, ex)
}

func (e *Engine) watch(ctx context.Context, ex *exchange) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reply watcher panicked", "session_id", ex.sessionID, "panic", r)
			e.handleWatchError(ex, fmt.Errorf("internal panic: %v", r))
		}
	}()

	err := e.watcher.WatchReply(ctx, ex.sessionID, func(s *models.Session) bool {
		return e.applySnapshot(ex, s)
	})
	if ctx.Err() != nil {
		// Settled by reply, timeout, session switch or Close.
		return
	}
	if err == nil {
		err = errWatchEnded
	}
	e.handleWatchError(ex, err)
}

// applySnapshot stores an authoritative session and reports whether watching
// should stop.
func (e *Engine) applySnapshot(ex *exchange, s *models.Session) bool {
	e.mu.Lock()
	if e.exchange != ex {
		e.mu.Unlock()
		return true
	}
	if e.sessionID == "" || e.sessionID != ex.sessionID {
		e.finishLocked(ex)
		view := e.viewLocked()
		e.mu.Unlock()
		e.emit(Event{Kind: EventSessionChanged, View: view})
		return true
	}

	e.putLocked(s)
	if !s.HasAssistantReply() {
		view := e.viewLocked()
		e.mu.Unlock()
		e.emit(Event{Kind: EventSnapshot, SessionID: ex.sessionID, View: view})
		return false
	}

	elapsed := e.now().Sub(ex.start)
	e.lastReplyDuration = elapsed
	e.metrics.RecordTiming(metrics.OpReply, elapsed)
	e.finishLocked(ex)
	view := e.viewLocked()
	e.mu.Unlock()

	e.logger.Info("assistant reply received", "session_id", ex.sessionID, "duration_ms", elapsed.Milliseconds())
	e.emit(Event{Kind: EventReplyReceived, SessionID: ex.sessionID, View: view})
	return true
}

func (e *Engine) handleTimeout(ex *exchange) {
	e.mu.Lock()
	if e.exchange != ex {
		e.mu.Unlock()
		return
	}
	e.finishLocked(ex)
	view := e.viewLocked()
	e.mu.Unlock()

	e.logger.Info("no assistant reply before timeout, giving up",
		"session_id", ex.sessionID,
		"timeout", e.replyTimeout,
	)
	e.emit(Event{Kind: EventTimedOut, SessionID: ex.sessionID, View: view})
}

func (e *Engine) handleWatchError(ex *exchange, err error) {
	e.mu.Lock()
	if e.exchange != ex {
		e.mu.Unlock()
		return
	}
	e.finishLocked(ex)
	view := e.viewLocked()
	e.mu.Unlock()

	e.logger.Error("waiting for reply failed", "session_id", ex.sessionID, "error", err)
	e.emit(Event{Kind: EventPollFailed, SessionID: ex.sessionID, Err: err, View: view})
}

// finishLocked ends the exchange and returns to idle.
func (e *Engine) finishLocked(ex *exchange) {
	ex.stop()
	e.exchange = nil
	e.pending = nil
	e.progress = nil
	if e.state != StateIdle {
		_ = e.setStateLocked(StateIdle)
	}
}

// abortLocked tears down whatever exchange is in flight. Used on session
// switch and Close.
func (e *Engine) abortLocked() {
	if e.exchange != nil {
		e.exchange.stop()
		e.exchange = nil
	}
	e.pending = nil
	e.progress = nil
	if e.state != StateIdle {
		_ = e.setStateLocked(StateIdle)
	}
}

func (e *Engine) setStateLocked(next State) error {
	state, err := e.state.transition(next)
	if err != nil {
		e.logger.Error("rejected state change", "error", err)
		return err
	}
	e.state = state
	return nil
}

func (e *Engine) removePendingLocked(id string) {
	e.pending = slices.DeleteFunc(e.pending, func(m models.Message) bool { return m.ID == id })
}

// reconcileAckLocked folds the server's acknowledgment of the user message
// into the cached session, so the message stays visible between removing the
// pending entry and the next authoritative snapshot. The snapshot replaces the
// cached session wholesale, so this cannot produce duplicates.
func (e *Engine) reconcileAckLocked(sessionID string, ack *models.Message) {
	if sessionID == "" || ack == nil || ack.ID == "" || ack.Sender != models.SenderUser {
		return
	}
	session := e.cache.Get(sessionID)
	if session == nil {
		session = &models.Session{
			ID:        sessionID,
			Name:      models.SessionNameFromMessage(ack.Content),
			CreatedAt: ack.CreatedAt,
		}
	}
	if session.HasMessage(ack.ID) {
		return
	}
	session.Messages = append(session.Messages, *ack)
	e.putLocked(session)
}

// putLocked stores an authoritative snapshot and bumps the session's sequence.
func (e *Engine) putLocked(s *models.Session) {
	e.cache.Put(s)
	e.snapshots[s.ID]++
}

func (e *Engine) viewLocked() View {
	e.version++
	view := View{
		Version:           e.version,
		State:             e.state,
		SessionID:         e.sessionID,
		Pending:           slices.Clone(e.pending),
		LastReplyDuration: e.lastReplyDuration,
	}
	var session *models.Session
	if e.sessionID != "" {
		session = e.cache.Get(e.sessionID)
	}
	if session != nil {
		view.SessionName = session.Name
	}
	view.Messages = MergeMessages(session, e.pending)
	if e.progress != nil {
		p := *e.progress
		view.Progress = &p
	}
	return view
}

func (e *Engine) emit(ev Event) {
	if e.listener != nil {
		e.listener(ev)
	}
}

// MergeMessages returns the session's messages followed by pending messages,
// ordered by creation time. Equal timestamps keep session messages first.
func MergeMessages(session *models.Session, pending []models.Message) []models.Message {
	var merged []models.Message
	if session != nil {
		merged = make([]models.Message, 0, len(session.Messages)+len(pending))
		merged = append(merged, session.Messages...)
	}
	merged = append(merged, pending...)
	slices.SortStableFunc(merged, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return merged
}

func ackID(ack *models.Message) string {
	if ack == nil {
		return ""
	}
	return ack.ID
}
