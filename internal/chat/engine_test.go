package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/statdesk/internal/chat"
	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 5 * time.Millisecond
	testTimeout  = 2 * time.Second
)

// fakeAPI is an in-memory chat API. The assistant never answers on its own;
// tests decide what each poll returns through onGet.
type fakeAPI struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	nextID   int
	sent     []client.SendMessageInput
	polls    map[string]int

	sendErr     error
	getErr      error
	sendGate    chan struct{}
	sendStarted chan struct{}

	// onGet runs before each GetSession response, with the 1-based call count.
	onGet func(calls int, s *models.Session)
	// getErrFor can fail a GetSession call by its 1-based count.
	getErrFor func(calls int) error

	held *heldGet
}

// heldGet parks one GetSession response until release is closed.
type heldGet struct {
	started chan struct{}
	release chan struct{}
}

func newFakeAPI(sessions ...*models.Session) *fakeAPI {
	f := &fakeAPI{
		sessions: make(map[string]*models.Session),
		polls:    make(map[string]int),
	}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeAPI) SendMessage(ctx context.Context, input client.SendMessageInput) (*models.Message, error) {
	if f.sendStarted != nil {
		close(f.sendStarted)
	}
	if f.sendGate != nil {
		select {
		case <-f.sendGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, input)
	if f.sendErr != nil {
		return nil, f.sendErr
	}

	sessionID := "s-new"
	if input.SessionID != nil {
		sessionID = *input.SessionID
	}
	session, ok := f.sessions[sessionID]
	if !ok {
		session = &models.Session{ID: sessionID, Name: input.Message, CreatedAt: time.Now()}
		f.sessions[sessionID] = session
	}

	f.nextID++
	msg := models.Message{
		ID:        fmt.Sprintf("m%d", f.nextID),
		SessionID: sessionID,
		Content:   input.Message,
		Sender:    models.SenderUser,
		CreatedAt: time.Now(),
	}
	session.Messages = append(session.Messages, msg)
	return &msg, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (*models.Session, error) {
	snapshot, held, err := f.snapshot(id)
	if held != nil {
		close(held.started)
		<-held.release
	}
	return snapshot, err
}

func (f *fakeAPI) snapshot(id string) (*models.Session, *heldGet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	held := f.held
	f.held = nil

	f.polls[id]++
	if f.getErr != nil {
		return nil, held, f.getErr
	}
	if f.getErrFor != nil {
		if err := f.getErrFor(f.polls[id]); err != nil {
			return nil, held, err
		}
	}
	session, ok := f.sessions[id]
	if !ok {
		return nil, held, fmt.Errorf("%w: session %s", client.ErrNotFound, id)
	}
	if f.onGet != nil {
		f.onGet(f.polls[id], session)
	}
	return session.Clone(), held, nil
}

// holdNextGet parks the next GetSession response after its snapshot was taken.
func (f *fakeAPI) holdNextGet() *heldGet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = &heldGet{started: make(chan struct{}), release: make(chan struct{})}
	return f.held
}

func (f *fakeAPI) pollCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func (f *fakeAPI) resetPolls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = make(map[string]int)
}

func (f *fakeAPI) setGetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

// reply appends an assistant message to the session.
func reply(s *models.Session, content string) {
	s.Messages = append(s.Messages, models.Message{
		ID:        fmt.Sprintf("a%d", len(s.Messages)),
		SessionID: s.ID,
		Content:   content,
		Sender:    models.SenderAssistant,
		CreatedAt: time.Now(),
	})
}

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	events []chat.Event
}

func (r *recorder) listen(ev chat.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []chat.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]chat.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) first(kind chat.EventKind) (chat.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return chat.Event{}, false
}

func newTestEngine(t *testing.T, api *fakeAPI, opts ...chat.Option) (*chat.Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]chat.Option{
		chat.WithListener(rec.listen),
		chat.WithReplyTimeout(testTimeout),
	}, opts...)
	engine := chat.NewEngine(api, chat.NewPollWatcher(api, testInterval), opts...)
	t.Cleanup(engine.Close)
	return engine, rec
}

func countContent(messages []models.Message, content string) int {
	n := 0
	for _, m := range messages {
		if m.Content == content {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, engine *chat.Engine) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not settle")
	}
}

func TestSendThenReplyRendersMessageOnce(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1", Name: "Enrolment"})
	api.onGet = func(calls int, s *models.Session) {
		// First call is Select's load; reply lands on the second poll.
		if calls == 3 {
			reply(s, "pong")
		}
	}
	engine, rec := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "ping", nil))

	pendingEv, ok := rec.first(chat.EventPendingAdded)
	require.True(t, ok)
	assert.Equal(t, 1, countContent(pendingEv.View.Messages, "ping"), "optimistic echo shows once")
	require.Len(t, pendingEv.View.Pending, 1)
	assert.True(t, pendingEv.View.Pending[0].Pending)
	assert.NotNil(t, pendingEv.View.Progress, "progress shown while sending")

	sentEv, ok := rec.first(chat.EventSent)
	require.True(t, ok)
	assert.Equal(t, 1, countContent(sentEv.View.Messages, "ping"), "acknowledged message shows once")
	assert.Empty(t, sentEv.View.Pending)
	assert.Equal(t, chat.StatePolling, sentEv.View.State)

	waitDone(t, engine)

	view := engine.View()
	assert.Equal(t, chat.StateIdle, view.State)
	assert.Nil(t, view.Progress, "progress hidden after reply")
	assert.Empty(t, view.Pending)
	assert.Equal(t, 1, countContent(view.Messages, "ping"))
	assert.Equal(t, 1, countContent(view.Messages, "pong"))
	assert.Contains(t, rec.kinds(), chat.EventReplyReceived)
}

func TestSessionSwitchDropsPending(t *testing.T) {
	api := newFakeAPI(
		&models.Session{ID: "a", Name: "Session A"},
		&models.Session{ID: "b", Name: "Session B"},
	)
	api.sendGate = make(chan struct{})
	api.sendStarted = make(chan struct{})
	engine, _ := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "a"))

	sendErr := make(chan error, 1)
	go func() { sendErr <- engine.Send(ctx, "typed in A", nil) }()
	<-api.sendStarted

	require.Len(t, engine.View().Pending, 1)

	require.NoError(t, engine.Select(ctx, "b"))

	view := engine.View()
	assert.Equal(t, "b", view.SessionID)
	assert.Empty(t, view.Pending, "pending from A must not leak into B")
	assert.Zero(t, countContent(view.Messages, "typed in A"))
	assert.Equal(t, chat.StateIdle, view.State)
	assert.Nil(t, view.Progress)

	// The late acknowledgment for A must not resurrect anything in B.
	close(api.sendGate)
	require.NoError(t, <-sendErr)
	waitDone(t, engine)

	view = engine.View()
	assert.Equal(t, "b", view.SessionID)
	assert.Empty(t, view.Pending)
	assert.Zero(t, countContent(view.Messages, "typed in A"))
	assert.Equal(t, 1, api.pollCount("a"), "no polling for the abandoned session")
}

func TestSendFailureRollsBack(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	api.sendErr = errors.New("connection refused")
	collector := metrics.NewCollector()
	engine, rec := newTestEngine(t, api, chat.WithMetrics(collector))
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))

	err := engine.Send(ctx, "will fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	view := engine.View()
	assert.Empty(t, view.Pending)
	assert.Zero(t, countContent(view.Messages, "will fail"))
	assert.Nil(t, view.Progress)
	assert.Equal(t, chat.StateIdle, view.State)

	failed, ok := rec.first(chat.EventSendFailed)
	require.True(t, ok)
	assert.Empty(t, failed.View.Pending)
	assert.Nil(t, failed.View.Progress)

	require.NotNil(t, collector.Snapshot().Send)
	assert.Equal(t, int64(1), collector.Snapshot().Send.Failures)

	// Nothing is retried and the engine accepts the next message.
	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()
	require.NoError(t, engine.Send(ctx, "second try", nil))
	assert.Len(t, api.sent, 2)
}

func TestPollingStopsAtTimeout(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	engine, rec := newTestEngine(t, api, chat.WithReplyTimeout(60*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "anyone there?", nil))

	waitDone(t, engine)

	view := engine.View()
	assert.Equal(t, chat.StateIdle, view.State)
	assert.Nil(t, view.Progress, "progress hidden after timeout")
	assert.Empty(t, view.Pending)
	assert.Equal(t, 1, countContent(view.Messages, "anyone there?"), "history keeps the sent message")
	assert.Contains(t, rec.kinds(), chat.EventTimedOut)

	polls := api.pollCount("s1")
	time.Sleep(10 * testInterval)
	assert.Equal(t, polls, api.pollCount("s1"), "polling must stop after the timeout")
}

func TestReplyDetectedOnFirstAssistantSnapshot(t *testing.T) {
	api := newFakeAPI()
	api.onGet = func(calls int, s *models.Session) {
		if calls == 3 {
			reply(s, "the answer")
		}
	}
	engine, _ := newTestEngine(t, api)

	// No session selected: the server opens one and the engine adopts it.
	require.NoError(t, engine.Send(context.Background(), "question", []string{"doc-1"}))
	assert.Equal(t, "s-new", engine.View().SessionID)
	assert.Nil(t, api.sent[0].SessionID)
	assert.Equal(t, []string{"doc-1"}, api.sent[0].DocumentIDs)

	waitDone(t, engine)
	assert.Equal(t, 3, api.pollCount("s-new"))

	time.Sleep(10 * testInterval)
	assert.Equal(t, 3, api.pollCount("s-new"), "no polls after the reply was detected")
	assert.Equal(t, chat.StateIdle, engine.View().State)
}

func TestActualDurationFeedsNextProgress(t *testing.T) {
	var (
		clockMu sync.Mutex
		now     = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}

	api := newFakeAPI(&models.Session{ID: "s1"})
	api.onGet = func(calls int, s *models.Session) {
		if calls == 2 {
			advance(42 * time.Second)
			reply(s, "done")
		}
	}
	collector := metrics.NewCollector()
	engine, _ := newTestEngine(t, api, chat.WithClock(clock), chat.WithMetrics(collector))
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "first", nil))

	first := engine.View().Progress
	require.NotNil(t, first)
	assert.Equal(t, chat.DefaultProgressDuration, first.Total())

	waitDone(t, engine)
	assert.Equal(t, 42*time.Second, engine.LastReplyDuration())
	require.NotNil(t, collector.Snapshot().Reply)
	assert.Equal(t, int64(42000), collector.Snapshot().Reply.MaxTimeMs)

	require.NoError(t, engine.Send(ctx, "second", nil))
	second := engine.View().Progress
	require.NotNil(t, second)
	assert.Equal(t, 42*time.Second, second.Total(), "next indicator paced by the last reply")
}

func TestSendRejectsWhileWaiting(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	engine, _ := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	assert.ErrorIs(t, engine.Send(ctx, "   ", nil), chat.ErrEmptyMessage)

	require.NoError(t, engine.Send(ctx, "first", nil))
	assert.ErrorIs(t, engine.Send(ctx, "second", nil), chat.ErrExchangeInFlight)
	assert.Len(t, api.sent, 1)
}

func TestPollErrorStopsWaiting(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	engine, rec := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "hello", nil))
	api.setGetErr(errors.New("502 bad gateway"))

	waitDone(t, engine)

	view := engine.View()
	assert.Equal(t, chat.StateIdle, view.State)
	assert.Nil(t, view.Progress)

	ev, ok := rec.first(chat.EventPollFailed)
	require.True(t, ok)
	assert.ErrorContains(t, ev.Err, "502 bad gateway")

	polls := api.pollCount("s1")
	time.Sleep(10 * testInterval)
	assert.Equal(t, polls, api.pollCount("s1"), "no retry after a polling failure")
}

func TestForgetActiveSession(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1", Name: "Old"})
	engine, _ := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "hello", nil))

	engine.Forget("s1")
	waitDone(t, engine)

	view := engine.View()
	assert.Empty(t, view.SessionID)
	assert.Empty(t, view.Messages)
	assert.Equal(t, chat.StateIdle, view.State)
}

func TestLateRefreshKeepsDetectedReply(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	engine, rec := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))

	// The reload reads the session before the message is even sent.
	held := api.holdNextGet()
	refreshErr := make(chan error, 1)
	go func() { refreshErr <- engine.Refresh(ctx) }()
	<-held.started

	api.mu.Lock()
	api.onGet = func(calls int, s *models.Session) {
		if !s.HasAssistantReply() {
			reply(s, "pong")
		}
	}
	api.mu.Unlock()

	require.NoError(t, engine.Send(ctx, "ping", nil))
	waitDone(t, engine)
	require.Contains(t, rec.kinds(), chat.EventReplyReceived)
	require.Equal(t, 1, countContent(engine.View().Messages, "pong"))

	close(held.release)
	require.NoError(t, <-refreshErr)

	view := engine.View()
	assert.Equal(t, chat.StateIdle, view.State)
	assert.Equal(t, 1, countContent(view.Messages, "ping"))
	assert.Equal(t, 1, countContent(view.Messages, "pong"), "an older load must not erase the reply")
}

func TestRefreshAfterReplyStillApplies(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1", Name: "Old name"})
	engine, _ := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	assert.Equal(t, "Old name", engine.View().SessionName)

	api.mu.Lock()
	api.sessions["s1"].Name = "Renamed"
	api.mu.Unlock()

	require.NoError(t, engine.Refresh(ctx))
	assert.Equal(t, "Renamed", engine.View().SessionName)
}

func TestCloseStopsWatching(t *testing.T) {
	api := newFakeAPI(&models.Session{ID: "s1"})
	engine := chat.NewEngine(api, chat.NewPollWatcher(api, testInterval), chat.WithReplyTimeout(time.Minute))
	ctx := context.Background()

	require.NoError(t, engine.Select(ctx, "s1"))
	require.NoError(t, engine.Send(ctx, "hello", nil))

	engine.Close()

	polls := api.pollCount("s1")
	time.Sleep(10 * testInterval)
	assert.Equal(t, polls, api.pollCount("s1"))
	assert.ErrorIs(t, engine.Send(ctx, "after close", nil), chat.ErrClosed)
	assert.ErrorIs(t, engine.Select(ctx, "s1"), chat.ErrClosed)
}

func TestMergeMessagesOrdersByCreation(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	session := &models.Session{Messages: []models.Message{
		{ID: "m1", CreatedAt: t0},
		{ID: "m3", CreatedAt: t0.Add(2 * time.Second)},
	}}
	pending := []models.Message{{ID: "temp-1", CreatedAt: t0.Add(time.Second), Pending: true}}

	merged := chat.MergeMessages(session, pending)

	ids := make([]string, 0, len(merged))
	for _, m := range merged {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "temp-1", "m3"}, ids)
	assert.Len(t, session.Messages, 2, "merge must not modify the session")
}
