package server

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// subscriberBuffer is the event backlog a slow subscriber may accumulate
// before events are dropped for it.
const subscriberBuffer = 32

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = errors.New("document not found")
)

// Store keeps sessions, documents and event subscribers in memory.
// All methods are thread-safe.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	documents   map[string]models.Document
	subscribers map[string]map[chan models.SessionEvent]struct{}
	logger      *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:    make(map[string]*models.Session),
		documents:   make(map[string]models.Document),
		subscribers: make(map[string]map[chan models.SessionEvent]struct{}),
		logger:      logger,
	}
}

func newID() string {
	return uuid.New().String()
}

// CreateSession adds an empty session.
func (s *Store) CreateSession(name string) *models.Session {
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.SessionNameFromMessage("")
	}
	session := &models.Session{
		ID:        newID(),
		Name:      name,
		Messages:  []models.Message{},
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session.Clone()
}

// PutSession inserts or replaces a complete session, assigning ids where missing.
func (s *Store) PutSession(session *models.Session) *models.Session {
	c := session.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Messages == nil {
		c.Messages = []models.Message{}
	}
	for i := range c.Messages {
		if c.Messages[i].ID == "" {
			c.Messages[i].ID = newID()
		}
		c.Messages[i].SessionID = c.ID
		c.Messages[i].Pending = false
	}

	s.mu.Lock()
	s.sessions[c.ID] = c
	s.mu.Unlock()

	return c.Clone()
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// ListSessions returns session summaries, most recent first.
func (s *Store) ListSessions() []models.SessionSummary {
	s.mu.RLock()
	summaries := make([]models.SessionSummary, 0, len(s.sessions))
	for _, session := range s.sessions {
		summaries = append(summaries, session.Summary())
	}
	s.mu.RUnlock()

	slices.SortFunc(summaries, func(a, b models.SessionSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return summaries
}

// DeleteSession removes a session, notifies its subscribers and closes their streams.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)

	s.publishLocked(models.SessionEvent{Type: models.EventTypeDeleted, SessionID: id})
	for ch := range s.subscribers[id] {
		close(ch)
	}
	delete(s.subscribers, id)
	return nil
}

// AppendMessage adds a message to a session and publishes it to subscribers.
func (s *Store) AppendMessage(sessionID string, sender models.Sender, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Message{}, ErrSessionNotFound
	}

	now := time.Now().UTC()
	// Keep server order and timestamp order in agreement even on coarse clocks.
	if last := session.LastMessage(); last != nil && !now.After(last.CreatedAt) {
		now = last.CreatedAt.Add(time.Millisecond)
	}

	msg := models.Message{
		ID:        newID(),
		SessionID: sessionID,
		Content:   content,
		Sender:    sender,
		CreatedAt: now,
	}
	session.Messages = append(session.Messages, msg)

	s.publishLocked(models.SessionEvent{Type: models.EventTypeMessage, SessionID: sessionID, Message: &msg})
	return msg, nil
}

// publishLocked fans an event out without blocking. Caller must hold the write lock.
func (s *Store) publishLocked(event models.SessionEvent) {
	for ch := range s.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
			s.logger.Warn("dropping event for slow subscriber",
				"session_id", event.SessionID, "type", event.Type)
		}
	}
}

// Subscribe registers for a session's events. The channel is closed when the
// session is deleted or the returned cancel function is called.
func (s *Store) Subscribe(sessionID string) (<-chan models.SessionEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, nil, ErrSessionNotFound
	}

	ch := make(chan models.SessionEvent, subscriberBuffer)
	if s.subscribers[sessionID] == nil {
		s.subscribers[sessionID] = make(map[chan models.SessionEvent]struct{})
	}
	s.subscribers[sessionID][ch] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[sessionID][ch]; ok {
			delete(s.subscribers[sessionID], ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// SubscriberCount returns the number of open subscriptions for a session.
func (s *Store) SubscriberCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[sessionID])
}

// AddDocument registers a document by name.
func (s *Store) AddDocument(name string) models.Document {
	doc := models.Document{
		ID:        newID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.documents[doc.ID] = doc
	s.mu.Unlock()
	return doc
}

// ListDocuments returns all documents ordered by name.
func (s *Store) ListDocuments() []models.Document {
	s.mu.RLock()
	docs := make([]models.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	slices.SortFunc(docs, func(a, b models.Document) int {
		return strings.Compare(a.Name, b.Name)
	})
	return docs
}

// Documents resolves document ids, failing on the first unknown one.
func (s *Store) Documents(ids []string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := s.documents[id]
		if !ok {
			return nil, ErrDocumentNotFound
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
