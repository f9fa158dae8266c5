package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// DefaultPollInterval is the spacing between session fetches while waiting for a reply.
const DefaultPollInterval = 2 * time.Second

// ErrSessionDeleted is returned by a watcher when the session disappears while watching.
var ErrSessionDeleted = errors.New("session deleted")

var (
	// errReplyDetected stops an event subscription once fn is satisfied.
	errReplyDetected = errors.New("reply detected")
	// errFetchFailed marks a session fetch that failed after the stream opened.
	errFetchFailed = errors.New("fetch session")
)

// SessionFetcher loads the authoritative state of a session.
type SessionFetcher interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// EventSubscriber streams a session's push events.
type EventSubscriber interface {
	SubscribeSession(ctx context.Context, sessionID string, onEvent func(models.SessionEvent) error) error
}

// ReplyWatcher delivers authoritative session snapshots to fn until fn returns
// true or ctx ends. A nil return means fn was satisfied.
type ReplyWatcher interface {
	WatchReply(ctx context.Context, sessionID string, fn func(*models.Session) bool) error
}

// PollWatcher fetches the session at a fixed interval. The first fetch
// happens one interval after the watch starts.
type PollWatcher struct {
	fetcher  SessionFetcher
	interval time.Duration
}

// NewPollWatcher creates a poll-based watcher.
func NewPollWatcher(fetcher SessionFetcher, interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollWatcher{fetcher: fetcher, interval: interval}
}

// WatchReply implements ReplyWatcher.
func (w *PollWatcher) WatchReply(ctx context.Context, sessionID string, fn func(*models.Session) bool) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		session, err := w.fetcher.GetSession(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("poll session: %w", ErrSessionDeleted)
			}
			return fmt.Errorf("poll session: %w", err)
		}
		if fn(session) {
			return nil
		}
	}
}

// PushWatcher waits for the server to announce new messages over the
// session's event stream and fetches the session on each announcement.
// When the stream is unavailable it degrades to the fallback watcher.
type PushWatcher struct {
	subscriber EventSubscriber
	fetcher    SessionFetcher
	fallback   ReplyWatcher
	logger     *slog.Logger
}

// NewPushWatcher creates a push-based watcher.
func NewPushWatcher(subscriber EventSubscriber, fetcher SessionFetcher, fallback ReplyWatcher, logger *slog.Logger) *PushWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushWatcher{
		subscriber: subscriber,
		fetcher:    fetcher,
		fallback:   fallback,
		logger:     logger,
	}
}

// WatchReply implements ReplyWatcher. It falls back only when the stream
// cannot be opened. Once a frame arrived, fetch failures and stream drops end
// the watch like a failed poll.
func (w *PushWatcher) WatchReply(ctx context.Context, sessionID string, fn func(*models.Session) bool) error {
	opened := false
	err := w.subscriber.SubscribeSession(ctx, sessionID, func(event models.SessionEvent) error {
		opened = true
		switch event.Type {
		case models.EventTypeSubscribed, models.EventTypeMessage:
			// The subscribed frame covers replies that landed before the stream opened.
			session, err := w.fetcher.GetSession(ctx, sessionID)
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					return ErrSessionDeleted
				}
				return fmt.Errorf("%w: %w", errFetchFailed, err)
			}
			if fn(session) {
				return errReplyDetected
			}
			return nil
		case models.EventTypeDeleted:
			return ErrSessionDeleted
		default:
			return nil
		}
	})

	switch {
	case errors.Is(err, errReplyDetected):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrSessionDeleted):
		return fmt.Errorf("watch session: %w", ErrSessionDeleted)
	case errors.Is(err, errFetchFailed), errors.Is(err, client.ErrUnauthorized):
		return err
	case opened:
		if err == nil {
			return errors.New("event stream closed before the reply arrived")
		}
		return fmt.Errorf("event stream: %w", err)
	case w.fallback == nil:
		if err == nil {
			return errors.New("event stream closed")
		}
		return err
	}

	w.logger.Warn("event stream unavailable, falling back to polling",
		"session_id", sessionID,
		"error", err,
	)
	return w.fallback.WatchReply(ctx, sessionID, fn)
}
