// Package models defines the data structures shared by the statdesk client and server.
package models

import (
	"fmt"
	"slices"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// TempIDPrefix prefixes ids of messages the server has not acknowledged yet.
const TempIDPrefix = "temp-"

// Session is a chat session as returned by the server.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message within a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`

	// Pending marks an optimistic local echo. Never sent over the wire.
	Pending bool `json:"-"`
}

// SessionSummary is the lightweight listing form of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Document is an uploaded document the assistant can answer questions about.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types sent on a session's event stream.
const (
	EventTypeSubscribed = "subscribed"
	EventTypeMessage    = "message"
	EventTypeDeleted    = "deleted"
)

// SessionEvent is one frame of a session's push event stream.
type SessionEvent struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   *Message `json:"message,omitempty"`
}

// NewPendingMessage creates an optimistic user message with a temporary id.
func NewPendingMessage(content string, now time.Time) Message {
	return Message{
		ID:        fmt.Sprintf("%s%d", TempIDPrefix, now.UnixMilli()),
		Content:   content,
		Sender:    SenderUser,
		CreatedAt: now,
		Pending:   true,
	}
}

// LastMessage returns the most recent message, or nil for an empty session.
func (s *Session) LastMessage() *Message {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// HasAssistantReply reports whether the session's last message came from the assistant.
func (s *Session) HasAssistantReply() bool {
	last := s.LastMessage()
	return last != nil && last.Sender == SenderAssistant
}

// HasMessage reports whether a message with the given id is present.
func (s *Session) HasMessage(id string) bool {
	return slices.ContainsFunc(s.Messages, func(m Message) bool { return m.ID == id })
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	return &c
}

// Summary returns the listing form of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Name:         s.Name,
		CreatedAt:    s.CreatedAt,
		MessageCount: len(s.Messages),
	}
}
