package models

import (
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "hello", "hello"},
		{"uppercase", "Hello World", "hello-world"},
		{"underscores", "my_doc_name", "my-doc-name"},
		{"special chars stripped", "Hello, World!", "hello-world"},
		{"numbers preserved", "doc-v2.1", "doc-v21"},
		{"mixed", "My Cool_Doc (v3)", "my-cool-doc-v3"},
		{"empty string", "", ""},
		{"only special chars", "!@#$%", ""},
		{"consecutive spaces", "hello   world", "hello---world"},
		{"unicode stripped", "café résumé", "caf-rsum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slugify(tt.in)
			if got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionNameFromMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "enrolment by province", "enrolment by province"},
		{"whitespace collapsed", "  dropout\n rates  ", "dropout rates"},
		{"empty", "   ", "New chat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SessionNameFromMessage(tt.in)
			if got != tt.want {
				t.Errorf("SessionNameFromMessage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := SessionNameFromMessage(strings.Repeat("class size ", 10))
	if !strings.HasSuffix(long, "...") || len([]rune(long)) > maxSessionNameLen {
		t.Errorf("long name not truncated: %q", long)
	}
}

func TestNewPendingMessage(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	msg := NewPendingMessage("ping", now)

	if msg.ID != "temp-1700000000123" {
		t.Errorf("ID = %q, want temp-1700000000123", msg.ID)
	}
	if !msg.Pending || msg.Sender != SenderUser {
		t.Errorf("pending message should be a pending user message: %+v", msg)
	}
}

func TestSessionHasAssistantReply(t *testing.T) {
	var empty *Session
	if empty.HasAssistantReply() {
		t.Error("nil session has no reply")
	}

	s := &Session{Messages: []Message{{ID: "1", Sender: SenderUser}}}
	if s.HasAssistantReply() {
		t.Error("user-last session has no reply")
	}

	s.Messages = append(s.Messages, Message{ID: "2", Sender: SenderAssistant})
	if !s.HasAssistantReply() {
		t.Error("assistant-last session should report a reply")
	}
}
