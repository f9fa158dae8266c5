// Package auth persists the API bearer token and handles forced logout.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotLoggedIn indicates no token has been stored.
var ErrNotLoggedIn = errors.New("not logged in")

// Store keeps the bearer token in a user-only file.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	cached string
	loaded bool
}

// NewStore creates a token store backed by the given file.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Token returns the stored token, reading the file on first use.
func (s *Store) Token() (string, error) {
	s.mu.RLock()
	if s.loaded {
		token := s.cached
		s.mu.RUnlock()
		if token == "" {
			return "", ErrNotLoggedIn
		}
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	s.cached = strings.TrimSpace(string(data))
	s.loaded = true
	if s.cached == "" {
		return "", ErrNotLoggedIn
	}
	return s.cached, nil
}

// Save writes the token to disk.
func (s *Store) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is empty")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}

	s.mu.Lock()
	s.cached = token
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Clear removes the stored token.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cached = ""
	s.loaded = true
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// Logout is invoked when the server rejects the token. It drops the
// stored credentials so the next command asks the user to log in again.
func (s *Store) Logout() {
	if err := s.Clear(); err != nil {
		s.logger.Error("failed to clear rejected token", "error", err, "file", s.path)
		return
	}
	s.logger.Warn("token rejected by server, logged out", "file", s.path)
}
