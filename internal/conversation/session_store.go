package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfman30/arch2code/internal/chat"
)

// ErrSessionNotFound indicates the session id is unknown or has expired.
var ErrSessionNotFound = errors.New("conversation: session not found")

// SessionStore holds one Conversation per session id.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*chat.Conversation, error)
	Save(ctx context.Context, sessionID string, conv *chat.Conversation) error
	Delete(ctx context.Context, sessionID string) error
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Conversation
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*chat.Conversation)}
}

func (s *MemorySessionStore) Load(_ context.Context, sessionID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conv.Clone(), nil
}

func (s *MemorySessionStore) Save(_ context.Context, sessionID string, conv *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = conv.Clone()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
