package store

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/google/uuid"
)

// MemoryStore keeps conversations in process memory. Stored values are cloned on
// the way in and out.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation

	failNext error
	saves    int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: map[string]*conversation.Conversation{}}
}

// FailNext makes the next store call fail with err. Tests use it to simulate an
// unreachable backend.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Saves returns how many successful saves the store has seen.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Len returns how many conversations are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemoryStore) Load(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, persistenceError("load", id, err)
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, persistenceError("load", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, c *conversation.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return "", persistenceError("save", c.ID, err)
	}

	stored := c.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	s.conversations[stored.ID] = stored
	s.saves++
	return stored.ID, nil
}

func (s *MemoryStore) List(_ context.Context) ([]conversation.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, persistenceError("list", "", err)
	}
	ret := make([]conversation.Summary, 0, len(s.conversations))
	for _, c := range s.conversations {
		ret = append(ret, c.Summary())
	}
	sortSummaries(ret)
	return ret, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return persistenceError("delete", id, err)
	}
	if _, ok := s.conversations[id]; !ok {
		return persistenceError("delete", id, ErrNotFound)
	}
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) Rename(_ context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return persistenceError("rename", id, err)
	}
	c, ok := s.conversations[id]
	if !ok {
		return persistenceError("rename", id, ErrNotFound)
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return nil
}
