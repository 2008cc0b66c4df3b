package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
)

// MemoryStore is an in-process Store. Nothing survives Close.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*memConversation
}

type memConversation struct {
	header      Conversation
	messages    []llm.Message
	metadata    map[string]string
	checkpoints []checkpoint.Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*memConversation)}
}

// ensure returns the conversation, creating it on first use. Caller holds mu.
func (s *MemoryStore) ensure(id string) *memConversation {
	c, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		c = &memConversation{
			header:   Conversation{ID: id, CreatedAt: now, UpdatedAt: now},
			metadata: make(map[string]string),
		}
		s.conversations[id] = c
	}
	return c
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = NewID()
	}
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.conversations[c.ID] = &memConversation{header: *c, metadata: make(map[string]string)}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	h := c.header
	return &h, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, limit int) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationSummary, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, ConversationSummary{Conversation: c.header, MessageCount: len(c.messages)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, conversationID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]llm.Message(nil), c.messages...), nil
}

func (s *MemoryStore) AddMessage(_ context.Context, conversationID string, msg llm.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c := s.ensure(conversationID)
	c.messages = append(c.messages, msg)
	c.header.UpdatedAt = time.Now()
	return len(c.messages) - 1, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, conversationID string, index int, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || index < 0 || index >= len(c.messages) {
		return fmt.Errorf("message %d of %s: %w", index, conversationID, ErrNotFound)
	}
	c.messages[index] = msg
	return nil
}

func (s *MemoryStore) DeleteToMessage(_ context.Context, conversationID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	if index < 0 {
		index = 0
	}
	if index < len(c.messages) {
		c.messages = c.messages[:index]
	}
	return nil
}

func (s *MemoryStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		return len(c.messages), nil
	}
	return 0, nil
}

func (s *MemoryStore) GetCustomMetadata(_ context.Context, conversationID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return "", false, nil
	}
	v, ok := c.metadata[key]
	return v, ok, nil
}

func (s *MemoryStore) SetCustomMetadata(_ context.Context, conversationID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(conversationID).metadata[key] = value
	return nil
}

func (s *MemoryStore) DeleteCustomMetadata(_ context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		delete(c.metadata, key)
	}
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(cp.ConversationID)
	c.checkpoints = append(c.checkpoints, cp)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, conversationID, id string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		for _, cp := range c.checkpoints {
			if cp.ID == id {
				return cp, nil
			}
		}
	}
	return checkpoint.Checkpoint{}, fmt.Errorf("%s: %w", id, checkpoint.ErrNotFound)
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, conversationID string) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]checkpoint.Checkpoint(nil), c.checkpoints...), nil
}

func (s *MemoryStore) DeleteCheckpointsAfter(_ context.Context, conversationID string, messageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	kept := c.checkpoints[:0]
	for _, cp := range c.checkpoints {
		if cp.MessageCount <= messageCount {
			kept = append(kept, cp)
		}
	}
	c.checkpoints = kept
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
