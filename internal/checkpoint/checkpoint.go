// Package checkpoint records restorable points in a conversation's history
// and rolls a conversation back to them.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind says when a checkpoint was taken.
type Kind string

const (
	BeforeModel Kind = "before_model"
	AfterModel  Kind = "after_model"
	BeforeTools Kind = "before_tools"
	AfterTools  Kind = "after_tools"
)

// Checkpoint marks the history length at a point in time.
type Checkpoint struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrNotFound is returned for an unknown checkpoint ID.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints next to the conversation history.
type Store interface {
	CountMessages(ctx context.Context, conversationID string) (int, error)
	DeleteToMessage(ctx context.Context, conversationID string, index int) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, conversationID, id string) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, conversationID string) ([]Checkpoint, error)
	DeleteCheckpointsAfter(ctx context.Context, conversationID string, messageCount int) error
}

// Invalidator drops derived per-conversation state that a rollback makes
// stale, such as the persisted trim index.
type Invalidator interface {
	Clear(ctx context.Context, conversationID string) error
}

// Manager creates and restores checkpoints.
type Manager struct {
	store      Store
	invalidate Invalidator
	log        zerolog.Logger
	now        func() time.Time
}

// NewManager returns a Manager. invalidate may be nil.
func NewManager(store Store, invalidate Invalidator, log zerolog.Logger) *Manager {
	return &Manager{store: store, invalidate: invalidate, log: log, now: time.Now}
}

// Create records the current history length of a conversation.
func (m *Manager) Create(ctx context.Context, conversationID string, kind Kind) (Checkpoint, error) {
	n, err := m.store.CountMessages(ctx, conversationID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("count messages: %w", err)
	}
	cp := Checkpoint{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		MessageCount:   n,
		CreatedAt:      m.now(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("save checkpoint: %w", err)
	}
	m.log.Debug().
		Str("conversation", conversationID).
		Str("checkpoint", cp.ID).
		Str("kind", string(kind)).
		Int("messages", n).
		Msg("checkpoint created")
	return cp, nil
}

// List returns a conversation's checkpoints, oldest first.
func (m *Manager) List(ctx context.Context, conversationID string) ([]Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, conversationID)
}

// Rollback truncates the history to the checkpoint's length and drops
// checkpoints taken after it.
func (m *Manager) Rollback(ctx context.Context, conversationID, id string) (Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, conversationID, id)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := m.store.DeleteToMessage(ctx, conversationID, cp.MessageCount); err != nil {
		return Checkpoint{}, fmt.Errorf("truncate history: %w", err)
	}
	if err := m.store.DeleteCheckpointsAfter(ctx, conversationID, cp.MessageCount); err != nil {
		return Checkpoint{}, fmt.Errorf("drop later checkpoints: %w", err)
	}
	if m.invalidate != nil {
		if err := m.invalidate.Clear(ctx, conversationID); err != nil {
			return Checkpoint{}, err
		}
	}
	m.log.Info().
		Str("conversation", conversationID).
		Str("checkpoint", id).
		Int("messages", cp.MessageCount).
		Msg("rolled back")
	return cp, nil
}
