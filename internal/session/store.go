// Package session persists conversations: their message history, custom
// metadata and checkpoints.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
)

// Store is the interface for conversation persistence. Message indexes are
// zero-based positions in the history.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error

	GetHistory(ctx context.Context, conversationID string) ([]llm.Message, error)
	AddMessage(ctx context.Context, conversationID string, msg llm.Message) (int, error)
	UpdateMessage(ctx context.Context, conversationID string, index int, msg llm.Message) error
	DeleteToMessage(ctx context.Context, conversationID string, index int) error
	CountMessages(ctx context.Context, conversationID string) (int, error)

	GetCustomMetadata(ctx context.Context, conversationID, key string) (string, bool, error)
	SetCustomMetadata(ctx context.Context, conversationID, key, value string) error
	DeleteCustomMetadata(ctx context.Context, conversationID, key string) error

	SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error
	GetCheckpoint(ctx context.Context, conversationID, id string) (checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context, conversationID string) ([]checkpoint.Checkpoint, error)
	DeleteCheckpointsAfter(ctx context.Context, conversationID string, messageCount int) error

	Close() error
}

// Config holds session storage configuration.
type Config struct {
	// Path of the SQLite database. ":memory:" keeps everything in process.
	Path       string `mapstructure:"path" yaml:"path,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"`
	MaxCount   int    `mapstructure:"max_count" yaml:"max_count,omitempty"`
}

// MemoryPath selects the in-process store.
const MemoryPath = ":memory:"

// GetDataDir returns the XDG data directory for toolloop.
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "toolloop"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "toolloop"), nil
}

// GetDBPath returns the default path of the conversations database.
func GetDBPath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "conversations.db"), nil
}

// NewStore opens the store described by cfg.
func NewStore(cfg Config) (Store, error) {
	if cfg.Path == MemoryPath {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(cfg)
}
