package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samsaffron/toolloop/internal/llm"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is the header row of a stored conversation.
type Conversation struct {
	ID        string
	Title     string
	Provider  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationSummary is a conversation with list metadata.
type ConversationSummary struct {
	Conversation
	MessageCount int
}

// NewID returns a fresh conversation ID.
func NewID() string {
	return uuid.NewString()
}

// TitleFrom derives a short title from the first user message.
func TitleFrom(msg llm.Message) string {
	title := strings.Join(strings.Fields(msg.Text()), " ")
	const maxLen = 80
	if len(title) > maxLen {
		title = strings.TrimSpace(title[:maxLen-3]) + "..."
	}
	return title
}
