package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
)

func newSQLite(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "conversations.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStoreHistoryRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		idx, err := store.AddMessage(ctx, "c1", llm.UserText("read main.go"))
		require.NoError(t, err)
		assert.Equal(t, 0, idx)

		reply := llm.Message{
			Role: llm.RoleModel,
			Parts: []llm.Part{
				llm.TextPart{Text: "thinking", Thought: true},
				llm.FunctionCallPart{ID: "call_1", Name: "read_file", Args: map[string]any{"path": "main.go"}},
			},
			Usage: &llm.Usage{PromptTokens: 10, CandidateTokens: 5},
		}
		idx, err = store.AddMessage(ctx, "c1", reply)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)

		history, err := store.GetHistory(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "read main.go", history[0].Text())
		require.Len(t, history[1].ToolCalls(), 1)
		assert.Equal(t, "main.go", history[1].ToolCalls()[0].Args["path"])
		assert.Equal(t, "thinking", history[1].ThoughtText())
		require.NotNil(t, history[1].Usage)
		assert.Equal(t, 5, history[1].Usage.CandidateTokens)

		n, err := store.CountMessages(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		conv, err := store.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", conv.ID)
	})
}

func TestStoreUpdateAndTruncate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, text := range []string{"a", "b", "c", "d"} {
			_, err := store.AddMessage(ctx, "c1", llm.UserText(text))
			require.NoError(t, err)
		}

		require.NoError(t, store.UpdateMessage(ctx, "c1", 1, llm.UserText("B")))
		assert.ErrorIs(t, store.UpdateMessage(ctx, "c1", 9, llm.UserText("x")), ErrNotFound)

		require.NoError(t, store.DeleteToMessage(ctx, "c1", 2))
		history, err := store.GetHistory(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "B", history[1].Text())

		idx, err := store.AddMessage(ctx, "c1", llm.UserText("e"))
		require.NoError(t, err)
		assert.Equal(t, 2, idx)
	})
}

func TestStoreCustomMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, ok, err := store.GetCustomMetadata(ctx, "c1", "trimStartIndex")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.SetCustomMetadata(ctx, "c1", "trimStartIndex", "4"))
		require.NoError(t, store.SetCustomMetadata(ctx, "c1", "trimStartIndex", "6"))
		v, ok, err := store.GetCustomMetadata(ctx, "c1", "trimStartIndex")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "6", v)

		require.NoError(t, store.DeleteCustomMetadata(ctx, "c1", "trimStartIndex"))
		_, ok, err = store.GetCustomMetadata(ctx, "c1", "trimStartIndex")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStoreCheckpoints(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now()
		for i, count := range []int{0, 2, 4} {
			require.NoError(t, store.SaveCheckpoint(ctx, checkpoint.Checkpoint{
				ID:             []string{"a", "b", "c"}[i],
				ConversationID: "c1",
				Kind:           checkpoint.BeforeModel,
				MessageCount:   count,
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			}))
		}

		cp, err := store.GetCheckpoint(ctx, "c1", "b")
		require.NoError(t, err)
		assert.Equal(t, 2, cp.MessageCount)
		assert.Equal(t, checkpoint.BeforeModel, cp.Kind)

		_, err = store.GetCheckpoint(ctx, "c1", "zzz")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		require.NoError(t, store.DeleteCheckpointsAfter(ctx, "c1", 2))
		list, err := store.ListCheckpoints(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "b", list[1].ID)
	})
}

func TestStoreConversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		conv := &Conversation{Title: "first", Provider: "claude"}
		require.NoError(t, store.CreateConversation(ctx, conv))
		assert.NotEmpty(t, conv.ID)
		_, err := store.AddMessage(ctx, conv.ID, llm.UserText("hi"))
		require.NoError(t, err)

		got, err := store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Title)
		assert.Equal(t, "claude", got.Provider)

		list, err := store.ListConversations(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 1, list[0].MessageCount)

		require.NoError(t, store.DeleteConversation(ctx, conv.ID))
		_, err = store.GetConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		n, err := store.CountMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestCheckpointRollbackAgainstStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mgr := checkpoint.NewManager(store, nil, zerolog.Nop())

		_, err := store.AddMessage(ctx, "c1", llm.UserText("one"))
		require.NoError(t, err)
		cp, err := mgr.Create(ctx, "c1", checkpoint.AfterModel)
		require.NoError(t, err)
		_, err = store.AddMessage(ctx, "c1", llm.ModelText("two"))
		require.NoError(t, err)
		_, err = mgr.Create(ctx, "c1", checkpoint.AfterModel)
		require.NoError(t, err)

		_, err = mgr.Rollback(ctx, "c1", cp.ID)
		require.NoError(t, err)

		history, err := store.GetHistory(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		list, err := mgr.List(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, cp.ID, list[0].ID)
	})
}

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore(Config{Path: MemoryPath})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "fix the bug", TitleFrom(llm.UserText("  fix\nthe   bug ")))

	long := TitleFrom(llm.UserText(strings.Repeat("word ", 40)))
	assert.Len(t, long, 80)
	assert.True(t, strings.HasSuffix(long, "..."))
}
