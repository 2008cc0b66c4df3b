package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	messages    int
	checkpoints []Checkpoint
	truncatedTo int
}

func (f *fakeStore) CountMessages(context.Context, string) (int, error) { return f.messages, nil }

func (f *fakeStore) DeleteToMessage(_ context.Context, _ string, index int) error {
	f.truncatedTo = index
	if index < f.messages {
		f.messages = index
	}
	return nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeStore) GetCheckpoint(_ context.Context, _ string, id string) (Checkpoint, error) {
	for _, cp := range f.checkpoints {
		if cp.ID == id {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

func (f *fakeStore) ListCheckpoints(context.Context, string) ([]Checkpoint, error) {
	return f.checkpoints, nil
}

func (f *fakeStore) DeleteCheckpointsAfter(_ context.Context, _ string, n int) error {
	kept := f.checkpoints[:0]
	for _, cp := range f.checkpoints {
		if cp.MessageCount <= n {
			kept = append(kept, cp)
		}
	}
	f.checkpoints = kept
	return nil
}

type invalidator struct {
	cleared []string
	err     error
}

func (i *invalidator) Clear(_ context.Context, conv string) error {
	i.cleared = append(i.cleared, conv)
	return i.err
}

func TestCreateRecordsMessageCount(t *testing.T) {
	store := &fakeStore{messages: 3}
	m := NewManager(store, nil, zerolog.Nop())
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	cp, err := m.Create(context.Background(), "c1", BeforeTools)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, 3, cp.MessageCount)
	assert.Equal(t, BeforeTools, cp.Kind)
	assert.Equal(t, fixed, cp.CreatedAt)
	assert.Len(t, store.checkpoints, 1)
}

func TestRollbackTruncatesAndInvalidates(t *testing.T) {
	store := &fakeStore{messages: 2}
	inv := &invalidator{}
	m := NewManager(store, inv, zerolog.Nop())
	ctx := context.Background()

	first, err := m.Create(ctx, "c1", AfterModel)
	require.NoError(t, err)
	store.messages = 5
	_, err = m.Create(ctx, "c1", AfterTools)
	require.NoError(t, err)

	cp, err := m.Rollback(ctx, "c1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, cp.ID)
	assert.Equal(t, 2, store.truncatedTo)
	assert.Equal(t, 2, store.messages)
	assert.Equal(t, []string{"c1"}, inv.cleared)

	list, err := m.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	m := NewManager(&fakeStore{}, nil, zerolog.Nop())
	_, err := m.Rollback(context.Background(), "c1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollbackInvalidatorError(t *testing.T) {
	store := &fakeStore{messages: 1}
	inv := &invalidator{err: errors.New("metadata locked")}
	m := NewManager(store, inv, zerolog.Nop())
	ctx := context.Background()

	cp, err := m.Create(ctx, "c1", BeforeModel)
	require.NoError(t, err)
	_, err = m.Rollback(ctx, "c1", cp.ID)
	assert.ErrorContains(t, err, "metadata locked")
}
