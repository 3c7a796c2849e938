package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	j := New("", "5551234", "hi")
	assert.Nil(t, j.ModuleID)
	assert.Equal(t, StatusPending, j.Status)
	require.NoError(t, s.Create(ctx, j))

	j.MarkSending("m1")
	require.NoError(t, s.Update(ctx, j))
	j.MarkSent("42")
	require.NoError(t, s.Update(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "42", got.MessageRef)
	require.NotNil(t, got.ModuleID)
	assert.Equal(t, "m1", *got.ModuleID)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.Done())
}

func TestFailedJobAlwaysHasReason(t *testing.T) {
	j := New("m1", "5551234", "hi")
	j.MarkFailed("prompt_timeout", "")

	assert.Equal(t, StatusFailed, j.Status)
	assert.NotEmpty(t, j.ErrorReason)
}

func TestGetUnknown(t *testing.T) {
	_, err := openStore(t).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	old := New("", "5551234", "first")
	old.CreatedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.Create(ctx, old))
	fresh := New("", "5551234", "second")
	require.NoError(t, s.Create(ctx, fresh))

	list, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, fresh.ID, list[0].ID)
	assert.Equal(t, old.ID, list[1].ID)
}
