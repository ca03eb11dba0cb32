package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/pkg"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "CA1")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := store.Create(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StageStart, s.Stage)
	assert.Empty(t, s.History)
	assert.True(t, s.Filled.IsEmpty())

	_, err = store.Update(ctx, "CA1", func(s *Session) error {
		s.Append(pkg.RoleUser, "my name is Ann")
		s.Filled.Merge(pkg.IntakeData{FullName: pkg.String("Ann")})
		s.Stage = pkg.StageContactPhone
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StageContactPhone, got.Stage)
	assert.Equal(t, "Ann", pkg.Value(got.Filled.FullName, ""))
	require.Len(t, got.History, 1)

	n, _ := store.Len(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Delete(ctx, "CA1"))
	require.NoError(t, store.Delete(ctx, "CA1"))
	_, err = store.Get(ctx, "CA1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateErrorLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Create(ctx, "CA1")

	boom := errors.New("boom")
	_, err := store.Update(ctx, "CA1", func(s *Session) error {
		s.Stage = pkg.StageClose
		s.Append(pkg.RoleUser, "ignored")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, "CA1")
	assert.Equal(t, pkg.StageStart, got.Stage)
	assert.Empty(t, got.History)

	_, err = store.Update(ctx, "missing", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Create(ctx, "CA1")

	s, _ := store.Get(ctx, "CA1")
	s.Append(pkg.RoleUser, "mutated outside the store")
	s.Stage = pkg.StageClose

	got, _ := store.Get(ctx, "CA1")
	assert.Empty(t, got.History)
	assert.Equal(t, pkg.StageStart, got.Stage)
}

func TestMemoryStoreEvictsIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.SetNowFunc(func() time.Time { return now })

	_, _ = store.Create(ctx, "stale")
	now = now.Add(6 * time.Minute)
	_, _ = store.Create(ctx, "fresh")
	now = now.Add(4 * time.Minute)

	n, err := store.Evict(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}
