package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/pkg"
)

func TestMemoryRepositoryCreateCallOncePerConversation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	a, err := repo.CreateCall(ctx, "CA1", "firm-1", nil)
	require.NoError(t, err)
	b, err := repo.CreateCall(ctx, "CA1", "firm-2", pkg.String("+1555"))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "firm-1", b.FirmID)
	assert.Equal(t, pkg.StatusInProgress, b.Status)
}

func TestMemoryRepositoryMergeKeepsSeverity(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c, _ := repo.CreateCall(ctx, "CA1", "firm-1", nil)

	require.NoError(t, repo.MergeIntake(ctx, c.ID, pkg.IntakeData{FullName: pkg.String("Ann")}, pkg.UrgencyEmergencyRedirected))
	require.NoError(t, repo.MergeIntake(ctx, c.ID, pkg.IntakeData{ReasonForCall: pkg.String("fall")}, pkg.UrgencyNormal))

	got, _ := repo.GetCall(ctx, c.ID)
	assert.Equal(t, pkg.UrgencyEmergencyRedirected, got.Urgency)
	assert.Equal(t, "Ann", pkg.Value(got.Intake.FullName, ""))
	assert.Equal(t, "fall", pkg.Value(got.Intake.ReasonForCall, ""))

	assert.ErrorIs(t, repo.MergeIntake(ctx, "nope", pkg.IntakeData{}, ""), ErrNotFound)
}

func TestMemoryRepositoryClaimAndTerminalStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	repo.SetNowFunc(func() time.Time { return now })
	c, _ := repo.CreateCall(ctx, "CA1", "firm-1", nil)

	ok, _ := repo.ClaimFinalize(ctx, c.ID, time.Minute)
	assert.True(t, ok)
	ok, _ = repo.ClaimFinalize(ctx, c.ID, time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = repo.ClaimFinalize(ctx, c.ID, time.Minute)
	assert.True(t, ok, "expired claim can be taken over")

	moved, err := repo.UpdateStatus(ctx, c.ID, pkg.StatusEmailed, nil)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, _ = repo.UpdateStatus(ctx, c.ID, pkg.StatusError, pkg.String("late"))
	assert.False(t, moved)
	ok, _ = repo.ClaimFinalize(ctx, c.ID, time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, repo.BeginSummarizing(ctx, c.ID, "t", nil, now), ErrNotFound)
}

func TestMemoryRepositorySummaryAndStaleList(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	repo.SetNowFunc(func() time.Time { return now })

	old, _ := repo.CreateCall(ctx, "old", "firm-1", nil)
	now = now.Add(20 * time.Minute)
	_, _ = repo.CreateCall(ctx, "new", "firm-1", nil)

	stale, err := repo.ListStaleCalls(ctx, now.Add(-15*time.Minute), now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	require.NoError(t, repo.SetSummary(ctx, old.ID, &pkg.SummaryData{Title: "T"}))
	got, _ := repo.GetCall(ctx, old.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "T", got.Summary.Title)

	require.NoError(t, repo.DeleteCall(ctx, old.ID))
	_, err = repo.GetCallByConversation(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryListsAbandonedSummarizing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	repo.SetNowFunc(func() time.Time { return now })

	released, _ := repo.CreateCall(ctx, "released", "firm-1", nil)
	held, _ := repo.CreateCall(ctx, "held", "firm-1", nil)
	for _, c := range []*pkg.CallRecord{released, held} {
		ok, err := repo.ClaimFinalize(ctx, c.ID, 10*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.BeginSummarizing(ctx, c.ID, "t", nil, now))
	}
	require.NoError(t, repo.ReleaseFinalize(ctx, released.ID))

	now = now.Add(16 * time.Minute)
	stale, err := repo.ListStaleCalls(ctx, now.Add(-15*time.Minute), now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, released.ID, stale[0].ID)

	// Once the held claim expires the call is listed too.
	stale, err = repo.ListStaleCalls(ctx, now.Add(-15*time.Minute), now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestMemoryRepositoryFirmLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.PutFirm(pkg.Firm{ID: "f1", Name: "Acme", ProviderPhoneNumber: pkg.String("+15550000001"), NotifyEmails: []string{" A@acme.law ", "a@acme.law"}})

	f, err := repo.FirmByPhoneNumber(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, "Acme", f.Name)
	assert.Equal(t, []string{"a@acme.law"}, f.NotifyEmails)

	_, err = repo.FirmByPhoneNumber(ctx, "+19999999999")
	assert.ErrorIs(t, err, ErrNotFound)
}
