package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/pkg"
)

const testFirmID = "5b1f2c4e-8a9d-4c3b-9f1e-2d7a6b5c4e3f"

func setupMockRepo(t *testing.T) (sqlmock.Sqlmock, *Repository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewRepository(db)
}

func callRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "conversation_id", "firm_id", "status", "urgency", "intake_json", "summary_json",
		"transcript_text", "recording_url", "from_number", "error_message",
		"started_at", "ended_at", "finalize_started_at", "updated_at",
	}).AddRow(
		"call-1", "CA1", testFirmID, "in_progress", "high", []byte(`{"full_name":"Ann"}`), nil,
		nil, "https://rec/1.mp3", "+15550001111", nil,
		now, nil, nil, now,
	)
}

func TestGetFirm(t *testing.T) {
	mock, repo := setupMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM firms WHERE id = $1")).
		WithArgs(testFirmID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "firm_name", "ai_greeting_custom", "ai_knowledge_base", "notify_emails",
			"provider_phone_number", "phone_number_id", "timezone",
		}).AddRow(testFirmID, "Smith Law", "Welcome to {FIRM_NAME}", nil,
			[]byte(`{Intake@Smith.law,intake@smith.law,partner@smith.law}`),
			"+15551230000", nil, "America/Chicago"))

	f, err := repo.GetFirm(context.Background(), testFirmID)
	require.NoError(t, err)
	assert.Equal(t, "Smith Law", f.Name)
	assert.Equal(t, []string{"intake@smith.law", "partner@smith.law"}, f.NotifyEmails)
	assert.Equal(t, "Welcome to {FIRM_NAME}", pkg.Value(f.GreetingCustom, ""))
	assert.Nil(t, f.KnowledgeBase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFirmRejectsNonUUIDWithoutQuery(t *testing.T) {
	mock, repo := setupMockRepo(t)
	_, err := repo.GetFirm(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCallIsIdempotentInsert(t *testing.T) {
	mock, repo := setupMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (conversation_id) DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "CA1", testFirmID, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM calls WHERE conversation_id = $1")).
		WithArgs("CA1").
		WillReturnRows(callRows(now))

	c, err := repo.CreateCall(context.Background(), "CA1", testFirmID, nil)
	require.NoError(t, err)
	assert.Equal(t, "call-1", c.ID)
	assert.Equal(t, pkg.UrgencyHigh, c.Urgency)
	assert.Equal(t, "Ann", pkg.Value(c.Intake.FullName, ""))
	assert.Nil(t, c.Summary)
	assert.Nil(t, c.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeIntakeUsesJSONBMergeAndSeverityMax(t *testing.T) {
	mock, repo := setupMockRepo(t)

	mock.ExpectExec(`intake_json = intake_json \|\| \$2::jsonb`).
		WithArgs("call-1", `{"callback_number":"+15551234567"}`, "normal").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MergeIntake(context.Background(), "call-1",
		pkg.IntakeData{CallbackNumber: pkg.String("+15551234567")}, "")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE calls").
		WithArgs("missing", "{}", "high").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.MergeIntake(context.Background(), "missing", pkg.IntakeData{}, pkg.UrgencyHigh)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimFinalize(t *testing.T) {
	mock, repo := setupMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("finalize_started_at IS NULL OR finalize_started_at < now() - make_interval(secs => $2)")).
		WithArgs("call-1", 600.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.ClaimFinalize(context.Background(), "call-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("SET finalize_started_at = now()").
		WithArgs("call-1", 600.0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.ClaimFinalize(context.Background(), "call-1", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusIsStickyForTerminal(t *testing.T) {
	mock, repo := setupMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("status NOT IN ('emailed', 'error')")).
		WithArgs("call-1", "transcribing", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateStatus(context.Background(), "call-1", pkg.StatusTranscribing, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleCalls(t *testing.T) {
	mock, repo := setupMockRepo(t)
	now := time.Now().UTC()
	cutoff := now.Add(-15 * time.Minute)
	claimCutoff := now.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("OR (status = 'summarizing' AND (finalize_started_at IS NULL OR finalize_started_at < $2))")).
		WithArgs(cutoff, claimCutoff, 50).
		WillReturnRows(callRows(now))

	calls, err := repo.ListStaleCalls(context.Background(), cutoff, claimCutoff, 50)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "CA1", calls[0].ConversationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifierUsesPgNotify(t *testing.T) {
	mock, repo := setupMockRepo(t)
	n := NewNotifier(repo.DB, "call_events")

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs("call_events", `{"call_id":"call-1","conversation_id":"CA1","firm_id":"f","status":"emailed","urgency":"high"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := n.Notify(context.Background(), CallEvent{
		CallID: "call-1", ConversationID: "CA1", FirmID: "f",
		Status: pkg.StatusEmailed, Urgency: pkg.UrgencyHigh,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	mock, repo := setupMockRepo(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS firms").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), repo.DB))
	assert.NoError(t, mock.ExpectationsWereMet())
}
