package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"intake-assistant/pkg"
)

// ErrNotFound is returned when a call or firm does not exist.
var ErrNotFound = errors.New("db: not found")

// Repository wraps database operations for firms and calls.
//
// Every write is a targeted update of the columns it owns, keyed by the
// call's primary id, so the live call flow and the finalization pipeline
// never clobber each other's fields.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

const firmColumns = `id, firm_name, ai_greeting_custom, ai_knowledge_base, notify_emails,
	provider_phone_number, phone_number_id, timezone`

func scanFirm(row interface{ Scan(...any) error }) (*pkg.Firm, error) {
	var (
		f                          pkg.Firm
		greeting, kb, phone, numID sql.NullString
		emails                     []string
	)
	err := row.Scan(&f.ID, &f.Name, &greeting, &kb, pq.Array(&emails), &phone, &numID, &f.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	f.GreetingCustom = nullString(greeting)
	f.KnowledgeBase = nullString(kb)
	f.ProviderPhoneNumber = nullString(phone)
	f.PhoneNumberID = nullString(numID)
	f.NotifyEmails = cleanEmails(emails)
	return &f, nil
}

// GetFirm loads a firm by id.
func (r *Repository) GetFirm(ctx context.Context, id string) (*pkg.Firm, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	f, err := scanFirm(r.DB.QueryRowContext(ctx,
		`SELECT `+firmColumns+` FROM firms WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get firm %s: %w", id, err)
	}
	return f, err
}

// FirmByPhoneNumber resolves a firm from the number a caller dialed or the
// provider's phone number id.
func (r *Repository) FirmByPhoneNumber(ctx context.Context, number string) (*pkg.Firm, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, ErrNotFound
	}
	f, err := scanFirm(r.DB.QueryRowContext(ctx,
		`SELECT `+firmColumns+` FROM firms
         WHERE provider_phone_number = $1 OR phone_number_id = $1
         ORDER BY created_at
         LIMIT 1`, number))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("firm by number: %w", err)
	}
	return f, err
}

const callColumns = `id, conversation_id, firm_id, status, urgency, intake_json, summary_json,
	transcript_text, recording_url, from_number, error_message,
	started_at, ended_at, finalize_started_at, updated_at`

func scanCall(row interface{ Scan(...any) error }) (*pkg.CallRecord, error) {
	var (
		c                                   pkg.CallRecord
		status, urgency                     string
		intake, summary                     []byte
		transcript, recording, from, errMsg sql.NullString
		ended, claimed                      sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ConversationID, &c.FirmID, &status, &urgency, &intake, &summary,
		&transcript, &recording, &from, &errMsg,
		&c.StartedAt, &ended, &claimed, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = pkg.CallStatus(status)
	c.Urgency = pkg.Urgency(urgency)
	if len(intake) > 0 {
		if err := json.Unmarshal(intake, &c.Intake); err != nil {
			return nil, fmt.Errorf("decode intake_json: %w", err)
		}
	}
	if len(summary) > 0 && string(summary) != "null" {
		var s pkg.SummaryData
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, fmt.Errorf("decode summary_json: %w", err)
		}
		c.Summary = &s
	}
	c.TranscriptText = nullString(transcript)
	c.RecordingURL = nullString(recording)
	c.FromNumber = nullString(from)
	c.ErrorMessage = nullString(errMsg)
	c.EndedAt = nullTime(ended)
	c.FinalizeStartedAt = nullTime(claimed)
	return &c, nil
}

// CreateCall inserts an in_progress call for conversationID unless one
// already exists, and returns the stored record either way.
func (r *Repository) CreateCall(ctx context.Context, conversationID, firmID string, fromNumber *string) (*pkg.CallRecord, error) {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO calls (id, conversation_id, firm_id, status, urgency, intake_json, from_number, started_at, updated_at)
         VALUES ($1, $2, $3, 'in_progress', 'normal', '{}'::jsonb, $4, now(), now())
         ON CONFLICT (conversation_id) DO NOTHING`,
		uuid.NewString(), conversationID, firmID, fromNumber)
	if err != nil {
		return nil, fmt.Errorf("create call %s: %w", conversationID, err)
	}
	return r.GetCallByConversation(ctx, conversationID)
}

// GetCall loads a call by primary id.
func (r *Repository) GetCall(ctx context.Context, id string) (*pkg.CallRecord, error) {
	c, err := scanCall(r.DB.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	return c, err
}

// GetCallByConversation loads a call by its provider conversation id.
func (r *Repository) GetCallByConversation(ctx context.Context, conversationID string) (*pkg.CallRecord, error) {
	c, err := scanCall(r.DB.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE conversation_id = $1`, conversationID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get call by conversation %s: %w", conversationID, err)
	}
	return c, err
}

// urgencyRank mirrors pkg.Urgency.Rank in SQL.
func urgencyRank(expr string) string {
	return `(CASE ` + expr + ` WHEN 'emergency_redirected' THEN 2 WHEN 'high' THEN 1 ELSE 0 END)`
}

// MergeIntake merges updates into the stored intake snapshot and raises the
// stored urgency to urgency when that is more severe.  Keys absent from
// updates are kept.
func (r *Repository) MergeIntake(ctx context.Context, id string, updates pkg.IntakeData, urgency pkg.Urgency) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE calls
         SET intake_json = intake_json || $2::jsonb,
             urgency = CASE WHEN `+urgencyRank("$3::text")+` > `+urgencyRank("urgency")+` THEN $3::text ELSE urgency END,
             updated_at = now()
         WHERE id = $1`,
		id, string(pkg.IntakeJSON(updates)), string(pkg.MaxUrgency(urgency, pkg.UrgencyNormal)))
	if err != nil {
		return fmt.Errorf("merge intake %s: %w", id, err)
	}
	return expectOne(res)
}

// UpdateStatus moves a call to status.  Terminal statuses are sticky: the
// update is ignored and false returned when the call is already emailed or
// errored.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status pkg.CallStatus, errMsg *string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE calls
         SET status = $2, error_message = $3, updated_at = now()
         WHERE id = $1 AND status NOT IN ('emailed', 'error')`,
		id, string(status), errMsg)
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkEnded records when the call ended.  An existing ended_at is kept.
func (r *Repository) MarkEnded(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE calls SET ended_at = COALESCE(ended_at, $2), updated_at = now() WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark ended %s: %w", id, err)
	}
	return nil
}

// SetRecordingURL stores the call recording location.
func (r *Repository) SetRecordingURL(ctx context.Context, id, url string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE calls SET recording_url = $2, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set recording url %s: %w", id, err)
	}
	return nil
}

// ClaimFinalize marks the call as being finalized.  It succeeds only when
// the call is not terminal and no other finalizer holds a claim younger than
// ttl, so concurrent triggers for one call run the pipeline once.
func (r *Repository) ClaimFinalize(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE calls
         SET finalize_started_at = now(), updated_at = now()
         WHERE id = $1
           AND status NOT IN ('emailed', 'error')
           AND (finalize_started_at IS NULL OR finalize_started_at < now() - make_interval(secs => $2))`,
		id, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim finalize %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseFinalize drops a claim so another trigger can retry.
func (r *Repository) ReleaseFinalize(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE calls SET finalize_started_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release finalize %s: %w", id, err)
	}
	return nil
}

// BeginSummarizing records the finalize inputs and moves the call to
// summarizing.  fromNumber only overwrites when set; ended_at is only filled
// when empty.
func (r *Repository) BeginSummarizing(ctx context.Context, id, transcript string, fromNumber *string, endedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE calls
         SET transcript_text = $2,
             from_number = COALESCE($3, from_number),
             ended_at = COALESCE(ended_at, $4),
             status = 'summarizing',
             updated_at = now()
         WHERE id = $1 AND status NOT IN ('emailed', 'error')`,
		id, transcript, fromNumber, endedAt.UTC())
	if err != nil {
		return fmt.Errorf("begin summarizing %s: %w", id, err)
	}
	return expectOne(res)
}

// SetSummary stores the generated summary.  Status is not touched.
func (r *Repository) SetSummary(ctx context.Context, id string, summary *pkg.SummaryData) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`UPDATE calls SET summary_json = $2::jsonb, updated_at = now() WHERE id = $1`, id, string(b))
	if err != nil {
		return fmt.Errorf("set summary %s: %w", id, err)
	}
	return nil
}

// ListStaleCalls returns unfinished calls that have not been touched since
// before: calls still in_progress or transcribing, and calls left in
// summarizing whose finalize claim was released or taken before claimBefore.
func (r *Repository) ListStaleCalls(ctx context.Context, before, claimBefore time.Time, limit int) ([]pkg.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
         WHERE updated_at < $1
           AND (status IN ('in_progress', 'transcribing')
                OR (status = 'summarizing' AND (finalize_started_at IS NULL OR finalize_started_at < $2)))
         ORDER BY updated_at ASC
         LIMIT $3`, before.UTC(), claimBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale calls: %w", err)
	}
	defer rows.Close()
	var out []pkg.CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCall removes a call.  Only user-initiated removal calls this.
func (r *Repository) DeleteCall(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM calls WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete call %s: %w", id, err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

// cleanEmails trims, lowercases and de-duplicates notification addresses.
func cleanEmails(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
