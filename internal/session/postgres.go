package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intake-assistant/pkg"
)

// PostgresStore keeps sessions in the call_sessions table so that any
// instance behind a load balancer can serve the next turn of a call.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open database handle.  The call_sessions table
// is created by the db package's migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const sessionColumns = `call_id, stage, filled, history, urgency, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s       Session
		stage   string
		urgency string
		filled  []byte
		history []byte
	)
	if err := row.Scan(&s.CallID, &stage, &filled, &history, &urgency, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Stage = pkg.Stage(stage)
	s.Urgency = pkg.Urgency(urgency)
	if len(filled) > 0 {
		if err := json.Unmarshal(filled, &s.Filled); err != nil {
			return nil, fmt.Errorf("decode filled: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	if s.History == nil {
		s.History = []pkg.Utterance{}
	}
	return &s, nil
}

func (p *PostgresStore) Get(ctx context.Context, callID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_id = $1`, callID)
	s, err := scanSession(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get session %s: %w", callID, err)
	}
	return s, err
}

func (p *PostgresStore) Create(ctx context.Context, callID string) (*Session, error) {
	s := New(callID, p.now().UTC())
	history, _ := json.Marshal(s.History)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_sessions (call_id, stage, filled, history, urgency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (call_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			filled = EXCLUDED.filled,
			history = EXCLUDED.history,
			urgency = EXCLUDED.urgency,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		s.CallID, string(s.Stage), string(pkg.IntakeJSON(s.Filled)), string(history), string(s.Urgency), s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", callID, err)
	}
	return s, nil
}

// Update locks the row for the duration of fn.
func (p *PostgresStore) Update(ctx context.Context, callID string, fn func(*Session) error) (*Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_id = $1 FOR UPDATE`, callID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", callID, err)
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.CallID = callID
	s.UpdatedAt = p.now().UTC()

	history, err := json.Marshal(s.History)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE call_sessions
		SET stage = $2, filled = $3, history = $4, urgency = $5, updated_at = $6
		WHERE call_id = $1`,
		callID, string(s.Stage), string(pkg.IntakeJSON(s.Filled)), string(history), string(s.Urgency), s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("save session %s: %w", callID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session %s: %w", callID, err)
	}
	return s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, callID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("delete session %s: %w", callID, err)
	}
	return nil
}

func (p *PostgresStore) Evict(ctx context.Context, idleFor time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM call_sessions WHERE updated_at <= $1`, p.now().UTC().Add(-idleFor))
	if err != nil {
		return 0, fmt.Errorf("evict sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM call_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
