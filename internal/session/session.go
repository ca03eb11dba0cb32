// Package session holds the live conversation state of in-progress calls.
//
// A session is the single source of truth while a call is active.  It is
// created on the first turn, mutated once per turn, and removed when the
// call reaches a terminal stage, the provider reports the call ended, or it
// sits idle longer than the configured timeout.
package session

import (
	"context"
	"errors"
	"time"

	"intake-assistant/pkg"
)

var (
	// ErrNotFound is returned when no session exists for a call.
	ErrNotFound = errors.New("session: not found")

	// ErrLockTimeout is returned when a call's turn lock cannot be acquired
	// in time.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")
)

// Session is the conversation state of one active call.
type Session struct {
	CallID  string          `json:"call_id"`
	Stage   pkg.Stage       `json:"stage"`
	Filled  pkg.IntakeData  `json:"filled"`
	History []pkg.Utterance `json:"history"`
	// Urgency is the most severe classification seen so far in the call.
	Urgency   pkg.Urgency `json:"urgency"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// New returns a fresh session at the START stage.
func New(callID string, now time.Time) *Session {
	return &Session{
		CallID:    callID,
		Stage:     pkg.StageStart,
		History:   []pkg.Utterance{},
		Urgency:   pkg.UrgencyNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds an utterance to the end of the history.
func (s *Session) Append(role pkg.Role, content string) {
	s.History = append(s.History, pkg.Utterance{Role: role, Content: content})
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]pkg.Utterance(nil), s.History...)
	c.Filled = pkg.IntakeData{}
	c.Filled.Merge(s.Filled)
	return &c
}

// Store persists sessions keyed by call ID.
//
// Implementations are safe for concurrent use across different call IDs.
// Callers serialize turns for the same call with a Locker.
type Store interface {
	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, callID string) (*Session, error)
	// Create stores a fresh START session, replacing any existing one.
	Create(ctx context.Context, callID string) (*Session, error)
	// Update applies fn to the session and saves the result.  Nothing is
	// saved when fn returns an error.
	Update(ctx context.Context, callID string, fn func(*Session) error) (*Session, error)
	// Delete removes the session.  Deleting a missing session is not an
	// error.
	Delete(ctx context.Context, callID string) error
	// Evict removes sessions not updated for at least idleFor and returns
	// how many were removed.
	Evict(ctx context.Context, idleFor time.Duration) (int, error)
	// Len returns the number of live sessions.
	Len(ctx context.Context) (int, error)
}
