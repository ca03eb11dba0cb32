package db

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"intake-assistant/pkg"
)

// MemoryRepository is an in-process stand-in for Repository, used for
// single-node development and tests.  It follows the same update rules.
type MemoryRepository struct {
	mu      sync.Mutex
	firms   map[string]pkg.Firm
	calls   map[string]*pkg.CallRecord
	byConv  map[string]string
	summary map[string][]byte
	now     func() time.Time
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		firms:   make(map[string]pkg.Firm),
		calls:   make(map[string]*pkg.CallRecord),
		byConv:  make(map[string]string),
		summary: make(map[string][]byte),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock.  Used in tests.
func (m *MemoryRepository) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// PutFirm adds or replaces a firm.
func (m *MemoryRepository) PutFirm(f pkg.Firm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.NotifyEmails = cleanEmails(f.NotifyEmails)
	m.firms[f.ID] = f
}

func (m *MemoryRepository) GetFirm(_ context.Context, id string) (*pkg.Firm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.firms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *MemoryRepository) FirmByPhoneNumber(_ context.Context, number string) (*pkg.Firm, error) {
	number = strings.TrimSpace(number)
	m.mu.Lock()
	defer m.mu.Unlock()
	if number == "" {
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(m.firms))
	for id := range m.firms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f := m.firms[id]
		if pkg.Value(f.ProviderPhoneNumber, "") == number || pkg.Value(f.PhoneNumberID, "") == number {
			return &f, nil
		}
	}
	return nil, ErrNotFound
}

// clone returns a copy safe to hand out.
func (m *MemoryRepository) clone(c *pkg.CallRecord) *pkg.CallRecord {
	out := *c
	out.Intake = pkg.IntakeData{}
	out.Intake.Merge(c.Intake)
	if raw, ok := m.summary[c.ID]; ok {
		var s pkg.SummaryData
		if err := json.Unmarshal(raw, &s); err == nil {
			out.Summary = &s
		}
	}
	return &out
}

func (m *MemoryRepository) CreateCall(_ context.Context, conversationID, firmID string, fromNumber *string) (*pkg.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byConv[conversationID]; ok {
		return m.clone(m.calls[id]), nil
	}
	now := m.now().UTC()
	c := &pkg.CallRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FirmID:         firmID,
		Status:         pkg.StatusInProgress,
		Urgency:        pkg.UrgencyNormal,
		FromNumber:     fromNumber,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	m.calls[c.ID] = c
	m.byConv[conversationID] = c.ID
	return m.clone(c), nil
}

func (m *MemoryRepository) GetCall(_ context.Context, id string) (*pkg.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(c), nil
}

func (m *MemoryRepository) GetCallByConversation(_ context.Context, conversationID string) (*pkg.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConv[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(m.calls[id]), nil
}

// update runs fn on the live record under the lock.
func (m *MemoryRepository) update(id string, fn func(c *pkg.CallRecord) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if !fn(c) {
		return false, nil
	}
	c.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryRepository) MergeIntake(_ context.Context, id string, updates pkg.IntakeData, urgency pkg.Urgency) error {
	_, err := m.update(id, func(c *pkg.CallRecord) bool {
		c.Intake.Merge(updates)
		c.Urgency = pkg.MaxUrgency(c.Urgency, urgency)
		return true
	})
	return err
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, status pkg.CallStatus, errMsg *string) (bool, error) {
	return m.update(id, func(c *pkg.CallRecord) bool {
		if c.Status.IsTerminal() {
			return false
		}
		c.Status = status
		c.ErrorMessage = errMsg
		return true
	})
}

func (m *MemoryRepository) MarkEnded(_ context.Context, id string, at time.Time) error {
	_, err := m.update(id, func(c *pkg.CallRecord) bool {
		if c.EndedAt == nil {
			t := at.UTC()
			c.EndedAt = &t
		}
		return true
	})
	return err
}

func (m *MemoryRepository) SetRecordingURL(_ context.Context, id, url string) error {
	_, err := m.update(id, func(c *pkg.CallRecord) bool {
		c.RecordingURL = pkg.String(url)
		return true
	})
	return err
}

func (m *MemoryRepository) ClaimFinalize(_ context.Context, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return false, nil
	}
	now := m.now().UTC()
	if c.Status.IsTerminal() {
		return false, nil
	}
	if c.FinalizeStartedAt != nil && !c.FinalizeStartedAt.Before(now.Add(-ttl)) {
		return false, nil
	}
	c.FinalizeStartedAt = &now
	c.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) ReleaseFinalize(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[id]; ok {
		c.FinalizeStartedAt = nil
	}
	return nil
}

func (m *MemoryRepository) BeginSummarizing(_ context.Context, id, transcript string, fromNumber *string, endedAt time.Time) error {
	ok, err := m.update(id, func(c *pkg.CallRecord) bool {
		if c.Status.IsTerminal() {
			return false
		}
		c.TranscriptText = pkg.String(transcript)
		if fromNumber != nil {
			c.FromNumber = pkg.String(*fromNumber)
		}
		if c.EndedAt == nil {
			t := endedAt.UTC()
			c.EndedAt = &t
		}
		c.Status = pkg.StatusSummarizing
		return true
	})
	if err == nil && !ok {
		return ErrNotFound
	}
	return err
}

func (m *MemoryRepository) SetSummary(_ context.Context, id string, summary *pkg.SummaryData) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = m.update(id, func(c *pkg.CallRecord) bool {
		m.summary[c.ID] = b
		return true
	})
	return err
}

func (m *MemoryRepository) ListStaleCalls(_ context.Context, before, claimBefore time.Time, limit int) ([]pkg.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.CallRecord
	for _, c := range m.calls {
		if !c.UpdatedAt.Before(before) {
			continue
		}
		abandoned := c.Status == pkg.StatusSummarizing &&
			(c.FinalizeStartedAt == nil || c.FinalizeStartedAt.Before(claimBefore))
		if c.Status == pkg.StatusInProgress || c.Status == pkg.StatusTranscribing || abandoned {
			out = append(out, *m.clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) DeleteCall(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byConv, c.ConversationID)
	delete(m.summary, id)
	delete(m.calls, id)
	return nil
}
