package core

import (
	"context"
	"errors"
	"sync"

	"intake-assistant/internal/db"
	"intake-assistant/internal/llm"
	"intake-assistant/internal/notify"
	"intake-assistant/internal/observability"
	"intake-assistant/pkg"
)

// scriptedLLM replays canned chat replies in order and records what it was
// sent.  When the script runs out the last reply repeats.
type scriptedLLM struct {
	mu         sync.Mutex
	replies    []string
	chatErr    error
	summary    string
	summaryErr error
	chats      [][]llm.Message
	summaries  int
}

func (s *scriptedLLM) Chat(_ context.Context, msgs []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, msgs)
	if s.chatErr != nil {
		return "", s.chatErr
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r, nil
}

func (s *scriptedLLM) Summarize(_ context.Context, _ []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries++
	if s.summaryErr != nil {
		return "", s.summaryErr
	}
	return s.summary, nil
}

func (s *scriptedLLM) lastChat() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chats) == 0 {
		return nil
	}
	return s.chats[len(s.chats)-1]
}

type recordingEmail struct {
	mu   sync.Mutex
	sent []notify.IntakeEmail
	err  error
}

func (r *recordingEmail) SendIntake(_ context.Context, e notify.IntakeEmail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, e)
	return nil
}

func (r *recordingEmail) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []FinalizeRequest
}

func (f *fakeEnqueuer) Enqueue(req FinalizeRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, req)
	return true
}

func (f *fakeEnqueuer) all() []FinalizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FinalizeRequest(nil), f.jobs...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []db.CallEvent
}

func (r *recordingEvents) Notify(_ context.Context, ev db.CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) statuses() []pkg.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pkg.CallStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

const testFirmID = "9a5c1f7e-4b1d-4c55-8a59-3f3f0f6f9d11"

func newTestRepo() *db.MemoryRepository {
	repo := db.NewMemoryRepository()
	repo.PutFirm(pkg.Firm{
		ID:                  testFirmID,
		Name:                "Smith & Jones",
		NotifyEmails:        []string{"intake@smithjones.test"},
		ProviderPhoneNumber: pkg.String("+15550001111"),
	})
	return repo
}

func quietDeps() (*observability.Metrics, *observability.Tracer) {
	return observability.NopMetrics(), observability.NopTracer()
}
