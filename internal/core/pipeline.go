package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"intake-assistant/internal/db"
	"intake-assistant/internal/notify"
	"intake-assistant/internal/observability"
	"intake-assistant/internal/speech"
	"intake-assistant/pkg"
)

// ErrNoSender is reported when a firm has recipients but no email sender
// is configured.
var ErrNoSender = errors.New("no sender configured")

// NoTranscript is stored when no transcript could be obtained for a call.
const NoTranscript = "No transcript available."

// CallRepository is the durable call record store shared by the live call
// flow and finalization.  Every write is a targeted partial update.
type CallRepository interface {
	CreateCall(ctx context.Context, conversationID, firmID string, fromNumber *string) (*pkg.CallRecord, error)
	GetCall(ctx context.Context, id string) (*pkg.CallRecord, error)
	GetCallByConversation(ctx context.Context, conversationID string) (*pkg.CallRecord, error)
	MergeIntake(ctx context.Context, id string, updates pkg.IntakeData, urgency pkg.Urgency) error
	UpdateStatus(ctx context.Context, id string, status pkg.CallStatus, errMsg *string) (bool, error)
	MarkEnded(ctx context.Context, id string, at time.Time) error
	SetRecordingURL(ctx context.Context, id, url string) error
	ClaimFinalize(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ReleaseFinalize(ctx context.Context, id string) error
	BeginSummarizing(ctx context.Context, id, transcript string, fromNumber *string, endedAt time.Time) error
	SetSummary(ctx context.Context, id string, summary *pkg.SummaryData) error
	ListStaleCalls(ctx context.Context, before, claimBefore time.Time, limit int) ([]pkg.CallRecord, error)
}

// FirmDirectory resolves tenants.
type FirmDirectory interface {
	GetFirm(ctx context.Context, id string) (*pkg.Firm, error)
	FirmByPhoneNumber(ctx context.Context, number string) (*pkg.Firm, error)
}

// RecordingLocator finds a call's recording when none was reported.
type RecordingLocator interface {
	LatestRecordingURL(ctx context.Context, callSid string) (string, error)
}

// SummaryGenerator produces a call summary.  It returns a usable summary
// even when it also returns an error.
type SummaryGenerator interface {
	Summarize(ctx context.Context, transcript string, intake pkg.IntakeData, urgency pkg.Urgency) (*pkg.SummaryData, error)
}

// EmailSender delivers intake notifications.
type EmailSender interface {
	SendIntake(ctx context.Context, e notify.IntakeEmail) error
}

// Archiver copies finished calls to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, call *pkg.CallRecord) (string, error)
}

// EventPublisher announces call status changes.
type EventPublisher interface {
	Notify(ctx context.Context, ev db.CallEvent) error
}

// UpsertRequest carries a mid-call intake snapshot.
type UpsertRequest struct {
	ConversationID string
	FirmID         string
	Intake         *pkg.IntakeData
}

// FinalizeRequest asks for a finished call to be transcribed, summarized
// and delivered.  Every field but ConversationID is optional.
type FinalizeRequest struct {
	ConversationID string
	Transcript     string
	PhoneNumber    string
	FirmID         string
}

// PipelineDeps wires a Pipeline.  Transcriber, Recordings, Email, Archive
// and Events may be nil.
type PipelineDeps struct {
	Calls       CallRepository
	Firms       FirmDirectory
	Summaries   SummaryGenerator
	Transcriber speech.Transcriber
	Recordings  RecordingLocator
	Email       EmailSender
	Archive     Archiver
	Events      EventPublisher
	ClaimTTL    time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
}

// Pipeline is the post-call finalization pipeline.  Any number of triggers
// may fire for one call; the claim on the call record and the terminal
// statuses make sure only one of them produces a notification.
type Pipeline struct {
	PipelineDeps
	now func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NopMetrics()
	}
	if d.ClaimTTL <= 0 {
		d.ClaimTTL = 10 * time.Minute
	}
	return &Pipeline{PipelineDeps: d, now: time.Now}
}

// Upsert keeps a durable intake snapshot ahead of call completion.  A record
// is only created when the firm is known.
func (p *Pipeline) Upsert(ctx context.Context, req UpsertRequest) error {
	if req.ConversationID == "" {
		return errors.New("upsert: conversation id is required")
	}
	call, err := p.Calls.GetCallByConversation(ctx, req.ConversationID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if req.FirmID == "" {
			p.Logger.DebugContext(ctx, "upsert without firm, nothing to create",
				"conversation_id", req.ConversationID)
			return nil
		}
		call, err = p.Calls.CreateCall(ctx, req.ConversationID, req.FirmID, nil)
		if err != nil {
			return fmt.Errorf("create call: %w", err)
		}
		p.publish(ctx, call, call.Status)
	case err != nil:
		return fmt.Errorf("load call: %w", err)
	}

	if req.Intake == nil || req.Intake.IsEmpty() {
		return nil
	}
	urgency := pkg.MaxUrgency(call.Urgency, req.Intake.Classify())
	if err := p.Calls.MergeIntake(ctx, call.ID, *req.Intake, urgency); err != nil {
		return fmt.Errorf("merge intake: %w", err)
	}
	return nil
}

// ProcessCall finalizes the call with the given provider call id.
func (p *Pipeline) ProcessCall(ctx context.Context, callSid string) error {
	return p.Finalize(ctx, FinalizeRequest{ConversationID: callSid})
}

// Finalize runs the pipeline for one call.  Duplicate requests are absorbed:
// a call that already reached a terminal status, or whose claim is held by
// another worker, is skipped without side effects.
func (p *Pipeline) Finalize(ctx context.Context, req FinalizeRequest) (err error) {
	ctx, span := p.Tracer.Start(ctx, "finalize.run",
		attribute.String("call.conversation_id", req.ConversationID))
	defer span.End()
	defer func() {
		if err != nil {
			observability.RecordError(span, err)
			p.Metrics.Finalizations.WithLabelValues("failed").Inc()
		}
	}()

	call, err := p.Calls.GetCallByConversation(ctx, req.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		p.Logger.WarnContext(ctx, "finalize: no call record", "conversation_id", req.ConversationID)
		p.Metrics.Finalizations.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	ctx = observability.WithFirm(observability.WithCall(ctx, call.ID), call.FirmID)

	if call.Status.IsTerminal() {
		p.Logger.InfoContext(ctx, "finalize: already finished", "status", call.Status)
		p.Metrics.Finalizations.WithLabelValues("skipped").Inc()
		return nil
	}
	claimed, err := p.Calls.ClaimFinalize(ctx, call.ID, p.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim call: %w", err)
	}
	if !claimed {
		p.Logger.InfoContext(ctx, "finalize: claimed by another worker")
		p.Metrics.Finalizations.WithLabelValues("skipped").Inc()
		return nil
	}
	sent := false
	defer func() {
		if err == nil || sent {
			return
		}
		if rerr := p.Calls.ReleaseFinalize(context.WithoutCancel(ctx), call.ID); rerr != nil {
			p.Logger.ErrorContext(ctx, "release finalize claim", "error", rerr)
		}
	}()

	transcript := p.resolveTranscript(ctx, call, req)

	var from *string
	if v := strings.TrimSpace(req.PhoneNumber); v != "" {
		from = &v
	}
	if err := p.Calls.BeginSummarizing(ctx, call.ID, transcript, from, p.now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.Metrics.Finalizations.WithLabelValues("skipped").Inc()
			return nil
		}
		return fmt.Errorf("store transcript: %w", err)
	}
	p.publish(ctx, call, pkg.StatusSummarizing)

	summary, serr := p.Summaries.Summarize(ctx, transcript, call.Intake, call.Urgency)
	if serr != nil {
		p.Logger.WarnContext(ctx, "summarization failed, using fallback summary", "error", serr)
	}
	if summary == nil {
		summary = FallbackSummary(call.Intake, call.Urgency)
	}
	if err := p.Calls.SetSummary(ctx, call.ID, summary); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}

	status, errMsg, err := p.deliver(ctx, call, summary, transcript, from)
	if err != nil {
		return err
	}
	// A notification may have gone out; the claim is held from here on.
	sent = true
	changed, err := p.Calls.UpdateStatus(ctx, call.ID, status, errMsg)
	if err != nil {
		p.Logger.WarnContext(ctx, "store status, retrying", "error", err)
		changed, err = p.Calls.UpdateStatus(context.WithoutCancel(ctx), call.ID, status, errMsg)
	}
	if err != nil {
		return fmt.Errorf("store status: %w", err)
	}
	if !changed {
		p.Metrics.Finalizations.WithLabelValues("skipped").Inc()
		return nil
	}
	p.Metrics.Finalizations.WithLabelValues(string(status)).Inc()
	p.publish(ctx, call, status)
	p.Logger.InfoContext(ctx, "call finalized", "status", status, "urgency", summary.UrgencyLevel)

	p.archive(ctx, call.ID)
	return nil
}

func (p *Pipeline) resolveTranscript(ctx context.Context, call *pkg.CallRecord, req FinalizeRequest) string {
	if t := strings.TrimSpace(req.Transcript); t != "" {
		return t
	}
	if t := strings.TrimSpace(pkg.Value(call.TranscriptText, "")); t != "" && t != NoTranscript {
		return t
	}
	if p.Transcriber == nil {
		return NoTranscript
	}

	url := pkg.Value(call.RecordingURL, "")
	if url == "" && p.Recordings != nil {
		found, err := p.Recordings.LatestRecordingURL(ctx, call.ConversationID)
		if err != nil {
			p.Logger.WarnContext(ctx, "recording lookup failed", "error", err)
		}
		if found != "" {
			url = found
			if err := p.Calls.SetRecordingURL(ctx, call.ID, url); err != nil {
				p.Logger.WarnContext(ctx, "store recording url", "error", err)
			}
		}
	}
	if url == "" {
		return NoTranscript
	}

	if call.Status == pkg.StatusInProgress {
		if ok, err := p.Calls.UpdateStatus(ctx, call.ID, pkg.StatusTranscribing, nil); err == nil && ok {
			p.publish(ctx, call, pkg.StatusTranscribing)
		}
	}
	text, err := p.Transcriber.Transcribe(ctx, url)
	if err != nil {
		p.Logger.WarnContext(ctx, "transcription failed", "error", err)
		return NoTranscript
	}
	if strings.TrimSpace(text) == "" {
		return NoTranscript
	}
	return text
}

// deliver sends the notification email and returns the call's terminal
// status.  A firm without recipients is not a failure.
func (p *Pipeline) deliver(ctx context.Context, call *pkg.CallRecord, summary *pkg.SummaryData, transcript string, from *string) (pkg.CallStatus, *string, error) {
	firm, err := p.Firms.GetFirm(ctx, call.FirmID)
	if errors.Is(err, db.ErrNotFound) {
		p.Logger.WarnContext(ctx, "call has no firm, skipping email")
		p.Metrics.Emails.WithLabelValues("no_recipients").Inc()
		return pkg.StatusEmailed, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load firm: %w", err)
	}
	if len(firm.NotifyEmails) == 0 {
		p.Metrics.Emails.WithLabelValues("no_recipients").Inc()
		return pkg.StatusEmailed, nil, nil
	}
	if p.Email == nil {
		p.Logger.ErrorContext(ctx, "intake email not sent, no sender configured")
		p.Metrics.Emails.WithLabelValues("error").Inc()
		msg := "Email failed: " + ErrNoSender.Error()
		return pkg.StatusError, &msg, nil
	}

	fromNumber := pkg.Value(from, pkg.Value(call.FromNumber, ""))
	recording := pkg.Value(call.RecordingURL, "")
	if fresh, err := p.Calls.GetCall(ctx, call.ID); err == nil {
		recording = pkg.Value(fresh.RecordingURL, recording)
	}
	err = p.Email.SendIntake(ctx, notify.IntakeEmail{
		To:           firm.NotifyEmails,
		FirmName:     firm.Name,
		CallID:       call.ID,
		FromNumber:   fromNumber,
		RecordingURL: recording,
		Summary:      summary,
		Intake:       call.Intake,
		Transcript:   transcript,
	})
	if err != nil {
		p.Logger.ErrorContext(ctx, "intake email failed", "error", err)
		p.Metrics.Emails.WithLabelValues("error").Inc()
		msg := "Email failed: " + err.Error()
		return pkg.StatusError, &msg, nil
	}
	p.Metrics.Emails.WithLabelValues("sent").Inc()
	return pkg.StatusEmailed, nil, nil
}

func (p *Pipeline) archive(ctx context.Context, id string) {
	if p.Archive == nil {
		return
	}
	call, err := p.Calls.GetCall(ctx, id)
	if err != nil {
		p.Logger.WarnContext(ctx, "archive: reload call", "error", err)
		return
	}
	loc, err := p.Archive.Archive(ctx, call)
	if err != nil {
		p.Logger.WarnContext(ctx, "archive failed", "error", err)
		return
	}
	p.Logger.DebugContext(ctx, "call archived", "location", loc)
}

func (p *Pipeline) publish(ctx context.Context, call *pkg.CallRecord, status pkg.CallStatus) {
	if p.Events == nil {
		return
	}
	ev := db.CallEvent{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		FirmID:         call.FirmID,
		Status:         status,
		Urgency:        call.Urgency,
	}
	if err := p.Events.Notify(ctx, ev); err != nil {
		p.Logger.WarnContext(ctx, "publish call event", "status", status, "error", err)
	}
}
