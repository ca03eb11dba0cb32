package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"intake-assistant/internal/db"
	"intake-assistant/internal/observability"
	"intake-assistant/internal/session"
	"intake-assistant/internal/speech"
	"intake-assistant/internal/telephony"
	"intake-assistant/pkg"
)

// Callback paths the telephony provider is pointed at.
const (
	GatherPath          = "/api/twilio/gather"
	RecordingStatusPath = "/api/twilio/recording-status"
)

// Decider produces the next conversational move for a turn.
type Decider interface {
	Process(ctx context.Context, tc TurnContext) (Decision, error)
}

// AudioSynthesizer turns reply text into a cached audio key.
type AudioSynthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// RecordingStarter starts recording a live call.
type RecordingStarter interface {
	StartRecording(ctx context.Context, callSid, callbackURL string) error
}

// InboundCall is a new call reaching the service.
type InboundCall struct {
	CallSid string
	FirmID  string
	From    string
	To      string
}

// Turn is one recognized caller utterance.  Stage is the stage the previous
// response was issued in; it seeds a fresh session after a restart.
type Turn struct {
	CallSid      string
	FirmID       string
	Stage        string
	SpeechResult string
}

// OrchestratorDeps wires an Orchestrator.  Speech, Recorder, Events and
// CallbackURL may be nil.
type OrchestratorDeps struct {
	Sessions session.Store
	Locker   session.Locker
	Decider  Decider
	Calls    CallRepository
	Firms    FirmDirectory
	Speech   AudioSynthesizer
	Recorder RecordingStarter
	Finalize Enqueuer
	Events   EventPublisher
	Voice    string
	Language string
	// CallbackURL makes a path absolute for the telephony provider.
	CallbackURL func(path string) string
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
}

// Orchestrator runs the per-turn control loop of live calls.  Turns for the
// same call are serialized by the Locker; different calls run in parallel.
// Every entry point returns TwiML, so the caller never hears dead air.
type Orchestrator struct {
	OrchestratorDeps
	now func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	if d.Locker == nil {
		d.Locker = session.NewLocalLocker(0)
	}
	if d.Voice == "" {
		d.Voice = "alice"
	}
	if d.Language == "" {
		d.Language = "en-US"
	}
	if d.CallbackURL == nil {
		d.CallbackURL = func(p string) string { return p }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NopMetrics()
	}
	return &Orchestrator{OrchestratorDeps: d, now: time.Now}
}

// StartCall greets a new caller and starts listening.
func (o *Orchestrator) StartCall(ctx context.Context, in InboundCall) (resp *telephony.Response) {
	ctx = observability.WithCall(ctx, in.CallSid)
	ctx, span := o.Tracer.Start(ctx, "call.start", observability.CallAttrs(in.CallSid, in.FirmID)...)
	defer span.End()
	defer o.recoverTo(ctx, span, &resp)

	if in.CallSid == "" {
		return o.apology(ctx, span, errors.New("inbound call without call sid"))
	}
	firm, err := o.resolveFirm(ctx, in.FirmID, in.To)
	if err != nil {
		return o.apology(ctx, span, err)
	}
	ctx = observability.WithFirm(ctx, firm.ID)

	var from *string
	if in.From != "" {
		from = &in.From
	}
	if call, err := o.Calls.CreateCall(ctx, in.CallSid, firm.ID, from); err != nil {
		o.Logger.ErrorContext(ctx, "create call record", "error", err)
	} else {
		o.publish(ctx, call, call.Status)
	}

	greeting := Greeting(firm)
	if _, err := o.Sessions.Create(ctx, in.CallSid); err != nil {
		o.Logger.ErrorContext(ctx, "create session", "error", err)
	} else if _, err := o.Sessions.Update(ctx, in.CallSid, func(s *session.Session) error {
		s.Append(pkg.RoleAssistant, greeting)
		return nil
	}); err != nil {
		o.Logger.WarnContext(ctx, "record greeting", "error", err)
	}
	o.trackSessions(ctx)
	o.startRecording(ctx, in.CallSid)

	resp = telephony.NewResponse()
	resp.Gather(o.gatherURL(in.CallSid, firm.ID, pkg.StageStart), o.Language, o.speak(ctx, greeting))
	resp.Say(o.Voice, o.Language, NoInputMessage).Hangup()
	return resp
}

// HandleTurn processes one caller utterance and returns the next
// instruction for the telephony provider.
func (o *Orchestrator) HandleTurn(ctx context.Context, t Turn) (resp *telephony.Response) {
	started := o.now()
	stage := t.Stage
	if stage == "" {
		stage = string(pkg.StageStart)
	}
	ctx = observability.WithFirm(observability.WithCall(ctx, t.CallSid), t.FirmID)
	ctx, span := o.Tracer.Start(ctx, "turn.handle", append(observability.CallAttrs(t.CallSid, t.FirmID), observability.StageAttr(stage))...)
	defer span.End()
	defer func() { o.Metrics.TurnDuration.Observe(o.now().Sub(started).Seconds()) }()
	defer o.recoverTo(ctx, span, &resp)

	if t.CallSid == "" {
		o.Metrics.Turns.WithLabelValues(stage, "error").Inc()
		return o.apology(ctx, span, errors.New("turn without call sid"))
	}
	if err := o.Locker.Lock(ctx, t.CallSid); err != nil {
		o.Metrics.Turns.WithLabelValues(stage, "error").Inc()
		return o.apology(ctx, span, fmt.Errorf("acquire turn lock: %w", err))
	}
	defer o.Locker.Unlock(t.CallSid)

	resp, outcome, err := o.turn(ctx, t)
	if err != nil {
		o.Metrics.Turns.WithLabelValues(stage, "error").Inc()
		return o.apology(ctx, span, err)
	}
	o.Metrics.Turns.WithLabelValues(stage, outcome).Inc()
	return resp
}

func (o *Orchestrator) turn(ctx context.Context, t Turn) (*telephony.Response, string, error) {
	firm := o.loadFirm(ctx, t.FirmID)
	firmName, knowledge := "", ""
	firmID := t.FirmID
	if firm != nil {
		firmName = firm.Name
		knowledge = pkg.Value(firm.KnowledgeBase, "")
		firmID = firm.ID
	}

	sess, err := o.Sessions.Get(ctx, t.CallSid)
	if errors.Is(err, session.ErrNotFound) {
		sess, err = o.seedSession(ctx, t)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load session: %w", err)
	}

	utterance := strings.TrimSpace(t.SpeechResult)
	history := append([]pkg.Utterance(nil), sess.History...)
	if utterance != "" {
		history = append(history, pkg.Utterance{Role: pkg.RoleUser, Content: utterance})
	}

	decision, err := o.Decider.Process(ctx, TurnContext{
		Stage:         sess.Stage,
		Filled:        sess.Filled,
		History:       history,
		FirmName:      firmName,
		KnowledgeBase: knowledge,
	})
	if err != nil {
		return nil, "", err
	}

	urgency := pkg.MaxUrgency(sess.Urgency, decision.Updates.Classify())
	done := decision.Done || decision.NextState.IsTerminal()

	say := decision.AssistantSay
	if done && decision.NextState != pkg.StageEmergency {
		say = ClosingScript(firmName)
	}

	if !decision.Updates.IsEmpty() {
		o.persistIntake(ctx, t.CallSid, firmID, decision.Updates, urgency)
	}

	if done {
		if err := o.Sessions.Delete(ctx, t.CallSid); err != nil {
			o.Logger.WarnContext(ctx, "delete session", "error", err)
		}
	} else {
		_, err := o.Sessions.Update(ctx, t.CallSid, func(s *session.Session) error {
			if utterance != "" {
				s.Append(pkg.RoleUser, utterance)
			}
			s.Filled.Merge(decision.Updates)
			s.Urgency = pkg.MaxUrgency(s.Urgency, urgency)
			s.Stage = decision.NextState
			s.Append(pkg.RoleAssistant, say)
			return nil
		})
		if err != nil {
			return nil, "", fmt.Errorf("save session: %w", err)
		}
	}
	o.trackSessions(ctx)

	resp := telephony.NewResponse()
	audio := o.speak(ctx, say)
	if done {
		resp.Verbs = append(resp.Verbs, audio)
		resp.Hangup()
		o.endCall(ctx, t.CallSid, firmID)
		return resp, "done", nil
	}
	resp.Gather(o.gatherURL(t.CallSid, firmID, decision.NextState), o.Language, audio)
	resp.Say(o.Voice, o.Language, NoInputMessage).Hangup()

	if decision.Fallback {
		return resp, "fallback", nil
	}
	return resp, "ok", nil
}

// seedSession starts a session for a call whose session is gone, resuming
// at the stage hint and with whatever intake was already persisted.
func (o *Orchestrator) seedSession(ctx context.Context, t Turn) (*session.Session, error) {
	if _, err := o.Sessions.Create(ctx, t.CallSid); err != nil {
		return nil, err
	}
	stage, err := pkg.ParseStage(t.Stage)
	if err != nil || stage.IsTerminal() {
		stage = pkg.StageStart
	}
	var filled pkg.IntakeData
	urgency := pkg.UrgencyNormal
	if call, err := o.Calls.GetCallByConversation(ctx, t.CallSid); err == nil {
		filled = call.Intake
		urgency = call.Urgency
	}
	if stage == pkg.StageStart && filled.IsEmpty() {
		return o.Sessions.Get(ctx, t.CallSid)
	}
	o.Logger.InfoContext(ctx, "resuming call without session", "stage", stage)
	return o.Sessions.Update(ctx, t.CallSid, func(s *session.Session) error {
		s.Stage = stage
		s.Filled.Merge(filled)
		s.Urgency = pkg.MaxUrgency(s.Urgency, urgency)
		return nil
	})
}

// persistIntake writes the turn's updates to the call record, creating the
// record if the call start was never seen.  Failures do not end the call.
func (o *Orchestrator) persistIntake(ctx context.Context, callSid, firmID string, updates pkg.IntakeData, urgency pkg.Urgency) {
	call, err := o.Calls.GetCallByConversation(ctx, callSid)
	if errors.Is(err, db.ErrNotFound) && firmID != "" {
		call, err = o.Calls.CreateCall(ctx, callSid, firmID, nil)
		if err == nil {
			o.publish(ctx, call, call.Status)
		}
	}
	if err != nil {
		o.Logger.ErrorContext(ctx, "persist intake: load call", "error", err)
		return
	}
	if err := o.Calls.MergeIntake(ctx, call.ID, updates, urgency); err != nil {
		o.Logger.ErrorContext(ctx, "persist intake", "error", err)
	}
}

// endCall moves the record to transcribing and hands it to the finalize
// queue without waiting.
func (o *Orchestrator) endCall(ctx context.Context, callSid, firmID string) {
	call, err := o.Calls.GetCallByConversation(ctx, callSid)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			o.Logger.ErrorContext(ctx, "end call: load call", "error", err)
		}
	} else if ok, err := o.Calls.UpdateStatus(ctx, call.ID, pkg.StatusTranscribing, nil); err != nil {
		o.Logger.ErrorContext(ctx, "mark transcribing", "error", err)
	} else if ok {
		o.publish(ctx, call, pkg.StatusTranscribing)
	}
	if o.Finalize != nil {
		o.Finalize.Enqueue(FinalizeRequest{ConversationID: callSid, FirmID: firmID})
	}
}

// CallStatusChanged handles the provider's call status callback.  A call
// that ended is cleaned up and finalized if it never was.
func (o *Orchestrator) CallStatusChanged(ctx context.Context, callSid, status string) error {
	switch strings.ToLower(status) {
	case "completed", "failed", "busy", "no-answer", "canceled":
	default:
		return nil
	}
	ctx = observability.WithCall(ctx, callSid)
	if err := o.Sessions.Delete(ctx, callSid); err != nil {
		o.Logger.WarnContext(ctx, "delete session", "error", err)
	}
	o.trackSessions(ctx)

	call, err := o.Calls.GetCallByConversation(ctx, callSid)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if err := o.Calls.MarkEnded(ctx, call.ID, o.now()); err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	if !call.Status.IsTerminal() {
		if o.Finalize != nil {
			o.Finalize.Enqueue(FinalizeRequest{ConversationID: callSid, FirmID: call.FirmID})
		}
	}
	return nil
}

// RecordingReady stores the recording reported for a call.
func (o *Orchestrator) RecordingReady(ctx context.Context, callSid, recordingURL string) error {
	if callSid == "" || recordingURL == "" {
		return nil
	}
	call, err := o.Calls.GetCallByConversation(ctx, callSid)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	return o.Calls.SetRecordingURL(ctx, call.ID, recordingURL)
}

// speak returns a Play verb for synthesized audio, or a Say verb with the
// provider's voice when synthesis is unavailable.
func (o *Orchestrator) speak(ctx context.Context, text string) any {
	spoken := speech.FormatTextWithPhoneNumbers(text)
	if o.Speech != nil {
		key, err := o.Speech.Synthesize(ctx, spoken)
		if err == nil {
			return telephony.Play{URL: o.CallbackURL(speech.AudioPath(key))}
		}
		o.Logger.WarnContext(ctx, "speech synthesis failed, using provider voice", "error", err)
	}
	o.Metrics.TTSRequests.WithLabelValues("fallback").Inc()
	return telephony.Say{Voice: o.Voice, Language: o.Language, Text: spoken}
}

func (o *Orchestrator) gatherURL(callSid, firmID string, stage pkg.Stage) string {
	q := url.Values{"callSid": {callSid}, "firmId": {firmID}, "stage": {string(stage)}}
	return o.CallbackURL(GatherPath + "?" + q.Encode())
}

func (o *Orchestrator) resolveFirm(ctx context.Context, firmID, dialed string) (*pkg.Firm, error) {
	if firmID != "" {
		firm, err := o.Firms.GetFirm(ctx, firmID)
		if err == nil {
			return firm, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("load firm: %w", err)
		}
	}
	if dialed != "" {
		firm, err := o.Firms.FirmByPhoneNumber(ctx, dialed)
		if err == nil {
			return firm, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("find firm by number: %w", err)
		}
	}
	return nil, fmt.Errorf("no firm for call (firm %q, number %q)", firmID, dialed)
}

func (o *Orchestrator) loadFirm(ctx context.Context, firmID string) *pkg.Firm {
	if firmID == "" {
		return nil
	}
	firm, err := o.Firms.GetFirm(ctx, firmID)
	if err != nil {
		o.Logger.WarnContext(ctx, "load firm for turn", "error", err)
		return nil
	}
	return firm
}

func (o *Orchestrator) startRecording(ctx context.Context, callSid string) {
	if o.Recorder == nil {
		return
	}
	callback := o.CallbackURL(RecordingStatusPath + "?" + url.Values{"callSid": {callSid}}.Encode())
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := o.Recorder.StartRecording(ctx, callSid, callback); err != nil {
			o.Logger.WarnContext(ctx, "start recording", "error", err)
		}
	}()
}

func (o *Orchestrator) trackSessions(ctx context.Context) {
	if n, err := o.Sessions.Len(ctx); err == nil {
		o.Metrics.ActiveSessions.Set(float64(n))
	}
}

func (o *Orchestrator) publish(ctx context.Context, call *pkg.CallRecord, status pkg.CallStatus) {
	if o.Events == nil || call == nil {
		return
	}
	ev := db.CallEvent{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		FirmID:         call.FirmID,
		Status:         status,
		Urgency:        call.Urgency,
	}
	if err := o.Events.Notify(ctx, ev); err != nil {
		o.Logger.WarnContext(ctx, "publish call event", "error", err)
	}
}

// apology logs err and returns the spoken apology followed by a hangup.
func (o *Orchestrator) apology(ctx context.Context, span trace.Span, err error) *telephony.Response {
	observability.RecordError(span, err)
	o.Logger.ErrorContext(ctx, "call flow failed", "error", err)
	return ApologyResponse(o.Voice, o.Language)
}

func (o *Orchestrator) recoverTo(ctx context.Context, span trace.Span, resp **telephony.Response) {
	if r := recover(); r != nil {
		*resp = o.apology(ctx, span, fmt.Errorf("panic: %v", r))
	}
}

// ApologyResponse is the TwiML for a call that cannot continue.
func ApologyResponse(voice, language string) *telephony.Response {
	return telephony.NewResponse().Say(voice, language, ApologyMessage).Hangup()
}
