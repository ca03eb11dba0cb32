package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/internal/core"
	"intake-assistant/internal/db"
	"intake-assistant/internal/observability"
	"intake-assistant/internal/telephony"
	"intake-assistant/pkg"
)

type fakeFlow struct {
	mu        sync.Mutex
	starts    []core.InboundCall
	turns     []core.Turn
	statuses  []string
	recording map[string]string
	panicTurn bool
	recErr    error
}

func (f *fakeFlow) StartCall(_ context.Context, in core.InboundCall) *telephony.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	return telephony.NewResponse().Say("alice", "en-US", "hello "+in.CallSid)
}

func (f *fakeFlow) HandleTurn(_ context.Context, t core.Turn) *telephony.Response {
	if f.panicTurn {
		panic("kaboom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
	return telephony.NewResponse().Say("alice", "en-US", "you said "+t.SpeechResult)
}

func (f *fakeFlow) CallStatusChanged(_ context.Context, callSid, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, callSid+":"+status)
	return nil
}

func (f *fakeFlow) RecordingReady(_ context.Context, callSid, recordingURL string) error {
	if f.recErr != nil {
		return f.recErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == nil {
		f.recording = map[string]string{}
	}
	f.recording[callSid] = recordingURL
	return nil
}

type fakeIntake struct {
	mu        sync.Mutex
	upserts   []core.UpsertRequest
	finalizes []core.FinalizeRequest
	err       error
}

func (f *fakeIntake) Upsert(_ context.Context, req core.UpsertRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, req)
	return f.err
}

func (f *fakeIntake) Finalize(_ context.Context, req core.FinalizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes = append(f.finalizes, req)
	return f.err
}

type fakeQueue struct{ jobs []core.FinalizeRequest }

func (q *fakeQueue) Enqueue(req core.FinalizeRequest) bool {
	q.jobs = append(q.jobs, req)
	return true
}

type audioMap map[string][]byte

func (a audioMap) Get(key string) ([]byte, bool) {
	b, ok := a[key]
	return b, ok
}

const firmID = "9a5c1f7e-4b1d-4c55-8a59-3f3f0f6f9d11"

type fixture struct {
	srv    *Server
	flow   *fakeFlow
	intake *fakeIntake
	queue  *fakeQueue
	repo   *db.MemoryRepository
}

func newFixture(mod func(*Deps)) *fixture {
	repo := db.NewMemoryRepository()
	repo.PutFirm(pkg.Firm{ID: firmID, Name: "Smith & Jones", ProviderPhoneNumber: pkg.String("+15550001111")})
	f := &fixture{flow: &fakeFlow{}, intake: &fakeIntake{}, queue: &fakeQueue{}, repo: repo}
	d := Deps{
		Calls:    f.flow,
		Intake:   f.intake,
		Firms:    repo,
		Queue:    f.queue,
		Audio:    audioMap{"abc123": []byte("ID3-audio")},
		Deleter:  repo,
		Gatherer: prometheus.NewRegistry(),
		Logger:   observability.Discard(),
	}
	if mod != nil {
		mod(&d)
	}
	f.srv = NewServer(d)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestVoiceReturnsTwiML(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(formRequest("/api/twilio/voice?firmId="+firmID, url.Values{
		"CallSid": {"CA1"}, "From": {"+15557654321"}, "To": {"+15550001111"},
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, telephony.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "hello CA1")
	require.Len(t, f.flow.starts, 1)
	assert.Equal(t, core.InboundCall{CallSid: "CA1", FirmID: firmID, From: "+15557654321", To: "+15550001111"}, f.flow.starts[0])
}

func TestGatherPassesStageHint(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(formRequest("/api/twilio/gather?callSid=CA1&firmId="+firmID+"&stage=REASON", url.Values{
		"CallSid": {"CA1"}, "SpeechResult": {"I was in a crash"},
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "you said I was in a crash")
	assert.Equal(t, []core.Turn{{CallSid: "CA1", FirmID: firmID, Stage: "REASON", SpeechResult: "I was in a crash"}}, f.flow.turns)
}

func TestGatherPanicApologizes(t *testing.T) {
	f := newFixture(nil)
	f.flow.panicTurn = true
	rec := f.do(formRequest("/api/twilio/gather?callSid=CA1", url.Values{"SpeechResult": {"hi"}}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, telephony.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), core.ApologyMessage)
	assert.Contains(t, rec.Body.String(), "<Hangup></Hangup>")
}

func TestTwilioSignatureRequired(t *testing.T) {
	const token = "secret-token"
	f := newFixture(func(d *Deps) {
		d.AuthToken = token
		d.PublicURL = "https://intake.example.com"
	})
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}

	rec := f.do(formRequest("/api/twilio/status", form))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.flow.statuses)

	req := formRequest("/api/twilio/status", form)
	req.Header.Set(telephony.SignatureHeader, telephony.Signature(token, "https://intake.example.com/api/twilio/status", form))
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"CA1:completed"}, f.flow.statuses)
}

func TestRecordingStatus(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(formRequest("/api/twilio/recording-status?callSid=CA1", url.Values{
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://api.twilio.com/rec/RE1", f.flow.recording["CA1"])

	f.flow.recErr = errors.New("db down")
	rec = f.do(formRequest("/api/twilio/recording-status?callSid=CA1", url.Values{"RecordingUrl": {"x"}}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookEvents(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/voice/webhook", strings.NewReader(`{
		"event": "conversation.updated",
		"conversation_id": "conv-1",
		"phoneNumber": "+15550001111",
		"structuredData": {"full_name": "Jane Roe"}
	}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, f.intake.upserts, 1)
	assert.Equal(t, firmID, f.intake.upserts[0].FirmID)
	assert.Equal(t, "Jane Roe", pkg.Value(f.intake.upserts[0].Intake.FullName, ""))

	f.do(httptest.NewRequest(http.MethodPost, "/api/voice/webhook", strings.NewReader(`{
		"event": "conversation.completed",
		"conversation_id": "conv-1",
		"transcript": "Agent: Hi",
		"phoneNumber": "+15557654321",
		"metadata": {"firmId": "`+firmID+`"}
	}`)))
	assert.Equal(t, []core.FinalizeRequest{{
		ConversationID: "conv-1",
		Transcript:     "Agent: Hi",
		PhoneNumber:    "+15557654321",
		FirmID:         firmID,
	}}, f.intake.finalizes)
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	f := newFixture(nil)
	f.intake.err = errors.New("boom")

	for _, body := range []string{`not json`, `{"event":"conversation.completed","conversation_id":"c"}`, `{"event":"other"}`} {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/voice/webhook", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rec.Code, body)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String(), body)
	}
}

func TestProcessCall(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/process-call", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/process-call?callSid=CA1", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"callSid":"CA1","queued":true}`, rec.Body.String())
	assert.Equal(t, []core.FinalizeRequest{{ConversationID: "CA1"}}, f.queue.jobs)
}

func TestAudio(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/audio/abc123.mp3", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ID3-audio", rec.Body.String())

	for _, path := range []string{"/api/audio/missing.mp3", "/api/audio/abc123.wav"} {
		rec = f.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestDeleteCall(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/calls/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f = newFixture(func(d *Deps) { d.AdminToken = "admin" })
	call, err := f.repo.CreateCall(context.Background(), "CA1", firmID, nil)
	require.NoError(t, err)

	del := func(id, token string) int {
		req := httptest.NewRequest(http.MethodDelete, "/api/calls/"+id, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return f.do(req).Code
	}
	assert.Equal(t, http.StatusUnauthorized, del(call.ID, ""))
	assert.Equal(t, http.StatusUnauthorized, del(call.ID, "wrong"))
	assert.Equal(t, http.StatusNoContent, del(call.ID, "admin"))
	assert.Equal(t, http.StatusNotFound, del(call.ID, "admin"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.Turns.WithLabelValues("START", "ok").Inc()
	f = newFixture(func(d *Deps) {
		d.Gatherer = reg
		d.Health = func(context.Context) error { return errors.New("db unreachable") }
	})

	rec = f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `intake_turns_total{outcome="ok",stage="START"} 1`)
}
