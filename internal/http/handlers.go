package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intake-assistant/internal/core"
	"intake-assistant/internal/db"
	"intake-assistant/internal/telephony"
	"intake-assistant/pkg"
)

const maxBodyBytes = 1 << 20

// CallFlow is the live call state machine behind the Twilio webhooks.
type CallFlow interface {
	StartCall(ctx context.Context, in core.InboundCall) *telephony.Response
	HandleTurn(ctx context.Context, t core.Turn) *telephony.Response
	CallStatusChanged(ctx context.Context, callSid, status string) error
	RecordingReady(ctx context.Context, callSid, recordingURL string) error
}

// IntakePipeline receives provider webhook events.
type IntakePipeline interface {
	Upsert(ctx context.Context, req core.UpsertRequest) error
	Finalize(ctx context.Context, req core.FinalizeRequest) error
}

// AudioSource serves synthesized audio by key.
type AudioSource interface {
	Get(key string) ([]byte, bool)
}

// CallDeleter removes call records.
type CallDeleter interface {
	DeleteCall(ctx context.Context, id string) error
}

// Deps wires a Server.  Audio, Deleter, Health and Gatherer may be nil.
type Deps struct {
	Calls    CallFlow
	Intake   IntakePipeline
	Firms    core.FirmDirectory
	Queue    core.Enqueuer
	Audio    AudioSource
	Deleter  CallDeleter
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer

	// AuthToken enables Twilio signature checks when set.
	AuthToken string
	// PublicURL is the base URL Twilio signs requests against.
	PublicURL  string
	AdminToken string
	Voice      string
	Language   string
	Logger     *slog.Logger
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.ListenAndServe.
type Server struct {
	Deps
	mux *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Voice == "" {
		d.Voice = "alice"
	}
	if d.Language == "" {
		d.Language = "en-US"
	}
	s := &Server{Deps: d, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/twilio/voice", s.twiml(s.handleVoice))
	s.mux.HandleFunc("POST /api/twilio/gather", s.twiml(s.handleGather))
	s.mux.HandleFunc("POST /api/twilio/status", s.twilio(s.handleStatus))
	s.mux.HandleFunc("POST /api/twilio/recording-status", s.twilio(s.handleRecordingStatus))
	s.mux.HandleFunc("POST /api/voice/webhook", s.handleWebhook)
	s.mux.HandleFunc("POST /api/process-call", s.handleProcessCall)
	s.mux.HandleFunc("GET /api/audio/{file}", s.handleAudio)
	if d.AdminToken != "" && d.Deleter != nil {
		s.mux.HandleFunc("DELETE /api/calls/{id}", s.handleDeleteCall)
	}
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP dispatches to the registered routes and logs each request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.Logger.DebugContext(r.Context(), "http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration_ms", time.Since(started).Milliseconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// twilio parses the form and rejects requests without a valid signature.
func (s *Server) twilio(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if s.AuthToken != "" && !telephony.VerifyRequest(s.AuthToken, s.PublicURL, r) {
			s.Logger.WarnContext(r.Context(), "rejected webhook with bad signature", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// twiml is twilio plus a guarantee that the caller hears an apology rather
// than silence if the handler panics.
func (s *Server) twiml(next http.HandlerFunc) http.HandlerFunc {
	return s.twilio(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.Logger.ErrorContext(r.Context(), "twiml handler panic", "panic", fmt.Sprint(p))
				s.writeTwiML(w, core.ApologyResponse(s.Voice, s.Language))
			}
		}()
		next(w, r)
	})
}

func (s *Server) writeTwiML(w http.ResponseWriter, resp *telephony.Response) {
	if resp == nil {
		resp = core.ApologyResponse(s.Voice, s.Language)
	}
	body, err := resp.Bytes()
	if err != nil {
		s.Logger.Error("encode twiml", "error", err)
		body, _ = core.ApologyResponse(s.Voice, s.Language).Bytes()
	}
	w.Header().Set("Content-Type", telephony.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	resp := s.Calls.StartCall(r.Context(), core.InboundCall{
		CallSid: r.PostForm.Get("CallSid"),
		FirmID:  r.URL.Query().Get("firmId"),
		From:    r.PostForm.Get("From"),
		To:      r.PostForm.Get("To"),
	})
	s.writeTwiML(w, resp)
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callSid := q.Get("callSid")
	if callSid == "" {
		callSid = r.PostForm.Get("CallSid")
	}
	resp := s.Calls.HandleTurn(r.Context(), core.Turn{
		CallSid:      callSid,
		FirmID:       q.Get("firmId"),
		Stage:        q.Get("stage"),
		SpeechResult: r.PostForm.Get("SpeechResult"),
	})
	s.writeTwiML(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callSid := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if err := s.Calls.CallStatusChanged(r.Context(), callSid, status); err != nil {
		s.Logger.ErrorContext(r.Context(), "call status callback", "call_sid", callSid, "status", status, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	callSid := r.URL.Query().Get("callSid")
	if callSid == "" {
		callSid = r.PostForm.Get("CallSid")
	}
	if err := s.Calls.RecordingReady(r.Context(), callSid, r.PostForm.Get("RecordingUrl")); err != nil {
		s.Logger.ErrorContext(r.Context(), "recording status callback", "call_sid", callSid, "error", err)
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type webhookPayload struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id"`
	Transcript     string          `json:"transcript"`
	StructuredData *pkg.IntakeData `json:"structuredData"`
	PhoneNumber    string          `json:"phoneNumber"`
	Metadata       struct {
		FirmID string `json:"firmId"`
	} `json:"metadata"`
}

// handleWebhook takes conversation events from a hosted voice agent.  It
// always answers 200 so the provider does not retry; finalize is idempotent
// and the sweeper picks up anything lost.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	var p webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		s.Logger.WarnContext(r.Context(), "undecodable webhook", "error", err)
		return
	}
	ctx := r.Context()
	log := s.Logger.With("event", p.Event, "conversation_id", p.ConversationID)

	firmID := p.Metadata.FirmID
	if firmID == "" && p.PhoneNumber != "" && s.Firms != nil {
		firm, err := s.Firms.FirmByPhoneNumber(ctx, p.PhoneNumber)
		switch {
		case err == nil:
			firmID = firm.ID
		case !errors.Is(err, db.ErrNotFound):
			log.WarnContext(ctx, "webhook firm lookup", "error", err)
		}
	}

	var err error
	switch p.Event {
	case "conversation.updated":
		err = s.Intake.Upsert(ctx, core.UpsertRequest{
			ConversationID: p.ConversationID,
			FirmID:         firmID,
			Intake:         p.StructuredData,
		})
	case "conversation.completed":
		if p.StructuredData != nil && !p.StructuredData.IsEmpty() {
			if uerr := s.Intake.Upsert(ctx, core.UpsertRequest{
				ConversationID: p.ConversationID,
				FirmID:         firmID,
				Intake:         p.StructuredData,
			}); uerr != nil {
				log.WarnContext(ctx, "webhook final upsert", "error", uerr)
			}
		}
		err = s.Intake.Finalize(ctx, core.FinalizeRequest{
			ConversationID: p.ConversationID,
			Transcript:     p.Transcript,
			PhoneNumber:    p.PhoneNumber,
			FirmID:         firmID,
		})
	default:
		log.DebugContext(ctx, "ignoring webhook event")
	}
	if err != nil {
		log.ErrorContext(ctx, "webhook handling failed", "error", err)
	}
}

func (s *Server) handleProcessCall(w http.ResponseWriter, r *http.Request) {
	callSid := strings.TrimSpace(r.URL.Query().Get("callSid"))
	if callSid == "" {
		http.Error(w, "Missing callSid", http.StatusBadRequest)
		return
	}
	queued := s.Queue.Enqueue(core.FinalizeRequest{ConversationID: callSid})
	writeJSON(w, http.StatusAccepted, map[string]any{"callSid": callSid, "queued": queued})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutSuffix(r.PathValue("file"), ".mp3")
	if !ok || key == "" || s.Audio == nil {
		http.NotFound(w, r)
		return
	}
	audio, ok := s.Audio.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(audio)
}

func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	err := s.Deleter.DeleteCall(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, "Call not found", http.StatusNotFound)
	case err != nil:
		s.Logger.ErrorContext(r.Context(), "delete call", "error", err)
		http.Error(w, "Failed to delete call", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
