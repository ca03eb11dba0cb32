package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"intake-assistant/internal/archive"
	"intake-assistant/internal/config"
	"intake-assistant/internal/core"
	"intake-assistant/internal/db"
	httpserver "intake-assistant/internal/http"
	"intake-assistant/internal/llm"
	"intake-assistant/internal/notify"
	"intake-assistant/internal/observability"
	"intake-assistant/internal/session"
	"intake-assistant/internal/speech"
	"intake-assistant/internal/telephony"
	"intake-assistant/pkg"
)

// callStore is what the service needs from a call repository.
type callStore interface {
	core.CallRepository
	core.FirmDirectory
	DeleteCall(ctx context.Context, id string) error
}

// app holds the wired service.  Fields that depend on optional
// integrations are nil when the integration is not configured.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	sqlDB    *sql.DB
	calls    callStore
	sessions session.Store
	events   core.EventPublisher

	model      llm.Client
	audio      *speech.Cache
	twilio     *telephony.Client
	pipeline   *core.Pipeline
	dispatcher *core.Dispatcher

	closers []func(context.Context) error
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

// newApp builds storage, observability and the finalization pipeline.  The
// call flow and HTTP server are added by serve.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceVersion: version,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	switch cfg.Database.Driver {
	case "postgres":
		conn, err := openDB(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		a.sqlDB = conn
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		a.calls = db.NewRepository(conn)
		a.events = db.NewNotifier(conn, cfg.Database.NotifyChannel)
	default:
		repo := db.NewMemoryRepository()
		for _, f := range cfg.Firms {
			repo.PutFirm(firmFromConfig(f))
		}
		a.calls = repo
		logger.Warn("using in-memory call repository; records are lost on restart", "firms", len(cfg.Firms))
	}

	if cfg.Session.Store == "postgres" {
		a.sessions = session.NewPostgresStore(a.sqlDB)
	} else {
		a.sessions = session.NewMemoryStore()
	}

	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		client, err := telephony.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
		if err != nil {
			return nil, err
		}
		a.twilio = client
	}

	if cfg.TTS.Enabled {
		a.audio = speech.NewCache(speech.NewPollySynthesizer(speech.PollyConfig{
			Region:  cfg.TTS.Region,
			VoiceID: cfg.TTS.VoiceID,
			Engine:  cfg.TTS.Engine,
			Timeout: cfg.TTS.Timeout,
		}), cfg.TTS.CacheSize, a.metrics)
	}

	a.model = llm.NewOpenAIClient(llm.Config{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		ChatModel:          cfg.LLM.ChatModel,
		SummaryModel:       cfg.LLM.SummaryModel,
		ChatTemperature:    cfg.LLM.TurnTemperature,
		SummaryTemperature: cfg.LLM.SummaryTemperature,
	})

	deps := core.PipelineDeps{
		Calls:     a.calls,
		Firms:     a.calls,
		Summaries: core.NewSummarizer(a.model, logger, a.metrics, a.tracer),
		Events:    a.events,
		ClaimTTL:  cfg.Finalize.ClaimTTL,
		Logger:    logger,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
	}
	if a.twilio != nil {
		deps.Recordings = a.twilio
	}
	if cfg.Transcription.APIKey != "" {
		stt, err := speech.NewDeepgramTranscriber(speech.DeepgramConfig{
			APIKey:   cfg.Transcription.APIKey,
			Endpoint: cfg.Transcription.Endpoint,
			Model:    cfg.Transcription.Model,
			Language: cfg.Twilio.Language,
			Timeout:  cfg.Transcription.Timeout,
		})
		if err != nil {
			return nil, err
		}
		deps.Transcriber = stt
	}
	if cfg.SMTP.Host != "" {
		sender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return nil, err
		}
		deps.Email = sender
	} else {
		logger.Warn("SMTP is not configured; intake emails will not be sent")
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:   cfg.Archive.Bucket,
			Prefix:   cfg.Archive.Prefix,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		deps.Archive = archiver
	}
	a.pipeline = core.NewPipeline(deps)

	a.dispatcher = core.NewDispatcher(a.pipeline, core.DispatcherConfig{
		Workers:   cfg.Finalize.Workers,
		QueueSize: cfg.Finalize.QueueSize,
		Timeout:   cfg.Finalize.Timeout,
	}, logger)
	go func() {
		for err := range a.dispatcher.Errors() {
			var fe *core.FinalizeError
			if errors.As(err, &fe) {
				logger.Warn("finalize will be retried by the sweeper", "conversation_id", fe.ConversationID)
			}
		}
	}()
	return a, nil
}

// orchestrator builds the live call flow on top of the app.
func (a *app) orchestrator() *core.Orchestrator {
	deps := core.OrchestratorDeps{
		Sessions:    a.sessions,
		Locker:      session.NewLocalLocker(a.cfg.Session.LockTimeout),
		Decider:     core.NewTurnProcessor(a.model, a.logger, a.metrics, a.tracer),
		Calls:       a.calls,
		Firms:       a.calls,
		Finalize:    a.dispatcher,
		Events:      a.events,
		Voice:       a.cfg.Twilio.Voice,
		Language:    a.cfg.Twilio.Language,
		CallbackURL: a.cfg.CallbackURL,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	}
	if a.audio != nil {
		deps.Speech = a.audio
	}
	if a.twilio != nil {
		deps.Recorder = a.twilio
	}
	return core.NewOrchestrator(deps)
}

func (a *app) handler(flow *core.Orchestrator) *httpserver.Server {
	deps := httpserver.Deps{
		Calls:      flow,
		Intake:     a.pipeline,
		Firms:      a.calls,
		Queue:      a.dispatcher,
		Deleter:    a.calls,
		Gatherer:   a.registry,
		PublicURL:  a.cfg.CallbackURL(""),
		AdminToken: a.cfg.Server.AdminToken,
		Voice:      a.cfg.Twilio.Voice,
		Language:   a.cfg.Twilio.Language,
		Logger:     a.logger,
	}
	if a.cfg.Twilio.VerifySignatures {
		deps.AuthToken = a.cfg.Twilio.AuthToken
	}
	if a.audio != nil {
		deps.Audio = a.audio
	}
	if a.sqlDB != nil {
		deps.Health = a.sqlDB.PingContext
	}
	return httpserver.NewServer(deps)
}

func (a *app) sweeper() *core.Sweeper {
	return core.NewSweeper(a.sessions, a.calls, a.dispatcher, core.SweeperConfig{
		IdleTimeout: a.cfg.Session.IdleTimeout,
		StaleAfter:  a.cfg.Finalize.StaleAfter,
		ClaimTTL:    a.cfg.Finalize.ClaimTTL,
		Schedule:    a.cfg.Finalize.SweepSchedule,
	}, a.logger, a.metrics)
}

// close drains background work and releases resources in reverse order.
func (a *app) close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.logger.Warn("finalize queue not drained", "pending", a.dispatcher.Pending(), "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}

func firmFromConfig(f config.FirmConfig) pkg.Firm {
	firm := pkg.Firm{
		ID:           f.ID,
		Name:         f.Name,
		NotifyEmails: f.NotifyEmails,
	}
	if v := strings.TrimSpace(f.Greeting); v != "" {
		firm.GreetingCustom = &v
	}
	if v := strings.TrimSpace(f.KnowledgeBase); v != "" {
		firm.KnowledgeBase = &v
	}
	if v := strings.TrimSpace(f.PhoneNumber); v != "" {
		firm.ProviderPhoneNumber = &v
	}
	firm.Timezone = strings.TrimSpace(f.Timezone)
	return firm
}
