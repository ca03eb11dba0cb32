package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"intake-assistant/internal/observability"
	"intake-assistant/internal/session"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Enqueuer accepts background finalize jobs.
type Enqueuer interface {
	Enqueue(req FinalizeRequest) bool
}

// SweeperConfig controls housekeeping.
type SweeperConfig struct {
	// IdleTimeout is how long a session may go without a turn.
	IdleTimeout time.Duration
	// StaleAfter is how long an unfinished call record may go untouched
	// before it is finalized anyway.
	StaleAfter time.Duration
	// ClaimTTL matches the pipeline's claim lease.  Calls stuck in
	// summarizing are retried once their claim is older than this.
	ClaimTTL time.Duration
	// Schedule is a cron expression or descriptor, e.g. "@every 1m".
	Schedule string
	// BatchSize caps stale calls handled per sweep.
	BatchSize int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evicted  int
	Enqueued int
}

// Sweeper evicts abandoned sessions and finalizes calls whose end was
// never reported.
type Sweeper struct {
	Sessions session.Store
	Calls    CallRepository
	Queue    Enqueuer
	Config   SweeperConfig
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	cron *cron.Cron
	now  func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(sessions session.Store, calls CallRepository, queue Enqueuer, cfg SweeperConfig, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Sweeper{
		Sessions: sessions,
		Calls:    calls,
		Queue:    queue,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		now:      time.Now,
	}
}

// Start schedules sweeps until Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := cronParser.Parse(s.Config.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.Config.Schedule, err)
	}
	s.cron = cron.New(cron.WithParser(cronParser))
	_, err := s.cron.AddFunc(s.Config.Schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.Logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce runs one eviction and stale-call pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if s.Sessions != nil {
		n, err := s.Sessions.Evict(ctx, s.Config.IdleTimeout)
		if err != nil {
			return res, fmt.Errorf("evict sessions: %w", err)
		}
		res.Evicted = n
		if n > 0 {
			s.Metrics.SessionsEvicted.Add(float64(n))
			s.Logger.InfoContext(ctx, "evicted idle sessions", "count", n)
		}
		if live, err := s.Sessions.Len(ctx); err == nil {
			s.Metrics.ActiveSessions.Set(float64(live))
		}
	}

	if s.Calls == nil || s.Queue == nil {
		return res, nil
	}
	now := s.now()
	stale, err := s.Calls.ListStaleCalls(ctx, now.Add(-s.Config.StaleAfter), now.Add(-s.Config.ClaimTTL), s.Config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale calls: %w", err)
	}
	for _, c := range stale {
		if s.Queue.Enqueue(FinalizeRequest{ConversationID: c.ConversationID, FirmID: c.FirmID}) {
			res.Enqueued++
		}
	}
	if res.Enqueued > 0 {
		s.Logger.InfoContext(ctx, "finalizing stale calls", "count", res.Enqueued)
	}
	return res, nil
}
