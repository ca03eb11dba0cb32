package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Finalizer runs finalization for one call.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) error
}

// DispatcherConfig sizes the background finalize workers.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single finalize job.
	Timeout time.Duration
}

// FinalizeError reports a failed background finalize job.
type FinalizeError struct {
	ConversationID string
	Err            error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.ConversationID, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Dispatcher runs finalize jobs off the request path.  Enqueue never blocks;
// a job for a conversation that is already queued or running is dropped.
// Failures are logged and published on Errors.
type Dispatcher struct {
	finalizer Finalizer
	cfg       DispatcherConfig
	logger    *slog.Logger

	queue chan FinalizeRequest
	errs  chan error
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewDispatcher starts cfg.Workers workers.
func NewDispatcher(f Finalizer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		finalizer: f,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan FinalizeRequest, cfg.QueueSize),
		errs:      make(chan error, cfg.QueueSize),
		pending:   make(map[string]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules finalization and reports whether the job was accepted.
func (d *Dispatcher) Enqueue(req FinalizeRequest) bool {
	if req.ConversationID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("finalize dispatcher closed, dropping job", "conversation_id", req.ConversationID)
		return false
	}
	if _, ok := d.pending[req.ConversationID]; ok {
		d.logger.Debug("finalize already pending", "conversation_id", req.ConversationID)
		return false
	}
	select {
	case d.queue <- req:
		d.pending[req.ConversationID] = struct{}{}
		return true
	default:
		d.logger.Warn("finalize queue full, dropping job", "conversation_id", req.ConversationID)
		return false
	}
}

// Errors delivers failed jobs.  Errors are dropped when nobody reads them.
func (d *Dispatcher) Errors() <-chan error { return d.errs }

// Pending reports the number of queued or running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops accepting jobs and waits for queued ones to finish or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for req := range d.queue {
		d.run(req)
	}
}

func (d *Dispatcher) run(req FinalizeRequest) {
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ConversationID)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	err := d.safeFinalize(ctx, req)
	if err == nil {
		return
	}
	d.logger.Error("background finalize failed", "conversation_id", req.ConversationID, "error", err)
	select {
	case d.errs <- &FinalizeError{ConversationID: req.ConversationID, Err: err}:
	default:
	}
}

func (d *Dispatcher) safeFinalize(ctx context.Context, req FinalizeRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.finalizer.Finalize(ctx, req)
}
