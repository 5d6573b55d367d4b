package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhorvath-dev/wa-scheduler/internal/gateway"
	"github.com/bhorvath-dev/wa-scheduler/internal/model"
	"github.com/bhorvath-dev/wa-scheduler/internal/store"
)

// Sender performs one send attempt through the messaging gateway using the
// credentials frozen on the job.
type Sender interface {
	Send(ctx context.Context, cfg model.GatewayConfig, recipient, body string) gateway.Result
}

// Summary reports one sweep: Total is the number of jobs scanned, Processed
// the number whose state the sweep changed (sent, failed or retried).
type Summary struct {
	Processed int
	Total     int
}

type Config struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// SendTimeout bounds a single gateway round trip so one hanging
	// provider call cannot stall the cycle.
	SendTimeout time.Duration
	// MaxRetries is the number of send attempts a job gets before a
	// transient failure becomes terminal. 1 means no retries.
	MaxRetries int
}

// Engine converts "time has passed" into "message was attempted". It owns
// the periodic sweep loop; Sweep is also callable on demand. Sweeps are
// serialized by a mutex, so a manual trigger overlapping the periodic timer
// never double-processes a job.
type Engine struct {
	store  store.JobStore
	sender Sender
	cfg    Config

	// now is snapshotted once per sweep so a cycle's due-set is
	// self-consistent. Overridable in tests.
	now func() time.Time

	onSent func(ctx context.Context, job model.ScheduledJob, res gateway.Result)

	sweepMu sync.Mutex

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(st store.JobStore, sender Sender, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if sender == nil {
		return nil, errors.New("sender must not be nil")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if cfg.SendTimeout <= 0 {
		return nil, errors.New("send timeout must be > 0")
	}
	if cfg.MaxRetries < 1 {
		return nil, errors.New("max retries must be >= 1")
	}
	return &Engine{
		store:  st,
		sender: sender,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		done:   make(chan struct{}),
	}, nil
}

// WithSentHook registers a callback invoked after each successful dispatch,
// e.g. to record a delivery receipt. Hook errors are the hook's problem.
func (e *Engine) WithSentHook(fn func(ctx context.Context, job model.ScheduledJob, res gateway.Result)) *Engine {
	e.onSent = fn
	return e
}

func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)

	go func() {
		defer close(e.done)

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		slog.Info("dispatch engine started", "interval", e.cfg.Interval.String())

		e.safeSweep(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("dispatch engine stopping")
				return
			case <-ticker.C:
				e.safeSweep(ctx)
			}
		}
	}()

	return true
}

// Stop halts the periodic timer and waits for an in-flight sweep to drain.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return false
	}

	e.cancel()
	<-e.done
	e.running.Store(false)

	slog.Info("dispatch engine stopped")
	return true
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sweep panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	sum, err := e.Sweep(ctx)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return
	}
	slog.Info("sweep completed",
		"processed", sum.Processed,
		"total", sum.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Sweep runs one due-job scan-and-dispatch cycle. A store read failure
// aborts the cycle; a single job's failure never does.
func (e *Engine) Sweep(ctx context.Context) (Summary, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	now := e.now()

	jobs, err := e.store.ListAll(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load jobs: %w", err)
	}

	sum := Summary{Total: len(jobs)}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if job.Status != model.StatusPending {
			continue
		}
		if !job.Due(now) {
			continue
		}
		if e.dispatch(ctx, job, now) {
			sum.Processed++
		}
	}
	return sum, nil
}

// dispatch attempts one due job and persists the resulting transition,
// reporting whether the job's state changed.
func (e *Engine) dispatch(ctx context.Context, job model.ScheduledJob, now time.Time) bool {
	if !job.Gateway.Complete() {
		return e.markFailed(ctx, job, now, "missing gateway configuration")
	}

	// The send is detached from sweep cancellation: once an attempt
	// begins it runs to completion or its own timeout.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancelSend()

	res := e.sender.Send(sendCtx, job.Gateway, job.Recipient, job.Body)

	if res.Success {
		if err := e.store.MarkSent(ctx, job.ID, now); err != nil {
			slog.Error("failed to mark job sent", "job_id", job.ID, "error", err)
			return false
		}
		slog.Info("job sent", "job_id", job.ID, "recipient", job.Recipient)
		if e.onSent != nil {
			e.onSent(ctx, job, res)
		}
		return true
	}

	attempt := job.Retries + 1
	if res.Kind.Permanent() || attempt >= e.cfg.MaxRetries {
		return e.markFailed(ctx, job, now, res.Detail)
	}

	if err := e.store.RecordAttempt(ctx, job.ID, now, res.Detail); err != nil {
		slog.Error("failed to record attempt", "job_id", job.ID, "error", err)
		return false
	}
	slog.Warn("job send failed, will retry",
		"job_id", job.ID,
		"attempt", attempt,
		"max_retries", e.cfg.MaxRetries,
		"detail", res.Detail,
	)
	return true
}

func (e *Engine) markFailed(ctx context.Context, job model.ScheduledJob, now time.Time, reason string) bool {
	if err := e.store.MarkFailed(ctx, job.ID, now, reason); err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return false
	}
	slog.Warn("job failed", "job_id", job.ID, "reason", reason)
	return true
}
