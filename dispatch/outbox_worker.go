package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/store"
)

// Report summarizes one RunOnce cycle.
type Report struct {
	WorkerID     string
	Claimed      int
	Completed    int
	Retried      int
	DeadLettered int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// OutboxWorker claims committed intents from the store outbox and executes
// them through a Dispatcher. Failed entries are retried with backoff and
// parked as dead letters once MaxAttempts is reached.
type OutboxWorker struct {
	outbox      store.Outbox
	dispatcher  *Dispatcher
	workerID    string
	limit       int
	leaseFor    time.Duration
	maxAttempts int
	interval    time.Duration
	backoff     Backoff
	logger      sc.Logger
	now         func() time.Time

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// WorkerOption customizes an OutboxWorker.
type WorkerOption func(*OutboxWorker)

// WithWorkerID sets the lease owner used when claiming entries.
func WithWorkerID(id string) WorkerOption {
	return func(w *OutboxWorker) {
		if id = strings.TrimSpace(id); id != "" {
			w.workerID = id
		}
	}
}

// WithBatchSize sets the max entries claimed per cycle.
func WithBatchSize(limit int) WorkerOption {
	return func(w *OutboxWorker) {
		if limit > 0 {
			w.limit = limit
		}
	}
}

// WithClaimLease sets how long claimed entries stay leased to this worker.
func WithClaimLease(d time.Duration) WorkerOption {
	return func(w *OutboxWorker) {
		if d > 0 {
			w.leaseFor = d
		}
	}
}

// WithMaxAttempts sets the attempt count after which an entry is dead-lettered.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *OutboxWorker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithPollInterval sets the Run cadence.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *OutboxWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBackoff sets the retry schedule.
func WithBackoff(b Backoff) WorkerOption {
	return func(w *OutboxWorker) {
		if b != nil {
			w.backoff = b
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger sc.Logger) WorkerOption {
	return func(w *OutboxWorker) {
		w.logger = logger
	}
}

// WithWorkerClock overrides the time source.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *OutboxWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewOutboxWorker builds a worker.
func NewOutboxWorker(outbox store.Outbox, dispatcher *Dispatcher, opts ...WorkerOption) *OutboxWorker {
	w := &OutboxWorker{
		outbox:      outbox,
		dispatcher:  dispatcher,
		workerID:    "outbox-worker-1",
		limit:       100,
		leaseFor:    30 * time.Second,
		maxAttempts: 5,
		interval:    500 * time.Millisecond,
		backoff:     ExponentialBackoff{Base: time.Second, Factor: 2, Max: time.Minute},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = sc.WithLoggerFields(sc.NormalizeLogger(w.logger), map[string]any{"worker_id": w.workerID})
	return w
}

// RunOnce claims one batch and settles every claimed entry.
func (w *OutboxWorker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{WorkerID: w.workerID, StartedAt: w.now()}
	if w.outbox == nil || w.dispatcher == nil {
		return report, fmt.Errorf("outbox worker not configured")
	}

	entries, err := w.outbox.ClaimPending(ctx, w.workerID, w.limit, w.now().Add(w.leaseFor))
	if err != nil {
		report.FinishedAt = w.now()
		return report, fmt.Errorf("claim outbox: %w", err)
	}
	report.Claimed = len(entries)

	var errs []error
	for _, entry := range entries {
		logger := sc.WithLoggerFields(w.logger.WithContext(ctx), map[string]any{
			"outbox_id": entry.ID,
			"entity_id": entry.EntityID,
			"target":    entry.Intent.Target,
			"attempt":   entry.Attempts,
		})

		results, dispatchErr := w.dispatcher.Dispatch(ctx, []sc.Intent{entry.Intent})
		if dispatchErr == nil && len(results) == 1 && results[0].Outcome == OutcomeCompleted {
			if err := w.outbox.MarkCompleted(ctx, entry.ID); err != nil {
				logger.Error("outbox mark completed failed: %v", err)
				errs = append(errs, err)
				continue
			}
			report.Completed++
			continue
		}
		if dispatchErr == nil {
			dispatchErr = fmt.Errorf("intent not executed")
		}

		if entry.Attempts >= w.maxAttempts || sc.HasCode(dispatchErr, sc.ErrCodeExecutorNotFound) {
			logger.Error("outbox entry dead-lettered: %v", dispatchErr)
			if err := w.outbox.MarkDeadLetter(ctx, entry.ID, dispatchErr.Error()); err != nil {
				errs = append(errs, err)
				continue
			}
			report.DeadLettered++
			continue
		}

		retryAt := w.now().Add(w.backoff.Delay(entry.Attempts))
		logger.Warn("outbox entry retry scheduled at %s: %v", retryAt.Format(time.RFC3339), dispatchErr)
		if err := w.outbox.MarkFailed(ctx, entry.ID, retryAt, dispatchErr.Error()); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Retried++
	}

	report.FinishedAt = w.now()
	return report, errors.Join(errs...)
}

// Run polls until ctx is cancelled or Stop is called.
func (w *OutboxWorker) Run(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.runCancel = cancel
	w.runDone = done
	w.running = true
	w.runMu.Unlock()

	w.logger.Info("outbox worker started")
	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runCancel = nil
		w.runDone = nil
		close(done)
		w.runMu.Unlock()
		w.logger.Info("outbox worker stopped")
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			w.logger.Warn("outbox cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels Run and waits for it to return or ctx to expire.
func (w *OutboxWorker) Stop(ctx context.Context) error {
	w.runMu.Lock()
	cancel, done, running := w.runCancel, w.runDone, w.running
	w.runMu.Unlock()
	if !running {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
