package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	sc "github.com/goliatone/go-statecontract"
)

// SweepTimeouts submits the timeout trigger of every stored instance whose
// dwell time exceeded its state's timeout. The held lease is renewed first,
// or acquired again when it lapsed unclaimed; instances leased elsewhere are
// skipped. It returns the number of triggers fired.
func (h *Host) SweepTimeouts(ctx context.Context) (int, error) {
	instances, err := h.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep list: %w", err)
	}
	now := h.now()
	fired := 0
	var errs []error
	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if inst.Terminal() || inst.MachineID != h.machine.ID() {
			continue
		}
		trigger, expired := h.machine.Expired(inst, now)
		if !expired {
			continue
		}

		logger := sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
			"entity_id":      inst.ID,
			"correlation_id": inst.CorrelationID,
			"state":          inst.State,
			"trigger":        trigger,
		})
		if h.leases != nil {
			if _, err := h.Renew(ctx, inst.ID); err != nil {
				if !lostOwnership(err) {
					errs = append(errs, fmt.Errorf("timeout %s: %w", inst.ID, err))
				}
				continue
			}
		}
		_, err := h.Submit(ctx, SubmitRequest{EntityID: inst.ID, Trigger: trigger, ExpectedState: inst.State})
		switch {
		case err == nil:
			fired++
			logger.Info("state timeout fired")
		case sc.HasCode(err, sc.ErrCodeInvalidTransition), sc.HasCode(err, sc.ErrCodeInstanceNotFound):
			// The instance moved on between List and Submit.
			logger.Debug("state timeout skipped: %v", err)
		default:
			errs = append(errs, fmt.Errorf("timeout %s: %w", inst.ID, err))
		}
	}
	return fired, errors.Join(errs...)
}

// TimeoutScheduler renews held leases and runs SweepTimeouts on a fixed
// cron interval.
type TimeoutScheduler struct {
	host   *Host
	every  time.Duration
	cron   *rcron.Cron
	logger sc.Logger

	mu      sync.Mutex
	entry   rcron.EntryID
	running bool
	cancel  context.CancelFunc
}

// NewTimeoutScheduler builds a scheduler sweeping every interval.
// Overlapping sweeps are skipped.
func NewTimeoutScheduler(h *Host, every time.Duration) *TimeoutScheduler {
	if every <= 0 {
		every = time.Second
	}
	logger := sc.WithLoggerFields(h.logger, map[string]any{"component": "timeout_scheduler"})
	cronLog := cronLogger{logger: logger}
	return &TimeoutScheduler{
		host:   h,
		every:  every,
		logger: logger,
		cron: rcron.New(
			rcron.WithLogger(cronLog),
			rcron.WithChain(rcron.Recover(cronLog), rcron.SkipIfStillRunning(cronLog)),
		),
	}
}

// Start schedules the sweep job and starts the cron runner. Sweeps use a
// context derived from ctx that Stop cancels.
func (s *TimeoutScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("timeout scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.every), func() {
		s.sweep(runCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule timeout sweep: %w", err)
	}
	s.entry = id
	s.cancel = cancel
	s.running = true
	s.cron.Start()
	s.logger.Info("timeout scheduler started every=%s", s.every)
	return nil
}

// Stop removes the job and waits for a running sweep, or for ctx.
func (s *TimeoutScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cron.Remove(s.entry)
	cancel := s.cancel
	s.mu.Unlock()

	stopped := s.cron.Stop()
	cancel()
	select {
	case <-stopped.Done():
		s.logger.Info("timeout scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one sweep synchronously.
func (s *TimeoutScheduler) RunNow(ctx context.Context) (int, error) {
	return s.host.SweepTimeouts(ctx)
}

func (s *TimeoutScheduler) sweep(ctx context.Context) {
	if _, err := s.host.RenewLeases(ctx); err != nil {
		s.logger.Warn("lease renewal failed: %v", err)
	}
	fired, err := s.host.SweepTimeouts(ctx)
	if err != nil {
		s.logger.Warn("timeout sweep failed fired=%d: %v", fired, err)
		return
	}
	if fired > 0 {
		s.logger.Debug("timeout sweep fired=%d", fired)
	}
}

// cronLogger adapts Logger to the cron runner's logger.
type cronLogger struct {
	logger sc.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	sc.WithLoggerFields(l.logger, pairs(keysAndValues)).Trace("cron: %s", msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	sc.WithLoggerFields(l.logger, pairs(keysAndValues)).Error("cron: %s: %v", msg, err)
}

func pairs(keysAndValues []any) map[string]any {
	if len(keysAndValues) < 2 {
		return nil
	}
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
