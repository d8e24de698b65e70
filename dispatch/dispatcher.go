package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	sc "github.com/goliatone/go-statecontract"
)

// Outcome classifies one intent execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result reports the execution of one intent.
type Result struct {
	Intent   sc.Intent
	Outcome  Outcome
	Feedback *Feedback
	Err      error
	Duration time.Duration
}

// Recorder observes executions.
type Recorder interface {
	ObserveIntent(target string, outcome Outcome, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveIntent(string, Outcome, time.Duration) {}

// Dispatcher executes intent batches. Batches are split into groups by
// Order; groups run in ascending Order and the intents of one group run
// concurrently on the pool.
type Dispatcher struct {
	registry *Registry
	pool     pond.Pool
	ownsPool bool
	sink     TriggerSink
	logger   sc.Logger
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time

	haltOnGroupError bool

	closeOnce sync.Once
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPool runs intents on an existing pool instead of a private one.
func WithPool(pool pond.Pool) Option {
	return func(d *Dispatcher) {
		if pool != nil {
			d.pool = pool
		}
	}
}

// WithTriggerSink forwards executor feedback to sink.
func WithTriggerSink(sink TriggerSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger sc.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRecorder sets the execution recorder.
func WithRecorder(recorder Recorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// WithExecutorTimeout bounds each executor call.
func WithExecutorTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithHaltOnGroupError stops a batch after the first group with a failure.
// Later groups are reported as skipped.
func WithHaltOnGroupError(halt bool) Option {
	return func(d *Dispatcher) {
		d.haltOnGroupError = halt
	}
}

// New builds a dispatcher over registry. Without WithPool it owns a pool of
// workers goroutines, released by Close.
func New(registry *Registry, workers int, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	d := &Dispatcher{
		registry: registry,
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.pool == nil {
		if workers <= 0 {
			workers = 8
		}
		d.pool = pond.NewPool(workers)
		d.ownsPool = true
	}
	d.logger = sc.NormalizeLogger(d.logger)
	return d
}

// Registry returns the executor registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Close stops the private pool, waiting for running intents.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		if d.ownsPool {
			d.pool.StopAndWait()
		}
	})
}

// SetTriggerSink wires feedback after construction, for sinks that are
// themselves built on top of the dispatcher. Call it before dispatching.
func (d *Dispatcher) SetTriggerSink(sink TriggerSink) {
	d.sink = sink
}

// Dispatch executes intents and returns one result per intent in input
// order. The error joins every execution failure.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []sc.Intent) ([]Result, error) {
	results := make([]Result, len(intents))
	var errs []error
	halted := false

	for _, group := range groupByOrder(intents) {
		if halted || ctx.Err() != nil {
			for _, idx := range group {
				results[idx] = Result{Intent: intents[idx], Outcome: OutcomeSkipped}
			}
			continue
		}

		tasks := d.pool.NewGroup()
		for _, idx := range group {
			tasks.Submit(func() {
				results[idx] = d.execute(ctx, intents[idx])
			})
		}
		if err := tasks.Wait(); err != nil {
			errs = append(errs, err)
		}

		for _, idx := range group {
			if results[idx].Err != nil {
				errs = append(errs, results[idx].Err)
				if d.haltOnGroupError {
					halted = true
				}
			}
		}
	}

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	d.forwardFeedback(ctx, results)
	return results, errors.Join(errs...)
}

// Publish implements the host sink: it dispatches intents emitted for one
// entity and fails when any of them failed.
func (d *Dispatcher) Publish(ctx context.Context, entityID string, intents []sc.Intent) error {
	_, err := d.Dispatch(ctx, intents)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", entityID, err)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, intent sc.Intent) Result {
	start := d.now()
	res := Result{Intent: intent}

	exec, err := d.registry.Lookup(intent.Target)
	if err == nil {
		execCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		res.Feedback, err = safeExecute(execCtx, exec, intent)
	}

	res.Duration = d.now().Sub(start)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("intent %s/%s seq %d: %w", intent.Target, intent.Kind, intent.Sequence, err)
		logger := sc.WithLoggerFields(d.logger.WithContext(ctx), intentFields(intent))
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			logger.Error("intent executor panicked: %v\n%s", panicErr.Value, panicErr.Stack)
		} else {
			logger.Warn("intent execution failed: %v", err)
		}
	} else {
		res.Outcome = OutcomeCompleted
	}
	d.recorder.ObserveIntent(intent.Target, res.Outcome, res.Duration)
	return res
}

func safeExecute(ctx context.Context, exec Executor, intent sc.Intent) (fb *Feedback, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return exec.Execute(ctx, intent)
}

func (d *Dispatcher) forwardFeedback(ctx context.Context, results []Result) {
	if d.sink == nil {
		return
	}
	for _, res := range results {
		if res.Feedback == nil || strings.TrimSpace(res.Feedback.Trigger) == "" {
			continue
		}
		fb := *res.Feedback
		if fb.EntityID == "" {
			fb.EntityID = res.Intent.EntityID
		}
		if fb.Epoch == 0 {
			fb.Epoch = res.Intent.Epoch
		}
		if err := d.sink.Trigger(ctx, fb); err != nil {
			fields := sc.MergeFields(intentFields(res.Intent), map[string]any{"trigger": fb.Trigger})
			sc.WithLoggerFields(d.logger.WithContext(ctx), fields).Warn("feedback trigger rejected: %v", err)
		}
	}
}

// groupByOrder returns intent indexes grouped by ascending Order; each group
// keeps emission order.
func groupByOrder(intents []sc.Intent) [][]int {
	byOrder := map[int][]int{}
	var orders []int
	for idx, it := range intents {
		if _, ok := byOrder[it.Order]; !ok {
			orders = append(orders, it.Order)
		}
		byOrder[it.Order] = append(byOrder[it.Order], idx)
	}
	sort.Ints(orders)
	out := make([][]int, 0, len(orders))
	for _, order := range orders {
		out = append(out, byOrder[order])
	}
	return out
}

func intentFields(intent sc.Intent) map[string]any {
	return map[string]any{
		"target":         intent.Target,
		"kind":           intent.Kind,
		"entity_id":      intent.EntityID,
		"correlation_id": intent.CorrelationID,
		"epoch":          intent.Epoch,
		"sequence":       intent.Sequence,
	}
}
