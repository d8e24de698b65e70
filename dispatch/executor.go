// Package dispatch routes intents emitted by the engine to executors. It runs
// intents of equal Order in parallel on a worker pool, drains the store
// outbox, and forwards executor feedback as triggers.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	sc "github.com/goliatone/go-statecontract"
)

// Feedback is a trigger an executor asks the host to submit once its side
// effect settles, e.g. A_SUCCESS after the system of record accepted a write.
type Feedback struct {
	EntityID string
	Trigger  string
	Fields   sc.ContextMap
	// Epoch is the lease epoch of the intent that produced the feedback.
	Epoch int64
}

// Executor performs one intent. A nil Feedback means nothing to report.
type Executor interface {
	Execute(ctx context.Context, intent sc.Intent) (*Feedback, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, intent sc.Intent) (*Feedback, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, intent sc.Intent) (*Feedback, error) {
	return f(ctx, intent)
}

// TriggerSink accepts feedback triggers, normally the host.
type TriggerSink interface {
	Trigger(ctx context.Context, fb Feedback) error
}

// Registry maps intent targets to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds target to exec, replacing any previous binding.
func (r *Registry) Register(target string, exec Executor) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("executor target required")
	}
	if exec == nil {
		return fmt.Errorf("executor for %s is nil", target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[target] = exec
	return nil
}

// RegisterFunc binds target to fn.
func (r *Registry) RegisterFunc(target string, fn func(ctx context.Context, intent sc.Intent) (*Feedback, error)) error {
	if fn == nil {
		return fmt.Errorf("executor for %s is nil", target)
	}
	return r.Register(target, ExecutorFunc(fn))
}

// SetFallback sets the executor used for unregistered targets.
func (r *Registry) SetFallback(exec Executor) {
	r.mu.Lock()
	r.fallback = exec
	r.mu.Unlock()
}

// Lookup returns the executor for target.
func (r *Registry) Lookup(target string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[target]; ok {
		return exec, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, sc.NewError(
		sc.ErrExecutorNotFound,
		fmt.Sprintf("no executor for target %q", target),
		nil,
		map[string]any{"target": target},
	)
}

// Targets lists registered targets sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for target := range r.executors {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// LogExecutor writes log and diagnostic intents to a Logger.
type LogExecutor struct {
	logger sc.Logger
}

// NewLogExecutor wraps logger; nil uses the fmt fallback.
func NewLogExecutor(logger sc.Logger) *LogExecutor {
	return &LogExecutor{logger: sc.NormalizeLogger(logger)}
}

// Execute logs the intent payload with its correlation fields.
func (l *LogExecutor) Execute(ctx context.Context, intent sc.Intent) (*Feedback, error) {
	fields := sc.MergeFields(intent.Payload, map[string]any{
		"kind":           intent.Kind,
		"entity_id":      intent.EntityID,
		"correlation_id": intent.CorrelationID,
		"epoch":          intent.Epoch,
	})
	logger := sc.WithLoggerFields(l.logger.WithContext(ctx), fields)

	msg, _ := intent.Payload["msg"].(string)
	if msg == "" {
		msg = intent.Event()
	}
	if msg == "" {
		msg = intent.Kind
	}
	if intent.IsDiagnostic() {
		logger.Warn("%s", msg)
	} else {
		logger.Info("%s", msg)
	}
	return nil, nil
}
