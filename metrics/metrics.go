// Package metrics records host and dispatcher activity in Prometheus and
// turns metric intents into counters.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goliatone/go-statecontract/dispatch"
	"github.com/goliatone/go-statecontract/host"
)

const namespace = "statecontract"

var (
	_ host.Recorder     = (*Recorder)(nil)
	_ dispatch.Recorder = (*Recorder)(nil)
)

// Recorder implements host.Recorder and dispatch.Recorder.
type Recorder struct {
	transitions    *prometheus.CounterVec
	blocked        *prometheus.CounterVec
	errors         *prometheus.CounterVec
	submitDuration *prometheus.HistogramVec
	intents        *prometheus.CounterVec
	intentDuration *prometheus.HistogramVec
}

// NewRecorder registers the collectors on reg. A nil reg uses the default
// registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Triggers that moved an instance, by machine, from state, to state and trigger",
		}, []string{"machine", "from_state", "to_state", "trigger"}),
		blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Triggers rejected by guards, by machine, state and trigger",
		}, []string{"machine", "state", "trigger"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed submits by machine and error code",
		}, []string{"machine", "code"}),
		submitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Duration of host submits by machine",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"machine"}),
		intents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Dispatched intents by target and outcome",
		}, []string{"target", "outcome"}),
		intentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "intent_duration_seconds",
			Help:      "Duration of intent execution by target",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"target"}),
	}
}

func (r *Recorder) ObserveTransition(machineID, from, to, trigger string) {
	r.transitions.WithLabelValues(label(machineID), label(from), label(to), label(trigger)).Inc()
}

func (r *Recorder) ObserveBlocked(machineID, state, trigger string) {
	r.blocked.WithLabelValues(label(machineID), label(state), label(trigger)).Inc()
}

func (r *Recorder) ObserveError(machineID, code string) {
	r.errors.WithLabelValues(label(machineID), label(code)).Inc()
}

func (r *Recorder) ObserveSubmit(machineID string, d time.Duration) {
	r.submitDuration.WithLabelValues(label(machineID)).Observe(d.Seconds())
}

func (r *Recorder) ObserveIntent(target string, outcome dispatch.Outcome, d time.Duration) {
	r.intents.WithLabelValues(label(target), string(outcome)).Inc()
	if outcome != dispatch.OutcomeSkipped {
		r.intentDuration.WithLabelValues(label(target)).Observe(d.Seconds())
	}
}

func label(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}
