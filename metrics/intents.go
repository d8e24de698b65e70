package metrics

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/dispatch"
)

var metricName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IntentExecutor increments a counter for every metric intent. The payload
// carries "name", optional "labels" (a flat map) and optional "value"
// (defaults to 1). Counters are created on first use; one name always uses
// the label set it was first seen with.
type IntentExecutor struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

var _ dispatch.Executor = (*IntentExecutor)(nil)

// NewIntentExecutor registers counters on reg; nil uses the default
// registerer.
func NewIntentExecutor(reg prometheus.Registerer) *IntentExecutor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &IntentExecutor{reg: reg, counters: make(map[string]*counter)}
}

func (e *IntentExecutor) Execute(_ context.Context, intent sc.Intent) (*dispatch.Feedback, error) {
	if intent.Kind != sc.IntentKindMetric {
		return nil, fmt.Errorf("metrics executor: unsupported intent kind %q", intent.Kind)
	}
	name, _ := intent.Payload["name"].(string)
	name = strings.TrimSpace(name)
	if !metricName.MatchString(name) {
		return nil, fmt.Errorf("metrics executor: invalid metric name %q", name)
	}
	labels, err := labelValues(intent.Payload["labels"])
	if err != nil {
		return nil, err
	}
	value := 1.0
	if raw, ok := intent.Payload["value"]; ok {
		v, isNum := number(raw)
		if !isNum || v < 0 {
			return nil, fmt.Errorf("metrics executor: %s value must be a non-negative number", name)
		}
		value = v
	}

	c, err := e.counter(name, labels)
	if err != nil {
		return nil, err
	}
	values := make([]string, len(c.labels))
	for idx, key := range c.labels {
		values[idx] = labels[key]
	}
	c.vec.WithLabelValues(values...).Add(value)
	return nil, nil
}

func (e *IntentExecutor) counter(name string, labels map[string]string) (*counter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.counters[name]; ok {
		if len(c.labels) != len(labels) {
			return nil, fmt.Errorf("metrics executor: %s expects labels %v", name, c.labels)
		}
		for _, key := range c.labels {
			if _, ok := labels[key]; !ok {
				return nil, fmt.Errorf("metrics executor: %s expects labels %v", name, c.labels)
			}
		}
		return c, nil
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intent",
		Name:      name,
		Help:      "Counter emitted by contract metric intents",
	}, keys)
	if err := e.reg.Register(vec); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("metrics executor: register %s: %w", name, err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("metrics executor: %s already registered as another type", name)
		}
		vec = existing
	}
	c := &counter{vec: vec, labels: keys}
	e.counters[name] = c
	return c, nil
}

func labelValues(raw any) (map[string]string, error) {
	out := map[string]string{}
	if raw == nil {
		return out, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metrics executor: labels must be a map, got %T", raw)
	}
	for key, v := range m {
		if !metricName.MatchString(key) {
			return nil, fmt.Errorf("metrics executor: invalid label name %q", key)
		}
		switch t := v.(type) {
		case nil:
			out[key] = ""
		case string:
			out[key] = t
		default:
			out[key] = fmt.Sprint(t)
		}
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}
