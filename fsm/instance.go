package fsm

import (
	"time"

	sc "github.com/goliatone/go-statecontract"
)

// Instance is one running workflow. The engine mutates it in place; hosts
// persist it through the store package.
type Instance struct {
	ID             string        `json:"id"`
	MachineID      string        `json:"machine_id"`
	MachineVersion string        `json:"machine_version"`
	CorrelationID  string        `json:"correlation_id"`
	State          string        `json:"state"`
	Context        sc.ContextMap `json:"context"`
	RetryCount     int           `json:"retry_count"`
	EnteredAt      time.Time     `json:"entered_at"`
	History        []string      `json:"history,omitempty"`
	LeaseID        string        `json:"lease_id,omitempty"`
	Epoch          int64         `json:"epoch,omitempty"`
	// Finished is set once the instance enters a terminal state.
	Finished bool `json:"finished,omitempty"`
	// Version is the snapshot version used for optimistic writes.
	Version int `json:"version"`
}

// Terminal reports whether the instance reached a terminal state.
func (i *Instance) Terminal() bool {
	return i != nil && i.Finished
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Context = i.Context.Clone()
	if i.History != nil {
		out.History = append([]string(nil), i.History...)
	}
	return &out
}

// Snapshot is an alias of Clone kept for callers reading state for display.
func (i *Instance) Snapshot() *Instance {
	return i.Clone()
}
