package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

type ValidateCmd struct {
	Contract string `arg:"" optional:"" type:"existingfile" help:"Contract file (YAML or JSON). Defaults to the built-in dual-registration contract."`
}

func (c *ValidateCmd) Run(g *Globals) error {
	m, err := loadMachine(c.Contract)
	if err != nil {
		code := sc.ErrorCode(err)
		fmt.Fprintf(g.Stdout, "invalid code=%s phase=%s: %v\n", code, sc.Phase(code), err)
		return err
	}
	fmt.Fprintf(g.Stdout, "ok id=%s version=%s states=%d transitions=%d\n",
		m.ID(), m.Version(), len(m.States()), len(m.Transitions()))
	return nil
}

type DescribeCmd struct {
	Contract string `arg:"" optional:"" type:"existingfile" help:"Contract file (YAML or JSON)."`
	JSON     bool   `help:"Print the description as JSON."`
}

type stateView struct {
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Terminal        bool     `json:"terminal,omitempty"`
	TimeoutMS       int64    `json:"timeout_ms,omitempty"`
	TimeoutTrigger  string   `json:"timeout_trigger,omitempty"`
	InternalTrigger string   `json:"internal_trigger,omitempty"`
	Triggers        []string `json:"triggers,omitempty"`
}

type machineView struct {
	ID          string                     `json:"id"`
	Version     string                     `json:"version"`
	Initial     string                     `json:"initial"`
	FatalState  string                     `json:"fatal_state,omitempty"`
	Retry       fsm.RetryPolicy            `json:"retry"`
	States      []stateView                `json:"states"`
	Transitions []fsm.TransitionDefinition `json:"transitions"`
}

func describe(m *fsm.Machine) machineView {
	view := machineView{
		ID:          m.ID(),
		Version:     m.Version(),
		Initial:     m.Initial(),
		FatalState:  m.FatalState(),
		Retry:       m.RetryPolicy(),
		Transitions: m.Transitions(),
	}
	for _, st := range m.States() {
		view.States = append(view.States, stateView{
			Name:            st.Name,
			Category:        string(st.Category),
			Terminal:        st.IsTerminal(),
			TimeoutMS:       st.TimeoutMS,
			TimeoutTrigger:  st.TimeoutTrigger,
			InternalTrigger: st.InternalTrigger,
			Triggers:        m.AllowedTriggers(st.Name),
		})
	}
	return view
}

func (c *DescribeCmd) Run(g *Globals) error {
	m, err := loadMachine(c.Contract)
	if err != nil {
		return err
	}
	view := describe(m)
	if c.JSON {
		enc := json.NewEncoder(g.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(g.Stdout, "%s %s initial=%s fatal=%s retry_limit=%d\n\n",
		view.ID, view.Version, view.Initial, view.FatalState, view.Retry.Limit)
	w := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tCATEGORY\tTIMEOUT\tON TIMEOUT\tINTERNAL\tTRIGGERS")
	for _, st := range view.States {
		timeout := "-"
		if st.TimeoutMS > 0 {
			timeout = fmt.Sprintf("%dms", st.TimeoutMS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Name, st.Category, timeout, dash(st.TimeoutTrigger), dash(st.InternalTrigger), dash(strings.Join(st.Triggers, ",")))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TRANSITION\tFROM\tTO\tTRIGGER\tPRIORITY\tGUARDS")
	for _, tr := range view.Transitions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			tr.Name, tr.From, tr.To, tr.Trigger, tr.Priority, dash(strings.Join(tr.Guards, " && ")))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type SimulateCmd struct {
	Contract string   `type:"existingfile" help:"Contract file (YAML or JSON)."`
	ID       string   `default:"sim-1" help:"Instance id."`
	Fields   string   `default:"{}" help:"Initial context as a JSON object."`
	TwoStep  bool     `help:"Stop at checkpoints and follow internal triggers as separate steps."`
	Triggers []string `arg:"" optional:"" help:"Triggers in order; TRIGGER{\"field\":value} merges fields first."`
}

type stepView struct {
	Trigger     string      `json:"trigger"`
	From        string      `json:"from"`
	State       string      `json:"state"`
	Path        []string    `json:"path,omitempty"`
	Transitions []string    `json:"transitions,omitempty"`
	Blocked     bool        `json:"blocked,omitempty"`
	Exhausted   bool        `json:"exhausted,omitempty"`
	Escalated   bool        `json:"escalated,omitempty"`
	Pending     string      `json:"pending,omitempty"`
	RetryCount  int         `json:"retry_count"`
	Intents     []sc.Intent `json:"intents,omitempty"`
	Error       string      `json:"error,omitempty"`
	Code        string      `json:"code,omitempty"`
}

func (c *SimulateCmd) Run(g *Globals) error {
	def, err := loadDefinition(c.Contract)
	if err != nil {
		return err
	}
	engine, err := fsm.NewEngine(def, fsm.WithCollapseInternalTriggers(!c.TwoStep))
	if err != nil {
		return err
	}
	fields, err := parseFields(c.Fields)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(g.Stdout)
	inst, intents, err := engine.Start(c.ID, "simulate", fields)
	if err != nil {
		return err
	}
	if err := enc.Encode(stepView{State: inst.State, Path: []string{inst.State}, Intents: intents}); err != nil {
		return err
	}

	for _, arg := range c.Triggers {
		trigger, extra, err := splitTrigger(arg)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			inst.Context = inst.Context.Merge(extra)
		}

		step, err := engine.Apply(inst, trigger)
		if err := enc.Encode(viewStep(inst, trigger, step, err)); err != nil {
			return err
		}
		for err == nil && step.PendingTrigger != "" {
			trigger = step.PendingTrigger
			step, err = engine.ApplyInternal(inst, trigger)
			if err := enc.Encode(viewStep(inst, trigger, step, err)); err != nil {
				return err
			}
		}
	}
	g.Logger.Debug("simulation finished id=%s state=%s", inst.ID, inst.State)
	return nil
}

func viewStep(inst *fsm.Instance, trigger string, step *fsm.StepResult, err error) stepView {
	view := stepView{
		Trigger:     trigger,
		From:        step.From,
		State:       step.State,
		Path:        step.Path,
		Transitions: step.Transitions,
		Blocked:     step.Blocked,
		Exhausted:   step.Exhausted,
		Escalated:   step.Escalated,
		Pending:     step.PendingTrigger,
		RetryCount:  inst.RetryCount,
		Intents:     step.Intents,
	}
	if err != nil {
		view.Error = err.Error()
		view.Code = sc.ErrorCode(err)
	}
	return view
}
