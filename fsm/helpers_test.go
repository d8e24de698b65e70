package fsm

import (
	"testing"

	sc "github.com/goliatone/go-statecontract"
)

// reviewDefinition is a small document-review workflow used across the
// package tests.
func reviewDefinition() *MachineDefinition {
	return &MachineDefinition{
		ID:      "review",
		Version: "v1",
		States: []StateDefinition{
			{
				Name:     "draft",
				Category: CategoryInitial,
				Entry: []ActionSpec{{
					Kind: "log", Target: "log",
					Payload: map[string]any{"msg": "created", "id": "$_entity_id"},
				}},
			},
			{
				Name:           "review",
				Category:       CategoryOperational,
				TimeoutMS:      5000,
				TimeoutTrigger: "EXPIRE",
				Entry: []ActionSpec{{
					Kind: "notify", Target: "reviewers",
					Payload: map[string]any{"owner": "$owner"},
				}},
			},
			{Name: "approved", Category: CategoryCheckpoint, InternalTrigger: "PUBLISH"},
			{
				Name:     "published",
				Category: CategorySuccess,
				Entry: []ActionSpec{{
					Kind: "publish", Target: "cdn", Order: 1,
					Payload: map[string]any{"doc": "$_entity_id", "from": "$_from", "price": "$$5"},
				}},
			},
			{Name: "rejected", Category: CategoryError, Recoverable: true},
			{Name: "archived", Category: CategoryTerminal},
		},
		Transitions: []TransitionDefinition{
			{Name: "submit", From: "draft", To: "review", Trigger: "SUBMIT"},
			{Name: "approve", From: "review", To: "approved", Trigger: "APPROVE", Priority: 10, Guards: []string{"score >= 7"}, CountsAsSuccess: true},
			{Name: "approve_low", From: "review", To: "rejected", Trigger: "APPROVE", Priority: 5, Guards: []string{"score < 7"}},
			{Name: "expire", From: "review", To: "rejected", Trigger: "EXPIRE"},
			{Name: "publish", From: "approved", To: "published", Trigger: "PUBLISH", Guards: []string{"reviewer exists true"}},
			{Name: "retry", From: "rejected", To: "review", Trigger: "RETRY", Guards: []string{"retry_count < 2"}, CountsAsRetry: true},
			{Name: "give_up", From: "rejected", To: "archived", Trigger: "GIVE_UP"},
			{Name: "archive", From: "published", To: "archived", Trigger: "ARCHIVE"},
			{Name: "abandon", From: Wildcard, To: "archived", Trigger: "ABANDON"},
		},
		Retry: RetryPolicy{
			Limit:            2,
			Triggers:         []string{"RETRY"},
			ExhaustedTrigger: "GIVE_UP",
		},
		FatalState:     "rejected",
		AbandonTrigger: "ABANDON",
	}
}

func newReviewEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	engine, err := NewEngine(reviewDefinition(), opts...)
	if err != nil {
		t.Fatalf("compile review contract: %v", err)
	}
	return engine
}

func reviewContext(score any) sc.ContextMap {
	raw := map[string]any{"owner": "ana", "reviewer": "bob"}
	if score != nil {
		raw["score"] = score
	}
	return sc.MustFlatten(raw)
}

func diagnosticEvents(intents []sc.Intent) []string {
	var out []string
	for _, it := range intents {
		if it.IsDiagnostic() {
			out = append(out, it.Event())
		}
	}
	return out
}
