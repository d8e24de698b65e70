package fsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "github.com/goliatone/go-statecontract"
)

const reviewYAML = `
id: review
version: v1
fatal_state: rejected
abandon_trigger: ABANDON
retry:
  limit: 2
  triggers: [RETRY]
  exhausted_trigger: GIVE_UP
states:
  - name: draft
    category: initial
    entry:
      - kind: log
        target: log
        payload: {msg: created, id: $_entity_id}
  - name: review
    category: operational
    timeout_ms: 5000
    timeout_trigger: EXPIRE
    entry:
      - kind: notify
        target: reviewers
        payload: {owner: $owner}
  - name: approved
    category: checkpoint
    internal_trigger: PUBLISH
  - name: published
    category: success
    entry:
      - kind: publish
        target: cdn
        order: 1
        payload: {doc: $_entity_id, from: $_from, price: $$5}
  - name: rejected
    category: error
    recoverable: true
  - name: archived
    category: terminal
transitions:
  - {name: submit, from: draft, to: review, trigger: SUBMIT}
  - {name: approve, from: review, to: approved, trigger: APPROVE, priority: 10, guards: ["score >= 7"], counts_as_success: true}
  - {name: approve_low, from: review, to: rejected, trigger: APPROVE, priority: 5, guards: ["score < 7"]}
  - {name: expire, from: review, to: rejected, trigger: EXPIRE}
  - {name: publish, from: approved, to: published, trigger: PUBLISH, guards: ["reviewer exists true"]}
  - {name: retry, from: rejected, to: review, trigger: RETRY, guards: ["retry_count < 2"], counts_as_retry: true}
  - {name: give_up, from: rejected, to: archived, trigger: GIVE_UP}
  - {name: archive, from: published, to: archived, trigger: ARCHIVE}
  - {name: abandon, from: "*", to: archived, trigger: ABANDON}
`

func TestParseContractMatchesGoDefinition(t *testing.T) {
	def, err := ParseContract([]byte(reviewYAML))
	require.NoError(t, err)

	want := reviewDefinition()
	assert.Equal(t, want.ID, def.ID)
	assert.Equal(t, want.Retry, def.Retry)
	assert.Equal(t, want.FatalState, def.FatalState)
	assert.Equal(t, want.Transitions, def.Transitions)
	require.Len(t, def.States, len(want.States))
	for idx := range want.States {
		assert.Equal(t, want.States[idx].Name, def.States[idx].Name)
		assert.Equal(t, want.States[idx].Category, def.States[idx].Category)
		assert.Equal(t, want.States[idx].TimeoutMS, def.States[idx].TimeoutMS)
		assert.Equal(t, want.States[idx].InternalTrigger, def.States[idx].InternalTrigger)
	}

	engine, err := NewEngine(def)
	require.NoError(t, err)
	inst, _, err := engine.Start("doc-1", "corr-1", reviewContext(8))
	require.NoError(t, err)
	for _, trigger := range []string{"SUBMIT", "APPROVE"} {
		_, err = engine.Apply(inst, trigger)
		require.NoError(t, err)
	}
	assert.Equal(t, "published", inst.State)
}

func TestParseContractAcceptsJSON(t *testing.T) {
	doc := `{"id":"tiny","states":[{"name":"a","category":"initial"},{"name":"b","category":"terminal"}],
"transitions":[{"name":"go","from":"a","to":"b","trigger":"GO"}]}`
	m, err := CompileContract([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "tiny", m.ID())
	assert.Equal(t, "v1", m.Version())
}

func TestParseContractRejectsMalformedDocument(t *testing.T) {
	_, err := ParseContract([]byte("states: [unterminated"))
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeContractInvalid, sc.ErrorCode(err))
}

func TestLoadContractFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o600))

	def, err := LoadContract(path)
	require.NoError(t, err)
	assert.Equal(t, "review", def.ID)

	_, err = LoadContract(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
