package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "github.com/goliatone/go-statecontract"
)

func TestLogExecutorWritesPayloadFields(t *testing.T) {
	var buf bytes.Buffer
	exec := NewLogExecutor(sc.NewFmtLogger(&buf))

	fb, err := exec.Execute(context.Background(), sc.Intent{
		Kind:          sc.IntentKindLog,
		Target:        sc.TargetLog,
		EntityID:      "svc-1",
		CorrelationID: "corr-1",
		Payload:       map[string]any{"event": "partial_registration", "retry_count": 1},
	})
	require.NoError(t, err)
	assert.Nil(t, fb)

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "partial_registration")
	assert.Contains(t, out, "correlation_id=corr-1")

	buf.Reset()
	_, err = exec.Execute(context.Background(), sc.Intent{
		Kind:    sc.IntentKindDiagnostic,
		Target:  sc.TargetLog,
		Payload: map[string]any{"event": sc.DiagnosticTransitionBlocked},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), sc.DiagnosticTransitionBlocked)
}
