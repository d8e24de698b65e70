package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statecontract/dualreg"
)

const serviceFieldsJSON = `{"service_id":"svc_42","service_name":"billing","service_address":"10.0.0.7:8080"}`

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeLines[T any](t *testing.T, out string) []T {
	t.Helper()
	var items []T
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var item T
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item), scanner.Text())
		items = append(items, item)
	}
	return items
}

func TestValidateBuiltInContract(t *testing.T) {
	code, out, _ := runCLI(t, "", "validate")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ok id=dual-registration version=v1 states=10")
}

func TestValidateReportsLoadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	doc := "id: broken\nstates:\n  - {name: a, category: initial}\ntransitions:\n  - {name: go, from: a, to: nowhere, trigger: GO}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	code, out, _ := runCLI(t, "", "validate", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "invalid code=CONTRACT_INVALID phase=load")
}

func TestDescribeJSON(t *testing.T) {
	code, out, _ := runCLI(t, "", "describe", "--json")
	require.Equal(t, 0, code)

	var view machineView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, dualreg.MachineID, view.ID)
	assert.Equal(t, dualreg.StateUnregistered, view.Initial)
	assert.Len(t, view.States, 10)
	for _, st := range view.States {
		if st.Name == dualreg.StateDeregistering {
			assert.Equal(t, int64(60000), st.TimeoutMS)
			assert.Equal(t, dualreg.TriggerDeregistrationComplete, st.TimeoutTrigger)
		}
	}
}

func TestDescribeTable(t *testing.T) {
	code, out, _ := runCLI(t, "", "describe")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "retry_count < 3 && a_applied == true")
}

func TestSimulateHappyPath(t *testing.T) {
	code, out, errOut := runCLI(t, "", "simulate", "--fields", serviceFieldsJSON,
		dualreg.TriggerRegister, dualreg.TriggerValidationPassed, dualreg.TriggerASucceeded, dualreg.TriggerBSucceeded)
	require.Equal(t, 0, code, errOut)

	steps := decodeLines[stepView](t, out)
	require.Len(t, steps, 5)
	assert.Equal(t, dualreg.StateUnregistered, steps[0].State)
	assert.Equal(t, []string{dualreg.StateCheckpointADone, dualreg.StateRegisteringB}, steps[3].Path)
	assert.Equal(t, dualreg.StateRegistered, steps[4].State)
}

func TestSimulateTwoStepFollowsPendingTrigger(t *testing.T) {
	code, out, errOut := runCLI(t, "", "simulate", "--two-step", "--fields", serviceFieldsJSON,
		dualreg.TriggerRegister, dualreg.TriggerValidationPassed, `A_SUCCEEDED{"a_applied":true}`)
	require.Equal(t, 0, code, errOut)

	steps := decodeLines[stepView](t, out)
	require.Len(t, steps, 5)
	assert.Equal(t, dualreg.StateCheckpointADone, steps[3].State)
	assert.Equal(t, dualreg.TriggerCheckpointARecorded, steps[3].Pending)
	assert.Equal(t, dualreg.TriggerCheckpointARecorded, steps[4].Trigger)
	assert.Equal(t, dualreg.StateRegisteringB, steps[4].State)
}

func TestSimulateReportsRejectedTriggers(t *testing.T) {
	code, out, _ := runCLI(t, "", "simulate", "--fields", serviceFieldsJSON, dualreg.TriggerBSucceeded)
	require.Equal(t, 0, code)

	steps := decodeLines[stepView](t, out)
	require.Len(t, steps, 2)
	assert.Equal(t, "INVALID_TRANSITION", steps[1].Code)
	assert.Equal(t, dualreg.StateUnregistered, steps[1].State)
}

func TestRunHostsInstancesFromStdin(t *testing.T) {
	t.Setenv("FSM_STORE_DRIVER", "sqlite")
	t.Setenv("FSM_STORE_DSN", ":memory:")
	t.Setenv("FSM_SWEEP_EVERY", "1h")

	stdin := strings.Join([]string{
		`{"op":"begin","id":"svc_42","fields":` + serviceFieldsJSON + `}`,
		`{"op":"submit","id":"svc_42","trigger":"REGISTER"}`,
		`{"op":"submit","id":"svc_42","trigger":"VALIDATION_PASSED"}`,
		`{"op":"submit","id":"svc_42","trigger":"A_SUCCEEDED","fields":{"a_applied":true}}`,
		`{"op":"submit","id":"svc_42","trigger":"B_SUCCEEDED"}`,
		`{"op":"submit","id":"svc_42","trigger":"B_SUCCEEDED"}`,
		`{"op":"load","id":"svc_42"}`,
		`{"op":"drain"}`,
		`not json`,
	}, "\n")

	done := make(chan struct{})
	var code int
	var out, errOut string
	go func() {
		defer close(done)
		code, out, errOut = runCLI(t, stdin, "run")
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("run did not finish")
	}
	require.Equal(t, 0, code, errOut)

	replies := decodeLines[reply](t, out)
	require.Len(t, replies, 9)
	assert.True(t, replies[0].OK)
	assert.Equal(t, 1, replies[0].Version)
	assert.Equal(t, []string{dualreg.StateCheckpointADone, dualreg.StateRegisteringB}, replies[3].Path)
	assert.Equal(t, dualreg.StateRegistered, replies[4].State)

	assert.False(t, replies[5].OK)
	assert.Equal(t, "INVALID_TRANSITION", replies[5].Error["code"])

	assert.Equal(t, dualreg.StateRegistered, replies[6].State)
	assert.Equal(t, 5, replies[6].Version)
	assert.Equal(t, int64(1), replies[6].Epoch)
	assert.True(t, replies[7].OK)
	assert.Equal(t, "invalid", replies[8].Op)
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Setenv("FSM_STORE_DRIVER", "cassandra")
	code, _, errOut := runCLI(t, "", "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown store driver")
}
