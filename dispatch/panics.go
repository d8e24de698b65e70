package dispatch

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError is the failure recorded for an executor that panicked.
type PanicError struct {
	Value any
	// Stack starts at the frame that panicked.
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor panic: %v", e.Value)
}

func newPanicError(value any) *PanicError {
	stack := make([]byte, 8192)
	stack = stack[:runtime.Stack(stack, false)]
	return &PanicError{Value: value, Stack: cleanStack(stack)}
}

// cleanStack drops the frames above the runtime panic call.
func cleanStack(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	for idx, line := range lines {
		if strings.Contains(line, "panic(") {
			// skip the panic call and its file reference
			if idx+2 < len(lines) {
				lines = lines[idx+2:]
			}
			break
		}
	}
	return []byte(strings.Join(lines, "\n"))
}
