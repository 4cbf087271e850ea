package rollout

import (
	"runtime"
	"strings"
)

// PanicHandler receives a recovered panic value and its cleaned stack.
type PanicHandler func(funcName string, value any, stack []byte)

// MakePanicHandler returns a function meant to be deferred; it recovers a
// panic and forwards it to handler.
func MakePanicHandler(handler PanicHandler) func(funcName string) {
	return func(funcName string) {
		if value := recover(); value != nil {
			if handler != nil {
				handler(funcName, value, CaptureStack())
			}
		}
	}
}

// Guard runs fn and converts a panic into a SYSTEM_ERROR failure.
func Guard(funcName string, fn func()) (failure *FailureInfo) {
	defer func() {
		if value := recover(); value != nil {
			failure = FailureFromPanic(funcName, value, CaptureStack())
		}
	}()
	fn()
	return nil
}

// FailureFromPanic converts a recovered panic value to a SYSTEM_ERROR failure.
func FailureFromPanic(funcName string, value any, stack []byte) *FailureInfo {
	out := Failuref(ErrorTypeSystem, "panic in %s: %v", funcName, value)
	if err, ok := value.(error); ok {
		out.Cause = err
	}
	if len(stack) > 0 {
		out.Metadata = map[string]any{"stack": string(stack)}
	}
	return out
}

// CaptureStack returns the current goroutine stack with the runtime panic
// frames removed.
func CaptureStack() []byte {
	full := make([]byte, 8096)
	n := runtime.Stack(full, false)
	return cleanStackTrace(full[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
