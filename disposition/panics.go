package disposition

import (
	"runtime"
	"strings"
)

// claimSafely runs a stage claim and turns a panic into an error.
func claimSafely(stage string, fn func() (Disposition, bool, error)) (d Disposition, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8096)
			n := runtime.Stack(buf, false)
			d, ok, err = Disposition{}, false, stagePanic(stage, r, cleanStackTrace(buf[:n]))
		}
	}()
	return fn()
}

// cleanStackTrace drops the frames up to and including the panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
