// Package log is a minimal writer-backed logger in the teacher's own idiom
// (pkg/log): plain Fprintln/Fprintf to a swappable io.Writer, no external
// structured-logging library. See DESIGN.md for why this stays stdlib.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var logWriter io.Writer = os.Stderr

// SetLogWriter redirects log output, mainly for tests.
func SetLogWriter(w io.Writer) {
	if w != nil {
		logWriter = w
	}
}

// Log prints a message to the log output.
func Log(a ...any) {
	_, _ = fmt.Fprintln(logWriter, a...)
}

// Logf prints a formatted info-level message.
func Logf(format string, a ...any) {
	printf("INFO", format, a...)
}

// Warnf prints a formatted warning-level message.
func Warnf(format string, a ...any) {
	printf("WARN", format, a...)
}

// Errorf prints a formatted error-level message.
func Errorf(format string, a ...any) {
	printf("ERROR", format, a...)
}

func printf(level, format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	_, _ = fmt.Fprintf(logWriter, "["+level+"] "+format, a...)
}
