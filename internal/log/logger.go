// Package log provides a global logger with a configurable logging level. The transport layer
// logs every request and response at the debug level, which is noisy; the default level is
// LevelNone so that host applications opt in explicitly.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Failures that are not expected during normal use.
	LevelWarning              // Failures that are expected to occur occasionally.
	LevelInfo                 // Major events, such as a completed authentication.
	LevelDebug                // Detailed request/response IO.
)

var labels = map[Level]string{
	LevelError:   "[error]",
	LevelWarning: "[warn ]",
	LevelInfo:    "[info ]",
	LevelDebug:   "[debug]",
}

var (
	mu     sync.Mutex
	level  Level
	output io.Writer = os.Stderr
)

// SetLevel changes the global logging level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log messages from stderr to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func emit(l Level, format string, a ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l > level {
		return
	}
	fmt.Fprintf(output, "%s %s %s\n", time.Now().Format(time.RFC3339), labels[l], fmt.Sprintf(format, a...))
}

func Debug(format string, a ...interface{}) {
	emit(LevelDebug, format, a...)
}

func Info(format string, a ...interface{}) {
	emit(LevelInfo, format, a...)
}

func Warning(format string, a ...interface{}) {
	emit(LevelWarning, format, a...)
}

func Error(format string, a ...interface{}) {
	emit(LevelError, format, a...)
}
