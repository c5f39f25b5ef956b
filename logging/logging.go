// Package logging provides the leveled, per-component loggers used across
// the engine. Every component gets its own prefix, e.g. "[scheduler]".
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/labstack/gommon/log"
)

// Logger is the subset of the gommon logger the engine uses.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const header = `${time_rfc3339} ${level} [${prefix}]`

var (
	mu     sync.Mutex
	level  = log.INFO
	output io.Writer = os.Stderr
)

// SetLevel sets the level for loggers created afterwards.
// Accepts debug, info, warn, error or off; anything else means info.
func SetLevel(s string) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLevel(s)
}

// SetOutput redirects loggers created afterwards.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func ParseLevel(s string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off", "none":
		return log.OFF
	default:
		return log.INFO
	}
}

// New returns a logger for the named component.
func New(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()

	l := log.New(component)
	l.SetHeader(header)
	l.SetLevel(level)
	l.SetOutput(output)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	l := log.New("discard")
	l.SetOutput(io.Discard)
	l.SetLevel(log.OFF)
	return l
}

// OrDefault returns l, or a fresh logger for component when l is nil.
func OrDefault(l Logger, component string) Logger {
	if l != nil {
		return l
	}
	return New(component)
}
