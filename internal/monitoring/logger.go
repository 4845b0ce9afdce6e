// Package monitoring owns the process-wide structured logger. Every package
// logs through a component-scoped entry so that output from the planner,
// sensors and writers can be filtered by the "component" field.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Logf is the package-level printf-style logger. It routes to the structured
// logger at info level but may be replaced by SetLogf, e.g. to mute a test.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	Logger().Infof(format, v...)
}

// SetLogf replaces the Logf hook. Passing nil installs a no-op.
func SetLogf(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger swaps the shared logger. A nil logger discards all output.
// Entries already obtained from Component keep the previous logger; prefer
// SetOutput and Configure, which mutate the shared logger in place.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newLogger(io.Discard)
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetOutput redirects the shared logger.
func SetOutput(w io.Writer) {
	Logger().SetOutput(w)
}

// Component returns an entry tagged with the given component name.
func Component(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

// Configure applies a level ("debug", "info", "warn", "error") and a format
// ("text" or "json") to the shared logger.
func Configure(level, format string) error {
	l := Logger()
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		l.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q: expected text or json", format)
	}
	return nil
}
