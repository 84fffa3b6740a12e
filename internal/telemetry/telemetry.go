// Package telemetry provides component-scoped structured logging for the
// daemon, preserving the teacher's logging.WithComponent call shape over
// logrus rather than the teacher's hand-rolled writer.
package telemetry

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	base = newBase()
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
	})
	return l
}

// SetLevel sets the minimum level for all future WithComponent loggers.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(level)
}

// SetJSON switches between logrus's JSON formatter (daemon mode) and the
// teacher's text-style formatter (foreground/CLI mode).
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "15:04:05",
			FullTimestamp:   true,
		})
	}
}

// WithComponent returns a logger scoped to the named subsystem, e.g.
// "session", "bridge", "auth", "listener", "device", "admin".
func WithComponent(name string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return base.WithField("component", name)
}
