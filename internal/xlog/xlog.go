// Package xlog wraps charmbracelet/log with the handful of helpers the
// rest of the module needs: a process-wide default logger and cheap
// per-component child loggers.
package xlog

import (
	"os"

	"github.com/charmbracelet/log"
)

var base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05.000",
})

// For returns a logger tagged with component, e.g. xlog.For("session").
func For(component string) *log.Logger {
	return base.With("component", component)
}

// SetLevel adjusts the process-wide log level (debug/info/warn/error).
func SetLevel(level log.Level) {
	base.SetLevel(level)
}
