// Package logging provides the structured logging used across the core: one
// charmbracelet/log logger per port, so interleaved receive-worker, poller,
// and serializer output stays attributable without string-prefix soup.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// Level re-exports charmbracelet/log's level type so callers configuring
// verbosity (cmd/proparcored's --log-level flag) don't need to import it
// directly.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

var root = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05.000",
})

// SetLevel adjusts the verbosity of every logger derived from this package.
func SetLevel(l Level) { root.SetLevel(l) }

// ForPort returns a logger tagged with the given port name.
func ForPort(port string) *log.Logger {
	return root.With("port", port)
}

// ForAddress returns a logger tagged with both a port name and a node
// address, for components (poller, health supervisor) that act per-address.
func ForAddress(port string, addr int) *log.Logger {
	return root.With("port", port, "addr", addr)
}

// Root returns the top-level logger, for components with no natural
// port/address scope (the registry, the HTTP/WS control surface).
func Root() *log.Logger { return root }
