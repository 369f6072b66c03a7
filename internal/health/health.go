// Package health implements the connection-health supervisor: a substring
// error classifier, per-(port, address) consecutive-error and quarantine
// accounting, recovery accounting, and forced-reconnection orchestration.
// A classifier table is used rather than typed sentinel errors because the
// underlying serial I/O errors arrive as plain strings with no typed
// sentinel to match on.
package health

import (
	"strings"
	"sync"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/logging"
	"github.com/bronkhorst-go/proparcore/internal/telemetryws"
)

// Class is one of the named error classes the classifier table recognizes.
type Class string

const (
	ClassBadFileDescriptor    Class = "BadFileDescriptor"
	ClassPortClosed           Class = "PortClosed"
	ClassSerialConnectionLost Class = "SerialConnectionLost"
	ClassDeviceDisconnected   Class = "DeviceDisconnected"
	ClassTimeout              Class = "Timeout"
	ClassParseError           Class = "ParseError"
	ClassPermissionDenied     Class = "PermissionDenied"
	ClassOther                Class = "Other"
)

var classSubstrings = []struct {
	class   Class
	matches []string
}{
	{ClassBadFileDescriptor, []string{"bad file descriptor", "errno 9", "write failed", "read failed"}},
	{ClassPortClosed, []string{"port is closed", "file descriptor is none", "port that is not open"}},
	{ClassSerialConnectionLost, []string{"serial connection lost", "connection lost"}},
	{ClassDeviceDisconnected, []string{"device disconnected", "device not configured", "no such device", "no such file or directory"}},
	{ClassTimeout, []string{"timeout"}},
	{ClassParseError, []string{"list index out of range", "index out of range", "unpack requires", "struct.error"}},
	{ClassPermissionDenied, []string{"permission denied"}},
}

// Classify maps err to a Class by lowercase substring match, first match
// wins, falling back to ClassOther.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	s := strings.ToLower(err.Error())
	for _, row := range classSubstrings {
		for _, sub := range row.matches {
			if strings.Contains(s, sub) {
				return row.class
			}
		}
	}
	return ClassOther
}

// RecoveryDelay returns the per-class delay to wait before a reconnect
// attempt should be retried.
func (c Class) RecoveryDelay() time.Duration {
	switch c {
	case ClassBadFileDescriptor, ClassDeviceDisconnected:
		return time.Second
	case ClassPortClosed, ClassSerialConnectionLost:
		return 500 * time.Millisecond
	case ClassTimeout:
		return 100 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

const (
	quietResetWindow  = 30 * time.Second
	quarantineThresh  = 10
	quarantineWindow  = 60 * time.Second
)

type record struct {
	consecutiveErrors int
	lastErrorTime     time.Time
	quarantinedUntil  time.Time
	recoveries        int64
	lastRecoveryTime  time.Time
	uptimeOrigin      time.Time
	sinceLastSuccess  bool
}

type key struct {
	port string
	addr byte
}

// Reconnector is the subset of *internal/port.Port the supervisor needs to
// force a reconnect. Defined here, consumer-side, to avoid importing
// internal/port.
type Reconnector interface {
	ForceReconnect()
}

// TelemetrySink is the subset of *telemetryws.Hub the supervisor publishes
// ConnectionRecovery events to.
type TelemetrySink interface {
	EmitConnectionRecovery(telemetryws.ConnectionRecovery)
}

// Supervisor tracks per-(port, address) error/recovery state and answers
// the poller's quarantine checks.
type Supervisor struct {
	mu      sync.Mutex
	records map[key]*record
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{records: make(map[key]*record)}
}

func (s *Supervisor) get(k key) *record {
	r, ok := s.records[k]
	if !ok {
		r = &record{}
		s.records[k] = r
	}
	return r
}

// resetIfQuiet applies the "reset after 30s of no further errors" rule
//. Caller must hold s.mu.
func (r *record) resetIfQuiet(now time.Time) {
	if r.consecutiveErrors > 0 && !r.lastErrorTime.IsZero() && now.Sub(r.lastErrorTime) >= quietResetWindow {
		r.consecutiveErrors = 0
	}
}

// RecordError classifies err and updates (port, addr)'s consecutive-error
// and quarantine state. It satisfies
// internal/poller.HealthChecker.
func (s *Supervisor) RecordError(port string, addr byte, err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key{port, addr})
	r.resetIfQuiet(now)
	r.consecutiveErrors++
	r.lastErrorTime = now
	r.sinceLastSuccess = true
	if r.consecutiveErrors >= quarantineThresh {
		if r.consecutiveErrors == quarantineThresh {
			logging.ForAddress(port, int(addr)).Warn("quarantining after consecutive errors",
				"count", r.consecutiveErrors, "class", Classify(err))
		}
		r.quarantinedUntil = now.Add(quarantineWindow)
	}
}

// RecordSuccess clears (port, addr)'s consecutive-error count and, if the
// success follows a prior failure, accounts for a recovery.
// It satisfies internal/poller.HealthChecker.
func (s *Supervisor) RecordSuccess(port string, addr byte) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key{port, addr})
	hadFailure := r.sinceLastSuccess || r.consecutiveErrors > 0
	r.consecutiveErrors = 0
	r.quarantinedUntil = time.Time{}
	r.sinceLastSuccess = false
	if hadFailure {
		r.recoveries++
		r.lastRecoveryTime = now
		if r.uptimeOrigin.IsZero() {
			r.uptimeOrigin = now
		}
	}
}

// IsQuarantined reports whether (port, addr) is currently under quarantine.
// It satisfies internal/poller.HealthChecker.
func (s *Supervisor) IsQuarantined(port string, addr byte) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key{port, addr})
	r.resetIfQuiet(now)
	return r.quarantinedUntil.After(now)
}

// Recoveries returns the total recovery count for (port, addr).
func (s *Supervisor) Recoveries(port string, addr byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key{port, addr}).recoveries
}

// Uptime returns how long (port, addr) has been recorded as up, measured
// monotonically from its uptime origin via time.Since rather than a wall-
// clock subtraction that could go negative across a clock adjustment. The
// zero duration and false are returned if no origin has been set yet.
func (s *Supervisor) Uptime(port string, addr byte) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key{port, addr})
	if r.uptimeOrigin.IsZero() {
		return 0, false
	}
	return time.Since(r.uptimeOrigin), true
}

// ForceReconnect rebuilds the given port via reconnect, then clears
// quarantine/error state and emits a ConnectionRecovery event for every
// address in addrs.
func (s *Supervisor) ForceReconnect(port string, addrs []byte, reconnect Reconnector, sink TelemetrySink) {
	reconnect.ForceReconnect()

	now := time.Now()
	s.mu.Lock()
	for _, addr := range addrs {
		r := s.get(key{port, addr})
		r.consecutiveErrors = 0
		r.quarantinedUntil = time.Time{}
		r.sinceLastSuccess = false
		r.recoveries++
		r.lastRecoveryTime = now
		if r.uptimeOrigin.IsZero() {
			r.uptimeOrigin = now
		}
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		logging.ForAddress(port, int(addr)).Info("forced reconnect cleared quarantine")
		sink.EmitConnectionRecovery(telemetryws.ConnectionRecovery{
			Timestamp:       now.UnixMilli(),
			Port:            port,
			Address:         addr,
			RecoveriesTotal: s.Recoveries(port, addr),
		})
	}
}
