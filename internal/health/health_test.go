package health

import (
	"errors"
	"testing"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/telemetryws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SubstringTable(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"write: bad file descriptor", ClassBadFileDescriptor},
		{"errno 9", ClassBadFileDescriptor},
		{"port is closed", ClassPortClosed},
		{"Serial connection lost", ClassSerialConnectionLost},
		{"device not configured", ClassDeviceDisconnected},
		{"no such file or directory", ClassDeviceDisconnected},
		{"operation timeout", ClassTimeout},
		{"list index out of range", ClassParseError},
		{"permission denied", ClassPermissionDenied},
		{"something entirely unrelated", ClassOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(errors.New(c.msg)), c.msg)
	}
	assert.Equal(t, ClassOther, Classify(nil))
}

func TestRecoveryDelay_PerClass(t *testing.T) {
	assert.Equal(t, time.Second, ClassBadFileDescriptor.RecoveryDelay())
	assert.Equal(t, time.Second, ClassDeviceDisconnected.RecoveryDelay())
	assert.Equal(t, 500*time.Millisecond, ClassPortClosed.RecoveryDelay())
	assert.Equal(t, 100*time.Millisecond, ClassTimeout.RecoveryDelay())
	assert.Equal(t, 50*time.Millisecond, ClassOther.RecoveryDelay())
}

// TestQuarantine_TenConsecutiveErrorsTriggersQuarantine checks that
// quarantine only engages on the 10th consecutive error, not before.
func TestQuarantine_TenConsecutiveErrorsTriggersQuarantine(t *testing.T) {
	s := NewSupervisor()
	for i := 0; i < 9; i++ {
		s.RecordError("portA", 5, errors.New("bad file descriptor"))
		assert.False(t, s.IsQuarantined("portA", 5), "must not quarantine before the 10th consecutive error")
	}
	s.RecordError("portA", 5, errors.New("bad file descriptor"))
	assert.True(t, s.IsQuarantined("portA", 5))
}

func TestQuarantine_ExpiresAfterWindow(t *testing.T) {
	s := NewSupervisor()
	r := s.get(key{"portA", 5})
	r.consecutiveErrors = quarantineThresh
	r.quarantinedUntil = time.Now().Add(-time.Millisecond) // already elapsed
	assert.False(t, s.IsQuarantined("portA", 5))
}

func TestQuarantine_SuccessClearsIt(t *testing.T) {
	s := NewSupervisor()
	for i := 0; i < quarantineThresh; i++ {
		s.RecordError("portA", 5, errors.New("bad file descriptor"))
	}
	require.True(t, s.IsQuarantined("portA", 5))

	s.RecordSuccess("portA", 5)
	assert.False(t, s.IsQuarantined("portA", 5))
}

// TestResetIfQuiet_ClearsConsecutiveCountAfterQuietWindow exercises the 30s
// quiet-reset rule without sleeping 30 real seconds.
func TestResetIfQuiet_ClearsConsecutiveCountAfterQuietWindow(t *testing.T) {
	s := NewSupervisor()
	r := s.get(key{"portA", 5})
	r.consecutiveErrors = 5
	r.lastErrorTime = time.Now().Add(-quietResetWindow - time.Second)

	assert.False(t, s.IsQuarantined("portA", 5))
	assert.Zero(t, r.consecutiveErrors)
}

func TestResetIfQuiet_DoesNotResetBeforeWindowElapses(t *testing.T) {
	s := NewSupervisor()
	r := s.get(key{"portA", 5})
	r.consecutiveErrors = 5
	r.lastErrorTime = time.Now().Add(-time.Second)

	s.IsQuarantined("portA", 5)
	assert.Equal(t, 5, r.consecutiveErrors)
}

// TestRecordSuccess_RecoveryAccounting checks that a recovery is counted
// whenever a success follows a prior failure, not only on a forced
// reconnect.
func TestRecordSuccess_RecoveryAccounting(t *testing.T) {
	s := NewSupervisor()
	assert.EqualValues(t, 0, s.Recoveries("portA", 5))

	s.RecordSuccess("portA", 5) // no prior failure: not a recovery
	assert.EqualValues(t, 0, s.Recoveries("portA", 5))

	s.RecordError("portA", 5, errors.New("timeout"))
	s.RecordSuccess("portA", 5) // follows a failure: counts as a recovery
	assert.EqualValues(t, 1, s.Recoveries("portA", 5))

	s.RecordSuccess("portA", 5) // no intervening failure now
	assert.EqualValues(t, 1, s.Recoveries("portA", 5))
}

func TestUptime_MonotonicAndUnsetUntilFirstRecovery(t *testing.T) {
	s := NewSupervisor()
	_, ok := s.Uptime("portA", 5)
	assert.False(t, ok)

	s.RecordError("portA", 5, errors.New("timeout"))
	s.RecordSuccess("portA", 5)

	d, ok := s.Uptime("portA", 5)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

type fakeReconnector struct {
	called int
}

func (f *fakeReconnector) ForceReconnect() { f.called++ }

type fakeRecoverySink struct {
	events []telemetryws.ConnectionRecovery
}

func (f *fakeRecoverySink) EmitConnectionRecovery(e telemetryws.ConnectionRecovery) {
	f.events = append(f.events, e)
}

func TestForceReconnect_ClearsStateAndEmitsPerAddress(t *testing.T) {
	s := NewSupervisor()
	for i := 0; i < quarantineThresh; i++ {
		s.RecordError("portA", 5, errors.New("bad file descriptor"))
	}
	require.True(t, s.IsQuarantined("portA", 5))

	rc := &fakeReconnector{}
	sink := &fakeRecoverySink{}
	s.ForceReconnect("portA", []byte{5, 7}, rc, sink)

	assert.Equal(t, 1, rc.called)
	assert.False(t, s.IsQuarantined("portA", 5))
	require.Len(t, sink.events, 2)
	assert.Equal(t, byte(5), sink.events[0].Address)
	assert.Equal(t, byte(7), sink.events[1].Address)
	assert.EqualValues(t, 1, s.Recoveries("portA", 5))
	assert.EqualValues(t, 1, s.Recoveries("portA", 7))
}
