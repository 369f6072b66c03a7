package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/instrument"
	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/propar"
	"github.com/bronkhorst-go/proparcore/internal/telemetryws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// measurementValues builds the map pollPeriodic would hand publishMeasurement
// after a DDE bundle read, with only the fields the DMFC validation rule and
// Measurement payload look at.
func measurementValues(identNr int64, fMeasure, capacity float32) map[int]propar.Value {
	return map[int]propar.Value{
		paramdb.DDEIdentNr:  {Type: propar.Int8, Int: identNr},
		paramdb.DDEFMeasure: {Type: propar.Float, F32: fMeasure},
		paramdb.DDECapacity: {Type: propar.Float, F32: capacity},
	}
}

type fakeHealth struct {
	mu           sync.Mutex
	quarantined  map[byte]bool
	successCount map[byte]int
	errors       []error
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{quarantined: map[byte]bool{}, successCount: map[byte]int{}}
}

func (h *fakeHealth) IsQuarantined(port string, addr byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quarantined[addr]
}

func (h *fakeHealth) RecordSuccess(port string, addr byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount[addr]++
}

func (h *fakeHealth) RecordError(port string, addr byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

type fakeSink struct {
	mu              sync.Mutex
	measurements    []telemetryws.Measurement
	validationSkips []telemetryws.ValidationSkip
	errors          []telemetryws.ErrorEvent
}

func (s *fakeSink) EmitMeasurement(m telemetryws.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements = append(s.measurements, m)
}
func (s *fakeSink) EmitValidationSkip(v telemetryws.ValidationSkip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validationSkips = append(s.validationSkips, v)
}
func (s *fakeSink) EmitError(e telemetryws.ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
}

func noopFacade(addr byte) (*instrument.Facade, error) {
	return &instrument.Facade{Address: addr, Channel: 1, DB: paramdb.Default()}, nil
}

func TestPriorityQueue_OrdersByPriorityThenEnqueueTime(t *testing.T) {
	p := New("portA", paramdb.Default(), newFakeHealth(), &fakeSink{}, noopFacade)

	var order []string
	record := func(name string) func(ctx context.Context, f *instrument.Facade) error {
		return func(ctx context.Context, f *instrument.Facade) error {
			order = append(order, name)
			return nil
		}
	}

	p.QueuePriority(Command{Address: 1, Priority: Low, Exec: record("low")})
	p.QueuePriority(Command{Address: 1, Priority: Critical, Exec: record("critical")})
	p.QueuePriority(Command{Address: 1, Priority: Normal, Exec: record("normal")})
	p.QueuePriority(Command{Address: 1, Priority: Critical, Exec: record("critical2")})

	p.drainPriority(context.Background())

	assert.Equal(t, []string{"critical", "critical2", "normal", "low"}, order)
}

func TestDrainPriority_CapsAtFivePerTick(t *testing.T) {
	p := New("portA", paramdb.Default(), newFakeHealth(), &fakeSink{}, noopFacade)
	var calls int
	for i := 0; i < 8; i++ {
		p.QueuePriority(Command{Address: 1, Priority: Normal, Exec: func(ctx context.Context, f *instrument.Facade) error {
			calls++
			return nil
		}})
	}
	p.drainPriority(context.Background())
	assert.Equal(t, 5, calls)
	assert.Equal(t, 3, p.pq.Len())
}

func TestDrainPriority_RecordsHealthOutcome(t *testing.T) {
	h := newFakeHealth()
	p := New("portA", paramdb.Default(), h, &fakeSink{}, noopFacade)

	p.QueuePriority(Command{Address: 7, Priority: Critical, Exec: func(ctx context.Context, f *instrument.Facade) error {
		return nil
	}})
	p.QueuePriority(Command{Address: 9, Priority: Critical, Exec: func(ctx context.Context, f *instrument.Facade) error {
		return errors.New("bad file descriptor")
	}})
	p.drainPriority(context.Background())

	assert.Equal(t, 1, h.successCount[7])
	require.Len(t, h.errors, 1)
}

// TestAsyncSlot_LatchClearsOnCompletion covers the async step of the tick:
// an async command occupies the single in-flight slot until its latch
// fires, then the next command can start.
func TestAsyncSlot_LatchClearsOnCompletion(t *testing.T) {
	h := newFakeHealth()
	p := New("portA", paramdb.Default(), h, &fakeSink{}, noopFacade)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p.QueueAsync(Command{Address: 3, Kind: "fset_flow", Exec: func(ctx context.Context, f *instrument.Facade) error {
		started <- struct{}{}
		<-release
		return nil
	}})
	second := make(chan struct{}, 1)
	p.QueueAsync(Command{Address: 3, Kind: "fset_flow", Exec: func(ctx context.Context, f *instrument.Facade) error {
		second <- struct{}{}
		return nil
	}})

	p.stepAsync(context.Background())
	<-started

	select {
	case <-second:
		t.Fatal("second async command must not start while the first is in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.Eventually(t, func() bool {
		p.stepAsync(context.Background())
		return true
	}, time.Second, time.Millisecond)

	// Drain until the first command's completion is observed and the next
	// one is dispatched.
	require.Eventually(t, func() bool {
		p.stepAsync(context.Background())
		select {
		case <-second:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.successCount[3])
}

// TestAsyncSlot_TimeoutClearsSlotAndRecordsError is the safety-net half of
// the reply-latch rule.
func TestAsyncSlot_TimeoutClearsSlotAndRecordsError(t *testing.T) {
	h := newFakeHealth()
	p := New("portA", paramdb.Default(), h, &fakeSink{}, noopFacade)

	block := make(chan struct{})
	defer close(block)
	p.QueueAsync(Command{Address: 5, Timeout: 10 * time.Millisecond, Exec: func(ctx context.Context, f *instrument.Facade) error {
		<-block
		return nil
	}})
	p.stepAsync(context.Background())

	require.Eventually(t, func() bool {
		p.mu.Lock()
		inFlight := p.inFlight
		p.mu.Unlock()
		if inFlight == nil {
			return true
		}
		p.stepAsync(context.Background())
		return false
	}, time.Second, time.Millisecond)

	require.Len(t, h.errors, 1)
}

func TestPollPeriodic_SkipsQuarantinedNode(t *testing.T) {
	h := newFakeHealth()
	h.quarantined[5] = true
	p := New("portA", paramdb.Default(), h, &fakeSink{}, func(addr byte) (*instrument.Facade, error) {
		t.Fatal("quarantined node must never resolve a facade")
		return nil, nil
	})
	p.AddNode(5, time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	p.pollPeriodic(context.Background())
}

func TestPublishMeasurement_DMFCValidationSkip(t *testing.T) {
	sink := &fakeSink{}
	p := New("portA", paramdb.Default(), newFakeHealth(), sink, noopFacade)

	p.publishMeasurement(9, measurementValues(7, 200, 100))

	require.Len(t, sink.validationSkips, 1)
	assert.Empty(t, sink.measurements)
	assert.Equal(t, "dmfc_capacity_exceeded", sink.validationSkips[0].Kind)
}

func TestPublishMeasurement_NonDMFCAlwaysEmits(t *testing.T) {
	sink := &fakeSink{}
	p := New("portA", paramdb.Default(), newFakeHealth(), sink, noopFacade)

	p.publishMeasurement(9, measurementValues(3, 200, 100))

	require.Len(t, sink.measurements, 1)
	assert.Empty(t, sink.validationSkips)
}
