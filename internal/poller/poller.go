// Package poller implements the per-port scheduler: a cooperative loop that
// interleaves priority commands, a single reply-gated async command, and
// periodic bundle reads across every address registered on one port,
// consulting a health supervisor for quarantine decisions and publishing
// measurements to a telemetry sink.
package poller

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/instrument"
	"github.com/bronkhorst-go/proparcore/internal/logging"
	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/propar"
	"github.com/bronkhorst-go/proparcore/internal/telemetryws"
	"github.com/charmbracelet/log"
)

// Priority is the priority-queue class of a queued write.
type Priority int

const (
	Critical Priority = 1
	High     Priority = 2
	Normal   Priority = 3
	Low      Priority = 4
	Background Priority = 5
)

const (
	defaultAsyncTimeout = 400 * time.Millisecond
	idleTick            = 2 * time.Millisecond
	maxPriorityPerTick  = 5
)

// Command is a unit of work queued against one address on this poller's
// port. Exec receives the Facade already scoped to Address; callers build it
// from instrument.Facade.Write/WriteDDE/Read/ReadDDE so the poller itself
// stays ignorant of parameter encoding.
type Command struct {
	Address    byte
	Kind       string
	Priority   Priority
	Timeout    time.Duration
	Exec       func(ctx context.Context, f *instrument.Facade) error
	enqueuedAt time.Time
}

// HealthChecker is the subset of internal/health.Supervisor the poller
// consults. Defined here, consumer-side, so this package does not import
// internal/health.
type HealthChecker interface {
	IsQuarantined(port string, addr byte) bool
	RecordSuccess(port string, addr byte)
	RecordError(port string, addr byte, err error)
}

// TelemetrySink is the subset of *telemetryws.Hub the poller publishes to.
type TelemetrySink interface {
	EmitMeasurement(telemetryws.Measurement)
	EmitValidationSkip(telemetryws.ValidationSkip)
	EmitError(telemetryws.ErrorEvent)
}

// NodeEntry is one polled address on this port.
type NodeEntry struct {
	Address byte
	Period  time.Duration
	nextDue time.Time
}

// priorityQueue is a container/heap ordered by (Priority, enqueuedAt), so
// same-priority commands are served in the order they were queued.
type priorityQueue []*Command

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(*Command)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type asyncSlot struct {
	cmd       Command
	startedAt time.Time
	done      chan error
}

// Poller runs the scheduler loop for one port.
type Poller struct {
	PortName string
	DB       *paramdb.DB
	Health   HealthChecker
	Sink     TelemetrySink
	facadeFor func(addr byte) (*instrument.Facade, error)

	logger *log.Logger

	mu       sync.Mutex
	nodes    map[byte]*NodeEntry
	pq       priorityQueue
	async    []Command
	inFlight *asyncSlot
}

// New builds a Poller for one port. facadeFor resolves a per-address
// instrument.Facade on demand (addresses may be added after startup via
// AddNode, so the poller never caches a fixed facade set).
func New(portName string, db *paramdb.DB, health HealthChecker, sink TelemetrySink, facadeFor func(byte) (*instrument.Facade, error)) *Poller {
	p := &Poller{
		PortName:  portName,
		DB:        db,
		Health:    health,
		Sink:      sink,
		facadeFor: facadeFor,
		logger:    logging.ForPort(portName),
		nodes:     make(map[byte]*NodeEntry),
	}
	heap.Init(&p.pq)
	return p
}

// AddNode registers addr for periodic polling with the given period.
func (p *Poller) AddNode(addr byte, period time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[addr] = &NodeEntry{Address: addr, Period: period, nextDue: time.Now()}
}

// RemoveNode stops periodic polling of addr.
func (p *Poller) RemoveNode(addr byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, addr)
}

// QueuePriority enqueues cmd onto the priority queue.
func (p *Poller) QueuePriority(cmd Command) {
	cmd.enqueuedAt = time.Now()
	p.mu.Lock()
	heap.Push(&p.pq, &cmd)
	p.mu.Unlock()
}

// QueueAsync enqueues cmd onto the async FIFO. A zero
// Timeout defaults to 400ms.
func (p *Poller) QueueAsync(cmd Command) {
	if cmd.Timeout <= 0 {
		cmd.Timeout = defaultAsyncTimeout
	}
	cmd.enqueuedAt = time.Now()
	p.mu.Lock()
	p.async = append(p.async, cmd)
	p.mu.Unlock()
}

// Run executes the scheduler loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(idleTick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("scheduler loop stopped")
			return
		case <-timer.C:
			p.drainPriority(ctx)
			p.stepAsync(ctx)
			p.pollPeriodic(ctx)
			timer.Reset(idleTick)
		}
	}
}

// drainPriority runs up to maxPriorityPerTick priority commands.
func (p *Poller) drainPriority(ctx context.Context) {
	for i := 0; i < maxPriorityPerTick; i++ {
		p.mu.Lock()
		if p.pq.Len() == 0 {
			p.mu.Unlock()
			return
		}
		cmd := heap.Pop(&p.pq).(*Command)
		p.mu.Unlock()

		f, err := p.facadeFor(cmd.Address)
		if err != nil {
			p.recordError(cmd.Address, err)
			continue
		}
		if err := cmd.Exec(ctx, f); err != nil {
			p.recordError(cmd.Address, err)
			continue
		}
		p.Health.RecordSuccess(p.PortName, cmd.Address)
	}
}

// stepAsync advances the single in-flight async slot.
func (p *Poller) stepAsync(ctx context.Context) {
	p.mu.Lock()
	slot := p.inFlight
	p.mu.Unlock()

	if slot == nil {
		p.mu.Lock()
		if len(p.async) == 0 {
			p.mu.Unlock()
			return
		}
		cmd := p.async[0]
		p.async = p.async[1:]
		p.mu.Unlock()

		f, err := p.facadeFor(cmd.Address)
		if err != nil {
			p.recordError(cmd.Address, err)
			return
		}
		done := make(chan error, 1)
		p.mu.Lock()
		p.inFlight = &asyncSlot{cmd: cmd, startedAt: time.Now(), done: done}
		p.mu.Unlock()
		go func() {
			done <- cmd.Exec(ctx, f)
		}()
		return
	}

	select {
	case err := <-slot.done:
		if err != nil {
			p.recordError(slot.cmd.Address, err)
		} else {
			p.Health.RecordSuccess(p.PortName, slot.cmd.Address)
		}
		p.mu.Lock()
		p.inFlight = nil
		p.mu.Unlock()
	default:
		if time.Since(slot.startedAt) > slot.cmd.Timeout {
			logging.ForAddress(p.PortName, int(slot.cmd.Address)).Warn("async command timed out", "kind", slot.cmd.Kind)
			p.recordError(slot.cmd.Address, propar.ErrTimeoutAnswer)
			p.mu.Lock()
			p.inFlight = nil
			p.mu.Unlock()
		}
	}
}

// pollPeriodic reads the DDE bundle for every due, non-quarantined node
// and publishes a Measurement or ValidationSkip.
func (p *Poller) pollPeriodic(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	due := make([]*NodeEntry, 0, len(p.nodes))
	for _, n := range p.nodes {
		if !n.nextDue.After(now) {
			due = append(due, n)
		}
	}
	p.mu.Unlock()

	for _, n := range due {
		p.mu.Lock()
		n.nextDue = now.Add(n.Period)
		p.mu.Unlock()

		if p.Health.IsQuarantined(p.PortName, n.Address) {
			continue
		}
		f, err := p.facadeFor(n.Address)
		if err != nil {
			p.recordError(n.Address, err)
			continue
		}
		values, err := f.ReadDDEBundle(ctx, paramdb.PollBundle)
		if err != nil {
			p.recordError(n.Address, err)
			continue
		}
		p.Health.RecordSuccess(p.PortName, n.Address)
		p.publishMeasurement(n.Address, values)
	}
}

// publishMeasurement applies the DMFC validation rule and emits the resulting event.
func (p *Poller) publishMeasurement(addr byte, values map[int]propar.Value) {
	fMeasure := values[paramdb.DDEFMeasure].F32
	capacity := values[paramdb.DDECapacity].F32
	identNr := values[paramdb.DDEIdentNr].Int

	if identNr == 7 && fMeasure > 1.5*capacity {
		p.Sink.EmitValidationSkip(telemetryws.ValidationSkip{
			Timestamp: time.Now().UnixMilli(),
			Port:      p.PortName,
			Address:   addr,
			Kind:      "dmfc_capacity_exceeded",
			Value:     fMeasure,
			Capacity:  capacity,
			Threshold: 1.5 * capacity,
			Reason:    "fmeasure exceeds 1.5x capacity for a DMFC instrument",
		})
		return
	}

	p.Sink.EmitMeasurement(telemetryws.Measurement{
		Timestamp:  time.Now().UnixMilli(),
		Port:       p.PortName,
		Address:    addr,
		FMeasure:   fMeasure,
		FSetpoint:  values[paramdb.DDEFSetpoint].F32,
		Measure:    values[paramdb.DDEMeasure].Int,
		Setpoint:   values[paramdb.DDESetpoint].Int,
		Fluid:      values[paramdb.DDEFluidName].Str,
		Capacity:   capacity,
		DeviceType: values[paramdb.DDEDeviceType].Int,
	})
}

func (p *Poller) recordError(addr byte, err error) {
	logging.ForAddress(p.PortName, int(addr)).Debug("command failed", "err", err)
	p.Health.RecordError(p.PortName, addr, err)
	p.Sink.EmitError(telemetryws.ErrorEvent{
		Timestamp: time.Now().UnixMilli(),
		Port:      p.PortName,
		Address:   addr,
		ErrorType: "poll_error",
		Message:   err.Error(),
	})
}
