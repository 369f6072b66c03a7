// Package port implements the PROPAR port driver and the per-port
// serializer: together they own a single serial handle, run its receive
// worker, correlate responses to pending requests by sequence number, and
// arbitrate concurrent access to the wire.
package port

import (
	"fmt"
	"sync"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/logging"
	"github.com/bronkhorst-go/proparcore/internal/propar"
	goserial "github.com/tarm/serial"
)

// Config holds the serial line parameters for one port.
type Config struct {
	Name            string
	Baud            int
	ByteTimeout     time.Duration
	ResponseTimeout time.Duration
}

// DefaultConfig returns the standard defaults for name: 38400 8N1, no flow
// control, 10ms byte read timeout, 2000ms overall response timeout.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Baud:            38400,
		ByteTimeout:     10 * time.Millisecond,
		ResponseTimeout: 2000 * time.Millisecond,
	}
}

// Stats accumulates the operation and failure counters tracked for a port.
type Stats struct {
	mu                       sync.Mutex
	TotalOperations          int64
	SuccessfulOperations     int64
	FailedOperations         int64
	ConcurrentAttemptsBlocked int64
	LongestOperationMS       int64
	MalformedFrames          uint64
	UnknownSeqFrames         uint64
}

func (s *Stats) recordOperation(success bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalOperations++
	if success {
		s.SuccessfulOperations++
	} else {
		s.FailedOperations++
	}
	ms := elapsed.Milliseconds()
	if ms > s.LongestOperationMS {
		s.LongestOperationMS = ms
	}
}

func (s *Stats) recordBlocked() {
	s.mu.Lock()
	s.ConcurrentAttemptsBlocked++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

type result struct {
	resp propar.Response
	err  error
}

type pendingRequest struct {
	node byte
	want []propar.ParmType
	ch   chan result
}

// Driver owns exactly one open serial handle. It has no retry policy and no
// notion of "the port" surviving a fatal error: once Close is called, or the
// receive worker observes a fatal I/O error, the Driver is dead and a new
// one must be opened. That lifecycle decision belongs to Port (serializer.go).
type Driver struct {
	cfg    Config
	logger interface {
		Warn(msg interface{}, kv ...interface{})
		Debug(msg interface{}, kv ...interface{})
	}
	handle *goserial.Port

	seqMu   sync.Mutex
	seq     byte
	pending map[byte]*pendingRequest

	decoder *propar.FrameDecoder
	Stats   Stats

	writeMu sync.Mutex

	stopCh     chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// OpenDriver opens the serial port described by cfg and starts its receive
// worker. Most callers want Port (serializer.go), which wraps a Driver with
// exclusivity, retry, and recreation; OpenDriver is exposed directly for
// tests and for Port's own recreation logic.
func OpenDriver(cfg Config) (*Driver, error) {
	sp, err := openSerial(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", propar.ErrPortLost, err)
	}
	d := &Driver{
		cfg:        cfg,
		logger:     logging.ForPort(cfg.Name),
		handle:     sp,
		pending:    make(map[byte]*pendingRequest),
		decoder:    propar.NewFrameDecoder(),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go d.receiveWorker()
	return d, nil
}

func openSerial(cfg Config) (*goserial.Port, error) {
	c := &goserial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: cfg.ByteTimeout,
	}
	return goserial.OpenPort(c)
}

// Close stops the receive worker, closes the handle, and fails every pending
// request with ErrPortLost.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stopCh)
		err = d.handle.Close()
		<-d.workerDone
		d.failAllPending(propar.ErrPortLost)
	})
	return err
}

func (d *Driver) failAllPending(err error) {
	d.seqMu.Lock()
	pending := d.pending
	d.pending = make(map[byte]*pendingRequest)
	d.seqMu.Unlock()
	for _, pr := range pending {
		select {
		case pr.ch <- result{err: err}:
		default:
		}
	}
}

func (d *Driver) removePending(seq byte) {
	d.seqMu.Lock()
	delete(d.pending, seq)
	d.seqMu.Unlock()
}

func (d *Driver) receiveWorker() {
	defer close(d.workerDone)
	buf := make([]byte, 256)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		n, err := d.handle.Read(buf)
		if n > 0 {
			d.decoder.Feed(buf[:n], d.onFrame)
		}
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			d.logger.Warn("receive worker read error", "err", err)
			d.failAllPending(fmt.Errorf("%w: %v", propar.ErrPortLost, err))
			return
		}
	}
}

func (d *Driver) onFrame(body []byte) {
	if len(body) < 2 {
		d.Stats.mu.Lock()
		d.Stats.MalformedFrames++
		d.Stats.mu.Unlock()
		return
	}
	seq, node := body[0], body[1]
	d.seqMu.Lock()
	pr, ok := d.pending[seq]
	ok = ok && pr.node == node
	if ok {
		delete(d.pending, seq)
	}
	d.seqMu.Unlock()
	if !ok {
		d.Stats.mu.Lock()
		d.Stats.UnknownSeqFrames++
		d.Stats.mu.Unlock()
		return
	}
	resp, err := propar.DecodeMessage(body, pr.want)
	select {
	case pr.ch <- result{resp: resp, err: err}:
	default:
	}
}

// Submit sends one request and blocks until the matching response arrives,
// the response timeout elapses, or the write itself fails. want supplies a
// ParmType hint per expected parameter (see propar.DecodeMessage); pass nil
// for a Status-only response.
func (d *Driver) Submit(node byte, payload []byte, want []propar.ParmType) (propar.Response, error) {
	d.seqMu.Lock()
	seq := d.seq
	d.seq++
	msg := propar.BuildMessage(seq, node, payload)
	pr := &pendingRequest{node: node, want: want, ch: make(chan result, 1)}
	d.pending[seq] = pr
	d.seqMu.Unlock()

	frame := propar.EncodeFrame(msg)

	d.writeMu.Lock()
	_, err := d.handle.Write(frame)
	d.writeMu.Unlock()
	if err != nil {
		d.removePending(seq)
		return propar.Response{}, fmt.Errorf("%w: %v", propar.ErrPortLost, err)
	}

	timer := time.NewTimer(d.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case r := <-pr.ch:
		return r.resp, r.err
	case <-timer.C:
		d.removePending(seq)
		return propar.Response{}, propar.ErrTimeoutAnswer
	}
}
