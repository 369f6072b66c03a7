package port

import (
	"context"
	"sync"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/logging"
	"github.com/bronkhorst-go/proparcore/internal/propar"
	"github.com/charmbracelet/log"
)

// Port is the per-port mutual-exclusion gate that owns a swappable Driver.
// It is the thing instrument.Facade and the poller actually hold a
// reference to, and it serializes every operation against the wire behind
// a single mutex while tracking retry state for the one active
// transaction.
type Port struct {
	Name   string
	cfg    Config
	logger *log.Logger

	gate   sync.Mutex // held for the whole of one Execute
	mu     sync.Mutex
	driver *Driver
	epoch  uint64
	closed bool

	Stats Stats
}

var retrySleeps = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// heldKey marks, inside a context.Context, that a given *Port's gate is
// already held by the calling goroutine. This is how Execute supports
// re-entrant acquisition without a goroutine-id-based
// recursive mutex, which Go's concurrency model discourages.
type heldKey struct{ p *Port }

// Open opens cfg and wraps it in a new Port.
func Open(cfg Config) (*Port, error) {
	d, err := OpenDriver(cfg)
	if err != nil {
		return nil, err
	}
	return &Port{Name: cfg.Name, cfg: cfg, logger: logging.ForPort(cfg.Name), driver: d}, nil
}

// held reports whether ctx already marks this Port's gate as acquired by the
// current call chain.
func (p *Port) held(ctx context.Context) bool {
	v, _ := ctx.Value(heldKey{p}).(bool)
	return v
}

func (p *Port) withHeld(ctx context.Context) context.Context {
	return context.WithValue(ctx, heldKey{p}, true)
}

// acquire blocks until the gate is free, recording a blocked-attempt stat if
// it had to wait. It returns a release function.
func (p *Port) acquire() func() {
	if p.gate.TryLock() {
		return p.gate.Unlock
	}
	p.Stats.recordBlocked()
	p.gate.Lock()
	return p.gate.Unlock
}

// Execute runs op with exclusive access to the port, retrying recoverable
// failures (PortLost, a frame parse error, TimeoutAnswer) up to 3 additional
// times (4 attempts total) with the spec's {0.1s, 0.2s, 0.3s} backoff. Only a
// PortLost failure triggers recreating the underlying Driver before the next
// attempt; a frame parse error or timeout retries against the same driver.
// Non-recoverable errors bypass retry and surface immediately. Re-entrant
// calls (ctx already held by an outer Execute on the same Port) run op
// directly with no new lock or retry loop, so helper methods can call public
// Port methods without deadlocking.
func (p *Port) Execute(ctx context.Context, op func(ctx context.Context, d *Driver) error) error {
	if p.held(ctx) {
		p.mu.Lock()
		d := p.driver
		p.mu.Unlock()
		return op(ctx, d)
	}

	release := p.acquire()
	defer release()
	ctx = p.withHeld(ctx)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		p.mu.Lock()
		d := p.driver
		p.mu.Unlock()

		var err error
		if d == nil {
			err = propar.ErrPortLost
		} else {
			err = op(ctx, d)
		}

		success := err == nil
		p.Stats.recordOperation(success, time.Since(start))
		if success {
			return nil
		}
		lastErr = err
		if propar.NonRecoverable(err) || !propar.Recoverable(err) {
			return err
		}
		if attempt == 3 {
			break
		}
		if propar.IsPortLost(err) {
			p.recreate()
		}
		time.Sleep(retrySleeps[attempt])
	}
	return lastErr
}

// recreate closes the current driver (if any) and opens a fresh one,
// bumping the recreation epoch so stale pending requests from before the
// rebuild are unambiguously abandoned.
func (p *Port) recreate() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.driver
	p.driver = nil
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	d, err := OpenDriver(p.cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	if err != nil {
		p.logger.Warn("port recreation failed", "err", err)
		p.driver = nil
		return
	}
	p.driver = d
	p.logger.Info("port recreated", "epoch", p.epoch)
}

// ForceReconnect rebuilds the port unconditionally, for use by the health
// supervisor or an external operator request.
func (p *Port) ForceReconnect() {
	p.recreate()
}

// Epoch returns the current recreation epoch.
func (p *Port) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Close shuts the port down entirely; it is not reusable afterward.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	d := p.driver
	p.driver = nil
	p.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close()
}

// Submit is a convenience wrapper that runs a single Driver.Submit call
// through Execute's retry/exclusivity policy.
func (p *Port) Submit(ctx context.Context, node byte, payload []byte, want []propar.ParmType) (propar.Response, error) {
	var resp propar.Response
	err := p.Execute(ctx, func(ctx context.Context, d *Driver) error {
		r, err := d.Submit(node, payload, want)
		resp = r
		return err
	})
	return resp, err
}
