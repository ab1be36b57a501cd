// Package pool provides a bounded pool of reusable tmux adapters with
// health-checked recycling. Acquire blocks up to a timeout; handles that
// exceed their idle or total age are closed on release or by the sweeper.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

var poolLogger = slog.Default().With("component", "pool")

var (
	// ErrExhausted is returned when no adapter becomes available within
	// the acquire timeout.
	ErrExhausted = errors.New("adapter pool exhausted")
	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("adapter pool closed")
)

// Factory creates a fresh adapter for the pool.
type Factory func() (tmux.Adapter, error)

// Config is the pool geometry.
type Config struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	MaxIdle        time.Duration
	MaxTotalAge    time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the default pool geometry.
func DefaultConfig() Config {
	return Config{
		Min:            5,
		Max:            20,
		AcquireTimeout: 5 * time.Second,
		MaxIdle:        60 * time.Second,
		MaxTotalAge:    10 * time.Minute,
		SweepInterval:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Min <= 0 {
		c.Min = def.Min
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = def.MaxIdle
	}
	if c.MaxTotalAge <= 0 {
		c.MaxTotalAge = def.MaxTotalAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Handle is a pooled adapter. Callers must Release every acquired handle
// exactly once; MarkBroken poisons it so release closes instead of reusing.
type Handle struct {
	adapter   tmux.Adapter
	createdAt time.Time
	lastUsed  time.Time

	mu     sync.Mutex
	broken bool
}

// Adapter returns the underlying adapter.
func (h *Handle) Adapter() tmux.Adapter { return h.adapter }

// MarkBroken poisons the handle; it will be closed on release. Callers do
// this after a transient adapter error so a wedged tmux invocation cannot
// poison later checks.
func (h *Handle) MarkBroken() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}

func (h *Handle) isBroken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broken
}

// Stats is a point-in-time view of pool accounting.
type Stats struct {
	Active          int
	Idle            int
	Min             int
	Max             int
	Created         uint64
	Closed          uint64
	AcquireTimeouts uint64
	SaturatedFor    time.Duration
}

// Pool is a bounded set of adapters. Creation capacity is tracked with a
// token channel so active + idle never exceeds Max.
type Pool struct {
	cfg     Config
	factory Factory

	idle  chan *Handle
	slots chan struct{}

	mu              sync.Mutex
	active          int
	created         uint64
	closedCount     uint64
	acquireTimeouts uint64
	saturatedSince  time.Time
	started         bool
	closed          bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a pool; Start launches the sweeper.
func New(factory Factory, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *Handle, cfg.Max),
		slots:   make(chan struct{}, cfg.Max),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.Max; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Start launches the background sweeper. It sweeps once immediately so the
// pool is pre-warmed to Min before the first cycle. Starting twice, or after
// Close, is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)

		p.sweep()

		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Acquire returns a handle, blocking up to the acquire timeout. Expired
// idle handles found on the way are closed and the wait continues.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		// Prefer reuse over creation.
		select {
		case h := <-p.idle:
			if p.expired(h) {
				p.closeHandle(h)
				continue
			}
			p.markActive()
			return h, nil
		default:
		}

		select {
		case h := <-p.idle:
			if p.expired(h) {
				p.closeHandle(h)
				continue
			}
			p.markActive()
			return h, nil
		case <-p.slots:
			h, err := p.newHandle()
			if err != nil {
				p.slots <- struct{}{}
				return nil, err
			}
			p.markActive()
			return h, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			p.noteAcquireTimeout()
			return nil, ErrExhausted
		case <-p.stopCh:
			return nil, ErrClosed
		}
	}
}

// Release returns a handle to the pool. Broken or over-aged handles are
// closed instead.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.markInactive()

	if p.isClosed() || h.isBroken() || p.expired(h) {
		p.closeHandle(h)
		return
	}
	h.lastUsed = time.Now()

	select {
	case p.idle <- h:
		p.updateSaturation()
	default:
		// Cannot happen while the token invariant holds, but a closed
		// handle is always safe.
		p.closeHandle(h)
	}
}

// Close stops the sweeper and closes all idle handles. In-flight handles
// are closed as they are released.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		started := p.started
		p.mu.Unlock()

		close(p.stopCh)
		// The sweeper only exists if Start ran.
		if started {
			<-p.doneCh
		}

		for {
			select {
			case h := <-p.idle:
				p.closeHandle(h)
			default:
				return
			}
		}
	})
}

// Stats returns current pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var saturated time.Duration
	if !p.saturatedSince.IsZero() {
		saturated = time.Since(p.saturatedSince)
	}
	return Stats{
		Active:          p.active,
		Idle:            len(p.idle),
		Min:             p.cfg.Min,
		Max:             p.cfg.Max,
		Created:         p.created,
		Closed:          p.closedCount,
		AcquireTimeouts: p.acquireTimeouts,
		SaturatedFor:    saturated,
	}
}

// sweep closes over-aged idle handles and tops the pool back up to Min.
func (p *Pool) sweep() {
	var keep []*Handle
drain:
	for {
		select {
		case h := <-p.idle:
			if p.expired(h) {
				p.closeHandle(h)
			} else {
				keep = append(keep, h)
			}
		default:
			break drain
		}
	}
	for _, h := range keep {
		select {
		case p.idle <- h:
		default:
			p.closeHandle(h)
		}
	}

	// Top up to Min. Each new idle handle consumes a creation token.
	for p.total() < p.cfg.Min {
		select {
		case <-p.slots:
			h, err := p.newHandle()
			if err != nil {
				p.slots <- struct{}{}
				poolLogger.Warn("sweep could not create adapter", "error", err)
				return
			}
			select {
			case p.idle <- h:
			default:
				p.closeHandle(h)
				return
			}
		default:
			return
		}
	}
}

func (p *Pool) newHandle() (*Handle, error) {
	adapter, err := p.factory()
	if err != nil {
		return nil, err
	}
	now := time.Now()

	p.mu.Lock()
	p.created++
	p.mu.Unlock()

	return &Handle{adapter: adapter, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) closeHandle(h *Handle) {
	if err := h.adapter.Close(); err != nil {
		poolLogger.Debug("adapter close failed", "error", err)
	}
	p.mu.Lock()
	p.closedCount++
	p.mu.Unlock()
	p.slots <- struct{}{}
	p.updateSaturation()
}

func (p *Pool) expired(h *Handle) bool {
	now := time.Now()
	if now.Sub(h.createdAt) > p.cfg.MaxTotalAge {
		return true
	}
	if now.Sub(h.lastUsed) > p.cfg.MaxIdle {
		return true
	}
	return false
}

func (p *Pool) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active + len(p.idle)
}

func (p *Pool) markActive() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	p.updateSaturation()
}

func (p *Pool) markInactive() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
	p.updateSaturation()
}

func (p *Pool) noteAcquireTimeout() {
	p.mu.Lock()
	p.acquireTimeouts++
	p.mu.Unlock()
}

// updateSaturation records when the pool became fully busy: no idle handles
// and no creation capacity. The scheduler reads SaturatedFor to drive
// backpressure.
func (p *Pool) updateSaturation() {
	p.mu.Lock()
	defer p.mu.Unlock()

	saturated := len(p.idle) == 0 && len(p.slots) == 0
	if saturated && p.saturatedSince.IsZero() {
		p.saturatedSince = time.Now()
	} else if !saturated && !p.saturatedSince.IsZero() {
		p.saturatedSince = time.Time{}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
