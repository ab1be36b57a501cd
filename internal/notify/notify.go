// Package notify buffers human-readable alerts for delivery to the PM
// agent and the structured log. The queue is a bounded FIFO deduplicated by
// (target, kind) within a sliding window.
package notify

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmuxmon/tmo/internal/tmux"
)

var notifyLogger = slog.Default().With("component", "notify")

// Severity orders notifications from informational to critical.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityWarn:     "warn",
	SeverityError:    "error",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// Well-known notification kinds. Kinds are strings so embedding programs
// can add their own; the dedupe key is (target, kind).
const (
	KindStuck             = "stuck"
	KindCrashed           = "crashed"
	KindGone              = "gone"
	KindRecovered         = "recovered"
	KindPMRestarted       = "pm_restarted"
	KindRecoveryExhausted = "recovery_exhausted"
	KindPoolSaturation    = "pool_saturation"
	KindCycleOverrun      = "cycle_overrun"
	KindDuplicateTarget   = "duplicate_target"
	KindCycleAborted      = "cycle_aborted"
)

// Notification is one queued alert.
type Notification struct {
	ID              string
	Target          tmux.Target
	Severity        Severity
	Kind            string
	Message         string
	CreatedAt       time.Time
	SuppressedCount int
}

type dedupeKey struct {
	target tmux.Target
	kind   string
}

// DefaultCapacity bounds the queue.
const DefaultCapacity = 10000

// DefaultDedupeWindow is how long a (target, kind) pair suppresses
// duplicates.
const DefaultDedupeWindow = 60 * time.Second

// Config holds queue parameters.
type Config struct {
	Capacity     int
	DedupeWindow time.Duration
}

// DefaultConfig returns the default queue parameters.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, DedupeWindow: DefaultDedupeWindow}
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	return c
}

// Stats is a point-in-time view of queue accounting.
type Stats struct {
	Queued     int
	Delivered  uint64
	Dropped    uint64
	Suppressed uint64
}

// Queue is the bounded, deduplicated notification buffer. A single drainer
// consumes it.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	fifo    *list.List // of *Notification, front = oldest
	byKey   map[dedupeKey]*list.Element
	recent  []Notification // last delivered, newest last
	closed  bool
	dropped uint64

	delivered  uint64
	suppressed uint64

	signal chan struct{}
	now    func() time.Time
}

// recentCap bounds the delivered-notification history kept for status.
const recentCap = 32

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	return &Queue{
		cfg:    cfg.withDefaults(),
		fifo:   list.New(),
		byKey:  make(map[dedupeKey]*list.Element),
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Enqueue adds a notification, applying dedupe and the full-queue drop
// policy. The context is honoured for symmetry with other suspension
// points; enqueue itself never blocks.
func (q *Queue) Enqueue(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("notification queue closed")
	}

	now := q.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	key := dedupeKey{target: n.Target, kind: n.Kind}
	if el, ok := q.byKey[key]; ok {
		existing := el.Value.(*Notification)
		if now.Sub(existing.CreatedAt) < q.cfg.DedupeWindow {
			existing.CreatedAt = n.CreatedAt
			existing.SuppressedCount++
			q.suppressed++
			return nil
		}
	}

	if q.fifo.Len() >= q.cfg.Capacity {
		if !q.makeRoomLocked(n.Severity) {
			q.dropped++
			return nil
		}
	}

	el := q.fifo.PushBack(&n)
	q.byKey[key] = el

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// makeRoomLocked applies the full-queue policy: a notification below the
// queue's minimum severity is refused; otherwise the oldest entry of the
// minimum severity is discarded. Caller holds q.mu.
func (q *Queue) makeRoomLocked(incoming Severity) bool {
	min := SeverityCritical
	for el := q.fifo.Front(); el != nil; el = el.Next() {
		if s := el.Value.(*Notification).Severity; s < min {
			min = s
		}
	}
	if incoming < min {
		return false
	}
	for el := q.fifo.Front(); el != nil; el = el.Next() {
		n := el.Value.(*Notification)
		if n.Severity == min {
			q.removeLocked(el)
			q.dropped++
			return true
		}
	}
	return false
}

func (q *Queue) removeLocked(el *list.Element) {
	n := el.Value.(*Notification)
	q.fifo.Remove(el)
	key := dedupeKey{target: n.Target, kind: n.Kind}
	if cur, ok := q.byKey[key]; ok && cur == el {
		delete(q.byKey, key)
	}
}

// dequeue pops the oldest notification, or reports an empty queue.
func (q *Queue) dequeue() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.fifo.Front()
	if el == nil {
		return Notification{}, false
	}
	n := *el.Value.(*Notification)
	q.removeLocked(el)
	return n, true
}

// noteDelivered records a delivered notification in the recent history.
func (q *Queue) noteDelivered(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivered++
	q.recent = append(q.recent, n)
	if len(q.recent) > recentCap {
		q.recent = q.recent[len(q.recent)-recentCap:]
	}
}

// Recent returns the most recently delivered notifications, oldest first.
func (q *Queue) Recent() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notification, len(q.recent))
	copy(out, q.recent)
	return out
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Len()
}

// Stats returns queue accounting.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:     q.fifo.Len(),
		Delivered:  q.delivered,
		Dropped:    q.dropped,
		Suppressed: q.suppressed,
	}
}

// Close marks the queue closed; further enqueues fail.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
