package notify

import (
	"context"
	"time"
)

// Sink delivers a notification to the session's PM agent. The monitor wires
// an implementation that resolves the PM target and sends through the pool;
// tests substitute fakes.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

// Drainer is the single consumer of a Queue. Every notification is logged;
// those at WARN or above are additionally handed to the sink for PM
// delivery. Per-target delivery order follows enqueue order because there
// is exactly one drainer.
type Drainer struct {
	queue *Queue
	sink  Sink

	doneCh chan struct{}
}

// NewDrainer creates a drainer over queue. sink may be nil to log only.
func NewDrainer(queue *Queue, sink Sink) *Drainer {
	return &Drainer{queue: queue, sink: sink, doneCh: make(chan struct{})}
}

// Run consumes the queue until ctx is cancelled. It drains whatever is
// already queued before returning so a graceful stop flushes alerts.
func (d *Drainer) Run(ctx context.Context) {
	defer close(d.doneCh)
	for {
		d.DrainPending(ctx)

		select {
		case <-ctx.Done():
			d.DrainPending(context.Background())
			return
		case <-d.queue.signal:
		}
	}
}

// DrainPending delivers everything currently queued.
func (d *Drainer) DrainPending(ctx context.Context) {
	for {
		n, ok := d.queue.dequeue()
		if !ok {
			return
		}
		d.deliver(ctx, n)
	}
}

// Done is closed when Run has returned.
func (d *Drainer) Done() <-chan struct{} { return d.doneCh }

func (d *Drainer) deliver(ctx context.Context, n Notification) {
	logAttrs := []any{
		"id", n.ID,
		"target", n.Target.String(),
		"kind", n.Kind,
		"severity", n.Severity.String(),
		"suppressed", n.SuppressedCount,
	}
	switch n.Severity {
	case SeverityInfo:
		notifyLogger.Info(n.Message, logAttrs...)
	case SeverityWarn:
		notifyLogger.Warn(n.Message, logAttrs...)
	default:
		notifyLogger.Error(n.Message, logAttrs...)
	}

	if d.sink != nil && n.Severity >= SeverityWarn {
		deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := d.sink.Deliver(deliverCtx, n)
		cancel()
		if err != nil {
			notifyLogger.Warn("pm delivery failed", "id", n.ID, "error", err)
		}
	}
	d.queue.noteDelivered(n)
}
