package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

// nopAdapter satisfies tmux.Adapter and counts closes.
type nopAdapter struct {
	closed *atomic.Int64
}

func (a *nopAdapter) ListTargets(context.Context) ([]tmux.Target, error) { return nil, nil }
func (a *nopAdapter) Capture(context.Context, tmux.Target, int) (*tmux.Snapshot, error) {
	return nil, nil
}
func (a *nopAdapter) Send(context.Context, tmux.Target, string, bool) error { return nil }
func (a *nopAdapter) Spawn(context.Context, string, string, string) (tmux.Target, error) {
	return tmux.Target{}, nil
}
func (a *nopAdapter) Close() error {
	if a.closed != nil {
		a.closed.Add(1)
	}
	return nil
}

func countingFactory(created *atomic.Int64, closed *atomic.Int64) Factory {
	return func() (tmux.Adapter, error) {
		if created != nil {
			created.Add(1)
		}
		return &nopAdapter{closed: closed}, nil
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	p := New(countingFactory(nil, nil), Config{Min: 1, Max: 2, AcquireTimeout: time.Second})
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := p.Stats().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}

	p.Release(h)
	st := p.Stats()
	if st.Active != 0 || st.Idle != 1 {
		t.Errorf("after release: active=%d idle=%d, want 0/1", st.Active, st.Idle)
	}

	// Reacquire reuses the idle handle instead of creating.
	var created atomic.Int64
	p2 := New(countingFactory(&created, nil), Config{Min: 1, Max: 2, AcquireTimeout: time.Second})
	defer p2.Close()

	h1, _ := p2.Acquire(context.Background())
	p2.Release(h1)
	h2, _ := p2.Acquire(context.Background())
	p2.Release(h2)
	if created.Load() != 1 {
		t.Errorf("created %d adapters, want 1 (reuse)", created.Load())
	}
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	t.Parallel()

	p := New(countingFactory(nil, nil), Config{Min: 1, Max: 2, AcquireTimeout: 50 * time.Millisecond})
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() #1 error = %v", err)
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() #2 error = %v", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire() #3 = %v, want ErrExhausted", err)
	}
	if p.Stats().AcquireTimeouts != 1 {
		t.Errorf("AcquireTimeouts = %d, want 1", p.Stats().AcquireTimeouts)
	}

	p.Release(h1)
	p.Release(h2)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	p := New(countingFactory(nil, nil), Config{Min: 1, Max: 1, AcquireTimeout: 5 * time.Second})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() = %v, want context deadline", err)
	}
}

func TestBrokenHandleClosedOnRelease(t *testing.T) {
	t.Parallel()

	var closed atomic.Int64
	p := New(countingFactory(nil, &closed), Config{Min: 1, Max: 2, AcquireTimeout: time.Second})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	h.MarkBroken()
	p.Release(h)

	if closed.Load() != 1 {
		t.Errorf("closed %d adapters, want 1", closed.Load())
	}
	if st := p.Stats(); st.Idle != 0 {
		t.Errorf("Idle = %d, want 0 (broken handle must not be reused)", st.Idle)
	}
}

func TestCapacityInvariant(t *testing.T) {
	t.Parallel()

	const maxHandles = 4
	p := New(countingFactory(nil, nil), Config{Min: 2, Max: maxHandles, AcquireTimeout: 100 * time.Millisecond})
	defer p.Close()

	var mu sync.Mutex
	var handles []*Handle

	var wg sync.WaitGroup
	for i := 0; i < maxHandles*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	st := p.Stats()
	if st.Active+st.Idle > maxHandles {
		t.Errorf("active+idle = %d, exceeds max %d", st.Active+st.Idle, maxHandles)
	}
	if len(handles) > maxHandles {
		t.Errorf("acquired %d handles, exceeds max %d", len(handles), maxHandles)
	}

	for _, h := range handles {
		p.Release(h)
	}
	st = p.Stats()
	if st.Active != 0 {
		t.Errorf("Active = %d after releasing all, want 0", st.Active)
	}
}

func TestSweeperMaintainsMin(t *testing.T) {
	t.Parallel()

	var created atomic.Int64
	p := New(countingFactory(&created, nil), Config{
		Min:            3,
		Max:            5,
		AcquireTimeout: time.Second,
		SweepInterval:  20 * time.Millisecond,
	})
	p.Start()
	defer p.Close()

	deadline := time.After(2 * time.Second)
	for {
		if st := p.Stats(); st.Idle >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper never pre-warmed to min; stats=%+v", p.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSweeperClosesOverAgedIdle(t *testing.T) {
	t.Parallel()

	var closed atomic.Int64
	p := New(countingFactory(nil, &closed), Config{
		Min:            1,
		Max:            3,
		AcquireTimeout: time.Second,
		MaxIdle:        10 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	})

	h, _ := p.Acquire(context.Background())
	p.Release(h)

	time.Sleep(30 * time.Millisecond)
	p.sweep()

	if closed.Load() == 0 {
		t.Error("sweep did not close over-aged idle handle")
	}
	p.Close()
}

func TestExpiredIdleNotReturnedByAcquire(t *testing.T) {
	t.Parallel()

	var created atomic.Int64
	p := New(countingFactory(&created, nil), Config{
		Min:            1,
		Max:            2,
		AcquireTimeout: time.Second,
		MaxIdle:        10 * time.Millisecond,
	})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	p.Release(h)
	time.Sleep(25 * time.Millisecond)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if created.Load() != 2 {
		t.Errorf("created = %d, want 2 (expired idle discarded)", created.Load())
	}
}

func TestCloseWithoutStartReturns(t *testing.T) {
	t.Parallel()

	var closed atomic.Int64
	p := New(countingFactory(nil, &closed), Config{Min: 1, Max: 2, AcquireTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(h)

	// No sweeper was ever launched; Close must not wait for one.
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() on never-started pool did not return")
	}

	if closed.Load() != 1 {
		t.Errorf("closed %d adapters, want 1 (idle drained)", closed.Load())
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after close = %v, want ErrClosed", err)
	}
}

func TestCloseRejectsAcquire(t *testing.T) {
	t.Parallel()

	p := New(countingFactory(nil, nil), Config{Min: 1, Max: 2, AcquireTimeout: time.Second})
	p.Start()
	p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire() on closed pool = %v, want ErrClosed", err)
	}
}

func TestSaturationTracking(t *testing.T) {
	t.Parallel()

	p := New(countingFactory(nil, nil), Config{Min: 1, Max: 1, AcquireTimeout: 50 * time.Millisecond})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	time.Sleep(20 * time.Millisecond)

	if p.Stats().SaturatedFor <= 0 {
		t.Error("pool with all handles active should report saturation")
	}

	p.Release(h)
	if p.Stats().SaturatedFor != 0 {
		t.Error("released pool should not report saturation")
	}
}

func TestFactoryErrorSurfacesAndFreesSlot(t *testing.T) {
	t.Parallel()

	fail := errors.New("spawn failed")
	calls := 0
	factory := func() (tmux.Adapter, error) {
		calls++
		if calls == 1 {
			return nil, fail
		}
		return &nopAdapter{}, nil
	}

	p := New(factory, Config{Min: 1, Max: 1, AcquireTimeout: 100 * time.Millisecond})
	defer p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, fail) {
		t.Fatalf("Acquire() = %v, want factory error", err)
	}
	// The creation slot must be returned so the next acquire can retry.
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after factory failure = %v, want success", err)
	}
}
