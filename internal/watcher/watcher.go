package watcher

import (
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when operations are called on a closed Watcher.
var ErrClosed = errors.New("watcher: watcher is closed")

// Event represents a file system event.
type Event struct {
	// Path is the path the event occurred on.
	Path string
	// Op is the underlying fsnotify operation set.
	Op fsnotify.Op
}

// Handler is called when file system events occur. Multiple events may be
// coalesced into a single call due to debouncing.
type Handler func(events []Event)

// Watcher watches files and directories for changes, debouncing bursts
// (editors typically emit several events per save) into one handler call.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	handler   Handler

	mu      sync.Mutex
	pending []Event
	closed  bool
	doneCh  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDuration sets the debounce window.
func WithDebounceDuration(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debouncer = NewDebouncer(d)
	}
}

// New creates a watcher that calls handler with coalesced events.
func New(handler Handler, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsWatcher: fsw,
		debouncer: NewDebouncer(DefaultDebounceDuration),
		handler:   handler,
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

// Add watches a file or directory.
func (w *Watcher) Add(path string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return w.fsWatcher.Add(path)
}

// Close stops the watcher. Pending debounced events are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.debouncer.Cancel()
	err := w.fsWatcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.pending = append(w.pending, Event{Path: ev.Name, Op: ev.Op})
			w.mu.Unlock()
			w.debouncer.Trigger(w.flush)
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	closed := w.closed
	w.mu.Unlock()

	if closed || len(events) == 0 {
		return
	}
	w.handler(events)
}
