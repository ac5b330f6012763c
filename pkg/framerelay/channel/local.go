package channel

import (
	"sync"

	"go.uber.org/zap"
)

// DropFunc decides whether a posted event is lost in transit.
type DropFunc func(ev Event) bool

// LocalWindow is an in-process Endpoint. Posted messages are queued without
// bound and delivered from a single dispatch goroutine, so PostMessage never
// blocks and never runs listeners on the caller's goroutine.
type LocalWindow struct {
	origin string
	logger *zap.Logger
	drop   DropFunc

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	queue     []Event
	closed    bool

	signal chan struct{}
	done   chan struct{}
}

// NewLocalWindow creates a window with the given origin and starts its
// dispatch goroutine. Call Close to stop it.
func NewLocalWindow(origin string) *LocalWindow {
	w := &LocalWindow{
		origin:    origin,
		logger:    zap.NewNop(),
		listeners: make(map[int]Listener),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go w.dispatch()
	return w
}

// WithLogger sets the logger used for dropped messages and listener panics.
func (w *LocalWindow) WithLogger(logger *zap.Logger) *LocalWindow {
	if logger != nil {
		w.logger = logger
	}
	return w
}

// WithDropFunc installs a loss model. Events for which drop returns true are
// discarded after PostMessage has already reported success.
func (w *LocalWindow) WithDropFunc(drop DropFunc) *LocalWindow {
	w.mu.Lock()
	w.drop = drop
	w.mu.Unlock()
	return w
}

func (w *LocalWindow) Origin() string {
	return w.origin
}

func (w *LocalWindow) PostMessage(data []byte, targetOrigin string, source Window) error {
	if !OriginMatches(targetOrigin, w.origin) {
		w.logger.Debug("Dropping message for mismatched target origin",
			zap.String("target_origin", targetOrigin),
			zap.String("origin", w.origin),
		)
		return nil
	}

	ev := Event{
		Data:   append([]byte(nil), data...),
		Source: source,
	}
	if source != nil {
		ev.Origin = source.Origin()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.drop != nil && w.drop(ev) {
		w.mu.Unlock()
		w.logger.Debug("Message lost in transit", zap.String("origin", w.origin))
		return nil
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}

	return nil
}

func (w *LocalWindow) AddListener(l Listener) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = l
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// ListenerCount returns the number of registered listeners.
func (w *LocalWindow) ListenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// Close stops delivery. Queued events are discarded and later posts fail
// with ErrClosed.
func (w *LocalWindow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	w.mu.Unlock()

	close(w.done)
}

func (w *LocalWindow) dispatch() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			if w.closed || len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			listeners := make([]Listener, 0, len(w.listeners))
			for _, l := range w.listeners {
				listeners = append(listeners, l)
			}
			w.mu.Unlock()

			for _, l := range listeners {
				w.deliver(l, ev)
			}
		}
	}
}

func (w *LocalWindow) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Message listener panicked",
				zap.String("origin", w.origin),
				zap.Any("panic", r),
			)
		}
	}()
	l(ev)
}

// IFrame is a Frame whose content window can be swapped or removed.
type IFrame struct {
	mu     sync.RWMutex
	window Window
}

// NewIFrame creates a frame showing window, which may be nil.
func NewIFrame(window Window) *IFrame {
	return &IFrame{window: window}
}

func (f *IFrame) ContentWindow() Window {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.window
}

// Navigate replaces the frame's content window.
func (f *IFrame) Navigate(window Window) {
	f.mu.Lock()
	f.window = window
	f.mu.Unlock()
}

// Detach makes the frame's content unreachable.
func (f *IFrame) Detach() {
	f.Navigate(nil)
}
