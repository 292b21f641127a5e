package scene

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Sync once the loop stops accepting work.
var ErrClosed = errors.New("main loop closed")

// MainLoop is a headless Dispatcher: an unbounded FIFO of closures drained
// by a single goroutine, standing in for a GUI toolkit's main thread.
type MainLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	running bool
	done    chan struct{}
}

// NewMainLoop returns a loop that accepts work immediately; queued closures
// run once Run is called.
func NewMainLoop() *MainLoop {
	l := &MainLoop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post queues fn. It returns false after Close.
func (l *MainLoop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Run drains the queue on the calling goroutine until Close is called and
// the queue is empty, or ctx is cancelled. Run may only be called once.
func (l *MainLoop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Sync blocks until every closure posted before it has run.
func (l *MainLoop) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Run returns after the queued closures finish.
func (l *MainLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Done is closed when Run returns.
func (l *MainLoop) Done() <-chan struct{} { return l.done }

// Pending returns the number of queued closures.
func (l *MainLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
