// Package loop provides the cooperative main loop that bus services attach to.
// Every task posted to a Loop runs on the goroutine that called Run, one at a
// time, in the order it was posted.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Run when the loop has already been quit.
var ErrStopped = errors.New("loop: stopped")

const defaultQueueDepth = 64

// Loop is a single-goroutine task executor.
type Loop struct {
	tasks chan func()

	mu      sync.Mutex
	quit    chan struct{}
	done    chan struct{}
	quitted bool
	running bool
}

// New creates a loop with a bounded task queue. Posting blocks once the queue
// is full until the loop drains it or quits.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Loop{
		tasks: make(chan func(), depth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run drives the loop on the calling goroutine until ctx is cancelled or Quit
// is called. Tasks still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.quitted {
		l.mu.Unlock()
		return ErrStopped
	}
	if l.running {
		l.mu.Unlock()
		return errors.New("loop: already running")
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.Quit()
			return ctx.Err()
		case <-l.quit:
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn for execution on the loop goroutine. It reports false when
// the loop has quit and fn will never run.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Quit stops the loop. It is safe to call more than once.
func (l *Loop) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitted {
		return
	}
	l.quitted = true
	close(l.quit)
	if !l.running {
		close(l.done)
	}
}

// Stopped reports whether Quit has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quitted
}

// Done is closed once Run has returned, or on Quit when Run never started.
func (l *Loop) Done() <-chan struct{} { return l.done }
