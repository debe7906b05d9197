package runtime

import (
	"context"
	"sync"
)

// Loop runs posted tasks one at a time, in post order, on a single goroutine.
// Every channel callback, correlation resolution, timeout and poll tick goes
// through it, so handlers never run concurrently with each other.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues task. It never blocks; it returns false once the loop has stopped.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts task and waits until it has run or ctx is done.
func (l *Loop) Do(ctx context.Context, task func()) error {
	ran := make(chan struct{})
	if !l.Post(func() { task(); close(ran) }) {
		return context.Canceled
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return context.Canceled
		}
	}
}

// Run drains the queue until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			task()
			if ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.wake:
		}
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}
