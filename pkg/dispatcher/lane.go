package dispatcher

import (
	"context"
	"sync"
)

// lane is an unbounded FIFO of jobs for one worker, drained by a single
// goroutine. Jobs for the same worker never run concurrently or out of
// order; jobs for different workers do run concurrently.
type lane struct {
	mu     sync.Mutex
	jobs   []func(ctx context.Context)
	closed bool
	wake   chan struct{}
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

// push appends a job. It returns false once the lane is closed.
func (l *lane) push(job func(ctx context.Context)) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()
	l.signal()
	return true
}

// close stops intake. Jobs already queued still run.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run executes jobs until the lane is closed and empty.
func (l *lane) run(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		l.mu.Unlock()
		job(ctx)
	}
}
