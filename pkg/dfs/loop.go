package dfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs events for one interface strictly in arrival order on a single
// goroutine. Post never blocks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running atomic.Bool
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues f.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued events, including ones they post, until the queue is
// empty. Tests use it to step the loop without a goroutine.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		f := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		f()
		n++
	}
}

// Len returns the number of queued events.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Clock returns a clock whose callbacks are delivered through the loop.
func (l *Loop) Clock(base Clock) Clock {
	return &loopClock{loop: l, base: base}
}

type loopClock struct {
	loop *Loop
	base Clock
}

func (c *loopClock) Now() time.Time { return c.base.Now() }

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	state atomic.Int32
	inner Timer
}

func (c *loopClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.inner = c.base.AfterFunc(d, func() {
		c.loop.Post(func() {
			if t.state.CompareAndSwap(timerPending, timerFired) {
				f()
			}
		})
	})
	return t
}

func (t *loopTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	if t.inner != nil {
		t.inner.Stop()
	}
	return true
}
