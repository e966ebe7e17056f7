// Package loop serializes every mutation of client-side state onto one
// goroutine. Platform callbacks, network I/O completions, timers and render
// frames are posted as events; components touched only from the loop need no
// locks.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// Scheduler is the view of the event loop that components depend on.
type Scheduler interface {
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Async runs work off the loop and posts the continuation it returns.
	Async(work func() func())
	Now() time.Time
}

type Timer interface {
	// Stop returns false if fn already ran or the timer was stopped.
	Stop() bool
}

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	log     log.Logger
}

func New() *Loop {
	l := &Loop{wake: make(chan struct{}, 1)}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "loop").Value()
	return l
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) Async(work func() func()) {
	go func() {
		then := work()
		if then != nil {
			l.Post(then)
		}
	}()
}

type loopTimer struct {
	mu   sync.Mutex
	t    *time.Timer
	done bool
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.t.Stop()
	return true
}

// fire is called on the loop. A timer stopped after the underlying
// time.Timer expired but before the event ran must not run fn.
func (t *loopTimer) fire(fn func()) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	fn()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.mu.Lock()
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() { lt.fire(fn) })
	})
	lt.mu.Unlock()
	return lt
}

// Run processes events until ctx is done. Events still queued at that point
// are discarded.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug().Msg("event loop started")
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, fn := range batch {
			l.run(fn)
		}
		if len(batch) != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			l.log.Debug().Msg("event loop stopped")
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
		}
	}()
	fn()
}

type ticker struct {
	mu      sync.Mutex
	current Timer
	stopped bool
}

func (t *ticker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.current != nil {
		t.current.Stop()
	}
	return true
}

// Every runs fn on the loop each period until the returned timer is stopped.
func Every(s Scheduler, period time.Duration, fn func(now time.Time)) Timer {
	t := &ticker{}
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return
		}
		t.current = s.AfterFunc(period, func() {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			fn(s.Now())
			arm()
		})
	}
	arm()
	return t
}
