// Package pool bounds the number of open storage handles and reuses idle ones.
//
// Acquire never hands out a handle that is already checked out. When the pool
// is at its working maximum callers queue in FIFO order until a handle is
// released, their context ends, or the acquire timeout fires.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrExhausted     = errors.New("pool exhausted")
	ErrClosed        = errors.New("pool closed")
	ErrUnknownHandle = errors.New("handle not owned by pool")
)

type Options[T comparable] struct {
	New   func(ctx context.Context) (T, error)
	Close func(T) error

	// Size is the initial working maximum, clamped to [MinSize, MaxSize].
	Size    int
	MinSize int
	MaxSize int

	AcquireTimeout time.Duration
	Logger         logrus.FieldLogger
}

type Stats struct {
	Idle    int `json:"idle"`
	Active  int `json:"active"`
	Max     int `json:"max"`
	Waiting int `json:"waiting"`
}

// grant is handed to a queued waiter: either a released handle or a
// reserved creation slot.
type grant[T comparable] struct {
	h      T
	create bool
}

type Pool[T comparable] struct {
	newFn   func(ctx context.Context) (T, error)
	closeFn func(T) error
	log     logrus.FieldLogger
	timeout time.Duration

	mu       sync.Mutex
	idle     []T
	active   map[T]struct{}
	creating int
	max      int
	floor    int
	ceiling  int
	waiters  []chan grant[T]
	closed   bool
	done     chan struct{}
}

func New[T comparable](opts Options[T]) (*Pool[T], error) {
	if opts.New == nil || opts.Close == nil {
		return nil, errors.New("pool: New and Close are required")
	}
	floor := opts.MinSize
	if floor <= 0 {
		floor = 1
	}
	ceiling := opts.MaxSize
	if ceiling <= 0 {
		ceiling = 64
	}
	if ceiling < floor {
		return nil, fmt.Errorf("pool: MaxSize %d below MinSize %d", ceiling, floor)
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	p := &Pool[T]{
		newFn:   opts.New,
		closeFn: opts.Close,
		log:     log,
		timeout: timeout,
		active:  make(map[T]struct{}),
		floor:   floor,
		ceiling: ceiling,
		done:    make(chan struct{}),
	}
	p.max = p.clamp(opts.Size)
	return p, nil
}

func (p *Pool[T]) clamp(n int) int {
	if n < p.floor {
		return p.floor
	}
	if n > p.ceiling {
		return p.ceiling
	}
	return n
}

func (p *Pool[T]) totalLocked() int {
	return len(p.idle) + len(p.active) + p.creating
}

func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active[h] = struct{}{}
		p.mu.Unlock()
		return h, nil
	}
	if p.totalLocked() < p.max {
		p.creating++
		p.mu.Unlock()
		return p.create(ctx)
	}

	ch := make(chan grant[T], 1)
	p.waiters = append(p.waiters, ch)
	waiting := len(p.waiters)
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case g := <-ch:
		if g.create {
			return p.create(ctx)
		}
		return g.h, nil
	case <-ctx.Done():
		p.abandon(ch)
		return zero, ctx.Err()
	case <-p.done:
		p.abandon(ch)
		return zero, ErrClosed
	case <-timer.C:
		p.abandon(ch)
		p.log.WithFields(logrus.Fields{
			"max":     p.Stats().Max,
			"waiting": waiting,
			"timeout": p.timeout,
		}).Warn("pool: acquire timed out, all handles busy")
		return zero, ErrExhausted
	}
}

// create fills a creation slot already reserved in p.creating.
func (p *Pool[T]) create(ctx context.Context) (T, error) {
	h, err := p.newFn(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.serveWaitersLocked()
		p.mu.Unlock()
		var zero T
		return zero, fmt.Errorf("pool: open handle: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = p.closeFn(h)
		var zero T
		return zero, ErrClosed
	}
	p.active[h] = struct{}{}
	p.mu.Unlock()
	return h, nil
}

// abandon removes a waiter that gave up. If a grant raced in, it is returned
// to the pool.
func (p *Pool[T]) abandon(ch chan grant[T]) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	g := <-ch
	if g.create {
		p.creating--
		p.serveWaitersLocked()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = p.Release(g.h)
}

// serveWaitersLocked hands creation slots to queued waiters while the pool
// is under its working maximum.
func (p *Pool[T]) serveWaitersLocked() {
	for len(p.waiters) > 0 && !p.closed && p.totalLocked() < p.max {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.creating++
		w <- grant[T]{create: true}
	}
}

// Release returns h to the pool. Handles are never closed eagerly unless the
// pool was shrunk or closed while h was checked out.
func (p *Pool[T]) Release(h T) error {
	p.mu.Lock()
	if _, ok := p.active[h]; !ok {
		p.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(p.active, h)

	if p.closed {
		p.mu.Unlock()
		return p.closeFn(h)
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active[h] = struct{}{}
		w <- grant[T]{h: h}
		p.mu.Unlock()
		return nil
	}
	if p.totalLocked() >= p.max {
		p.mu.Unlock()
		return p.closeFn(h)
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	return nil
}

// Discard drops a checked-out handle that turned out to be broken.
func (p *Pool[T]) Discard(h T) error {
	p.mu.Lock()
	if _, ok := p.active[h]; !ok {
		p.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(p.active, h)
	p.serveWaitersLocked()
	p.mu.Unlock()
	return p.closeFn(h)
}

// Resize changes the working maximum within the hard floor and ceiling and
// returns the value applied. Excess idle handles are closed; checked-out
// handles are closed as they come back.
func (p *Pool[T]) Resize(n int) int {
	p.mu.Lock()
	p.max = p.clamp(n)
	applied := p.max

	var excess []T
	for len(p.idle) > 0 && p.totalLocked() > p.max {
		last := len(p.idle) - 1
		excess = append(excess, p.idle[last])
		p.idle = p.idle[:last]
	}
	p.serveWaitersLocked()
	p.mu.Unlock()

	for _, h := range excess {
		_ = p.closeFn(h)
	}
	return applied
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Active: len(p.active), Max: p.max, Waiting: len(p.waiters)}
}

// Close closes idle handles immediately and active ones on release.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, h := range idle {
		if err := p.closeFn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
