// Package admission caps the number of simultaneous child processes started
// for each external executable.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Controller hands out slots keyed by executable path. Keys are created
// lazily and never removed; the route table is fixed at startup so the set
// stays small.
type Controller struct {
	mu           sync.Mutex
	slots        map[string]*slot
	maxPerKey    int64
	queueTimeout time.Duration
}

type slot struct {
	sem    *semaphore.Weighted
	active int64
}

// New creates a Controller allowing maxPerKey concurrent holders per key.
// A request waits at most queueTimeout for a slot; zero waits until its
// context is done.
func New(maxPerKey int, queueTimeout time.Duration) (*Controller, error) {
	if maxPerKey <= 0 {
		return nil, fmt.Errorf("admission: max per key must be positive")
	}
	if queueTimeout < 0 {
		return nil, fmt.Errorf("admission: queue timeout must not be negative")
	}
	return &Controller{
		slots:        make(map[string]*slot),
		maxPerKey:    int64(maxPerKey),
		queueTimeout: queueTimeout,
	}, nil
}

func (c *Controller) get(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(c.maxPerKey)}
		c.slots[key] = s
	}
	return s
}

// Acquire blocks until a slot for key is free, the queue timeout expires or
// ctx is done. On success the returned release func must be called exactly
// once.
func (c *Controller) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := c.get(key)

	waitCtx := ctx
	if c.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.queueTimeout)
		defer cancel()
	}

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("admission for %s: %w", key, err)
	}

	c.mu.Lock()
	s.active++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			s.active--
			c.mu.Unlock()
			s.sem.Release(1)
		})
	}, nil
}

// Active returns the number of slots currently held for key.
func (c *Controller) Active(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok {
		return int(s.active)
	}
	return 0
}

// Limit returns the per-key slot count.
func (c *Controller) Limit() int {
	return int(c.maxPerKey)
}
