// Package locks provides the per-collection mutex that serializes account
// mutation and signing inside one collection.
package locks

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Collections hands out one lock per collection id. Locks for different
// collections never contend.
type Collections struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewCollections creates an empty lock set.
func NewCollections() *Collections {
	return &Collections{locks: make(map[uuid.UUID]*entry)}
}

// Lock acquires the lock for id, or returns ctx.Err() if ctx ends first.
// The returned function releases it.
func (c *Collections) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	c.mu.Lock()
	e, ok := c.locks[id]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		c.locks[id] = e
	}
	e.refs++
	c.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		c.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			c.release(id, e)
		})
	}, nil
}

func (c *Collections) release(id uuid.UUID, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(c.locks, id)
	}
}

// Len returns the number of collections with a holder or waiter.
func (c *Collections) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
