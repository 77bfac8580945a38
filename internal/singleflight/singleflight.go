// Package singleflight collapses concurrent calls that share a key onto one
// execution. Unlike golang.org/x/sync/singleflight it lets waiters detach
// through their own context, and it exposes its index so callers can count
// or forget in-flight keys.
package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group manages a set of in-flight calls.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	done chan struct{}
	val  interface{}
	err  error
	dups int
}

// New creates a Group.
func New() *Group {
	return &Group{
		m: make(map[string]*call),
	}
}

// Do runs fn once per key at a time. A caller arriving while fn is running
// for the same key waits for that execution and receives its result. The
// key is removed from the group before any caller observes the result, so
// a call made after settlement always runs fn again. shared reports whether
// the result was delivered to more than one caller.
//
// A waiter whose ctx is done returns ctx.Err(); the execution continues for
// everyone else. fn runs on the calling goroutine of the first caller.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (v interface{}, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		return c.wait(ctx)
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	shared = g.doCall(c, key, fn)
	return c.val, c.err, shared
}

// TryDo runs fn only if no call for key is in flight; otherwise it returns
// ErrInProgress with ok=false and does not wait.
func (g *Group) TryDo(key string, fn func() (interface{}, error)) (v interface{}, err error, ok bool) {
	g.mu.Lock()
	if _, exists := g.m[key]; exists {
		g.mu.Unlock()
		return nil, ErrInProgress, false
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.doCall(c, key, fn)
	return c.val, c.err, true
}

func (g *Group) doCall(c *call, key string, fn func() (interface{}, error)) (shared bool) {
	defer func() {
		if r := recover(); r != nil {
			c.val = nil
			c.err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}

		g.mu.Lock()
		// A forgotten call must not evict a newer one registered under the same key.
		if g.m[key] == c {
			delete(g.m, key)
		}
		shared = c.dups > 0
		g.mu.Unlock()

		close(c.done)
	}()

	c.val, c.err = fn()
	return
}

func (c *call) wait(ctx context.Context) (interface{}, error, bool) {
	select {
	case <-c.done:
		return c.val, c.err, true
	case <-ctx.Done():
		return nil, ctx.Err(), true
	}
}

// InFlight reports whether a call for key is currently indexed.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Waiters returns how many callers have joined key's in-flight call, not
// counting the caller running it.
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.dups
	}
	return 0
}

// Len returns the number of indexed in-flight calls.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Forget drops key from the index. A running call is not cancelled; callers
// already waiting on it still receive its result, but new callers start a
// fresh execution.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// ForgetAll drops every key from the index and returns how many were dropped.
func (g *Group) ForgetAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.m)
	g.m = make(map[string]*call)
	return n
}
