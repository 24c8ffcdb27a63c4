// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package task implements the async core, §4.1: a task pool that owns a
// root cancellation token and tracks every task spawned from it, plus a
// bounded variant that caps concurrent work with a counting semaphore. Go's
// context.Context already is the hierarchical cancellation token the spec
// asks for, so ChildToken is a thin wrapper around context.WithCancel
// rather than a bespoke type.
package task

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool is the engine-wide task tracker: spawn(task) -> handle, cancel_token,
// child_token, shutdown, §4.1/§5 "Global state".
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool builds a Pool whose root token is a child of parent.
func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{ctx: ctx, cancel: cancel}
}

// CancelToken returns the pool's root cancellation token.
func (p *Pool) CancelToken() context.Context { return p.ctx }

// ChildToken returns a token cancelled when the pool's root cancels, but
// which the caller may also cancel independently by calling the returned
// CancelFunc.
func (p *Pool) ChildToken() (context.Context, context.CancelFunc) {
	return context.WithCancel(p.ctx)
}

// Spawn runs task in its own goroutine, tracked by the pool's WaitGroup so
// Shutdown can await it. Spawn is rejected once Shutdown has been called.
func (p *Pool) Spawn(task func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("task: pool is shut down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		task(p.ctx)
	}()
	return nil
}

// Shutdown cancels the root token, closes the pool against further spawns,
// and awaits every tracked task, §5 "Cancellation".
func (p *Pool) Shutdown() {
	p.cancel()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// BoundedPool adds a counting semaphore of size N to Pool: Spawn suspends
// until a permit frees up, and the permit is held for the task's whole
// lifetime rather than released at spawn time, §4.1 BoundedTaskPool.
type BoundedPool struct {
	*Pool
	sem *semaphore.Weighted
}

// NewBoundedPool builds a BoundedPool with n concurrent permits; n < 1 is
// clamped to 1.
func NewBoundedPool(parent context.Context, n int) *BoundedPool {
	if n < 1 {
		n = 1
	}
	return &BoundedPool{Pool: NewPool(parent), sem: semaphore.NewWeighted(int64(n))}
}

// DefaultBoundedPool sizes the permit count to the number of usable CPU
// cores, §4.1 "Default uses CPU-core count (>= 1)".
func DefaultBoundedPool(parent context.Context) *BoundedPool {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return NewBoundedPool(parent, n)
}

// Spawn blocks until a permit is available (or the pool's root token is
// cancelled), then runs task, releasing the permit only once task returns.
func (bp *BoundedPool) Spawn(task func(ctx context.Context)) error {
	if err := bp.sem.Acquire(bp.ctx, 1); err != nil {
		return fmt.Errorf("task: acquiring permit: %w", err)
	}
	err := bp.Pool.Spawn(func(ctx context.Context) {
		defer bp.sem.Release(1)
		task(ctx)
	})
	if err != nil {
		bp.sem.Release(1)
	}
	return err
}
