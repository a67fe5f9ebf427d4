// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package future provides one-shot completion signals used to hand results
// across goroutine boundaries without blocking the producer.
package future

import (
	"context"

	"github.com/stratumdb/stratum/pkg/util/syncutil"
)

// An Executor runs functions handed to it by components that must not invoke
// callbacks inline, typically because the caller is holding a lock.
type Executor func(fn func())

// GoroutineExecutor runs every function on its own goroutine.
var GoroutineExecutor Executor = func(fn func()) {
	go fn()
}

// Future is a one-shot container for a value of type T. It starts out
// pending and becomes ready exactly once; later completion attempts are
// ignored. Waiters can select on Done, block in Wait, or register a
// callback with WhenReady.
type Future[T any] struct {
	mu        syncutil.Mutex
	done      chan struct{}
	value     T
	ready     bool
	callbacks []pendingCallback[T]
}

type pendingCallback[T any] struct {
	exec Executor
	fn   func(T)
}

// Make returns a new pending Future.
func Make[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// MakeReady returns a Future that is already completed with v.
func MakeReady[T any](v T) *Future[T] {
	f := Make[T]()
	f.Set(v)
	return f
}

// Set completes the future with v. It reports whether this call was the one
// that completed the future; a false return means the future was already
// ready and v has been dropped.
func (f *Future[T]) Set(v T) bool {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return false
	}
	f.value = v
	f.ready = true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb.exec(func() { cb.fn(v) })
	}
	return true
}

// Done returns a channel that is closed once the future is ready.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsReady returns true if the future has been completed.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get returns the completed value. ok is false while the future is pending.
func (f *Future[T]) Get() (v T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		var zero T
		return zero, false
	}
	return f.value, true
}

// Wait blocks until the future is ready or the context is canceled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _ := f.Get()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WhenReady registers fn to be run on exec with the completed value. If the
// future is already ready, fn is dispatched immediately. fn never runs
// inline with Set's critical section.
func (f *Future[T]) WhenReady(exec Executor, fn func(T)) {
	f.mu.Lock()
	if !f.ready {
		f.callbacks = append(f.callbacks, pendingCallback[T]{exec: exec, fn: fn})
		f.mu.Unlock()
		return
	}
	v := f.value
	f.mu.Unlock()
	exec(func() { fn(v) })
}
