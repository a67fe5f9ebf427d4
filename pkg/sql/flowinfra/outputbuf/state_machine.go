// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

import (
	"context"
	"sync/atomic"

	"github.com/stratumdb/stratum/pkg/util/future"
	"github.com/stratumdb/stratum/pkg/util/log"
	"github.com/stratumdb/stratum/pkg/util/syncutil"
)

// stateMachine holds the buffer's lifecycle state and the registered state
// change listeners. The current state can be read without any lock; all
// transitions are serialized by the listener mutex. Listeners are always
// dispatched on the executor after that mutex is released, never inline, so
// a caller holding the buffer lock can transition safely; the order in which
// listeners observe successive transitions depends on the executor.
type stateMachine struct {
	name  string
	ctx   context.Context
	exec  future.Executor
	state atomic.Int32

	mu struct {
		syncutil.Mutex
		listeners []func(BufferState)
	}
}

func newStateMachine(
	ctx context.Context, name string, exec future.Executor, initial BufferState,
) *stateMachine {
	m := &stateMachine{name: name, ctx: ctx, exec: exec}
	m.state.Store(int32(initial))
	return m
}

// Get returns the current state. Lock-free.
func (m *stateMachine) Get() BufferState {
	return BufferState(m.state.Load())
}

// Set transitions to next unconditionally and returns the previous state.
// Listeners are notified only if the state actually changed.
func (m *stateMachine) Set(next BufferState) BufferState {
	m.mu.Lock()
	prev := m.Get()
	if prev == next {
		m.mu.Unlock()
		return prev
	}
	m.state.Store(int32(next))
	listeners := m.grabListenersLocked(next)
	m.mu.Unlock()

	if log.V(2) {
		log.Infof(m.ctx, "%s: %s -> %s", m.name, prev, next)
	}
	m.notify(listeners, next)
	return prev
}

// CompareAndSet transitions to next iff the current state is expect. Returns
// true if the transition happened.
func (m *stateMachine) CompareAndSet(expect, next BufferState) bool {
	m.mu.Lock()
	prev := m.Get()
	if prev != expect {
		m.mu.Unlock()
		return false
	}
	if prev == next {
		m.mu.Unlock()
		return true
	}
	m.state.Store(int32(next))
	listeners := m.grabListenersLocked(next)
	m.mu.Unlock()

	if log.V(2) {
		log.Infof(m.ctx, "%s: %s -> %s", m.name, prev, next)
	}
	m.notify(listeners, next)
	return true
}

// AddListener registers fn to be invoked on the executor after every
// subsequent transition. If the machine is already in the terminal state the
// listener fires once, immediately, with that state.
func (m *stateMachine) AddListener(fn func(BufferState)) {
	m.mu.Lock()
	if s := m.Get(); s == BufferFinished {
		m.mu.Unlock()
		m.exec(func() { fn(s) })
		return
	}
	m.mu.listeners = append(m.mu.listeners, fn)
	m.mu.Unlock()
}

// grabListenersLocked returns the listeners to notify for a transition into
// next. The terminal state releases the listener list so that listener
// reference cycles cannot outlive the buffer.
func (m *stateMachine) grabListenersLocked(next BufferState) []func(BufferState) {
	m.mu.AssertHeld()
	listeners := m.mu.listeners
	if next == BufferFinished {
		m.mu.listeners = nil
	}
	return listeners
}

func (m *stateMachine) notify(listeners []func(BufferState), next BufferState) {
	for _, fn := range listeners {
		fn := fn
		m.exec(func() { fn(next) })
	}
}
