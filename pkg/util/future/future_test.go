// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package future

import (
	"context"
	"testing"
	"time"

	"github.com/stratumdb/stratum/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestFutureSetOnce(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := Make[int]()
	require.False(t, f.IsReady())
	_, ok := f.Get()
	require.False(t, ok)

	require.True(t, f.Set(7))
	require.True(t, f.IsReady())
	v, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, 7, v)

	// The first value wins; later completions are dropped.
	require.False(t, f.Set(8))
	v, _ = f.Get()
	require.Equal(t, 7, v)
}

func TestFutureMakeReady(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := MakeReady("done")
	require.True(t, f.IsReady())
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestFutureWait(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := Make[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Set(42)
	}()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFutureWaitCanceled(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := Make[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFutureDoneChannel(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := Make[struct{}]()
	select {
	case <-f.Done():
		t.Fatal("future done before Set")
	default:
	}
	f.Set(struct{}{})
	<-f.Done()
}

func TestFutureWhenReady(t *testing.T) {
	defer leaktest.AfterTest(t)()

	inline := Executor(func(fn func()) { fn() })

	// Registered before completion: dispatched by Set.
	f := Make[int]()
	var got int
	f.WhenReady(inline, func(v int) { got = v })
	f.Set(5)
	require.Equal(t, 5, got)

	// Registered after completion: dispatched immediately.
	var late int
	f.WhenReady(inline, func(v int) { late = v })
	require.Equal(t, 5, late)
}

func TestFutureWhenReadyGoroutineExecutor(t *testing.T) {
	defer leaktest.AfterTest(t)()

	f := Make[int]()
	done := make(chan int, 1)
	f.WhenReady(GoroutineExecutor, func(v int) { done <- v })
	f.Set(9)
	require.Equal(t, 9, <-done)
}
