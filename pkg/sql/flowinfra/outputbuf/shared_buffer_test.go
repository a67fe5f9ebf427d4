// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stratumdb/stratum/pkg/util/future"
	"github.com/stratumdb/stratum/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 5 * time.Second

// testPage is a page whose identity is its index and whose size is fixed at
// construction.
type testPage struct {
	index int
	size  int64
}

func (p *testPage) Size() int64 { return p.size }

func makeTestBuffer(t *testing.T, maxBytes int64) *SharedBuffer {
	t.Helper()
	sb, err := NewSharedBuffer("query-1-stage-2-task-0", future.GoroutineExecutor, maxBytes, nil)
	require.NoError(t, err)
	return sb
}

func frozenDescriptor(version int64, ids ...string) OutputBuffers {
	desc := NewOutputBuffers(version)
	for _, id := range ids {
		desc = desc.WithBuffer(id, Unpartitioned{})
	}
	return desc.WithNoMoreBufferIDs()
}

func waitResult(t *testing.T, f *future.Future[BufferResult]) BufferResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := f.Wait(ctx)
	require.NoError(t, err)
	return result
}

func mustGet(t *testing.T, sb *SharedBuffer, id string, seq, maxBytes int64) BufferResult {
	t.Helper()
	f, err := sb.Get(id, seq, maxBytes)
	require.NoError(t, err)
	return waitResult(t, f)
}

func mustEnqueue(t *testing.T, sb *SharedBuffer, page Page) *future.Future[struct{}] {
	t.Helper()
	signal, err := sb.Enqueue(page)
	require.NoError(t, err)
	return signal
}

func TestSingleConsumerReplay(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))
	require.Equal(t, BufferNoMoreBuffers, sb.Info().State)

	p0 := &testPage{index: 0, size: 200}
	p1 := &testPage{index: 1, size: 300}
	p2 := &testPage{index: 2, size: 400}
	for _, p := range []*testPage{p0, p1, p2} {
		require.True(t, mustEnqueue(t, sb, p).IsReady())
	}

	result := mustGet(t, sb, "a", 0, 1024)
	require.Equal(t, []Page{p0, p1, p2}, result.Pages)
	require.Equal(t, int64(0), result.Token)
	require.Equal(t, int64(3), result.NextToken)
	require.False(t, result.BufferClosed)
	require.Equal(t, Unpartitioned{}, result.Partition)

	sb.SetNoMorePages()
	require.Equal(t, BufferFlushing, sb.Info().State)

	final := mustGet(t, sb, "a", 3, 1024)
	require.True(t, final.Empty())
	require.True(t, final.BufferClosed)
	require.Equal(t, int64(3), final.Token)
	require.True(t, sb.IsFinished())
}

func TestBackpressureOverflowAndRefill(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 500)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	p0 := &testPage{index: 0, size: 300}
	p1 := &testPage{index: 1, size: 300}
	p2 := &testPage{index: 2, size: 300}

	// p0 and p1 are admitted directly: admission happens while the running
	// total is still under the budget. p2 finds the budget exhausted and
	// overflows.
	require.True(t, mustEnqueue(t, sb, p0).IsReady())
	require.True(t, mustEnqueue(t, sb, p1).IsReady())
	signal := mustEnqueue(t, sb, p2)
	require.False(t, signal.IsReady())

	result := mustGet(t, sb, "a", 0, 1000)
	require.Equal(t, []Page{p0, p1}, result.Pages)
	require.Equal(t, int64(2), result.NextToken)

	// Acknowledging p0 and p1 frees the budget; p2 is promoted and the
	// producer signal completes.
	result = mustGet(t, sb, "a", 2, 1000)
	require.Equal(t, []Page{p2}, result.Pages)
	require.True(t, signal.IsReady())
	require.Equal(t, int64(2), sb.Info().MasterSequenceID)
}

func TestFirstPageAlwaysDelivered(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 10000)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	big := &testPage{index: 0, size: 5000}
	next := &testPage{index: 1, size: 100}
	mustEnqueue(t, sb, big)
	mustEnqueue(t, sb, next)

	// The byte bound is far below the first page's size; the page flows
	// anyway, alone.
	result := mustGet(t, sb, "a", 0, 1)
	require.Equal(t, []Page{big}, result.Pages)
	require.Equal(t, int64(1), result.NextToken)
}

func TestTwoConsumersLaggardHoldsBase(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a", "b")))

	p0 := &testPage{index: 0, size: 100}
	p1 := &testPage{index: 1, size: 100}
	mustEnqueue(t, sb, p0)
	mustEnqueue(t, sb, p1)

	// An acknowledgement with no pages behind it parks as a long poll; issue
	// it without waiting on the future.
	ack := func(id string, seq int64) {
		_, err := sb.Get(id, seq, 1<<20)
		require.NoError(t, err)
	}

	result := mustGet(t, sb, "a", 0, 1<<20)
	require.Equal(t, []Page{p0, p1}, result.Pages)
	// "a" acknowledges; "b" has not read yet, so the master queue head cannot
	// move.
	ack("a", 2)
	require.Equal(t, int64(0), sb.Info().MasterSequenceID)

	result = mustGet(t, sb, "b", 0, 1<<20)
	require.Equal(t, []Page{p0, p1}, result.Pages)
	ack("b", 2)
	require.Equal(t, int64(2), sb.Info().MasterSequenceID)
}

func TestAbortBeforeRegistration(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	sb.Abort("c")
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "c")))

	info := sb.Info()
	require.Len(t, info.Buffers, 1)
	require.Equal(t, "c", info.Buffers[0].BufferID)
	require.True(t, info.Buffers[0].Finished)

	result := mustGet(t, sb, "c", 0, 1000)
	require.True(t, result.Empty())
	require.True(t, result.BufferClosed)
}

func TestAbortAfterFinishIsNoop(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))
	sb.Abort("a")
	require.True(t, sb.Info().Buffers[0].Finished)
	sb.Abort("a")
	require.True(t, sb.Info().Buffers[0].Finished)
}

func TestLatePagesDiscarded(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))
	mustEnqueue(t, sb, &testPage{index: 0, size: 100})

	sb.SetNoMorePages()
	before := sb.Info().PagesAdded

	signal := mustEnqueue(t, sb, &testPage{index: 1, size: 100})
	require.True(t, signal.IsReady())
	require.Equal(t, before, sb.Info().PagesAdded)
}

func TestDestroyResolvesPendingRead(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	f, err := sb.Get("a", 0, 1024)
	require.NoError(t, err)
	require.False(t, f.IsReady())

	sb.Destroy()
	result := waitResult(t, f)
	require.True(t, result.Empty())
	require.True(t, result.BufferClosed)
	require.True(t, sb.IsFinished())
}

func TestDestroyReleasesOverflowSignals(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 100)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	mustEnqueue(t, sb, &testPage{index: 0, size: 100})
	signal := mustEnqueue(t, sb, &testPage{index: 1, size: 100})
	require.False(t, signal.IsReady())

	sb.Destroy()
	require.True(t, signal.IsReady())
}

func TestDestroyIsIdempotent(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	sb.Destroy()
	sb.Destroy()
	require.True(t, sb.IsFinished())
}

func TestStaleReadReturnsEmptyOpen(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))
	mustEnqueue(t, sb, &testPage{index: 0, size: 100})
	mustEnqueue(t, sb, &testPage{index: 1, size: 100})
	// Requesting sequence 1 acknowledges the first page.
	result := mustGet(t, sb, "a", 1, 1024)
	require.Len(t, result.Pages, 1)

	result = mustGet(t, sb, "a", 0, 1024)
	require.True(t, result.Empty())
	require.False(t, result.BufferClosed)
	require.Equal(t, int64(0), result.Token)
	require.Equal(t, int64(0), result.NextToken)
}

func TestGetUnknownBufferAfterFinish(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	sb.Destroy()

	result := mustGet(t, sb, "never-registered", 0, 1024)
	require.True(t, result.Empty())
	require.True(t, result.BufferClosed)
	require.Equal(t, int64(0), result.Token)
}

func TestSetOutputBuffersValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(
		NewOutputBuffers(1).WithBuffer("a", Unpartitioned{})))

	// Dropping a declared buffer is rejected without mutating state.
	err := sb.SetOutputBuffers(NewOutputBuffers(2).WithBuffer("b", Unpartitioned{}))
	require.Error(t, err)
	require.Len(t, sb.Info().Buffers, 1)

	// Stale and duplicate versions are silently ignored.
	require.NoError(t, sb.SetOutputBuffers(NewOutputBuffers(0).WithBuffer("z", Unpartitioned{})))
	require.NoError(t, sb.SetOutputBuffers(NewOutputBuffers(1)))
	require.Len(t, sb.Info().Buffers, 1)

	// Growing the set is fine while buffers can still be added.
	require.NoError(t, sb.SetOutputBuffers(
		NewOutputBuffers(3).
			WithBuffer("a", Unpartitioned{}).
			WithBuffer("b", HashPartition{Bucket: 1, BucketCount: 2})))
	require.Len(t, sb.Info().Buffers, 2)

	// Freeze the set; retracting the freeze is rejected, as is a new id.
	require.NoError(t, sb.SetOutputBuffers(
		NewOutputBuffers(4).
			WithBuffer("a", Unpartitioned{}).
			WithBuffer("b", HashPartition{Bucket: 1, BucketCount: 2}).
			WithNoMoreBufferIDs()))
	err = sb.SetOutputBuffers(
		NewOutputBuffers(5).
			WithBuffer("a", Unpartitioned{}).
			WithBuffer("b", HashPartition{Bucket: 1, BucketCount: 2}))
	require.Error(t, err)
	err = sb.SetOutputBuffers(
		NewOutputBuffers(6).
			WithBuffer("a", Unpartitioned{}).
			WithBuffer("b", HashPartition{Bucket: 1, BucketCount: 2}).
			WithBuffer("c", Unpartitioned{}).
			WithNoMoreBufferIDs())
	require.Error(t, err)

	// Descriptors after the terminal state are ignored outright.
	sb.Destroy()
	require.NoError(t, sb.SetOutputBuffers(NewOutputBuffers(7)))
}

func TestPartitionHintReturnedVerbatim(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	hint := HashPartition{Bucket: 3, BucketCount: 8}
	require.NoError(t, sb.SetOutputBuffers(
		NewOutputBuffers(1).WithBuffer("a", hint).WithNoMoreBufferIDs()))
	mustEnqueue(t, sb, &testPage{index: 0, size: 10})

	result := mustGet(t, sb, "a", 0, 1024)
	require.Equal(t, hint, result.Partition)
}

func TestParameterValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()

	_, err := NewSharedBuffer("", future.GoroutineExecutor, 1024, nil)
	require.Error(t, err)
	_, err = NewSharedBuffer("t", nil, 1024, nil)
	require.Error(t, err)
	_, err = NewSharedBuffer("t", future.GoroutineExecutor, 0, nil)
	require.Error(t, err)

	sb := makeTestBuffer(t, 1024)
	_, err = sb.Enqueue(nil)
	require.Error(t, err)
	_, err = sb.Get("", 0, 1024)
	require.Error(t, err)
	_, err = sb.Get("a", -1, 1024)
	require.Error(t, err)
	_, err = sb.Get("a", 0, 0)
	require.Error(t, err)
}

func TestStateChangeListener(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	transitions := make(chan BufferState, 8)
	sb.AddStateChangeListener(func(s BufferState) { transitions <- s })

	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))
	require.Equal(t, BufferNoMoreBuffers, <-transitions)

	sb.SetNoMorePages()
	require.Equal(t, BufferFlushing, <-transitions)

	sb.Destroy()
	require.Equal(t, BufferFinished, <-transitions)

	// Listeners registered after the terminal state fire immediately.
	late := make(chan BufferState, 1)
	sb.AddStateChangeListener(func(s BufferState) { late <- s })
	require.Equal(t, BufferFinished, <-late)
}

func TestNoMorePagesBeforeFreeze(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 1024)
	require.NoError(t, sb.SetOutputBuffers(NewOutputBuffers(1).WithBuffer("a", Unpartitioned{})))
	mustEnqueue(t, sb, &testPage{index: 0, size: 100})

	sb.SetNoMorePages()
	require.Equal(t, BufferNoMorePages, sb.Info().State)

	// The set is not frozen yet, so the stream stays retained for potential
	// newcomers; draining "a" does not finish the buffer.
	result := mustGet(t, sb, "a", 0, 1024)
	require.Len(t, result.Pages, 1)

	// Freezing flips straight to FLUSHING.
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(2, "a")))
	require.Equal(t, BufferFlushing, sb.Info().State)

	final := mustGet(t, sb, "a", 1, 1024)
	require.True(t, final.BufferClosed)
	require.True(t, sb.IsFinished())
}

func TestInfoAccounting(t *testing.T) {
	defer leaktest.AfterTest(t)()

	sb := makeTestBuffer(t, 150)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	mustEnqueue(t, sb, &testPage{index: 0, size: 100})
	mustEnqueue(t, sb, &testPage{index: 1, size: 100})
	signal := mustEnqueue(t, sb, &testPage{index: 2, size: 100})
	require.False(t, signal.IsReady())

	info := sb.Info()
	require.Equal(t, int64(2), info.PagesAdded)
	require.Len(t, info.Buffers, 1)
	// In-flight counts queued pages too.
	require.Equal(t, int64(3), info.Buffers[0].PagesInFlight)
	require.Equal(t, int64(0), info.Buffers[0].AckSequenceID)

	mustGet(t, sb, "a", 2, 1<<20)
	info = sb.Info()
	require.Equal(t, int64(2), info.Buffers[0].AckSequenceID)

	sb.Destroy()
}

func TestMetricsAccounting(t *testing.T) {
	defer leaktest.AfterTest(t)()

	reg := prometheus.NewRegistry()
	metrics := MakeMetrics(reg)
	sb, err := NewSharedBuffer("metrics-task", future.GoroutineExecutor, 150, metrics)
	require.NoError(t, err)
	require.NoError(t, sb.SetOutputBuffers(frozenDescriptor(1, "a")))

	mustEnqueue(t, sb, &testPage{index: 0, size: 100})
	mustEnqueue(t, sb, &testPage{index: 1, size: 100})
	signal := mustEnqueue(t, sb, &testPage{index: 2, size: 100})
	require.False(t, signal.IsReady())

	require.Equal(t, float64(200), testutil.ToFloat64(metrics.BufferedBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.QueuedPages))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.PagesAdded))
	require.Equal(t, float64(200), testutil.ToFloat64(metrics.BytesAdded))

	// Acknowledge everything admitted so far; the overflowed page is promoted.
	mustGet(t, sb, "a", 2, 1<<20)
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.PagesDropped))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.QueuedPages))
	require.Equal(t, float64(100), testutil.ToFloat64(metrics.BufferedBytes))

	sb.SetNoMorePages()
	discarded := mustEnqueue(t, sb, &testPage{index: 3, size: 100})
	require.True(t, discarded.IsReady())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.PagesDiscarded))

	sb.Destroy()
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.BufferedBytes))
}

// TestConcurrentProduceConsume drives a producer against several consumers
// and checks that every consumer observes the full stream, in order, with a
// monotone acknowledgement cursor.
func TestConcurrentProduceConsume(t *testing.T) {
	defer leaktest.AfterTest(t)()

	const numPages = 200
	const numConsumers = 3

	sb := makeTestBuffer(t, 512)
	ids := make([]string, numConsumers)
	desc := NewOutputBuffers(1)
	for i := range ids {
		ids[i] = fmt.Sprintf("consumer-%d", i)
		desc = desc.WithBuffer(ids[i], Unpartitioned{})
	}
	require.NoError(t, sb.SetOutputBuffers(desc.WithNoMoreBufferIDs()))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := 0; i < numPages; i++ {
			signal, err := sb.Enqueue(&testPage{index: i, size: 100})
			if err != nil {
				return err
			}
			if _, err := signal.Wait(gCtx); err != nil {
				return err
			}
		}
		sb.SetNoMorePages()
		return nil
	})

	for _, id := range ids {
		id := id
		g.Go(func() error {
			var token int64
			next := 0
			for {
				f, err := sb.Get(id, token, 350)
				if err != nil {
					return err
				}
				result, err := f.Wait(gCtx)
				if err != nil {
					return err
				}
				if result.Token != token {
					return fmt.Errorf("%s: got token %d, requested %d", id, result.Token, token)
				}
				for _, page := range result.Pages {
					tp := page.(*testPage)
					if tp.index != next {
						return fmt.Errorf("%s: got page %d, want %d", id, tp.index, next)
					}
					next++
				}
				if result.NextToken < token {
					return fmt.Errorf("%s: token moved backwards %d -> %d", id, token, result.NextToken)
				}
				token = result.NextToken
				if result.BufferClosed {
					break
				}
			}
			if next != numPages {
				return fmt.Errorf("%s: saw %d pages, want %d", id, next, numPages)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.True(t, sb.IsFinished())
}
