// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package outputbuf implements the output buffer of a task in a distributed
// flow. A single local producer enqueues pages; one or more named output
// buffers, each owned by a remote consumer, pull those pages over a
// token-acknowledged cursor. The buffer enforces a byte budget with
// producer backpressure and coordinates the end-of-stream lifecycle so a
// task finishes only after every consumer has acknowledged every page.
package outputbuf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/stratumdb/stratum/pkg/util/future"
	"github.com/stratumdb/stratum/pkg/util/log"
	"github.com/stratumdb/stratum/pkg/util/ring"
	"github.com/stratumdb/stratum/pkg/util/syncutil"
)

// queuedPage is a page that overflowed the byte budget, paired with the
// signal handed back to the producer. The signal completes when the page is
// promoted into the master queue, or when the buffer stops accepting pages.
type queuedPage struct {
	page   Page
	signal *future.Future[struct{}]
}

// SharedBuffer is the shuffle output buffer of one task.
//
// Pages are identified by the sequence id of their admission: the producer's
// k-th admitted page has sequence id k-1. The master queue holds the suffix
// of the stream that some known consumer has not yet acknowledged; its head
// is masterSequenceID. Until the consumer set is frozen the head never
// advances, because a consumer registered later is entitled to the stream
// from sequence 0.
//
// All mutations run under mu. Info is assembled lock-free from atomics so
// that observers cannot stall the buffer.
type SharedBuffer struct {
	taskID           TaskID
	ctx              context.Context
	maxBufferedBytes int64
	metrics          *Metrics
	state            *stateMachine

	// masterSequenceID is the sequence id of the head of the master queue.
	// Written under mu; read lock-free by Info.
	masterSequenceID atomic.Int64
	// pagesAdded counts every page ever admitted to the master queue.
	pagesAdded atomic.Int64
	// queuedPageCount mirrors len(mu.queuedPages) for lock-free observers.
	queuedPageCount atomic.Int64

	// namedBuffers is written only under mu; reads are lock-free so Info can
	// avoid the buffer lock.
	namedBuffers syncutil.Map[string, *namedBuffer]

	mu struct {
		syncutil.Mutex
		outputBuffers  OutputBuffers
		bufferedBytes  int64
		masterQueue    ring.Buffer[Page]
		queuedPages    []*queuedPage
		abortedBuffers map[string]struct{}
		pendingReads   []*getRequest
		namedCount     int
	}
}

// NewSharedBuffer creates an open buffer for taskID with the given byte
// budget. State change listeners run on exec. metrics may be nil.
func NewSharedBuffer(
	taskID TaskID, exec future.Executor, maxBufferedBytes int64, metrics *Metrics,
) (*SharedBuffer, error) {
	if taskID == "" {
		return nil, errors.AssertionFailedf("taskID must not be empty")
	}
	if exec == nil {
		return nil, errors.AssertionFailedf("executor must not be nil")
	}
	if maxBufferedBytes < 1 {
		return nil, errors.AssertionFailedf(
			"maxBufferedBytes must be at least 1, got %d", maxBufferedBytes)
	}
	sb := &SharedBuffer{
		taskID:           taskID,
		maxBufferedBytes: maxBufferedBytes,
		metrics:          metrics,
	}
	sb.ctx = logtags.AddTag(context.Background(), "buffer", string(taskID))
	sb.state = newStateMachine(sb.ctx, fmt.Sprintf("%s-buffer", taskID), exec, BufferOpen)
	sb.mu.outputBuffers = InitialEmptyOutputBuffers()
	sb.mu.abortedBuffers = make(map[string]struct{})
	return sb, nil
}

// TaskID returns the id of the task owning this buffer.
func (sb *SharedBuffer) TaskID() TaskID {
	return sb.taskID
}

// AddStateChangeListener registers fn to run on the buffer's executor after
// every state transition.
func (sb *SharedBuffer) AddStateChangeListener(fn func(BufferState)) {
	sb.state.AddListener(fn)
}

// IsFinished returns true once the buffer has reached its terminal state.
func (sb *SharedBuffer) IsFinished() bool {
	return sb.state.Get() == BufferFinished
}

// Info returns a snapshot of the buffer. It must stay lock-free so that
// status observers cannot hang state machine updates.
func (sb *SharedBuffer) Info() SharedBufferInfo {
	var infos []BufferInfo
	sb.namedBuffers.Range(func(_ string, nb *namedBuffer) bool {
		infos = append(infos, nb.getInfo(sb))
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].BufferID < infos[j].BufferID })
	return SharedBufferInfo{
		State:            sb.state.Get(),
		MasterSequenceID: sb.masterSequenceID.Load(),
		PagesAdded:       sb.pagesAdded.Load(),
		Buffers:          infos,
	}
}

// SetOutputBuffers applies a new output buffer descriptor. Descriptors at or
// below the current version are ignored, as are descriptors arriving after
// the buffer finished; both are normal during cancellation. A descriptor
// that drops a previously declared buffer or retracts noMoreBufferIDs is
// rejected without mutating the buffer.
func (sb *SharedBuffer) SetOutputBuffers(newOutputBuffers OutputBuffers) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.state.Get() == BufferFinished || sb.mu.outputBuffers.Version() >= newOutputBuffers.Version() {
		return nil
	}

	// Validate the descriptor in full before touching any state.
	for id := range sb.mu.outputBuffers.buffers {
		if _, ok := newOutputBuffers.buffers[id]; !ok {
			return errors.Newf(
				"output buffers version %d drops previously declared buffer %q",
				newOutputBuffers.Version(), id)
		}
	}
	if sb.mu.outputBuffers.IsNoMoreBufferIDs() && !newOutputBuffers.IsNoMoreBufferIDs() {
		return errors.Newf(
			"output buffers version %d retracts noMoreBufferIDs", newOutputBuffers.Version())
	}
	state := sb.state.Get()
	for id := range newOutputBuffers.buffers {
		if _, ok := sb.namedBuffers.Load(id); !ok && !state.CanAddBuffers() {
			return errors.Newf("cannot add output buffer %q in state %s", id, state)
		}
	}

	sb.mu.outputBuffers = newOutputBuffers
	for id, partition := range newOutputBuffers.buffers {
		if _, ok := sb.namedBuffers.Load(id); ok {
			continue
		}
		nb := &namedBuffer{id: id, partition: partition}
		// The buffer may have been aborted before its registration arrived.
		if _, aborted := sb.mu.abortedBuffers[id]; aborted {
			nb.abort(sb)
		}
		sb.namedBuffers.Store(id, nb)
		sb.mu.namedCount++
		if log.V(2) {
			log.Infof(sb.ctx, "registered output buffer %q", id)
		}
	}

	if newOutputBuffers.IsNoMoreBufferIDs() {
		sb.state.CompareAndSet(BufferOpen, BufferNoMoreBuffers)
		sb.state.CompareAndSet(BufferNoMorePages, BufferFlushing)
	}

	sb.updateStateLocked()
	return nil
}

// Enqueue submits a page from the local producer. The returned signal is
// already completed if the page was admitted directly or discarded; it is
// pending if the page overflowed the byte budget, in which case it completes
// once the page is promoted into the master queue (or the buffer stops
// accepting pages). The producer is expected to await the signal before
// submitting the next page.
func (sb *SharedBuffer) Enqueue(page Page) (*future.Future[struct{}], error) {
	if page == nil {
		return nil, errors.AssertionFailedf("page must not be nil")
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Pages arriving after no-more-pages are legitimate: an upstream limit
	// can cut the query off while the producer still holds a page.
	if !sb.state.Get().CanAddPages() {
		if sb.metrics != nil {
			sb.metrics.PagesDiscarded.Inc()
		}
		return future.MakeReady(struct{}{}), nil
	}

	if sb.mu.bufferedBytes < sb.maxBufferedBytes {
		sb.addPageLocked(page)
		return future.MakeReady(struct{}{}), nil
	}

	qp := &queuedPage{page: page, signal: future.Make[struct{}]()}
	sb.mu.queuedPages = append(sb.mu.queuedPages, qp)
	sb.queuedPageCount.Store(int64(len(sb.mu.queuedPages)))
	if sb.metrics != nil {
		sb.metrics.QueuedPages.Inc()
	}
	sb.updateStateLocked()
	return qp.signal, nil
}

// addPageLocked admits a page into the master queue and re-runs pending
// reads that may now have data.
func (sb *SharedBuffer) addPageLocked(page Page) {
	sb.mu.AssertHeld()
	sb.mu.masterQueue.AddLast(page)
	sb.pagesAdded.Add(1)
	sb.setBufferedBytesLocked(sb.mu.bufferedBytes + page.Size())
	if sb.metrics != nil {
		sb.metrics.PagesAdded.Inc()
		sb.metrics.BytesAdded.Add(float64(page.Size()))
	}
	sb.processPendingReadsLocked()
}

func (sb *SharedBuffer) setBufferedBytesLocked(bytes int64) {
	sb.mu.AssertHeld()
	if sb.metrics != nil {
		sb.metrics.BufferedBytes.Add(float64(bytes - sb.mu.bufferedBytes))
	}
	sb.mu.bufferedBytes = bytes
}

// Get requests pages for the named buffer starting at startingSequenceID,
// bounded by maxBytes (the first page is always delivered, even if it alone
// exceeds the bound). A startingSequenceID above the buffer's cursor
// acknowledges all pages below it. The returned future completes as soon as
// pages or a terminal answer are available.
func (sb *SharedBuffer) Get(
	bufferID string, startingSequenceID int64, maxBytes int64,
) (*future.Future[BufferResult], error) {
	if bufferID == "" {
		return nil, errors.AssertionFailedf("bufferID must not be empty")
	}
	if startingSequenceID < 0 {
		return nil, errors.AssertionFailedf(
			"startingSequenceID must be non-negative, got %d", startingSequenceID)
	}
	if maxBytes < 1 {
		return nil, errors.AssertionFailedf("maxBytes must be at least 1, got %d", maxBytes)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Once the buffer set is frozen, a request for an unknown buffer can
	// never be satisfied; answer closed-empty. This happens with limit
	// queries where the buffer is destroyed before a consumer ever
	// registered.
	if _, ok := sb.namedBuffers.Load(bufferID); !ok && !sb.state.Get().CanAddBuffers() {
		return future.MakeReady(emptyResults(0, true)), nil
	}

	req := &getRequest{
		bufferID:           bufferID,
		startingSequenceID: startingSequenceID,
		maxBytes:           maxBytes,
		result:             future.Make[BufferResult](),
	}
	sb.mu.pendingReads = append(sb.mu.pendingReads, req)
	if sb.metrics != nil {
		sb.metrics.PendingReads.Inc()
	}
	sb.updateStateLocked()
	return req.result, nil
}

// Abort marks the named buffer finished, releasing its claim on the master
// queue. Safe to call before the buffer is registered and after it finished.
func (sb *SharedBuffer) Abort(bufferID string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.mu.abortedBuffers[bufferID] = struct{}{}
	if nb, ok := sb.namedBuffers.Load(bufferID); ok {
		nb.abort(sb)
	}
	sb.updateStateLocked()
}

// SetNoMorePages declares that the producer will submit no further pages.
func (sb *SharedBuffer) SetNoMorePages() {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.state.CompareAndSet(BufferOpen, BufferNoMorePages) ||
		sb.state.CompareAndSet(BufferNoMoreBuffers, BufferFlushing) {
		sb.updateStateLocked()
	}
}

// Destroy discards all pages, releases every producer and consumer waiter
// and moves the buffer to its terminal state. Idempotent.
func (sb *SharedBuffer) Destroy() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.destroyLocked()
}

func (sb *SharedBuffer) destroyLocked() {
	sb.mu.AssertHeld()
	sb.state.Set(BufferFinished)

	sb.mu.masterQueue.Reset()
	sb.setBufferedBytesLocked(0)

	// Release producers waiting on overflowed pages; those pages are gone.
	sb.releaseQueuedPagesLocked()

	sb.namedBuffers.Range(func(_ string, nb *namedBuffer) bool {
		nb.abort(sb)
		return true
	})
	sb.processPendingReadsLocked()
}

func (sb *SharedBuffer) releaseQueuedPagesLocked() {
	sb.mu.AssertHeld()
	for _, qp := range sb.mu.queuedPages {
		qp.signal.Set(struct{}{})
	}
	if sb.metrics != nil {
		sb.metrics.QueuedPages.Sub(float64(len(sb.mu.queuedPages)))
	}
	sb.mu.queuedPages = nil
	sb.queuedPageCount.Store(0)
}

// checkFlushCompleteLocked destroys the buffer once it is flushing and every
// named buffer has finished. It runs at the tail of updateStateLocked, after
// each answered read, and from namedBuffer.checkCompletion, which sets the
// finished flag before re-entering it so the recursion bottoms out.
func (sb *SharedBuffer) checkFlushCompleteLocked() {
	sb.mu.AssertHeld()

	if sb.state.Get() != BufferFlushing {
		return
	}
	complete := true
	sb.namedBuffers.Range(func(_ string, nb *namedBuffer) bool {
		complete = nb.checkCompletion(sb)
		return complete
	})
	if complete {
		sb.destroyLocked()
	}
}

// updateStateLocked re-evaluates everything that can make progress after a
// mutation: pending reads, discarded overflow, master queue advancement and
// refill, and buffer completion.
func (sb *SharedBuffer) updateStateLocked() {
	sb.mu.AssertHeld()
	defer sb.checkFlushCompleteLocked()

	sb.processPendingReadsLocked()

	state := sb.state.Get()
	if state == BufferFinished {
		return
	}

	if !state.CanAddPages() {
		// Overflowed pages were never officially admitted; let them go.
		sb.releaseQueuedPagesLocked()
	}

	if !state.CanAddBuffers() && sb.mu.namedCount > 0 {
		// The buffer set is frozen, so pages acknowledged by every known
		// consumer can be dropped from the head of the master queue.
		oldMasterSequenceID := sb.masterSequenceID.Load()
		newMasterSequenceID := int64(math.MaxInt64)
		sb.namedBuffers.Range(func(_ string, nb *namedBuffer) bool {
			if seq := nb.sequenceID.Load(); seq < newMasterSequenceID {
				newMasterSequenceID = seq
			}
			return true
		})
		sb.masterSequenceID.Store(newMasterSequenceID)

		pagesToRemove := newMasterSequenceID - oldMasterSequenceID
		if pagesToRemove < 0 {
			panic(errors.AssertionFailedf(
				"master sequence id moved backwards: %d -> %d",
				oldMasterSequenceID, newMasterSequenceID))
		}
		for i := int64(0); i < pagesToRemove; i++ {
			page := sb.mu.masterQueue.GetFirst()
			sb.mu.masterQueue.RemoveFirst()
			sb.setBufferedBytesLocked(sb.mu.bufferedBytes - page.Size())
		}
		if sb.metrics != nil && pagesToRemove > 0 {
			sb.metrics.PagesDropped.Add(float64(pagesToRemove))
		}

		// Refill the freed budget from the overflow queue, oldest first.
		for len(sb.mu.queuedPages) > 0 && sb.mu.bufferedBytes < sb.maxBufferedBytes {
			qp := sb.mu.queuedPages[0]
			sb.mu.queuedPages = sb.mu.queuedPages[1:]
			sb.queuedPageCount.Store(int64(len(sb.mu.queuedPages)))
			if sb.metrics != nil {
				sb.metrics.QueuedPages.Dec()
			}
			sb.addPageLocked(qp.page)
			qp.signal.Set(struct{}{})
		}
	}

	if !state.CanAddPages() {
		sb.namedBuffers.Range(func(_ string, nb *namedBuffer) bool {
			nb.checkCompletion(sb)
			return true
		})
	}
}

// processPendingReadsLocked re-evaluates every parked read in insertion
// order, removing the ones whose futures completed. Runs over a snapshot:
// executing a read can re-enter this method (through destroy), and the
// nested run must see a stable list.
func (sb *SharedBuffer) processPendingReadsLocked() {
	sb.mu.AssertHeld()

	snapshot := append([]*getRequest(nil), sb.mu.pendingReads...)
	for _, req := range snapshot {
		if req.executeLocked(sb) {
			sb.removePendingReadLocked(req)
		}
	}
}

func (sb *SharedBuffer) removePendingReadLocked(req *getRequest) {
	sb.mu.AssertHeld()
	for i, other := range sb.mu.pendingReads {
		if other == req {
			sb.mu.pendingReads = append(sb.mu.pendingReads[:i], sb.mu.pendingReads[i+1:]...)
			if sb.metrics != nil {
				sb.metrics.PendingReads.Dec()
			}
			return
		}
	}
}

// pagesLocked returns the contiguous run of pages starting at sequenceID
// whose cumulative size stays within maxBytes. The first page is always
// included so that a page larger than maxBytes still flows.
func (sb *SharedBuffer) pagesLocked(sequenceID int64, maxBytes int64) []Page {
	sb.mu.AssertHeld()

	var pages []Page
	var bytes int64
	offset := int(sequenceID - sb.masterSequenceID.Load())
	for offset < sb.mu.masterQueue.Len() {
		page := sb.mu.masterQueue.Get(offset)
		offset++
		bytes += page.Size()
		if len(pages) > 0 && bytes > maxBytes {
			break
		}
		pages = append(pages, page)
	}
	return pages
}

// getRequest is a consumer read parked in the pending-read registry until it
// can be answered.
type getRequest struct {
	bufferID           string
	startingSequenceID int64
	maxBytes           int64
	result             *future.Future[BufferResult]
}

// executeLocked attempts to answer the read. It returns true once the
// request's future is completed and the request can leave the registry;
// re-evaluation of an already completed request is a no-op.
func (req *getRequest) executeLocked(sb *SharedBuffer) bool {
	sb.mu.AssertHeld()

	if req.result.IsReady() {
		return true
	}

	nb, _ := sb.namedBuffers.Load(req.bufferID)

	// Once the buffer is finished every read gets an empty closed result,
	// including reads for buffers that were never registered: the buffer can
	// be destroyed before the registration message arrives.
	if sb.state.Get() == BufferFinished {
		sequenceID := int64(0)
		if nb != nil {
			sequenceID = nb.sequenceID.Load()
		}
		req.result.Set(emptyResults(sequenceID, true))
		return true
	}

	// Not registered yet; wait.
	if nb == nil {
		return false
	}

	// Reads behind the acknowledgement point are stale replays of requests
	// the consumer already advanced past; answer them empty and open.
	if req.startingSequenceID < nb.sequenceID.Load() {
		req.result.Set(emptyResults(req.startingSequenceID, false))
		return true
	}

	result := nb.getPages(sb, req.startingSequenceID, req.maxBytes)

	// The read may have acknowledged the final pages.
	sb.checkFlushCompleteLocked()

	// Nothing to deliver yet; stay parked until more pages arrive.
	if result.Empty() && !result.BufferClosed {
		return false
	}

	req.result.Set(result)
	return true
}
