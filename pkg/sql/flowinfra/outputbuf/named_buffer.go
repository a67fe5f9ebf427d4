// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// namedBuffer is the per-consumer view onto the master queue. It owns the
// consumer's acknowledgement cursor and a sticky finished flag. The buffer
// lock of the owning SharedBuffer guards mutation; sequenceID and finished
// are atomics so Info can read them without the lock.
type namedBuffer struct {
	id        string
	partition PartitionFunction

	// sequenceID is the next sequence id the consumer has not acknowledged.
	// It only moves forward.
	sequenceID atomic.Int64
	// finished flips to true once the consumer aborted or acknowledged the
	// final page. It never flips back.
	finished atomic.Bool
}

// getInfo is lock-free. The fields are read independently, so the snapshot
// is internally approximate during concurrent mutation.
func (nb *namedBuffer) getInfo(sb *SharedBuffer) BufferInfo {
	sequenceID := nb.sequenceID.Load()
	if nb.finished.Load() {
		return BufferInfo{BufferID: nb.id, Finished: true, AckSequenceID: sequenceID}
	}
	inFlight := sb.pagesAdded.Load() + sb.queuedPageCount.Load() - sequenceID
	if inFlight < 0 {
		inFlight = 0
	}
	return BufferInfo{
		BufferID:      nb.id,
		PagesInFlight: inFlight,
		AckSequenceID: sequenceID,
	}
}

// getPages advances the acknowledgement cursor to startingSequenceID and
// returns the pages available from there, within maxBytes. The caller must
// have already diverted reads behind the cursor.
func (nb *namedBuffer) getPages(sb *SharedBuffer, startingSequenceID, maxBytes int64) BufferResult {
	sb.mu.AssertHeld()

	sequenceID := nb.sequenceID.Load()
	if startingSequenceID < sequenceID {
		panic(errors.AssertionFailedf(
			"buffer %q: read at sequence %d behind acknowledged sequence %d",
			nb.id, startingSequenceID, sequenceID))
	}
	if startingSequenceID > sequenceID {
		nb.sequenceID.Store(startingSequenceID)
	}

	if nb.checkCompletion(sb) {
		return emptyResults(startingSequenceID, true)
	}

	pages := sb.pagesLocked(startingSequenceID, maxBytes)
	return BufferResult{
		Token:     startingSequenceID,
		NextToken: startingSequenceID + int64(len(pages)),
		Pages:     pages,
		Partition: nb.partition,
	}
}

func (nb *namedBuffer) abort(sb *SharedBuffer) {
	sb.mu.AssertHeld()
	nb.finished.Store(true)
}

// checkCompletion marks the buffer finished once no further pages can arrive
// and the consumer has acknowledged everything admitted so far, then checks
// whether the whole flush is complete. Returns the finished flag.
func (nb *namedBuffer) checkCompletion(sb *SharedBuffer) bool {
	sb.mu.AssertHeld()

	// Already finished; do not re-enter checkFlushCompleteLocked, which
	// called us in the first place.
	if nb.finished.Load() {
		return true
	}
	if !sb.state.Get().CanAddPages() && nb.sequenceID.Load() >= sb.pagesAdded.Load() {
		// Set finished before re-entering so the recursion bottoms out on the
		// short circuit above.
		nb.finished.Store(true)
		sb.checkFlushCompleteLocked()
	}
	return nb.finished.Load()
}
