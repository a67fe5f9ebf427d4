// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// BufferResult is the reply to a single Get call: a contiguous run of pages
// starting at Token, plus the cursor for the follow-up request. A closed
// result tells the consumer the stream has ended and no further requests are
// needed.
type BufferResult struct {
	// Token is the sequence id of the first page in Pages, echoing the
	// request's starting sequence id.
	Token int64
	// NextToken is the sequence id the consumer should request next. Sending
	// it acknowledges everything below it.
	NextToken int64
	// BufferClosed is true once the named buffer has delivered (or will never
	// deliver) its final page.
	BufferClosed bool
	// Pages holds the delivered pages, in sequence order.
	Pages []Page
	// Partition is the partition function recorded for the named buffer,
	// returned verbatim.
	Partition PartitionFunction
}

func emptyResults(token int64, closed bool) BufferResult {
	return BufferResult{Token: token, NextToken: token, BufferClosed: closed}
}

// Empty returns true if the result carries no pages.
func (r BufferResult) Empty() bool {
	return len(r.Pages) == 0
}

// Size returns the total byte size of the delivered pages.
func (r BufferResult) Size() int64 {
	var size int64
	for _, page := range r.Pages {
		size += page.Size()
	}
	return size
}
