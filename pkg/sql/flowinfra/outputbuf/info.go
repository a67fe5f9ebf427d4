// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// TaskID identifies the task owning a buffer. Used for log tags and for
// routing on the pull API.
type TaskID string

// BufferInfo is a point-in-time snapshot of one named buffer.
type BufferInfo struct {
	BufferID string `json:"bufferId"`
	Finished bool   `json:"finished"`
	// PagesInFlight approximates the number of pages produced (including
	// pages still waiting in the overflow queue) that the consumer has not
	// yet acknowledged.
	PagesInFlight int64 `json:"pagesInFlight"`
	// AckSequenceID is the next sequence id the consumer has not yet
	// acknowledged.
	AckSequenceID int64 `json:"ackSequenceId"`
}

// SharedBufferInfo is a point-in-time snapshot of a SharedBuffer. It is
// assembled without taking the buffer lock, so the fields are individually
// consistent but not necessarily mutually so.
type SharedBufferInfo struct {
	State BufferState `json:"state"`
	// MasterSequenceID is the sequence id of the current head of the master
	// queue.
	MasterSequenceID int64 `json:"masterSequenceId"`
	// PagesAdded counts every page ever admitted to the master queue.
	PagesAdded int64        `json:"pagesAdded"`
	Buffers    []BufferInfo `json:"buffers"`
}
