// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// BufferState is the lifecycle state of a SharedBuffer.
type BufferState int32

const (
	// BufferOpen accepts new pages and new output buffers. Any next state is
	// allowed.
	BufferOpen BufferState = iota
	// BufferNoMoreBuffers accepts new pages; the set of output buffers is
	// frozen. Next state is BufferFlushing.
	BufferNoMoreBuffers
	// BufferNoMorePages accepts new output buffers; no more pages will be
	// admitted. Next state is BufferFlushing.
	BufferNoMorePages
	// BufferFlushing accepts neither pages nor output buffers and waits for
	// the final pages to be consumed. Next state is BufferFinished.
	BufferFlushing
	// BufferFinished means all pages have been consumed or discarded. This is
	// the terminal state.
	BufferFinished
)

// CanAddPages returns true if new pages may be admitted in this state.
func (s BufferState) CanAddPages() bool {
	return s == BufferOpen || s == BufferNoMoreBuffers
}

// CanAddBuffers returns true if new output buffers may be declared in this
// state.
func (s BufferState) CanAddBuffers() bool {
	return s == BufferOpen || s == BufferNoMorePages
}

func (s BufferState) String() string {
	switch s {
	case BufferOpen:
		return "OPEN"
	case BufferNoMoreBuffers:
		return "NO_MORE_BUFFERS"
	case BufferNoMorePages:
		return "NO_MORE_PAGES"
	case BufferFlushing:
		return "FLUSHING"
	case BufferFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler so that buffer info renders
// states by name.
func (s BufferState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
