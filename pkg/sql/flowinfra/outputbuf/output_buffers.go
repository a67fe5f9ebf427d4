// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// OutputBuffers is a versioned snapshot of the output buffers a task must
// produce. The coordinator sends these to the task as consumers are planned;
// each accepted version must contain every buffer from the previous one, and
// once noMoreBufferIDs is set it stays set. The zero-value is not meaningful;
// use InitialEmptyOutputBuffers or NewOutputBuffers.
type OutputBuffers struct {
	version         int64
	noMoreBufferIDs bool
	buffers         map[string]PartitionFunction
}

// InitialEmptyOutputBuffers is the descriptor a buffer starts from before the
// coordinator has declared anything. Its version is below every valid
// descriptor version.
func InitialEmptyOutputBuffers() OutputBuffers {
	return OutputBuffers{version: -1}
}

// NewOutputBuffers returns an empty descriptor at the given version.
func NewOutputBuffers(version int64) OutputBuffers {
	return OutputBuffers{version: version}
}

// Version returns the descriptor version.
func (b OutputBuffers) Version() int64 {
	return b.version
}

// IsNoMoreBufferIDs returns true if the set of buffer ids is final.
func (b OutputBuffers) IsNoMoreBufferIDs() bool {
	return b.noMoreBufferIDs
}

// Buffers returns a copy of the buffer id to partition function mapping.
func (b OutputBuffers) Buffers() map[string]PartitionFunction {
	out := make(map[string]PartitionFunction, len(b.buffers))
	for id, p := range b.buffers {
		out[id] = p
	}
	return out
}

// WithBuffer returns a copy of the descriptor with the given buffer added.
func (b OutputBuffers) WithBuffer(id string, partition PartitionFunction) OutputBuffers {
	buffers := make(map[string]PartitionFunction, len(b.buffers)+1)
	for existing, p := range b.buffers {
		buffers[existing] = p
	}
	buffers[id] = partition
	return OutputBuffers{
		version:         b.version,
		noMoreBufferIDs: b.noMoreBufferIDs,
		buffers:         buffers,
	}
}

// WithNoMoreBufferIDs returns a copy of the descriptor with the buffer id set
// marked final.
func (b OutputBuffers) WithNoMoreBufferIDs() OutputBuffers {
	out := b
	out.noMoreBufferIDs = true
	return out
}
