// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// PartitionFunction describes how the pages flowing into a named output
// buffer were partitioned. The buffer treats it as an opaque tag: it is
// recorded at registration and handed back verbatim with every result so
// that consumers know how to interpret the stream.
type PartitionFunction interface {
	partitionFunction()
}

// Unpartitioned marks a buffer receiving the full, unpartitioned stream.
type Unpartitioned struct{}

func (Unpartitioned) partitionFunction() {}

// HashPartition marks a buffer receiving the rows whose hash lands in the
// given bucket.
type HashPartition struct {
	Bucket      int
	BucketCount int
}

func (HashPartition) partitionFunction() {}
