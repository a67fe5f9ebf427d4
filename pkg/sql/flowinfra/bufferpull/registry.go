// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package bufferpull

import (
	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/outputbuf"
	"github.com/stratumdb/stratum/pkg/util/syncutil"
)

// Registry routes pull requests to the output buffer of the addressed task.
type Registry struct {
	buffers syncutil.Map[outputbuf.TaskID, *outputbuf.SharedBuffer]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register makes the buffer reachable under its task id.
func (r *Registry) Register(sb *outputbuf.SharedBuffer) error {
	if _, loaded := r.buffers.LoadOrStore(sb.TaskID(), sb); loaded {
		return errors.Newf("task %s already registered", sb.TaskID())
	}
	return nil
}

// Unregister removes the buffer for taskID, if any.
func (r *Registry) Unregister(taskID outputbuf.TaskID) {
	r.buffers.Delete(taskID)
}

// Lookup returns the buffer for taskID.
func (r *Registry) Lookup(taskID outputbuf.TaskID) (*outputbuf.SharedBuffer, bool) {
	return r.buffers.Load(taskID)
}
