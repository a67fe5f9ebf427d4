// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

// Page is an opaque, immutable batch of rows moving through a flow. The
// output buffer accounts for pages by size and never looks inside them.
type Page interface {
	// Size returns the in-memory footprint of the page in bytes. It must be
	// stable over the lifetime of the page.
	Size() int64
}
