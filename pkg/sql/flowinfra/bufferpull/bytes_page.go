// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package bufferpull serves the pages of a task's output buffer over an HTTP
// pull API and provides the matching client. Consumers fetch pages with a
// sequence token; requesting a token acknowledges every page below it, so the
// fetch loop doubles as the acknowledgement protocol.
package bufferpull

import (
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/outputbuf"
)

// BytesPage is a page whose rows are carried as an opaque byte payload. It is
// the page representation used on the wire.
type BytesPage struct {
	data     []byte
	rowCount int
}

var _ outputbuf.Page = (*BytesPage)(nil)

// NewBytesPage wraps data in a page. The page takes ownership of data.
func NewBytesPage(data []byte, rowCount int) *BytesPage {
	return &BytesPage{data: data, rowCount: rowCount}
}

// Size returns the in-memory footprint of the page.
func (p *BytesPage) Size() int64 {
	return int64(len(p.data))
}

// Data returns the page payload. Callers must not modify it.
func (p *BytesPage) Data() []byte {
	return p.data
}

// RowCount returns the number of rows carried by the page.
func (p *BytesPage) RowCount() int {
	return p.rowCount
}
