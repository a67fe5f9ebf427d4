// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package bufferpull

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// Wire format, per page:
//
//	uint32 big-endian  row count
//	uint32 big-endian  compressed payload length
//	bytes              snappy-compressed payload
//
// Pages are concatenated back to back; the end of the stream marks the end
// of the page run.

const pageHeaderSize = 8

// WritePage writes one framed page to w.
func WritePage(w io.Writer, page *BytesPage) error {
	compressed := snappy.Encode(nil, page.data)
	if len(compressed) > math.MaxUint32 {
		return errors.AssertionFailedf("page payload too large: %d bytes", len(compressed))
	}
	var hdr [pageHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(page.rowCount))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(compressed)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing page header")
	}
	if _, err := w.Write(compressed); err != nil {
		return errors.Wrap(err, "writing page payload")
	}
	return nil
}

// ReadPage reads one framed page from r. It returns io.EOF when r is
// exhausted on a page boundary.
func ReadPage(r io.Reader) (*BytesPage, error) {
	var hdr [pageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading page header")
	}
	rowCount := binary.BigEndian.Uint32(hdr[0:4])
	compressed := make([]byte, binary.BigEndian.Uint32(hdr[4:8]))
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, errors.Wrap(err, "reading page payload")
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing page payload")
	}
	return &BytesPage{data: data, rowCount: int(rowCount)}, nil
}

// ReadPages reads framed pages from r until it is exhausted.
func ReadPages(r io.Reader) ([]*BytesPage, error) {
	var pages []*BytesPage
	for {
		page, err := ReadPage(r)
		if errors.Is(err, io.EOF) {
			return pages, nil
		}
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
}
