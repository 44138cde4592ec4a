// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot reads and writes TLB context snapshots.
//
// A snapshot is laid out as
//
//	[raw page table][record]*[4-byte zero]
//
// where the raw page table is every 16-bit entry in little-endian
// order, and each record is a 4-byte little-endian physical address
// followed by one page of that page's contents. A zero physical
// address terminates the record list.
package snapshot

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
)

const addrSize = 4

var (
	// ErrShortBuffer is returned when a write does not fit in the
	// storage.
	ErrShortBuffer = errors.New("snapshot storage too small")

	// ErrCorrupt is returned for a malformed snapshot.
	ErrCorrupt = errors.New("corrupt snapshot")
)

// Layout is what a reader needs to know about the platform to find its
// way around a snapshot. The format itself carries no header.
type Layout struct {
	PageSize     mem.Bytes
	TableEntries int
}

// LayoutOf returns the snapshot layout of a platform.
func LayoutOf(l hw.Layout) Layout {
	return Layout{PageSize: l.PageSize, TableEntries: l.TableEntries()}
}

// TableBytes returns the size of the raw page table.
func (l Layout) TableBytes() int64 {
	return 2 * int64(l.TableEntries)
}

// RecordBytes returns the size of one page record.
func (l Layout) RecordBytes() int64 {
	return addrSize + int64(l.PageSize)
}

// Size returns the exact size of a snapshot holding n pages.
func (l Layout) Size(n mem.Pages) int64 {
	return l.TableBytes() + int64(n)*l.RecordBytes() + addrSize
}

// Storage is where a snapshot is written.
type Storage interface {
	io.WriterAt

	// Flush commits [off, off+n) to the backing store.
	Flush(off, n int64) error
}

// Source is a snapshot to read.
type Source interface {
	io.ReaderAt

	// Len returns the size of the snapshot in bytes.
	Len() int
}

// Buffer is an in-memory Storage and Source of fixed size.
type Buffer struct {
	b []byte
}

// NewBuffer returns a zeroed buffer of n bytes.
func NewBuffer(n int64) *Buffer {
	return &Buffer{b: make([]byte, n)}
}

// WriteAt implements io.WriterAt. Writes past the end fail with
// ErrShortBuffer without writing anything.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.b)) {
		return 0, errors.Wrapf(ErrShortBuffer, "writing %d bytes at %d into %d", len(p), off, len(b.b))
	}
	return copy(b.b[off:], p), nil
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.b)) {
		return 0, io.EOF
	}
	n := copy(p, b.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Flush implements Storage. Memory needs no flushing.
func (b *Buffer) Flush(off, n int64) error {
	if off < 0 || off+n > int64(len(b.b)) {
		return errors.Wrapf(ErrShortBuffer, "flushing %d bytes at %d of %d", n, off, len(b.b))
	}
	return nil
}

// Len implements Source.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Bytes returns the buffer's contents.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// File is a Storage backed by a file.
type File struct {
	*os.File
}

// Flush implements Storage by syncing the whole file.
func (f File) Flush(off, n int64) error {
	return f.Sync()
}
