// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"io"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/sramtlb/mem"
)

// Record locates one saved page in a snapshot.
type Record struct {
	// Phys is the physical address the page was saved from.
	Phys mem.PhysAddr

	// Offset is the offset of the page contents in the snapshot.
	Offset int64
}

// Reader walks the records of a snapshot in order.
type Reader struct {
	src    Source
	layout Layout
	off    int64
	done   bool
}

// NewReader returns a reader for src. It fails if src cannot even hold
// a page table and an end marker.
func NewReader(src Source, l Layout) (*Reader, error) {
	if int64(src.Len()) < l.TableBytes()+addrSize {
		return nil, errors.Wrapf(ErrCorrupt, "%d bytes is too short for a %d entry page table", src.Len(), l.TableEntries)
	}
	return &Reader{src: src, layout: l, off: l.TableBytes()}, nil
}

func (r *Reader) readFull(p []byte, off int64) error {
	n, err := r.src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = errors.Wrapf(ErrCorrupt, "truncated at offset %d", off+int64(n))
	}
	return err
}

// Table returns the saved page table.
func (r *Reader) Table() ([]uint16, error) {
	buf := make([]byte, r.layout.TableBytes())
	if err := r.readFull(buf, 0); err != nil {
		return nil, errors.Wrap(err, "reading page table")
	}
	entries := make([]uint16, r.layout.TableEntries)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return entries, nil
}

// Next returns the next record, or io.EOF once the end marker has been
// read.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}
	var hdr [addrSize]byte
	if err := r.readFull(hdr[:], r.off); err != nil {
		return Record{}, errors.Wrap(err, "reading record header")
	}
	pa := mem.PhysAddr(binary.LittleEndian.Uint32(hdr[:]))
	if pa == 0 {
		r.done = true
		r.off += addrSize
		return Record{}, io.EOF
	}
	rec := Record{Phys: pa, Offset: r.off + addrSize}
	if rec.Offset+int64(r.layout.PageSize) > int64(r.src.Len()) {
		return Record{}, errors.Wrapf(ErrCorrupt, "record %v truncated", pa)
	}
	r.off = rec.Offset + int64(r.layout.PageSize)
	return rec, nil
}

// Size returns the number of bytes consumed so far, which is the size
// of the snapshot once Next has returned io.EOF.
func (r *Reader) Size() int64 {
	return r.off
}

// ReadPage reads the contents of rec into p, which must be one page
// long.
func (r *Reader) ReadPage(rec Record, p []byte) error {
	if mem.Bytes(len(p)) != r.layout.PageSize {
		return errors.Errorf("expected a %d byte page buffer; got %d", r.layout.PageSize, len(p))
	}
	return errors.Wrapf(r.readFull(p, rec.Offset), "reading page %v", rec.Phys)
}

// Index returns every record in src in order. It rejects misaligned or
// duplicate physical addresses.
func Index(src Source, l Layout) ([]Record, error) {
	r, err := NewReader(src, l)
	if err != nil {
		return nil, err
	}
	seen := newPageSet(l.PageSize)
	var recs []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		if !rec.Phys.Aligned(l.PageSize) {
			return nil, errors.Wrapf(ErrCorrupt, "record %d: unaligned address %v", len(recs), rec.Phys)
		}
		if !seen.Add(rec.Phys) {
			return nil, errors.Wrapf(ErrCorrupt, "record %d: duplicate address %v", len(recs), rec.Phys)
		}
		recs = append(recs, rec)
	}
}

// Verify indexes src and then calls check for every record, in
// parallel. check may be called concurrently and must not retain page.
// The first error returned by check or by indexing is returned.
func Verify(src Source, l Layout, check func(rec Record, page []byte) error) error {
	recs, err := Index(src, l)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	// Figure out how to break up the work.
	shards := runtime.GOMAXPROCS(-1)
	if shards > len(recs) {
		shards = len(recs)
	}
	perShard := (len(recs) + shards - 1) / shards

	var eg errgroup.Group
	for i := 0; i < shards; i++ {
		start := i * perShard
		end := start + perShard
		if end > len(recs) {
			end = len(recs)
		}
		if start >= end {
			break
		}
		eg.Go(func() error {
			r := &Reader{src: src, layout: l}
			page := make([]byte, l.PageSize)
			for _, rec := range recs[start:end] {
				if err := r.ReadPage(rec, page); err != nil {
					return err
				}
				if err := check(rec, page); err != nil {
					return errors.Wrapf(err, "record %v", rec.Phys)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}
