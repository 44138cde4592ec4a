package snapshot

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/mem"
)

// Writer appends a snapshot to a Storage. The table must be written
// first, then any number of records, then Close.
type Writer struct {
	dst     Storage
	layout  Layout
	off     int64
	table   bool
	records int
	closed  bool
}

// NewWriter returns a writer that writes a snapshot at the start of dst.
func NewWriter(dst Storage, l Layout) *Writer {
	return &Writer{dst: dst, layout: l}
}

func (w *Writer) write(p []byte) error {
	n, err := w.dst.WriteAt(p, w.off)
	w.off += int64(n)
	if err == nil && n < len(p) {
		err = errors.Wrap(ErrShortBuffer, "short write")
	}
	return err
}

// WriteTable writes the raw page table.
func (w *Writer) WriteTable(entries []uint16) error {
	if w.table || w.closed {
		return errors.New("page table already written")
	}
	if len(entries) != w.layout.TableEntries {
		return errors.Errorf("expected %d page table entries; got %d", w.layout.TableEntries, len(entries))
	}
	buf := make([]byte, 2*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(buf[2*i:], e)
	}
	w.table = true
	return errors.Wrap(w.write(buf), "writing page table")
}

// WriteRecord appends the contents of the physical page at pa.
func (w *Writer) WriteRecord(pa mem.PhysAddr, page []byte) error {
	if !w.table || w.closed {
		return errors.New("record written out of order")
	}
	if pa == 0 {
		return errors.New("zero physical address is the end marker")
	}
	if mem.Bytes(len(page)) != w.layout.PageSize {
		return errors.Errorf("expected a %d byte page; got %d", w.layout.PageSize, len(page))
	}
	var hdr [addrSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(pa))
	if err := w.write(hdr[:]); err != nil {
		return errors.Wrapf(err, "writing record %v", pa)
	}
	if err := w.write(page); err != nil {
		return errors.Wrapf(err, "writing record %v", pa)
	}
	w.records++
	return nil
}

// Close writes the end marker and flushes everything written. It
// returns the total size of the snapshot.
func (w *Writer) Close() (int64, error) {
	if !w.table {
		return 0, errors.New("snapshot has no page table")
	}
	if w.closed {
		return w.off, nil
	}
	var end [addrSize]byte
	if err := w.write(end[:]); err != nil {
		return w.off, errors.Wrap(err, "writing end marker")
	}
	w.closed = true
	if err := w.dst.Flush(0, w.off); err != nil {
		return w.off, errors.Wrap(err, "flushing snapshot")
	}
	return w.off, nil
}

// Records returns the number of records written so far.
func (w *Writer) Records() int {
	return w.records
}
