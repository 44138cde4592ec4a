// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package workload

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/snapshot"
	"github.com/mknyszek/sramtlb/stats"
)

// ErrNoContext is returned by a restore before any successful save.
var ErrNoContext = errors.New("no saved context")

// Runner applies workload operations to a Manager.
type Runner struct {
	// Strict makes Run stop at the first failed operation.
	Strict bool

	// PowerCycle returns the platform as it comes back from a power
	// cycle. Restore operations fail if it is nil.
	//
	// If resuming on the new platform fails, the Runner keeps using
	// the old one.
	PowerCycle func() (hw.Platform, error)

	// Snapshot, if not nil, receives a copy of every saved context,
	// replacing the previous one. Storage with a Truncate method is cut
	// to the new snapshot's size.
	Snapshot snapshot.Storage

	p     hw.Platform
	cfg   sramtlb.Config
	m     *sramtlb.Manager
	stats *stats.Stats
	log   *slog.Logger
	page  []byte

	saved *snapshot.Buffer
}

const (
	statFailed     = "workload-failed"
	statWriteBytes = "workload-write-bytes"
	statSavedBytes = "workload-saved-bytes"
	statLastSave   = "workload-last-save-bytes"
)

func opStat(k OpKind) string {
	return "op-" + k.String()
}

// NewRunner initializes a Manager for p and returns a Runner driving it.
//
// The Runner registers its own statistics with cfg.Stats, which it
// allocates if nil, and keeps it across restores.
func NewRunner(p hw.Platform, cfg sramtlb.Config) (*Runner, error) {
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	for k := OpMap; k <= OpRestore; k++ {
		cfg.Stats.RegisterOther(opStat(k))
	}
	cfg.Stats.RegisterOther(statFailed)
	cfg.Stats.RegisterOther(statWriteBytes)
	cfg.Stats.RegisterOther(statSavedBytes)
	cfg.Stats.RegisterOther(statLastSave)

	m, err := sramtlb.New(p, cfg)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		p:     p,
		cfg:   cfg,
		m:     m,
		stats: cfg.Stats,
		log:   log,
		page:  make([]byte, cfg.Layout.PageSize),
	}, nil
}

// Manager returns the Manager operations currently go to. It changes
// after a successful restore.
func (r *Runner) Manager() *sramtlb.Manager {
	return r.m
}

// Platform returns the platform operations currently go to.
func (r *Runner) Platform() hw.Platform {
	return r.p
}

// Stats returns a copy of the driver and workload statistics.
func (r *Runner) Stats() *stats.Stats {
	return r.m.Stats()
}

// Saved returns the last saved context, or nil.
func (r *Runner) Saved() *snapshot.Buffer {
	return r.saved
}

// Process applies one operation and returns its error, if any.
func (r *Runner) Process(op Op) error {
	if op.Kind == OpBad || op.Kind > OpRestore {
		return errors.Wrapf(ErrSyntax, "line %d: bad operation %v", op.Line, op.Kind)
	}
	r.stats.AddOther(opStat(op.Kind), 1)

	m := r.m
	var err error
	switch op.Kind {
	case OpMap:
		err = m.MapPage(op.Virt, op.Phys, op.Flags)
	case OpUnmap:
		err = m.UnmapPage(op.Virt)
	case OpMapRegion:
		err = m.MapRegion(op.Virt, op.Phys, op.Size, op.Flags)
	case OpMapArray:
		err = m.MapArray(op.Virt, op.PhysList, op.Flags)
	case OpUnmapRegion:
		err = m.UnmapRegion(op.Virt, op.Size)
	case OpRemap:
		err = m.RemapRegion(op.Virt, op.Size, op.Dst)
	case OpMove:
		err = m.MoveRegion(op.Virt, op.Size, op.Dst, op.Phys)
	case OpMoveArray:
		err = m.MoveArray(op.Virt, op.Size, op.Dst, op.PhysList)
	case OpFlags:
		err = m.UpdateRegionFlags(op.Virt, op.Size, op.Flags)
	case OpWrite:
		err = r.write(op)
	case OpSave:
		err = r.save()
	case OpRestore:
		err = r.restore()
	}
	if err != nil {
		r.stats.AddOther(statFailed, 1)
		return errors.Wrapf(err, "line %d: %v", op.Line, op)
	}
	return nil
}

// Run applies every operation from p. Failed operations are logged
// and skipped unless r.Strict is set.
func (r *Runner) Run(p *Parser) error {
	for {
		op, err := p.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.Process(op); err != nil {
			if r.Strict {
				return err
			}
			r.log.Warn("operation failed", "err", err)
		}
	}
}

func (r *Runner) write(op Op) error {
	for i := range r.page {
		r.page[i] = op.Fill
	}
	if err := r.p.Store(op.Virt.Cached(), r.page); err != nil {
		return err
	}
	r.stats.AddOther(statWriteBytes, uint64(len(r.page)))
	return nil
}

func (r *Runner) save() error {
	buf := snapshot.NewBuffer(int64(r.m.StorageSizeRequired()))
	n, err := r.m.SaveContext(buf)
	if err != nil {
		return err
	}
	r.saved = buf
	r.stats.AddOther(statSavedBytes, uint64(n))
	r.stats.SetOther(statLastSave, uint64(n))
	if r.Snapshot == nil {
		return nil
	}
	if _, err := r.Snapshot.WriteAt(buf.Bytes()[:n], 0); err != nil {
		return errors.Wrap(err, "copying snapshot")
	}
	// Drop the tail of a larger earlier snapshot.
	if t, ok := r.Snapshot.(truncater); ok {
		if err := t.Truncate(n); err != nil {
			return errors.Wrap(err, "truncating snapshot")
		}
	}
	return r.Snapshot.Flush(0, n)
}

// truncater is implemented by storage that can shrink, such as
// snapshot.File.
type truncater interface {
	Truncate(size int64) error
}

func (r *Runner) restore() error {
	if r.saved == nil {
		return ErrNoContext
	}
	if r.PowerCycle == nil {
		return errors.New("restore requires a power cycle")
	}
	p, err := r.PowerCycle()
	if err != nil {
		return errors.Wrap(err, "power cycle")
	}
	m, err := sramtlb.Resume(p, r.cfg, r.saved)
	if err != nil {
		return err
	}
	r.p, r.m = p, m
	return nil
}
