//go:build linux || darwin || freebsd || netbsd || openbsd

package sim

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocSRAM maps an anonymous region to back the simulated SRAM, so a
// large SRAM does not live on the Go heap.
func allocSRAM(size int) ([]byte, func() error, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mapping %#x bytes of SRAM", size)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
