//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package sim

func allocSRAM(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
