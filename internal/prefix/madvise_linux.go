//go:build linux

package prefix

import "golang.org/x/sys/unix"

// adviseSequential hints to the kernel that a mapped prefix file will be
// read front to back. Best-effort: errors are ignored.
func adviseSequential(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
}
