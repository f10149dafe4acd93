//go:build linux

package leek

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to the n-th CPU (modulo the count)
// of its current affinity mask and returns that CPU. The caller must have
// locked its goroutine to the thread.
func pinThread(n int) (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return -1, fmt.Errorf("get affinity: %w", err)
	}
	cpu := nthCPU(&set, n)
	if cpu < 0 {
		return -1, fmt.Errorf("empty affinity mask")
	}
	var one unix.CPUSet
	one.Set(cpu)
	if err := unix.SchedSetaffinity(0, &one); err != nil {
		return -1, fmt.Errorf("set affinity to cpu %d: %w", cpu, err)
	}
	return cpu, nil
}

// nthCPU returns the n-th CPU in set, wrapping around, or -1 if set is
// empty.
func nthCPU(set *unix.CPUSet, n int) int {
	count := set.Count()
	if count == 0 {
		return -1
	}
	n %= count
	for cpu := 0; ; cpu++ {
		if !set.IsSet(cpu) {
			continue
		}
		if n == 0 {
			return cpu
		}
		n--
	}
}
