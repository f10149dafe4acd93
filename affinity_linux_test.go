//go:build linux

package leek

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNthCPU(t *testing.T) {
	var set unix.CPUSet
	for cpu := 4; cpu <= 7; cpu++ {
		set.Set(cpu)
	}
	tests := []struct {
		n    int
		want int
	}{
		{0, 4},
		{1, 5},
		{3, 7},
		{4, 4},
		{6, 6},
	}
	for _, tt := range tests {
		if got := nthCPU(&set, tt.n); got != tt.want {
			t.Errorf("nthCPU(4-7, %d) = %d, want %d", tt.n, got, tt.want)
		}
	}

	var empty unix.CPUSet
	if got := nthCPU(&empty, 0); got != -1 {
		t.Errorf("nthCPU(empty, 0) = %d, want -1", got)
	}
}
