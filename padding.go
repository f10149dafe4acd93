package leek

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// paddedCounter keeps a hot per-worker counter on its own cache line so
// that workers incrementing neighbouring counters do not false-share.
type paddedCounter struct {
	_ cpu.CacheLinePad
	n atomic.Uint64
	_ cpu.CacheLinePad
}
