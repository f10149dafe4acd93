//go:build !linux

package prefix

// adviseSequential is a no-op on non-Linux platforms.
func adviseSequential(data []byte) {}
