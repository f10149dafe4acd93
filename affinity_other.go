//go:build !linux

package leek

// pinThread is a no-op on non-Linux platforms. It returns -1 since the
// thread is not bound to any CPU.
func pinThread(n int) (int, error) {
	return -1, nil
}
