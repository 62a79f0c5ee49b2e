//go:build linux

package fdset

import "golang.org/x/sys/unix"

// closeRange closes every descriptor in [lo, hi], preferring the close_range
// syscall and falling back to closing one by one on older kernels.
func closeRange(lo, hi int) {
	if err := unix.CloseRange(uint(lo), uint(hi), 0); err == nil {
		return
	}
	for fd := lo; fd <= hi; fd++ {
		unix.Close(fd)
	}
}
