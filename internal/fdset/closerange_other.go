//go:build unix && !linux

package fdset

import "golang.org/x/sys/unix"

// closeRange closes every descriptor in [lo, hi] one by one.
func closeRange(lo, hi int) {
	for fd := lo; fd <= hi; fd++ {
		unix.Close(fd)
	}
}
