//go:build unix

// Package fdset manipulates the process-wide descriptor table during worker
// bootstrap.
package fdset

import (
	"runtime"
	"sort"

	"golang.org/x/sys/unix"
)

// fallbackMaxFD is used when the descriptor limit is unlimited or unknown.
const fallbackMaxFD = 4096

// MaxFD returns the highest possible descriptor number, from the hard
// RLIMIT_NOFILE, or a conservative guess when the limit is unbounded.
func MaxFD() int {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fallbackMaxFD
	}
	if lim.Max == unix.RLIM_INFINITY {
		return fallbackMaxFD
	}
	return int(lim.Max)
}

// CloseAllBut closes every open descriptor except the given ones. A freshly
// exec'd worker calls this so that handles inherited from the parent do not
// stay open for the worker's lifetime. Descriptors are closed as contiguous
// ranges between the kept ones.
func CloseAllBut(keep []int) {
	// Give the runtime a chance to finalize unreachable files first, so
	// their descriptors are not closed behind their backs.
	runtime.GC()
	for _, r := range gaps(keep, MaxFD()) {
		closeRange(r[0], r[1])
	}
}

// gaps computes the maximal contiguous descriptor ranges [lo, hi] that lie
// strictly between the kept descriptors, up to and including max.
func gaps(keep []int, max int) [][2]int {
	set := map[int]bool{-1: true, max + 1: true}
	for _, fd := range keep {
		set[fd] = true
	}
	bounds := make([]int, 0, len(set))
	for fd := range set {
		bounds = append(bounds, fd)
	}
	sort.Ints(bounds)

	var out [][2]int
	for i := 0; i < len(bounds)-1; i++ {
		lo, hi := bounds[i]+1, bounds[i+1]-1
		if lo <= hi {
			out = append(out, [2]int{lo, hi})
		}
	}
	return out
}

