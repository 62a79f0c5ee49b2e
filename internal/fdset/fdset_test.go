//go:build unix

package fdset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGaps(t *testing.T) {
	for _, tc := range []struct {
		name string
		keep []int
		max  int
		want [][2]int
	}{
		{
			name: "stdio and one socket",
			keep: []int{0, 1, 2, 5},
			max:  10,
			want: [][2]int{{3, 4}, {6, 10}},
		},
		{
			name: "keep nothing",
			keep: nil,
			max:  3,
			want: [][2]int{{0, 3}},
		},
		{
			name: "keep everything",
			keep: []int{0, 1, 2, 3},
			max:  3,
			want: nil,
		},
		{
			name: "unsorted with duplicates",
			keep: []int{4, 0, 4, 2},
			max:  6,
			want: [][2]int{{1, 1}, {3, 3}, {5, 6}},
		},
		{
			name: "adjacent kept descriptors",
			keep: []int{0, 1},
			max:  1,
			want: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, gaps(tc.keep, tc.max))
		})
	}
}

func TestMaxFD(t *testing.T) {
	require.Greater(t, MaxFD(), 2)
}
