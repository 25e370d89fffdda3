package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeep(t *testing.T) {
	prev := []int64{10, 11, 12, 13, 14}
	tests := []struct {
		name string
		keep []int64
		want []int64
	}{
		{"within budget", []int64{12, 13, 14}, []int64{12, 13, 14}},
		{"too many swaps", []int64{14}, []int64{14, 10}},
		{"nothing kept", nil, []int64{10, 11}},
		{"foreign toppings dropped", []int64{99, 11, 98, 12}, []int64{11, 12}},
		{"duplicates dropped", []int64{11, 11, 12, 12}, []int64{11, 12}},
		{"keep everything", prev, prev},
	}
	for _, tc := range tests {
		got := NormalizeKeep(tc.keep, prev, 5, 3)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestNormalizeKeepWithoutPreviousMenu(t *testing.T) {
	assert.Empty(t, NormalizeKeep([]int64{1, 2}, nil, 5, 3))
}

func TestNormalizeKeepZeroSwaps(t *testing.T) {
	prev := []int64{1, 2, 3}
	assert.Equal(t, []int64{2, 1, 3}, NormalizeKeep([]int64{2}, prev, 3, 0))
}
