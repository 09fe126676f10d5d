package grouping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairwise(t *testing.T) {
	assert.Equal(t, [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}}, Pairwise([]string{"A", "B", "C", "D"}))
	assert.Nil(t, Pairwise([]int{1}))
	assert.Nil(t, Pairwise[int](nil))
}

func TestGroupByDelta(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		delta  float64
		want   [][]float64
	}{
		{
			name:   "documented example",
			values: []float64{1.0, 1.04, 1.1, 3.1, 3.14, 3.4},
			delta:  0.1,
			want:   [][]float64{{1.0, 1.04, 1.1}, {3.1, 3.14}, {3.4}},
		},
		{
			name:   "empty",
			values: nil,
			delta:  1,
			want:   nil,
		},
		{
			name:   "single value",
			values: []float64{-3},
			delta:  1,
			want:   [][]float64{{-3}},
		},
		{
			name:   "gap equal to delta splits",
			values: []float64{0, 1, 1.5},
			delta:  1,
			want:   [][]float64{{0}, {1, 1.5}},
		},
		{
			name:   "every gap too large",
			values: []float64{-10, -5, 0},
			delta:  1,
			want:   [][]float64{{-10}, {-5}, {0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupByDelta(tt.values, tt.delta))
		})
	}
}
