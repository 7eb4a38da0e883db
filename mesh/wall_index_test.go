package mesh

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func square(minX, minY, maxX, maxY float64) orb.Ring {
	return orb.Ring{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

func TestWallIndex_Crossings(t *testing.T) {
	idx := NewWallIndex([]orb.Ring{square(0, 0, 10, 10)}, 0.05)
	assert.Equal(t, 4, idx.Len())

	tests := []struct {
		name string
		a, b orb.Point
		want int
	}{
		{"inside", orb.Point{2, 2}, orb.Point{8, 7}, 0},
		{"outside", orb.Point{-5, -5}, orb.Point{-1, 20}, 0},
		{"in to out", orb.Point{5, 5}, orb.Point{15, 5}, 1},
		{"straight through", orb.Point{-1, 5}, orb.Point{11, 5}, 2},
		{"through a corner counts once", orb.Point{-1, -1}, orb.Point{1, 1}, 1},
		{"diagonal through both corners", orb.Point{-1, -1}, orb.Point{11, 11}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, idx.Crossings(tt.a, tt.b))
			assert.Equal(t, tt.want, idx.Crossings(tt.b, tt.a), "crossings are symmetric")
		})
	}
}

func TestWallIndex_SharedWallCountsOnce(t *testing.T) {
	rings := []orb.Ring{square(0, 0, 10, 10), square(10, 0, 20, 10)}
	idx := NewWallIndex(rings, 0.05)

	assert.Equal(t, 1, idx.Crossings(orb.Point{5, 5}, orb.Point{15, 5}))
	assert.Len(t, idx.Intersections(orb.Point{5, 5}, orb.Point{15, 5}), 2)
}

func TestWallIndex_Empty(t *testing.T) {
	idx := NewWallIndex(nil, 0.05)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 0, idx.Crossings(orb.Point{0, 0}, orb.Point{1, 1}))
}

func TestWallIndex_SkipsZeroLengthEdges(t *testing.T) {
	ring := orb.Ring{{0, 0}, {0, 0}, {10, 0}, {10, 10}, {0, 0}}
	idx := NewWallIndex([]orb.Ring{ring}, 0.05)
	assert.Equal(t, 3, idx.Len())
}

func TestSegmentIntersection(t *testing.T) {
	p, ok := segmentIntersection(orb.Point{0, 0}, orb.Point{2, 2}, orb.Point{0, 2}, orb.Point{2, 0})
	assert.True(t, ok)
	assert.InDelta(t, 1, p[0], 1e-12)
	assert.InDelta(t, 1, p[1], 1e-12)

	_, ok = segmentIntersection(orb.Point{0, 0}, orb.Point{1, 0}, orb.Point{0, 1}, orb.Point{1, 1})
	assert.False(t, ok, "parallel")

	_, ok = segmentIntersection(orb.Point{0, 0}, orb.Point{1, 1}, orb.Point{3, 0}, orb.Point{0, 3})
	assert.False(t, ok, "lines meet beyond the segments")
}
