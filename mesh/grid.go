package mesh

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// GenerateGrid lays a lattice with the given spacing over the floor's
// bounding box and keeps the points strictly inside the walkable region that
// also lie in one of the rooms.
//
// Grid lines start at the box minimum and stop before the box maximum.
// Points on any boundary of the merged region (outer walls and holes) are
// excluded, as are points that only the wall tolerance buffer made walkable:
// the band just outside the outer walls and closed gaps between rooms.
// Points are emitted row by row, bottom row first, so indexes are stable
// across calls.
func GenerateGrid(floor *FloorPolygon, resolution float64) ([]SamplePoint, error) {
	if floor == nil || len(floor.Regions) == 0 {
		return nil, fmt.Errorf("generate grid: empty floor: %w", ErrInvalidInput)
	}
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("generate grid: resolution %v must be > 0: %w", resolution, ErrInvalidInput)
	}

	bound := floor.Bound()
	xs := gridAxis(bound.Min[0], bound.Max[0], resolution)
	ys := gridAxis(bound.Min[1], bound.Max[1], resolution)

	points := make([]SamplePoint, 0, len(xs)*len(ys)/2)
	for _, y := range ys {
		for _, x := range xs {
			p := orb.Point{x, y}
			if !floor.Contains(p) || !floor.InRoom(p) {
				continue
			}
			points = append(points, SamplePoint{Index: len(points), Point: p})
		}
	}

	return points, nil
}

// gridAxis returns min, min+step, ... strictly below max. Coordinates are
// computed by multiplication so rounding does not accumulate.
func gridAxis(min, max, step float64) []float64 {
	n := int(math.Ceil((max - min) / step))
	if n < 1 {
		n = 1
	}
	axis := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := min + float64(i)*step
		if v >= max && i > 0 {
			break
		}
		axis = append(axis, v)
	}
	return axis
}
