package mesh

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/planar"
)

// EstimateIntensity returns, for every sample, the strongest signal from any
// selected AP: the negated path loss over the line of sight, walls counted as
// in ComputeCoverage. A sample coincident with an AP gets 0. A sample that no
// AP reaches within the wall-free radius gets NoSignal.
func EstimateIntensity(ctx context.Context, sel Selection, points []SamplePoint, floor *FloorPolygon, maxLoss float64, model RadioModel) (IntensityMap, error) {
	if len(sel) != len(points) {
		return nil, fmt.Errorf("estimate intensity: selection has %d entries for %d points: %w", len(sel), len(points), ErrInvalidInput)
	}
	if !(maxLoss > 0) {
		return nil, fmt.Errorf("estimate intensity: max loss %v must be > 0: %w", maxLoss, ErrInvalidInput)
	}
	if floor == nil {
		return nil, fmt.Errorf("estimate intensity: nil floor: %w", ErrInvalidInput)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("estimate intensity: %w", err)
	}

	aps := sel.Indices()
	walls := NewWallIndex(floor.Walls, model.CrossingTolerance)
	r0 := model.Radius(maxLoss, 0)

	out := make(IntensityMap, len(points))
	for j, p := range points {
		if j%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("estimate intensity: %w", err)
			}
		}

		best := NoSignal
		for _, i := range aps {
			d := planar.Distance(points[i].Point, p.Point)
			if d > r0 {
				continue
			}
			penalty := model.WallPenalty(walls.Crossings(points[i].Point, p.Point))
			if s := -model.Loss(d, penalty); s > best {
				best = s
			}
		}
		out[j] = best
	}
	return out, nil
}

// Min returns the weakest reached signal, ignoring NoSignal entries. ok is
// false when no sample is reached.
func (m IntensityMap) Min() (v float64, ok bool) {
	for _, s := range m {
		if s == NoSignal {
			continue
		}
		if !ok || s < v {
			v, ok = s, true
		}
	}
	return v, ok
}

// Unreached counts samples holding NoSignal
func (m IntensityMap) Unreached() int {
	n := 0
	for _, s := range m {
		if s == NoSignal {
			n++
		}
	}
	return n
}
