package mesh

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// DefaultWallTolerance is the outward buffer applied to each room before the
// union, in meters. It closes the micro-gaps between nominally adjacent
// rooms. Raising it merges rooms that are genuinely separate; lowering it
// leaves slivers that split one floor into disconnected regions.
const DefaultWallTolerance = 0.05

// roomBoundarySlack absorbs projection rounding on shared walls in InRoom
const roomBoundarySlack = 1e-6

// FloorOptions tunes BuildFloor
type FloorOptions struct {
	// WallTolerance is the outward buffer per room in meters; 0 disables it.
	WallTolerance float64
	// Simplify runs Douglas-Peucker on projected rings with this threshold in
	// meters; 0 disables it.
	Simplify float64
	// Validate rejects self-intersecting room rings and zero-area floors.
	Validate bool
	// Engine performs the union and the floor's containment tests; nil
	// selects PolyclipEngine.
	Engine GeometryEngine
}

// DefaultFloorOptions returns the options used by the planner
func DefaultFloorOptions() FloorOptions {
	return FloorOptions{
		WallTolerance: DefaultWallTolerance,
		Validate:      true,
	}
}

func (o FloorOptions) engine() GeometryEngine {
	if o.Engine == nil {
		return PolyclipEngine{}
	}
	return o.Engine
}

// ValidateRooms checks the room set before any geometry work
func ValidateRooms(rooms []Room) error {
	if len(rooms) == 0 {
		return fmt.Errorf("build floor: no rooms: %w", ErrInvalidInput)
	}
	for i, r := range rooms {
		if n := distinctCoords(r.Outer); n < 3 {
			return fmt.Errorf("build floor: room[%d] %s: outer ring has %d distinct points: %w", i, r.ID, n, ErrInvalidInput)
		}
		for j, h := range r.Holes {
			if n := distinctCoords(h); n < 3 {
				return fmt.Errorf("build floor: room[%d] %s: hole[%d] has %d distinct points: %w", i, r.ID, j, n, ErrInvalidInput)
			}
		}
	}
	return nil
}

// BuildFloor projects every room against the first room's origin and merges
// them into one FloorPolygon.
func BuildFloor(rooms []Room, opts FloorOptions) (*FloorPolygon, error) {
	if err := ValidateRooms(rooms); err != nil {
		return nil, err
	}
	if opts.WallTolerance < 0 || math.IsNaN(opts.WallTolerance) {
		return nil, fmt.Errorf("build floor: wall tolerance %v: %w", opts.WallTolerance, ErrInvalidInput)
	}

	origin := rooms[0].Origin
	floor := &FloorPolygon{Origin: origin, engine: opts.engine()}

	buffered := make([]orb.Polygon, 0, len(rooms))
	for i, r := range rooms {
		poly := orb.Polygon{projectAndSimplify(origin, r.Outer, opts.Simplify)}
		for _, h := range r.Holes {
			hole := projectAndSimplify(origin, h, opts.Simplify)
			poly = append(poly, hole)
			floor.Holes = append(floor.Holes, hole)
		}

		if opts.Validate {
			for k, ring := range poly {
				if ringSelfIntersects(ring) {
					return nil, fmt.Errorf("build floor: room[%d] %s: ring %d intersects itself: %w", i, r.ID, k, ErrGeometryDegenerate)
				}
			}
		}

		floor.Rooms = append(floor.Rooms, poly)
		floor.Walls = append(floor.Walls, poly...)

		b, err := bufferPolygon(floor.engine, poly, opts.WallTolerance)
		if err != nil {
			return nil, fmt.Errorf("build floor: buffering room[%d] %s: %w", i, r.ID, err)
		}
		buffered = append(buffered, b...)
	}

	regions, err := floor.engine.Union(buffered)
	if err != nil {
		return nil, fmt.Errorf("build floor: union: %w", err)
	}
	floor.Regions = regions

	if opts.Validate && planar.Area(floor.Regions) <= 0 {
		return nil, fmt.Errorf("build floor: merged floor has no area: %w", ErrGeometryDegenerate)
	}

	return floor, nil
}

// Contains reports whether p lies strictly inside the walkable region,
// using the engine the floor was built with
func (f *FloorPolygon) Contains(p orb.Point) bool {
	return f.geometry().Contains(f.Regions, p)
}

// InRoom reports whether p lies in one of the projected rooms, boundaries
// included. Unlike Contains it ignores the wall tolerance buffer, so points
// in the band outside the outer walls or in a closed gap between rooms are
// not in any room. A floor without room polygons accepts every point.
func (f *FloorPolygon) InRoom(p orb.Point) bool {
	if len(f.Rooms) == 0 {
		return true
	}
	for _, room := range f.Rooms {
		if planar.PolygonContains(room, p) || planar.DistanceFrom(room, p) <= roomBoundarySlack {
			return true
		}
	}
	return false
}

func (f *FloorPolygon) geometry() GeometryEngine {
	if f.engine == nil {
		return PolyclipEngine{}
	}
	return f.engine
}

// Area returns the walkable area in square meters
func (f *FloorPolygon) Area() float64 {
	return planar.Area(f.Regions)
}

// bufferPolygon grows a polygon outward by d. Each edge contributes a
// rectangle of half-width d and each vertex a square of side 2d; the union of
// those with the polygon is a square-capped buffer. Holes shrink by d.
func bufferPolygon(engine GeometryEngine, poly orb.Polygon, d float64) ([]orb.Polygon, error) {
	if d <= 0 {
		return []orb.Polygon{poly}, nil
	}

	parts := []orb.Polygon{poly}
	for _, ring := range poly {
		for i := 0; i < len(ring)-1; i++ {
			p0, p1 := ring[i], ring[i+1]
			dx, dy := p1[0]-p0[0], p1[1]-p0[1]
			length := math.Hypot(dx, dy)
			if length == 0 {
				continue
			}
			nx, ny := -dy/length*d, dx/length*d
			parts = append(parts, orb.Polygon{orb.Ring{
				{p0[0] + nx, p0[1] + ny},
				{p1[0] + nx, p1[1] + ny},
				{p1[0] - nx, p1[1] - ny},
				{p0[0] - nx, p0[1] - ny},
				{p0[0] + nx, p0[1] + ny},
			}})
			parts = append(parts, orb.Bound{
				Min: orb.Point{p0[0] - d, p0[1] - d},
				Max: orb.Point{p0[0] + d, p0[1] + d},
			}.ToPolygon())
		}
	}

	mp, err := engine.Union(parts)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func projectAndSimplify(origin GeoCoordinate, coords []GeoCoordinate, threshold float64) orb.Ring {
	ring := ProjectRing(origin, coords)
	if threshold <= 0 {
		return ring
	}
	simplified := simplify.DouglasPeucker(threshold).Ring(ring.Clone())
	// Keep the original when simplification collapses the ring.
	if len(simplified) < 4 {
		return ring
	}
	return simplified
}

func distinctCoords(coords []GeoCoordinate) int {
	seen := make(map[GeoCoordinate]struct{}, len(coords))
	for _, c := range coords {
		seen[c] = struct{}{}
	}
	return len(seen)
}

// ringSelfIntersects checks every pair of non-adjacent edges of a closed ring
func ringSelfIntersects(r orb.Ring) bool {
	n := len(r) - 1
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if _, ok := segmentIntersection(r[i], r[i+1], r[j], r[j+1]); ok {
				return true
			}
		}
	}
	return false
}
