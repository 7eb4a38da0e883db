package mesh

import (
	"math"
	"sort"

	polyclip "github.com/ctessum/polyclip-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// boundaryEpsilon is the distance under which a point counts as lying on a
// polygon boundary.
const boundaryEpsilon = 1e-9

// GeometryEngine is the region geometry the planner depends on: room union
// and buffering in BuildFloor, and walkable-region containment for the
// sample grid. The default implementation is PolyclipEngine; another engine
// is swapped in through FloorOptions and stays attached to the floor it
// built. Segment-against-wall queries go through WallIndex instead.
type GeometryEngine interface {
	// Union merges polygons into a set of disjoint polygons with holes.
	Union(polys []orb.Polygon) (orb.MultiPolygon, error)
	// Contains reports whether p lies strictly inside mp. Points on any
	// boundary, including hole boundaries, are outside.
	Contains(mp orb.MultiPolygon, p orb.Point) bool
}

// PolyclipEngine implements GeometryEngine with Martinez polygon clipping
// for union and orb/planar for containment.
type PolyclipEngine struct{}

// Union folds the polygons together pairwise and rebuilds the shell/hole
// structure from contour nesting.
func (PolyclipEngine) Union(polys []orb.Polygon) (orb.MultiPolygon, error) {
	if len(polys) == 0 {
		return nil, nil
	}

	acc := toPolyclip(polys[0])
	for _, p := range polys[1:] {
		acc = acc.Construct(polyclip.UNION, toPolyclip(p))
	}

	return fromPolyclip(acc), nil
}

// Contains implements strict containment: orb/planar treats boundary points
// as inside, so those are filtered by their distance to the boundary.
func (PolyclipEngine) Contains(mp orb.MultiPolygon, p orb.Point) bool {
	if !planar.MultiPolygonContains(mp, p) {
		return false
	}
	return planar.DistanceFrom(mp, p) > boundaryEpsilon
}

func toPolyclip(p orb.Polygon) polyclip.Polygon {
	out := make(polyclip.Polygon, 0, len(p))
	for _, ring := range p {
		n := len(ring)
		if ring.Closed() {
			n--
		}
		c := make(polyclip.Contour, 0, n)
		for _, pt := range ring[:n] {
			c = append(c, polyclip.Point{X: pt[0], Y: pt[1]})
		}
		out = append(out, c)
	}
	return out
}

// fromPolyclip turns a flat contour list into polygons with holes. A contour
// nested inside an odd number of other contours is a hole of the innermost
// shell that contains it.
func fromPolyclip(p polyclip.Polygon) orb.MultiPolygon {
	type contour struct {
		ring  orb.Ring
		area  float64
		depth int
	}

	contours := make([]contour, 0, len(p))
	for _, c := range p {
		if len(c) < 3 {
			continue
		}
		ring := make(orb.Ring, 0, len(c)+1)
		for _, pt := range c {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		ring = append(ring, ring[0])
		area := math.Abs(planar.Area(ring))
		if area == 0 {
			continue
		}
		contours = append(contours, contour{ring: ring, area: area})
	}

	// Largest first so a shell is always placed before its holes.
	sort.SliceStable(contours, func(i, j int) bool {
		return contours[i].area > contours[j].area
	})

	for i := range contours {
		mid := edgeMidpoint(contours[i].ring)
		for j := 0; j < i; j++ {
			if planar.RingContains(contours[j].ring, mid) {
				contours[i].depth++
			}
		}
	}

	var mp orb.MultiPolygon
	shellOf := make(map[int]int, len(contours))
	for i, c := range contours {
		if c.depth%2 == 0 {
			ring := c.ring
			if ring.Orientation() == orb.CW {
				ring.Reverse()
			}
			shellOf[i] = len(mp)
			mp = append(mp, orb.Polygon{ring})
			continue
		}

		// Innermost enclosing shell: the smallest shell one level up.
		mid := edgeMidpoint(c.ring)
		for j := i - 1; j >= 0; j-- {
			idx, isShell := shellOf[j]
			if !isShell || contours[j].depth != c.depth-1 {
				continue
			}
			if planar.RingContains(contours[j].ring, mid) {
				hole := c.ring
				if hole.Orientation() == orb.CCW {
					hole.Reverse()
				}
				mp[idx] = append(mp[idx], hole)
				break
			}
		}
	}

	return mp
}

// edgeMidpoint returns a point on the first edge of the ring, nudged off the
// vertices so nesting tests do not hit shared corners.
func edgeMidpoint(r orb.Ring) orb.Point {
	a, b := r[0], r[1]
	return orb.Point{a[0] + (b[0]-a[0])*0.5, a[1] + (b[1]-a[1])*0.5}
}

// segmentIntersection returns the single intersection point of segments p1-p2
// and q1-q2. Parallel and collinear segments report no intersection.
func segmentIntersection(p1, p2, q1, q2 orb.Point) (orb.Point, bool) {
	rx, ry := p2[0]-p1[0], p2[1]-p1[1]
	sx, sy := q2[0]-q1[0], q2[1]-q1[1]

	denom := rx*sy - ry*sx
	scale := math.Hypot(rx, ry) * math.Hypot(sx, sy)
	if scale == 0 || math.Abs(denom) <= 1e-12*scale {
		return orb.Point{}, false
	}

	qpx, qpy := q1[0]-p1[0], q1[1]-p1[1]
	t := (qpx*sy - qpy*sx) / denom
	u := (qpx*ry - qpy*rx) / denom

	const eps = 1e-12
	if t < -eps || t > 1+eps || u < -eps || u > 1+eps {
		return orb.Point{}, false
	}

	return orb.Point{p1[0] + t*rx, p1[1] + t*ry}, true
}

// countDistinct counts points after merging any point closer than tol to an
// already counted one.
func countDistinct(points []orb.Point, tol float64) int {
	if len(points) < 2 {
		return len(points)
	}

	kept := make([]orb.Point, 0, len(points))
	for _, p := range points {
		dup := false
		for _, k := range kept {
			if planar.Distance(p, k) < tol || p.Equal(k) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, p)
		}
	}
	return len(kept)
}
