package mesh

import (
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

// minRectSide pads axis-aligned wall edges; rtreego rejects zero-length sides.
const minRectSide = 1e-9

// wallEdge is one segment of a wall ring stored in the R-tree
type wallEdge struct {
	a, b orb.Point
}

// Bounds implements the rtreego.Spatial interface
func (e *wallEdge) Bounds() rtreego.Rect {
	minX, maxX := e.a[0], e.b[0]
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := e.a[1], e.b[1]
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	rect, _ := rtreego.NewRect(
		rtreego.Point{minX - minRectSide, minY - minRectSide},
		[]float64{maxX - minX + 2*minRectSide, maxY - minY + 2*minRectSide},
	)
	return rect
}

// WallIndex answers line-of-sight queries against the walls of a floor. It is
// read-only after construction and safe for concurrent use.
type WallIndex struct {
	tree      *rtreego.Rtree
	tolerance float64
	edges     int
}

// NewWallIndex indexes every edge of the given rings. Crossing points closer
// than tolerance are counted once.
func NewWallIndex(rings []orb.Ring, tolerance float64) *WallIndex {
	var objs []rtreego.Spatial
	for _, r := range rings {
		for i := 0; i < len(r)-1; i++ {
			if r[i].Equal(r[i+1]) {
				continue
			}
			objs = append(objs, &wallEdge{a: r[i], b: r[i+1]})
		}
	}

	return &WallIndex{
		tree:      rtreego.NewTree(2, 25, 50, objs...),
		tolerance: tolerance,
		edges:     len(objs),
	}
}

// Len returns the number of indexed wall edges
func (w *WallIndex) Len() int {
	return w.edges
}

// Intersections returns every point where segment a-b meets a wall edge.
// Collinear overlaps are not reported.
func (w *WallIndex) Intersections(a, b orb.Point) []orb.Point {
	if w.edges == 0 {
		return nil
	}

	query := (&wallEdge{a: a, b: b}).Bounds()
	var hits []orb.Point
	for _, obj := range w.tree.SearchIntersect(query) {
		e := obj.(*wallEdge)
		if p, ok := segmentIntersection(a, b, e.a, e.b); ok {
			hits = append(hits, p)
		}
	}
	return hits
}

// Crossings returns the number of distinct walls crossed by segment a-b.
// Intersection points closer than the index tolerance collapse into one, so a
// segment through a vertex or a doubled partition wall counts once.
func (w *WallIndex) Crossings(a, b orb.Point) int {
	return countDistinct(w.Intersections(a, b), w.tolerance)
}
