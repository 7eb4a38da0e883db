package mesh

import (
	"github.com/paulmach/orb"
)

// GeoCoordinate is a WGS84 position in decimal degrees
type GeoCoordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Point returns the coordinate as an orb.Point in (lon, lat) order.
func (c GeoCoordinate) Point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// Room is one surveyed room: an outer ring plus optional hole rings.
// Rings are implicitly closed; the first point is not repeated at the end.
type Room struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Origin GeoCoordinate     `json:"origin"`
	Outer  []GeoCoordinate   `json:"outer"`
	Holes  [][]GeoCoordinate `json:"holes,omitempty"`
}

// FloorPolygon is the merged walkable region of one floor.
//
// Regions is always a MultiPolygon, even when the rooms merge into a single
// connected polygon. Walls holds every ring that attenuates a signal: each
// room's own unbuffered rings, so partition walls between rooms that were
// merged by the union still count. Rooms holds each projected room polygon
// before buffering.
type FloorPolygon struct {
	Origin  GeoCoordinate
	Regions orb.MultiPolygon
	Holes   []orb.Ring
	Walls   []orb.Ring
	Rooms   []orb.Polygon

	engine GeometryEngine
}

// Bound returns the bounding box of the walkable region
func (f *FloorPolygon) Bound() orb.Bound {
	return f.Regions.Bound()
}

// SamplePoint is a grid point that is both a candidate AP site and a signal
// sample location. Index is its row and column in the coverage matrix.
type SamplePoint struct {
	Index int       `json:"index"`
	Point orb.Point `json:"point"`
}

// Selection marks chosen candidates: Selection[i] == 1 iff candidate i is an AP.
type Selection []uint8

// Count returns the number of selected candidates
func (s Selection) Count() int {
	n := 0
	for _, v := range s {
		if v == 1 {
			n++
		}
	}
	return n
}

// Indices returns the selected candidate indexes in ascending order
func (s Selection) Indices() []int {
	idx := make([]int, 0, s.Count())
	for i, v := range s {
		if v == 1 {
			idx = append(idx, i)
		}
	}
	return idx
}

// IntensityMap holds, per sample, the strongest received signal relative to
// the transmitter (the negated path loss in dB). Unreachable samples hold
// NoSignal.
type IntensityMap []float64
