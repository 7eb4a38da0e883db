package mesh

import (
	"math"

	"github.com/paulmach/orb"
)

// MetersPerDegree is the length of one degree of latitude on the sphere used
// by orb/geo, so projected distances agree with geo.Distance.
const MetersPerDegree = orb.EarthRadius * math.Pi / 180.0

// Project returns the planar offset in meters of target relative to origin.
// It uses an equirectangular approximation, valid for building-scale extents:
// longitude differences are scaled by cos(origin latitude).
func Project(origin, target GeoCoordinate) orb.Point {
	dLon := target.Longitude - origin.Longitude
	dLat := target.Latitude - origin.Latitude

	x := dLon * MetersPerDegree * math.Cos(degToRad(origin.Latitude))
	y := dLat * MetersPerDegree
	return orb.Point{x, y}
}

// ProjectRing projects every coordinate of a ring and closes it, as orb
// expects the first point to be repeated at the end.
func ProjectRing(origin GeoCoordinate, coords []GeoCoordinate) orb.Ring {
	ring := make(orb.Ring, 0, len(coords)+1)
	for _, c := range coords {
		ring = append(ring, Project(origin, c))
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180.0
}

// Unproject is the inverse of Project for the same origin
func Unproject(origin GeoCoordinate, p orb.Point) GeoCoordinate {
	return GeoCoordinate{
		Longitude: origin.Longitude + p[0]/(MetersPerDegree*math.Cos(degToRad(origin.Latitude))),
		Latitude:  origin.Latitude + p[1]/MetersPerDegree,
	}
}
