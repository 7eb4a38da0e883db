package mesh

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature kinds written to the "kind" property
const (
	KindFloor  = "floor"
	KindRoom   = "room"
	KindSample = "sample"
	KindAP     = "ap"
)

// ExportOptions selects what ExportGeoJSON writes
type ExportOptions struct {
	// Geographic writes lon/lat instead of planar meters.
	Geographic bool
	// Rooms adds one feature per unbuffered room outline.
	Rooms bool
}

// ExportGeoJSON writes the four plan outputs as one FeatureCollection: the
// floor regions, every sample with its intensity and every AP with the
// samples it covers. Unreached samples carry a null intensity.
func ExportGeoJSON(res *PlanResult, opts ExportOptions) (*geojson.FeatureCollection, error) {
	if res == nil || res.Floor == nil {
		return nil, fmt.Errorf("export geojson: empty plan: %w", ErrInvalidInput)
	}

	conv := func(p orb.Point) orb.Point { return p }
	if opts.Geographic {
		origin := res.Floor.Origin
		conv = func(p orb.Point) orb.Point { return Unproject(origin, p).Point() }
	}

	fc := geojson.NewFeatureCollection()

	floor := geojson.NewFeature(transformMultiPolygon(res.Floor.Regions, conv))
	floor.Properties["kind"] = KindFloor
	floor.Properties["area"] = res.Floor.Area()
	floor.Properties["planId"] = res.ID
	fc.Append(floor)

	if opts.Rooms {
		for i, room := range res.Floor.Rooms {
			f := geojson.NewFeature(transformPolygon(room, conv))
			f.Properties["kind"] = KindRoom
			f.Properties["index"] = i
			fc.Append(f)
		}
	}

	for _, s := range res.Points {
		f := geojson.NewFeature(conv(s.Point))
		f.Properties["kind"] = KindSample
		f.Properties["index"] = s.Index
		f.Properties["ap"] = s.Index < len(res.Selection) && res.Selection[s.Index] == 1
		if s.Index < len(res.Intensity) && !math.IsInf(res.Intensity[s.Index], -1) {
			f.Properties["intensity"] = res.Intensity[s.Index]
		} else {
			f.Properties["intensity"] = nil
		}
		fc.Append(f)
	}

	covers := res.CoverageOf()
	for _, ap := range res.APs() {
		f := geojson.NewFeature(conv(ap.Point))
		f.Properties["kind"] = KindAP
		f.Properties["index"] = ap.Index
		f.Properties["covers"] = covers[ap.Index]
		fc.Append(f)
	}

	return fc, nil
}

// MarshalPlanGeoJSON is ExportGeoJSON encoded as JSON
func MarshalPlanGeoJSON(res *PlanResult, opts ExportOptions) ([]byte, error) {
	fc, err := ExportGeoJSON(res, opts)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("export geojson: %w", err)
	}
	return data, nil
}

func transformPolygon(poly orb.Polygon, conv func(orb.Point) orb.Point) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		r := make(orb.Ring, len(ring))
		for j, p := range ring {
			r[j] = conv(p)
		}
		out[i] = r
	}
	return out
}

func transformMultiPolygon(mp orb.MultiPolygon, conv func(orb.Point) orb.Point) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = transformPolygon(poly, conv)
	}
	return out
}
