package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultMapServiceURL is the public MazeMap API
const DefaultMapServiceURL = "https://api.mazemap.com"

// maxFloorPages stops a runaway pagination loop
const maxFloorPages = 1000

// RoomSource supplies the rooms of one planning run
type RoomSource interface {
	FetchRooms(ctx context.Context, poiIDs []int) ([]Room, error)
	FetchFloor(ctx context.Context, buildingID, z int) ([]Room, error)
}

// MapClient reads room polygons from a MazeMap-compatible POI API.
type MapClient struct {
	baseURL string
	cfg     fetchConfig
	client  *http.Client
}

// NewMapClient creates a client for the API at baseURL
func NewMapClient(baseURL string, opts ...FetchOption) *MapClient {
	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &MapClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		client:  client,
	}
}

// poi is the subset of a MazeMap point of interest the planner reads
type poi struct {
	PoiID      int               `json:"poiId"`
	Identifier *string           `json:"identifier"`
	Title      string            `json:"title"`
	Z          json.Number       `json:"z"`
	BuildingID int               `json:"buildingId"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Point      *geojson.Geometry `json:"point"`
}

type poiPage struct {
	Pois []poi `json:"pois"`
}

// FetchRoom fetches one room by POI id
func (c *MapClient) FetchRoom(ctx context.Context, poiID int) (Room, error) {
	u := fmt.Sprintf("%s/api/pois/%d/?srid=4326", c.baseURL, poiID)
	body, err := fetchWithRetry(ctx, c.client, c.cfg, u)
	if err != nil {
		return Room{}, fmt.Errorf("fetch room %d: %w: %w", poiID, ErrUpstream, err)
	}

	var p poi
	if err := json.Unmarshal(body, &p); err != nil {
		return Room{}, fmt.Errorf("fetch room %d: parsing JSON: %w: %w", poiID, ErrUpstream, err)
	}
	room, err := p.room()
	if err != nil {
		return Room{}, fmt.Errorf("fetch room %d: %w", poiID, err)
	}
	return room, nil
}

// FetchRooms fetches several rooms by POI id, in order
func (c *MapClient) FetchRooms(ctx context.Context, poiIDs []int) ([]Room, error) {
	if len(poiIDs) == 0 {
		return nil, fmt.Errorf("fetch rooms: no poi ids: %w", ErrInvalidInput)
	}
	rooms := make([]Room, 0, len(poiIDs))
	for _, id := range poiIDs {
		r, err := c.FetchRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// FetchClosestRoom returns the room closest to a position on floor z
func (c *MapClient) FetchClosestRoom(ctx context.Context, at GeoCoordinate, z int) (Room, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(at.Latitude, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(at.Longitude, 'f', -1, 64))
	q.Set("z", strconv.Itoa(z))
	q.Set("srid", "4326")
	u := c.baseURL + "/api/pois/closestpoi/?" + q.Encode()

	body, err := fetchWithRetry(ctx, c.client, c.cfg, u)
	if err != nil {
		return Room{}, fmt.Errorf("fetch closest room: %w: %w", ErrUpstream, err)
	}
	var p poi
	if err := json.Unmarshal(body, &p); err != nil {
		return Room{}, fmt.Errorf("fetch closest room: parsing JSON: %w: %w", ErrUpstream, err)
	}
	return p.room()
}

// FetchFloor pages through every POI of a building and keeps the identified
// rooms on floor z. Paging stops at the first empty page.
func (c *MapClient) FetchFloor(ctx context.Context, buildingID, z int) ([]Room, error) {
	var rooms []Room
	fromID := 0
	for page := 0; page < maxFloorPages; page++ {
		u := fmt.Sprintf("%s/api/pois/?buildingid=%d&fromid=%d&srid=4326", c.baseURL, buildingID, fromID)
		body, err := fetchWithRetry(ctx, c.client, c.cfg, u)
		if err != nil {
			return nil, fmt.Errorf("fetch floor %d/%d: %w: %w", buildingID, z, ErrUpstream, err)
		}

		var pp poiPage
		if err := json.Unmarshal(body, &pp); err != nil {
			return nil, fmt.Errorf("fetch floor %d/%d: parsing JSON: %w: %w", buildingID, z, ErrUpstream, err)
		}
		if len(pp.Pois) == 0 {
			return rooms, nil
		}

		for _, p := range pp.Pois {
			if p.Identifier == nil || *p.Identifier == "" {
				continue
			}
			pz, err := p.Z.Float64()
			if err != nil || int(pz) != z {
				continue
			}
			r, err := p.room()
			if err != nil {
				log.Printf("[MAP] skipping poi %d: %v", p.PoiID, err)
				continue
			}
			rooms = append(rooms, r)
		}

		next := pp.Pois[len(pp.Pois)-1].PoiID + 1
		if next <= fromID {
			return nil, fmt.Errorf("fetch floor %d/%d: poi ids not increasing at %d", buildingID, z, fromID)
		}
		fromID = next
	}
	return nil, fmt.Errorf("fetch floor %d/%d: more than %d pages", buildingID, z, maxFloorPages)
}

// room converts the POI geometry: the first ring is the outline, the rest are
// holes. The POI point is the room origin.
func (p poi) room() (Room, error) {
	if p.Geometry == nil {
		return Room{}, fmt.Errorf("poi %d has no geometry: %w", p.PoiID, ErrInvalidInput)
	}
	poly, ok := firstPolygon(p.Geometry.Coordinates)
	if !ok {
		return Room{}, fmt.Errorf("poi %d: unsupported geometry %s: %w", p.PoiID, p.Geometry.Type, ErrInvalidInput)
	}

	r := roomFromPolygon(poly)
	r.ID = strconv.Itoa(p.PoiID)
	if p.Identifier != nil {
		r.Name = *p.Identifier
	}
	if r.Name == "" {
		r.Name = p.Title
	}
	if p.Point != nil {
		if pt, ok := p.Point.Coordinates.(orb.Point); ok {
			r.Origin = GeoCoordinate{Longitude: pt[0], Latitude: pt[1]}
		}
	}
	return r, nil
}

func firstPolygon(g orb.Geometry) (orb.Polygon, bool) {
	switch v := g.(type) {
	case orb.Polygon:
		return v, len(v) > 0
	case orb.MultiPolygon:
		if len(v) == 0 || len(v[0]) == 0 {
			return nil, false
		}
		return v[0], true
	}
	return nil, false
}

// roomFromPolygon drops the repeated closing point GeoJSON carries. The
// origin defaults to the first outline vertex.
func roomFromPolygon(poly orb.Polygon) Room {
	var r Room
	for i, ring := range poly {
		coords := ringCoords(ring)
		if i == 0 {
			r.Outer = coords
			continue
		}
		r.Holes = append(r.Holes, coords)
	}
	if len(r.Outer) > 0 {
		r.Origin = r.Outer[0]
	}
	return r
}

func ringCoords(ring orb.Ring) []GeoCoordinate {
	n := len(ring)
	if n > 1 && ring.Closed() {
		n--
	}
	coords := make([]GeoCoordinate, 0, n)
	for _, p := range ring[:n] {
		coords = append(coords, GeoCoordinate{Longitude: p[0], Latitude: p[1]})
	}
	return coords
}

// LoadRoomsFile reads rooms for an offline run. The file is either a JSON
// array of Room objects or a GeoJSON FeatureCollection of Polygon features
// with optional "id", "name" and "origin" ([lon, lat]) properties.
func LoadRoomsFile(path string) ([]Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rooms file: %w", err)
	}
	rooms, err := ParseRooms(data)
	if err != nil {
		return nil, fmt.Errorf("rooms file %s: %w", path, err)
	}
	return rooms, nil
}

// ParseRooms decodes the formats accepted by LoadRoomsFile
func ParseRooms(data []byte) ([]Room, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty rooms document: %w", ErrInvalidInput)
	}

	if trimmed[0] == '[' {
		var rooms []Room
		if err := json.Unmarshal(trimmed, &rooms); err != nil {
			return nil, fmt.Errorf("parsing rooms JSON: %w", err)
		}
		for i := range rooms {
			if rooms[i].Origin == (GeoCoordinate{}) && len(rooms[i].Outer) > 0 {
				rooms[i].Origin = rooms[i].Outer[0]
			}
		}
		return rooms, nil
	}

	fc, err := geojson.UnmarshalFeatureCollection(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing rooms GeoJSON: %w", err)
	}

	rooms := make([]Room, 0, len(fc.Features))
	for i, f := range fc.Features {
		poly, ok := firstPolygon(f.Geometry)
		if !ok {
			continue
		}
		r := roomFromPolygon(poly)
		r.ID = f.Properties.MustString("id", fmt.Sprintf("%d", i))
		if f.ID != nil {
			r.ID = fmt.Sprint(f.ID)
		}
		r.Name = f.Properties.MustString("name", r.ID)
		if o, ok := f.Properties["origin"].([]interface{}); ok && len(o) == 2 {
			lon, lonOK := o[0].(float64)
			lat, latOK := o[1].(float64)
			if lonOK && latOK {
				r.Origin = GeoCoordinate{Longitude: lon, Latitude: lat}
			}
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}
