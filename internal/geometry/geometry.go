// Package geometry turns a GeoJSON FeatureCollection into the polygon
// features a monitor watches.
package geometry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
)

// Feature is one monitored sub-area.
type Feature struct {
	ID              string
	Polygon         *geom.Polygon
	Lat             float64
	Lng             float64
	MonitoredPixels *int64
	DisturbedPixels int64
}

// GeoJSON returns the polygon encoded as a GeoJSON geometry.
func (f Feature) GeoJSON() (json.RawMessage, error) {
	b, err := geojson.Marshal(f.Polygon)
	if err != nil {
		return nil, fmt.Errorf("encode feature %s: %w", f.ID, err)
	}
	return b, nil
}

// NewFeature builds a feature from a stored GeoJSON polygon.
func NewFeature(id string, geometry []byte) (Feature, error) {
	var g geom.T
	if err := geojson.Unmarshal(geometry, &g); err != nil {
		return Feature{}, fmt.Errorf("decode feature %s: %w", id, err)
	}
	p, ok := g.(*geom.Polygon)
	if !ok {
		return Feature{}, failure.New(failure.ErrInvalidInput, "feature "+id, "All geometries must be of type POLYGON")
	}
	return withCentroid(id, p), nil
}

// Parse reads a FeatureCollection in WGS84. The feature id is taken from the
// idProperty property, falling back to the GeoJSON id member. MultiPolygons
// are split into their parts; parts after the first get a "-<n>" suffix.
func Parse(data []byte, idProperty string) ([]Feature, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, failure.Wrap(failure.ErrInvalidInput, "parse geometry", err)
	}
	if len(fc.Features) == 0 {
		return nil, failure.New(failure.ErrInvalidInput, "parse geometry", "no features")
	}
	seen := map[string]bool{}
	var out []Feature
	add := func(id string, p *geom.Polygon) error {
		if seen[id] {
			return failure.New(failure.ErrInvalidInput, "parse geometry", "Duplicate ID found: "+id)
		}
		seen[id] = true
		out = append(out, withCentroid(id, p))
		return nil
	}
	for i, f := range fc.Features {
		id := featureID(f, idProperty)
		if id == "" {
			id = strconv.Itoa(i)
		}
		switch g := f.Geometry.(type) {
		case *geom.Polygon:
			if err := add(id, g); err != nil {
				return nil, err
			}
		case *geom.MultiPolygon:
			for n := 0; n < g.NumPolygons(); n++ {
				partID := id
				if n > 0 {
					partID = id + "-" + strconv.Itoa(n)
				}
				if err := add(partID, g.Polygon(n)); err != nil {
					return nil, err
				}
			}
		default:
			return nil, failure.New(failure.ErrInvalidInput, "parse geometry", "All geometries must be of type POLYGON")
		}
	}
	return out, nil
}

func featureID(f *geojson.Feature, idProperty string) string {
	if v, ok := f.Properties[idProperty]; ok && v != nil {
		switch id := v.(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		default:
			return fmt.Sprint(id)
		}
	}
	return f.ID
}

func withCentroid(id string, p *geom.Polygon) Feature {
	c := xy.PolygonsCentroid(p)
	return Feature{ID: id, Polygon: p, Lng: c.X(), Lat: c.Y()}
}
