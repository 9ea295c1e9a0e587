package geometry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Decode parses a GeoJSON geometry object. Feature wrappers are
// unwrapped so clients may POST either form.
func Decode(raw []byte) (orb.Geometry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}

	switch probe.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid geojson feature: %w", err)
		}
		return f.Geometry, nil
	case "":
		return nil, fmt.Errorf("geojson object missing type")
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid geojson geometry: %w", err)
		}
		return g.Geometry(), nil
	}
}

// Canonical returns the deduplication form of a geometry: lowercase
// hex of its WKB encoding. Two requests with the same coordinates in
// the same order always produce the same string.
func Canonical(g orb.Geometry) (string, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("wkb encode: %w", err)
	}
	return hex.EncodeToString(data), nil
}

// FromCanonical decodes the hex WKB form produced by Canonical.
func FromCanonical(s string) (orb.Geometry, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("canonical geometry not hex: %w", err)
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonical geometry not wkb: %w", err)
	}
	return g, nil
}

// Equal compares two geometries by value.
func Equal(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return orb.Equal(a, b)
}

// IsEmpty reports whether a geometry carries no coordinates.
func IsEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case nil:
		return true
	case orb.Polygon:
		for _, ring := range v {
			if len(ring) > 0 {
				return false
			}
		}
		return true
	case orb.MultiPolygon:
		for _, p := range v {
			if !IsEmpty(p) {
				return false
			}
		}
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Collection:
		for _, sub := range v {
			if !IsEmpty(sub) {
				return false
			}
		}
		return true
	}
	return false
}

// samplePoints returns representative points of a geometry: every ring
// vertex, every edge midpoint, and the bound center. Containment of all
// samples in a footprint union is how we approximate polygon-in-union
// without a full boolean overlay.
func samplePoints(g orb.Geometry) []orb.Point {
	var pts []orb.Point
	appendRing := func(ring orb.Ring) {
		for i, p := range ring {
			pts = append(pts, p)
			if i+1 < len(ring) {
				q := ring[i+1]
				pts = append(pts, orb.Point{(p[0] + q[0]) / 2, (p[1] + q[1]) / 2})
			}
		}
	}

	switch v := g.(type) {
	case orb.Point:
		pts = append(pts, v)
	case orb.Polygon:
		for _, ring := range v {
			appendRing(ring)
		}
	case orb.MultiPolygon:
		for _, poly := range v {
			for _, ring := range poly {
				appendRing(ring)
			}
		}
	case orb.LineString:
		pts = append(pts, v...)
	case orb.Collection:
		for _, sub := range v {
			pts = append(pts, samplePoints(sub)...)
		}
	}

	if len(pts) > 0 {
		pts = append(pts, g.Bound().Center())
	}
	return pts
}

// UnionContains reports whether the union of the footprints contains
// the geometry. Footprints are raster bounds, so they are convex; the
// sampled-point test is exact for a single footprint and conservative
// enough across a union of overlapping scenes.
func UnionContains(footprints []orb.Polygon, g orb.Geometry) bool {
	if IsEmpty(g) {
		return true
	}
	if len(footprints) == 0 {
		return false
	}

	for _, pt := range samplePoints(g) {
		inside := false
		for _, fp := range footprints {
			if planar.PolygonContains(fp, pt) {
				inside = true
				break
			}
		}
		if !inside {
			return false
		}
	}
	return true
}
