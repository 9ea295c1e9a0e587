package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WGS84 ellipsoid and transverse Mercator constants.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	utmK0   = 0.9996
	utmFE   = 500000.0
	utmFNSo = 10000000.0
)

// utmToLonLat converts UTM easting/northing in the given zone to
// geographic coordinates using the standard Snyder inverse series.
func utmToLonLat(easting, northing float64, zone int, north bool) orb.Point {
	e2 := wgs84F * (2 - wgs84F)
	ep2 := e2 / (1 - e2)

	x := easting - utmFE
	y := northing
	if !north {
		y -= utmFNSo
	}

	m := y / utmK0
	mu := m / (wgs84A * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))

	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu)

	sin1 := math.Sin(phi1)
	cos1 := math.Cos(phi1)
	tan1 := math.Tan(phi1)

	n1 := wgs84A / math.Sqrt(1-e2*sin1*sin1)
	t1 := tan1 * tan1
	c1 := ep2 * cos1 * cos1
	r1 := wgs84A * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := x / (n1 * utmK0)

	lat := phi1 - (n1*tan1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*d*d*d*d/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*d*d*d*d*d*d/720)

	lon := (d -
		(1+2*t1+c1)*d*d*d/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*d*d*d*d*d/120) / cos1

	lonOrigin := float64((zone-1)*6-180+3) * math.Pi / 180.0

	return orb.Point{
		(lonOrigin + lon) * 180.0 / math.Pi,
		lat * 180.0 / math.Pi,
	}
}

// ReprojectBound converts a raster bound in the given EPSG code to a
// geographic polygon. Edge midpoints are included so the curvature of
// reprojected UTM edges does not clip the footprint.
func ReprojectBound(b orb.Bound, epsg int) (orb.Polygon, error) {
	if epsg == 0 || epsg == 4326 {
		return b.ToPolygon(), nil
	}

	var zone int
	var north bool
	switch {
	case epsg > 32600 && epsg <= 32660:
		zone, north = epsg-32600, true
	case epsg > 32700 && epsg <= 32760:
		zone, north = epsg-32700, false
	default:
		return nil, fmt.Errorf("unsupported crs epsg:%d", epsg)
	}

	minX, minY := b.Min[0], b.Min[1]
	maxX, maxY := b.Max[0], b.Max[1]
	midX, midY := (minX+maxX)/2, (minY+maxY)/2

	corners := []orb.Point{
		{minX, minY}, {midX, minY}, {maxX, minY},
		{maxX, midY}, {maxX, maxY}, {midX, maxY},
		{minX, maxY}, {minX, midY},
	}

	ring := make(orb.Ring, 0, len(corners)+1)
	for _, c := range corners {
		ring = append(ring, utmToLonLat(c[0], c[1], zone, north))
	}
	ring = append(ring, ring[0])

	return orb.Polygon{ring}, nil
}
