package geo

import (
	"math"

	"github.com/example/ridebid/internal/ride/domain"
)

const earthRadiusKM = 6371.0

// DistanceKM returns the great-circle distance between two points.
func DistanceKM(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

// Valid reports whether p is a plausible WGS84 coordinate.
func Valid(p domain.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
