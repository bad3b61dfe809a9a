package geo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/ride/domain"
)

func TestDistanceKMManhattan(t *testing.T) {
	pickup := domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}
	dropoff := domain.GeoPoint{Lat: 40.7589, Lng: -73.9851}
	require.InDelta(t, 5.42, geo.DistanceKM(pickup, dropoff), 0.01)
	require.InDelta(t, geo.DistanceKM(pickup, dropoff), geo.DistanceKM(dropoff, pickup), 1e-9)
}

func TestDistanceKMSamePoint(t *testing.T) {
	p := domain.GeoPoint{Lat: 35.7, Lng: 51.4}
	require.Zero(t, geo.DistanceKM(p, p))
}

func TestValid(t *testing.T) {
	require.True(t, geo.Valid(domain.GeoPoint{Lat: 0, Lng: 0}))
	require.False(t, geo.Valid(domain.GeoPoint{Lat: 91, Lng: 0}))
	require.False(t, geo.Valid(domain.GeoPoint{Lat: 0, Lng: -181}))
}
