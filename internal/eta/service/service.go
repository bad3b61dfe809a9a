package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/ride/domain"
)

const (
	pickupSpeedKMH = 30.0
	tripSpeedKMH   = 35.0
	searchRadiusKM = 10.0
)

// Positions exposes the driver location reads the estimator needs.
type Positions interface {
	Position(ctx context.Context, driverID uuid.UUID) (domain.GeoPoint, bool, error)
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error)
}

// Service calculates ETAs using haversine distance and average speeds.
type Service struct {
	positions Positions
}

// New creates an ETA service.
func New(positions Positions) *Service {
	return &Service{positions: positions}
}

// DriverMinutes estimates whole minutes for the driver to reach the point.
// The bool is false when the driver's position is unknown.
func (s *Service) DriverMinutes(ctx context.Context, driverID uuid.UUID, to domain.GeoPoint) (int, bool, error) {
	from, ok, err := s.positions.Position(ctx, driverID)
	if err != nil || !ok {
		return 0, false, err
	}
	return Minutes(geo.DistanceKM(from, to), pickupSpeedKMH), true, nil
}

// EstimateDriverETA returns the closest driver to pickup and the time it needs to get there.
func (s *Service) EstimateDriverETA(ctx context.Context, pickup domain.GeoPoint) (time.Duration, *uuid.UUID, error) {
	ids, err := s.positions.Nearby(ctx, pickup, searchRadiusKM, 1)
	if err != nil || len(ids) == 0 {
		return 0, nil, err
	}
	from, ok, err := s.positions.Position(ctx, ids[0])
	if err != nil || !ok {
		return 0, nil, err
	}
	driverID := ids[0]
	return travel(geo.DistanceKM(from, pickup), pickupSpeedKMH), &driverID, nil
}

// EstimateTripETA approximates total trip time using distance and average speed.
func (s *Service) EstimateTripETA(_ context.Context, pickup, dropoff domain.GeoPoint) time.Duration {
	return travel(geo.DistanceKM(pickup, dropoff), tripSpeedKMH)
}

// Minutes converts a distance at speedKMH into whole minutes, rounding up.
func Minutes(distanceKM, speedKMH float64) int {
	return int(math.Ceil(distanceKM / speedKMH * 60))
}

func travel(distanceKM, speedKMH float64) time.Duration {
	return time.Duration(distanceKM / speedKMH * float64(time.Hour))
}
