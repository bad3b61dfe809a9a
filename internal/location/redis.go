package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridebid/internal/ride/domain"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

const (
	defaultGeoKey       = "driver:locs"
	defaultAvailableKey = "driver:available"
)

// RedisStore keeps positions in a Redis GEO set and availability in a plain set.
type RedisStore struct {
	client       redis.Cmdable
	geoKey       string
	availableKey string
}

// NewRedisStore constructs the store. Empty keys fall back to defaults.
func NewRedisStore(client redis.Cmdable, geoKey, availableKey string) *RedisStore {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	if availableKey == "" {
		availableKey = defaultAvailableKey
	}
	return &RedisStore{client: client, geoKey: geoKey, availableKey: availableKey}
}

func (r *RedisStore) Save(ctx context.Context, u Update) error {
	err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Name:      u.DriverID.String(),
		Longitude: u.Point.Lng,
		Latitude:  u.Point.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func (r *RedisStore) Position(ctx context.Context, driverID uuid.UUID) (domain.GeoPoint, bool, error) {
	positions, err := r.client.GeoPos(ctx, r.geoKey, driverID.String()).Result()
	if err != nil {
		return domain.GeoPoint{}, false, fmt.Errorf("redis geopos: %w", err)
	}
	if len(positions) == 0 || positions[0] == nil {
		return domain.GeoPoint{}, false, nil
	}
	return domain.GeoPoint{Lat: positions[0].Latitude, Lng: positions[0].Longitude}, true, nil
}

// Nearby returns up to limit driver ids sorted by distance to point.
func (r *RedisStore) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error) {
	results, err := r.client.GeoRadius(ctx, r.geoKey, point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKM,
		Unit:   "km",
		Sort:   "ASC",
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *RedisStore) SetAvailable(ctx context.Context, driverID uuid.UUID, available bool) error {
	var err error
	if available {
		err = r.client.SAdd(ctx, r.availableKey, driverID.String()).Err()
	} else {
		err = r.client.SRem(ctx, r.availableKey, driverID.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("redis availability: %w", err)
	}
	return nil
}

func (r *RedisStore) AvailableDrivers(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, r.availableKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
