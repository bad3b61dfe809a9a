package location

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/ride/domain"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "driver_location_updates_total",
	Help: "Driver location updates grouped by result.",
}, []string{"result"})

// Update is a driver position sample.
type Update struct {
	DriverID uuid.UUID       `json:"driver_id"`
	Point    domain.GeoPoint `json:"point"`
	Speed    float64         `json:"speed,omitempty"`
	Accuracy float64         `json:"accuracy,omitempty"`
	At       time.Time       `json:"at"`
}

// Store keeps the last known driver positions and the availability set.
type Store interface {
	Save(ctx context.Context, u Update) error
	Position(ctx context.Context, driverID uuid.UUID) (domain.GeoPoint, bool, error)
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error)
	SetAvailable(ctx context.Context, driverID uuid.UUID, available bool) error
	AvailableDrivers(ctx context.Context) ([]uuid.UUID, error)
}

// Tracker records positions and pushes them to the driver's watchers.
type Tracker struct {
	store       Store
	broadcaster domain.Broadcaster
	clock       domain.Clock
	logger      *zap.Logger
}

// NewTracker constructs a Tracker. broadcaster may be nil.
func NewTracker(store Store, broadcaster domain.Broadcaster, clock domain.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, broadcaster: broadcaster, clock: clock, logger: logger.Named("location")}
}

// Update stores the sample and publishes LocationUpdated to driver_{id}.
func (t *Tracker) Update(ctx context.Context, u Update) error {
	if !geo.Valid(u.Point) {
		updatesTotal.WithLabelValues("invalid").Inc()
		return domain.Errorf(domain.KindInvalidInput, "coordinates out of range")
	}
	if u.At.IsZero() {
		u.At = t.clock.Now()
	}
	if err := t.store.Save(ctx, u); err != nil {
		updatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save location: %w", err)
	}
	updatesTotal.WithLabelValues("ok").Inc()
	if t.broadcaster != nil {
		if err := t.broadcaster.Publish(ctx, domain.DriverGroup(u.DriverID), domain.EventLocationUpdated, u); err != nil {
			t.logger.Warn("location broadcast failed", zap.Error(err), zap.String("driver_id", u.DriverID.String()))
		}
	}
	return nil
}

// Position satisfies domain.PositionSource.
func (t *Tracker) Position(ctx context.Context, driverID uuid.UUID) (domain.GeoPoint, bool, error) {
	return t.store.Position(ctx, driverID)
}

// Nearby returns driver ids closest first.
func (t *Tracker) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error) {
	return t.store.Nearby(ctx, point, radiusKM, limit)
}

// SetAvailability marks whether the driver wants ride requests.
func (t *Tracker) SetAvailability(ctx context.Context, driverID uuid.UUID, available bool) error {
	if err := t.store.SetAvailable(ctx, driverID, available); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	return nil
}

// AvailableDrivers satisfies domain.DriverDirectory.
func (t *Tracker) AvailableDrivers(ctx context.Context) ([]uuid.UUID, error) {
	return t.store.AvailableDrivers(ctx)
}
