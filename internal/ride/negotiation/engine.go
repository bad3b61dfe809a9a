package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/lifecycle"
	"github.com/example/ridebid/internal/ride/locking"
)

var (
	offersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_offers_created_total",
		Help: "Offers persisted against open rides.",
	})
	offerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_offer_failures_total",
		Help: "Offer operations refused, grouped by operation and error kind.",
	}, []string{"op", "kind"})
	acceptances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_offer_acceptances_total",
		Help: "Offers that won their ride.",
	})
)

// ReofferPolicy controls whether a driver may bid again on the same ride.
type ReofferPolicy string

const (
	// ReofferAfterRejection allows a new offer once the previous one was rejected.
	ReofferAfterRejection ReofferPolicy = "after_rejection"
	// ReofferNever allows a single offer per driver per ride.
	ReofferNever ReofferPolicy = "never"
)

// ParseReofferPolicy maps a config value onto a policy, defaulting to after_rejection.
func ParseReofferPolicy(v string) ReofferPolicy {
	if ReofferPolicy(strings.ToLower(strings.TrimSpace(v))) == ReofferNever {
		return ReofferNever
	}
	return ReofferAfterRejection
}

// ETAEstimator estimates how many minutes a driver needs to reach a point.
type ETAEstimator interface {
	DriverMinutes(ctx context.Context, driverID uuid.UUID, to domain.GeoPoint) (int, bool, error)
}

// CreateOfferInput is a driver's bid.
type CreateOfferInput struct {
	DriverID   uuid.UUID
	RideID     uuid.UUID
	Fare       float64
	ETAMinutes *int
	Message    string
}

// OfferResult is an offer together with the ride it belongs to after the change.
type OfferResult struct {
	Offer domain.RideOffer
	Ride  domain.Ride
}

// Acceptance describes a resolved negotiation.
type Acceptance struct {
	Ride     domain.Ride
	Offer    domain.RideOffer
	Rejected []domain.RideOffer
}

// Engine creates offers and resolves acceptance, one ride at a time.
type Engine struct {
	store     domain.RideStore
	lifecycle *lifecycle.Lifecycle
	locker    domain.RideLocker
	eta       ETAEstimator
	clock     domain.Clock
	policy    ReofferPolicy
	logger    *zap.Logger
}

// Option customises the Engine.
type Option func(*Engine)

// WithETAEstimator fills in missing offer ETAs.
func WithETAEstimator(e ETAEstimator) Option { return func(n *Engine) { n.eta = e } }

// WithReofferPolicy sets the re-offer policy.
func WithReofferPolicy(p ReofferPolicy) Option { return func(n *Engine) { n.policy = p } }

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option { return func(n *Engine) { n.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(n *Engine) { n.logger = l } }

// New constructs an Engine. A nil locker falls back to an in-process keyed mutex.
func New(store domain.RideStore, lc *lifecycle.Lifecycle, locker domain.RideLocker, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		lifecycle: lc,
		locker:    locker,
		clock:     domain.SystemClock{},
		policy:    ReofferAfterRejection,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = locking.NewKeyedMutex()
	}
	if e.lifecycle == nil {
		e.lifecycle = lifecycle.New(store, e.clock)
	}
	e.logger = e.logger.Named("negotiation")
	return e
}

// CreateOffer records a pending bid on an open ride. The first offer moves
// the ride from requested to offered.
func (e *Engine) CreateOffer(ctx context.Context, in CreateOfferInput) (OfferResult, error) {
	res, err := e.createOffer(ctx, in)
	if err != nil {
		offerRejections.WithLabelValues("create", kindLabel(err)).Inc()
		return OfferResult{}, err
	}
	offersCreated.Inc()
	return res, nil
}

func (e *Engine) createOffer(ctx context.Context, in CreateOfferInput) (OfferResult, error) {
	if in.Fare <= 0 {
		return OfferResult{}, domain.Errorf(domain.KindInvalidInput, "offered fare must be positive")
	}
	if in.ETAMinutes != nil && *in.ETAMinutes < 0 {
		return OfferResult{}, domain.Errorf(domain.KindInvalidInput, "eta minutes must not be negative")
	}

	unlock, err := e.lock(ctx, in.RideID)
	if err != nil {
		return OfferResult{}, err
	}
	defer unlock()

	ride, err := e.store.GetRideByID(ctx, in.RideID)
	if err != nil {
		return OfferResult{}, err
	}
	if !ride.Status.Open() {
		return OfferResult{}, domain.Errorf(domain.KindRideNotAvailable, "ride is %s", ride.Status)
	}
	if ride.RiderID == in.DriverID {
		return OfferResult{}, domain.Errorf(domain.KindUnauthorized, "riders cannot bid on their own ride")
	}

	existing, err := e.store.ListOffersForRide(ctx, ride.ID)
	if err != nil {
		return OfferResult{}, fmt.Errorf("list offers: %w", err)
	}
	for _, offer := range existing {
		if offer.DriverID != in.DriverID {
			continue
		}
		if e.policy == ReofferNever || offer.Status != domain.OfferRejected {
			return OfferResult{}, domain.Errorf(domain.KindDuplicateOffer, "driver already offered %.2f on this ride", offer.OfferedFare)
		}
	}

	eta := in.ETAMinutes
	if eta == nil && e.eta != nil {
		minutes, ok, err := e.eta.DriverMinutes(ctx, in.DriverID, ride.Pickup.Point)
		if err != nil {
			e.logger.Warn("eta estimate failed", zap.Error(err), zap.String("driver_id", in.DriverID.String()))
		} else if ok {
			eta = &minutes
		}
	}

	now := e.clock.Now()
	offer, updated, err := e.store.InsertOffer(ctx, domain.RideOffer{
		ID:          uuid.New(),
		RideID:      ride.ID,
		DriverID:    in.DriverID,
		OfferedFare: in.Fare,
		ETAMinutes:  eta,
		Message:     strings.TrimSpace(in.Message),
		Status:      domain.OfferPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return OfferResult{}, err
	}
	return OfferResult{Offer: offer, Ride: updated}, nil
}

// AcceptOffer binds the offer's driver and fare to the ride and rejects every
// sibling offer. Only one acceptance per ride can succeed; later attempts fail
// with ErrRideNotAvailable.
func (e *Engine) AcceptOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (Acceptance, error) {
	res, err := e.acceptOffer(ctx, actor, offerID)
	if err != nil {
		offerRejections.WithLabelValues("accept", kindLabel(err)).Inc()
		return Acceptance{}, err
	}
	acceptances.Inc()
	return res, nil
}

func (e *Engine) acceptOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (Acceptance, error) {
	offer, ride, err := e.load(ctx, offerID)
	if err != nil {
		return Acceptance{}, err
	}
	if !ride.IsRider(actor.ID) && !actor.Admin {
		return Acceptance{}, domain.Errorf(domain.KindUnauthorized, "only the ride's rider may accept offers")
	}

	unlock, err := e.lock(ctx, ride.ID)
	if err != nil {
		// Timing out means another acceptance held the ride for the whole wait.
		if errors.Is(err, locking.ErrLockTimeout) {
			return Acceptance{}, domain.Wrap(domain.KindRideNotAvailable, err, "ride is being accepted")
		}
		return Acceptance{}, err
	}
	defer unlock()

	// Reload under the lock; the first read only served the authorization check.
	if offer, ride, err = e.load(ctx, offerID); err != nil {
		return Acceptance{}, err
	}
	if !ride.Status.Open() {
		return Acceptance{}, domain.Errorf(domain.KindRideNotAvailable, "ride is %s", ride.Status)
	}
	if offer.Status != domain.OfferPending {
		return Acceptance{}, domain.Errorf(domain.KindRideNotAvailable, "offer is %s", offer.Status)
	}

	_, res, err := e.lifecycle.Accept(ctx, ride, offer, actor)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return Acceptance{}, domain.Wrap(domain.KindRideNotAvailable, err, "ride was taken concurrently")
		}
		return Acceptance{}, err
	}
	return Acceptance{Ride: res.Ride, Offer: res.Offer, Rejected: res.Rejected}, nil
}

// WithdrawOffer lets a driver pull a pending offer while the ride is still open.
func (e *Engine) WithdrawOffer(ctx context.Context, driverID, offerID uuid.UUID) (OfferResult, error) {
	res, err := e.rejectPending(ctx, offerID, func(offer domain.RideOffer, _ domain.Ride) bool {
		return offer.DriverID == driverID
	})
	if err != nil {
		offerRejections.WithLabelValues("withdraw", kindLabel(err)).Inc()
	}
	return res, err
}

// DeclineOffer lets the rider turn down one pending offer. The ride stays open.
func (e *Engine) DeclineOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (OfferResult, error) {
	res, err := e.rejectPending(ctx, offerID, func(_ domain.RideOffer, ride domain.Ride) bool {
		return ride.IsRider(actor.ID) || actor.Admin
	})
	if err != nil {
		offerRejections.WithLabelValues("decline", kindLabel(err)).Inc()
	}
	return res, err
}

func (e *Engine) rejectPending(ctx context.Context, offerID uuid.UUID, allowed func(domain.RideOffer, domain.Ride) bool) (OfferResult, error) {
	offer, ride, err := e.load(ctx, offerID)
	if err != nil {
		return OfferResult{}, err
	}
	if !allowed(offer, ride) {
		return OfferResult{}, domain.Errorf(domain.KindUnauthorized, "actor may not change this offer")
	}

	unlock, err := e.lock(ctx, ride.ID)
	if err != nil {
		return OfferResult{}, err
	}
	defer unlock()

	if offer, ride, err = e.load(ctx, offerID); err != nil {
		return OfferResult{}, err
	}
	if !ride.Status.Open() || offer.Status != domain.OfferPending {
		return OfferResult{}, domain.Errorf(domain.KindRideNotAvailable, "offer is %s on a %s ride", offer.Status, ride.Status)
	}
	updated, err := e.store.UpdateOfferStatus(ctx, offer.ID, []domain.OfferStatus{domain.OfferPending}, domain.OfferRejected, e.clock.Now())
	if err != nil {
		return OfferResult{}, err
	}
	return OfferResult{Offer: updated, Ride: ride}, nil
}

func (e *Engine) load(ctx context.Context, offerID uuid.UUID) (domain.RideOffer, domain.Ride, error) {
	offer, err := e.store.GetOfferByID(ctx, offerID)
	if err != nil {
		return domain.RideOffer{}, domain.Ride{}, err
	}
	ride, err := e.store.GetRideByID(ctx, offer.RideID)
	if err != nil {
		return domain.RideOffer{}, domain.Ride{}, err
	}
	return offer, ride, nil
}

func (e *Engine) lock(ctx context.Context, rideID uuid.UUID) (func(), error) {
	unlock, err := e.locker.Lock(ctx, rideID)
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			return nil, domain.Wrap(domain.KindConflict, err, "ride is busy")
		}
		return nil, fmt.Errorf("lock ride %s: %w", rideID, err)
	}
	return unlock, nil
}

func kindLabel(err error) string {
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}
