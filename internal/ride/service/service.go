package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/location"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/lifecycle"
	"github.com/example/ridebid/internal/ride/locking"
	"github.com/example/ridebid/internal/ride/negotiation"
)

const availableRidesLimit = 20

// FareSuggester returns a fare band for a distance. It never fails; the bool
// reports whether the band came from the advisor rather than the fallback.
type FareSuggester interface {
	Suggest(ctx context.Context, distanceKM float64) (domain.FareBand, bool)
}

// LocationTracker accepts driver positions and availability.
type LocationTracker interface {
	Update(ctx context.Context, u location.Update) error
	SetAvailability(ctx context.Context, driverID uuid.UUID, available bool) error
}

// Deps groups the collaborators of Service. Store is required; nil optional
// collaborators disable the feature they back.
type Deps struct {
	Store       domain.RideStore
	Locker      domain.RideLocker
	Broadcaster domain.Broadcaster
	Notifier    domain.NotificationGateway
	Fares       FareSuggester
	Users       domain.UserDirectory
	Drivers     domain.DriverDirectory
	Locations   LocationTracker
	Idempotency domain.IdempotencyRepository
	Clock       domain.Clock
	Logger      *zap.Logger
	// Negotiation options such as the re-offer policy and ETA estimator.
	NegotiationOptions []negotiation.Option
}

// Service is the ride orchestrator used by the HTTP and websocket boundaries.
type Service struct {
	store       domain.RideStore
	locker      domain.RideLocker
	lifecycle   *lifecycle.Lifecycle
	engine      *negotiation.Engine
	broadcaster domain.Broadcaster
	notifier    domain.NotificationGateway
	fares       FareSuggester
	users       domain.UserDirectory
	drivers     domain.DriverDirectory
	locations   LocationTracker
	idempotent  domain.IdempotencyRepository
	clock       domain.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New constructs a Service with the required collaborators.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Locker == nil {
		d.Locker = locking.NewKeyedMutex()
	}
	lc := lifecycle.New(d.Store, d.Clock)
	opts := append([]negotiation.Option{negotiation.WithClock(d.Clock), negotiation.WithLogger(d.Logger)}, d.NegotiationOptions...)
	return &Service{
		store:       d.Store,
		locker:      d.Locker,
		lifecycle:   lc,
		engine:      negotiation.New(d.Store, lc, d.Locker, opts...),
		broadcaster: d.Broadcaster,
		notifier:    d.Notifier,
		fares:       d.Fares,
		users:       d.Users,
		drivers:     d.Drivers,
		locations:   d.Locations,
		idempotent:  d.Idempotency,
		clock:       d.Clock,
		logger:      d.Logger.Named("ride"),
		tracer:      otel.Tracer("ride.service"),
	}
}

// CreateRideRequest contains the request payload for creating a ride.
type CreateRideRequest struct {
	Pickup        domain.Place
	Dropoff       domain.Place
	OfferedFare   float64
	PaymentMethod domain.PaymentMethod
	Notes         string
}

// CreateRide prices and stores a new ride request and tells available drivers.
// A repeated idempotency key from the same rider returns the first response.
func (s *Service) CreateRide(ctx context.Context, key string, actor domain.Actor, req CreateRideRequest) (view RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.create", trace.WithAttributes(attribute.String("rider.id", actor.ID.String())))
	defer func() { endSpan(span, err) }()

	cacheKey := ""
	if key != "" && s.idempotent != nil {
		cacheKey = actor.ID.String() + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, cacheKey); err == nil && ok {
			var prior RideView
			if err := json.Unmarshal(cached, &prior); err == nil {
				return prior, nil
			}
		}
	}

	if !geo.Valid(req.Pickup.Point) || !geo.Valid(req.Dropoff.Point) {
		return RideView{}, domain.Errorf(domain.KindInvalidInput, "pickup and dropoff must be valid coordinates")
	}
	if req.OfferedFare <= 0 {
		return RideView{}, domain.Errorf(domain.KindInvalidInput, "offered fare must be positive")
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentCash
	}
	if method != domain.PaymentCash && method != domain.PaymentCard {
		return RideView{}, domain.Errorf(domain.KindInvalidInput, "unsupported payment method %q", method)
	}

	distance := round2(geo.DistanceKM(req.Pickup.Point, req.Dropoff.Point))
	now := s.clock.Now()
	ride := domain.Ride{
		ID:            uuid.New(),
		RiderID:       actor.ID,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		DistanceKM:    distance,
		OfferedFare:   req.OfferedFare,
		Notes:         strings.TrimSpace(req.Notes),
		Status:        domain.StatusRequested,
		PaymentMethod: method,
		PaymentStatus: domain.PaymentPending,
		RequestedAt:   now,
		UpdatedAt:     now,
	}
	if s.fares != nil {
		band, _ := s.fares.Suggest(ctx, distance)
		ride.SuggestedFare = &band
	}

	created, err := s.store.InsertRide(ctx, ride)
	if err != nil {
		return RideView{}, fmt.Errorf("create ride: %w", err)
	}
	span.SetAttributes(attribute.String("ride.id", created.ID.String()))

	s.joinUser(ctx, created.RiderID, domain.RideGroup(created.ID))
	s.notifyAvailableDrivers(ctx, created)

	view = s.hydrate(ctx, created, nil)
	if cacheKey != "" {
		if payload, err := json.Marshal(view); err == nil {
			_ = s.idempotent.PutResponse(ctx, cacheKey, payload)
		}
	}
	return view, nil
}

func (s *Service) notifyAvailableDrivers(ctx context.Context, ride domain.Ride) {
	if s.drivers == nil {
		return
	}
	drivers, err := s.drivers.AvailableDrivers(ctx)
	if err != nil {
		s.logger.Warn("list available drivers failed", zap.Error(err), zap.String("ride_id", ride.ID.String()))
		return
	}
	for _, driverID := range drivers {
		if driverID == ride.RiderID {
			continue
		}
		s.notify(ctx, driverID, domain.CategoryRideRequest, "New Ride Request",
			fmt.Sprintf("A new ride request is available nearby for $%.2f", ride.OfferedFare), ride.ID)
	}
}

// GetRide returns the ride with participant summaries and offers. Callers
// other than the rider and admins only see their own offers, including the
// bound driver.
func (s *Service) GetRide(ctx context.Context, actor domain.Actor, rideID uuid.UUID) (view RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.get", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer func() { endSpan(span, err) }()

	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		return RideView{}, err
	}
	offers, err := s.store.ListOffersForRide(ctx, rideID)
	if err != nil {
		return RideView{}, fmt.Errorf("list offers: %w", err)
	}
	if !ride.IsRider(actor.ID) && !actor.Admin {
		visible := offers[:0:0]
		for _, offer := range offers {
			if offer.DriverID == actor.ID {
				visible = append(visible, offer)
			}
		}
		offers = visible
	}
	return s.hydrate(ctx, ride, offers), nil
}

// ListRides returns a page of rides. Non-admins only see rides they take part in.
func (s *Service) ListRides(ctx context.Context, actor domain.Actor, filter domain.RideFilter, page domain.Page) (views []RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.list")
	defer func() { endSpan(span, err) }()

	if !actor.Admin {
		if filter.RiderID == nil && filter.DriverID == nil {
			filter.RiderID = &actor.ID
		}
		if (filter.RiderID != nil && *filter.RiderID != actor.ID) || (filter.DriverID != nil && *filter.DriverID != actor.ID) {
			return nil, domain.Errorf(domain.KindUnauthorized, "only admins may list other users' rides")
		}
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, domain.Errorf(domain.KindInvalidInput, "unknown status %q", status)
		}
	}
	rides, err := s.store.ListRides(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	return s.hydrateMany(ctx, rides), nil
}

// ListAvailableRides returns open rides the driver has not bid on yet, newest first.
func (s *Service) ListAvailableRides(ctx context.Context, actor domain.Actor) (views []RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.list_available")
	defer func() { endSpan(span, err) }()

	rides, err := s.store.ListRides(ctx, domain.RideFilter{
		Statuses:         []domain.RideStatus{domain.StatusRequested, domain.StatusOffered},
		ExcludeOfferedBy: &actor.ID,
	}, domain.Page{Number: 1, Size: availableRidesLimit})
	if err != nil {
		return nil, fmt.Errorf("list available rides: %w", err)
	}
	open := rides[:0:0]
	for _, ride := range rides {
		if !ride.IsRider(actor.ID) {
			open = append(open, ride)
		}
	}
	return s.hydrateMany(ctx, open), nil
}

// CreateOfferRequest is a driver's bid on a ride.
type CreateOfferRequest struct {
	Fare       float64
	ETAMinutes *int
	Message    string
}

// CreateOffer records the driver's bid, tells the rider and pushes
// OfferReceived to the ride group.
func (s *Service) CreateOffer(ctx context.Context, actor domain.Actor, rideID uuid.UUID, req CreateOfferRequest) (view OfferView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.offer.create", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer func() { endSpan(span, err) }()

	res, err := s.engine.CreateOffer(ctx, negotiation.CreateOfferInput{
		DriverID:   actor.ID,
		RideID:     rideID,
		Fare:       req.Fare,
		ETAMinutes: req.ETAMinutes,
		Message:    req.Message,
	})
	if err != nil {
		return OfferView{}, err
	}

	view = s.hydrateOffer(ctx, res.Offer)
	group := domain.RideGroup(rideID)
	s.joinUser(ctx, actor.ID, group)
	s.notify(ctx, res.Ride.RiderID, domain.CategoryRideOffer, "New Offer Received",
		fmt.Sprintf("A driver has offered $%.2f for your ride", res.Offer.OfferedFare), rideID)
	s.publish(ctx, group, domain.EventOfferReceived, view)
	return view, nil
}

// AcceptOffer resolves the negotiation in favour of offerID.
func (s *Service) AcceptOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (view RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.offer.accept", trace.WithAttributes(attribute.String("offer.id", offerID.String())))
	defer func() { endSpan(span, err) }()

	res, err := s.engine.AcceptOffer(ctx, actor, offerID)
	if err != nil {
		return RideView{}, err
	}
	rideID := res.Ride.ID
	span.SetAttributes(attribute.String("ride.id", rideID.String()))

	offers := append([]domain.RideOffer{res.Offer}, res.Rejected...)
	view = s.hydrate(ctx, res.Ride, offers)
	group := domain.RideGroup(rideID)

	s.notify(ctx, res.Offer.DriverID, domain.CategoryOfferAccepted, "Offer Accepted",
		"Your offer has been accepted! Please head to pickup location", rideID)
	s.joinUser(ctx, res.Offer.DriverID, group)
	s.publish(ctx, domain.UserGroup(res.Offer.DriverID), domain.EventOfferAccepted, view)
	for _, lost := range res.Rejected {
		s.publish(ctx, domain.UserGroup(lost.DriverID), domain.EventOfferDeclined, s.hydrateOffer(ctx, lost))
		s.leaveUser(ctx, lost.DriverID, group)
	}
	s.publish(ctx, group, domain.EventRideStatusUpdated, view)
	return view, nil
}

// DeclineOffer lets the rider turn one offer down while the ride stays open.
func (s *Service) DeclineOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (view OfferView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.offer.decline", trace.WithAttributes(attribute.String("offer.id", offerID.String())))
	defer func() { endSpan(span, err) }()

	res, err := s.engine.DeclineOffer(ctx, actor, offerID)
	if err != nil {
		return OfferView{}, err
	}
	view = s.hydrateOffer(ctx, res.Offer)
	s.notify(ctx, res.Offer.DriverID, domain.CategoryOfferDeclined, "Offer Declined",
		"The rider declined your offer", res.Ride.ID)
	s.publish(ctx, domain.UserGroup(res.Offer.DriverID), domain.EventOfferDeclined, view)
	s.leaveUser(ctx, res.Offer.DriverID, domain.RideGroup(res.Ride.ID))
	return view, nil
}

// WithdrawOffer lets the driver pull a pending offer.
func (s *Service) WithdrawOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (view OfferView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.offer.withdraw", trace.WithAttributes(attribute.String("offer.id", offerID.String())))
	defer func() { endSpan(span, err) }()

	res, err := s.engine.WithdrawOffer(ctx, actor.ID, offerID)
	if err != nil {
		return OfferView{}, err
	}
	view = s.hydrateOffer(ctx, res.Offer)
	s.publish(ctx, domain.UserGroup(res.Ride.RiderID), domain.EventOfferDeclined, view)
	s.leaveUser(ctx, actor.ID, domain.RideGroup(res.Ride.ID))
	return view, nil
}

// UpdateStatus moves a ride to started, completed or cancelled. Concurrent
// callers on one ride are serialised; the loser sees ErrInvalidTransition or
// ErrConflict.
func (s *Service) UpdateStatus(ctx context.Context, actor domain.Actor, rideID uuid.UUID, target domain.RideStatus, reason string) (view RideView, err error) {
	ctx, span := s.tracer.Start(ctx, "ride.status.update", trace.WithAttributes(
		attribute.String("ride.id", rideID.String()),
		attribute.String("ride.target_status", string(target)),
	))
	defer func() { endSpan(span, err) }()

	switch target {
	case domain.StatusStarted, domain.StatusCompleted, domain.StatusCancelled:
	case domain.StatusOffered, domain.StatusAccepted:
		return RideView{}, domain.Errorf(domain.KindInvalidTransition, "ride becomes %s through offers", target)
	default:
		return RideView{}, domain.Errorf(domain.KindInvalidInput, "unknown status %q", target)
	}

	unlock, err := s.locker.Lock(ctx, rideID)
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			return RideView{}, domain.Wrap(domain.KindConflict, err, "ride is busy")
		}
		return RideView{}, fmt.Errorf("lock ride %s: %w", rideID, err)
	}
	defer unlock()

	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		return RideView{}, err
	}
	outcome, err := s.lifecycle.Transition(ctx, ride, lifecycle.Request{
		Target: target,
		Actor:  actor,
		Reason: strings.TrimSpace(reason),
	})
	if err != nil {
		return RideView{}, err
	}

	view = s.hydrate(ctx, outcome.Ride, nil)
	for _, userID := range outcome.Recipients {
		s.notify(ctx, userID, domain.StatusCategory(target), fmt.Sprintf("Ride %s", target),
			fmt.Sprintf("Your ride has been %s", target), rideID)
	}
	group := domain.RideGroup(rideID)
	s.publish(ctx, group, domain.EventRideStatusUpdated, view)
	if outcome.Ride.Status.Terminal() && s.broadcaster != nil {
		if err := s.broadcaster.CloseGroup(ctx, group); err != nil {
			s.logger.Warn("close ride group failed", zap.Error(err), zap.String("ride_id", rideID.String()))
		}
	}
	return view, nil
}

// SetAvailability marks whether the driver wants ride request notifications.
func (s *Service) SetAvailability(ctx context.Context, actor domain.Actor, available bool) error {
	if !actor.Driver {
		return domain.Errorf(domain.KindUnauthorized, "only drivers may change availability")
	}
	if s.locations == nil {
		return domain.Errorf(domain.KindInvalidInput, "driver availability is not enabled")
	}
	return s.locations.SetAvailability(ctx, actor.ID, available)
}

// UpdateLocation records the caller's position and pushes it to driver_{id}.
func (s *Service) UpdateLocation(ctx context.Context, actor domain.Actor, point domain.GeoPoint) error {
	if !actor.Driver {
		return domain.Errorf(domain.KindUnauthorized, "only drivers may publish a location")
	}
	if s.locations == nil {
		return domain.Errorf(domain.KindInvalidInput, "location tracking is not enabled")
	}
	return s.locations.Update(ctx, location.Update{DriverID: actor.ID, Point: point})
}

// CanJoinRide allows the rider, the bound driver, drivers with a live offer
// and admins into ride_{id}.
func (s *Service) CanJoinRide(ctx context.Context, actor domain.Actor, rideID uuid.UUID) error {
	if actor.Admin {
		return nil
	}
	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.IsRider(actor.ID) || ride.IsDriver(actor.ID) {
		return nil
	}
	offers, err := s.store.ListOffersForRide(ctx, rideID)
	if err != nil {
		return fmt.Errorf("list offers: %w", err)
	}
	for _, offer := range offers {
		if offer.DriverID == actor.ID && offer.Status != domain.OfferRejected {
			return nil
		}
	}
	return domain.Errorf(domain.KindUnauthorized, "not a party to ride %s", rideID)
}

// CanWatchDriver allows drivers to watch themselves and riders to watch the
// driver of their accepted or started ride.
func (s *Service) CanWatchDriver(ctx context.Context, actor domain.Actor, driverID uuid.UUID) error {
	if actor.Admin || actor.ID == driverID {
		return nil
	}
	rides, err := s.store.ListRides(ctx, domain.RideFilter{
		RiderID:  &actor.ID,
		DriverID: &driverID,
		Statuses: []domain.RideStatus{domain.StatusAccepted, domain.StatusStarted},
	}, domain.Page{Number: 1, Size: 1})
	if err != nil {
		return fmt.Errorf("list rides: %w", err)
	}
	if len(rides) == 0 {
		return domain.Errorf(domain.KindUnauthorized, "no active ride with driver %s", driverID)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, category domain.NotificationCategory, title, body string, relatedID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	n := domain.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		Category:  category,
		RelatedID: &relatedID,
		CreatedAt: s.clock.Now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed", zap.Error(err), zap.String("user_id", userID.String()), zap.String("category", string(category)))
	}
}

func (s *Service) publish(ctx context.Context, group, event string, payload any) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, group, event, payload); err != nil {
		s.logger.Warn("broadcast failed", zap.Error(err), zap.String("group", group), zap.String("event", event))
	}
}

func (s *Service) joinUser(ctx context.Context, userID uuid.UUID, group string) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.JoinUser(ctx, userID, group); err != nil {
		s.logger.Warn("join group failed", zap.Error(err), zap.String("group", group))
	}
}

func (s *Service) leaveUser(ctx context.Context, userID uuid.UUID, group string) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.LeaveUser(ctx, userID, group); err != nil {
		s.logger.Warn("leave group failed", zap.Error(err), zap.String("group", group))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
