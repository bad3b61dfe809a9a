package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/ridebid/internal/ride/domain"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ride_transitions_total",
	Help: "Ride status transitions grouped by target status and outcome.",
}, []string{"status", "result"})

// Capability describes how an actor relates to a ride.
type Capability struct {
	Rider  bool
	Driver bool
	Admin  bool
}

// CapabilityOf derives the actor's capability on ride.
func CapabilityOf(ride domain.Ride, actor domain.Actor) Capability {
	return Capability{
		Rider:  ride.IsRider(actor.ID),
		Driver: ride.IsDriver(actor.ID),
		Admin:  actor.Admin,
	}
}

// Party reports whether the actor is a participant or an admin.
func (c Capability) Party() bool { return c.Rider || c.Driver || c.Admin }

// Request asks for one status change. Offer is required when the target is accepted.
type Request struct {
	Target domain.RideStatus
	Actor  domain.Actor
	Reason string
	Offer  *domain.RideOffer
}

// Outcome is the persisted result of a transition.
type Outcome struct {
	Ride     domain.Ride
	Previous domain.RideStatus
	// Recipients are the parties other than the actor that should be told.
	Recipients []uuid.UUID
}

// Lifecycle validates and applies ride status transitions.
type Lifecycle struct {
	store domain.RideStore
	clock domain.Clock
}

// New constructs a Lifecycle persisting through store.
func New(store domain.RideStore, clock domain.Clock) *Lifecycle {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Lifecycle{store: store, clock: clock}
}

// Plan validates req against ride and returns the patch to persist together
// with the notification recipients. It does not touch storage.
func (l *Lifecycle) Plan(ride domain.Ride, req Request) (domain.RidePatch, []uuid.UUID, error) {
	if ride.Status.Terminal() {
		return domain.RidePatch{}, nil, domain.Errorf(domain.KindInvalidTransition, "ride is %s", ride.Status)
	}
	if !ride.Status.CanTransitionTo(req.Target) {
		return domain.RidePatch{}, nil, domain.Errorf(domain.KindInvalidTransition, "cannot move ride from %s to %s", ride.Status, req.Target)
	}

	capability := CapabilityOf(ride, req.Actor)
	if err := authorize(capability, req.Target); err != nil {
		return domain.RidePatch{}, nil, err
	}

	now := l.clock.Now()
	target := req.Target
	patch := domain.RidePatch{Status: &target, UpdatedAt: now}

	switch req.Target {
	case domain.StatusOffered:
	case domain.StatusAccepted:
		if req.Offer == nil || req.Offer.RideID != ride.ID {
			return domain.RidePatch{}, nil, domain.Errorf(domain.KindInvalidTransition, "acceptance requires an offer on this ride")
		}
		driverID := req.Offer.DriverID
		fare := req.Offer.OfferedFare
		patch.DriverID = &driverID
		patch.CounterFare = &fare
		patch.FinalFare = &fare
		patch.AcceptedAt = &now
	case domain.StatusStarted:
		patch.StartedAt = &now
	case domain.StatusCompleted:
		paid := domain.PaymentCompleted
		patch.CompletedAt = &now
		patch.PaymentStatus = &paid
	case domain.StatusCancelled:
		by := req.Actor.ID
		reason := req.Reason
		patch.CancelledAt = &now
		patch.CancelledBy = &by
		patch.CancellationReason = &reason
		patch.ClearDriver = true
		patch.ClearFinalFare = true
	}

	recipients := otherParties(ride, req.Actor)
	if req.Target == domain.StatusAccepted && req.Offer != nil {
		recipients = []uuid.UUID{req.Offer.DriverID}
	}
	return patch, recipients, nil
}

// Transition plans and persists the change with a conditional update keyed
// on the ride's current status. A concurrent writer that got there first
// makes this call fail with ErrConflict.
func (l *Lifecycle) Transition(ctx context.Context, ride domain.Ride, req Request) (Outcome, error) {
	patch, recipients, err := l.Plan(ride, req)
	if err != nil {
		transitionsTotal.WithLabelValues(string(req.Target), string(domain.KindOf(err))).Inc()
		return Outcome{}, err
	}
	updated, err := l.store.UpdateRideFields(ctx, ride.ID, []domain.RideStatus{ride.Status}, patch)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			transitionsTotal.WithLabelValues(string(req.Target), string(domain.KindConflict)).Inc()
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("persist transition: %w", err)
	}
	transitionsTotal.WithLabelValues(string(req.Target), "ok").Inc()
	return Outcome{Ride: updated, Previous: ride.Status, Recipients: recipients}, nil
}

// Accept plans the move to accepted for offer and persists it through
// RideStore.AcceptOffer, so the ride and every offer of it change together.
func (l *Lifecycle) Accept(ctx context.Context, ride domain.Ride, offer domain.RideOffer, actor domain.Actor) (Outcome, domain.OfferAcceptance, error) {
	target := domain.StatusAccepted
	patch, recipients, err := l.Plan(ride, Request{Target: target, Actor: actor, Offer: &offer})
	if err != nil {
		transitionsTotal.WithLabelValues(string(target), string(domain.KindOf(err))).Inc()
		return Outcome{}, domain.OfferAcceptance{}, err
	}
	res, err := l.store.AcceptOffer(ctx, ride.ID, offer.ID, []domain.RideStatus{ride.Status}, patch)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			transitionsTotal.WithLabelValues(string(target), string(domain.KindConflict)).Inc()
			return Outcome{}, domain.OfferAcceptance{}, err
		}
		return Outcome{}, domain.OfferAcceptance{}, fmt.Errorf("persist acceptance: %w", err)
	}
	transitionsTotal.WithLabelValues(string(target), "ok").Inc()
	return Outcome{Ride: res.Ride, Previous: ride.Status, Recipients: recipients}, res, nil
}

func authorize(c Capability, target domain.RideStatus) error {
	switch target {
	case domain.StatusOffered:
		return nil
	case domain.StatusAccepted:
		if c.Rider || c.Admin {
			return nil
		}
	case domain.StatusStarted, domain.StatusCompleted:
		if c.Driver || c.Admin {
			return nil
		}
	case domain.StatusCancelled:
		if c.Party() {
			return nil
		}
	}
	return domain.Errorf(domain.KindUnauthorized, "actor may not move ride to %s", target)
}

// otherParties returns the bound participants that are not the actor.
func otherParties(ride domain.Ride, actor domain.Actor) []uuid.UUID {
	var out []uuid.UUID
	if !ride.IsRider(actor.ID) {
		out = append(out, ride.RiderID)
	}
	if ride.DriverID != nil && !ride.IsDriver(actor.ID) {
		out = append(out, *ride.DriverID)
	}
	return out
}
