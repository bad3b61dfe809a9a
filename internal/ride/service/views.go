package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

// RideView is the hydrated ride payload returned to callers and broadcast to groups.
type RideView struct {
	domain.Ride
	Rider  *domain.UserSummary `json:"rider,omitempty"`
	Driver *domain.UserSummary `json:"driver,omitempty"`
	Offers []OfferView         `json:"offers,omitempty"`
}

// OfferView is an offer with the bidding driver's summary.
type OfferView struct {
	domain.RideOffer
	Driver *domain.UserSummary `json:"driver,omitempty"`
}

func (s *Service) hydrate(ctx context.Context, ride domain.Ride, offers []domain.RideOffer) RideView {
	ids := []uuid.UUID{ride.RiderID}
	if ride.DriverID != nil {
		ids = append(ids, *ride.DriverID)
	}
	for _, offer := range offers {
		ids = append(ids, offer.DriverID)
	}
	users := s.summaries(ctx, ids)

	view := RideView{Ride: ride, Rider: lookup(users, ride.RiderID)}
	if ride.DriverID != nil {
		view.Driver = lookup(users, *ride.DriverID)
	}
	for _, offer := range offers {
		view.Offers = append(view.Offers, OfferView{RideOffer: offer, Driver: lookup(users, offer.DriverID)})
	}
	return view
}

func (s *Service) hydrateMany(ctx context.Context, rides []domain.Ride) []RideView {
	views := make([]RideView, 0, len(rides))
	for _, ride := range rides {
		views = append(views, s.hydrate(ctx, ride, nil))
	}
	return views
}

func (s *Service) hydrateOffer(ctx context.Context, offer domain.RideOffer) OfferView {
	users := s.summaries(ctx, []uuid.UUID{offer.DriverID})
	return OfferView{RideOffer: offer, Driver: lookup(users, offer.DriverID)}
}

// summaries is best effort: a directory failure leaves the summaries empty.
func (s *Service) summaries(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]domain.UserSummary {
	if s.users == nil || len(ids) == 0 {
		return nil
	}
	users, err := s.users.Summaries(ctx, ids)
	if err != nil {
		s.logger.Warn("user summaries failed", zap.Error(err))
		return nil
	}
	return users
}

func lookup(users map[uuid.UUID]domain.UserSummary, id uuid.UUID) *domain.UserSummary {
	u, ok := users[id]
	if !ok {
		return nil
	}
	return &u
}
