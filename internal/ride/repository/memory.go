package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridebid/internal/ride/domain"
)

// MemoryRepository provides an in-memory RideStore suitable for tests and local demos.
// Every operation runs under one mutex so the conditional updates are atomic.
type MemoryRepository struct {
	mu           sync.RWMutex
	rides        map[uuid.UUID]domain.Ride
	offers       map[uuid.UUID]domain.RideOffer
	offersByRide map[uuid.UUID][]uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rides:        make(map[uuid.UUID]domain.Ride),
		offers:       make(map[uuid.UUID]domain.RideOffer),
		offersByRide: make(map[uuid.UUID][]uuid.UUID),
	}
}

// InsertRide stores the ride and returns it.
func (m *MemoryRepository) InsertRide(_ context.Context, ride domain.Ride) (domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[ride.ID]; exists {
		return domain.Ride{}, domain.Errorf(domain.KindConflict, "ride %s already exists", ride.ID)
	}
	m.rides[ride.ID] = ride
	return ride, nil
}

// GetRideByID retrieves a ride.
func (m *MemoryRepository) GetRideByID(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, domain.Errorf(domain.KindNotFound, "ride %s not found", id)
	}
	return ride, nil
}

// ListRides returns matching rides newest first.
func (m *MemoryRepository) ListRides(_ context.Context, filter domain.RideFilter, page domain.Page) ([]domain.Ride, error) {
	page = page.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []domain.Ride
	for _, ride := range m.rides {
		if m.matches(ride, filter) {
			matched = append(matched, ride)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RequestedAt.Equal(matched[j].RequestedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})

	start := page.Offset()
	if start >= len(matched) {
		return []domain.Ride{}, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return append([]domain.Ride(nil), matched[start:end]...), nil
}

func (m *MemoryRepository) matches(ride domain.Ride, filter domain.RideFilter) bool {
	if filter.RiderID != nil && ride.RiderID != *filter.RiderID {
		return false
	}
	if filter.DriverID != nil && !ride.IsDriver(*filter.DriverID) {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, ride.Status) {
		return false
	}
	if filter.ExcludeOfferedBy != nil {
		for _, offerID := range m.offersByRide[ride.ID] {
			offer := m.offers[offerID]
			if offer.DriverID == *filter.ExcludeOfferedBy && offer.Status != domain.OfferRejected {
				return false
			}
		}
	}
	return true
}

// UpdateRideFields applies patch while the ride status is one of expected.
func (m *MemoryRepository) UpdateRideFields(_ context.Context, id uuid.UUID, expected []domain.RideStatus, patch domain.RidePatch) (domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, domain.Errorf(domain.KindNotFound, "ride %s not found", id)
	}
	if len(expected) > 0 && !containsStatus(expected, ride.Status) {
		return domain.Ride{}, domain.Errorf(domain.KindConflict, "ride %s is %s", id, ride.Status)
	}
	ride = patch.Apply(ride)
	m.rides[id] = ride
	return ride, nil
}

// InsertOffer stores the offer while the ride is open and flips requested to offered.
func (m *MemoryRepository) InsertOffer(_ context.Context, offer domain.RideOffer) (domain.RideOffer, domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[offer.RideID]
	if !ok {
		return domain.RideOffer{}, domain.Ride{}, domain.Errorf(domain.KindNotFound, "ride %s not found", offer.RideID)
	}
	if !ride.Status.Open() {
		return domain.RideOffer{}, domain.Ride{}, domain.Errorf(domain.KindRideNotAvailable, "ride %s is %s", ride.ID, ride.Status)
	}
	m.offers[offer.ID] = offer
	m.offersByRide[offer.RideID] = append(m.offersByRide[offer.RideID], offer.ID)
	if ride.Status == domain.StatusRequested {
		ride.Status = domain.StatusOffered
		ride.UpdatedAt = offer.CreatedAt
		m.rides[ride.ID] = ride
	}
	return offer, ride, nil
}

// GetOfferByID retrieves an offer.
func (m *MemoryRepository) GetOfferByID(_ context.Context, id uuid.UUID) (domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, domain.Errorf(domain.KindNotFound, "offer %s not found", id)
	}
	return offer, nil
}

// ListOffersForRide returns the ride's offers newest first.
func (m *MemoryRepository) ListOffersForRide(_ context.Context, rideID uuid.UUID) ([]domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.offersByRide[rideID]
	out := make([]domain.RideOffer, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, m.offers[ids[i]])
	}
	return out, nil
}

// UpdateOfferStatus sets the offer status while it is one of expected.
func (m *MemoryRepository) UpdateOfferStatus(_ context.Context, id uuid.UUID, expected []domain.OfferStatus, status domain.OfferStatus, at time.Time) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, domain.Errorf(domain.KindNotFound, "offer %s not found", id)
	}
	if offer.Status == status {
		return offer, nil
	}
	if len(expected) > 0 && !containsOfferStatus(expected, offer.Status) {
		return domain.RideOffer{}, domain.Errorf(domain.KindConflict, "offer %s is %s", id, offer.Status)
	}
	offer.Status = status
	offer.UpdatedAt = at
	m.offers[id] = offer
	return offer, nil
}

// AcceptOffer validates the ride and offer before it writes anything, so a
// refused acceptance leaves both untouched.
func (m *MemoryRepository) AcceptOffer(_ context.Context, rideID, offerID uuid.UUID, expected []domain.RideStatus, patch domain.RidePatch) (domain.OfferAcceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindNotFound, "ride %s not found", rideID)
	}
	offer, ok := m.offers[offerID]
	if !ok || offer.RideID != rideID {
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindNotFound, "offer %s not found on ride %s", offerID, rideID)
	}
	if len(expected) > 0 && !containsStatus(expected, ride.Status) {
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindConflict, "ride %s is %s", rideID, ride.Status)
	}
	if offer.Status != domain.OfferPending {
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindConflict, "offer %s is %s", offerID, offer.Status)
	}

	ride = patch.Apply(ride)
	m.rides[rideID] = ride
	offer.Status = domain.OfferAccepted
	offer.UpdatedAt = patch.UpdatedAt
	m.offers[offerID] = offer

	var rejected []domain.RideOffer
	ids := m.offersByRide[rideID]
	for i := len(ids) - 1; i >= 0; i-- {
		sibling := m.offers[ids[i]]
		if sibling.ID == offerID || sibling.Status != domain.OfferPending {
			continue
		}
		sibling.Status = domain.OfferRejected
		sibling.UpdatedAt = patch.UpdatedAt
		m.offers[sibling.ID] = sibling
		rejected = append(rejected, sibling)
	}
	return domain.OfferAcceptance{Ride: ride, Offer: offer, Rejected: rejected}, nil
}

func containsStatus(list []domain.RideStatus, s domain.RideStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsOfferStatus(list []domain.OfferStatus, s domain.OfferStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
