package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusOffered   RideStatus = "offered"
	StatusAccepted  RideStatus = "accepted"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested: {StatusOffered, StatusCancelled},
	StatusOffered:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether next is a direct edge of the ride graph.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Open reports whether offers may still be created or accepted.
func (s RideStatus) Open() bool {
	return s == StatusRequested || s == StatusOffered
}

// Bound reports whether a driver and a final fare are attached in this status.
func (s RideStatus) Bound() bool {
	return s == StatusAccepted || s == StatusStarted || s == StatusCompleted
}

// Valid reports whether s is a known status.
func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusOffered, StatusAccepted, StatusStarted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Place struct {
	Point   GeoPoint `json:"point"`
	Address string   `json:"address"`
}

// FareBand is an advisory fare range shown to the rider.
type FareBand struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

type Ride struct {
	ID       uuid.UUID  `json:"id"`
	RiderID  uuid.UUID  `json:"rider_id"`
	DriverID *uuid.UUID `json:"driver_id,omitempty"`
	Pickup   Place      `json:"pickup"`
	Dropoff  Place      `json:"dropoff"`

	DistanceKM    float64   `json:"distance_km"`
	OfferedFare   float64   `json:"offered_fare"`
	CounterFare   *float64  `json:"counter_fare,omitempty"`
	FinalFare     *float64  `json:"final_fare,omitempty"`
	SuggestedFare *FareBand `json:"suggested_fare,omitempty"`
	Notes         string    `json:"notes,omitempty"`

	Status        RideStatus    `json:"status"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledBy        *uuid.UUID `json:"cancelled_by,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsRider and IsDriver are the capability checks used instead of role strings.
func (r Ride) IsRider(userID uuid.UUID) bool { return r.RiderID == userID }

func (r Ride) IsDriver(userID uuid.UUID) bool {
	return r.DriverID != nil && *r.DriverID == userID
}

type RideOffer struct {
	ID          uuid.UUID   `json:"id"`
	RideID      uuid.UUID   `json:"ride_id"`
	DriverID    uuid.UUID   `json:"driver_id"`
	OfferedFare float64     `json:"offered_fare"`
	ETAMinutes  *int        `json:"eta_minutes,omitempty"`
	Message     string      `json:"message,omitempty"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RidePatch carries the fields a conditional ride update may touch. Nil
// pointers leave the stored value unchanged; the Clear* flags null a field.
type RidePatch struct {
	Status             *RideStatus
	DriverID           *uuid.UUID
	ClearDriver        bool
	CounterFare        *float64
	FinalFare          *float64
	ClearFinalFare     bool
	PaymentStatus      *PaymentStatus
	CancellationReason *string
	CancelledBy        *uuid.UUID
	AcceptedAt         *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	UpdatedAt          time.Time
}

// Apply returns a copy of ride with the patch merged in.
func (p RidePatch) Apply(ride Ride) Ride {
	if p.Status != nil {
		ride.Status = *p.Status
	}
	if p.ClearDriver {
		ride.DriverID = nil
	} else if p.DriverID != nil {
		id := *p.DriverID
		ride.DriverID = &id
	}
	if p.CounterFare != nil {
		v := *p.CounterFare
		ride.CounterFare = &v
	}
	if p.ClearFinalFare {
		ride.FinalFare = nil
	} else if p.FinalFare != nil {
		v := *p.FinalFare
		ride.FinalFare = &v
	}
	if p.PaymentStatus != nil {
		ride.PaymentStatus = *p.PaymentStatus
	}
	if p.CancellationReason != nil {
		ride.CancellationReason = *p.CancellationReason
	}
	if p.CancelledBy != nil {
		id := *p.CancelledBy
		ride.CancelledBy = &id
	}
	if p.AcceptedAt != nil {
		ride.AcceptedAt = p.AcceptedAt
	}
	if p.StartedAt != nil {
		ride.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		ride.CompletedAt = p.CompletedAt
	}
	if p.CancelledAt != nil {
		ride.CancelledAt = p.CancelledAt
	}
	if !p.UpdatedAt.IsZero() {
		ride.UpdatedAt = p.UpdatedAt
	}
	return ride
}

type RideFilter struct {
	RiderID  *uuid.UUID
	DriverID *uuid.UUID
	Statuses []RideStatus
	// ExcludeOfferedBy drops rides on which the driver holds a non-rejected offer.
	ExcludeOfferedBy *uuid.UUID
}

type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Size > 200 {
		p.Size = 200
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// RideStore is the persistence contract. Updates are conditional: they only
// apply while the stored status is one of expected, otherwise ErrConflict.
type RideStore interface {
	InsertRide(ctx context.Context, ride Ride) (Ride, error)
	GetRideByID(ctx context.Context, id uuid.UUID) (Ride, error)
	ListRides(ctx context.Context, filter RideFilter, page Page) ([]Ride, error)
	UpdateRideFields(ctx context.Context, id uuid.UUID, expected []RideStatus, patch RidePatch) (Ride, error)
	// InsertOffer stores the offer only while the ride is open and flips
	// the ride from requested to offered in the same step.
	InsertOffer(ctx context.Context, offer RideOffer) (RideOffer, Ride, error)
	GetOfferByID(ctx context.Context, id uuid.UUID) (RideOffer, error)
	ListOffersForRide(ctx context.Context, rideID uuid.UUID) ([]RideOffer, error)
	UpdateOfferStatus(ctx context.Context, id uuid.UUID, expected []OfferStatus, status OfferStatus, at time.Time) (RideOffer, error)
	// AcceptOffer applies patch to the ride, marks the pending offer accepted
	// and rejects every other pending offer of the ride as one unit. Nothing
	// is written unless all three steps succeed.
	AcceptOffer(ctx context.Context, rideID, offerID uuid.UUID, expected []RideStatus, patch RidePatch) (OfferAcceptance, error)
}

// OfferAcceptance is the persisted result of RideStore.AcceptOffer.
type OfferAcceptance struct {
	Ride     Ride
	Offer    RideOffer
	Rejected []RideOffer
}

type NotificationCategory string

const (
	CategoryRideRequest   NotificationCategory = "ride_request"
	CategoryRideOffer     NotificationCategory = "ride_offer"
	CategoryOfferAccepted NotificationCategory = "offer_accepted"
	CategoryOfferDeclined NotificationCategory = "offer_declined"
)

// StatusCategory is the notification category for a status transition.
func StatusCategory(status RideStatus) NotificationCategory {
	return NotificationCategory("ride_" + string(status))
}

type Notification struct {
	ID        uuid.UUID            `json:"id"`
	UserID    uuid.UUID            `json:"user_id"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Category  NotificationCategory `json:"category"`
	RelatedID *uuid.UUID           `json:"related_id,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

type NotificationGateway interface {
	Notify(ctx context.Context, n Notification) error
}

// FareAdvisor suggests a fare band for a distance. Implementations may be
// slow or unavailable; callers bound the call with a context deadline.
type FareAdvisor interface {
	Suggest(ctx context.Context, distanceKM float64) (FareBand, error)
}

// Realtime event names.
const (
	EventOfferReceived     = "OfferReceived"
	EventOfferAccepted     = "OfferAccepted"
	EventOfferDeclined     = "OfferDeclined"
	EventRideStatusUpdated = "RideStatusUpdated"
	EventLocationUpdated   = "LocationUpdated"
	EventNotification      = "NotificationReceived"
)

func RideGroup(id uuid.UUID) string   { return "ride_" + id.String() }
func UserGroup(id uuid.UUID) string   { return "user_" + id.String() }
func DriverGroup(id uuid.UUID) string { return "driver_" + id.String() }

// Broadcaster pushes events to live connection groups. Delivery is best
// effort; errors are informational only.
type Broadcaster interface {
	Publish(ctx context.Context, group, event string, payload any) error
	// JoinUser adds every live connection of the user to group.
	JoinUser(ctx context.Context, userID uuid.UUID, group string) error
	LeaveUser(ctx context.Context, userID uuid.UUID, group string) error
	// CloseGroup removes all members from group.
	CloseGroup(ctx context.Context, group string) error
}

type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Phone    string    `json:"phone,omitempty"`
	Rating   float64   `json:"rating"`
}

// UserDirectory resolves participant summaries for hydrated payloads.
type UserDirectory interface {
	Summaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]UserSummary, error)
}

// DriverDirectory lists drivers currently accepting ride requests.
type DriverDirectory interface {
	AvailableDrivers(ctx context.Context) ([]uuid.UUID, error)
}

// PositionSource reports a driver's last known position.
type PositionSource interface {
	Position(ctx context.Context, driverID uuid.UUID) (GeoPoint, bool, error)
}

// RideLocker provides the per-ride critical section.
type RideLocker interface {
	Lock(ctx context.Context, rideID uuid.UUID) (unlock func(), err error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Actor is the authenticated caller of an operation. Admin grants
// administrative capability and Driver marks an account that may publish
// positions. Participation is always derived from the ride.
type Actor struct {
	ID     uuid.UUID
	Admin  bool
	Driver bool
}
