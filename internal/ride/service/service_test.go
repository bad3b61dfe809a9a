package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/fare"
	"github.com/example/ridebid/internal/location"
	"github.com/example/ridebid/internal/realtime"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/repository"
	"github.com/example/ridebid/internal/ride/service"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type failingAdvisor struct{}

func (failingAdvisor) Suggest(context.Context, float64) (domain.FareBand, error) {
	return domain.FareBand{}, domain.ErrAdvisorUnavailable
}

type fixture struct {
	svc      *service.Service
	store    *repository.MemoryRepository
	hub      *realtime.Hub
	notifier *repository.MemoryNotifier
	tracker  *location.Tracker
	users    *repository.MemoryUserDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &stepClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := repository.NewMemoryRepository()
	hub := realtime.NewHub(nil)
	notifier := repository.NewMemoryNotifier(hub)
	tracker := location.NewTracker(location.NewMemoryStore(), hub, clock, nil)
	users := repository.NewMemoryUserDirectory()
	svc := service.New(service.Deps{
		Store:       store,
		Broadcaster: hub,
		Notifier:    notifier,
		Fares:       fare.NewSuggester(failingAdvisor{}, fare.DefaultFallback, 50*time.Millisecond, nil),
		Users:       users,
		Drivers:     tracker,
		Locations:   tracker,
		Idempotency: repository.NewMemoryIdempotencyRepo(),
		Clock:       clock,
	})
	return &fixture{svc: svc, store: store, hub: hub, notifier: notifier, tracker: tracker, users: users}
}

func manhattanRide() service.CreateRideRequest {
	return service.CreateRideRequest{
		Pickup:        domain.Place{Point: domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}, Address: "Lower Manhattan"},
		Dropoff:       domain.Place{Point: domain.GeoPoint{Lat: 40.7589, Lng: -73.9851}, Address: "Times Square"},
		OfferedFare:   15,
		PaymentMethod: domain.PaymentCash,
	}
}

func connect(h *realtime.Hub, actor domain.Actor) *realtime.Client {
	c := realtime.NewClient(actor, 128)
	h.Register(c)
	return c
}

// drain returns every frame queued on the client so far.
func drain(t *testing.T, c *realtime.Client) []realtime.Envelope {
	t.Helper()
	var out []realtime.Envelope
	for {
		select {
		case frame := <-c.Messages():
			var env realtime.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []realtime.Envelope, name string) []realtime.Envelope {
	var out []realtime.Envelope
	for _, env := range envs {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func TestCreateRideUsesFallbackBandWhenAdvisorFails(t *testing.T) {
	f := newFixture(t)
	rider := domain.Actor{ID: uuid.New()}

	view, err := f.svc.CreateRide(context.Background(), "", rider, manhattanRide())
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, view.Status)
	require.InDelta(t, 5.42, view.DistanceKM, 0.01)
	require.NotNil(t, view.SuggestedFare)
	expected := fare.DefaultFallback.Estimate(view.DistanceKM)
	require.InDelta(t, expected.Min, view.SuggestedFare.Min, 0.001)
	require.InDelta(t, expected.Max, view.SuggestedFare.Max, 0.001)
	require.InDelta(t, expected.Average, view.SuggestedFare.Average, 0.001)
	require.Less(t, view.SuggestedFare.Min, view.SuggestedFare.Max)
}

func TestCreateRideValidatesInput(t *testing.T) {
	f := newFixture(t)
	rider := domain.Actor{ID: uuid.New()}
	ctx := context.Background()

	req := manhattanRide()
	req.OfferedFare = 0
	_, err := f.svc.CreateRide(ctx, "", rider, req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req = manhattanRide()
	req.Pickup.Point.Lat = 91
	_, err = f.svc.CreateRide(ctx, "", rider, req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req = manhattanRide()
	req.PaymentMethod = "crypto"
	_, err = f.svc.CreateRide(ctx, "", rider, req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateRideIsIdempotentPerRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	other := domain.Actor{ID: uuid.New()}

	first, err := f.svc.CreateRide(ctx, "key-1", rider, manhattanRide())
	require.NoError(t, err)
	second, err := f.svc.CreateRide(ctx, "key-1", rider, manhattanRide())
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	third, err := f.svc.CreateRide(ctx, "key-1", other, manhattanRide())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	rides, err := f.store.ListRides(ctx, domain.RideFilter{RiderID: &rider.ID}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, rides, 1)
}

func TestCreateRideNotifiesAvailableDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driver := domain.Actor{ID: uuid.New(), Driver: true}
	offline := uuid.New()

	require.NoError(t, f.svc.SetAvailability(ctx, driver, true))
	require.ErrorIs(t, f.svc.SetAvailability(ctx, rider, true), domain.ErrUnauthorized)
	require.NoError(t, f.svc.SetAvailability(ctx, domain.Actor{ID: offline, Driver: true}, false))
	client := connect(f.hub, driver)

	view, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, driver.ID, sent[0].UserID)
	require.Equal(t, domain.CategoryRideRequest, sent[0].Category)
	require.Equal(t, "New Ride Request", sent[0].Title)
	require.Equal(t, "A new ride request is available nearby for $15.00", sent[0].Body)
	require.Equal(t, view.ID, *sent[0].RelatedID)
	require.Len(t, events(drain(t, client), domain.EventNotification), 1)
}

func TestOfferAcceptFlowBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driverA := domain.Actor{ID: uuid.New(), Driver: true}
	driverB := domain.Actor{ID: uuid.New(), Driver: true}
	f.users.Put(domain.UserSummary{ID: rider.ID, FullName: "Rider"})
	f.users.Put(domain.UserSummary{ID: driverA.ID, FullName: "Driver A"})

	riderConn := connect(f.hub, rider)
	aConn := connect(f.hub, driverA)
	bConn := connect(f.hub, driverB)

	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	require.NotNil(t, ride.Rider)
	require.Equal(t, "Rider", ride.Rider.FullName)

	offerA, err := f.svc.CreateOffer(ctx, driverA, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	require.NotNil(t, offerA.Driver)
	offerB, err := f.svc.CreateOffer(ctx, driverB, ride.ID, service.CreateOfferRequest{Fare: 16})
	require.NoError(t, err)

	received := events(drain(t, riderConn), domain.EventOfferReceived)
	require.Len(t, received, 2)
	drain(t, aConn)
	drain(t, bConn)

	accepted, err := f.svc.AcceptOffer(ctx, rider, offerA.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.Equal(t, driverA.ID, *accepted.DriverID)
	require.Equal(t, 18.0, *accepted.FinalFare)
	require.NotNil(t, accepted.Driver)

	aFrames := drain(t, aConn)
	require.Len(t, events(aFrames, domain.EventOfferAccepted), 1)
	require.Len(t, events(aFrames, domain.EventRideStatusUpdated), 1)

	bFrames := drain(t, bConn)
	require.Len(t, events(bFrames, domain.EventOfferDeclined), 1)
	require.Empty(t, events(bFrames, domain.EventRideStatusUpdated))
	require.NotContains(t, f.hub.Members(domain.RideGroup(ride.ID)), bConn.ID)

	stored, err := f.store.GetOfferByID(ctx, offerB.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferRejected, stored.Status)

	var categories []domain.NotificationCategory
	for _, n := range f.notifier.Sent() {
		categories = append(categories, n.Category)
	}
	require.Contains(t, categories, domain.CategoryRideOffer)
	require.Contains(t, categories, domain.CategoryOfferAccepted)

	_, err = f.svc.AcceptOffer(ctx, rider, offerB.ID)
	require.ErrorIs(t, err, domain.ErrRideNotAvailable)
}

func TestCancelStartedRideNotifiesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driver := domain.Actor{ID: uuid.New(), Driver: true}
	driverConn := connect(f.hub, driver)

	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	offer, err := f.svc.CreateOffer(ctx, driver, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	_, err = f.svc.AcceptOffer(ctx, rider, offer.ID)
	require.NoError(t, err)
	started, err := f.svc.UpdateStatus(ctx, driver, ride.ID, domain.StatusStarted, "")
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	drain(t, driverConn)

	before := len(f.notifier.Sent())
	cancelled, err := f.svc.UpdateStatus(ctx, rider, ride.ID, domain.StatusCancelled, "changed plans")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Nil(t, cancelled.DriverID)
	require.Nil(t, cancelled.FinalFare)
	require.Equal(t, rider.ID, *cancelled.CancelledBy)
	require.Equal(t, "changed plans", cancelled.CancellationReason)

	sent := f.notifier.Sent()[before:]
	require.Len(t, sent, 1)
	require.Equal(t, driver.ID, sent[0].UserID)
	require.Equal(t, domain.NotificationCategory("ride_cancelled"), sent[0].Category)
	require.Equal(t, "Ride cancelled", sent[0].Title)

	updates := events(drain(t, driverConn), domain.EventRideStatusUpdated)
	require.Len(t, updates, 1)
	var payload service.RideView
	require.NoError(t, json.Unmarshal(updates[0].Data, &payload))
	require.Equal(t, domain.StatusCancelled, payload.Status)
	require.Empty(t, f.hub.Members(domain.RideGroup(ride.ID)))

	_, err = f.svc.UpdateStatus(ctx, driver, ride.ID, domain.StatusCompleted, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateStatusRejectsOfferDrivenTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, rider, ride.ID, domain.StatusAccepted, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.UpdateStatus(ctx, rider, ride.ID, domain.RideStatus("teleported"), "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.svc.UpdateStatus(ctx, domain.Actor{ID: uuid.New()}, ride.ID, domain.StatusCancelled, "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestConcurrentStatusUpdatesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driver := domain.Actor{ID: uuid.New(), Driver: true}
	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	offer, err := f.svc.CreateOffer(ctx, driver, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	_, err = f.svc.AcceptOffer(ctx, rider, offer.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.UpdateStatus(ctx, rider, ride.ID, domain.StatusCancelled, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.UpdateStatus(ctx, driver, ride.ID, domain.StatusStarted, "")
	}()
	wg.Wait()

	// Cancel is legal from accepted and started, so it always lands.
	require.NoError(t, errs[0])
	if errs[1] != nil {
		kind := domain.KindOf(errs[1])
		require.Contains(t, []domain.Kind{domain.KindInvalidTransition, domain.KindConflict}, kind)
	}
	final, err := f.store.GetRideByID(ctx, ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, final.Status)
	require.Nil(t, final.DriverID)
}

func TestGetRideHidesOtherDriversOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driverA := domain.Actor{ID: uuid.New(), Driver: true}
	driverB := domain.Actor{ID: uuid.New(), Driver: true}
	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	_, err = f.svc.CreateOffer(ctx, driverA, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	_, err = f.svc.CreateOffer(ctx, driverB, ride.ID, service.CreateOfferRequest{Fare: 17})
	require.NoError(t, err)

	asRider, err := f.svc.GetRide(ctx, rider, ride.ID)
	require.NoError(t, err)
	require.Len(t, asRider.Offers, 2)

	asDriver, err := f.svc.GetRide(ctx, driverA, ride.ID)
	require.NoError(t, err)
	require.Len(t, asDriver.Offers, 1)
	require.Equal(t, driverA.ID, asDriver.Offers[0].DriverID)

	_, err = f.svc.GetRide(ctx, rider, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRidesScopesNonAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	other := domain.Actor{ID: uuid.New()}
	admin := domain.Actor{ID: uuid.New(), Admin: true}
	_, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	_, err = f.svc.CreateRide(ctx, "", other, manhattanRide())
	require.NoError(t, err)

	mine, err := f.svc.ListRides(ctx, rider, domain.RideFilter{}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, rider.ID, mine[0].RiderID)

	_, err = f.svc.ListRides(ctx, rider, domain.RideFilter{RiderID: &other.ID}, domain.Page{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	all, err := f.svc.ListRides(ctx, admin, domain.RideFilter{}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestListAvailableRidesSkipsOfferedAndOwn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driver := domain.Actor{ID: uuid.New(), Driver: true}
	first, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	second, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	_, err = f.svc.CreateRide(ctx, "", driver, manhattanRide())
	require.NoError(t, err)

	_, err = f.svc.CreateOffer(ctx, driver, first.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)

	open, err := f.svc.ListAvailableRides(ctx, driver)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, second.ID, open[0].ID)
}

func TestDeclineAndWithdrawOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driverA := domain.Actor{ID: uuid.New(), Driver: true}
	driverB := domain.Actor{ID: uuid.New(), Driver: true}
	aConn := connect(f.hub, driverA)
	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)
	offerA, err := f.svc.CreateOffer(ctx, driverA, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	offerB, err := f.svc.CreateOffer(ctx, driverB, ride.ID, service.CreateOfferRequest{Fare: 17})
	require.NoError(t, err)
	drain(t, aConn)

	declined, err := f.svc.DeclineOffer(ctx, rider, offerA.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferRejected, declined.Status)
	require.Len(t, events(drain(t, aConn), domain.EventOfferDeclined), 1)
	require.NotContains(t, f.hub.Members(domain.RideGroup(ride.ID)), aConn.ID)

	_, err = f.svc.WithdrawOffer(ctx, driverA, offerB.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	withdrawn, err := f.svc.WithdrawOffer(ctx, driverB, offerB.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferRejected, withdrawn.Status)

	current, err := f.store.GetRideByID(ctx, ride.ID)
	require.NoError(t, err)
	require.True(t, current.Status.Open())
}

func TestGatekeeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	driver := domain.Actor{ID: uuid.New(), Driver: true}
	stranger := domain.Actor{ID: uuid.New()}
	ride, err := f.svc.CreateRide(ctx, "", rider, manhattanRide())
	require.NoError(t, err)

	require.NoError(t, f.svc.CanJoinRide(ctx, rider, ride.ID))
	require.ErrorIs(t, f.svc.CanJoinRide(ctx, driver, ride.ID), domain.ErrUnauthorized)
	require.NoError(t, f.svc.CanJoinRide(ctx, domain.Actor{ID: uuid.New(), Admin: true}, ride.ID))

	offer, err := f.svc.CreateOffer(ctx, driver, ride.ID, service.CreateOfferRequest{Fare: 18})
	require.NoError(t, err)
	require.NoError(t, f.svc.CanJoinRide(ctx, driver, ride.ID))

	require.NoError(t, f.svc.CanWatchDriver(ctx, driver, driver.ID))
	require.ErrorIs(t, f.svc.CanWatchDriver(ctx, rider, driver.ID), domain.ErrUnauthorized)
	_, err = f.svc.AcceptOffer(ctx, rider, offer.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CanWatchDriver(ctx, rider, driver.ID))
	require.ErrorIs(t, f.svc.CanWatchDriver(ctx, stranger, driver.ID), domain.ErrUnauthorized)

	riderConn := connect(f.hub, rider)
	require.NoError(t, f.hub.Join(riderConn.ID, domain.DriverGroup(driver.ID)))
	require.NoError(t, f.svc.UpdateLocation(ctx, driver, domain.GeoPoint{Lat: 40.72, Lng: -74.0}))
	require.Len(t, events(drain(t, riderConn), domain.EventLocationUpdated), 1)
}

func TestLocationAndAvailabilityRequireDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := domain.Actor{ID: uuid.New()}
	admin := domain.Actor{ID: uuid.New(), Admin: true}
	point := domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}

	require.ErrorIs(t, f.svc.UpdateLocation(ctx, rider, point), domain.ErrUnauthorized)
	require.ErrorIs(t, f.svc.UpdateLocation(ctx, admin, point), domain.ErrUnauthorized)
	require.ErrorIs(t, f.svc.SetAvailability(ctx, rider, true), domain.ErrUnauthorized)

	nearby, err := f.tracker.Nearby(ctx, point, 5, 10)
	require.NoError(t, err)
	require.Empty(t, nearby)
	available, err := f.tracker.AvailableDrivers(ctx)
	require.NoError(t, err)
	require.Empty(t, available)

	driver := domain.Actor{ID: uuid.New(), Driver: true}
	require.NoError(t, f.svc.UpdateLocation(ctx, driver, point))
	nearby, err = f.tracker.Nearby(ctx, point, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{driver.ID}, nearby)
}
