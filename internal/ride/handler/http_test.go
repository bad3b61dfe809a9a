package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/auth"
	"github.com/example/ridebid/internal/fare"
	"github.com/example/ridebid/internal/location"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/handler"
	"github.com/example/ridebid/internal/ride/repository"
	"github.com/example/ridebid/internal/ride/service"
)

const secret = "handler-secret"

type user struct {
	id    uuid.UUID
	token string
}

func newUser(t *testing.T, role string) user {
	t.Helper()
	id := uuid.New()
	token, err := auth.IssueToken(secret, id, role, time.Hour)
	require.NoError(t, err)
	return user{id: id, token: token}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	tracker := location.NewTracker(location.NewMemoryStore(), nil, nil, nil)
	svc := service.New(service.Deps{
		Store:       repository.NewMemoryRepository(),
		Notifier:    repository.NewMemoryNotifier(nil),
		Fares:       fare.NewSuggester(nil, fare.DefaultFallback, 0, nil),
		Drivers:     tracker,
		Locations:   tracker,
		Idempotency: repository.NewMemoryIdempotencyRepo(),
	})
	srv := httptest.NewServer(handler.NewHTTP(svc, nil).Router(secret, nil))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, u user, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func rideBody() map[string]any {
	return map[string]any{
		"pickup":         map[string]any{"point": map[string]float64{"lat": 40.7128, "lng": -74.0060}, "address": "Lower Manhattan"},
		"dropoff":        map[string]any{"point": map[string]float64{"lat": 40.7589, "lng": -73.9851}, "address": "Times Square"},
		"offered_fare":   15,
		"payment_method": "cash",
	}
}

func TestNegotiationOverHTTP(t *testing.T) {
	srv := newServer(t)
	rider := newUser(t, auth.RoleRider)
	driverA := newUser(t, auth.RoleDriver)
	driverB := newUser(t, auth.RoleDriver)

	var ride service.RideView
	require.Equal(t, http.StatusCreated, call(t, srv, rider, http.MethodPost, "/v1/rides", rideBody(), &ride))
	require.Equal(t, domain.StatusRequested, ride.Status)
	require.NotNil(t, ride.SuggestedFare)

	var available []service.RideView
	require.Equal(t, http.StatusOK, call(t, srv, driverA, http.MethodGet, "/v1/rides/available", nil, &available))
	require.Len(t, available, 1)

	var offerA, offerB service.OfferView
	require.Equal(t, http.StatusCreated, call(t, srv, driverA, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/offers", map[string]any{"fare": 18}, &offerA))
	require.Equal(t, http.StatusCreated, call(t, srv, driverB, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/offers", map[string]any{"fare": 16}, &offerB))

	var problem map[string]string
	require.Equal(t, http.StatusConflict, call(t, srv, driverA, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/offers", map[string]any{"fare": 17}, &problem))
	require.Equal(t, string(domain.KindDuplicateOffer), problem["error"])

	require.Equal(t, http.StatusForbidden, call(t, srv, driverA, http.MethodPost, "/v1/offers/"+offerA.ID.String()+"/accept", nil, &problem))
	require.Equal(t, string(domain.KindUnauthorized), problem["error"])

	var accepted service.RideView
	require.Equal(t, http.StatusOK, call(t, srv, rider, http.MethodPost, "/v1/offers/"+offerA.ID.String()+"/accept", nil, &accepted))
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.Equal(t, 18.0, *accepted.FinalFare)

	require.Equal(t, http.StatusConflict, call(t, srv, rider, http.MethodPost, "/v1/offers/"+offerB.ID.String()+"/accept", nil, &problem))
	require.Equal(t, string(domain.KindRideNotAvailable), problem["error"])

	var started service.RideView
	require.Equal(t, http.StatusOK, call(t, srv, driverA, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/status", map[string]string{"status": "started"}, &started))
	require.Equal(t, domain.StatusStarted, started.Status)

	var cancelled service.RideView
	require.Equal(t, http.StatusOK, call(t, srv, rider, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/status", map[string]string{"status": "cancelled", "reason": "late"}, &cancelled))
	require.Nil(t, cancelled.DriverID)
	require.Nil(t, cancelled.FinalFare)

	require.Equal(t, http.StatusConflict, call(t, srv, driverA, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/status", map[string]string{"status": "completed"}, &problem))
	require.Equal(t, string(domain.KindInvalidTransition), problem["error"])
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := newServer(t)
	rider := newUser(t, auth.RoleRider)
	driver := newUser(t, auth.RoleDriver)

	require.Equal(t, http.StatusUnauthorized, call(t, srv, user{}, http.MethodGet, "/v1/rides", nil, nil))

	var problem map[string]string
	require.Equal(t, http.StatusNotFound, call(t, srv, rider, http.MethodGet, "/v1/rides/"+uuid.NewString(), nil, &problem))
	require.Equal(t, string(domain.KindNotFound), problem["error"])

	require.Equal(t, http.StatusBadRequest, call(t, srv, rider, http.MethodGet, "/v1/rides/not-a-uuid", nil, &problem))

	body := rideBody()
	body["offered_fare"] = -1
	require.Equal(t, http.StatusBadRequest, call(t, srv, rider, http.MethodPost, "/v1/rides", body, &problem))
	require.Equal(t, string(domain.KindInvalidInput), problem["error"])

	require.Equal(t, http.StatusForbidden, call(t, srv, rider, http.MethodGet, "/v1/rides/available", nil, &problem))
	require.Equal(t, http.StatusNoContent, call(t, srv, driver, http.MethodPost, "/v1/drivers/availability", map[string]bool{"available": true}, nil))
	require.Equal(t, http.StatusForbidden, call(t, srv, newUser(t, auth.RoleAdmin), http.MethodPost, "/v1/drivers/availability", map[string]bool{"available": true}, &problem))
	require.Equal(t, http.StatusForbidden, call(t, srv, driver, http.MethodPost, "/v1/rides", rideBody(), &problem))
	require.Equal(t, http.StatusForbidden, call(t, srv, rider, http.MethodGet, "/v1/rides?rider_id="+driver.id.String(), nil, &problem))
}

func TestIdempotencyKeyHeader(t *testing.T) {
	srv := newServer(t)
	rider := newUser(t, auth.RoleRider)

	post := func() service.RideView {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(rideBody()))
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/rides", &buf)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+rider.token)
		req.Header.Set("Idempotency-Key", "abc")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var view service.RideView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		return view
	}
	require.Equal(t, post().ID, post().ID)

	var rides []service.RideView
	require.Equal(t, http.StatusOK, call(t, srv, rider, http.MethodGet, "/v1/rides", nil, &rides))
	require.Len(t, rides, 1)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusConflict, handler.StatusFor(domain.KindConflict))
	require.Equal(t, http.StatusConflict, handler.StatusFor(domain.KindDuplicateOffer))
	require.Equal(t, http.StatusForbidden, handler.StatusFor(domain.KindUnauthorized))
	require.Equal(t, http.StatusInternalServerError, handler.StatusFor(domain.KindOf(errors.New("boom"))))
}
