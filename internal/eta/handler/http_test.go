package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/eta/handler"
	etasvc "github.com/example/ridebid/internal/eta/service"
	"github.com/example/ridebid/internal/location"
)

func TestEstimateEndpoint(t *testing.T) {
	r := chi.NewRouter()
	handler.New(etasvc.New(location.NewMemoryStore()), nil).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/eta?pickup_lat=40.7128&pickup_lng=-74.0060&dropoff_lat=40.7589&dropoff_lng=-73.9851", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Greater(t, body["trip_eta_sec"].(float64), 0.0)
	require.NotContains(t, body, "driver_id")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/eta?pickup_lat=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
