package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	etasvc "github.com/example/ridebid/internal/eta/service"
	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/ride/domain"
)

// HTTP exposes the /v1/eta endpoint.
type HTTP struct {
	svc    *etasvc.Service
	logger *zap.Logger
}

// New creates the handler.
func New(svc *etasvc.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger}
}

// Routes registers the ETA endpoint on r.
func (h *HTTP) Routes(r chi.Router) {
	r.Get("/v1/eta", h.estimate)
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	pickup, ok1 := parsePoint(r, "pickup")
	dropoff, ok2 := parsePoint(r, "dropoff")
	if !ok1 || !ok2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(domain.KindInvalidInput), "message": "pickup and dropoff coordinates are required"})
		return
	}
	resp := map[string]any{
		"trip_eta_sec": h.svc.EstimateTripETA(r.Context(), pickup, dropoff).Seconds(),
	}
	driverETA, driverID, err := h.svc.EstimateDriverETA(r.Context(), pickup)
	if err != nil {
		h.logger.Warn("driver eta failed", zap.Error(err))
	}
	if driverID != nil {
		resp["driver_id"] = driverID.String()
		resp["driver_eta_sec"] = driverETA.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePoint(r *http.Request, prefix string) (domain.GeoPoint, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get(prefix+"_lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get(prefix+"_lng"), 64)
	p := domain.GeoPoint{Lat: lat, Lng: lng}
	return p, err1 == nil && err2 == nil && geo.Valid(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
