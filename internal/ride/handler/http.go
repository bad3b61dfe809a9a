package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/auth"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/service"
)

// HTTP exposes ride negotiation endpoints.
type HTTP struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger.Named("http")}
}

// Router builds the chi router. Every /v1 route requires a bearer token
// signed with secret; ws, when set, is mounted at /ws and authenticates itself.
func (h *HTTP) Router(secret string, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if ws != nil {
		r.Handle("/ws", ws)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(secret))
		h.Routes(r)
	})
	return r
}

// Routes registers the /v1 endpoints on r. Callers must install auth.Middleware.
func (h *HTTP) Routes(r chi.Router) {
	r.With(requireRole(auth.RoleRider, auth.RoleAdmin)).Post("/v1/rides", h.createRide)
	r.Get("/v1/rides", h.listRides)
	r.Get("/v1/rides/{id}", h.getRide)
	r.Post("/v1/rides/{id}/status", h.updateStatus)
	r.Post("/v1/offers/{id}/accept", h.acceptOffer)
	r.Post("/v1/offers/{id}/decline", h.declineOffer)

	r.Group(func(r chi.Router) {
		r.Use(requireRole(auth.RoleDriver, auth.RoleAdmin))
		r.Get("/v1/rides/available", h.availableRides)
		r.Post("/v1/rides/{id}/offers", h.createOffer)
		r.Post("/v1/offers/{id}/withdraw", h.withdrawOffer)
		r.Post("/v1/drivers/availability", h.setAvailability)
	})
}

type createRideRequest struct {
	Pickup        domain.Place         `json:"pickup"`
	Dropoff       domain.Place         `json:"dropoff"`
	OfferedFare   float64              `json:"offered_fare"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Notes         string               `json:"notes"`
}

func (h *HTTP) createRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var payload createRideRequest
	if !decode(w, r, &payload) {
		return
	}
	view, err := h.svc.CreateRide(r.Context(), r.Header.Get("Idempotency-Key"), actor, service.CreateRideRequest{
		Pickup:        payload.Pickup,
		Dropoff:       payload.Dropoff,
		OfferedFare:   payload.OfferedFare,
		PaymentMethod: payload.PaymentMethod,
		Notes:         payload.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetRide(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) listRides(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var filter domain.RideFilter
	for _, key := range []string{"rider_id", "driver_id"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, domain.KindInvalidInput, "invalid "+key)
			return
		}
		if key == "rider_id" {
			filter.RiderID = &id
		} else {
			filter.DriverID = &id
		}
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.RideStatus(strings.TrimSpace(s)))
		}
	}
	page := domain.Page{Number: atoi(q.Get("page")), Size: atoi(q.Get("page_size"))}

	views, err := h.svc.ListRides(r.Context(), actor, filter, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *HTTP) availableRides(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	views, err := h.svc.ListAvailableRides(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type createOfferRequest struct {
	Fare       float64 `json:"fare"`
	ETAMinutes *int    `json:"eta_minutes"`
	Message    string  `json:"message"`
}

func (h *HTTP) createOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	rideID, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload createOfferRequest
	if !decode(w, r, &payload) {
		return
	}
	view, err := h.svc.CreateOffer(r.Context(), actor, rideID, service.CreateOfferRequest{
		Fare:       payload.Fare,
		ETAMinutes: payload.ETAMinutes,
		Message:    payload.Message,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *HTTP) acceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	offerID, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.AcceptOffer(r.Context(), actor, offerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) declineOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	offerID, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.DeclineOffer(r.Context(), actor, offerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) withdrawOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	offerID, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.WithdrawOffer(r.Context(), actor, offerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type statusRequest struct {
	Status domain.RideStatus `json:"status"`
	Reason string            `json:"reason"`
}

func (h *HTTP) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	rideID, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload statusRequest
	if !decode(w, r, &payload) {
		return
	}
	view, err := h.svc.UpdateStatus(r.Context(), actor, rideID, payload.Status, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) setAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var payload struct {
		Available bool `json:"available"`
	}
	if !decode(w, r, &payload) {
		return
	}
	if err := h.svc.SetAvailability(r.Context(), actor, payload.Available); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusFor maps a domain error kind to its HTTP status code.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindRideNotAvailable, domain.KindInvalidTransition, domain.KindDuplicateOffer, domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		status := StatusFor(de.Kind)
		if status != http.StatusInternalServerError {
			writeProblem(w, status, de.Kind, de.Message)
			return
		}
	}
	h.logger.Error("request failed", zap.Error(err))
	writeProblem(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeProblem(w http.ResponseWriter, status int, kind domain.Kind, message string) {
	writeJSON(w, status, map[string]string{"error": string(kind), "message": message})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if ok {
				for _, role := range roles {
					if claims.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeProblem(w, http.StatusForbidden, domain.KindUnauthorized, "role not permitted")
		})
	}
}

func actorOf(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, auth.ErrMissingToken.Error(), http.StatusUnauthorized)
	}
	return actor, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, domain.KindInvalidInput, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, domain.KindInvalidInput, err.Error())
		return false
	}
	return true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
