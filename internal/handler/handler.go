// Package handler contains HTTP request handlers for the route planning API.
package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ahlgreen/fieldroute/internal/service"
)

// PlanHandler handles route generation HTTP requests.
type PlanHandler struct {
	planner *service.PlannerService
}

// NewPlanHandler creates a new handler wired to the planner service.
func NewPlanHandler(planner *service.PlannerService) *PlanHandler {
	return &PlanHandler{planner: planner}
}

// planRequest is the shared body for both plan endpoints. All fields are
// optional on the per-driver endpoint; the batch endpoint requires owner_id.
type planRequest struct {
	OwnerID         int64  `json:"owner_id"`
	Date            string `json:"date"` // YYYY-MM-DD, defaults to today
	MaxStops        int    `json:"max_stops"`
	CapacityMinutes int    `json:"capacity_minutes"`
}

// PlanRoute handles POST /api/v1/routes/plan/{driver_id}
//
// Builds and persists a temp route for one driver from the owner's open
// locations. Returns 200 with the route and consumed location ids, 404 for
// an unknown driver, 409 when the driver's route for the date is fixed, and
// 422 when no candidate fits the capacity.
func (h *PlanHandler) PlanRoute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	driverID, err := strconv.ParseInt(vars["driver_id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid driver_id: must be an integer",
		})
		return
	}

	body, date, ok := decodePlanBody(w, r)
	if !ok {
		return
	}

	result, err := h.planner.BuildRoute(r.Context(), service.PlanRequest{
		DriverID:        driverID,
		OwnerID:         body.OwnerID,
		Date:            date,
		MaxStops:        body.MaxStops,
		CapacityMinutes: body.CapacityMinutes,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDriverNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Driver not found.",
			})
		case errors.Is(err, service.ErrRouteFixed):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "route_fixed",
				"message": "The driver's route for this date is fixed and cannot be regenerated.",
			})
		case errors.Is(err, service.ErrNoFeasibleRoute):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":   "no_feasible_route",
				"message": "No open location fits within the driver's capacity.",
			})
		default:
			log.Printf("[handler] plan error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// PlanAllRoutes handles POST /api/v1/routes/plan
//
// Builds routes for every active driver of the owner over one shared
// candidate pool. Drivers without feasible work appear in the skipped list;
// the call only fails on persistence errors.
func (h *PlanHandler) PlanAllRoutes(w http.ResponseWriter, r *http.Request) {
	body, date, ok := decodePlanBody(w, r)
	if !ok {
		return
	}
	if body.OwnerID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "owner_id is required",
		})
		return
	}

	result, err := h.planner.BuildRoutesForAll(
		r.Context(), body.OwnerID, date, body.MaxStops, body.CapacityMinutes)
	if err != nil {
		log.Printf("[handler] batch plan error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodePlanBody parses the optional plan body and its date. An empty body
// is valid and means "today with defaults". Writes the error response itself
// and returns ok=false on bad input.
func decodePlanBody(w http.ResponseWriter, r *http.Request) (planRequest, time.Time, bool) {
	var body planRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON body",
			})
			return body, time.Time{}, false
		}
	}

	date := time.Now()
	if body.Date != "" {
		parsed, err := time.Parse("2006-01-02", body.Date)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid date: expected YYYY-MM-DD",
			})
			return body, time.Time{}, false
		}
		date = parsed
	}

	return body, date, true
}

// pathID extracts an integer id path variable, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid " + name + ": must be an integer",
		})
		return 0, false
	}
	return id, true
}

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
