package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/repository"
	"github.com/ahlgreen/fieldroute/internal/service"
)

// RouteHandler handles route read, revision and lifecycle HTTP requests.
type RouteHandler struct {
	routes    *repository.RouteRepository
	upsertSvc *service.UpsertService
}

// NewRouteHandler creates a new route handler.
func NewRouteHandler(routes *repository.RouteRepository, upsertSvc *service.UpsertService) *RouteHandler {
	return &RouteHandler{routes: routes, upsertSvc: upsertSvc}
}

// GetRoute handles GET /api/v1/routes/{id}
func (h *RouteHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	route, err := h.routes.GetRoute(r.Context(), routeID)
	if err != nil {
		if errors.Is(err, repository.ErrRouteNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Route not found.",
			})
			return
		}
		log.Printf("[handler] get route error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, route)
}

// replaceStopsRequest is the body for PUT /routes/{id}/stops: the complete
// desired stop list in final visit order.
type replaceStopsRequest struct {
	Stops []service.StopEdit `json:"stops"`
}

// ReplaceStops handles PUT /api/v1/routes/{id}/stops
//
// Makes the submitted list the route's complete stop list. Locations held
// by other routes are stolen and those routes repaired; locations dropped
// here revert to open unless another route still holds them.
//
// Response codes:
//
//	200 — Route updated (returns the refreshed route)
//	400 — Malformed body
//	404 — Route or a referenced location not found
//	409 — Route is fixed
func (h *RouteHandler) ReplaceStops(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var body replaceStopsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	updated, err := h.upsertSvc.ReplaceStops(r.Context(), routeID, body.Stops)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRouteNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Route not found.",
			})
		case errors.Is(err, service.ErrLocationNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "A referenced service location does not exist.",
			})
		case errors.Is(err, service.ErrRouteFixed):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "route_fixed",
				"message": "The route is fixed and its stops cannot be changed.",
			})
		default:
			log.Printf("[handler] replace stops error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// setStatusRequest is the body for POST /routes/{id}/status.
type setStatusRequest struct {
	Status model.RouteStatus `json:"status"`
}

// SetStatus handles POST /api/v1/routes/{id}/status
//
// Moves the route through its lifecycle: temp → fixed → started → completed.
func (h *RouteHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var body setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid status: expected temp, fixed, started or completed",
		})
		return
	}

	if err := h.upsertSvc.SetRouteStatus(r.Context(), routeID, body.Status); err != nil {
		if errors.Is(err, service.ErrRouteNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Route not found.",
			})
			return
		}
		log.Printf("[handler] set route status error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}
