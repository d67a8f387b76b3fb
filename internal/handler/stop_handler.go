package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/service"
)

// StopHandler handles stop arrival and departure HTTP requests.
type StopHandler struct {
	statsSvc *service.StatsService
}

// NewStopHandler creates a new stop handler.
func NewStopHandler(statsSvc *service.StatsService) *StopHandler {
	return &StopHandler{statsSvc: statsSvc}
}

// stopEventRequest is the body for arrive/depart events. The timestamp is
// optional and defaults to now; outcome only applies to departures.
type stopEventRequest struct {
	At      *time.Time           `json:"at,omitempty"`
	Outcome model.LocationStatus `json:"outcome,omitempty"` // done | not_visited
}

// Arrive handles POST /api/v1/stops/{id}/arrive
//
// Stamps the driver's actual arrival at a stop.
func (h *StopHandler) Arrive(w http.ResponseWriter, r *http.Request) {
	stopID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	body, ok := decodeStopEvent(w, r)
	if !ok {
		return
	}

	if err := h.statsSvc.Arrive(r.Context(), stopID, eventTime(body)); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Route stop not found.",
			})
			return
		}
		log.Printf("[handler] arrive error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "arrived"})
}

// Depart handles POST /api/v1/stops/{id}/depart
//
// Stamps the departure, records the visit outcome on the location and feeds
// the observed leg into travel-time learning. The response always reflects
// the committed stop update; stats_recorded tells whether a learning sample
// was taken, with a reason when it was not.
func (h *StopHandler) Depart(w http.ResponseWriter, r *http.Request) {
	stopID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	body, ok := decodeStopEvent(w, r)
	if !ok {
		return
	}

	outcome := body.Outcome
	if outcome == "" {
		outcome = model.LocationDone
	}
	if !outcome.VisitOutcome() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid outcome: expected done or not_visited",
		})
		return
	}

	result, err := h.statsSvc.Depart(r.Context(), stopID, eventTime(body), outcome)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Route stop not found.",
			})
			return
		}
		log.Printf("[handler] depart error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodeStopEvent parses the optional event body. An empty body is valid.
func decodeStopEvent(w http.ResponseWriter, r *http.Request) (stopEventRequest, bool) {
	var body stopEventRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON body",
			})
			return body, false
		}
	}
	return body, true
}

// eventTime resolves the explicit event timestamp, zero meaning "now" to
// the service layer.
func eventTime(body stopEventRequest) time.Time {
	if body.At != nil {
		return *body.At
	}
	return time.Time{}
}
