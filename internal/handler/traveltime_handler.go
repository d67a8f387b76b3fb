package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/service"
)

// TravelTimeHandler handles learned travel-time review and gating requests.
type TravelTimeHandler struct {
	gateSvc *service.GateService
}

// NewTravelTimeHandler creates a new travel-time handler.
func NewTravelTimeHandler(gateSvc *service.GateService) *TravelTimeHandler {
	return &TravelTimeHandler{gateSvc: gateSvc}
}

// ListStats handles GET /api/v1/traveltime/stats
//
// Returns every learned row annotated with its quality flags.
func (h *TravelTimeHandler) ListStats(w http.ResponseWriter, r *http.Request) {
	diags, err := h.gateSvc.ListDiagnostics(r.Context())
	if err != nil {
		log.Printf("[handler] list stats error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}
	writeJSON(w, http.StatusOK, diags)
}

// statDetailResponse is the response for GET /traveltime/stats/{id}.
type statDetailResponse struct {
	model.StatDiagnostics
	Contributors []model.LearnedTravelStatContributor `json:"contributors"`
}

// GetStat handles GET /api/v1/traveltime/stats/{id}
//
// Returns one annotated row together with its top contributing drivers.
func (h *TravelTimeHandler) GetStat(w http.ResponseWriter, r *http.Request) {
	statID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	diag, contributors, err := h.gateSvc.GetDiagnostics(r.Context(), statID)
	if err != nil {
		h.writeStatError(w, err, "get stat")
		return
	}

	writeJSON(w, http.StatusOK, statDetailResponse{
		StatDiagnostics: *diag,
		Contributors:    contributors,
	})
}

// approveRequest is the body for POST /traveltime/stats/{id}/approve.
type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// Approve handles POST /api/v1/traveltime/stats/{id}/approve
//
// Marks a learned row usable by estimation.
func (h *TravelTimeHandler) Approve(w http.ResponseWriter, r *http.Request) {
	statID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ApprovedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "approved_by is required",
		})
		return
	}

	if err := h.gateSvc.Approve(r.Context(), statID, body.ApprovedBy); err != nil {
		h.writeStatError(w, err, "approve stat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// Revert handles POST /api/v1/traveltime/stats/{id}/revert
//
// Puts an approved row back into draft without touching its rolling state.
func (h *TravelTimeHandler) Revert(w http.ResponseWriter, r *http.Request) {
	statID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.gateSvc.Revert(r.Context(), statID); err != nil {
		h.writeStatError(w, err, "revert stat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "draft"})
}

// Reset handles POST /api/v1/traveltime/stats/{id}/reset
//
// Wipes a row's rolling state and contributors, restarting it as an empty
// draft.
func (h *TravelTimeHandler) Reset(w http.ResponseWriter, r *http.Request) {
	statID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.gateSvc.Reset(r.Context(), statID); err != nil {
		h.writeStatError(w, err, "reset stat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeStatError maps gate errors onto the response.
func (h *TravelTimeHandler) writeStatError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, service.ErrStatNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "Learned travel stat not found.",
		})
		return
	}
	log.Printf("[handler] %s error: %v", op, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal_error",
	})
}
