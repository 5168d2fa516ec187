/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the ledger engine via REST. Handles HTTP request/response and
  JSON serialization, then delegates to the engine and projector. This
  layer translates the engine's typed errors into status codes; the
  engine itself never formats user-facing text.

ENDPOINTS:
  Resources:
    GET    /api/resources                    List resources
    POST   /api/resources                    Create resource
    GET    /api/resources/{id}               Get resource
    DELETE /api/resources/{id}               Retire resource
    POST   /api/resources/{id}/movements     Record movement
    GET    /api/resources/{id}/movements     Movement history
    GET    /api/resources/{id}/history       Status-change audit trail
    POST   /api/resources/{id}/maintenance   Mark unavailable
    POST   /api/resources/{id}/restore       Restore to available

  Loans:
    GET    /api/loans                        List loans
    POST   /api/loans                        Open loan
    POST   /api/loans/{id}/return            Close loan

  Reservations:
    POST   /api/reservations                 Open reservation
    POST   /api/reservations/{id}/cancel     Cancel reservation

  Reports:
    GET    /api/reports/overdue              Overdue loans
    GET    /api/reports/low-stock            Low-stock resources
    GET    /api/reports/summary              Inventory summary

ERROR HANDLING:
  - 400: Domain rule rejections and malformed input
  - 404: Unknown resource/loan/reservation
  - 409: Conflicts (already closed/resolved/exists) and Busy, which is
         marked retryable in the response body
  - 500: Storage failures (the operation was rolled back)

SECURITY NOTE:
  Authentication is an opaque gate upstream of this service; no auth
  middleware here.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *engine.LedgerEngine
	Projector *engine.Projector
	Store     engine.Store
	Clock     engine.Clock

	// DailyRate is the default late-fee rate applied when a close
	// request doesn't carry one.
	DailyRate decimal.Decimal
}

// NewHandler creates a handler over the engine and its store.
func NewHandler(eng *engine.LedgerEngine, store engine.Store, clock engine.Clock, dailyRate decimal.Decimal) *Handler {
	return &Handler{
		Engine:    eng,
		Projector: engine.NewProjector(store),
		Store:     store,
		Clock:     clock,
		DailyRate: dailyRate,
	}
}

// =============================================================================
// RESOURCES
// =============================================================================

func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.Store.ListResources(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]ResourceDTO, 0, len(resources))
	for _, res := range resources {
		dtos = append(dtos, toResourceDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	unitValue := decimal.Zero
	if req.UnitValue != "" {
		var err error
		unitValue, err = decimal.NewFromString(req.UnitValue)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unit_value")
			return
		}
	}

	created, err := h.Engine.CreateResource(r.Context(), engine.Resource{
		ID:               engine.ResourceID(req.ID),
		Kind:             engine.Kind(req.Kind),
		Name:             req.Name,
		Quantity:         req.Quantity,
		MinimumThreshold: req.MinimumThreshold,
		UnitValue:        unitValue,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResourceDTO(created))
}

func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	res, err := h.Store.GetResource(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResourceDTO(res))
}

func (h *Handler) RetireResource(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	req := decodeMaintenance(r)
	if err := h.Engine.RetireResource(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))

	var req RecordMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	direction := engine.Direction(req.Direction)
	if direction != engine.DirectionIn && direction != engine.DirectionOut {
		writeError(w, http.StatusBadRequest, "direction must be 'in' or 'out'")
		return
	}

	movementID, err := h.Engine.RecordMovement(r.Context(), id, direction, req.Amount, req.Reference)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"movement_id": string(movementID)})
}

func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	movements, err := h.Store.MovementsByResource(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListStatusChanges(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	changes, err := h.Store.StatusChangesByResource(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]StatusChangeDTO, 0, len(changes))
	for _, sc := range changes {
		dtos = append(dtos, toStatusChangeDTO(sc))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) MarkUnavailable(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	req := decodeMaintenance(r)
	if err := h.Engine.MarkUnavailable(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RestoreResource(w http.ResponseWriter, r *http.Request) {
	id := engine.ResourceID(chi.URLParam(r, "id"))
	req := decodeMaintenance(r)
	if err := h.Engine.Restore(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LOANS
// =============================================================================

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Store.ListLoans(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]LoanDTO, 0, len(loans))
	for _, l := range loans {
		dtos = append(dtos, toLoanDTO(l))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) OpenLoan(w http.ResponseWriter, r *http.Request) {
	var req OpenLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResourceID == "" || req.HolderID == "" {
		writeError(w, http.StatusBadRequest, "resource_id and holder_id are required")
		return
	}
	dueDate, err := engine.ParseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
		return
	}

	loan, err := h.Engine.OpenLoan(r.Context(),
		engine.ResourceID(req.ResourceID), engine.HolderID(req.HolderID), dueDate)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

func (h *Handler) CloseLoan(w http.ResponseWriter, r *http.Request) {
	id := engine.LoanID(chi.URLParam(r, "id"))

	var req CloseLoanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	returnDate := h.Clock.Today()
	if req.ReturnDate != "" {
		var err error
		returnDate, err = engine.ParseDate(req.ReturnDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "return_date must be YYYY-MM-DD")
			return
		}
	}

	rate := h.DailyRate
	if req.DailyRate != "" {
		var err error
		rate, err = decimal.NewFromString(req.DailyRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid daily_rate")
			return
		}
	}

	fee, err := h.Engine.CloseLoan(r.Context(), id, returnDate, rate)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseLoanResponse{
		LoanID:     string(id),
		FeeAccrued: fee.String(),
	})
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (h *Handler) OpenReservation(w http.ResponseWriter, r *http.Request) {
	var req OpenReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResourceID == "" || req.HolderID == "" {
		writeError(w, http.StatusBadRequest, "resource_id and holder_id are required")
		return
	}

	res, err := h.Engine.OpenReservation(r.Context(),
		engine.ResourceID(req.ResourceID), engine.HolderID(req.HolderID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := engine.ReservationID(chi.URLParam(r, "id"))
	if err := h.Engine.CancelReservation(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REPORTS
// =============================================================================

func (h *Handler) OverdueReport(w http.ResponseWriter, r *http.Request) {
	today := h.Clock.Today()
	if asOf := r.URL.Query().Get("as_of"); asOf != "" {
		var err error
		today, err = engine.ParseDate(asOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
	}

	entries, err := h.Projector.OverdueList(r.Context(), today)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]OverdueEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, OverdueEntryDTO{
			Loan:     toLoanDTO(e.Loan),
			Resource: toResourceDTO(e.Resource),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) LowStockReport(w http.ResponseWriter, r *http.Request) {
	low, err := h.Projector.LowStockList(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]ResourceDTO, 0, len(low))
	for _, res := range low {
		dtos = append(dtos, toResourceDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SummaryReport(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Projector.Summary(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		ResourceCount: summary.ResourceCount,
		TotalValue:    summary.TotalValue.String(),
		LowStockCount: summary.LowStockCount,
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func decodeMaintenance(r *http.Request) MaintenanceRequest {
	var req MaintenanceRequest
	if r.Body != nil && r.ContentLength != 0 {
		json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: "bad_request"})
}

// writeEngineError maps the engine's typed errors onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: "not_found"})
	case engine.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "busy", Retryable: true})
	case errors.Is(err, engine.ErrAlreadyClosed),
		errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "conflict"})
	case engine.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation"})
	default:
		log.Printf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: "internal"})
	}
}
