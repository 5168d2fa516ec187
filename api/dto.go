/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the engine's domain model from the external API contract.
  Dates travel as "2006-01-02" strings, monetary values as decimal
  strings, so clients never see floating-point money.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Shape validation happens in handlers; domain validation belongs to
  the engine and comes back as typed errors.
*/
package api

import (
	"github.com/warp/ledger-engine/engine"
)

// =============================================================================
// RESOURCES
// =============================================================================

// ResourceDTO represents a resource in API responses.
type ResourceDTO struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	Quantity         int64  `json:"quantity,omitempty"`
	MinimumThreshold int64  `json:"minimum_threshold,omitempty"`
	Status           string `json:"status,omitempty"`
	UnitValue        string `json:"unit_value"`
	Retired          bool   `json:"retired"`
	CreatedAt        string `json:"created_at,omitempty"`
}

// CreateResourceRequest is the request to register a resource.
type CreateResourceRequest struct {
	ID               string `json:"id,omitempty"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	Quantity         int64  `json:"quantity,omitempty"`
	MinimumThreshold int64  `json:"minimum_threshold,omitempty"`
	UnitValue        string `json:"unit_value,omitempty"`
}

func toResourceDTO(r engine.Resource) ResourceDTO {
	return ResourceDTO{
		ID:               string(r.ID),
		Kind:             string(r.Kind),
		Name:             r.Name,
		Quantity:         r.Quantity,
		MinimumThreshold: r.MinimumThreshold,
		Status:           string(r.Status),
		UnitValue:        r.UnitValue.String(),
		Retired:          r.Retired,
		CreatedAt:        r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementDTO represents a ledger movement in API responses.
type MovementDTO struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Direction  string `json:"direction"`
	Amount     int64  `json:"amount"`
	UnitValue  string `json:"unit_value"`
	Timestamp  string `json:"timestamp"`
	Reference  string `json:"reference,omitempty"`
}

// RecordMovementRequest is the request to record a stock movement.
type RecordMovementRequest struct {
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func toMovementDTO(m engine.Movement) MovementDTO {
	return MovementDTO{
		ID:         string(m.ID),
		ResourceID: string(m.ResourceID),
		Direction:  string(m.Direction),
		Amount:     m.Amount,
		UnitValue:  m.UnitValue.String(),
		Timestamp:  m.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		Reference:  m.Reference,
	}
}

// =============================================================================
// LOANS
// =============================================================================

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	HolderID   string `json:"holder_id"`
	StartDate  string `json:"start_date"`
	DueDate    string `json:"due_date"`
	ReturnDate string `json:"return_date,omitempty"`
	FeeAccrued string `json:"fee_accrued"`
	Status     string `json:"status"`
}

// OpenLoanRequest is the request to check a resource out.
type OpenLoanRequest struct {
	ResourceID string `json:"resource_id"`
	HolderID   string `json:"holder_id"`
	DueDate    string `json:"due_date"`
}

// CloseLoanRequest is the request to return a loan. ReturnDate defaults
// to today; DailyRate defaults to the server's configured rate.
type CloseLoanRequest struct {
	ReturnDate string `json:"return_date,omitempty"`
	DailyRate  string `json:"daily_rate,omitempty"`
}

// CloseLoanResponse reports the settled fee.
type CloseLoanResponse struct {
	LoanID     string `json:"loan_id"`
	FeeAccrued string `json:"fee_accrued"`
}

func toLoanDTO(l engine.Loan) LoanDTO {
	dto := LoanDTO{
		ID:         string(l.ID),
		ResourceID: string(l.ResourceID),
		HolderID:   string(l.HolderID),
		StartDate:  l.StartDate.String(),
		DueDate:    l.DueDate.String(),
		FeeAccrued: l.FeeAccrued.String(),
		Status:     string(l.Status),
	}
	if l.ReturnDate != nil {
		dto.ReturnDate = l.ReturnDate.String()
	}
	return dto
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationDTO represents a reservation in API responses.
type ReservationDTO struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resource_id"`
	HolderID    string `json:"holder_id"`
	RequestedAt string `json:"requested_at"`
	Status      string `json:"status"`
}

// OpenReservationRequest queues a holder for an in-use resource.
type OpenReservationRequest struct {
	ResourceID string `json:"resource_id"`
	HolderID   string `json:"holder_id"`
}

func toReservationDTO(r engine.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:          string(r.ID),
		ResourceID:  string(r.ResourceID),
		HolderID:    string(r.HolderID),
		RequestedAt: r.RequestedAt.Format("2006-01-02T15:04:05Z07:00"),
		Status:      string(r.Status),
	}
}

// =============================================================================
// MAINTENANCE / AUDIT
// =============================================================================

// MaintenanceRequest carries the reason for an administrative
// transition (maintenance, restore, retire).
type MaintenanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StatusChangeDTO represents an audited status transition.
type StatusChangeDTO struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func toStatusChangeDTO(sc engine.StatusChange) StatusChangeDTO {
	return StatusChangeDTO{
		ID:         sc.ID,
		ResourceID: string(sc.ResourceID),
		From:       string(sc.From),
		To:         string(sc.To),
		Reason:     sc.Reason,
		Timestamp:  sc.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// =============================================================================
// REPORTS
// =============================================================================

// OverdueEntryDTO pairs an overdue loan with its resource.
type OverdueEntryDTO struct {
	Loan     LoanDTO     `json:"loan"`
	Resource ResourceDTO `json:"resource"`
}

// SummaryDTO is the dashboard roll-up.
type SummaryDTO struct {
	ResourceCount int    `json:"resource_count"`
	TotalValue    string `json:"total_value"`
	LowStockCount int    `json:"low_stock_count"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}
