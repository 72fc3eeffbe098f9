/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external contract: amounts travel as
  decimal strings, dates as "2006-01-02", timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-engine/carryover"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/timeoff"
)

// =============================================================================
// REQUESTS
// =============================================================================

// SubmitRequest is the body of a draft or a submission. UserID defaults
// to the caller; DraftID submits a saved draft.
type SubmitRequest struct {
	DraftID   string `json:"draft_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	LeaveType string `json:"leave_type"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	HalfDay   bool   `json:"half_day,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision"` // approve | reject
	Comment  string `json:"comment,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DelegationRequest struct {
	DelegateID string    `json:"delegate_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type AssignmentRequest struct {
	UserID    string `json:"user_id"`
	LeaveType string `json:"leave_type"`
	JoinDate  string `json:"join_date,omitempty"` // required when the user is not on the roster
	AsOf      string `json:"as_of,omitempty"`     // defaults to today
}

type AdjustmentRequest struct {
	UserID         string `json:"user_id"`
	LeaveType      string `json:"leave_type"`
	Delta          string `json:"delta"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type YearEndRequest struct {
	LeaveType string `json:"leave_type"`
	Year      int    `json:"year"`
	UserID    string `json:"user_id,omitempty"` // one user instead of the whole leave type
}

type ExpiryRequest struct {
	Year int        `json:"year"`
	AsOf *time.Time `json:"as_of,omitempty"`
}

type AccrualRequest struct {
	LeaveType string `json:"leave_type"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
}

type ArchiveRequest struct {
	Cutoff time.Time `json:"cutoff"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RequestDTO struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	LeaveType       string    `json:"leave_type"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	DayCount        string    `json:"day_count"`
	Reason          string    `json:"reason,omitempty"`
	Status          string    `json:"status"`
	Stage           int       `json:"stage,omitempty"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	CreatedAt       string    `json:"created_at"`
	DecidedAt       string    `json:"decided_at,omitempty"`
	DecidedBy       string    `json:"decided_by,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Tasks           []TaskDTO `json:"tasks,omitempty"`
}

type TaskDTO struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	Stage       int    `json:"stage"`
	ApproverID  string `json:"approver_id"`
	DelegatedTo string `json:"delegated_to,omitempty"`
	Status      string `json:"status"`
	DecidedBy   string `json:"decided_by,omitempty"`
	Comments    string `json:"comments,omitempty"`
}

type DecisionDTO struct {
	Request  RequestDTO `json:"request"`
	Task     TaskDTO    `json:"task"`
	Replayed bool       `json:"replayed"`
}

type BalanceDTO struct {
	UserID      string `json:"user_id"`
	LeaveType   string `json:"leave_type"`
	Balance     string `json:"balance"`
	PendingHold string `json:"pending_hold"`
	Available   string `json:"available"`
	UpdatedAt   string `json:"updated_at"`
}

type EntryDTO struct {
	ID          string `json:"id"`
	Delta       string `json:"delta"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type GrantDTO struct {
	UserID    string    `json:"user_id"`
	LeaveType string    `json:"leave_type"`
	Period    string    `json:"period"`
	Days      string    `json:"days"`
	Entry     *EntryDTO `json:"entry,omitempty"`
	Replayed  bool      `json:"replayed"`
}

type PolicyDTO struct {
	LeaveType        string `json:"leave_type"`
	Name             string `json:"name"`
	AnnualDays       string `json:"annual_days"`
	Frequency        string `json:"frequency"`
	Prorate          string `json:"prorate,omitempty"`
	PeriodType       string `json:"period_type"`
	MaxCarryoverDays string `json:"max_carryover_days"`
	ExpiryMonths     int    `json:"expiry_months,omitempty"`
	AllowEncashment  bool   `json:"allow_encashment"`
}

type CarryoverDTO struct {
	UserID           string `json:"user_id"`
	LeaveType        string `json:"leave_type"`
	Year             int    `json:"year"`
	PreviousBalance  string `json:"previous_balance"`
	CarryoverDays    string `json:"carryover_days"`
	ExpiredDays      string `json:"expired_days"`
	EncashmentAmount string `json:"encashment_amount"`
	NewBalance       string `json:"new_balance"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	ExpiredCarryover bool   `json:"expired_carryover"`
}

// BatchLineDTO is one user's line of a batch report.
type BatchLineDTO struct {
	UserID  string        `json:"user_id"`
	Outcome string        `json:"outcome"`
	Amount  string        `json:"amount,omitempty"`
	Record  *CarryoverDTO `json:"record,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type BatchDTO struct {
	Job     string         `json:"job"`
	Scope   string         `json:"scope"`
	Results []BatchLineDTO `json:"results"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toRequestDTO(r generic.LeaveRequest, tasks []generic.ApprovalTask) RequestDTO {
	dto := RequestDTO{
		ID:              string(r.ID),
		UserID:          string(r.UserID),
		LeaveType:       string(r.LeaveType),
		StartDate:       r.StartDate.String(),
		EndDate:         r.EndDate.String(),
		DayCount:        r.DayCount.Value.String(),
		Reason:          r.Reason,
		Status:          string(r.Status),
		Stage:           r.Stage,
		WorkflowID:      r.WorkflowID,
		CreatedAt:       formatTime(&r.CreatedAt),
		DecidedAt:       formatTime(r.DecidedAt),
		DecidedBy:       string(r.DecidedBy),
		RejectionReason: r.RejectionReason,
	}
	for _, t := range tasks {
		dto.Tasks = append(dto.Tasks, toTaskDTO(t))
	}
	return dto
}

func toTaskDTO(t generic.ApprovalTask) TaskDTO {
	return TaskDTO{
		ID:          string(t.ID),
		RequestID:   string(t.RequestID),
		Stage:       t.Stage,
		ApproverID:  string(t.ApproverID),
		DelegatedTo: string(t.DelegatedTo),
		Status:      string(t.Status),
		DecidedBy:   string(t.DecidedBy),
		Comments:    t.Comments,
	}
}

func toBalanceDTO(a generic.Account) BalanceDTO {
	return BalanceDTO{
		UserID:      string(a.Key.UserID),
		LeaveType:   string(a.Key.LeaveType),
		Balance:     a.Balance.Value.String(),
		PendingHold: a.PendingHold.Value.String(),
		Available:   a.Available().Value.String(),
		UpdatedAt:   formatTime(&a.UpdatedAt),
	}
}

func toEntryDTO(e generic.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Delta:       e.Delta.Value.String(),
		Reason:      string(e.Reason),
		ReferenceID: e.ReferenceID,
		CreatedBy:   string(e.CreatedBy),
		CreatedAt:   formatTime(&e.CreatedAt),
	}
}

func toPolicyDTO(p timeoff.LeavePolicy) PolicyDTO {
	period := p.Period.Type
	if period == "" {
		period = generic.PeriodCalendarYear
	}
	return PolicyDTO{
		LeaveType:        string(p.LeaveType),
		Name:             p.Name,
		AnnualDays:       p.AnnualDays.String(),
		Frequency:        string(p.Frequency),
		Prorate:          string(p.Prorate),
		PeriodType:       string(period),
		MaxCarryoverDays: p.Carryover.MaxCarryoverDays.String(),
		ExpiryMonths:     p.Carryover.ExpiryMonths,
		AllowEncashment:  p.Carryover.AllowEncashment,
	}
}

func toCarryoverDTO(r generic.CarryoverRecord) CarryoverDTO {
	return CarryoverDTO{
		UserID:           string(r.UserID),
		LeaveType:        string(r.LeaveType),
		Year:             r.Year,
		PreviousBalance:  r.PreviousBalance.Value.String(),
		CarryoverDays:    r.CarryoverDays.Value.String(),
		ExpiredDays:      r.ExpiredDays.Value.String(),
		EncashmentAmount: r.EncashmentAmount.StringFixed(2),
		NewBalance:       r.NewBalance.Value.String(),
		ExpiresAt:        formatTime(r.ExpiresAt),
		ExpiredCarryover: r.ExpiredCarryover,
	}
}

func carryoverBatch(job string, rep carryover.Report) BatchDTO {
	dto := BatchDTO{Job: job, Scope: string(rep.LeaveType), Results: []BatchLineDTO{}}
	if dto.Scope == "" {
		dto.Scope = "all"
	}
	for _, res := range rep.Results {
		line := BatchLineDTO{UserID: string(res.UserID), Outcome: string(res.Outcome)}
		if res.Err != nil {
			line.Error = res.Err.Error()
		}
		if res.Outcome == carryover.OutcomeProcessed {
			rec := toCarryoverDTO(res.Record)
			line.Record = &rec
		}
		dto.Results = append(dto.Results, line)
	}
	return dto
}

func accrualBatch(rep timeoff.BatchReport) BatchDTO {
	dto := BatchDTO{Job: "accrual", Scope: string(rep.LeaveType) + " " + rep.Month, Results: []BatchLineDTO{}}
	for _, res := range rep.Results {
		line := BatchLineDTO{UserID: string(res.UserID), Outcome: string(res.Outcome)}
		if !res.Amount.Value.IsZero() {
			line.Amount = res.Amount.Value.String()
		}
		if res.Err != nil {
			line.Error = res.Err.Error()
		}
		dto.Results = append(dto.Results, line)
	}
	return dto
}
