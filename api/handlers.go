/*
handlers.go - HTTP intake adapter for the leave engine

PURPOSE:
  Exposes the approval machine, the ledger and the batch jobs over REST.
  Handlers parse and validate HTTP input, resolve the calling Actor, call
  exactly one engine operation and serialize the result. No business
  rule lives here.

ENDPOINTS:
  Requests:
    POST   /api/v1/requests                 Submit (or submit a saved draft)
    POST   /api/v1/requests/drafts          Save a draft
    GET    /api/v1/requests                 List (?user_id=&status=)
    GET    /api/v1/requests/{id}            Request with its tasks
    POST   /api/v1/requests/{id}/decision   Approve or reject
    POST   /api/v1/requests/{id}/cancel     Cancel draft or pending request

  Approvers:
    GET    /api/v1/inbox                    Caller's open tasks
    POST   /api/v1/delegations              Delegate future tasks

  Balances:
    GET    /api/v1/balances/{user}/{type}         Materialized balance
    GET    /api/v1/balances/{user}/{type}/ledger  Ledger entries

  Policies:
    GET    /api/v1/policies                 Loaded leave policies

  Admin:
    POST   /api/v1/admin/assignments        Assign policy + grant
    POST   /api/v1/admin/adjustments        Manual adjustment
    POST   /api/v1/admin/accruals           Monthly accrual run
    POST   /api/v1/admin/year-end           Year-end carryover
    POST   /api/v1/admin/carryover-expiry   Expire unused carried days
    POST   /api/v1/admin/archive            Archive decided requests
    GET    /api/v1/admin/verify/{user}/{type}  Ledger consistency check

AUTHENTICATION:
  The caller is identified by the X-User-ID header, set by the gateway in
  front of this service. Permissions come from the ActorResolver.

ERROR HANDLING:
  Errors are returned as JSON with the status of their kind:
  - 400: validation_error
  - 403: permission_denied
  - 404: not_found
  - 409: conflict, already_processed, invalid transition
  - 422: insufficient_balance
  - 503: database_error
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/carryover"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/timeoff"
	"github.com/warp/leave-engine/txn"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the engine components the handlers call.
type Services struct {
	Tx        *txn.Manager
	Ledger    *generic.Ledger
	Machine   *approval.Machine
	Carryover *carryover.Processor
	Assigner  *timeoff.Assigner
	Accruer   *timeoff.Accruer
	Adjuster  *timeoff.Adjuster
	Policies  *timeoff.PolicySet
	Calendar  timeoff.Calendar
	Roster    []timeoff.Employee
	Clock     generic.Clock
	// Audit is optional; the audit endpoint returns 404 without it.
	Audit AuditLog
}

// AuditLog exposes recorded audit entries.
type AuditLog interface {
	Entries(entityID string) []generic.AuditEntry
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc    Services
	actors ActorResolver
	log    *zap.Logger
}

func NewHandler(svc Services, actors ActorResolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, actors: actors, log: logger.Named("api")}
}

func (h *Handler) today() generic.TimePoint {
	return generic.DateOf(h.svc.Clock.Now())
}

func (h *Handler) employee(user generic.UserID) (timeoff.Employee, bool) {
	for _, e := range h.svc.Roster {
		if e.UserID == user {
			return e, true
		}
	}
	return timeoff.Employee{}, false
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// draftFrom turns the body into an approval.Draft, deriving day_count from
// the working days between the dates.
func (h *Handler) draftFrom(actor generic.Actor, body SubmitRequest) (approval.Draft, error) {
	if body.DraftID != "" && body.StartDate == "" {
		return approval.Draft{ID: generic.RequestID(body.DraftID)}, nil
	}
	start, err := generic.ParseDate(body.StartDate)
	if err != nil {
		return approval.Draft{}, generic.Invalid("start_date", "%v", err)
	}
	end, err := generic.ParseDate(body.EndDate)
	if err != nil {
		return approval.Draft{}, generic.Invalid("end_date", "%v", err)
	}
	days, err := timeoff.CountDays(start, end, h.svc.Calendar, body.HalfDay)
	if err != nil {
		return approval.Draft{}, err
	}
	user := generic.UserID(body.UserID)
	if user == "" && body.DraftID == "" {
		user = actor.ID
	}
	return approval.Draft{
		ID:        generic.RequestID(body.DraftID),
		UserID:    user,
		LeaveType: generic.LeaveType(body.LeaveType),
		StartDate: start,
		EndDate:   end,
		DayCount:  days,
		Reason:    body.Reason,
	}, nil
}

// SubmitRequest reserves the days and starts approval.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body SubmitRequest
	if !decode(w, r, &body) {
		return
	}
	draft, err := h.draftFrom(actor, body)
	if err != nil {
		h.fail(w, err)
		return
	}
	req, err := h.svc.Machine.Submit(r.Context(), actor, draft)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req, nil))
}

func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body SubmitRequest
	if !decode(w, r, &body) {
		return
	}
	if body.StartDate == "" {
		h.fail(w, generic.Invalid("start_date", "is required"))
		return
	}
	draft, err := h.draftFrom(actor, body)
	if err != nil {
		h.fail(w, err)
		return
	}
	req, err := h.svc.Machine.SaveDraft(r.Context(), actor, draft)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req, nil))
}

// ListRequests returns the caller's requests, or anyone's for actors who
// may act on behalf of others.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	filter := generic.RequestFilter{UserID: generic.UserID(r.URL.Query().Get("user_id"))}
	if filter.UserID == "" && !actor.Can(generic.PermSubmitAny) {
		filter.UserID = actor.ID
	}
	if !canSee(actor, filter.UserID) {
		h.fail(w, &generic.PermissionError{Actor: actor.ID, Permission: generic.PermSubmitAny})
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Statuses = []generic.RequestStatus{generic.RequestStatus(s)}
	}
	filter.IncludeArchived = r.URL.Query().Get("archived") == "true"

	reqs, err := h.svc.Tx.Store().ListRequests(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]RequestDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toRequestDTO(req, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	req, tasks, err := h.svc.Machine.Get(r.Context(), generic.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !canSee(actor, req.UserID) && !involved(tasks, actor.ID) {
		h.fail(w, &generic.PermissionError{Actor: actor.ID, Permission: generic.PermSubmitAny})
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req, tasks))
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if !decode(w, r, &body) {
		return
	}
	decision := approval.Decision(body.Decision)
	if !decision.Valid() {
		h.fail(w, generic.Invalid("decision", "must be approve or reject, got %q", body.Decision))
		return
	}
	res, err := h.svc.Machine.Decide(r.Context(), ActorFrom(r.Context()),
		generic.RequestID(chi.URLParam(r, "id")), decision, body.Comment)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionDTO{
		Request:  toRequestDTO(res.Request, nil),
		Task:     toTaskDTO(res.Task),
		Replayed: res.Replayed,
	})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	req, err := h.svc.Machine.Cancel(r.Context(), ActorFrom(r.Context()),
		generic.RequestID(chi.URLParam(r, "id")), body.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req, nil))
}

// =============================================================================
// APPROVER HANDLERS
// =============================================================================

func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	tasks, err := h.svc.Machine.Inbox(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Delegate(w http.ResponseWriter, r *http.Request) {
	var body DelegationRequest
	if !decode(w, r, &body) {
		return
	}
	d, err := h.svc.Machine.Delegate(r.Context(), ActorFrom(r.Context()),
		generic.UserID(body.DelegateID), body.Start, body.End)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":           d.ID,
		"delegator_id": string(d.DelegatorID),
		"delegate_id":  string(d.DelegateID),
	})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

func (h *Handler) accountKey(w http.ResponseWriter, r *http.Request) (generic.AccountKey, bool) {
	actor := ActorFrom(r.Context())
	key := generic.AccountKey{
		UserID:    generic.UserID(chi.URLParam(r, "user")),
		LeaveType: generic.LeaveType(chi.URLParam(r, "type")),
	}
	if !canSee(actor, key.UserID) {
		h.fail(w, &generic.PermissionError{Actor: actor.ID, Permission: generic.PermSubmitAny})
		return key, false
	}
	return key, true
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := h.accountKey(w, r)
	if !ok {
		return
	}
	acct, err := h.svc.Tx.Store().GetAccount(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(acct))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	key, ok := h.accountKey(w, r)
	if !ok {
		return
	}
	store := h.svc.Tx.Store()
	if _, err := store.GetAccount(r.Context(), key); err != nil {
		h.fail(w, err)
		return
	}
	entries, err := store.Entries(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.svc.Policies.All()
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var body AssignmentRequest
	if !decode(w, r, &body) {
		return
	}
	emp, onRoster := h.employee(generic.UserID(body.UserID))
	if body.JoinDate != "" {
		join, err := generic.ParseDate(body.JoinDate)
		if err != nil {
			h.fail(w, generic.Invalid("join_date", "%v", err))
			return
		}
		emp = timeoff.Employee{UserID: generic.UserID(body.UserID), JoinDate: join}
	} else if !onRoster {
		h.fail(w, generic.Invalid("join_date", "user %s is not on the roster", body.UserID))
		return
	}

	asOf := h.today()
	if body.AsOf != "" {
		var err error
		if asOf, err = generic.ParseDate(body.AsOf); err != nil {
			h.fail(w, generic.Invalid("as_of", "%v", err))
			return
		}
	}

	g, err := h.svc.Assigner.Assign(r.Context(), ActorFrom(r.Context()), emp, generic.LeaveType(body.LeaveType), asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	dto := GrantDTO{
		UserID:    string(g.Account.UserID),
		LeaveType: string(g.Account.LeaveType),
		Period:    g.Period.String(),
		Days:      g.Days.Value.String(),
		Replayed:  g.Replayed,
	}
	if g.Entry != nil {
		e := toEntryDTO(*g.Entry)
		dto.Entry = &e
	}
	status := http.StatusCreated
	if g.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var body AdjustmentRequest
	if !decode(w, r, &body) {
		return
	}
	delta, err := decimal.NewFromString(body.Delta)
	if err != nil {
		h.fail(w, generic.Invalid("delta", "not a decimal: %q", body.Delta))
		return
	}
	entry, err := h.svc.Adjuster.Adjust(r.Context(), ActorFrom(r.Context()), timeoff.Adjustment{
		Account:        generic.AccountKey{UserID: generic.UserID(body.UserID), LeaveType: generic.LeaveType(body.LeaveType)},
		Delta:          generic.NewAmountFromDecimal(delta, generic.UnitDays),
		Note:           body.Note,
		IdempotencyKey: body.IdempotencyKey,
	})
	switch {
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusOK, toEntryDTO(entry))
	case err != nil:
		h.fail(w, err)
	default:
		writeJSON(w, http.StatusCreated, toEntryDTO(entry))
	}
}

func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var body AccrualRequest
	if !decode(w, r, &body) {
		return
	}
	rep, err := h.svc.Accruer.RunMonth(r.Context(), ActorFrom(r.Context()),
		generic.LeaveType(body.LeaveType), body.Year, time.Month(body.Month), h.svc.Roster)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accrualBatch(rep))
}

// RunYearEnd processes one user when user_id is set, else the whole
// leave type.
func (h *Handler) RunYearEnd(w http.ResponseWriter, r *http.Request) {
	var body YearEndRequest
	if !decode(w, r, &body) {
		return
	}
	policy, err := h.svc.Policies.Get(generic.LeaveType(body.LeaveType))
	if err != nil {
		h.fail(w, err)
		return
	}
	actor := ActorFrom(r.Context())

	if body.UserID != "" {
		rec, err := h.svc.Carryover.ProcessYearEnd(r.Context(), actor, generic.UserID(body.UserID), policy.CarryoverPolicy(), body.Year)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toCarryoverDTO(rec))
		return
	}

	rep, err := h.svc.Carryover.BulkProcess(r.Context(), actor, policy.CarryoverPolicy(), body.Year)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, carryoverBatch("year_end", rep))
}

func (h *Handler) ExpireCarryover(w http.ResponseWriter, r *http.Request) {
	var body ExpiryRequest
	if !decode(w, r, &body) {
		return
	}
	asOf := h.svc.Clock.Now()
	if body.AsOf != nil {
		asOf = *body.AsOf
	}
	rep, err := h.svc.Carryover.ExpireCarriedOver(r.Context(), ActorFrom(r.Context()), body.Year, asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, carryoverBatch("carryover_expiry", rep))
}

func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	var body ArchiveRequest
	if !decode(w, r, &body) {
		return
	}
	n, err := h.svc.Machine.Archive(r.Context(), ActorFrom(r.Context()), body.Cutoff)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

// Verify recomputes the account from its ledger and holds.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := actor.Require(generic.PermAdjust); err != nil {
		h.fail(w, err)
		return
	}
	key := generic.AccountKey{
		UserID:    generic.UserID(chi.URLParam(r, "user")),
		LeaveType: generic.LeaveType(chi.URLParam(r, "type")),
	}
	err := h.svc.Ledger.Verify(r.Context(), h.svc.Tx.Store(), key)
	var drift *generic.DriftError
	switch {
	case errors.As(err, &drift):
		writeJSON(w, http.StatusOK, map[string]any{"consistent": false, "details": drift.Error()})
	case err != nil:
		h.fail(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"consistent": true})
	}
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := actor.Require(generic.PermAdjust); err != nil {
		h.fail(w, err)
		return
	}
	if h.svc.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log not enabled", "not_found", nil)
		return
	}
	entries := h.svc.Audit.Entries(r.URL.Query().Get("entity_id"))
	if entries == nil {
		entries = []generic.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

// canSee reports whether actor may read user's requests and balances.
func canSee(actor generic.Actor, user generic.UserID) bool {
	return user == actor.ID || actor.Can(generic.PermSubmitAny) || actor.Can(generic.PermAdjust)
}

func involved(tasks []generic.ApprovalTask, user generic.UserID) bool {
	for _, t := range tasks {
		if t.AssignedTo(user) {
			return true
		}
	}
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation_error", err)
		return false
	}
	return true
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, generic.ErrInvalidTransition) {
		return http.StatusConflict
	}
	switch generic.Kind(err) {
	case "validation_error":
		return http.StatusBadRequest
	case "permission_denied":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict", "already_processed":
		return http.StatusConflict
	case "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "database_error":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.log.Error("request failed", zap.Error(err))
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
	case generic.IsClientError(err):
		h.log.Debug("request rejected", zap.String("kind", generic.Kind(err)), zap.Error(err))
	}
	writeError(w, status, http.StatusText(status), generic.Kind(err), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, kind string, err error) {
	resp := ErrorResponse{Error: message, Kind: kind}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
