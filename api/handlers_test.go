package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/carryover"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/lock"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/timeoff"
	"github.com/warp/leave-engine/txn"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testDocument = `
policies:
  - leave_type: annual
    name: Annual Leave
    annual_days: 20
    frequency: upfront
    carryover: {max_carryover_days: 5, expiry_months: 3}
  - leave_type: sick
    name: Sick Leave
    annual_days: 12
    frequency: monthly
    prorate: monthly
workflows:
  - id: manager-only
    default: true
    stages:
      - {name: manager, rule: manager}
employees:
  - {id: alice, manager: mgr, join_date: 2023-01-15}
  - {id: bob, manager: mgr, join_date: 2024-06-01}
  - {id: mgr, join_date: 2019-01-01}
  - {id: hr1, roles: [hr], join_date: 2020-01-01}
  - {id: root, roles: [admin], join_date: 2018-01-01}
`

type testServer struct {
	svc    Services
	router http.Handler
	store  *store.TxMemory
	now    *time.Time
}

// at moves the server clock.
func (s *testServer) at(now time.Time) { *s.now = now }

func newTestServer(t *testing.T, now time.Time) *testServer {
	t.Helper()
	setup, err := factory.NewPolicyFactory().Parse([]byte(testDocument))
	require.NoError(t, err)

	current := now
	clock := generic.Clock(func() time.Time { return current })
	mem := store.NewTxMemory()
	trail := notify.NewMemoryAudit()
	ledger := generic.NewLedger(clock)
	tx := txn.NewManager(mem, txn.Options{
		Locker:    lock.NewMemory(clock),
		Audit:     trail,
		Clock:     clock,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})

	svc := Services{
		Tx:        tx,
		Ledger:    ledger,
		Machine:   approval.NewMachine(tx, ledger, setup.Workflows, setup.Directory, nil, approval.DefaultConfig()),
		Carryover: carryover.NewProcessor(tx, ledger, nil, carryover.DefaultConfig()),
		Assigner:  timeoff.NewAssigner(tx, ledger, setup.Policies, nil, 3),
		Accruer:   timeoff.NewAccruer(tx, ledger, setup.Policies, nil, 3, 2),
		Adjuster:  timeoff.NewAdjuster(tx, ledger, nil, 3),
		Policies:  setup.Policies,
		Calendar:  setup.Calendar,
		Roster:    setup.Roster,
		Clock:     clock,
		Audit:     trail,
	}
	h := NewHandler(svc, DefaultRoles(setup.Directory), nil)
	return &testServer{svc: svc, router: NewRouter(h, []string{"*"}), store: mem, now: &current}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) assign(t *testing.T, user string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/admin/assignments", "hr1",
		AssignmentRequest{UserID: user, LeaveType: "annual", AsOf: "2025-01-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

var monday = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

func TestSubmitApproveFlow(t *testing.T) {
	// GIVEN: alice holds 20 annual days and mgr is her approver
	// WHEN: alice requests Mon-Fri and mgr approves (twice)
	// THEN: 5 days are deducted exactly once
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	rec := s.do(t, http.MethodPost, "/api/v1/requests", "alice", SubmitRequest{
		LeaveType: "annual", StartDate: "2025-03-10", EndDate: "2025-03-14", Reason: "ski trip",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "5", submitted.DayCount)
	assert.Equal(t, "pending", submitted.Status)
	assert.Equal(t, 1, submitted.Stage)

	bal := decodeBody[BalanceDTO](t, s.do(t, http.MethodGet, "/api/v1/balances/alice/annual", "alice", nil))
	assert.Equal(t, "20", bal.Balance)
	assert.Equal(t, "5", bal.PendingHold)
	assert.Equal(t, "15", bal.Available)

	inbox := decodeBody[[]TaskDTO](t, s.do(t, http.MethodGet, "/api/v1/inbox", "mgr", nil))
	require.Len(t, inbox, 1)
	assert.Equal(t, submitted.ID, inbox[0].RequestID)

	path := fmt.Sprintf("/api/v1/requests/%s/decision", submitted.ID)
	rec = s.do(t, http.MethodPost, path, "mgr", DecisionRequest{Decision: "approve", Comment: "enjoy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[DecisionDTO](t, rec)
	assert.Equal(t, "approved", decided.Request.Status)
	assert.False(t, decided.Replayed)

	rec = s.do(t, http.MethodPost, path, "mgr", DecisionRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[DecisionDTO](t, rec).Replayed)

	bal = decodeBody[BalanceDTO](t, s.do(t, http.MethodGet, "/api/v1/balances/alice/annual", "alice", nil))
	assert.Equal(t, "15", bal.Balance)
	assert.Equal(t, "0", bal.PendingHold)

	entries := decodeBody[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/v1/balances/alice/annual/ledger", "alice", nil))
	require.Len(t, entries, 2)
	assert.Equal(t, "grant", entries[0].Reason)
	assert.Equal(t, "deduction", entries[1].Reason)
	assert.Equal(t, "-5", entries[1].Delta)

	detail := decodeBody[RequestDTO](t, s.do(t, http.MethodGet, "/api/v1/requests/"+submitted.ID, "mgr", nil))
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, "approved", detail.Tasks[0].Status)

	verify := decodeBody[map[string]any](t, s.do(t, http.MethodGet, "/api/v1/admin/verify/alice/annual", "hr1", nil))
	assert.Equal(t, true, verify["consistent"])
}

func TestDraftThenSubmit(t *testing.T) {
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	rec := s.do(t, http.MethodPost, "/api/v1/requests/drafts", "alice", SubmitRequest{
		LeaveType: "annual", StartDate: "2025-03-12", EndDate: "2025-03-12", HalfDay: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "draft", draft.Status)
	assert.Equal(t, "0.5", draft.DayCount)

	// bob cannot take over alice's draft
	rec = s.do(t, http.MethodPost, "/api/v1/requests/drafts", "bob", SubmitRequest{
		DraftID: draft.ID, StartDate: "2025-03-12", EndDate: "2025-03-13",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// alice edits the dates; the leave type is kept
	rec = s.do(t, http.MethodPost, "/api/v1/requests/drafts", "alice", SubmitRequest{
		DraftID: draft.ID, StartDate: "2025-03-12", EndDate: "2025-03-12",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	edited := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "alice", edited.UserID)
	assert.Equal(t, "annual", edited.LeaveType)
	assert.Equal(t, "1", edited.DayCount)

	rec = s.do(t, http.MethodPost, "/api/v1/requests", "alice", SubmitRequest{DraftID: draft.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decodeBody[RequestDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+draft.ID+"/cancel", "alice", CancelRequest{Reason: "plans changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody[RequestDTO](t, rec).Status)

	bal := decodeBody[BalanceDTO](t, s.do(t, http.MethodGet, "/api/v1/balances/alice/annual", "alice", nil))
	assert.Equal(t, "0", bal.PendingHold)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		kind   string
	}{
		{"no caller", http.MethodGet, "/api/v1/inbox", "", nil, http.StatusUnauthorized, ""},
		{"insufficient balance", http.MethodPost, "/api/v1/requests", "alice",
			SubmitRequest{LeaveType: "annual", StartDate: "2025-03-10", EndDate: "2025-04-30"},
			http.StatusUnprocessableEntity, "insufficient_balance"},
		{"weekend only", http.MethodPost, "/api/v1/requests", "alice",
			SubmitRequest{LeaveType: "annual", StartDate: "2025-03-08", EndDate: "2025-03-09"},
			http.StatusBadRequest, "validation_error"},
		{"submit for someone else", http.MethodPost, "/api/v1/requests", "bob",
			SubmitRequest{UserID: "alice", LeaveType: "annual", StartDate: "2025-03-10", EndDate: "2025-03-10"},
			http.StatusForbidden, "permission_denied"},
		{"read another balance", http.MethodGet, "/api/v1/balances/alice/annual", "bob", nil,
			http.StatusForbidden, "permission_denied"},
		{"unknown account", http.MethodGet, "/api/v1/balances/bob/annual", "bob", nil,
			http.StatusNotFound, "not_found"},
		{"unknown request", http.MethodPost, "/api/v1/requests/nope/decision", "mgr",
			DecisionRequest{Decision: "approve"}, http.StatusNotFound, "not_found"},
		{"bad decision", http.MethodPost, "/api/v1/requests/nope/decision", "mgr",
			DecisionRequest{Decision: "maybe"}, http.StatusBadRequest, "validation_error"},
		{"adjust without permission", http.MethodPost, "/api/v1/admin/adjustments", "alice",
			AdjustmentRequest{UserID: "alice", LeaveType: "annual", Delta: "1", Note: "x"},
			http.StatusForbidden, "permission_denied"},
		{"year end needs admin", http.MethodPost, "/api/v1/admin/year-end", "hr1",
			YearEndRequest{LeaveType: "annual", Year: 2024}, http.StatusForbidden, "permission_denied"},
		{"unknown field", http.MethodPost, "/api/v1/requests", "alice",
			map[string]string{"leave": "annual"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.user, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeBody[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestCancelApprovedIsConflict(t *testing.T) {
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	req := decodeBody[RequestDTO](t, s.do(t, http.MethodPost, "/api/v1/requests", "alice",
		SubmitRequest{LeaveType: "annual", StartDate: "2025-03-10", EndDate: "2025-03-10"}))
	rec := s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/decision", "mgr", DecisionRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestFail_LogsByErrorClass(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewHandler(Services{}, nil, zap.New(core))

	rec := httptest.NewRecorder()
	h.fail(rec, generic.Invalid("days", "must be positive"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.fail(rec, &generic.DatabaseError{Op: "approval.decide", Attempts: 4, Err: generic.ErrLockBusy})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rejected := logs.FilterMessage("request rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, zapcore.DebugLevel, rejected[0].Level)
	assert.Equal(t, "validation_error", rejected[0].ContextMap()["kind"])
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{generic.Invalid("x", "bad"), http.StatusBadRequest},
		{generic.ErrInvalidTransition, http.StatusConflict},
		{generic.ErrLockBusy, http.StatusConflict},
		{generic.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{generic.ErrRequestNotFound, http.StatusNotFound},
		{&generic.PermissionError{Actor: "a", Permission: generic.PermAdjust}, http.StatusForbidden},
		{&generic.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{&generic.DatabaseError{Op: "submit", Err: generic.ErrLockBusy}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjustmentIsIdempotent(t *testing.T) {
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	body := AdjustmentRequest{UserID: "alice", LeaveType: "annual", Delta: "-2.5", Note: "correction", IdempotencyKey: "adj-7"}
	rec := s.do(t, http.MethodPost, "/api/v1/admin/adjustments", "hr1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[EntryDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/adjustments", "hr1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first.ID, decodeBody[EntryDTO](t, rec).ID)

	bal := decodeBody[BalanceDTO](t, s.do(t, http.MethodGet, "/api/v1/balances/alice/annual", "hr1", nil))
	assert.Equal(t, "17.5", bal.Balance)
}

func TestAuditTrail(t *testing.T) {
	s := newTestServer(t, monday)
	s.assign(t, "alice")

	rec := s.do(t, http.MethodPost, "/api/v1/admin/adjustments", "hr1",
		AdjustmentRequest{UserID: "alice", LeaveType: "annual", Delta: "1", Note: "bonus day"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody[EntryDTO](t, rec)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit?entity_id="+entry.ID, "hr1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decodeBody[[]generic.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "ledger_entry", entries[0].EntityType)
	assert.Equal(t, generic.UserID("hr1"), entries[0].Actor)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

var (
	midDecember = time.Date(2025, time.December, 15, 9, 0, 0, 0, time.UTC)
	newYear     = time.Date(2026, time.January, 2, 9, 0, 0, 0, time.UTC)
)

func TestYearEndAndPolicies(t *testing.T) {
	s := newTestServer(t, midDecember)
	s.assign(t, "alice")
	s.at(newYear)

	policies := decodeBody[[]PolicyDTO](t, s.do(t, http.MethodGet, "/api/v1/policies", "alice", nil))
	require.Len(t, policies, 2)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/year-end", "root", YearEndRequest{LeaveType: "annual", Year: 2025})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decodeBody[BatchDTO](t, rec)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, "processed", batch.Results[0].Outcome)
	require.NotNil(t, batch.Results[0].Record)
	assert.Equal(t, "5", batch.Results[0].Record.CarryoverDays)
	assert.Equal(t, "15", batch.Results[0].Record.ExpiredDays)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/year-end", "root", YearEndRequest{LeaveType: "annual", Year: 2025, UserID: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_processed", decodeBody[ErrorResponse](t, rec).Kind)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunOnceIsIdempotent(t *testing.T) {
	// GIVEN: Jan 2nd 2026, alice holds her 2025 grant
	// WHEN: The scheduler runs twice
	// THEN: Sick leave accrues once and 2025 is closed once
	s := newTestServer(t, midDecember)
	s.assign(t, "alice")
	s.at(newYear)
	s.assign(t, "bob")
	bobKey := generic.AccountKey{UserID: "bob", LeaveType: "annual"}
	bobBefore, err := s.store.GetAccount(context.Background(), bobKey)
	require.NoError(t, err)
	sched := NewScheduler(s.svc, SchedulerConfig{CarryoverLeaveType: "annual", ArchiveAfter: 24 * time.Hour}, nil)

	ctx := context.Background()
	sched.RunOnce(ctx)
	sched.RunOnce(ctx)

	annual, err := s.store.GetAccount(ctx, generic.AccountKey{UserID: "alice", LeaveType: "annual"})
	require.NoError(t, err)
	assert.Equal(t, "5", annual.Balance.Value.String())

	sick, err := s.store.GetAccount(ctx, generic.AccountKey{UserID: "alice", LeaveType: "sick"})
	require.NoError(t, err)
	assert.Equal(t, "1", sick.Balance.Value.String())

	rec, err := s.store.GetCarryoverRecord(ctx, "alice", 2025)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.False(t, rec.ExpiredCarryover)

	// bob was assigned after the year end; his grant is not closed
	bobAfter, err := s.store.GetAccount(ctx, bobKey)
	require.NoError(t, err)
	assert.True(t, bobBefore.Balance.Equal(bobAfter.Balance))
	_, err = s.store.GetCarryoverRecord(ctx, "bob", 2025)
	assert.True(t, generic.IsNotFound(err))
}

func TestLastClosedYear(t *testing.T) {
	fiscal := generic.CarryoverPolicy{YearEndMonth: time.March, YearEndDay: 31}
	assert.Equal(t, 2024, LastClosedYear(generic.CarryoverPolicy{}, generic.NewTimePoint(2025, time.December, 31)))
	assert.Equal(t, 2025, LastClosedYear(generic.CarryoverPolicy{}, generic.NewTimePoint(2026, time.January, 1)))
	assert.Equal(t, 2024, LastClosedYear(fiscal, generic.NewTimePoint(2025, time.March, 31)))
	assert.Equal(t, 2025, LastClosedYear(fiscal, generic.NewTimePoint(2025, time.April, 1)))
}
