/*
Package approval is the Approval State Machine: the lifecycle of a leave
request from draft to a terminal decision.

STATES:
  Draft ──submit──▶ Pending(1) ──approve…──▶ Pending(N) ──approve──▶ Approved
    │                  │                          │
    │                  └──reject──▶ Rejected ◀────┘
    └──cancel──▶ Cancelled ◀──cancel── Pending(k)

  Approved, Rejected and Cancelled are terminal.

LOCKING:
  submit:  balance:{user}:{type} (+ request:{id} for a saved draft)
  decide:  request:{id} + balance:{user}:{type}
  cancel:  request:{id} + balance:{user}:{type}
  Keys are acquired in sorted order by the Transaction Manager.

HOLDS:
  Submit reserves a hold of day_count. Rejection and cancellation
  release it; final approval consumes it and posts one deduction with
  idempotency key "deduction:{request_id}". At every commit the account's
  pending_hold equals the day_count of its Pending requests.

IDEMPOTENT DECIDE:
  Calling Decide again for a task the approver already decided returns
  the stored outcome (Replayed=true) and mutates nothing.

SEE ALSO:
  - workflow.go: stages, approver rules, escalation policy
  - generic/ledger.go: holds and posts
  - txn/manager.go: locks, transaction, retries
*/
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/txn"
)

type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

func (d Decision) Valid() bool { return d == Approve || d == Reject }

// Config sets retry budgets per operation. Interactive submission fails
// fast on a busy lock by default.
type Config struct {
	SubmitRetries int
	DecideRetries int
	CancelRetries int
}

func DefaultConfig() Config {
	return Config{SubmitRetries: 0, DecideRetries: 3, CancelRetries: 3}
}

type Machine struct {
	tx        *txn.Manager
	ledger    *generic.Ledger
	workflows *Registry
	directory Directory
	log       *zap.Logger
	cfg       Config
}

func NewMachine(tx *txn.Manager, ledger *generic.Ledger, workflows *Registry, directory Directory, logger *zap.Logger, cfg Config) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		tx:        tx,
		ledger:    ledger,
		workflows: workflows,
		directory: directory,
		log:       logger.Named("approval"),
		cfg:       cfg,
	}
}

// Draft is the submission collaborator's input.
type Draft struct {
	ID        generic.RequestID // set to submit a previously saved draft
	UserID    generic.UserID
	LeaveType generic.LeaveType
	StartDate generic.TimePoint
	EndDate   generic.TimePoint
	DayCount  generic.Amount
	Reason    string
}

func (d Draft) validate() error {
	switch {
	case d.UserID == "":
		return generic.Invalid("user_id", "is required")
	case d.LeaveType == "":
		return generic.Invalid("leave_type", "is required")
	case d.StartDate.IsZero() || d.EndDate.IsZero():
		return generic.Invalid("dates", "start and end dates are required")
	case d.EndDate.Before(d.StartDate):
		return generic.Invalid("end_date", "%s is before start %s", d.EndDate, d.StartDate)
	case !d.DayCount.IsPositive():
		return generic.Invalid("day_count", "must be positive")
	}
	return nil
}

func authorizeFor(actor generic.Actor, user generic.UserID) error {
	if actor.ID == user {
		return actor.Require(generic.PermSubmitOwn)
	}
	return actor.Require(generic.PermSubmitAny)
}

// =============================================================================
// DRAFT
// =============================================================================

// SaveDraft stores a Draft request without reserving anything. Saving
// onto an existing draft edits it; the draft's user and leave type are
// fixed at creation and default to the stored ones.
func (m *Machine) SaveDraft(ctx context.Context, actor generic.Actor, d Draft) (generic.LeaveRequest, error) {
	if d.ID == "" {
		if err := authorizeFor(actor, d.UserID); err != nil {
			return generic.LeaveRequest{}, err
		}
		if err := d.validate(); err != nil {
			return generic.LeaveRequest{}, err
		}
		d.ID = generic.RequestID(uuid.NewString())
	}

	var req generic.LeaveRequest
	err := m.tx.Run(ctx, txn.Op{
		Name:       "approval.save_draft",
		Actor:      actor,
		Locks:      []string{generic.RequestLockKey(d.ID)},
		MaxRetries: m.cfg.SubmitRetries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		existing, err := uow.Store.GetRequest(ctx, d.ID)
		switch {
		case err == nil:
			if err := authorizeFor(actor, existing.UserID); err != nil {
				return err
			}
			if existing.Status != generic.StatusDraft {
				return fmt.Errorf("%w: request %s is %s", generic.ErrInvalidTransition, d.ID, existing.Status)
			}
			edit := d
			if err := keepAccount(existing, &edit); err != nil {
				return err
			}
			if err := edit.validate(); err != nil {
				return err
			}
			before := requestState(existing)
			req = existing
			applyDraft(&req, edit)
			if err := uow.Store.UpdateRequest(ctx, req); err != nil {
				return err
			}
			uow.Audit("leave_request", string(req.ID), "draft_saved", before, requestState(req))
			return nil
		case !generic.IsNotFound(err):
			return err
		}

		if err := authorizeFor(actor, d.UserID); err != nil {
			return err
		}
		if err := d.validate(); err != nil {
			return err
		}
		req = generic.LeaveRequest{ID: d.ID, Status: generic.StatusDraft, CreatedAt: uow.Now}
		applyDraft(&req, d)
		if err := uow.Store.CreateRequest(ctx, req); err != nil {
			return err
		}
		uow.Audit("leave_request", string(req.ID), "draft_saved", nil, requestState(req))
		return nil
	})
	return req, err
}

// keepAccount fills the draft's user and leave type from the stored draft
// and rejects moving it to another account.
func keepAccount(existing generic.LeaveRequest, d *Draft) error {
	if d.UserID == "" {
		d.UserID = existing.UserID
	}
	if d.LeaveType == "" {
		d.LeaveType = existing.LeaveType
	}
	switch {
	case d.UserID != existing.UserID:
		return generic.Invalid("user_id", "draft %s belongs to %s", existing.ID, existing.UserID)
	case d.LeaveType != existing.LeaveType:
		return generic.Invalid("leave_type", "draft %s is for %s; save a new draft instead", existing.ID, existing.LeaveType)
	}
	return nil
}

func applyDraft(req *generic.LeaveRequest, d Draft) {
	req.UserID = d.UserID
	req.LeaveType = d.LeaveType
	req.StartDate = d.StartDate
	req.EndDate = d.EndDate
	req.DayCount = d.DayCount
	req.Reason = d.Reason
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit reserves the hold and opens stage 1. A saved draft is submitted
// by passing its ID; its stored fields are then used as-is.
func (m *Machine) Submit(ctx context.Context, actor generic.Actor, d Draft) (generic.LeaveRequest, error) {
	if d.ID != "" {
		existing, err := m.tx.Store().GetRequest(ctx, d.ID)
		if err != nil {
			return generic.LeaveRequest{}, err
		}
		d = Draft{
			ID: existing.ID, UserID: existing.UserID, LeaveType: existing.LeaveType,
			StartDate: existing.StartDate, EndDate: existing.EndDate,
			DayCount: existing.DayCount, Reason: existing.Reason,
		}
	}
	if err := authorizeFor(actor, d.UserID); err != nil {
		return generic.LeaveRequest{}, err
	}
	if err := d.validate(); err != nil {
		return generic.LeaveRequest{}, err
	}

	wf, err := m.workflows.ForLeaveType(d.LeaveType)
	if err != nil {
		return generic.LeaveRequest{}, err
	}

	fromDraft := d.ID != ""
	if !fromDraft {
		d.ID = generic.RequestID(uuid.NewString())
	}
	key := generic.AccountKey{UserID: d.UserID, LeaveType: d.LeaveType}

	var req generic.LeaveRequest
	err = m.tx.Run(ctx, txn.Op{
		Name:       "approval.submit",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(key), generic.RequestLockKey(d.ID)},
		MaxRetries: m.cfg.SubmitRetries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var before map[string]any
		if fromDraft {
			existing, err := uow.Store.GetRequest(ctx, d.ID)
			if err != nil {
				return err
			}
			if existing.Status != generic.StatusDraft {
				return fmt.Errorf("%w: request %s is %s", generic.ErrInvalidTransition, d.ID, existing.Status)
			}
			if existing.Account() != key {
				return fmt.Errorf("%w: draft %s changed account", generic.ErrConflict, d.ID)
			}
			req = existing
			before = requestState(existing)
		} else {
			req = generic.LeaveRequest{ID: d.ID, CreatedAt: uow.Now}
			applyDraft(&req, d)
		}

		hold, err := m.ledger.ReserveHold(ctx, uow, key, req.DayCount, req.ID)
		if err != nil {
			return err
		}

		req.Status = generic.StatusPending
		req.Stage = 1
		req.WorkflowID = wf.ID
		req.HoldID = hold.ID

		if fromDraft {
			err = uow.Store.UpdateRequest(ctx, req)
		} else {
			err = uow.Store.CreateRequest(ctx, req)
		}
		if err != nil {
			return err
		}

		if _, err := m.openStage(ctx, uow, wf, req); err != nil {
			return err
		}

		uow.Audit("leave_request", string(req.ID), "submitted", before, requestState(req))
		emit(uow, generic.EventSubmitted, req)
		return nil
	})
	if err != nil {
		return generic.LeaveRequest{}, err
	}

	m.log.Info("request submitted",
		zap.String("request_id", string(req.ID)),
		zap.String("user_id", string(req.UserID)),
		zap.String("days", req.DayCount.Value.String()))
	return req, nil
}

// openStage creates the tasks of req.Stage, resolving delegation now.
func (m *Machine) openStage(ctx context.Context, uow *generic.UnitOfWork, wf Workflow, req generic.LeaveRequest) ([]generic.ApprovalTask, error) {
	stage, ok := wf.Stage(req.Stage)
	if !ok {
		return nil, generic.Invalid("stage", "workflow %s has no stage %d", wf.ID, req.Stage)
	}
	approvers, err := ResolveApprovers(ctx, m.directory, stage, req.UserID)
	if err != nil {
		return nil, err
	}

	tasks := make([]generic.ApprovalTask, 0, len(approvers))
	for _, approver := range approvers {
		t := generic.ApprovalTask{
			ID:         generic.TaskID(uuid.NewString()),
			RequestID:  req.ID,
			Stage:      req.Stage,
			ApproverID: approver,
			Status:     generic.TaskPending,
			CreatedAt:  uow.Now,
		}
		d, ok, err := uow.Store.ActiveDelegation(ctx, approver, uow.Now)
		if err != nil {
			return nil, err
		}
		if ok && d.DelegateID != req.UserID {
			t.DelegatedTo = d.DelegateID
		}
		tasks = append(tasks, t)
	}
	return tasks, uow.Store.CreateTasks(ctx, tasks)
}

// =============================================================================
// DECIDE
// =============================================================================

// Result is the outcome of a decision.
type Result struct {
	Request  generic.LeaveRequest
	Task     generic.ApprovalTask
	Replayed bool
}

// Decide records the actor's decision on their task at the current stage.
func (m *Machine) Decide(ctx context.Context, actor generic.Actor, id generic.RequestID, decision Decision, comment string) (Result, error) {
	if err := actor.Require(generic.PermDecide); err != nil {
		return Result{}, err
	}
	if !decision.Valid() {
		return Result{}, generic.Invalid("decision", "unknown decision %q", decision)
	}

	// Lock-free read to learn which account to lock; re-read under lock.
	current, err := m.tx.Store().GetRequest(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = m.tx.Run(ctx, txn.Op{
		Name:       "approval.decide",
		Actor:      actor,
		Locks:      []string{generic.RequestLockKey(id), generic.BalanceLockKey(current.Account())},
		MaxRetries: m.cfg.DecideRetries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		res = Result{}
		req, err := uow.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		tasks, err := uow.Store.TasksForRequest(ctx, id)
		if err != nil {
			return err
		}

		task, found := pendingTaskFor(tasks, req, actor.ID)
		if !found {
			if prev, ok := decidedTaskBy(tasks, actor.ID); ok {
				res = Result{Request: req, Task: prev, Replayed: true}
				return nil
			}
			if req.Status != generic.StatusPending {
				return fmt.Errorf("%w: request %s is %s", generic.ErrInvalidTransition, id, req.Status)
			}
			return fmt.Errorf("%w: no pending task for %s on request %s", generic.ErrTaskNotFound, actor.ID, id)
		}

		wf, err := m.workflows.Get(req.WorkflowID)
		if err != nil {
			return err
		}

		before := requestState(req)
		now := uow.Now
		task.DecidedAt = &now
		task.DecidedBy = actor.ID
		task.Comments = comment
		if decision == Approve {
			task.Status = generic.TaskApproved
		} else {
			task.Status = generic.TaskRejected
		}
		if err := uow.Store.UpdateTask(ctx, task); err != nil {
			return err
		}
		tasks = replaceTask(tasks, task)

		if decision == Reject {
			req, err = m.reject(ctx, uow, wf, req, tasks, comment)
		} else {
			req, err = m.approve(ctx, uow, wf, req, tasks)
		}
		if err != nil {
			return err
		}
		if err := uow.Store.UpdateRequest(ctx, req); err != nil {
			return err
		}

		uow.Audit("approval_task", string(task.ID), "task_"+string(task.Status),
			map[string]any{"status": string(generic.TaskPending)},
			map[string]any{"status": string(task.Status), "comments": comment})
		uow.Audit("leave_request", string(req.ID), "decided", before, requestState(req))
		res = Result{Request: req, Task: task}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if !res.Replayed {
		m.log.Info("decision recorded",
			zap.String("request_id", string(id)),
			zap.String("approver", string(actor.ID)),
			zap.String("decision", string(decision)),
			zap.String("status", res.Request.StatusLabel()))
	}
	return res, nil
}

func (m *Machine) reject(ctx context.Context, uow *generic.UnitOfWork, wf Workflow, req generic.LeaveRequest, tasks []generic.ApprovalTask, comment string) (generic.LeaveRequest, error) {
	if wf.Escalates(req.Stage) {
		if err := skipOpen(ctx, uow, tasks, req.Stage); err != nil {
			return req, err
		}
		req.Stage++
		if _, err := m.openStage(ctx, uow, wf, req); err != nil {
			return req, err
		}
		emit(uow, generic.EventEscalated, req)
		return req, nil
	}

	if err := skipOpen(ctx, uow, tasks, 0); err != nil {
		return req, err
	}
	if _, err := m.ledger.ReleaseHold(ctx, uow, req.HoldID); err != nil {
		return req, err
	}
	now := uow.Now
	req.Status = generic.StatusRejected
	req.DecidedAt = &now
	req.DecidedBy = uow.Actor.ID
	req.RejectionReason = comment
	emit(uow, generic.EventRejected, req)
	return req, nil
}

func (m *Machine) approve(ctx context.Context, uow *generic.UnitOfWork, wf Workflow, req generic.LeaveRequest, tasks []generic.ApprovalTask) (generic.LeaveRequest, error) {
	stage, _ := wf.Stage(req.Stage)
	approved := 0
	for _, t := range tasks {
		if t.Stage == req.Stage && t.Status == generic.TaskApproved {
			approved++
		}
	}
	if approved < stage.Required {
		return req, nil
	}

	if err := skipOpen(ctx, uow, tasks, req.Stage); err != nil {
		return req, err
	}

	if req.Stage < len(wf.Stages) {
		req.Stage++
		if _, err := m.openStage(ctx, uow, wf, req); err != nil {
			return req, err
		}
		emit(uow, generic.EventStageAdvanced, req)
		return req, nil
	}

	if _, err := m.ledger.ConsumeHold(ctx, uow, req.HoldID); err != nil {
		return req, err
	}
	_, err := m.ledger.Post(ctx, uow, generic.PostInput{
		Account:        req.Account(),
		Delta:          req.DayCount.Neg(),
		Reason:         generic.ReasonDeduction,
		ReferenceID:    string(req.ID),
		IdempotencyKey: "deduction:" + string(req.ID),
	})
	if err != nil {
		return req, err
	}

	now := uow.Now
	req.Status = generic.StatusApproved
	req.DecidedAt = &now
	req.DecidedBy = uow.Actor.ID
	emit(uow, generic.EventApproved, req)
	return req, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel is allowed from Draft or Pending, by the requester or an actor
// holding cancel_any.
func (m *Machine) Cancel(ctx context.Context, actor generic.Actor, id generic.RequestID, reason string) (generic.LeaveRequest, error) {
	current, err := m.tx.Store().GetRequest(ctx, id)
	if err != nil {
		return generic.LeaveRequest{}, err
	}
	if actor.ID != current.UserID {
		if err := actor.Require(generic.PermCancelAny); err != nil {
			return generic.LeaveRequest{}, err
		}
	}

	var req generic.LeaveRequest
	err = m.tx.Run(ctx, txn.Op{
		Name:       "approval.cancel",
		Actor:      actor,
		Locks:      []string{generic.RequestLockKey(id), generic.BalanceLockKey(current.Account())},
		MaxRetries: m.cfg.CancelRetries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var err error
		req, err = uow.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != generic.StatusDraft && req.Status != generic.StatusPending {
			return fmt.Errorf("%w: cannot cancel %s request %s", generic.ErrInvalidTransition, req.Status, id)
		}
		before := requestState(req)

		if req.Status == generic.StatusPending {
			tasks, err := uow.Store.TasksForRequest(ctx, id)
			if err != nil {
				return err
			}
			if err := skipOpen(ctx, uow, tasks, 0); err != nil {
				return err
			}
			if _, err := m.ledger.ReleaseHold(ctx, uow, req.HoldID); err != nil {
				return err
			}
		}

		now := uow.Now
		req.Status = generic.StatusCancelled
		req.DecidedAt = &now
		req.DecidedBy = actor.ID
		req.RejectionReason = reason
		if err := uow.Store.UpdateRequest(ctx, req); err != nil {
			return err
		}

		uow.Audit("leave_request", string(req.ID), "cancelled", before, requestState(req))
		emit(uow, generic.EventCancelled, req)
		return nil
	})
	return req, err
}

// =============================================================================
// ARCHIVAL, DELEGATION, QUERIES
// =============================================================================

// Archive stamps ArchivedAt on terminal requests decided before cutoff.
// Rows are kept; archived requests drop out of default listings.
func (m *Machine) Archive(ctx context.Context, actor generic.Actor, cutoff time.Time) (int, error) {
	if err := actor.Require(generic.PermArchive); err != nil {
		return 0, err
	}

	var n int
	err := m.tx.Run(ctx, txn.Op{Name: "approval.archive", Actor: actor, MaxRetries: m.cfg.DecideRetries},
		func(ctx context.Context, uow *generic.UnitOfWork) error {
			n = 0
			reqs, err := uow.Store.ListRequests(ctx, generic.RequestFilter{
				Statuses:      []generic.RequestStatus{generic.StatusApproved, generic.StatusRejected, generic.StatusCancelled},
				DecidedBefore: &cutoff,
			})
			if err != nil {
				return err
			}
			now := uow.Now
			for _, r := range reqs {
				r.ArchivedAt = &now
				if err := uow.Store.UpdateRequest(ctx, r); err != nil {
					return err
				}
				n++
			}
			return nil
		})
	if err == nil && n > 0 {
		m.log.Info("requests archived", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, err
}

// Delegate routes the actor's future tasks to delegate inside [start, end].
func (m *Machine) Delegate(ctx context.Context, actor generic.Actor, delegate generic.UserID, start, end time.Time) (generic.Delegation, error) {
	if err := actor.Require(generic.PermDecide); err != nil {
		return generic.Delegation{}, err
	}
	if delegate == "" || delegate == actor.ID {
		return generic.Delegation{}, generic.Invalid("delegate", "must be another user")
	}
	if end.Before(start) {
		return generic.Delegation{}, generic.Invalid("end", "is before start")
	}

	d := generic.Delegation{
		ID:          uuid.NewString(),
		DelegatorID: actor.ID,
		DelegateID:  delegate,
		Start:       start,
		End:         end,
	}
	err := m.tx.Run(ctx, txn.Op{Name: "approval.delegate", Actor: actor},
		func(ctx context.Context, uow *generic.UnitOfWork) error {
			uow.Audit("delegation", d.ID, "delegated", nil, map[string]any{
				"delegate": string(delegate), "start": start, "end": end,
			})
			return uow.Store.SaveDelegation(ctx, d)
		})
	return d, err
}

// Get returns a request and its tasks without locking.
func (m *Machine) Get(ctx context.Context, id generic.RequestID) (generic.LeaveRequest, []generic.ApprovalTask, error) {
	req, err := m.tx.Store().GetRequest(ctx, id)
	if err != nil {
		return generic.LeaveRequest{}, nil, err
	}
	tasks, err := m.tx.Store().TasksForRequest(ctx, id)
	return req, tasks, err
}

// Inbox lists the open tasks an approver (or their delegate) can act on.
func (m *Machine) Inbox(ctx context.Context, user generic.UserID) ([]generic.ApprovalTask, error) {
	return m.tx.Store().PendingTasksFor(ctx, user)
}

// =============================================================================
// HELPERS
// =============================================================================

func pendingTaskFor(tasks []generic.ApprovalTask, req generic.LeaveRequest, user generic.UserID) (generic.ApprovalTask, bool) {
	if req.Status != generic.StatusPending {
		return generic.ApprovalTask{}, false
	}
	for _, t := range tasks {
		if t.Stage == req.Stage && t.Status == generic.TaskPending && t.AssignedTo(user) {
			return t, true
		}
	}
	return generic.ApprovalTask{}, false
}

// decidedTaskBy returns the user's latest decided task.
func decidedTaskBy(tasks []generic.ApprovalTask, user generic.UserID) (generic.ApprovalTask, bool) {
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if (t.Status == generic.TaskApproved || t.Status == generic.TaskRejected) &&
			(t.DecidedBy == user || t.AssignedTo(user)) {
			return t, true
		}
	}
	return generic.ApprovalTask{}, false
}

func replaceTask(tasks []generic.ApprovalTask, t generic.ApprovalTask) []generic.ApprovalTask {
	for i := range tasks {
		if tasks[i].ID == t.ID {
			tasks[i] = t
		}
	}
	return tasks
}

// skipOpen marks pending tasks skipped; stage 0 means every stage.
func skipOpen(ctx context.Context, uow *generic.UnitOfWork, tasks []generic.ApprovalTask, stage int) error {
	for i, t := range tasks {
		if t.Status != generic.TaskPending || (stage != 0 && t.Stage != stage) {
			continue
		}
		t.Status = generic.TaskSkipped
		if err := uow.Store.UpdateTask(ctx, t); err != nil {
			return err
		}
		tasks[i] = t
	}
	return nil
}

func emit(uow *generic.UnitOfWork, typ generic.EventType, req generic.LeaveRequest) {
	r := req
	uow.Emit(generic.Event{Type: typ, UserID: req.UserID, RequestID: req.ID, Request: &r})
}

func requestState(r generic.LeaveRequest) map[string]any {
	return map[string]any{
		"status": r.StatusLabel(),
		"days":   r.DayCount.Value.String(),
	}
}
