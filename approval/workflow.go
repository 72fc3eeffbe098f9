/*
workflow.go - Multi-stage approval workflows

PURPOSE:
  A Workflow is an ordered list of stages. Each stage selects its
  approvers with a rule and needs a number of approvals before the
  request advances. Workflows are registered once at startup (from the
  policy document) and looked up per leave type.

APPROVER RULES:
  fixed:   the listed user ids
  manager: the requester's manager from the Directory
  role:    every member of a Directory role

  The requester never approves their own request; they are removed from
  the resolved list. A stage whose list is shorter than Required is a
  validation error at submit time.

ON REJECT:
  reject:   one rejection terminates the request (default)
  escalate: a rejection before the last stage moves the request to the
            next stage instead; a rejection at the last stage terminates

EXAMPLE:
  wf := approval.Workflow{
      ID: "two-stage",
      Stages: []approval.Stage{
          {Name: "manager", Rule: approval.RuleManager, Required: 1},
          {Name: "hr", Rule: approval.RuleRole, Role: "hr", Required: 2},
      },
  }
*/
package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/leave-engine/generic"
)

type ApproverRule string

const (
	RuleFixed   ApproverRule = "fixed"
	RuleManager ApproverRule = "manager"
	RuleRole    ApproverRule = "role"
)

type OnReject string

const (
	OnRejectTerminate OnReject = "reject"
	OnRejectEscalate  OnReject = "escalate"
)

type Stage struct {
	Name      string
	Rule      ApproverRule
	Approvers []generic.UserID // RuleFixed
	Role      string           // RuleRole
	Required  int
}

type Workflow struct {
	ID       string
	Stages   []Stage
	OnReject OnReject
}

// Validate checks the workflow's static shape.
func (w Workflow) Validate() error {
	if w.ID == "" {
		return generic.Invalid("workflow.id", "is required")
	}
	if len(w.Stages) == 0 {
		return generic.Invalid("workflow.stages", "workflow %s has no stages", w.ID)
	}
	switch w.OnReject {
	case "", OnRejectTerminate, OnRejectEscalate:
	default:
		return generic.Invalid("workflow.on_reject", "unknown policy %q", w.OnReject)
	}
	for i, s := range w.Stages {
		field := fmt.Sprintf("workflow.stages[%d]", i)
		if s.Required < 1 {
			return generic.Invalid(field, "required approvals must be at least 1")
		}
		switch s.Rule {
		case RuleFixed:
			if len(s.Approvers) < s.Required {
				return generic.Invalid(field, "%d fixed approvers cannot meet %d required", len(s.Approvers), s.Required)
			}
		case RuleManager:
			if s.Required != 1 {
				return generic.Invalid(field, "manager stage requires exactly 1 approval")
			}
		case RuleRole:
			if s.Role == "" {
				return generic.Invalid(field, "role stage needs a role")
			}
		default:
			return generic.Invalid(field, "unknown approver rule %q", s.Rule)
		}
	}
	return nil
}

// Escalates reports whether a rejection at stage moves to the next stage.
func (w Workflow) Escalates(stage int) bool {
	return w.OnReject == OnRejectEscalate && stage < len(w.Stages)
}

// Stage returns the 1-based stage.
func (w Workflow) Stage(n int) (Stage, bool) {
	if n < 1 || n > len(w.Stages) {
		return Stage{}, false
	}
	return w.Stages[n-1], true
}

// =============================================================================
// DIRECTORY - Who reports to whom, who holds which role
// =============================================================================

type Directory interface {
	ManagerOf(ctx context.Context, user generic.UserID) (generic.UserID, error)
	MembersOf(ctx context.Context, role string) ([]generic.UserID, error)
}

// StaticDirectory is a Directory loaded from configuration.
type StaticDirectory struct {
	Managers map[generic.UserID]generic.UserID
	Roles    map[string][]generic.UserID
}

func (d *StaticDirectory) ManagerOf(_ context.Context, user generic.UserID) (generic.UserID, error) {
	m, ok := d.Managers[user]
	if !ok || m == "" {
		return "", generic.Invalid("manager", "no manager configured for %s", user)
	}
	return m, nil
}

func (d *StaticDirectory) MembersOf(_ context.Context, role string) ([]generic.UserID, error) {
	return d.Roles[role], nil
}

// ResolveApprovers selects a stage's approvers for a requester.
func ResolveApprovers(ctx context.Context, dir Directory, s Stage, requester generic.UserID) ([]generic.UserID, error) {
	var candidates []generic.UserID
	switch s.Rule {
	case RuleFixed:
		candidates = s.Approvers
	case RuleManager:
		m, err := dir.ManagerOf(ctx, requester)
		if err != nil {
			return nil, err
		}
		candidates = []generic.UserID{m}
	case RuleRole:
		members, err := dir.MembersOf(ctx, s.Role)
		if err != nil {
			return nil, err
		}
		candidates = members
	default:
		return nil, generic.Invalid("rule", "unknown approver rule %q", s.Rule)
	}

	seen := make(map[generic.UserID]bool, len(candidates))
	out := make([]generic.UserID, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || c == requester || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) < s.Required {
		return nil, generic.Invalid("approvers",
			"stage %q resolves %d approvers for %s, needs %d", s.Name, len(out), requester, s.Required)
	}
	return out, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps leave types to workflows. Safe for concurrent reads.
type Registry struct {
	mu          sync.RWMutex
	workflows   map[string]Workflow
	byLeaveType map[generic.LeaveType]string
	fallback    string
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:   make(map[string]Workflow),
		byLeaveType: make(map[generic.LeaveType]string),
	}
}

func (r *Registry) Register(w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.OnReject == "" {
		w.OnReject = OnRejectTerminate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID] = w
	return nil
}

// Assign routes a leave type to a registered workflow.
func (r *Registry) Assign(lt generic.LeaveType, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[workflowID]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrWorkflowNotFound, workflowID)
	}
	r.byLeaveType[lt] = workflowID
	return nil
}

// SetDefault names the workflow used for unassigned leave types.
func (r *Registry) SetDefault(workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[workflowID]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrWorkflowNotFound, workflowID)
	}
	r.fallback = workflowID
	return nil
}

func (r *Registry) Get(id string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", generic.ErrWorkflowNotFound, id)
	}
	return w, nil
}

func (r *Registry) ForLeaveType(lt generic.LeaveType) (Workflow, error) {
	r.mu.RLock()
	id, ok := r.byLeaveType[lt]
	if !ok {
		id = r.fallback
	}
	r.mu.RUnlock()
	if id == "" {
		return Workflow{}, fmt.Errorf("%w: none for leave type %s", generic.ErrWorkflowNotFound, lt)
	}
	return r.Get(id)
}
