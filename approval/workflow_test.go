package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
)

var testDirectory = &StaticDirectory{
	Managers: map[generic.UserID]generic.UserID{"alice": "mgr", "mgr": "director"},
	Roles:    map[string][]generic.UserID{"hr": {"hr1", "hr2", "hr3"}},
}

func TestWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name  string
		wf    Workflow
		valid bool
	}{
		{"manager then role", Workflow{ID: "w", Stages: []Stage{
			{Rule: RuleManager, Required: 1},
			{Rule: RuleRole, Role: "hr", Required: 2},
		}}, true},
		{"no stages", Workflow{ID: "w"}, false},
		{"missing id", Workflow{Stages: []Stage{{Rule: RuleManager, Required: 1}}}, false},
		{"zero required", Workflow{ID: "w", Stages: []Stage{{Rule: RuleManager}}}, false},
		{"too few fixed approvers", Workflow{ID: "w", Stages: []Stage{
			{Rule: RuleFixed, Approvers: []generic.UserID{"a"}, Required: 2},
		}}, false},
		{"role without name", Workflow{ID: "w", Stages: []Stage{{Rule: RuleRole, Required: 1}}}, false},
		{"unknown on_reject", Workflow{ID: "w", OnReject: "retry", Stages: []Stage{{Rule: RuleManager, Required: 1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wf.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, generic.ErrValidation)
			}
		})
	}
}

func TestWorkflow_Escalates(t *testing.T) {
	wf := Workflow{ID: "w", OnReject: OnRejectEscalate, Stages: make([]Stage, 2)}
	assert.True(t, wf.Escalates(1))
	assert.False(t, wf.Escalates(2), "last stage rejection terminates")

	wf.OnReject = OnRejectTerminate
	assert.False(t, wf.Escalates(1))
}

func TestResolveApprovers(t *testing.T) {
	ctx := context.Background()

	got, err := ResolveApprovers(ctx, testDirectory, Stage{Rule: RuleManager, Required: 1}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []generic.UserID{"mgr"}, got)

	// The requester is never their own approver.
	got, err = ResolveApprovers(ctx, testDirectory, Stage{Rule: RuleRole, Role: "hr", Required: 2}, "hr1")
	require.NoError(t, err)
	assert.Equal(t, []generic.UserID{"hr2", "hr3"}, got)

	_, err = ResolveApprovers(ctx, testDirectory, Stage{Rule: RuleRole, Role: "hr", Required: 3}, "hr1")
	assert.ErrorIs(t, err, generic.ErrValidation)

	got, err = ResolveApprovers(ctx, testDirectory,
		Stage{Rule: RuleFixed, Approvers: []generic.UserID{"x", "x", "y"}, Required: 2}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []generic.UserID{"x", "y"}, got)

	_, err = ResolveApprovers(ctx, testDirectory, Stage{Rule: RuleManager, Required: 1}, "nobody")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestRegistry_ForLeaveType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Workflow{ID: "simple", Stages: []Stage{{Rule: RuleManager, Required: 1}}}))
	require.NoError(t, r.Register(Workflow{ID: "strict", Stages: []Stage{
		{Rule: RuleManager, Required: 1},
		{Rule: RuleRole, Role: "hr", Required: 1},
	}}))

	_, err := r.ForLeaveType("annual")
	assert.ErrorIs(t, err, generic.ErrWorkflowNotFound)

	require.NoError(t, r.SetDefault("simple"))
	require.NoError(t, r.Assign("sabbatical", "strict"))
	assert.ErrorIs(t, r.Assign("sick", "missing"), generic.ErrNotFound)

	wf, err := r.ForLeaveType("annual")
	require.NoError(t, err)
	assert.Equal(t, "simple", wf.ID)
	assert.Equal(t, OnRejectTerminate, wf.OnReject)

	wf, err = r.ForLeaveType("sabbatical")
	require.NoError(t, err)
	assert.Len(t, wf.Stages, 2)
}
