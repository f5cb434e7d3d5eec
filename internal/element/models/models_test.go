package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{TaskOpen, TaskInProgress},
		{TaskInProgress, TaskClosed},
		{TaskClosed, TaskOpen},
		{TaskOpen, TaskDeferred},
		{TaskDeferred, TaskOpen},
		{TaskBlocked, TaskInProgress},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransitionTask(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to TaskStatus }{
		{TaskClosed, TaskInProgress},
		{TaskDeferred, TaskInProgress},
		{TaskTombstone, TaskOpen},
	}
	for _, tc := range denied {
		assert.False(t, CanTransitionTask(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestWorkflowTransitions(t *testing.T) {
	assert.True(t, CanTransitionWorkflow(WorkflowPending, WorkflowRunning))
	assert.True(t, CanTransitionWorkflow(WorkflowRunning, WorkflowCompleted))
	assert.False(t, CanTransitionWorkflow(WorkflowCompleted, WorkflowRunning))
	assert.True(t, TerminalWorkflowStatus(WorkflowCancelled))
	assert.False(t, TerminalWorkflowStatus(WorkflowRunning))
}

func TestParseAwaitsGateTimer(t *testing.T) {
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	gate, err := ParseAwaitsGate(map[string]any{"gate": "timer", "waitUntil": deadline})
	require.NoError(t, err)
	assert.Equal(t, GateTimer, gate.Gate)
	assert.False(t, gate.WaitUntil.IsZero())

	_, err = ParseAwaitsGate(map[string]any{"gate": "timer"})
	assert.Error(t, err, "timer without waitUntil")

	_, err = ParseAwaitsGate(map[string]any{})
	assert.Error(t, err, "missing gate")
}

func TestGateSatisfied(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute).Format(time.RFC3339)
	future := now.Add(time.Hour).Format(time.RFC3339)

	assert.True(t, GateSatisfied(map[string]any{"gate": "timer", "waitUntil": past}, now))
	assert.False(t, GateSatisfied(map[string]any{"gate": "timer", "waitUntil": future}, now))

	// Malformed stored metadata blocks rather than silently passing.
	assert.False(t, GateSatisfied(map[string]any{"gate": 42}, now))
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]any{"version": "1.2.0", "count": float64(3), "flag": true}
	assert.Equal(t, "Build 1.2.0", RenderTemplate("Build {{version}}", vars))
	assert.Equal(t, "retries: 3", RenderTemplate("retries: {{count}}", vars))
	assert.Equal(t, "flag true", RenderTemplate("flag {{ flag }}", vars))
	assert.Equal(t, "missing ", RenderTemplate("missing {{nope}}", vars))
}

func TestEvalCondition(t *testing.T) {
	assert.True(t, EvalCondition("", nil), "empty condition includes the step")
	assert.True(t, EvalCondition("{{ship}}", map[string]any{"ship": true}))
	assert.False(t, EvalCondition("{{ship}}", map[string]any{"ship": false}))
	assert.False(t, EvalCondition("{{ship}}", map[string]any{}))
	assert.False(t, EvalCondition("no", nil))
}

func TestResolveVariables(t *testing.T) {
	pb := &PlaybookFields{
		Name:  "release",
		Steps: []PlaybookStep{{ID: "only", Title: "Only"}},
		Variables: []PlaybookVariable{
			{Name: "version", Type: VarString, Required: true},
			{Name: "ship", Type: VarBoolean, Default: false},
		},
	}
	vars, err := pb.ResolveVariables(map[string]any{"version": "2.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", vars["version"])
	assert.Equal(t, false, vars["ship"], "default applies when omitted")

	_, err = pb.ResolveVariables(nil)
	assert.Error(t, err, "required variable missing")
}

func TestElementStatusAndTombstone(t *testing.T) {
	task := &Element{Kind: KindTask, Task: &TaskFields{Status: TaskOpen}}
	assert.Equal(t, "open", task.Status())
	assert.False(t, task.Tombstoned())

	now := time.Now().UTC()
	task.DeletedAt = &now
	assert.True(t, task.Tombstoned())
	assert.Equal(t, StatusTombstone, task.Status())
}
