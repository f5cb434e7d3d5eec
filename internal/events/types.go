// Package events provides event types and utilities for the Elemental event
// system.
package events

// Subjects group related events; subscribers use NATS-style wildcards, e.g.
// "element.*" for every element mutation.
const (
	SubjectElements  = "element.>"
	SubjectWorkflows = "workflow.>"
	SubjectSessions  = "session.>"
	SubjectWorktrees = "worktree.>"
)

// Event types for elements
const (
	ElementCreated  = "element.created"
	ElementUpdated  = "element.updated"
	ElementDeleted  = "element.deleted"
	ElementRestored = "element.restored"
)

// Event types for dependencies
const (
	DependencyAdded       = "element.dependency_added"
	DependencyRemoved     = "element.dependency_removed"
	DependencyGateUpdated = "element.dependency_gate_updated"
)

// Event types for task lifecycle
const (
	TaskStatusChanged = "element.task.status_changed"
	TaskClosed        = "element.task.closed"
	TaskReopened      = "element.task.reopened"
)

// Event types for workflows
const (
	WorkflowPoured        = "workflow.poured"
	WorkflowStatusChanged = "workflow.status_changed"
	WorkflowSquashed      = "workflow.squashed"
	WorkflowBurned        = "workflow.burned"
)

// Event types for agent sessions
const (
	SessionStarted    = "session.started"
	SessionTerminated = "session.terminated"
)

// Event types for worktrees
const (
	WorktreeCreated = "worktree.created"
	WorktreeRemoved = "worktree.removed"
)
