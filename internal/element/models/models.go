// Package models defines the uniform element record, dependency edges, and
// the kind-specific status machines used across the Elemental core.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an element represents.
type Kind string

const (
	KindTask         Kind = "task"
	KindWorkflow     Kind = "workflow"
	KindPlaybook     Kind = "playbook"
	KindDocument     Kind = "document"
	KindEntity       Kind = "entity"
	KindLibrary      Kind = "library"
	KindChannel      Kind = "channel"
	KindNotification Kind = "notification"
	KindComment      Kind = "comment"
)

// SystemEntityID is the reserved entity representing the daemon itself.
const SystemEntityID = "el-0000"

var validKinds = map[Kind]bool{
	KindTask: true, KindWorkflow: true, KindPlaybook: true,
	KindDocument: true, KindEntity: true, KindLibrary: true,
	KindChannel: true, KindNotification: true, KindComment: true,
}

// ValidKind reports whether k is a known element kind.
func ValidKind(k Kind) bool {
	return validKinds[k]
}

// NewElementID returns a fresh element id with the canonical "el-" prefix.
func NewElementID() string {
	return "el-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// StatusTombstone is the universal soft-delete status, orthogonal to the
// kind-specific status enums.
const StatusTombstone = "tombstone"

// TaskStatus is the lifecycle status of a task element.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDeferred   TaskStatus = "deferred"
	TaskClosed     TaskStatus = "closed"
	TaskTombstone  TaskStatus = StatusTombstone
)

// taskTransitions is the allowed-successors table for task statuses.
// Tombstone is reachable from anywhere; leaving it requires an explicit
// restore, not a status transition.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskOpen:       {TaskInProgress, TaskDeferred, TaskClosed, TaskTombstone},
	TaskInProgress: {TaskOpen, TaskBlocked, TaskDeferred, TaskClosed, TaskTombstone},
	TaskBlocked:    {TaskInProgress, TaskDeferred, TaskClosed, TaskTombstone},
	TaskDeferred:   {TaskOpen, TaskClosed, TaskTombstone},
	TaskClosed:     {TaskOpen, TaskTombstone},
	TaskTombstone:  {},
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	_, ok := taskTransitions[s]
	return ok
}

// CanTransitionTask reports whether a task may move from one status to
// another. Self-transitions are allowed (idempotent updates).
func CanTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskType classifies a task.
type TaskType string

const (
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeTask    TaskType = "task"
	TaskTypeChore   TaskType = "chore"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeBug, TaskTypeFeature, TaskTypeTask, TaskTypeChore:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle status of a workflow element.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowTombstone WorkflowStatus = StatusTombstone
)

// workflowTransitions is the allowed-successors table for workflow statuses.
// Terminal states are immutable except for tombstone.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending:   {WorkflowRunning, WorkflowCancelled, WorkflowTombstone},
	WorkflowRunning:   {WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTombstone},
	WorkflowCompleted: {WorkflowTombstone},
	WorkflowFailed:    {WorkflowTombstone},
	WorkflowCancelled: {WorkflowTombstone},
	WorkflowTombstone: {},
}

// ValidWorkflowStatus reports whether s is a known workflow status.
func ValidWorkflowStatus(s WorkflowStatus) bool {
	_, ok := workflowTransitions[s]
	return ok
}

// CanTransitionWorkflow reports whether a workflow may move between statuses.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	if from == to {
		return true
	}
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalWorkflowStatus reports whether s is a terminal workflow status.
func TerminalWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// completedStatuses are the statuses that stop an element from blocking its
// dependents.
var completedStatuses = map[string]bool{
	string(TaskClosed):        true,
	string(WorkflowCompleted): true,
	StatusTombstone:           true,
}

// CompletedStatus reports whether a raw status string counts as completed for
// blocking purposes.
func CompletedStatus(status string) bool {
	return completedStatuses[status]
}

// TaskFields carries the task-specific portion of an element.
type TaskFields struct {
	Status       TaskStatus `json:"status"`
	Priority     int        `json:"priority"`   // 1..5, 1 = critical
	Complexity   int        `json:"complexity"` // 1..5
	TaskType     TaskType   `json:"taskType"`
	Assignee     string     `json:"assignee,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	CloseReason  string     `json:"closeReason,omitempty"`
	Ephemeral    bool       `json:"ephemeral"`
}

// WorkflowFields carries the workflow-specific portion of an element.
type WorkflowFields struct {
	Status        WorkflowStatus `json:"status"`
	Ephemeral     bool           `json:"ephemeral"`
	PlaybookID    string         `json:"playbookId,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CancelReason  string         `json:"cancelReason,omitempty"`
}

// Element is the uniform persistent record. Every kind is an element; the
// kind-specific pointers are populated only for the matching kind.
type Element struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CreatedBy   string         `json:"createdBy"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
	Version     int64          `json:"version"`

	Task     *TaskFields     `json:"task,omitempty"`
	Workflow *WorkflowFields `json:"workflow,omitempty"`
	Playbook *PlaybookFields `json:"playbook,omitempty"`
}

// Tombstoned reports whether the element has been soft-deleted.
func (e *Element) Tombstoned() bool {
	return e.DeletedAt != nil
}

// Status returns the kind-specific status string, or "" for kinds without one.
func (e *Element) Status() string {
	if e.Tombstoned() {
		return StatusTombstone
	}
	switch {
	case e.Task != nil:
		return string(e.Task.Status)
	case e.Workflow != nil:
		return string(e.Workflow.Status)
	}
	return ""
}

// Completed reports whether the element no longer blocks dependents: it is
// tombstoned, a closed task, or a completed workflow.
func (e *Element) Completed() bool {
	if e.Tombstoned() {
		return true
	}
	return CompletedStatus(e.Status())
}

// HasTag reports whether the element carries the given tag.
func (e *Element) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
