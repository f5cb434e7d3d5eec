package service

import (
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
)

// ImmutableFields are the element fields a patch may never touch.
var ImmutableFields = []string{"id", "kind", "createdAt", "createdBy"}

// Patch is a partial element update. Nil pointers leave the field untouched.
// Immutable fields have no representation here; the HTTP and CLI adapters
// reject them before building a Patch.
type Patch struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Tags        *[]string       `json:"tags,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`

	// Task fields.
	Status       *string    `json:"status,omitempty"`
	Priority     *int       `json:"priority,omitempty"`
	Complexity   *int       `json:"complexity,omitempty"`
	TaskType     *string    `json:"taskType,omitempty"`
	Assignee     *string    `json:"assignee,omitempty"`
	Owner        *string    `json:"owner,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	CloseReason  *string    `json:"closeReason,omitempty"`
	Ephemeral    *bool      `json:"ephemeral,omitempty"`

	// Workflow fields.
	Variables     *map[string]any `json:"variables,omitempty"`
	FailureReason *string         `json:"failureReason,omitempty"`
	CancelReason  *string         `json:"cancelReason,omitempty"`

	// Clearing markers: a patch cannot express "set to null" through the
	// pointer fields above, so explicit flags clear the optional timestamps.
	ClearScheduledFor bool `json:"clearScheduledFor,omitempty"`
	ClearDeadline     bool `json:"clearDeadline,omitempty"`
}

// apply mutates el according to the patch, running the kind-specific
// validators. Status changes go through the transition tables.
func (p *Patch) apply(el *models.Element) error {
	if p.Title != nil {
		if *p.Title == "" {
			return apperrors.Validation("title cannot be empty")
		}
		el.Title = *p.Title
	}
	if p.Description != nil {
		el.Description = *p.Description
	}
	if p.Tags != nil {
		el.Tags = *p.Tags
	}
	if p.Metadata != nil {
		el.Metadata = *p.Metadata
	}
	if p.Status != nil && el.Task == nil && el.Workflow == nil {
		return apperrors.Validationf("element %s has no status", el.ID)
	}

	if err := p.applyTask(el); err != nil {
		return err
	}
	return p.applyWorkflow(el)
}

func (p *Patch) applyTask(el *models.Element) error {
	t := el.Task
	if t == nil {
		if p.taskFieldsSet() {
			return apperrors.Validationf("element %s is not a task", el.ID)
		}
		return nil
	}
	if p.Status != nil {
		to := models.TaskStatus(*p.Status)
		if !models.ValidTaskStatus(to) || to == models.TaskTombstone {
			return apperrors.Validationf("unknown task status %q", *p.Status)
		}
		if !models.CanTransitionTask(t.Status, to) {
			return apperrors.Validationf("illegal task transition %s -> %s", t.Status, to)
		}
		t.Status = to
		if to != models.TaskClosed {
			t.CloseReason = ""
		}
	}
	if p.Priority != nil {
		if *p.Priority < 1 || *p.Priority > 5 {
			return apperrors.Validationf("priority %d out of range 1..5", *p.Priority)
		}
		t.Priority = *p.Priority
	}
	if p.Complexity != nil {
		if *p.Complexity < 1 || *p.Complexity > 5 {
			return apperrors.Validationf("complexity %d out of range 1..5", *p.Complexity)
		}
		t.Complexity = *p.Complexity
	}
	if p.TaskType != nil {
		tt := models.TaskType(*p.TaskType)
		if !models.ValidTaskType(tt) {
			return apperrors.Validationf("unknown task type %q", *p.TaskType)
		}
		t.TaskType = tt
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Owner != nil {
		t.Owner = *p.Owner
	}
	if p.ScheduledFor != nil {
		scheduled := p.ScheduledFor.UTC()
		t.ScheduledFor = &scheduled
	}
	if p.ClearScheduledFor {
		t.ScheduledFor = nil
	}
	if p.Deadline != nil {
		deadline := p.Deadline.UTC()
		t.Deadline = &deadline
	}
	if p.ClearDeadline {
		t.Deadline = nil
	}
	if p.CloseReason != nil {
		t.CloseReason = *p.CloseReason
	}
	if p.Ephemeral != nil {
		t.Ephemeral = *p.Ephemeral
	}
	return nil
}

func (p *Patch) applyWorkflow(el *models.Element) error {
	w := el.Workflow
	if w == nil {
		if p.workflowFieldsSet() {
			return apperrors.Validationf("element %s is not a workflow", el.ID)
		}
		return nil
	}
	if p.Status != nil && el.Task == nil {
		to := models.WorkflowStatus(*p.Status)
		if !models.ValidWorkflowStatus(to) || to == models.WorkflowTombstone {
			return apperrors.Validationf("unknown workflow status %q", *p.Status)
		}
		if !models.CanTransitionWorkflow(w.Status, to) {
			return apperrors.Validationf("illegal workflow transition %s -> %s", w.Status, to)
		}
		now := time.Now().UTC()
		if to == models.WorkflowRunning && w.StartedAt == nil {
			w.StartedAt = &now
		}
		if models.TerminalWorkflowStatus(to) && w.FinishedAt == nil {
			w.FinishedAt = &now
		}
		w.Status = to
	}
	if p.Variables != nil {
		w.Variables = *p.Variables
	}
	if p.FailureReason != nil {
		w.FailureReason = *p.FailureReason
	}
	if p.CancelReason != nil {
		w.CancelReason = *p.CancelReason
	}
	if p.Ephemeral != nil {
		w.Ephemeral = *p.Ephemeral
	}
	return nil
}

func (p *Patch) taskFieldsSet() bool {
	return p.Priority != nil || p.Complexity != nil || p.TaskType != nil ||
		p.Assignee != nil || p.Owner != nil || p.ScheduledFor != nil ||
		p.Deadline != nil || p.CloseReason != nil ||
		p.ClearScheduledFor || p.ClearDeadline
}

func (p *Patch) workflowFieldsSet() bool {
	return p.Variables != nil || p.FailureReason != nil || p.CancelReason != nil
}

// auditPayload summarizes which fields the patch touched.
func (p *Patch) auditPayload() map[string]any {
	fields := []string{}
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("title", p.Title != nil)
	add("description", p.Description != nil)
	add("tags", p.Tags != nil)
	add("metadata", p.Metadata != nil)
	add("status", p.Status != nil)
	add("priority", p.Priority != nil)
	add("complexity", p.Complexity != nil)
	add("taskType", p.TaskType != nil)
	add("assignee", p.Assignee != nil)
	add("owner", p.Owner != nil)
	add("scheduledFor", p.ScheduledFor != nil || p.ClearScheduledFor)
	add("deadline", p.Deadline != nil || p.ClearDeadline)
	add("closeReason", p.CloseReason != nil)
	add("ephemeral", p.Ephemeral != nil)
	add("variables", p.Variables != nil)
	add("failureReason", p.FailureReason != nil)
	add("cancelReason", p.CancelReason != nil)
	if len(fields) == 0 {
		return nil
	}
	return map[string]any{"fields": fields}
}
