package workflow

import (
	"context"
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
)

func (s *Service) getTask(ctx context.Context, id string) (*models.Element, error) {
	task, err := s.repo.GetElement(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if task.Kind != models.KindTask {
		return nil, apperrors.Validationf("element %s is not a task", id)
	}
	return task, nil
}

// CloseTask closes a task with an optional reason.
func (s *Service) CloseTask(ctx context.Context, taskID, reason, actor string) (*models.Element, error) {
	if _, err := s.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	status := string(models.TaskClosed)
	patch := &elementsvc.Patch{Status: &status}
	if reason != "" {
		patch.CloseReason = &reason
	}
	return s.elements.Update(ctx, taskID, patch, nil, actor)
}

// ReopenTask moves a closed task back to open.
func (s *Service) ReopenTask(ctx context.Context, taskID, actor string) (*models.Element, error) {
	if _, err := s.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	status := string(models.TaskOpen)
	return s.elements.Update(ctx, taskID, &elementsvc.Patch{Status: &status}, nil, actor)
}

// AssignTask sets or clears a task's assignee.
func (s *Service) AssignTask(ctx context.Context, taskID, assignee, actor string) (*models.Element, error) {
	if _, err := s.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	if assignee != "" {
		entity, err := s.repo.GetElement(ctx, assignee, false)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				return nil, apperrors.Validationf("assignee %q is not a registered entity", assignee)
			}
			return nil, err
		}
		if entity.Kind != models.KindEntity {
			return nil, apperrors.Validationf("assignee %q is not an entity", assignee)
		}
	}
	return s.elements.Update(ctx, taskID, &elementsvc.Patch{Assignee: &assignee}, nil, actor)
}

// DeferTask parks a task, optionally until a scheduled time.
func (s *Service) DeferTask(ctx context.Context, taskID string, scheduledFor *time.Time, actor string) (*models.Element, error) {
	if _, err := s.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	status := string(models.TaskDeferred)
	patch := &elementsvc.Patch{Status: &status}
	if scheduledFor != nil {
		patch.ScheduledFor = scheduledFor
	}
	return s.elements.Update(ctx, taskID, patch, nil, actor)
}

// UndeferTask returns a deferred task to open and clears its schedule.
func (s *Service) UndeferTask(ctx context.Context, taskID, actor string) (*models.Element, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Task.Status != models.TaskDeferred {
		return nil, apperrors.InvalidState("task " + taskID + " is not deferred")
	}
	status := string(models.TaskOpen)
	return s.elements.Update(ctx, taskID, &elementsvc.Patch{
		Status:            &status,
		ClearScheduledFor: true,
	}, nil, actor)
}
