// Package workflow implements task and workflow logic on top of the Element
// API: ready/blocked queries, workflow progress, and the pour/squash/burn/gc
// lifecycle for playbook-instantiated workflows.
package workflow

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/blocked"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/events/bus"
	"github.com/elemental-sh/elemental/internal/repository"
)

const eventSource = "workflow-service"

// Service exposes the task/workflow operations.
type Service struct {
	repo     *repository.Repository
	elements *elementsvc.Service
	cache    *blocked.Cache
	bus      bus.EventBus
	log      *logger.Logger
}

func New(repo *repository.Repository, elements *elementsvc.Service, cache *blocked.Cache, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		elements: elements,
		cache:    cache,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "workflow-service")),
	}
}

// Ready returns tasks that are actionable now.
func (s *Service) Ready(ctx context.Context, filter repository.TaskQueryFilter) ([]*models.Element, error) {
	return s.repo.ReadyTasks(ctx, time.Now(), filter)
}

// Blocked returns blocked tasks with their cached cause.
func (s *Service) Blocked(ctx context.Context, filter repository.TaskQueryFilter) ([]*repository.BlockedTask, error) {
	return s.repo.BlockedTasks(ctx, filter)
}

// Progress summarizes the tasks of one workflow.
type Progress struct {
	WorkflowID           string                    `json:"workflowId"`
	TotalTasks           int                       `json:"totalTasks"`
	StatusCounts         map[string]int            `json:"statusCounts"`
	ReadyTasks           []*models.Element         `json:"readyTasks"`
	BlockedTasks         []*repository.BlockedTask `json:"blockedTasks"`
	CompletionPercentage int                       `json:"completionPercentage"`
}

// GetProgress computes the progress summary for a workflow.
func (s *Service) GetProgress(ctx context.Context, workflowID string) (*Progress, error) {
	wf, err := s.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	children, err := s.childTasks(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		WorkflowID:   wf.ID,
		TotalTasks:   len(children),
		StatusCounts: map[string]int{},
	}
	closed := 0
	ids := make([]string, 0, len(children))
	for _, task := range children {
		status := task.Status()
		progress.StatusCounts[status]++
		if status == string(models.TaskClosed) {
			closed++
		}
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		if progress.ReadyTasks, err = s.repo.ReadyTasks(ctx, time.Now(), repository.TaskQueryFilter{IDs: ids}); err != nil {
			return nil, err
		}
		if progress.BlockedTasks, err = s.repo.BlockedTasks(ctx, repository.TaskQueryFilter{IDs: ids}); err != nil {
			return nil, err
		}
	}
	if progress.TotalTasks > 0 {
		progress.CompletionPercentage = int(math.Round(100 * float64(closed) / float64(progress.TotalTasks)))
	}
	return progress, nil
}

// Tasks lists the child tasks of a workflow.
func (s *Service) Tasks(ctx context.Context, workflowID string) ([]*models.Element, error) {
	if _, err := s.getWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.childTasks(ctx, workflowID)
}

// ListWorkflows lists workflow elements.
func (s *Service) ListWorkflows(ctx context.Context, statuses []string, limit int) ([]*models.Element, error) {
	return s.repo.ListElements(ctx, repository.ListFilter{
		Kind:     models.KindWorkflow,
		Statuses: statuses,
		Limit:    limit,
	})
}

// Cancel moves a pending or running workflow to cancelled.
func (s *Service) Cancel(ctx context.Context, workflowID, reason, actor string) (*models.Element, error) {
	status := string(models.WorkflowCancelled)
	patch := &elementsvc.Patch{Status: &status}
	if reason != "" {
		patch.CancelReason = &reason
	}
	wf, err := s.elements.Update(ctx, workflowID, patch, nil, actor)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorkflowStatusChanged, map[string]any{
		"workflowId": workflowID, "status": status,
	})
	return wf, nil
}

func (s *Service) getWorkflow(ctx context.Context, id string) (*models.Element, error) {
	wf, err := s.repo.GetElement(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if wf.Kind != models.KindWorkflow {
		return nil, apperrors.Validationf("element %s is not a workflow", id)
	}
	return wf, nil
}

// childTasks returns the elements one parent-child hop below the workflow.
func (s *Service) childTasks(ctx context.Context, workflowID string) ([]*models.Element, error) {
	edges, err := s.repo.GetDependents(ctx, workflowID, models.DepParentChild)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Element, 0, len(edges))
	for _, edge := range edges {
		task, err := s.repo.GetElement(ctx, edge.SourceID, false)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.log.WithError(err).Warn("failed to publish event", zap.String("event_type", eventType))
	}
}
