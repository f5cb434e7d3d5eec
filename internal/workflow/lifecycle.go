package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events"
)

// Squash makes an ephemeral workflow durable. Idempotent.
func (s *Service) Squash(ctx context.Context, workflowID string) (*models.Element, error) {
	wf, err := s.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Workflow.Ephemeral {
		return wf, nil
	}
	wf.Workflow.Ephemeral = false
	if err := s.repo.UpdateElement(ctx, wf, nil); err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorkflowSquashed, map[string]any{"workflowId": wf.ID})
	return wf, nil
}

// Burn hard-deletes a workflow, its child tasks one parent-child hop down,
// and every dependency touching them. Durable workflows require force;
// tombstoned workflows are not found.
func (s *Service) Burn(ctx context.Context, workflowID string, force bool) error {
	wf, err := s.repo.GetElement(ctx, workflowID, false)
	if err != nil {
		return err
	}
	if wf.Kind != models.KindWorkflow {
		return apperrors.Validationf("element %s is not a workflow", workflowID)
	}
	if !force && wf.Workflow != nil && !wf.Workflow.Ephemeral {
		return apperrors.InvalidState("workflow " + workflowID + " is durable; burn requires force")
	}

	children, err := s.repo.GetDependents(ctx, workflowID, models.DepParentChild)
	if err != nil {
		return err
	}
	doomed := map[string]bool{workflowID: true}
	ids := []string{workflowID}
	for _, edge := range children {
		if !doomed[edge.SourceID] {
			doomed[edge.SourceID] = true
			ids = append(ids, edge.SourceID)
		}
	}

	// Elements outside the burn set that depend on a burned element must be
	// recomputed once their edges are gone.
	outside := map[string]bool{}
	for _, id := range ids {
		dependents, err := s.repo.GetDependents(ctx, id, models.BlockingDependencyTypes...)
		if err != nil {
			return err
		}
		for _, edge := range dependents {
			if !doomed[edge.SourceID] {
				outside[edge.SourceID] = true
			}
		}
	}

	for _, id := range ids {
		if err := s.repo.HardDeleteElement(ctx, id); err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				continue
			}
			return err
		}
	}

	now := time.Now()
	for id := range outside {
		if err := s.cache.Invalidate(ctx, id, now); err != nil {
			s.log.WithError(err).Warn("post-burn cache invalidation failed",
				zap.String("element_id", id))
		}
	}

	s.publish(ctx, events.WorkflowBurned, map[string]any{
		"workflowId": workflowID,
		"deleted":    len(ids),
	})
	s.log.Info("workflow burned",
		zap.String("workflow_id", workflowID),
		zap.Int("elements", len(ids)),
		zap.Bool("force", force))
	return nil
}
