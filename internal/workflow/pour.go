package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/repository"
)

// PourRequest instantiates a playbook into a workflow.
type PourRequest struct {
	PlaybookID   string         `json:"playbookId,omitempty"`
	PlaybookName string         `json:"playbookName,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Ephemeral    bool           `json:"ephemeral,omitempty"`
	Title        string         `json:"title,omitempty"`
	Actor        string         `json:"actor,omitempty"`
}

// PourResult reports what a pour created.
type PourResult struct {
	Workflow     *models.Element   `json:"workflow"`
	TaskIDs      map[string]string `json:"taskIds"` // step id -> task id
	SkippedSteps []string          `json:"skippedSteps,omitempty"`
}

// Pour instantiates a playbook: resolve variables, evaluate step conditions,
// create one task per included step, wire blocks edges from dependsOn, and
// parent-child every task under a fresh pending workflow.
func (s *Service) Pour(ctx context.Context, req *PourRequest) (*PourResult, error) {
	playbook, err := s.resolvePlaybook(ctx, req)
	if err != nil {
		return nil, err
	}
	pb := playbook.Playbook

	variables, err := pb.ResolveVariables(req.Variables)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	included := make([]models.PlaybookStep, 0, len(pb.Steps))
	skipped := []string{}
	skippedSet := map[string]bool{}
	for _, step := range pb.Steps {
		if models.EvalCondition(step.Condition, variables) {
			included = append(included, step)
		} else {
			skipped = append(skipped, step.ID)
			skippedSet[step.ID] = true
		}
	}

	actor := req.Actor
	if actor == "" {
		actor = models.SystemEntityID
	}

	// Workflow first so the parent-child edges have a live target.
	title := req.Title
	if title == "" {
		title = pb.Name
	}
	wf, err := s.elements.Create(ctx, &models.Element{
		Kind:      models.KindWorkflow,
		Title:     title,
		CreatedBy: actor,
		Workflow: &models.WorkflowFields{
			Status:     models.WorkflowPending,
			Ephemeral:  req.Ephemeral,
			PlaybookID: playbook.ID,
			Variables:  variables,
		},
	})
	if err != nil {
		return nil, err
	}

	taskIDs := make(map[string]string, len(included))
	for _, step := range included {
		priority := step.Priority
		if priority == 0 {
			priority = 3
		}
		complexity := step.Complexity
		if complexity == 0 {
			complexity = 3
		}
		taskType := step.TaskType
		if taskType == "" {
			taskType = models.TaskTypeTask
		}
		task, err := s.elements.Create(ctx, &models.Element{
			Kind:      models.KindTask,
			Title:     models.RenderTemplate(step.Title, variables),
			CreatedBy: actor,
			Task: &models.TaskFields{
				Status:     models.TaskOpen,
				Priority:   priority,
				Complexity: complexity,
				TaskType:   taskType,
				Ephemeral:  req.Ephemeral,
			},
		})
		if err != nil {
			return nil, err
		}
		taskIDs[step.ID] = task.ID
	}

	// dependsOn becomes blocks edges among the created tasks; dependencies on
	// skipped steps are dropped.
	for _, step := range included {
		for _, dep := range step.DependsOn {
			if skippedSet[dep] {
				continue
			}
			if err := s.elements.AddDependency(ctx, &models.Dependency{
				SourceID:  taskIDs[step.ID],
				TargetID:  taskIDs[dep],
				Type:      models.DepBlocks,
				CreatedBy: actor,
			}); err != nil {
				return nil, err
			}
		}
	}
	for _, step := range included {
		if err := s.elements.AddDependency(ctx, &models.Dependency{
			SourceID:  taskIDs[step.ID],
			TargetID:  wf.ID,
			Type:      models.DepParentChild,
			CreatedBy: actor,
		}); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, events.WorkflowPoured, map[string]any{
		"workflowId": wf.ID,
		"playbookId": playbook.ID,
		"taskCount":  len(taskIDs),
		"skipped":    skipped,
	})
	s.log.Info("workflow poured",
		zap.String("workflow_id", wf.ID),
		zap.String("playbook", pb.Name),
		zap.Int("tasks", len(taskIDs)),
		zap.Int("skipped", len(skipped)))

	return &PourResult{Workflow: wf, TaskIDs: taskIDs, SkippedSteps: skipped}, nil
}

func (s *Service) resolvePlaybook(ctx context.Context, req *PourRequest) (*models.Element, error) {
	var playbook *models.Element
	var err error
	switch {
	case req.PlaybookID != "":
		playbook, err = s.repo.GetElement(ctx, req.PlaybookID, false)
	case req.PlaybookName != "":
		playbook, err = s.repo.GetPlaybookByName(ctx, req.PlaybookName)
	default:
		return nil, apperrors.InvalidInput("playbookId or playbookName is required")
	}
	if err != nil {
		return nil, err
	}
	if playbook.Kind != models.KindPlaybook || playbook.Playbook == nil {
		return nil, apperrors.Validationf("element %s is not a playbook", playbook.ID)
	}
	return playbook, nil
}

// GCResult reports what gc selected and burned.
type GCResult struct {
	Candidates []string `json:"candidates"`
	Burned     []string `json:"burned,omitempty"`
	DryRun     bool     `json:"dryRun"`
}

// GC selects ephemeral workflows in a terminal status whose finishedAt is
// older than maxAge and burns them, or just reports them when dryRun.
func (s *Service) GC(ctx context.Context, maxAge time.Duration, dryRun bool) (*GCResult, error) {
	workflows, err := s.repo.ListElements(ctx, repository.ListFilter{
		Kind: models.KindWorkflow,
		Statuses: []string{
			string(models.WorkflowCompleted),
			string(models.WorkflowFailed),
			string(models.WorkflowCancelled),
		},
	})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	result := &GCResult{DryRun: dryRun, Candidates: []string{}}
	for _, wf := range workflows {
		w := wf.Workflow
		if w == nil || !w.Ephemeral || w.FinishedAt == nil {
			continue
		}
		if w.FinishedAt.After(cutoff) {
			continue
		}
		result.Candidates = append(result.Candidates, wf.ID)
	}
	if dryRun {
		return result, nil
	}
	for _, id := range result.Candidates {
		if err := s.Burn(ctx, id, false); err != nil {
			return nil, err
		}
		result.Burned = append(result.Burned, id)
	}
	return result, nil
}
