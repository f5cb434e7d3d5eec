// Package service implements the Element API: CRUD over the uniform element
// record, dependency graph mutations, and the queries built on top of them.
// Mutations persist first, then notify the blocked cache and publish on the
// event bus; cache failures after commit never propagate to the caller.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/blocked"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/events/bus"
	"github.com/elemental-sh/elemental/internal/repository"
)

const eventSource = "element-service"

// Service is the Element API.
type Service struct {
	repo  *repository.Repository
	cache *blocked.Cache
	bus   bus.EventBus
	log   *logger.Logger

	rebuildNeeded atomic.Bool
}

func New(repo *repository.Repository, cache *blocked.Cache, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "element-service")),
	}
}

// Create validates and persists a new element. Missing ids and timestamps are
// filled in; tasks default to open, workflows to pending.
func (s *Service) Create(ctx context.Context, el *models.Element) (*models.Element, error) {
	if el.Title == "" {
		return nil, apperrors.Validation("title is required")
	}
	if !models.ValidKind(el.Kind) {
		return nil, apperrors.Validationf("unknown kind %q", el.Kind)
	}
	if el.ID == "" {
		el.ID = models.NewElementID()
	}
	if el.CreatedBy == "" {
		el.CreatedBy = models.SystemEntityID
	}
	if err := s.verifyActor(ctx, el.CreatedBy); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	el.CreatedAt = now
	el.UpdatedAt = now
	el.DeletedAt = nil

	if err := s.applyKindDefaults(el); err != nil {
		return nil, err
	}
	if el.Kind == models.KindPlaybook {
		if err := s.checkPlaybookName(ctx, el); err != nil {
			return nil, err
		}
	}
	if err := s.repo.CreateElement(ctx, el); err != nil {
		return nil, err
	}

	s.audit(ctx, el.ID, events.ElementCreated, el.CreatedBy, map[string]any{"kind": string(el.Kind)})
	s.publish(ctx, events.ElementCreated, map[string]any{
		"elementId": el.ID,
		"kind":      string(el.Kind),
		"title":     el.Title,
	})
	return el, nil
}

func (s *Service) applyKindDefaults(el *models.Element) error {
	switch el.Kind {
	case models.KindTask:
		if el.Task == nil {
			el.Task = &models.TaskFields{}
		}
		t := el.Task
		if t.Status == "" {
			t.Status = models.TaskOpen
		}
		if !models.ValidTaskStatus(t.Status) || t.Status == models.TaskTombstone {
			return apperrors.Validationf("unknown task status %q", t.Status)
		}
		if t.Priority == 0 {
			t.Priority = 3
		}
		if t.Complexity == 0 {
			t.Complexity = 3
		}
		if t.Priority < 1 || t.Priority > 5 {
			return apperrors.Validationf("priority %d out of range 1..5", t.Priority)
		}
		if t.Complexity < 1 || t.Complexity > 5 {
			return apperrors.Validationf("complexity %d out of range 1..5", t.Complexity)
		}
		if t.TaskType == "" {
			t.TaskType = models.TaskTypeTask
		}
		if !models.ValidTaskType(t.TaskType) {
			return apperrors.Validationf("unknown task type %q", t.TaskType)
		}
	case models.KindWorkflow:
		if el.Workflow == nil {
			el.Workflow = &models.WorkflowFields{}
		}
		w := el.Workflow
		if w.Status == "" {
			w.Status = models.WorkflowPending
		}
		if !models.ValidWorkflowStatus(w.Status) || w.Status == models.WorkflowTombstone {
			return apperrors.Validationf("unknown workflow status %q", w.Status)
		}
	case models.KindPlaybook:
		if el.Playbook == nil {
			return apperrors.Validation("playbook elements require playbook fields")
		}
		if err := el.Playbook.Validate(); err != nil {
			return apperrors.Validation(err.Error())
		}
	}
	return nil
}

// checkPlaybookName enforces one live playbook per name; pour-by-name would
// otherwise resolve to an arbitrary row. Tombstoned playbooks free their name.
func (s *Service) checkPlaybookName(ctx context.Context, el *models.Element) error {
	existing, err := s.repo.GetPlaybookByName(ctx, el.Playbook.Name)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == el.ID {
		return nil
	}
	return apperrors.Conflict("playbook named " + el.Playbook.Name + " already exists")
}

// verifyActor checks that an actor id refers to a registered entity. The
// reserved system entity is accepted even before init has seeded it.
func (s *Service) verifyActor(ctx context.Context, actorID string) error {
	if actorID == models.SystemEntityID {
		return nil
	}
	actor, err := s.repo.GetElement(ctx, actorID, false)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return apperrors.Validationf("actor %q is not a registered entity", actorID)
		}
		return err
	}
	if actor.Kind != models.KindEntity {
		return apperrors.Validationf("actor %q is not an entity", actorID)
	}
	return nil
}

// Get fetches an element. Tombstoned elements are NotFound unless the caller
// opts in.
func (s *Service) Get(ctx context.Context, id string, includeTombstoned bool) (*models.Element, error) {
	return s.repo.GetElement(ctx, id, includeTombstoned)
}

// Update applies a patch under the optimistic concurrency contract and
// notifies the cache when a status crosses the completed boundary.
func (s *Service) Update(ctx context.Context, id string, patch *Patch, expectedVersion *int64, actor string) (*models.Element, error) {
	el, err := s.repo.GetElement(ctx, id, false)
	if err != nil {
		return nil, err
	}
	wasCompleted := el.Completed()
	statusBefore := el.Status()

	if err := patch.apply(el); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateElement(ctx, el, expectedVersion); err != nil {
		return nil, err
	}

	statusAfter := el.Status()
	if statusBefore != statusAfter {
		s.audit(ctx, id, events.TaskStatusChanged, actor, map[string]any{
			"from": statusBefore, "to": statusAfter,
		})
	}
	s.audit(ctx, id, events.ElementUpdated, actor, patch.auditPayload())
	s.publish(ctx, events.ElementUpdated, map[string]any{
		"elementId": id,
		"status":    statusAfter,
		"version":   el.Version,
	})

	if wasCompleted != el.Completed() {
		s.invalidateDependentsSafe(ctx, id)
	}
	return el, nil
}

// Delete soft-deletes an element: tombstone status, version bump, cache
// release of its dependents.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	el, err := s.repo.GetElement(ctx, id, false)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	el.DeletedAt = &now
	if el.Task != nil {
		el.Task.Status = models.TaskTombstone
	}
	if el.Workflow != nil {
		el.Workflow.Status = models.WorkflowTombstone
	}
	if err := s.repo.UpdateElement(ctx, el, nil); err != nil {
		return err
	}

	s.audit(ctx, id, events.ElementDeleted, actor, nil)
	s.publish(ctx, events.ElementDeleted, map[string]any{"elementId": id})

	if err := s.cache.OnElementDeleted(ctx, id, time.Now()); err != nil {
		s.cacheFailure(id, err)
	}
	return nil
}

// Restore reverses a soft delete. Tasks come back open, workflows pending.
func (s *Service) Restore(ctx context.Context, id, actor string) (*models.Element, error) {
	el, err := s.repo.GetElement(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if !el.Tombstoned() {
		return nil, apperrors.InvalidState("element " + id + " is not tombstoned")
	}
	el.DeletedAt = nil
	if el.Task != nil {
		el.Task.Status = models.TaskOpen
	}
	if el.Workflow != nil {
		el.Workflow.Status = models.WorkflowPending
	}
	if err := s.repo.UpdateElement(ctx, el, nil); err != nil {
		return nil, err
	}

	s.audit(ctx, id, events.ElementRestored, actor, nil)
	s.publish(ctx, events.ElementRestored, map[string]any{"elementId": id})

	// The element blocks its dependents again, and its own edges apply again.
	s.invalidateDependentsSafe(ctx, id)
	if err := s.cache.Invalidate(ctx, id, time.Now()); err != nil {
		s.cacheFailure(id, err)
	}
	return el, nil
}

// List returns elements matching the filter.
func (s *Service) List(ctx context.Context, filter repository.ListFilter) ([]*models.Element, error) {
	return s.repo.ListElements(ctx, filter)
}

// Page is one page of a paginated list.
type Page struct {
	Elements []*models.Element `json:"elements"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ListPaginated returns one page plus the total match count.
func (s *Service) ListPaginated(ctx context.Context, filter repository.ListFilter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	total, err := s.repo.CountElements(ctx, filter)
	if err != nil {
		return nil, err
	}
	elements, err := s.repo.ListElements(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Elements: elements, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Search returns elements matching a substring query, ordered by recency.
func (s *Service) Search(ctx context.Context, query string, filter repository.ListFilter) ([]*models.Element, error) {
	if query == "" {
		return nil, apperrors.InvalidInput("search query is required")
	}
	return s.repo.SearchElements(ctx, query, filter)
}

// Events returns the element's audit trail.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]*repository.ElementEvent, error) {
	if _, err := s.repo.GetElement(ctx, id, true); err != nil {
		return nil, err
	}
	return s.repo.ListElementEvents(ctx, id, limit)
}

// MaintenanceTick runs the periodic cache work: a recovery rebuild when a
// post-commit invalidation failed, then the timer-gate sweep.
func (s *Service) MaintenanceTick(ctx context.Context, now time.Time) error {
	if s.rebuildNeeded.Swap(false) {
		if err := s.cache.Rebuild(ctx, now); err != nil {
			s.rebuildNeeded.Store(true)
			return err
		}
	}
	return s.cache.TickTimerGates(ctx, now)
}

// RunMaintenance blocks, running MaintenanceTick every interval until the
// context is cancelled. Failures are logged; the next tick retries.
func (s *Service) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.MaintenanceTick(ctx, now); err != nil {
				s.log.WithError(err).Warn("maintenance tick failed")
			}
		}
	}
}

// invalidateDependentsSafe applies the post-commit cache policy: failures are
// logged and queue a recovery rebuild, never surfacing to the caller.
func (s *Service) invalidateDependentsSafe(ctx context.Context, id string) {
	if err := s.cache.InvalidateDependents(ctx, id, time.Now()); err != nil {
		s.cacheFailure(id, err)
	}
}

func (s *Service) cacheFailure(id string, err error) {
	s.rebuildNeeded.Store(true)
	s.log.WithError(err).Warn("blocked cache invalidation failed; rebuild scheduled",
		zap.String("element_id", id))
}

func (s *Service) audit(ctx context.Context, elementID, eventType, actor string, payload map[string]any) {
	if actor == "" {
		actor = models.SystemEntityID
	}
	if err := s.repo.AppendElementEvent(ctx, elementID, eventType, actor, payload); err != nil {
		s.log.WithError(err).Warn("failed to append element event",
			zap.String("element_id", elementID),
			zap.String("event_type", eventType))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.log.WithError(err).Warn("failed to publish event", zap.String("event_type", eventType))
	}
}
