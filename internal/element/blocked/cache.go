// Package blocked maintains the materialized blocked cache: a mapping from
// element id to the first dependency that currently blocks it. The cache is
// wholly derived from the dependency graph plus the clock, so a full rebuild
// is always a safe recovery path.
package blocked

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/repository"
)

// State is the blocking verdict for a single element.
type State struct {
	BlockedBy string `json:"blockedBy"`
	Reason    string `json:"reason"`
}

// Cache computes and maintains blocked_cache rows.
type Cache struct {
	repo *repository.Repository
	log  *logger.Logger
}

func New(repo *repository.Repository, log *logger.Logger) *Cache {
	return &Cache{
		repo: repo,
		log:  log.WithFields(zap.String("component", "blocked-cache")),
	}
}

// Compute evaluates the blocking state of a single element at the given time
// without touching the cache. Outgoing blocking edges are examined in
// (type, createdAt, targetId) order and the first blocking edge wins.
func (c *Cache) Compute(ctx context.Context, id string, now time.Time) (*State, error) {
	deps, err := c.repo.GetDependencies(ctx, id, models.BlockingDependencyTypes...)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		state, err := c.evalEdge(ctx, dep, now)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
	}
	return nil, nil
}

func (c *Cache) evalEdge(ctx context.Context, dep *models.Dependency, now time.Time) (*State, error) {
	switch dep.Type {
	case models.DepAwaits:
		// Gate targets are opaque ids; the edge's metadata alone decides.
		if models.GateSatisfied(dep.Metadata, now) {
			return nil, nil
		}
		return &State{
			BlockedBy: dep.TargetID,
			Reason:    fmt.Sprintf("Blocked by %s (awaits %s gate)", dep.TargetID, gateName(dep.Metadata)),
		}, nil

	case models.DepBlocks:
		target, err := c.targetElement(ctx, dep.TargetID)
		if err != nil {
			return nil, err
		}
		if target == nil || target.Completed() {
			return nil, nil
		}
		return &State{
			BlockedBy: dep.TargetID,
			Reason:    fmt.Sprintf("Blocked by %s (blocks dependency)", dep.TargetID),
		}, nil

	case models.DepParentChild:
		target, err := c.targetElement(ctx, dep.TargetID)
		if err != nil {
			return nil, err
		}
		// A tombstoned or missing parent contributes neither direct nor
		// inherited blocking.
		if target == nil || target.Tombstoned() {
			return nil, nil
		}
		entry, err := c.repo.GetBlocked(ctx, dep.TargetID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return &State{
				BlockedBy: dep.TargetID,
				Reason:    fmt.Sprintf("Blocked by %s (inherited from parent)", dep.TargetID),
			}, nil
		}
		if !target.Completed() {
			return &State{
				BlockedBy: dep.TargetID,
				Reason:    fmt.Sprintf("Blocked by %s (parent not completed)", dep.TargetID),
			}, nil
		}
		return nil, nil
	}
	return nil, nil
}

// targetElement loads an edge target. A hard-deleted target is reported as
// nil: it cannot block anyone.
func (c *Cache) targetElement(ctx context.Context, id string) (*models.Element, error) {
	el, err := c.repo.GetElement(ctx, id, true)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return el, nil
}

func gateName(metadata map[string]any) string {
	if gate, _ := metadata["gate"].(string); gate != "" {
		return gate
	}
	return "invalid"
}

// Invalidate recomputes one element's blocking state and writes the verdict
// through to the cache row.
func (c *Cache) Invalidate(ctx context.Context, id string, now time.Time) error {
	el, err := c.targetElement(ctx, id)
	if err != nil {
		return err
	}
	if el == nil || el.Tombstoned() {
		return c.repo.DeleteBlocked(ctx, id)
	}
	state, err := c.Compute(ctx, id, now)
	if err != nil {
		return err
	}
	if state == nil {
		return c.repo.DeleteBlocked(ctx, id)
	}
	return c.repo.UpsertBlocked(ctx, id, state.BlockedBy, state.Reason)
}

// InvalidateDependents recomputes every element with a blocking edge pointing
// at id. Used when id's status crosses the completed boundary or id is
// deleted. Parent-child dependents propagate into their own descendants.
func (c *Cache) InvalidateDependents(ctx context.Context, id string, now time.Time) error {
	dependents, err := c.repo.GetDependents(ctx, id, models.BlockingDependencyTypes...)
	if err != nil {
		return err
	}
	visited := map[string]bool{}
	for _, dep := range dependents {
		if err := c.Invalidate(ctx, dep.SourceID, now); err != nil {
			return err
		}
		visited[dep.SourceID] = true
		if dep.Type == models.DepParentChild {
			if err := c.invalidateChildren(ctx, dep.SourceID, now, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnDependencyChanged handles an added or removed blocking edge from source.
func (c *Cache) OnDependencyChanged(ctx context.Context, sourceID string, depType models.DependencyType, now time.Time) error {
	if !depType.Blocking() {
		return nil
	}
	if err := c.Invalidate(ctx, sourceID, now); err != nil {
		return err
	}
	if depType == models.DepParentChild {
		return c.invalidateChildren(ctx, sourceID, now, map[string]bool{sourceID: true})
	}
	return nil
}

// OnElementDeleted drops the element's own cache row and recomputes its
// dependents, which now see the target as completed.
func (c *Cache) OnElementDeleted(ctx context.Context, id string, now time.Time) error {
	if err := c.repo.DeleteBlocked(ctx, id); err != nil {
		return err
	}
	return c.InvalidateDependents(ctx, id, now)
}

// invalidateChildren walks parent-child descendants of id. The visited set
// makes the recursion safe even if a malformed graph contains a cycle.
func (c *Cache) invalidateChildren(ctx context.Context, id string, now time.Time, visited map[string]bool) error {
	children, err := c.repo.GetDependents(ctx, id, models.DepParentChild)
	if err != nil {
		return err
	}
	for _, edge := range children {
		child := edge.SourceID
		if visited[child] {
			continue
		}
		visited[child] = true
		if err := c.Invalidate(ctx, child, now); err != nil {
			return err
		}
		if err := c.invalidateChildren(ctx, child, now, visited); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild recomputes the whole cache from scratch. Parents are processed
// before their children so that inherited blocking reads settled rows.
func (c *Cache) Rebuild(ctx context.Context, now time.Time) error {
	start := time.Now()
	if err := c.repo.ClearBlocked(ctx); err != nil {
		return err
	}
	candidates, err := c.repo.ListBlockingSourceIDs(ctx)
	if err != nil {
		return err
	}
	candidateSet := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		candidateSet[id] = true
	}

	// Parent/child maps restricted to the candidate set.
	parents := map[string][]string{}
	children := map[string][]string{}
	for _, id := range candidates {
		deps, err := c.repo.GetDependencies(ctx, id, models.DepParentChild)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if candidateSet[dep.TargetID] {
				parents[id] = append(parents[id], dep.TargetID)
				children[dep.TargetID] = append(children[dep.TargetID], id)
			}
		}
	}

	var queue []string
	for _, id := range candidates {
		if len(parents[id]) == 0 {
			queue = append(queue, id)
		}
	}

	processed := make(map[string]bool, len(candidates))
	stalls := 0
	for len(queue) > 0 && stalls <= len(queue) {
		id := queue[0]
		queue = queue[1:]
		if processed[id] {
			stalls = 0
			continue
		}
		ready := true
		for _, p := range parents[id] {
			if !processed[p] {
				ready = false
				break
			}
		}
		if !ready {
			queue = append(queue, id)
			stalls++
			continue
		}
		if err := c.Invalidate(ctx, id, now); err != nil {
			return err
		}
		processed[id] = true
		stalls = 0
		queue = append(queue, children[id]...)
	}

	// Defensive sweep for malformed graphs: anything the ordered pass could
	// not settle is computed directly.
	swept := 0
	for _, id := range candidates {
		if processed[id] {
			continue
		}
		if err := c.Invalidate(ctx, id, now); err != nil {
			return err
		}
		swept++
	}

	c.log.Info("blocked cache rebuilt",
		zap.Int("candidates", len(candidates)),
		zap.Int("swept", swept),
		zap.Duration("took", time.Since(start)))
	return nil
}

// TickTimerGates re-evaluates every element holding an awaits edge whose
// timer expired at or before now. Called periodically and once at startup.
func (c *Cache) TickTimerGates(ctx context.Context, now time.Time) error {
	ids, err := c.repo.ListDueTimerGateSourceIDs(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.Invalidate(ctx, id, now); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		c.log.Debug("timer gates ticked", zap.Int("elements", len(ids)))
	}
	return nil
}
