package blocked

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/repository"
)

func newTestCache(t *testing.T) (*Cache, *repository.Repository) {
	t.Helper()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo, logger.Default()), repo
}

func seedTask(t *testing.T, repo *repository.Repository, id string, status models.TaskStatus) *models.Element {
	t.Helper()
	now := time.Now().UTC()
	el := &models.Element{
		ID:        id,
		Kind:      models.KindTask,
		Title:     "task " + id,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: models.SystemEntityID,
		Task: &models.TaskFields{
			Status:   status,
			Priority: 3, Complexity: 3,
			TaskType: models.TaskTypeTask,
		},
	}
	require.NoError(t, repo.CreateElement(context.Background(), el))
	return el
}

func seedWorkflow(t *testing.T, repo *repository.Repository, id string, status models.WorkflowStatus) *models.Element {
	t.Helper()
	now := time.Now().UTC()
	el := &models.Element{
		ID:        id,
		Kind:      models.KindWorkflow,
		Title:     "workflow " + id,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: models.SystemEntityID,
		Workflow:  &models.WorkflowFields{Status: status},
	}
	require.NoError(t, repo.CreateElement(context.Background(), el))
	return el
}

func seedDep(t *testing.T, repo *repository.Repository, source, target string, depType models.DependencyType, metadata map[string]any) {
	t.Helper()
	require.NoError(t, repo.AddDependency(context.Background(), &models.Dependency{
		SourceID:  source,
		TargetID:  target,
		Type:      depType,
		Metadata:  metadata,
		CreatedBy: models.SystemEntityID,
		CreatedAt: time.Now().UTC(),
	}))
}

func setTaskStatus(t *testing.T, repo *repository.Repository, el *models.Element, status models.TaskStatus) {
	t.Helper()
	el.Task.Status = status
	require.NoError(t, repo.UpdateElement(context.Background(), el, nil))
}

func TestBlocksDependency(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	t1 := seedTask(t, repo, "el-t1", models.TaskOpen)
	seedTask(t, repo, "el-t2", models.TaskOpen)
	seedDep(t, repo, "el-t2", "el-t1", models.DepBlocks, nil)

	require.NoError(t, cache.OnDependencyChanged(ctx, "el-t2", models.DepBlocks, now))

	entry, err := repo.GetBlocked(ctx, "el-t2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "el-t1", entry.BlockedBy)
	assert.Equal(t, "Blocked by el-t1 (blocks dependency)", entry.Reason)

	// Closing the target unblocks the source.
	setTaskStatus(t, repo, t1, models.TaskClosed)
	require.NoError(t, cache.InvalidateDependents(ctx, "el-t1", now))

	entry, err = repo.GetBlocked(ctx, "el-t2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestParentChildTransitions(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	w := seedWorkflow(t, repo, "el-w", models.WorkflowPending)
	seedTask(t, repo, "el-c1", models.TaskOpen)
	seedDep(t, repo, "el-c1", "el-w", models.DepParentChild, nil)

	require.NoError(t, cache.OnDependencyChanged(ctx, "el-c1", models.DepParentChild, now))
	entry, err := repo.GetBlocked(ctx, "el-c1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "el-w", entry.BlockedBy)
	assert.Equal(t, "Blocked by el-w (parent not completed)", entry.Reason)

	// Running is still not completed.
	w.Workflow.Status = models.WorkflowRunning
	require.NoError(t, repo.UpdateElement(ctx, w, nil))
	require.NoError(t, cache.InvalidateDependents(ctx, "el-w", now))
	entry, err = repo.GetBlocked(ctx, "el-c1")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Completion releases the child.
	w.Workflow.Status = models.WorkflowCompleted
	require.NoError(t, repo.UpdateElement(ctx, w, nil))
	require.NoError(t, cache.InvalidateDependents(ctx, "el-w", now))
	entry, err = repo.GetBlocked(ctx, "el-c1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestParentChildInheritedBlocking(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	seedTask(t, repo, "el-root", models.TaskOpen)
	seedTask(t, repo, "el-mid", models.TaskInProgress)
	seedTask(t, repo, "el-leaf", models.TaskOpen)
	seedDep(t, repo, "el-mid", "el-root", models.DepBlocks, nil)
	seedDep(t, repo, "el-leaf", "el-mid", models.DepParentChild, nil)

	require.NoError(t, cache.OnDependencyChanged(ctx, "el-mid", models.DepBlocks, now))
	require.NoError(t, cache.OnDependencyChanged(ctx, "el-leaf", models.DepParentChild, now))

	entry, err := repo.GetBlocked(ctx, "el-leaf")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "el-mid", entry.BlockedBy)
	assert.Equal(t, "Blocked by el-mid (inherited from parent)", entry.Reason)

	// Releasing the root releases the whole chain: dependents of el-root
	// include el-mid, whose descendants are walked because the mid->leaf edge
	// is parent-child... the leaf is walked as a descendant of mid.
	root, err := repo.GetElement(ctx, "el-root", false)
	require.NoError(t, err)
	setTaskStatus(t, repo, root, models.TaskClosed)
	require.NoError(t, cache.InvalidateDependents(ctx, "el-root", now))

	for _, id := range []string{"el-mid", "el-leaf"} {
		entry, err := repo.GetBlocked(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry, id)
	}
}

func TestTombstonedParentDoesNotBlock(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	w := seedWorkflow(t, repo, "el-w", models.WorkflowPending)
	seedTask(t, repo, "el-c", models.TaskOpen)
	seedDep(t, repo, "el-c", "el-w", models.DepParentChild, nil)

	require.NoError(t, cache.OnDependencyChanged(ctx, "el-c", models.DepParentChild, now))
	entry, err := repo.GetBlocked(ctx, "el-c")
	require.NoError(t, err)
	require.NotNil(t, entry)

	deleted := time.Now().UTC()
	w.DeletedAt = &deleted
	require.NoError(t, repo.UpdateElement(ctx, w, nil))
	require.NoError(t, cache.OnElementDeleted(ctx, "el-w", now))

	entry, err = repo.GetBlocked(ctx, "el-c")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTimerGate(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, repo, "el-x", models.TaskOpen)
	seedDep(t, repo, "el-x", "el-x-gate", models.DepAwaits, map[string]any{
		"gate":      "timer",
		"waitUntil": now.Add(100 * time.Millisecond).Format(time.RFC3339Nano),
	})

	require.NoError(t, cache.OnDependencyChanged(ctx, "el-x", models.DepAwaits, now))
	entry, err := repo.GetBlocked(ctx, "el-x")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "el-x-gate", entry.BlockedBy)
	assert.Contains(t, entry.Reason, "awaits timer gate")

	// After the deadline a tick releases it.
	require.NoError(t, cache.TickTimerGates(ctx, now.Add(time.Second)))
	entry, err = repo.GetBlocked(ctx, "el-x")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestApprovalGate(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	seedTask(t, repo, "el-x", models.TaskOpen)
	seedDep(t, repo, "el-x", "el-approval", models.DepAwaits, map[string]any{
		"gate":              "approval",
		"requiredApprovers": []string{"el-alice", "el-bob"},
	})

	require.NoError(t, cache.Invalidate(ctx, "el-x", now))
	entry, err := repo.GetBlocked(ctx, "el-x")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Two approvals satisfy the default count.
	require.NoError(t, repo.UpdateDependencyMetadata(ctx, "el-x", "el-approval", models.DepAwaits, map[string]any{
		"gate":              "approval",
		"requiredApprovers": []string{"el-alice", "el-bob"},
		"currentApprovers":  []string{"el-alice", "el-bob"},
	}))
	require.NoError(t, cache.Invalidate(ctx, "el-x", now))
	entry, err = repo.GetBlocked(ctx, "el-x")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestInvalidGateMetadataBlocks(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()

	seedTask(t, repo, "el-x", models.TaskOpen)
	seedDep(t, repo, "el-x", "el-gate", models.DepAwaits, map[string]any{"gate": "nonsense"})

	require.NoError(t, cache.Invalidate(ctx, "el-x", time.Now()))
	entry, err := repo.GetBlocked(ctx, "el-x")
	require.NoError(t, err)
	require.NotNil(t, entry, "invalid metadata must fail safe to blocked")
}

func TestFirstEdgeWins(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()

	seedTask(t, repo, "el-a", models.TaskOpen)
	seedTask(t, repo, "el-b", models.TaskOpen)
	seedTask(t, repo, "el-src", models.TaskOpen)
	// Insertion order within a type is created_at order.
	seedDep(t, repo, "el-src", "el-a", models.DepBlocks, nil)
	time.Sleep(5 * time.Millisecond)
	seedDep(t, repo, "el-src", "el-b", models.DepBlocks, nil)

	require.NoError(t, cache.Invalidate(ctx, "el-src", time.Now()))
	entry, err := repo.GetBlocked(ctx, "el-src")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "el-a", entry.BlockedBy)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	seedTask(t, repo, "el-t1", models.TaskOpen)
	seedTask(t, repo, "el-t2", models.TaskOpen)
	seedDep(t, repo, "el-t2", "el-t1", models.DepBlocks, nil)
	require.NoError(t, cache.OnDependencyChanged(ctx, "el-t2", models.DepBlocks, now))

	require.NoError(t, repo.RemoveDependency(ctx, "el-t2", "el-t1", models.DepBlocks))
	require.NoError(t, cache.OnDependencyChanged(ctx, "el-t2", models.DepBlocks, now))

	entry, err := repo.GetBlocked(ctx, "el-t2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRebuildProcessesParentsFirst(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()

	// leaf -> mid (parent-child), mid -> root (blocks), root open.
	seedTask(t, repo, "el-root", models.TaskOpen)
	seedTask(t, repo, "el-mid", models.TaskOpen)
	seedTask(t, repo, "el-leaf", models.TaskOpen)
	seedDep(t, repo, "el-mid", "el-root", models.DepBlocks, nil)
	seedDep(t, repo, "el-leaf", "el-mid", models.DepParentChild, nil)

	// Rebuild starts from an empty cache: inherited blocking for el-leaf is
	// only correct if el-mid is settled first.
	require.NoError(t, cache.Rebuild(ctx, time.Now()))

	mid, err := repo.GetBlocked(ctx, "el-mid")
	require.NoError(t, err)
	require.NotNil(t, mid)
	assert.Equal(t, "el-root", mid.BlockedBy)

	leaf, err := repo.GetBlocked(ctx, "el-leaf")
	require.NoError(t, err)
	require.NotNil(t, leaf)
	assert.Equal(t, "el-mid", leaf.BlockedBy)
	assert.Equal(t, "Blocked by el-mid (inherited from parent)", leaf.Reason)
}

func TestRebuildClearsStaleRows(t *testing.T) {
	cache, repo := newTestCache(t)
	ctx := context.Background()

	seedTask(t, repo, "el-t", models.TaskOpen)
	require.NoError(t, repo.UpsertBlocked(ctx, "el-t", "el-ghost", "stale"))

	require.NoError(t, cache.Rebuild(ctx, time.Now()))

	entry, err := repo.GetBlocked(ctx, "el-t")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
