package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/blocked"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events/bus"
	"github.com/elemental-sh/elemental/internal/repository"
)

func newTestService(t *testing.T) (*Service, *repository.Repository) {
	t.Helper()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	log := logger.Default()
	cache := blocked.New(repo, log)
	svc := New(repo, cache, bus.NewMemoryEventBus(log), log)
	return svc, repo
}

func createTask(t *testing.T, svc *Service, title string) *models.Element {
	t.Helper()
	el, err := svc.Create(context.Background(), &models.Element{
		Kind:  models.KindTask,
		Title: title,
	})
	require.NoError(t, err)
	return el
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestCreateDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	el := createTask(t, svc, "first task")
	assert.NotEmpty(t, el.ID)
	assert.Equal(t, "el-", el.ID[:3])
	assert.Equal(t, models.TaskOpen, el.Task.Status)
	assert.Equal(t, 3, el.Task.Priority)
	assert.Equal(t, models.TaskTypeTask, el.Task.TaskType)
	assert.Equal(t, models.SystemEntityID, el.CreatedBy)
	assert.Equal(t, int64(1), el.Version)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &models.Element{Kind: models.KindTask})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = svc.Create(ctx, &models.Element{Kind: "gadget", Title: "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = svc.Create(ctx, &models.Element{
		Kind: models.KindTask, Title: "x",
		Task: &models.TaskFields{Priority: 9},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	// Unregistered actor.
	_, err = svc.Create(ctx, &models.Element{
		Kind: models.KindTask, Title: "x", CreatedBy: "el-nobody",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestUpdateVersioning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	el := createTask(t, svc, "versioned")

	updated, err := svc.Update(ctx, el.ID, &Patch{Title: strPtr("renamed")}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "renamed", updated.Title)

	// Stale expected version is rejected.
	stale := int64(1)
	_, err = svc.Update(ctx, el.ID, &Patch{Title: strPtr("again")}, &stale, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	// Matching expected version goes through.
	current := int64(2)
	updated, err = svc.Update(ctx, el.ID, &Patch{Title: strPtr("again")}, &current, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
}

func TestUpdateStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	el := createTask(t, svc, "transitions")

	// open -> blocked is not adjacent.
	_, err := svc.Update(ctx, el.ID, &Patch{Status: strPtr("blocked")}, nil, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = svc.Update(ctx, el.ID, &Patch{Status: strPtr("in_progress")}, nil, "")
	require.NoError(t, err)
	_, err = svc.Update(ctx, el.ID, &Patch{Status: strPtr("blocked")}, nil, "")
	require.NoError(t, err)

	_, err = svc.Update(ctx, el.ID, &Patch{Status: strPtr("nonsense")}, nil, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestUpdateReleasesDependents(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	t1 := createTask(t, svc, "t1")
	t2 := createTask(t, svc, "t2")
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: t2.ID, TargetID: t1.ID, Type: models.DepBlocks,
	}))

	entry, err := repo.GetBlocked(ctx, t2.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Closing t1 crosses the completed boundary and releases t2.
	_, err = svc.Update(ctx, t1.ID, &Patch{Status: strPtr("closed")}, nil, "")
	require.NoError(t, err)

	entry, err = repo.GetBlocked(ctx, t2.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeleteAndRestore(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	t1 := createTask(t, svc, "t1")
	t2 := createTask(t, svc, "t2")
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: t2.ID, TargetID: t1.ID, Type: models.DepBlocks,
	}))

	require.NoError(t, svc.Delete(ctx, t1.ID, ""))

	_, err := svc.Get(ctx, t1.ID, false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	// Tombstoned targets no longer block.
	entry, err := repo.GetBlocked(ctx, t2.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Restore brings it back open and blocking again.
	restored, err := svc.Restore(ctx, t1.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskOpen, restored.Task.Status)

	entry, err = repo.GetBlocked(ctx, t2.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, t1.ID, entry.BlockedBy)
}

func TestDependencyCycleRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createTask(t, svc, "a")
	b := createTask(t, svc, "b")
	c := createTask(t, svc, "c")

	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: b.ID, Type: models.DepBlocks,
	}))
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: b.ID, TargetID: c.ID, Type: models.DepParentChild,
	}))

	err := svc.AddDependency(ctx, &models.Dependency{
		SourceID: c.ID, TargetID: a.ID, Type: models.DepBlocks,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCycleDetected))

	// Self-edges are cycles too.
	err = svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID, Type: models.DepBlocks,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCycleDetected))

	// Associative edges may form cycles freely.
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: c.ID, TargetID: a.ID, Type: models.DepRelatesTo,
	}))
}

func TestDuplicateDependencyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createTask(t, svc, "a")
	b := createTask(t, svc, "b")
	dep := &models.Dependency{SourceID: a.ID, TargetID: b.ID, Type: models.DepBlocks}
	require.NoError(t, svc.AddDependency(ctx, dep))

	err := svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: b.ID, Type: models.DepBlocks,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDuplicateDependency))

	// Same pair under a different type is a distinct edge.
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: b.ID, Type: models.DepRelatesTo,
	}))
}

func TestAwaitsDependencyValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createTask(t, svc, "a")

	// Opaque gate target, valid metadata.
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID + "-gate", Type: models.DepAwaits,
		Metadata: map[string]any{
			"gate":      "timer",
			"waitUntil": time.Now().Add(time.Hour).Format(time.RFC3339),
		},
	}))

	// Invalid metadata is rejected at insertion.
	err := svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID + "-gate2", Type: models.DepAwaits,
		Metadata: map[string]any{"gate": "timer"},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestPlaybookNameUnique(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pb := func(name string) *models.Element {
		return &models.Element{
			Kind:  models.KindPlaybook,
			Title: name,
			Playbook: &models.PlaybookFields{
				Name:  name,
				Steps: []models.PlaybookStep{{ID: "s1", Title: "step"}},
			},
		}
	}

	first, err := svc.Create(ctx, pb("release"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, pb("release"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	_, err = svc.Create(ctx, pb("deploy"))
	require.NoError(t, err)

	// Tombstoning the original frees its name.
	require.NoError(t, svc.Delete(ctx, first.ID, ""))
	_, err = svc.Create(ctx, pb("release"))
	require.NoError(t, err)
}

func TestSearchAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	createTask(t, svc, "fix login bug")
	createTask(t, svc, "write docs")

	found, err := svc.Search(ctx, "login", repository.ListFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fix login bug", found[0].Title)

	page, err := svc.ListPaginated(ctx, repository.ListFilter{Kind: models.KindTask, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Elements, 1)
}

func TestDependencyTree(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createTask(t, svc, "a")
	b := createTask(t, svc, "b")
	c := createTask(t, svc, "c")
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: b.ID, Type: models.DepBlocks,
	}))
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: b.ID, TargetID: c.ID, Type: models.DepBlocks,
	}))
	// Associative back-edge creates a cycle in the undirected view.
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: c.ID, TargetID: a.ID, Type: models.DepRelatesTo,
	}))

	tree, err := svc.GetDependencyTree(ctx, a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, a.ID, tree.Root.Element.ID)
	require.Len(t, tree.Root.Dependencies, 1)
	assert.Equal(t, b.ID, tree.Root.Dependencies[0].Element.ID)
	require.Len(t, tree.Root.Dependencies[0].Dependencies, 1)
	assert.Equal(t, c.ID, tree.Root.Dependencies[0].Dependencies[0].Element.ID)

	// c -> a (relates-to) revisits the root: a circular-reference leaf.
	leafDeps := tree.Root.Dependencies[0].Dependencies[0].Dependencies
	require.Len(t, leafDeps, 1)
	assert.True(t, leafDeps[0].CircularReference)
	assert.Equal(t, 3, tree.NodeCount)
	assert.Equal(t, 2, tree.DepthDown)
}

func TestDependencyTreeDiamond(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createTask(t, svc, "a")
	b := createTask(t, svc, "b")
	c := createTask(t, svc, "c")
	d := createTask(t, svc, "d")
	for _, edge := range [][2]string{{a.ID, b.ID}, {a.ID, c.ID}, {b.ID, d.ID}, {c.ID, d.ID}} {
		require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
			SourceID: edge[0], TargetID: edge[1], Type: models.DepBlocks,
		}))
	}

	tree, err := svc.GetDependencyTree(ctx, a.ID, 5)
	require.NoError(t, err)
	require.Len(t, tree.Root.Dependencies, 2)

	// d is reachable through both b and c: it expands under both branches
	// because neither path revisits one of its own ancestors.
	for _, branch := range tree.Root.Dependencies {
		require.Len(t, branch.Dependencies, 1)
		leaf := branch.Dependencies[0]
		assert.Equal(t, d.ID, leaf.Element.ID)
		assert.False(t, leaf.CircularReference)
	}
}

func TestEventsAudit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	el := createTask(t, svc, "audited")
	_, err := svc.Update(ctx, el.ID, &Patch{Priority: intPtr(1)}, nil, "")
	require.NoError(t, err)

	trail, err := svc.Events(ctx, el.ID, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(trail), 2)
	assert.Equal(t, "element.created", trail[0].EventType)
	assert.Equal(t, models.SystemEntityID, trail[0].Actor)
}

func TestMaintenanceTickReleasesTimerGates(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	a := createTask(t, svc, "gated")
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID + "-gate", Type: models.DepAwaits,
		Metadata: map[string]any{
			"gate":      "timer",
			"waitUntil": time.Now().Add(50 * time.Millisecond).Format(time.RFC3339Nano),
		},
	}))

	entry, err := repo.GetBlocked(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, svc.MaintenanceTick(ctx, time.Now().Add(time.Second)))
	entry, err = repo.GetBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTimerGateMetadataNormalized(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	a := createTask(t, svc, "offset gate")

	// Written with a non-UTC offset; stored canonical so the due scan's
	// string comparison stays correct.
	loc := time.FixedZone("UTC+2", 2*60*60)
	past := time.Now().In(loc).Add(-time.Minute)
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID + "-gate", Type: models.DepAwaits,
		Metadata: map[string]any{"gate": "timer", "waitUntil": past.Format(time.RFC3339)},
	}))

	deps, err := svc.GetDependencies(ctx, a.ID, models.DepAwaits)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	stored, _ := deps[0].Metadata["waitUntil"].(string)
	assert.True(t, strings.HasSuffix(stored, "Z"), "waitUntil stored as %q", stored)

	due, err := repo.ListDueTimerGateSourceIDs(ctx, time.Now())
	require.NoError(t, err)
	assert.Contains(t, due, a.ID)
}

func TestRunMaintenanceReleasesGates(t *testing.T) {
	svc, repo := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := createTask(t, svc, "ticked")
	require.NoError(t, svc.AddDependency(ctx, &models.Dependency{
		SourceID: a.ID, TargetID: a.ID + "-gate", Type: models.DepAwaits,
		Metadata: map[string]any{
			"gate":      "timer",
			"waitUntil": time.Now().Add(30 * time.Millisecond).Format(time.RFC3339Nano),
		},
	}))

	done := make(chan struct{})
	go func() {
		svc.RunMaintenance(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		entry, err := repo.GetBlocked(context.Background(), a.ID)
		return err == nil && entry == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
