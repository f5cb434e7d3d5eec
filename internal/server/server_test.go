package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemental-sh/elemental/internal/common/config"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/blocked"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/events/bus"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/session"
	"github.com/elemental-sh/elemental/internal/workflow"
	"github.com/elemental-sh/elemental/internal/worktree"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	log := logger.Default()
	cache := blocked.New(repo, log)
	eventBus := bus.NewMemoryEventBus(log)
	elements := elementsvc.New(repo, cache, eventBus, log)
	workflows := workflow.New(repo, elements, cache, eventBus, log)
	sessions := session.NewManager(session.Config{Binary: "/bin/true"}, repo, eventBus, log)
	worktrees, err := worktree.NewManager(t.TempDir(), repo, log)
	require.NoError(t, err)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Services{
		Elements:  elements,
		Workflows: workflows,
		Sessions:  sessions,
		Worktrees: worktrees,
		Repo:      repo,
	}, log)
	return srv.Router()
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body.Error.Code
}

func TestHealth(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAndGetElement(t *testing.T) {
	router := newTestServer(t)

	w := do(t, router, http.MethodPost, "/api/elements", obj{
		"kind":  "task",
		"title": "Fix login",
		"tags":  []string{"auth"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Element](t, w)
	assert.NotEmpty(t, created.ID)
	require.NotNil(t, created.Task)
	assert.Equal(t, models.TaskOpen, created.Task.Status)

	w = do(t, router, http.MethodGet, "/api/elements/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Element](t, w)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Fix login", got.Title)
}

func TestElementNotFoundEnvelope(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodGet, "/api/elements/el-nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestPatchRejectsImmutableField(t *testing.T) {
	router := newTestServer(t)
	created := decode[models.Element](t, do(t, router, http.MethodPost, "/api/elements",
		obj{"kind": "task", "title": "t"}))

	w := do(t, router, http.MethodPatch, "/api/elements/"+created.ID, obj{"id": "el-evil"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = do(t, router, http.MethodPatch, "/api/elements/"+created.ID, obj{"title": "renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "renamed", decode[models.Element](t, w).Title)
}

func TestPatchVersionConflict(t *testing.T) {
	router := newTestServer(t)
	created := decode[models.Element](t, do(t, router, http.MethodPost, "/api/elements",
		obj{"kind": "task", "title": "t"}))

	w := do(t, router, http.MethodPatch, "/api/elements/"+created.ID, obj{
		"title":           "stale write",
		"expectedVersion": created.Version + 10,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, w))
}

func TestDependencyCycleRejected(t *testing.T) {
	router := newTestServer(t)
	a := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "a"}))
	b := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "b"}))

	w := do(t, router, http.MethodPost, "/api/dependencies", obj{
		"sourceId": a.ID, "targetId": b.ID, "type": "blocks",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/dependencies", obj{
		"sourceId": b.ID, "targetId": a.ID, "type": "blocks",
	})
	assert.GreaterOrEqual(t, w.Code, 400)
	assert.Equal(t, "CYCLE_DETECTED", errorCode(t, w))
}

func TestReadyAndBlockedTasks(t *testing.T) {
	router := newTestServer(t)
	a := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "free"}))
	b := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "waits"}))
	do(t, router, http.MethodPost, "/api/dependencies", obj{
		"sourceId": b.ID, "targetId": a.ID, "type": "blocks",
	})

	w := do(t, router, http.MethodGet, "/api/tasks/ready", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ready := decode[struct {
		Tasks []*models.Element `json:"tasks"`
	}](t, w)
	ids := map[string]bool{}
	for _, task := range ready.Tasks {
		ids[task.ID] = true
	}
	assert.True(t, ids[a.ID], "unblocked task is ready")
	assert.False(t, ids[b.ID], "blocked task is not ready")

	w = do(t, router, http.MethodGet, "/api/tasks/blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	blocked := decode[struct {
		Tasks []*repository.BlockedTask `json:"tasks"`
	}](t, w)
	require.Len(t, blocked.Tasks, 1)
	assert.Equal(t, b.ID, blocked.Tasks[0].Task.ID)
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	router := newTestServer(t)
	task := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "work"}))

	w := do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TaskInProgress, decode[models.Element](t, w).Task.Status)

	w = do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/close", obj{"reason": "done"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TaskClosed, decode[models.Element](t, w).Task.Status)

	w = do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TaskOpen, decode[models.Element](t, w).Task.Status)
}

func TestAssignTaskEndpoint(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodPost, "/api/entities", obj{"name": "claude"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	agent := decode[models.Element](t, w)

	task := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "work"}))
	w = do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/assign", obj{"assignee": agent.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, agent.ID, decode[models.Element](t, w).Task.Assignee)
}

func TestWorkflowPourEndpoint(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodPost, "/api/elements", obj{
		"kind":  "playbook",
		"title": "release playbook",
		"playbook": obj{
			"name": "release",
			"steps": []obj{
				{"id": "build", "title": "Build {{version}}"},
				{"id": "ship", "title": "Ship {{version}}", "dependsOn": []string{"build"}},
			},
			"variables": []obj{
				{"name": "version", "type": "string", "required": true},
			},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/workflows/pour", obj{
		"playbookName": "release",
		"variables":    obj{"version": "1.0.0"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	poured := decode[workflow.PourResult](t, w)
	require.NotNil(t, poured.Workflow)
	assert.Len(t, poured.TaskIDs, 2)

	w = do(t, router, http.MethodGet, "/api/workflows/"+poured.Workflow.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	progress := decode[workflow.Progress](t, w)
	assert.Equal(t, 2, progress.TotalTasks)
	assert.Len(t, progress.ReadyTasks, 1, "only the unblocked step is ready")

	w = do(t, router, http.MethodGet, "/api/workflows/"+poured.Workflow.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tasks := decode[struct {
		Tasks []*models.Element `json:"tasks"`
	}](t, w)
	assert.Len(t, tasks.Tasks, 2)
}

func TestWorkflowMissingVariableRejected(t *testing.T) {
	router := newTestServer(t)
	do(t, router, http.MethodPost, "/api/elements", obj{
		"kind":  "playbook",
		"title": "strict",
		"playbook": obj{
			"name":  "strict",
			"steps": []obj{{"id": "only", "title": "Only"}},
			"variables": []obj{
				{"name": "must", "type": "string", "required": true},
			},
		},
	})
	w := do(t, router, http.MethodPost, "/api/workflows/pour", obj{"playbookName": "strict"})
	assert.GreaterOrEqual(t, w.Code, 400)
}

func TestSessionQueries(t *testing.T) {
	router := newTestServer(t)

	w := do(t, router, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/sessions/sess-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	// No active session for an unknown agent either.
	w = do(t, router, http.MethodPost, "/api/agents/el-ghost/stop", obj{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSessionRejectsUnknownAgent(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodPost, "/api/agents/el-ghost/start", obj{
		"initialPrompt": "hello",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	// A real element that is not an entity is rejected as an agent.
	task := decode[models.Element](t, do(t, router, http.MethodPost, "/api/tasks", obj{"title": "not an agent"}))
	w = do(t, router, http.MethodPost, "/api/agents/"+task.ID+"/start", obj{
		"initialPrompt": "hello",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "INVALID_AGENT", errorCode(t, w))
}

func TestWorktreeListEmpty(t *testing.T) {
	router := newTestServer(t)
	w := do(t, router, http.MethodGet, "/api/worktrees", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Worktrees []*repository.WorktreeRecord `json:"worktrees"`
	}](t, w)
	assert.Empty(t, body.Worktrees)
}

func TestSearchEndpoint(t *testing.T) {
	router := newTestServer(t)
	do(t, router, http.MethodPost, "/api/tasks", obj{"title": "fix login flow"})
	do(t, router, http.MethodPost, "/api/tasks", obj{"title": "update docs"})

	w := do(t, router, http.MethodGet, "/api/search?q=login", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[struct {
		Results []*models.Element `json:"results"`
	}](t, w)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "fix login flow", results.Results[0].Title)
}

// obj is shorthand for JSON request bodies.
type obj = map[string]any

func TestFrameEventInitialPromptID(t *testing.T) {
	id, event, data := frameEvent("sess-1", 0, session.Event{
		Type: session.EventUser, Replayed: true, Message: "go",
	})
	assert.Equal(t, "user-sess-1-initial", id)
	assert.Equal(t, "agent_user", event)
	assert.Equal(t, "user-sess-1-initial", data["msgId"])

	// A live user message at the head of a stream keeps its sequence id;
	// only the replayed cached prompt gets the synthetic one.
	id, _, _ = frameEvent("sess-1", 0, session.Event{Type: session.EventUser, Message: "later"})
	assert.Equal(t, "sess-sess-1-0", id)
}
