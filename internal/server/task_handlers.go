package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/session"
	"github.com/elemental-sh/elemental/internal/workflow"
	"github.com/elemental-sh/elemental/internal/worktree"
)

type taskHandlers struct {
	elements  *elementsvc.Service
	workflows *workflow.Service
	sessions  *session.Manager
	worktrees *worktree.Manager
	log       *logger.Logger
}

func newTaskHandlers(elements *elementsvc.Service, workflows *workflow.Service,
	sessions *session.Manager, worktrees *worktree.Manager, log *logger.Logger) *taskHandlers {
	return &taskHandlers{
		elements:  elements,
		workflows: workflows,
		sessions:  sessions,
		worktrees: worktrees,
		log:       log.WithFields(zap.String("handlers", "tasks")),
	}
}

func (h *taskHandlers) register(api *gin.RouterGroup) {
	api.POST("/tasks", h.create)
	api.GET("/tasks", h.list)
	// "ready" and "blocked" are dispatched inside get: gin's router cannot
	// mix static and parameter segments at the same level.
	api.GET("/tasks/:id", h.get)
	api.PATCH("/tasks/:id", h.patch)
	api.DELETE("/tasks/:id", h.remove)
	api.POST("/tasks/:id/start", h.start)
	api.POST("/tasks/:id/close", h.close)
	api.POST("/tasks/:id/reopen", h.reopen)
	api.POST("/tasks/:id/assign", h.assign)
	api.POST("/tasks/:id/defer", h.deferTask)
	api.POST("/tasks/:id/undefer", h.undefer)
	api.POST("/tasks/:id/dispatch", h.dispatch)
	api.POST("/tasks/:id/start-worker", h.startWorker)
	api.POST("/tasks/:id/complete", h.complete)
	api.POST("/tasks/:id/cleanup", h.cleanup)
}

type createTaskRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	Complexity  int        `json:"complexity,omitempty"`
	TaskType    string     `json:"taskType,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Ephemeral   bool       `json:"ephemeral,omitempty"`
	Actor       string     `json:"actor,omitempty"`
}

func (h *taskHandlers) create(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.elements.Create(c.Request.Context(), &models.Element{
		Kind:        models.KindTask,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		CreatedBy:   req.Actor,
		Task: &models.TaskFields{
			Priority:   req.Priority,
			Complexity: req.Complexity,
			TaskType:   models.TaskType(req.TaskType),
			Assignee:   req.Assignee,
			Owner:      req.Owner,
			Deadline:   req.Deadline,
			Ephemeral:  req.Ephemeral,
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, el)
}

func (h *taskHandlers) list(c *gin.Context) {
	filter := listFilterFromQuery(c)
	filter.Kind = models.KindTask
	page, err := h.elements.ListPaginated(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *taskHandlers) get(c *gin.Context) {
	switch c.Param("id") {
	case "ready":
		h.ready(c)
		return
	case "blocked":
		h.blocked(c)
		return
	}
	el, err := h.elements.Get(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	if el.Kind != models.KindTask {
		respondError(c, apperrors.NotFound("task", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *taskHandlers) ready(c *gin.Context) {
	tasks, err := h.workflows.Ready(c.Request.Context(), taskQueryFilterFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *taskHandlers) blocked(c *gin.Context) {
	blocked, err := h.workflows.Blocked(c.Request.Context(), taskQueryFilterFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": blocked})
}

func (h *taskHandlers) patch(c *gin.Context) {
	patch, expectedVersion, err := decodePatch(c)
	if err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.elements.Update(c.Request.Context(), c.Param("id"), patch, expectedVersion, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *taskHandlers) remove(c *gin.Context) {
	if err := h.elements.Delete(c.Request.Context(), c.Param("id"), actorOf(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *taskHandlers) start(c *gin.Context) {
	status := string(models.TaskInProgress)
	el, err := h.elements.Update(c.Request.Context(), c.Param("id"),
		&elementsvc.Patch{Status: &status}, nil, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

type closeTaskRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

func (h *taskHandlers) close(c *gin.Context) {
	var req closeTaskRequest
	_ = c.ShouldBindJSON(&req)
	el, err := h.workflows.CloseTask(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *taskHandlers) reopen(c *gin.Context) {
	el, err := h.workflows.ReopenTask(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

type assignTaskRequest struct {
	Assignee string `json:"assignee"`
	Actor    string `json:"actor,omitempty"`
}

func (h *taskHandlers) assign(c *gin.Context) {
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.workflows.AssignTask(c.Request.Context(), c.Param("id"), req.Assignee, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

type deferTaskRequest struct {
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Actor        string     `json:"actor,omitempty"`
}

func (h *taskHandlers) deferTask(c *gin.Context) {
	var req deferTaskRequest
	_ = c.ShouldBindJSON(&req)
	el, err := h.workflows.DeferTask(c.Request.Context(), c.Param("id"), req.ScheduledFor, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *taskHandlers) undefer(c *gin.Context) {
	el, err := h.workflows.UndeferTask(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

// dispatchRequest binds a task to an agent and starts a worker session for
// it in one call.
type dispatchRequest struct {
	AgentID     string `json:"agentId" binding:"required"`
	Prompt      string `json:"prompt,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
	ReadOnly    bool   `json:"readOnly,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// dispatch assigns the task, moves it to in_progress, carves a worktree for
// the agent, and launches the session inside it.
func (h *taskHandlers) dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	taskID := c.Param("id")

	task, err := h.workflows.AssignTask(ctx, taskID, req.AgentID, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.Task.Status == models.TaskOpen {
		status := string(models.TaskInProgress)
		if task, err = h.elements.Update(ctx, taskID, &elementsvc.Patch{Status: &status}, nil, req.Actor); err != nil {
			respondError(c, err)
			return
		}
	}

	record, err := h.startWorkerSession(c, taskID, task.Title, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task, "session": record})
}

// startWorker launches a session for an already-assigned task.
func (h *taskHandlers) startWorker(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	task, err := h.elements.Get(ctx, c.Param("id"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.Kind != models.KindTask {
		respondError(c, apperrors.Validationf("element %s is not a task", task.ID))
		return
	}

	record, err := h.startWorkerSession(c, task.ID, task.Title, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": record})
}

func (h *taskHandlers) startWorkerSession(c *gin.Context, taskID, title string, req dispatchRequest) (*repository.SessionRecord, error) {
	ctx := c.Request.Context()
	agent, err := h.elements.Get(ctx, req.AgentID, false)
	if err != nil {
		return nil, err
	}

	var worktreePath string
	if req.ReadOnly {
		wt, err := h.worktrees.CreateReadOnlyWorktree(ctx, agent.Title, req.BaseBranch)
		if err != nil {
			return nil, mapWorktreeErr(err)
		}
		worktreePath = wt.Path
	} else {
		wt, err := h.worktrees.CreateWorktree(ctx, worktree.CreateRequest{
			AgentName:  agent.Title,
			TaskID:     taskID,
			Title:      title,
			BaseBranch: req.BaseBranch,
		})
		if err != nil {
			return nil, mapWorktreeErr(err)
		}
		worktreePath = wt.Path
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = title
	}
	return h.sessions.StartSession(ctx, req.AgentID, session.StartOptions{
		WorktreePath:  worktreePath,
		InitialPrompt: prompt,
		Interactive:   req.Interactive,
		TaskID:        taskID,
	})
}

func (h *taskHandlers) complete(c *gin.Context) {
	var req closeTaskRequest
	_ = c.ShouldBindJSON(&req)
	el, err := h.workflows.CloseTask(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

type cleanupRequest struct {
	RemoveWorktrees bool `json:"removeWorktrees,omitempty"`
	DeleteBranches  bool `json:"deleteBranches,omitempty"`
}

// cleanup stops the assignee's session and optionally removes the task's
// worktrees.
func (h *taskHandlers) cleanup(c *gin.Context) {
	var req cleanupRequest
	_ = c.ShouldBindJSON(&req)
	ctx := c.Request.Context()
	taskID := c.Param("id")

	task, err := h.elements.Get(ctx, taskID, false)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.Kind != models.KindTask {
		respondError(c, apperrors.Validationf("element %s is not a task", taskID))
		return
	}

	stopped := false
	if task.Task.Assignee != "" {
		if active, err := h.sessions.GetActiveSession(ctx, task.Task.Assignee); err == nil {
			if err := h.sessions.StopSession(ctx, active.ID, session.StopOptions{Graceful: true, Reason: "task cleanup"}); err != nil {
				respondError(c, err)
				return
			}
			stopped = true
		}
	}

	removed := []string{}
	if req.RemoveWorktrees {
		worktrees, err := h.worktrees.List(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		for _, wt := range worktrees {
			if wt.TaskID != taskID || wt.IsMain {
				continue
			}
			err := h.worktrees.RemoveWorktree(ctx, wt.Path, worktree.RemoveOptions{
				Force:             true,
				DeleteBranch:      req.DeleteBranches,
				ForceDeleteBranch: req.DeleteBranches,
			})
			if err != nil {
				h.log.WithError(err).Warn("worktree cleanup failed", zap.String("path", wt.Path))
				continue
			}
			removed = append(removed, wt.Path)
		}
	}

	c.JSON(http.StatusOK, gin.H{"sessionStopped": stopped, "worktreesRemoved": removed})
}

func taskQueryFilterFromQuery(c *gin.Context) repository.TaskQueryFilter {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	priority, _ := strconv.Atoi(c.DefaultQuery("priority", "0"))
	return repository.TaskQueryFilter{
		Assignee: c.Query("assignee"),
		Priority: priority,
		TaskType: c.Query("taskType"),
		Limit:    limit,
	}
}
