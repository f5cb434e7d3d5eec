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
	"github.com/elemental-sh/elemental/internal/workflow"
)

type workflowHandlers struct {
	workflows *workflow.Service
	elements  *elementsvc.Service
	log       *logger.Logger
}

func newWorkflowHandlers(workflows *workflow.Service, elements *elementsvc.Service, log *logger.Logger) *workflowHandlers {
	return &workflowHandlers{
		workflows: workflows,
		elements:  elements,
		log:       log.WithFields(zap.String("handlers", "workflows")),
	}
}

func (h *workflowHandlers) register(api *gin.RouterGroup) {
	api.POST("/workflows", h.create)
	api.GET("/workflows", h.list)
	// "pour" and "gc" are dispatched inside the :id handler: gin's router
	// cannot mix static and parameter segments at the same level.
	api.POST("/workflows/:id", h.postByID)
	api.GET("/workflows/:id", h.get)
	api.PATCH("/workflows/:id", h.patch)
	api.DELETE("/workflows/:id", h.burn)
	api.GET("/workflows/:id/progress", h.progress)
	api.GET("/workflows/:id/tasks", h.tasks)
	api.POST("/workflows/:id/squash", h.squash)
	api.POST("/workflows/:id/cancel", h.cancel)
}

func (h *workflowHandlers) postByID(c *gin.Context) {
	switch c.Param("id") {
	case "pour":
		h.pour(c)
	case "gc":
		h.gc(c)
	default:
		respondError(c, apperrors.NotFound("workflow operation", c.Param("id")))
	}
}

type createWorkflowRequest struct {
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Ephemeral   bool           `json:"ephemeral,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Actor       string         `json:"actor,omitempty"`
}

func (h *workflowHandlers) create(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.elements.Create(c.Request.Context(), &models.Element{
		Kind:        models.KindWorkflow,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		CreatedBy:   req.Actor,
		Workflow: &models.WorkflowFields{
			Variables: req.Variables,
			Ephemeral: req.Ephemeral,
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, el)
}

func (h *workflowHandlers) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	var statuses []string
	if status := c.Query("status"); status != "" {
		statuses = []string{status}
	}
	workflows, err := h.workflows.ListWorkflows(c.Request.Context(), statuses, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *workflowHandlers) pour(c *gin.Context) {
	var req workflow.PourRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	result, err := h.workflows.Pour(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *workflowHandlers) get(c *gin.Context) {
	el, err := h.elements.Get(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *workflowHandlers) patch(c *gin.Context) {
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

func (h *workflowHandlers) progress(c *gin.Context) {
	progress, err := h.workflows.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *workflowHandlers) tasks(c *gin.Context) {
	tasks, err := h.workflows.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *workflowHandlers) squash(c *gin.Context) {
	el, err := h.workflows.Squash(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

type cancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

func (h *workflowHandlers) cancel(c *gin.Context) {
	var req cancelWorkflowRequest
	_ = c.ShouldBindJSON(&req)
	el, err := h.workflows.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *workflowHandlers) burn(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := h.workflows.Burn(c.Request.Context(), c.Param("id"), force); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burned": c.Param("id")})
}

type gcRequest struct {
	MaxAgeHours int  `json:"maxAgeHours,omitempty"`
	DryRun      bool `json:"dryRun,omitempty"`
}

func (h *workflowHandlers) gc(c *gin.Context) {
	var req gcRequest
	_ = c.ShouldBindJSON(&req)
	if req.MaxAgeHours <= 0 {
		req.MaxAgeHours = 24
	}
	result, err := h.workflows.GC(c.Request.Context(), time.Duration(req.MaxAgeHours)*time.Hour, req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
