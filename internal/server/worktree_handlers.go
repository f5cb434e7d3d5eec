package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/worktree"
)

// mapWorktreeErr translates the manager's sentinel errors into the shared
// error envelope. Unknown errors pass through as internal.
func mapWorktreeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, worktree.ErrWorktreeNotFound):
		return apperrors.NotFound("worktree", err.Error())
	case errors.Is(err, worktree.ErrWorktreeExists):
		return apperrors.Conflict(err.Error())
	case errors.Is(err, worktree.ErrMainWorktree),
		errors.Is(err, worktree.ErrInvalidTransition),
		errors.Is(err, worktree.ErrInvalidState):
		return apperrors.InvalidState(err.Error())
	case errors.Is(err, worktree.ErrRepoNotGit):
		return apperrors.Validation(err.Error())
	default:
		return err
	}
}

type worktreeHandlers struct {
	worktrees *worktree.Manager
	log       *logger.Logger
}

func newWorktreeHandlers(worktrees *worktree.Manager, log *logger.Logger) *worktreeHandlers {
	return &worktreeHandlers{
		worktrees: worktrees,
		log:       log.WithFields(zap.String("handlers", "worktrees")),
	}
}

func (h *worktreeHandlers) register(api *gin.RouterGroup) {
	api.GET("/worktrees", h.list)
	api.POST("/worktrees", h.create)
	api.DELETE("/worktrees", h.remove)
}

func (h *worktreeHandlers) list(c *gin.Context) {
	worktrees, err := h.worktrees.List(c.Request.Context())
	if err != nil {
		respondError(c, mapWorktreeErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": worktrees})
}

type createWorktreeRequest struct {
	AgentName  string `json:"agentName" binding:"required"`
	TaskID     string `json:"taskId,omitempty"`
	Title      string `json:"title,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	ReadOnly   bool   `json:"readOnly,omitempty"`
}

func (h *worktreeHandlers) create(c *gin.Context) {
	var req createWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.ReadOnly {
		record, err := h.worktrees.CreateReadOnlyWorktree(ctx, req.AgentName, req.BaseBranch)
		if err != nil {
			respondError(c, mapWorktreeErr(err))
			return
		}
		c.JSON(http.StatusCreated, record)
		return
	}
	record, err := h.worktrees.CreateWorktree(ctx, worktree.CreateRequest{
		AgentName:  req.AgentName,
		TaskID:     req.TaskID,
		Title:      req.Title,
		BaseBranch: req.BaseBranch,
	})
	if err != nil {
		respondError(c, mapWorktreeErr(err))
		return
	}
	c.JSON(http.StatusCreated, record)
}

type removeWorktreeRequest struct {
	Path              string `json:"path" binding:"required"`
	Force             bool   `json:"force,omitempty"`
	DeleteBranch      bool   `json:"deleteBranch,omitempty"`
	ForceDeleteBranch bool   `json:"forceDeleteBranch,omitempty"`
}

func (h *worktreeHandlers) remove(c *gin.Context) {
	var req removeWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	err := h.worktrees.RemoveWorktree(c.Request.Context(), req.Path, worktree.RemoveOptions{
		Force:             req.Force,
		DeleteBranch:      req.DeleteBranch,
		ForceDeleteBranch: req.ForceDeleteBranch,
	})
	if err != nil {
		respondError(c, mapWorktreeErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": req.Path})
}
