package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/repository"
)

type elementHandlers struct {
	elements *elementsvc.Service
	log      *logger.Logger
}

func newElementHandlers(elements *elementsvc.Service, log *logger.Logger) *elementHandlers {
	return &elementHandlers{
		elements: elements,
		log:      log.WithFields(zap.String("handlers", "elements")),
	}
}

func (h *elementHandlers) register(api *gin.RouterGroup) {
	api.POST("/elements", h.create)
	api.GET("/elements", h.list)
	api.GET("/elements/:id", h.get)
	api.PATCH("/elements/:id", h.patch)
	api.DELETE("/elements/:id", h.remove)
	api.POST("/elements/:id/restore", h.restore)
	api.GET("/elements/:id/events", h.events)
	api.GET("/elements/:id/tree", h.tree)
	api.GET("/elements/:id/dependencies", h.dependencies)
	api.GET("/elements/:id/dependents", h.dependents)
	api.GET("/search", h.search)

	api.POST("/dependencies", h.addDependency)
	api.DELETE("/dependencies", h.removeDependency)
	api.POST("/dependencies/gate", h.satisfyGate)

	api.POST("/entities", h.registerEntity)
	api.GET("/entities", h.listEntities)
}

// createElementRequest covers every kind; kind-specific fields are ignored
// for kinds that lack them.
type createElementRequest struct {
	Kind        string                 `json:"kind" binding:"required"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]any         `json:"metadata"`
	Actor       string                 `json:"actor"`
	Task        *models.TaskFields     `json:"task,omitempty"`
	Workflow    *models.WorkflowFields `json:"workflow,omitempty"`
	Playbook    *models.PlaybookFields `json:"playbook,omitempty"`
}

func (h *elementHandlers) create(c *gin.Context) {
	var req createElementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.elements.Create(c.Request.Context(), &models.Element{
		Kind:        models.Kind(req.Kind),
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		CreatedBy:   req.Actor,
		Task:        req.Task,
		Workflow:    req.Workflow,
		Playbook:    req.Playbook,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, el)
}

func (h *elementHandlers) get(c *gin.Context) {
	includeTombstoned := c.Query("includeTombstoned") == "true"
	el, err := h.elements.Get(c.Request.Context(), c.Param("id"), includeTombstoned)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *elementHandlers) patch(c *gin.Context) {
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

func (h *elementHandlers) list(c *gin.Context) {
	page, err := h.elements.ListPaginated(c.Request.Context(), listFilterFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *elementHandlers) remove(c *gin.Context) {
	if err := h.elements.Delete(c.Request.Context(), c.Param("id"), actorOf(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *elementHandlers) restore(c *gin.Context) {
	el, err := h.elements.Restore(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (h *elementHandlers) events(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trail, err := h.elements.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": trail})
}

func (h *elementHandlers) tree(c *gin.Context) {
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "3"))
	tree, err := h.elements.GetDependencyTree(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (h *elementHandlers) dependencies(c *gin.Context) {
	deps, err := h.elements.GetDependencies(c.Request.Context(), c.Param("id"), depTypesFromQuery(c)...)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependencies": deps})
}

func (h *elementHandlers) dependents(c *gin.Context) {
	deps, err := h.elements.GetDependents(c.Request.Context(), c.Param("id"), depTypesFromQuery(c)...)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependents": deps})
}

func (h *elementHandlers) search(c *gin.Context) {
	query := c.Query("q")
	results, err := h.elements.Search(c.Request.Context(), query, listFilterFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type dependencyRequest struct {
	SourceID string         `json:"sourceId" binding:"required"`
	TargetID string         `json:"targetId" binding:"required"`
	Type     string         `json:"type" binding:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Actor    string         `json:"actor,omitempty"`
}

func (h *elementHandlers) addDependency(c *gin.Context) {
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	dep := &models.Dependency{
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Type:      models.DependencyType(req.Type),
		Metadata:  req.Metadata,
		CreatedBy: req.Actor,
	}
	if err := h.elements.AddDependency(c.Request.Context(), dep); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (h *elementHandlers) removeDependency(c *gin.Context) {
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	err := h.elements.RemoveDependency(c.Request.Context(),
		req.SourceID, req.TargetID, models.DependencyType(req.Type), req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *elementHandlers) satisfyGate(c *gin.Context) {
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	err := h.elements.SatisfyGate(c.Request.Context(),
		req.SourceID, req.TargetID, req.Metadata, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type registerEntityRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

func (h *elementHandlers) registerEntity(c *gin.Context) {
	var req registerEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	el, err := h.elements.Create(c.Request.Context(), &models.Element{
		Kind:        models.KindEntity,
		Title:       req.Name,
		Description: req.Description,
		CreatedBy:   req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, el)
}

func (h *elementHandlers) listEntities(c *gin.Context) {
	entities, err := h.elements.List(c.Request.Context(), repository.ListFilter{
		Kind: models.KindEntity,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

// actorOf reads the acting entity from query or header; services default it
// to the system entity.
func actorOf(c *gin.Context) string {
	if actor := c.Query("actor"); actor != "" {
		return actor
	}
	return c.GetHeader("X-Elemental-Actor")
}

func listFilterFromQuery(c *gin.Context) repository.ListFilter {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	priority, _ := strconv.Atoi(c.DefaultQuery("priority", "0"))
	filter := repository.ListFilter{
		Kind:              models.Kind(c.Query("kind")),
		Assignee:          c.Query("assignee"),
		Unassigned:        c.Query("unassigned") == "true",
		TaskType:          c.Query("taskType"),
		Priority:          priority,
		Tag:               c.Query("tag"),
		IncludeTombstoned: c.Query("includeTombstoned") == "true",
		Limit:             limit,
		Offset:            offset,
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []string{status}
	}
	return filter
}

func depTypesFromQuery(c *gin.Context) []models.DependencyType {
	if t := c.Query("type"); t != "" {
		return []models.DependencyType{models.DependencyType(t)}
	}
	return nil
}

// decodePatch parses a PATCH body, rejecting immutable fields explicitly so
// callers get a clear error instead of a silent ignore.
func decodePatch(c *gin.Context) (*elementsvc.Patch, *int64, error) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		return nil, nil, err
	}
	for _, field := range elementsvc.ImmutableFields {
		if _, ok := raw[field]; ok {
			return nil, nil, &immutableFieldError{field: field}
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	var body struct {
		elementsvc.Patch
		ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, err
	}
	return &body.Patch, body.ExpectedVersion, nil
}

type immutableFieldError struct{ field string }

func (e *immutableFieldError) Error() string {
	return "field " + e.field + " is immutable"
}
