package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/session"
)

type sessionHandlers struct {
	sessions *session.Manager
	repo     *repository.Repository
	log      *logger.Logger
}

func newSessionHandlers(sessions *session.Manager, repo *repository.Repository, log *logger.Logger) *sessionHandlers {
	return &sessionHandlers{
		sessions: sessions,
		repo:     repo,
		log:      log.WithFields(zap.String("handlers", "sessions")),
	}
}

func (h *sessionHandlers) register(api *gin.RouterGroup) {
	api.POST("/agents/:id/start", h.start)
	api.POST("/agents/:id/stop", h.stop)
	api.POST("/agents/:id/interrupt", h.interrupt)
	api.POST("/agents/:id/resume", h.resume)
	api.POST("/agents/:id/input", h.input)
	api.GET("/agents/:id/stream", h.stream)

	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.GET("/sessions/:id/messages", h.messages)
}

func (h *sessionHandlers) start(c *gin.Context) {
	var opts session.StartOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		respondValidation(c, err.Error())
		return
	}
	record, err := h.sessions.StartSession(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

type stopSessionRequest struct {
	Graceful bool   `json:"graceful,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *sessionHandlers) stop(c *gin.Context) {
	var req stopSessionRequest
	_ = c.ShouldBindJSON(&req)
	ctx := c.Request.Context()
	active, err := h.sessions.GetActiveSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.sessions.StopSession(ctx, active.ID, session.StopOptions{
		Graceful: req.Graceful,
		Reason:   req.Reason,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": active.ID})
}

func (h *sessionHandlers) interrupt(c *gin.Context) {
	ctx := c.Request.Context()
	active, err := h.sessions.GetActiveSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.sessions.InterruptSession(ctx, active.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": active.ID})
}

type resumeSessionRequest struct {
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
	session.StartOptions
}

func (h *sessionHandlers) resume(c *gin.Context) {
	var req resumeSessionRequest
	_ = c.ShouldBindJSON(&req)
	result, err := h.sessions.ResumeSession(c.Request.Context(), c.Param("id"), req.ClaudeSessionID, req.StartOptions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type sessionInputRequest struct {
	Input         string `json:"input" binding:"required"`
	IsUserMessage bool   `json:"isUserMessage,omitempty"`
}

func (h *sessionHandlers) input(c *gin.Context) {
	var req sessionInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	active, err := h.sessions.GetActiveSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.sessions.SendInput(ctx, active.ID, req.Input, req.IsUserMessage); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// stream subscribes the caller to the agent's active session over SSE.
// Every frame carries a stable msgId so clients can dedup against the
// persisted message log.
func (h *sessionHandlers) stream(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")
	active, err := h.sessions.GetActiveSession(ctx, agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	sub, err := h.sessions.Subscribe(active.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, fmt.Errorf("streaming unsupported"))
		return
	}

	send := func(id, event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			h.log.WithError(err).Warn("sse payload encode failed")
			return true
		}
		err = sse.Encode(c.Writer, sse.Event{Id: id, Event: event, Data: string(payload)})
		if err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	connectedID := fmt.Sprintf("conn-%s-%d", active.ID, time.Now().UnixNano())
	if !send(connectedID, "connected", gin.H{
		"sessionId": active.ID,
		"agentId":   agentID,
		"timestamp": time.Now().UTC(),
	}) {
		return
	}

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			id, event, data := frameEvent(active.ID, seq, ev)
			if !send(id, event, data) {
				return
			}
			seq++
			if ev.Type == session.EventExit {
				return
			}
		}
	}
}

// frameEvent maps a session event to its SSE id, event name and payload.
// The replayed initial prompt reuses the persisted message id so clients can
// match it against GET /sessions/:id/messages.
func frameEvent(sessionID string, seq int, ev session.Event) (string, string, gin.H) {
	msgID := fmt.Sprintf("sess-%s-%d", sessionID, seq)
	if ev.Replayed && ev.Type == session.EventUser {
		msgID = fmt.Sprintf("user-%s-initial", sessionID)
	}

	switch ev.Type {
	case session.EventHeartbeat:
		return msgID, "heartbeat", gin.H{"timestamp": time.Now().UTC(), "msgId": msgID}
	case session.EventOverflow:
		return msgID, "overflow", gin.H{"dropped": ev.Dropped, "msgId": msgID}
	case session.EventExit:
		var code any
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		var signal any
		if ev.ExitSignal != "" {
			signal = ev.ExitSignal
		}
		return msgID, "agent_exit", gin.H{"code": code, "signal": signal, "msgId": msgID}
	case session.EventError:
		return msgID, "agent_error", gin.H{"error": ev.Message, "msgId": msgID}
	default:
		data := gin.H{
			"type":      string(ev.Type),
			"msgId":     msgID,
			"timestamp": ev.Timestamp,
		}
		if ev.Role != "" {
			data["role"] = ev.Role
		}
		if ev.Message != "" {
			data["message"] = ev.Message
		}
		if ev.ToolName != "" {
			data["toolName"] = ev.ToolName
		}
		if ev.ToolInput != nil {
			data["toolInput"] = ev.ToolInput
		}
		if ev.ToolOutput != "" {
			data["toolOutput"] = ev.ToolOutput
		}
		return msgID, "agent_" + string(ev.Type), data
	}
}

func (h *sessionHandlers) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	var statuses []string
	if status := c.Query("status"); status != "" {
		statuses = []string{status}
	}
	sessions, err := h.sessions.ListSessions(c.Request.Context(), repository.SessionFilter{
		AgentID:  c.Query("agentId"),
		Statuses: statuses,
		Limit:    limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *sessionHandlers) get(c *gin.Context) {
	record, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *sessionHandlers) messages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	messages, err := h.repo.ListMessages(c.Request.Context(), c.Param("id"), c.Query("after"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
