package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/repository"
)

// readLoop tags the child's stdout lines and hands them to the publisher.
// Message persistence goes through the persist queue so store latency never
// blocks delivery.
func (m *Manager) readLoop(ls *liveSession, stdout io.Reader, taskID string) {
	defer ls.readers.Done()
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		ev := ParseLine(scanner.Bytes())
		if ev == nil {
			m.log.Debug("non-protocol output",
				zap.String("session_id", ls.record.ID),
				zap.String("line", scanner.Text()))
			continue
		}

		if ev.ClaudeSessionID != "" {
			m.recordCookie(ls, ev.ClaudeSessionID)
		}

		ls.publisher.Publish(*ev)

		if msg := deriveMessage(ls.record.ID, taskID, ev); msg != nil {
			m.enqueueMessage(ls, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.Warn("session stdout read failed",
			zap.String("session_id", ls.record.ID),
			zap.Error(err))
	}
}

// stderrLoop surfaces stderr lines as error events.
func (m *Manager) stderrLoop(ls *liveSession, stderr io.Reader) {
	defer ls.readers.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ls.publisher.Publish(Event{
			Type:      EventError,
			Message:   line,
			Timestamp: time.Now().UTC(),
		})
	}
}

// waitLoop reaps the child, delivers the exit event, and tears the session
// down. Exactly one exit event reaches every current subscriber; the
// publisher refuses traffic afterwards.
func (m *Manager) waitLoop(ls *liveSession) {
	// Readers drain to EOF when the child exits; reaping afterwards keeps the
	// exit event strictly last and the persist queue open until the end.
	ls.readers.Wait()
	err := ls.cmd.Wait()
	exitCode, exitSignal := exitStatus(ls.cmd, err)
	now := time.Now().UTC()

	m.mu.Lock()
	ls.record.Status = StatusTerminated
	ls.record.ExitCode = &exitCode
	ls.record.ExitSignal = exitSignal
	ls.record.TerminatedAt = &now
	record := cloneRecord(ls.record)
	delete(m.live, record.ID)
	delete(m.prompts, record.ID)
	if m.byAgent[record.AgentID] == record.ID {
		delete(m.byAgent, record.AgentID)
	}
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.repo.UpdateSession(ctx, record); err != nil {
		m.log.WithError(err).Warn("failed to persist session exit",
			zap.String("session_id", record.ID))
	}

	ls.persistMu.Lock()
	ls.persistClosed = true
	close(ls.persistCh)
	ls.persistMu.Unlock()

	ls.publisher.Close(&Event{
		Type:       EventExit,
		ExitCode:   &exitCode,
		ExitSignal: exitSignal,
		Timestamp:  now,
	})

	m.publishBus(ctx, events.SessionTerminated, map[string]any{
		"sessionId":  record.ID,
		"agentId":    record.AgentID,
		"exitCode":   exitCode,
		"exitSignal": exitSignal,
	})
	m.log.Info("session terminated",
		zap.String("session_id", record.ID),
		zap.String("agent_id", record.AgentID),
		zap.Int("exit_code", exitCode),
		zap.String("exit_signal", exitSignal))
	close(ls.done)
}

// persistLoop drains derived message records into the store.
func (m *Manager) persistLoop(ls *liveSession) {
	for msg := range ls.persistCh {
		if err := m.repo.UpsertMessage(context.Background(), msg); err != nil {
			m.log.WithError(err).Warn("failed to persist message",
				zap.String("session_id", msg.SessionID),
				zap.String("message_id", msg.ID))
		}
	}
}

func (m *Manager) enqueueMessage(ls *liveSession, msg *repository.Message) {
	ls.persistMu.Lock()
	defer ls.persistMu.Unlock()
	if ls.persistClosed {
		return
	}
	select {
	case ls.persistCh <- msg:
	default:
		m.log.Warn("message persist queue full, dropping",
			zap.String("session_id", msg.SessionID))
	}
}

// recordCookie persists the resumption cookie the first time it appears.
func (m *Manager) recordCookie(ls *liveSession, cookie string) {
	m.mu.Lock()
	if ls.record.ClaudeSessionID != "" {
		m.mu.Unlock()
		return
	}
	ls.record.ClaudeSessionID = cookie
	record := cloneRecord(ls.record)
	m.mu.Unlock()

	if err := m.repo.UpdateSession(context.Background(), record); err != nil {
		m.log.WithError(err).Warn("failed to persist resumption cookie",
			zap.String("session_id", record.ID))
	}
}

// persistInitialPrompt writes the synthetic user message under a
// deterministic id so repeats are no-ops.
func (m *Manager) persistInitialPrompt(ctx context.Context, sessionID, taskID, prompt string) {
	msg := &repository.Message{
		ID:        fmt.Sprintf("user-%s-initial", sessionID),
		SessionID: sessionID,
		TaskID:    taskID,
		Type:      string(EventUser),
		Role:      "user",
		Content:   prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.repo.UpsertMessage(ctx, msg); err != nil {
		m.log.WithError(err).Warn("failed to persist initial prompt",
			zap.String("session_id", sessionID))
	}
}

// deriveMessage maps a stream event to its persisted record. System and
// result events are bookkeeping, not conversation, so they are skipped.
func deriveMessage(sessionID, taskID string, ev *Event) *repository.Message {
	switch ev.Type {
	case EventSystem, EventResult:
		return nil
	}

	msg := &repository.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		TaskID:     taskID,
		Type:       string(ev.Type),
		Role:       ev.Role,
		Content:    ev.Message,
		ToolName:   ev.ToolName,
		ToolOutput: ev.ToolOutput,
		CreatedAt:  ev.Timestamp,
	}
	if ev.ToolInput != nil {
		if data, err := json.Marshal(ev.ToolInput); err == nil {
			msg.ToolInput = string(data)
		} else {
			msg.ToolInput = fmt.Sprint(ev.ToolInput)
		}
	}
	return msg
}

// exitStatus extracts the exit code and signal name from a finished command.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}
