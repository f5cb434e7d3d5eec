package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/events/bus"
	"github.com/elemental-sh/elemental/internal/repository"
)

// Session statuses.
const (
	StatusStarting    = "starting"
	StatusRunning     = "running"
	StatusSuspended   = "suspended"
	StatusTerminating = "terminating"
	StatusTerminated  = "terminated"
)

// Session modes.
const (
	ModeHeadless    = "headless"
	ModeInteractive = "interactive"
)

const eventSource = "session-manager"

// activeStatuses are the statuses that count against the one-session-per-
// agent rule.
var activeStatuses = []string{StatusStarting, StatusRunning, StatusTerminating}

// Config tunes the session manager.
type Config struct {
	// Binary is the agent executable. Default: claude.
	Binary string `mapstructure:"binary"`

	// GracefulTimeout bounds how long a graceful stop waits after the
	// interrupt before force-killing. Default: 8s.
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`

	// QueueSize bounds each subscriber's event queue. Default: 256.
	QueueSize int `mapstructure:"queue_size"`

	// Heartbeat is the keepalive interval on session streams. Default: 30s.
	// Zero in tests disables it.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 8 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return cfg
}

// Manager owns the agent subprocesses. At most one live session per agent;
// each live session has a reader goroutine feeding its publisher and a
// persister draining message records to the store.
type Manager struct {
	cfg  Config
	repo *repository.Repository
	bus  bus.EventBus
	log  *logger.Logger

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
	live       map[string]*liveSession // session id -> live state
	byAgent    map[string]string       // agent id -> live session id
	prompts    map[string]string       // session id -> cached initial prompt
}

type liveSession struct {
	record    *repository.SessionRecord
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	publisher *Publisher
	persistCh chan *repository.Message
	done      chan struct{} // closed after exit handling completes

	readers sync.WaitGroup // stdout + stderr loops
	stdinMu sync.Mutex

	persistMu     sync.Mutex
	persistClosed bool
}

// NewManager creates a session manager.
func NewManager(cfg Config, repo *repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		repo:       repo,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "session-manager")),
		agentLocks: make(map[string]*sync.Mutex),
		live:       make(map[string]*liveSession),
		byAgent:    make(map[string]string),
		prompts:    make(map[string]string),
	}
}

// StartOptions configure a new session.
type StartOptions struct {
	WorkingDir    string `json:"workingDirectory,omitempty"`
	WorktreePath  string `json:"worktree,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	Interactive   bool   `json:"interactive,omitempty"`
	TaskID        string `json:"taskId,omitempty"`

	// ResumeClaudeSessionID instructs the child to resume a previous
	// conversation. Set by ResumeSession.
	ResumeClaudeSessionID string `json:"-"`
}

// StartSession launches a child process for the agent. Fails with
// SessionExists when the agent already has a session in an active status.
func (m *Manager) StartSession(ctx context.Context, agentID string, opts StartOptions) (*repository.SessionRecord, error) {
	agent, err := m.repo.GetElement(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	if agent.Kind != models.KindEntity {
		return nil, apperrors.InvalidAgent(agentID)
	}

	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if sessionID, ok := m.byAgent[agentID]; ok {
		m.mu.Unlock()
		return nil, apperrors.SessionExists(agentID + " (session " + sessionID + ")")
	}
	m.mu.Unlock()

	mode := ModeHeadless
	if opts.Interactive {
		mode = ModeInteractive
	}
	record := &repository.SessionRecord{
		ID:            "sess-" + uuid.New().String(),
		AgentID:       agentID,
		Mode:          mode,
		Status:        StatusStarting,
		WorkingDir:    opts.WorkingDir,
		WorktreePath:  opts.WorktreePath,
		InitialPrompt: opts.InitialPrompt,
		StartedAt:     time.Now().UTC(),
	}
	if err := m.repo.CreateSession(ctx, record); err != nil {
		return nil, err
	}

	cmd := exec.Command(m.cfg.Binary, buildArgs(opts)...)
	if opts.WorktreePath != "" {
		cmd.Dir = opts.WorktreePath
	} else if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, m.failStart(ctx, record, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, m.failStart(ctx, record, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, m.failStart(ctx, record, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, m.failStart(ctx, record, err)
	}

	record.PID = cmd.Process.Pid
	record.Status = StatusRunning
	if err := m.repo.UpdateSession(ctx, record); err != nil {
		m.log.WithError(err).Warn("failed to persist running status",
			zap.String("session_id", record.ID))
	}

	ls := &liveSession{
		record:    record,
		cmd:       cmd,
		stdin:     stdin,
		publisher: NewPublisher(m.cfg.QueueSize, m.cfg.Heartbeat),
		persistCh: make(chan *repository.Message, 512),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.live[record.ID] = ls
	m.byAgent[agentID] = record.ID
	if opts.InitialPrompt != "" {
		m.prompts[record.ID] = opts.InitialPrompt
	}
	m.mu.Unlock()

	if opts.InitialPrompt != "" {
		m.persistInitialPrompt(ctx, record.ID, opts.TaskID, opts.InitialPrompt)
	}

	ls.readers.Add(2)
	go m.persistLoop(ls)
	go m.readLoop(ls, stdout, opts.TaskID)
	go m.stderrLoop(ls, stderr)
	go m.waitLoop(ls)

	m.publishBus(ctx, events.SessionStarted, map[string]any{
		"sessionId": record.ID,
		"agentId":   agentID,
		"mode":      mode,
	})
	m.log.Info("session started",
		zap.String("session_id", record.ID),
		zap.String("agent_id", agentID),
		zap.String("mode", mode),
		zap.Int("pid", record.PID))
	return cloneRecord(record), nil
}

// ResumeResult reports what a resume started from.
type ResumeResult struct {
	Session *repository.SessionRecord `json:"session"`

	// ResumedFrom is the prior session whose conversation continues.
	ResumedFrom string `json:"resumedFrom,omitempty"`
}

// ResumeSession starts a new session that continues a previous conversation.
// With no explicit cookie the agent's most recent resumable session is used.
func (m *Manager) ResumeSession(ctx context.Context, agentID, claudeSessionID string, opts StartOptions) (*ResumeResult, error) {
	resumedFrom := ""
	if claudeSessionID == "" {
		prior, err := m.repo.GetMostRecentResumableSession(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			return nil, apperrors.NoResumableSession(agentID)
		}
		claudeSessionID = prior.ClaudeSessionID
		resumedFrom = prior.ID
	}
	opts.ResumeClaudeSessionID = claudeSessionID
	record, err := m.StartSession(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	return &ResumeResult{Session: record, ResumedFrom: resumedFrom}, nil
}

// InterruptSession sends an interrupt to the child without changing state.
func (m *Manager) InterruptSession(ctx context.Context, sessionID string) error {
	ls, err := m.liveSession(sessionID)
	if err != nil {
		return err
	}
	return ls.cmd.Process.Signal(os.Interrupt)
}

// StopOptions configure StopSession.
type StopOptions struct {
	Graceful bool   `json:"graceful,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// StopSession terminates a session. Graceful stops interrupt the child and
// wait up to the configured timeout before force-killing; the exit event and
// terminal status are produced by the wait loop either way.
func (m *Manager) StopSession(ctx context.Context, sessionID string, opts StopOptions) error {
	ls, err := m.liveSession(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ls.record.Status = StatusTerminating
	m.mu.Unlock()
	if err := m.repo.UpdateSession(ctx, ls.record); err != nil {
		m.log.WithError(err).Warn("failed to persist terminating status",
			zap.String("session_id", sessionID))
	}

	if opts.Graceful {
		_ = ls.cmd.Process.Signal(os.Interrupt)
		select {
		case <-ls.done:
			return nil
		case <-time.After(m.cfg.GracefulTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = ls.cmd.Process.Kill()
	select {
	case <-ls.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("session stopped",
		zap.String("session_id", sessionID),
		zap.Bool("graceful", opts.Graceful),
		zap.String("reason", opts.Reason))
	return nil
}

// SendInput writes a user turn to the child's stdin. With isUserMessage the
// input is also surfaced to subscribers and persisted.
func (m *Manager) SendInput(ctx context.Context, sessionID, input string, isUserMessage bool) error {
	ls, err := m.liveSession(sessionID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": input},
			},
		},
	})
	if err != nil {
		return err
	}

	ls.stdinMu.Lock()
	_, err = ls.stdin.Write(append(line, '\n'))
	ls.stdinMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write to session stdin: %w", err)
	}

	if isUserMessage {
		ev := Event{
			Type:      EventUser,
			Role:      "user",
			Message:   input,
			Timestamp: time.Now().UTC(),
		}
		ls.publisher.Publish(ev)
		m.enqueueMessage(ls, &repository.Message{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Type:      string(EventUser),
			Role:      "user",
			Content:   input,
			CreatedAt: ev.Timestamp,
		})
	}
	return nil
}

// Subscribe attaches to a live session's event stream. A cached initial
// prompt is replayed as a synthetic user event so late joiners can render
// the full conversation.
func (m *Manager) Subscribe(sessionID string) (*Subscriber, error) {
	m.mu.Lock()
	ls, ok := m.live[sessionID]
	prompt := m.prompts[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	var initial []Event
	if prompt != "" {
		initial = append(initial, Event{
			Type:      EventUser,
			Role:      "user",
			Message:   prompt,
			Timestamp: time.Now().UTC(),
			Replayed:  true,
		})
	}
	return ls.publisher.Subscribe(initial...), nil
}

// GetSession returns a session by id, live registry first.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*repository.SessionRecord, error) {
	m.mu.Lock()
	if ls, ok := m.live[sessionID]; ok {
		record := cloneRecord(ls.record)
		m.mu.Unlock()
		return record, nil
	}
	m.mu.Unlock()
	return m.repo.GetSession(ctx, sessionID)
}

// GetActiveSession returns the agent's live session, or NoSession.
func (m *Manager) GetActiveSession(ctx context.Context, agentID string) (*repository.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID, ok := m.byAgent[agentID]; ok {
		return cloneRecord(m.live[sessionID].record), nil
	}
	return nil, apperrors.NoSession(agentID)
}

// ListSessions queries persisted sessions.
func (m *Manager) ListSessions(ctx context.Context, filter repository.SessionFilter) ([]*repository.SessionRecord, error) {
	return m.repo.ListSessions(ctx, filter)
}

// GetMostRecentResumableSession returns the newest terminated session with a
// resumption cookie, or nil.
func (m *Manager) GetMostRecentResumableSession(ctx context.Context, agentID string) (*repository.SessionRecord, error) {
	return m.repo.GetMostRecentResumableSession(ctx, agentID)
}

// Shutdown force-stops every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.StopSession(ctx, id, StopOptions{}); err != nil {
			m.log.WithError(err).Warn("failed to stop session at shutdown",
				zap.String("session_id", id))
		}
	}
}

// buildArgs assembles the child's argv. Headless runs carry the prompt on
// the command line; interactive runs take turns over stdin.
func buildArgs(opts StartOptions) []string {
	var args []string
	if opts.Interactive {
		args = append(args, "--input-format", "stream-json")
	} else if opts.InitialPrompt != "" {
		args = append(args, "-p", opts.InitialPrompt)
	}
	args = append(args, "--output-format", "stream-json", "--verbose")
	if opts.ResumeClaudeSessionID != "" {
		args = append(args, "--resume", opts.ResumeClaudeSessionID)
	}
	return args
}

func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.agentLocks[agentID] = lock
	}
	return lock
}

func (m *Manager) liveSession(sessionID string) (*liveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return ls, nil
}

func (m *Manager) failStart(ctx context.Context, record *repository.SessionRecord, err error) error {
	now := time.Now().UTC()
	record.Status = StatusTerminated
	record.TerminatedAt = &now
	if updateErr := m.repo.UpdateSession(ctx, record); updateErr != nil {
		m.log.WithError(updateErr).Warn("failed to mark session terminated",
			zap.String("session_id", record.ID))
	}
	return fmt.Errorf("failed to start agent process: %w", err)
}

func cloneRecord(r *repository.SessionRecord) *repository.SessionRecord {
	clone := *r
	return &clone
}

func (m *Manager) publishBus(ctx context.Context, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.log.WithError(err).Warn("failed to publish event", zap.String("event_type", eventType))
	}
}

