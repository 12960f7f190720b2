package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockAdapter implements Adapter for tests and offline demos. It records
// every call and lets tests inject events via Emit.
type MockAdapter struct {
	mu      sync.Mutex
	name    string
	caps    Capabilities
	events  chan Event
	closed  bool
	rules   *SessionRules
	threads []ThreadInfo // known threads, newest first
	byID    map[string]ThreadInfo
	pending map[string]ApprovalRequest // emitted approval requests by ID

	threadCounter int
	turnCounter   int

	// StartErr, when set, is returned by Start and Open.
	StartErr error
	// SendErr, when set, is returned by Send.
	SendErr error
	// NextThreadID, when set, is used for the next created thread.
	NextThreadID string

	sent        []SentMessage
	interrupts  []string
	approvals   []ApprovalResponse
	userInputs  []UserInputResponse
	renames     map[string]string
	archived    []string
	autoApplied []ApprovalResponse
}

// SentMessage records one Send call.
type SentMessage struct {
	ThreadID string
	TurnID   string
	Message  Message
}

// ApprovalResponse records one RespondApproval call.
type ApprovalResponse struct {
	ThreadID  string
	RequestID string
	Decision  Decision
	Remember  bool
}

// UserInputResponse records one RespondUserInput call.
type UserInputResponse struct {
	ThreadID  string
	RequestID string
	Answers   map[string][]string
}

// NewMockAdapter creates a MockAdapter with every capability enabled.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name: name,
		caps: Capabilities{
			Streaming:           true,
			Reasoning:           true,
			ToolUse:             true,
			ImageInput:          true,
			SessionContinuation: true,
			Approvals:           true,
		},
		events:  make(chan Event, 256),
		rules:   NewSessionRules(),
		byID:    make(map[string]ThreadInfo),
		pending: make(map[string]ApprovalRequest),
		renames: make(map[string]string),
	}
}

// SetCapabilities overrides the reported capabilities.
func (m *MockAdapter) SetCapabilities(c Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = c
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Start creates a thread.
func (m *MockAdapter) Start(ctx context.Context, params StartParams) (ThreadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ThreadInfo{}, ErrClosed
	}
	if m.StartErr != nil {
		return ThreadInfo{}, &StartError{Engine: m.name, Err: m.StartErr}
	}
	return m.newThreadLocked(params.Cwd, ""), nil
}

// Open creates a thread for one of the variant kinds.
func (m *MockAdapter) Open(ctx context.Context, req OpenRequest) (ThreadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ThreadInfo{}, ErrClosed
	}
	if m.StartErr != nil {
		return ThreadInfo{}, &StartError{Engine: m.name, Err: m.StartErr}
	}
	switch req.Kind {
	case OpenFork, OpenResume:
		if _, ok := m.byID[req.SourceThreadID]; !ok {
			return ThreadInfo{}, fmt.Errorf("mock adapter: %s: %w", req.Kind, ErrNoSession)
		}
		if req.Kind == OpenResume {
			return m.byID[req.SourceThreadID], nil
		}
		return m.newThreadLocked(req.Params.Cwd, req.SourceThreadID), nil
	case OpenReview:
		t := m.newThreadLocked(req.Params.Cwd, req.SourceThreadID)
		t.AutoPrompt = "Review " + req.ReviewTarget
		return t, nil
	case OpenStatus:
		t := m.newThreadLocked(req.Params.Cwd, "")
		t.Preamble = "engine " + m.name + " ready"
		return t, nil
	case OpenMCP:
		t := m.newThreadLocked(req.Params.Cwd, "")
		t.Preamble = "no MCP servers configured"
		return t, nil
	}
	return ThreadInfo{}, fmt.Errorf("mock adapter: open %q: %w", req.Kind, ErrUnsupported)
}

func (m *MockAdapter) newThreadLocked(cwd, parent string) ThreadInfo {
	id := m.NextThreadID
	m.NextThreadID = ""
	if id == "" {
		m.threadCounter++
		id = fmt.Sprintf("thread-%d", m.threadCounter)
	}
	t := ThreadInfo{ID: id, ParentID: parent, Engine: m.name, Cwd: cwd, UpdatedAt: time.Now()}
	m.byID[id] = t
	m.threads = append([]ThreadInfo{t}, m.threads...)
	return t
}

// Send records the message and returns a fresh turn ID.
func (m *MockAdapter) Send(ctx context.Context, threadID string, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.SendErr != nil {
		return "", &StartError{Engine: m.name, Err: m.SendErr}
	}
	m.turnCounter++
	turnID := fmt.Sprintf("turn-%d", m.turnCounter)
	m.sent = append(m.sent, SentMessage{ThreadID: threadID, TurnID: turnID, Message: msg})
	return turnID, nil
}

// Interrupt records the interrupt.
func (m *MockAdapter) Interrupt(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupts = append(m.interrupts, threadID)
	return nil
}

// RespondApproval records the decision and, when remember is set, stores a
// session rule consulted by Emit.
func (m *MockAdapter) RespondApproval(ctx context.Context, threadID, requestID string, decision Decision, remember bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, ApprovalResponse{ThreadID: threadID, RequestID: requestID, Decision: decision, Remember: remember})
	if req, ok := m.pending[requestID]; ok {
		delete(m.pending, requestID)
		if remember {
			m.rules.Remember(threadID, req, decision)
		}
	}
	return nil
}

// RememberRule stores a session rule as if req had been answered with
// remember set.
func (m *MockAdapter) RememberRule(threadID string, req ApprovalRequest, decision Decision) {
	m.rules.Remember(threadID, req, decision)
}

// RespondUserInput records the answers.
func (m *MockAdapter) RespondUserInput(ctx context.Context, threadID, requestID string, answers map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInputs = append(m.userInputs, UserInputResponse{ThreadID: threadID, RequestID: requestID, Answers: answers})
	return nil
}

// ListThreads pages through known threads. The cursor is the next offset.
func (m *MockAdapter) ListThreads(ctx context.Context, cursor string, limit int) (ThreadPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return ThreadPage{}, fmt.Errorf("mock adapter: bad cursor %q", cursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = 20
	}
	if start >= len(m.threads) {
		return ThreadPage{}, nil
	}
	end := start + limit
	if end > len(m.threads) {
		end = len(m.threads)
	}
	page := ThreadPage{Threads: append([]ThreadInfo(nil), m.threads[start:end]...)}
	if end < len(m.threads) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// ReadThread returns the stored thread info.
func (m *MockAdapter) ReadThread(ctx context.Context, threadID string) (ThreadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[threadID]
	if !ok {
		return ThreadInfo{}, ErrNoSession
	}
	return t, nil
}

// RenameThread records the rename and updates the stored thread.
func (m *MockAdapter) RenameThread(ctx context.Context, threadID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renames[threadID] = name
	if t, ok := m.byID[threadID]; ok {
		t.Name = name
		m.byID[threadID] = t
	}
	return nil
}

// ArchiveThread records the archive.
func (m *MockAdapter) ArchiveThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, threadID)
	m.rules.Forget(threadID)
	return nil
}

func (m *MockAdapter) Events() <-chan Event { return m.events }

// Close closes the event channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// --- Test helpers ---

// Emit injects an event as if the engine produced it. Approval requests
// matching a remembered session rule are answered automatically instead.
func (m *MockAdapter) Emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	switch evt.Kind {
	case EventApprovalRequest:
		if evt.Approval != nil {
			if d, ok := m.rules.Lookup(evt.ThreadID, *evt.Approval); ok {
				m.mu.Lock()
				m.autoApplied = append(m.autoApplied, ApprovalResponse{ThreadID: evt.ThreadID, RequestID: evt.Approval.ID, Decision: d, Remember: true})
				m.mu.Unlock()
				return
			}
			m.mu.Lock()
			m.pending[evt.Approval.ID] = *evt.Approval
			m.mu.Unlock()
		}
	case EventSessionEnded:
		m.rules.Forget(evt.ThreadID)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.events <- evt
}

// SeedThread adds a thread as if it existed before the adapter started.
func (m *MockAdapter) SeedThread(t ThreadInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Engine == "" {
		t.Engine = m.name
	}
	_, exists := m.byID[t.ID]
	m.byID[t.ID] = t
	if exists {
		for i := range m.threads {
			if m.threads[i].ID == t.ID {
				m.threads[i] = t
			}
		}
		return
	}
	m.threads = append(m.threads, t)
}

// Sent returns a copy of every recorded Send.
func (m *MockAdapter) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Interrupts returns the thread IDs Interrupt was called with.
func (m *MockAdapter) Interrupts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.interrupts...)
}

// Approvals returns recorded approval responses.
func (m *MockAdapter) Approvals() []ApprovalResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ApprovalResponse(nil), m.approvals...)
}

// AutoApplied returns approvals answered from remembered rules.
func (m *MockAdapter) AutoApplied() []ApprovalResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ApprovalResponse(nil), m.autoApplied...)
}

// UserInputs returns recorded user-input responses.
func (m *MockAdapter) UserInputs() []UserInputResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UserInputResponse(nil), m.userInputs...)
}

// Renames returns recorded renames keyed by thread ID.
func (m *MockAdapter) Renames() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.renames))
	for k, v := range m.renames {
		out[k] = v
	}
	return out
}

// Archived returns archived thread IDs.
func (m *MockAdapter) Archived() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.archived...)
}
