// Package engine defines the uniform boundary between the orchestration core
// and pluggable coding-agent engines (Claude CLI, Codex app-server, ...).
//
// Callers branch only on Capabilities, never on the engine's identity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported is returned for operations an engine cannot perform.
	ErrUnsupported = errors.New("engine: operation not supported")
	// ErrNoSession is returned when a thread has no live session in the adapter.
	ErrNoSession = errors.New("engine: no session for thread")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: adapter closed")
)

// StartError reports that an engine could not start or reach a session.
// It is surfaced to the conversation; nothing retries automatically.
type StartError struct {
	Engine string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("engine %s: start failed: %v", e.Engine, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Adapter is the interface engine implementations must satisfy.
type Adapter interface {
	// Name returns the configured engine name (e.g. "claude").
	Name() string

	// Capabilities reports what the engine supports.
	Capabilities() Capabilities

	// Start establishes a new conversation thread.
	Start(ctx context.Context, params StartParams) (ThreadInfo, error)

	// Open creates a thread from one of the variant kinds (fork, resume,
	// review, status, mcp).
	Open(ctx context.Context, req OpenRequest) (ThreadInfo, error)

	// Send starts a turn on the thread and returns the engine's turn ID
	// (may be empty when the engine assigns it later via turnStarted).
	Send(ctx context.Context, threadID string, msg Message) (string, error)

	// Interrupt stops the running turn. Interrupting a thread without a
	// running turn is not an error.
	Interrupt(ctx context.Context, threadID string) error

	// RespondApproval answers an approval request. When remember is true the
	// engine applies the decision to future matching requests in the same
	// session.
	RespondApproval(ctx context.Context, threadID, requestID string, decision Decision, remember bool) error

	// RespondUserInput answers a structured question request.
	RespondUserInput(ctx context.Context, threadID, requestID string, answers map[string][]string) error

	// ListThreads returns one page of threads known to the engine.
	ListThreads(ctx context.Context, cursor string, limit int) (ThreadPage, error)

	// ReadThread re-fetches authoritative thread state.
	ReadThread(ctx context.Context, threadID string) (ThreadInfo, error)

	// RenameThread sets the thread's display name on the engine side.
	RenameThread(ctx context.Context, threadID, name string) error

	// ArchiveThread tells the engine the thread was removed.
	ArchiveThread(ctx context.Context, threadID string) error

	// Events returns the adapter's ordered event stream. The channel is
	// closed after Close.
	Events() <-chan Event

	// Close shuts down every session the adapter owns.
	Close() error
}

// AccountReader is an optional interface adapters implement when the engine
// exposes account and rate-limit information.
type AccountReader interface {
	ReadAccount(ctx context.Context) (Account, error)
	ReadRateLimits(ctx context.Context) (RateLimits, error)
}

// AccessMode controls how much the engine may do without approval.
type AccessMode string

const (
	AccessReadOnly   AccessMode = "read-only"
	AccessOnRequest  AccessMode = "on-request"
	AccessFullAccess AccessMode = "full-access"
)

// StartParams holds parameters for starting a thread.
type StartParams struct {
	WorkspaceID string
	Cwd         string
	Model       string
	AccessMode  AccessMode
}

// OpenKind selects a thread-creating variant.
type OpenKind string

const (
	OpenFork   OpenKind = "fork"
	OpenResume OpenKind = "resume"
	OpenReview OpenKind = "review"
	OpenStatus OpenKind = "status"
	OpenMCP    OpenKind = "mcp"
)

// OpenRequest describes a fork/resume/review/status/mcp request.
type OpenRequest struct {
	Kind           OpenKind
	SourceThreadID string // fork, resume, review
	ReviewTarget   string // review: free-form target, e.g. "uncommitted"
	Params         StartParams
}

// ThreadInfo is the engine's view of a thread.
type ThreadInfo struct {
	ID        string
	Name      string
	ParentID  string
	Engine    string
	Cwd       string
	UpdatedAt time.Time

	// Preamble, when set, is informational text the caller shows as the
	// thread's first assistant message (status, mcp).
	Preamble string
	// AutoPrompt, when set, must be sent as the thread's first turn (review
	// on engines without a native review mode).
	AutoPrompt string
	// TurnID, when set, is a turn the engine already started on the new
	// thread (native review).
	TurnID string
	// History holds authoritative items returned by ReadThread, oldest first.
	History []HistoryEntry
}

// HistoryEntry is one message recovered from the engine on refresh.
type HistoryEntry struct {
	Role string // "user", "assistant", "reasoning"
	Text string
}

// ThreadPage is one page of ListThreads.
type ThreadPage struct {
	Threads    []ThreadInfo
	NextCursor string
}

// Image is an image attachment, either a URL/data URI or a local path.
type Image struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Effort is the reasoning-effort knob.
type Effort string

// SendOptions are per-turn knobs passed through to the engine.
type SendOptions struct {
	Model             string     `json:"model,omitempty"`
	Effort            Effort     `json:"effort,omitempty"`
	AccessMode        AccessMode `json:"access_mode,omitempty"`
	CollaborationMode string     `json:"collaboration_mode,omitempty"`
	MemoryContext     []string   `json:"memory_context,omitempty"`
}

// Message is a user message sent to the engine.
type Message struct {
	Text    string
	Images  []Image
	Options SendOptions
}

// Decision is an operator's answer to an approval request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionDecline
}

// Account is the engine's account snapshot.
type Account struct {
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
	PlanType string `json:"plan_type,omitempty"`
}

// RateLimitWindow is one rolling usage window.
type RateLimitWindow struct {
	UsedPercent   float64    `json:"used_percent"`
	WindowMinutes int        `json:"window_minutes,omitempty"`
	ResetsAt      *time.Time `json:"resets_at,omitempty"`
}

// RateLimits is the engine's rate-limit snapshot.
type RateLimits struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
}
