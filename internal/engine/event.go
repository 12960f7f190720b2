package engine

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	EventSessionStarted   EventKind = "sessionStarted"
	EventTurnStarted      EventKind = "turnStarted"
	EventTextDelta        EventKind = "textDelta"
	EventReasoningDelta   EventKind = "reasoningDelta"
	EventToolStarted      EventKind = "toolStarted"
	EventToolCompleted    EventKind = "toolCompleted"
	EventApprovalRequest  EventKind = "approvalRequest"
	EventUserInputRequest EventKind = "userInputRequest"
	EventTurnCompleted    EventKind = "turnCompleted"
	EventTurnError        EventKind = "turnError"
	EventSessionEnded     EventKind = "sessionEnded"
	EventUsageUpdate      EventKind = "usageUpdate"
	EventPlanUpdate       EventKind = "planUpdate"
	EventRateLimits       EventKind = "rateLimitsUpdate"
	EventDiffUpdate       EventKind = "diffUpdate"
	EventReviewStarted    EventKind = "reviewStarted"
	EventReviewCompleted  EventKind = "reviewCompleted"
	EventRaw              EventKind = "raw"
)

// Event is one engine-observed occurrence. Exactly the payload field that
// matches Kind is set.
type Event struct {
	Kind     EventKind
	ThreadID string
	TurnID   string
	At       time.Time

	Delta      string            // textDelta, reasoningDelta
	Tool       *ToolCall         // toolStarted, toolCompleted
	Approval   *ApprovalRequest  // approvalRequest
	UserInput  *UserInputRequest // userInputRequest
	Usage      *TokenUsage       // usageUpdate
	Plan       *Plan             // planUpdate
	RateLimits *RateLimits       // rateLimitsUpdate
	Diff       *Diff             // diffUpdate
	Review     string            // reviewStarted, reviewCompleted
	Error      string            // turnError, sessionEnded
	Method     string            // raw: engine-native method/type
	Raw        json.RawMessage   // raw
}

// ToolCategory classifies tool calls. Read, search and list calls are
// narrated as exploration.
type ToolCategory string

const (
	ToolCommand    ToolCategory = "command"
	ToolFileChange ToolCategory = "fileChange"
	ToolMCP        ToolCategory = "mcp"
	ToolWebSearch  ToolCategory = "webSearch"
	ToolRead       ToolCategory = "read"
	ToolSearch     ToolCategory = "search"
	ToolList       ToolCategory = "list"
	ToolOther      ToolCategory = "other"
)

// Exploring reports whether c is narrated as an explore step.
func (c ToolCategory) Exploring() bool {
	return c == ToolRead || c == ToolSearch || c == ToolList
}

// ToolCall describes a tool invocation. On toolCompleted, Output, Error and
// Changes carry the result.
type ToolCall struct {
	ID       string
	Name     string
	Category ToolCategory
	Title    string // human-readable summary, e.g. the command line
	Input    string
	Output   string
	Error    string
	Changes  []FileChange
}

// FileChange is one file touched by a tool call.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // add, update, delete
	Diff string `json:"diff,omitempty"`
}

// ApprovalRequest asks the operator to authorize a tool call.
type ApprovalRequest struct {
	ID       string
	ThreadID string
	TurnID   string
	ItemID   string
	Kind     string // "command", "fileChange", ...
	Command  string
	Reason   string
	Params   map[string]any
}

// Key identifies requests that a remembered decision applies to.
func (r ApprovalRequest) Key() string {
	if r.Command != "" {
		return r.Kind + ":" + r.Command
	}
	return r.Kind
}

// UserInputRequest asks the operator a structured set of questions.
type UserInputRequest struct {
	ID        string
	ThreadID  string
	TurnID    string
	ItemID    string
	Questions []Question
}

// Question is one entry of a UserInputRequest.
type Question struct {
	ID       string   `json:"id"`
	Header   string   `json:"header,omitempty"`
	Prompt   string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

// TokenUsage is a thread's token usage snapshot.
type TokenUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	ReasoningTokens   int `json:"reasoning_tokens"`
	TotalTokens       int `json:"total_tokens"`
	ContextWindow     int `json:"context_window,omitempty"`
}

// Plan is the engine's current turn plan.
type Plan struct {
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps"`
}

// PlanStep is one plan entry.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // pending, inProgress, completed
}

// Diff is the turn's aggregated patch.
type Diff struct {
	Title string `json:"title,omitempty"`
	Patch string `json:"patch"`
}
