// Package history folds a thread's engine event stream into an ordered,
// append-only sequence of conversation items plus derived aggregates
// (token usage, plan, turn diff).
package history

import (
	"time"

	"github.com/zulandar/switchboard/internal/engine"
)

// Kind tags an Item variant.
type Kind string

const (
	KindMessage   Kind = "message"
	KindReasoning Kind = "reasoning"
	KindDiff      Kind = "diff"
	KindReview    Kind = "review"
	KindExplore   Kind = "explore"
	KindTool      Kind = "tool"
)

// Role is a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Tool statuses.
const (
	StatusRunning    = "running"
	StatusExploring  = "exploring"
	StatusExplored   = "explored"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

// Item is one element of a thread's visible history. Only the fields of its
// Kind are set. An Open item may still be mutated by the stream; once Open is
// false the item never changes.
type Item struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TurnID    string    `json:"turn_id,omitempty"`
	Open      bool      `json:"open"`
	CreatedAt time.Time `json:"created_at"`

	// message
	Role   Role           `json:"role,omitempty"`
	Text   string         `json:"text,omitempty"`
	Images []engine.Image `json:"images,omitempty"`

	// reasoning
	Summary string `json:"summary,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// diff
	Title  string `json:"title,omitempty"`
	Patch  string `json:"patch,omitempty"`
	Status string `json:"status,omitempty"` // diff, tool, explore

	// review: Text holds the target or the review body
	Phase string `json:"phase,omitempty"` // started, completed

	// explore
	Steps []ExploreStep `json:"steps,omitempty"`

	// tool
	Tool *ToolDetail `json:"tool,omitempty"`
}

// ExploreStep is one read/search/list call narrated inside an explore item.
type ExploreStep struct {
	CallID   string              `json:"call_id"`
	Category engine.ToolCategory `json:"category"`
	Title    string              `json:"title"`
	Done     bool                `json:"done"`
	Error    string              `json:"error,omitempty"`
}

// ToolDetail carries a tool item's invocation and result.
type ToolDetail struct {
	CallID    string              `json:"call_id"`
	Name      string              `json:"name"`
	Category  engine.ToolCategory `json:"category"`
	Title     string              `json:"title,omitempty"`
	Input     string              `json:"input,omitempty"`
	Output    string              `json:"output,omitempty"`
	Error     string              `json:"error,omitempty"`
	Changes   []engine.FileChange `json:"changes,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  *time.Duration      `json:"duration,omitempty"`
}

func (it Item) clone() Item {
	if it.Images != nil {
		it.Images = append([]engine.Image(nil), it.Images...)
	}
	if it.Steps != nil {
		it.Steps = append([]ExploreStep(nil), it.Steps...)
	}
	if it.Tool != nil {
		td := *it.Tool
		if td.Changes != nil {
			td.Changes = append([]engine.FileChange(nil), td.Changes...)
		}
		if td.Duration != nil {
			d := *td.Duration
			td.Duration = &d
		}
		it.Tool = &td
	}
	return it
}

// RateLimitSnapshot is a workspace's latest rate-limit reading.
type RateLimitSnapshot struct {
	engine.RateLimits
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountSnapshot is a workspace's latest account reading.
type AccountSnapshot struct {
	engine.Account
	UpdatedAt time.Time `json:"updated_at"`
}
