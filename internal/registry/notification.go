package registry

import (
	"encoding/json"
	"time"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/turn"
)

// NotificationKind says which part of derived state changed.
type NotificationKind string

const (
	NotifyWorkspace       NotificationKind = "workspace"       // connection state
	NotifyThreads         NotificationKind = "threads"         // thread list membership or order
	NotifyThread          NotificationKind = "thread"          // thread metadata
	NotifyTurn            NotificationKind = "turn"            // turn state
	NotifyItems           NotificationKind = "items"           // conversation items appended or updated
	NotifyUsage           NotificationKind = "usage"           // token usage
	NotifyPlan            NotificationKind = "plan"            // turn plan
	NotifyQueue           NotificationKind = "queue"           // queued messages
	NotifyApproval        NotificationKind = "approval"        // approval request pending
	NotifyUserInput       NotificationKind = "userInput"       // user-input request pending
	NotifyRequestResolved NotificationKind = "requestResolved" // request answered or discarded
	NotifyRateLimits      NotificationKind = "rateLimits"
	NotifyAccount         NotificationKind = "account"
	NotifyError           NotificationKind = "error" // turn ended in error
	NotifyRaw             NotificationKind = "raw"   // engine passthrough
)

// Notification tells subscribers that derived state changed. Subscribers
// re-read snapshots; the payload fields are hints.
type Notification struct {
	Kind        NotificationKind         `json:"kind"`
	WorkspaceID string                   `json:"workspace_id"`
	ThreadID    string                   `json:"thread_id,omitempty"`
	TurnID      string                   `json:"turn_id,omitempty"`
	State       turn.State               `json:"state,omitempty"`
	ItemIDs     []string                 `json:"item_ids,omitempty"`
	RequestID   string                   `json:"request_id,omitempty"`
	Approval    *engine.ApprovalRequest  `json:"approval,omitempty"`
	UserInput   *engine.UserInputRequest `json:"user_input,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Method      string                   `json:"method,omitempty"`
	Raw         json.RawMessage          `json:"raw,omitempty"`
	At          time.Time                `json:"at"`
}
