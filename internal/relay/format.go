package relay

import (
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/registry"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

func newEvent(title, body, severity string, fields ...Field) FormattedEvent {
	return FormattedEvent{Title: title, Body: body, Severity: severity, Color: severityColor(severity), Fields: fields}
}

// FormatApproval renders a pending approval request with the commands that
// answer it.
func FormatApproval(workspaceID string, req engine.ApprovalRequest) FormattedEvent {
	title := fmt.Sprintf("Approval needed: %s", req.Kind)
	var body strings.Builder
	if req.Command != "" {
		fmt.Fprintf(&body, "`%s`\n", req.Command)
	}
	if req.Reason != "" {
		fmt.Fprintf(&body, "%s\n", req.Reason)
	}
	fmt.Fprintf(&body, "Reply `%s approve %s`, `%s decline %s` or `%s remember %s`.",
		commandPrefix, req.ID, commandPrefix, req.ID, commandPrefix, req.ID)
	return newEvent(title, body.String(), "warning",
		Field{Name: "Workspace", Value: workspaceID, Short: true},
		Field{Name: "Thread", Value: req.ThreadID, Short: true},
		Field{Name: "Request", Value: req.ID, Short: true},
	)
}

// FormatUserInput renders a pending user-input request, one line per
// question.
func FormatUserInput(workspaceID string, req engine.UserInputRequest) FormattedEvent {
	var body strings.Builder
	for _, q := range req.Questions {
		fmt.Fprintf(&body, "*%s*: %s", q.ID, q.Prompt)
		if len(q.Options) > 0 {
			fmt.Fprintf(&body, " (%s)", strings.Join(q.Options, " | "))
		}
		body.WriteString("\n")
	}
	fmt.Fprintf(&body, "Reply `%s answer %s <id>=<answer> ...`.", commandPrefix, req.ID)
	return newEvent("Input needed", body.String(), "warning",
		Field{Name: "Workspace", Value: workspaceID, Short: true},
		Field{Name: "Thread", Value: req.ThreadID, Short: true},
		Field{Name: "Request", Value: req.ID, Short: true},
	)
}

// FormatTurnError renders a turn that ended in error.
func FormatTurnError(n registry.Notification) FormattedEvent {
	return newEvent("Turn failed", n.Error, "error",
		Field{Name: "Workspace", Value: n.WorkspaceID, Short: true},
		Field{Name: "Thread", Value: n.ThreadID, Short: true},
	)
}

// FormatStatus summarizes every workspace for the status command.
func FormatStatus(snaps []registry.WorkspaceSnapshot) string {
	if len(snaps) == 0 {
		return "No workspaces configured."
	}
	var b strings.Builder
	for _, s := range snaps {
		conn := "disconnected"
		if s.Connected {
			conn = "connected"
		}
		active := 0
		for _, th := range s.Threads {
			if th.State.Active() {
				active++
			}
		}
		fmt.Fprintf(&b, "*%s* (%s, %s): %d threads, %d active, %d pending requests\n",
			s.ID, s.Engine, conn, len(s.Threads), active, len(s.Approvals)+len(s.UserInputs))
		for _, th := range s.Threads {
			if !th.State.Active() {
				continue
			}
			name := th.Name
			if name == "" {
				name = th.ID
			}
			fmt.Fprintf(&b, "  • %s `%s` %s\n", name, th.ID, th.State)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
