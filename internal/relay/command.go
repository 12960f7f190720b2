package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/registry"
)

const commandPrefix = "!sb"

// Core is the part of the registry the relay drives.
type Core interface {
	ResolveApproval(ctx context.Context, requestID string, decision engine.Decision, remember bool) (bool, error)
	ResolveUserInput(ctx context.Context, requestID string, answers map[string][]string) (bool, error)
	Interrupt(ctx context.Context, workspaceID, threadID string) error
	Snapshots() []registry.WorkspaceSnapshot
}

// CommandHandler executes "!sb" commands against a Core.
type CommandHandler struct {
	core Core
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(core Core) (*CommandHandler, error) {
	if core == nil {
		return nil, fmt.Errorf("relay: command handler: core is required")
	}
	return &CommandHandler{core: core}, nil
}

// IsCommand reports whether text is addressed to the relay.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return text == commandPrefix || strings.HasPrefix(text, commandPrefix+" ")
}

// Execute parses and runs a command and returns the reply text.
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return helpText()
	}

	switch args[0] {
	case "approve":
		return ch.cmdDecide(ctx, args[1:], engine.DecisionAccept, false)
	case "decline":
		return ch.cmdDecide(ctx, args[1:], engine.DecisionDecline, false)
	case "remember":
		return ch.cmdRemember(ctx, args[1:])
	case "answer":
		return ch.cmdAnswer(ctx, args[1:])
	case "interrupt":
		return ch.cmdInterrupt(ctx, args[1:])
	case "status":
		return FormatStatus(ch.core.Snapshots())
	case "help":
		return helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], helpText())
	}
}

// parseCommand strips the "!sb" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

func (ch *CommandHandler) cmdDecide(ctx context.Context, args []string, d engine.Decision, remember bool) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s approve|decline <request-id>`", commandPrefix)
	}
	id := args[0]
	found, err := ch.core.ResolveApproval(ctx, id, d, remember)
	if !found {
		return fmt.Sprintf("No pending approval `%s`.", id)
	}
	if err != nil {
		return fmt.Sprintf("Error resolving `%s`: %v", id, err)
	}
	verb := "Approved"
	if d == engine.DecisionDecline {
		verb = "Declined"
	}
	if remember {
		return fmt.Sprintf("%s `%s` and remembered for this session.", verb, id)
	}
	return fmt.Sprintf("%s `%s`.", verb, id)
}

// cmdRemember handles "remember <id> [accept|decline]"; the decision
// defaults to accept.
func (ch *CommandHandler) cmdRemember(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s remember <request-id> [accept|decline]`", commandPrefix)
	}
	d := engine.DecisionAccept
	if len(args) > 1 {
		d = engine.Decision(strings.ToLower(args[1]))
		if !d.Valid() {
			return fmt.Sprintf("Unknown decision `%s`; use accept or decline.", args[1])
		}
	}
	return ch.cmdDecide(ctx, args[:1], d, true)
}

func (ch *CommandHandler) cmdAnswer(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return fmt.Sprintf("Usage: `%s answer <request-id> <question-id>=<answer>[,<answer>] ...`", commandPrefix)
	}
	id := args[0]
	answers, err := parseAnswers(args[1:])
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	found, err := ch.core.ResolveUserInput(ctx, id, answers)
	if !found {
		return fmt.Sprintf("No pending input request `%s`.", id)
	}
	if err != nil {
		return fmt.Sprintf("Answer for `%s` rejected: %v", id, err)
	}
	return fmt.Sprintf("Answered `%s`.", id)
}

// parseAnswers turns "q1=a,b" "word" "q2=c" into {q1: ["a", "b word"], q2: ["c"]}.
// A token without '=' continues the previous answer.
func parseAnswers(tokens []string) (map[string][]string, error) {
	answers := make(map[string][]string)
	last := ""
	for _, tok := range tokens {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			if last == "" {
				return nil, fmt.Errorf("expected <question-id>=<answer>, got %q", tok)
			}
			vals := answers[last]
			vals[len(vals)-1] += " " + tok
			continue
		}
		if key == "" {
			return nil, errors.New("empty question id")
		}
		for _, v := range strings.Split(val, ",") {
			answers[key] = append(answers[key], v)
		}
		last = key
	}
	return answers, nil
}

func (ch *CommandHandler) cmdInterrupt(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return fmt.Sprintf("Usage: `%s interrupt <workspace> <thread-id>`", commandPrefix)
	}
	if err := ch.core.Interrupt(ctx, args[0], args[1]); err != nil {
		return fmt.Sprintf("Error interrupting `%s`: %v", args[1], err)
	}
	return fmt.Sprintf("Interrupted `%s`.", args[1])
}

func helpText() string {
	var b strings.Builder
	b.WriteString("*Switchboard commands:*\n")
	fmt.Fprintf(&b, "• `%s approve <request-id>`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s decline <request-id>`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s remember <request-id> [accept|decline]`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s answer <request-id> <question-id>=<answer> ...`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s interrupt <workspace> <thread-id>`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s status`\n", commandPrefix)
	fmt.Fprintf(&b, "• `%s help`", commandPrefix)
	return b.String()
}
