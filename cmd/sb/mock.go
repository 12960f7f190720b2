package main

import (
	"context"
	"strings"

	"github.com/zulandar/switchboard/internal/engine"
)

// echoAdapter is a mock engine that answers every message by repeating it.
// Messages containing "approve" first ask for a command approval, so the
// inline prompts can be tried without a real engine.
type echoAdapter struct {
	*engine.MockAdapter
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{MockAdapter: engine.NewMockAdapter("mock")}
}

func (a *echoAdapter) Send(ctx context.Context, threadID string, msg engine.Message) (string, error) {
	turnID, err := a.MockAdapter.Send(ctx, threadID, msg)
	if err != nil {
		return "", err
	}
	go a.reply(threadID, turnID, msg.Text)
	return turnID, nil
}

func (a *echoAdapter) RespondApproval(ctx context.Context, threadID, requestID string, decision engine.Decision, remember bool) error {
	if err := a.MockAdapter.RespondApproval(ctx, threadID, requestID, decision, remember); err != nil {
		return err
	}
	turnID := strings.TrimSuffix(requestID, "-approval")
	text := "Declined, not running it."
	if decision == engine.DecisionAccept {
		text = "Approved, ran it."
	}
	go a.finish(threadID, turnID, text)
	return nil
}

func (a *echoAdapter) reply(threadID, turnID, text string) {
	a.Emit(engine.Event{Kind: engine.EventTurnStarted, ThreadID: threadID, TurnID: turnID})
	if strings.Contains(strings.ToLower(text), "approve") {
		auto := len(a.AutoApplied())
		a.Emit(engine.Event{Kind: engine.EventApprovalRequest, ThreadID: threadID, TurnID: turnID,
			Approval: &engine.ApprovalRequest{
				ID:       turnID + "-approval",
				ThreadID: threadID,
				TurnID:   turnID,
				Kind:     "command",
				Command:  "echo " + text,
			}})
		if len(a.AutoApplied()) > auto {
			a.finish(threadID, turnID, "Approved for this session, ran it.")
		}
		return
	}
	a.finish(threadID, turnID, "echo: "+text)
}

func (a *echoAdapter) finish(threadID, turnID, text string) {
	a.Emit(engine.Event{Kind: engine.EventTextDelta, ThreadID: threadID, TurnID: turnID, Delta: text})
	a.Emit(engine.Event{Kind: engine.EventTurnCompleted, ThreadID: threadID, TurnID: turnID})
}
