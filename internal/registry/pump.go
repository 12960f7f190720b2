package registry

import (
	"context"

	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/history"
	"github.com/zulandar/switchboard/internal/turn"
)

// pump applies adapter events in arrival order until the adapter closes its
// event channel.
func (w *Workspace) pump(adapter engine.Adapter, done chan struct{}) {
	defer close(done)
	for evt := range adapter.Events() {
		w.handleEvent(evt)
	}
}

func (w *Workspace) handleEvent(evt engine.Event) {
	if evt.At.IsZero() {
		evt.At = w.now()
	}
	w.emit(debuglog.SourceServer, string(evt.Kind), evt)

	w.mu.Lock()
	effects := w.applyLocked(evt)
	w.mu.Unlock()

	if len(effects) > 0 {
		// Queue advances send from their own goroutine so the pump keeps
		// draining events while the engine accepts the turn.
		go w.runEffects(context.Background(), effects)
	}
}

func terminalEvent(k engine.EventKind) bool {
	return k == engine.EventTurnCompleted || k == engine.EventTurnError || k == engine.EventSessionEnded
}

// applyLocked routes one event to its thread. Usage, plan and raw events
// always apply; turn events apply only to the thread's active turn.
func (w *Workspace) applyLocked(evt engine.Event) []effect {
	if evt.Kind == engine.EventRateLimits {
		if evt.RateLimits != nil {
			w.rateLimits = &history.RateLimitSnapshot{RateLimits: *evt.RateLimits, UpdatedAt: evt.At}
			w.publishLocked(Notification{Kind: NotifyRateLimits})
		}
		return nil
	}

	th, ok := w.threads[evt.ThreadID]
	if !ok {
		if evt.ThreadID != "" {
			w.log.Debug().Str("thread", evt.ThreadID).Str("event", string(evt.Kind)).Msg("event for unknown thread")
		}
		return nil
	}

	switch evt.Kind {
	case engine.EventRaw:
		th.conv.Apply(evt)
		w.publishLocked(Notification{Kind: NotifyRaw, ThreadID: th.id, TurnID: evt.TurnID, Method: evt.Method, Raw: evt.Raw})
		return nil
	case engine.EventUsageUpdate, engine.EventPlanUpdate:
		ch := th.conv.Apply(evt)
		if ch.Usage {
			w.publishLocked(Notification{Kind: NotifyUsage, ThreadID: th.id})
		}
		if ch.Plan {
			w.publishLocked(Notification{Kind: NotifyPlan, ThreadID: th.id})
		}
		return nil
	case engine.EventSessionStarted:
		return nil
	}

	if !th.turn.State.Active() {
		return nil
	}
	if evt.TurnID != "" && (th.ended[evt.TurnID] || (th.turn.ID != "" && evt.TurnID != th.turn.ID)) {
		return nil
	}

	if th.turn.State.Awaiting() {
		if !terminalEvent(evt.Kind) {
			th.held = append(th.held, evt)
			return nil
		}
		// The turn ended while waiting; the pending request is moot.
		for _, id := range w.gate.DiscardThread(th.id) {
			w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: th.id, RequestID: id})
		}
		_ = th.turn.Resume(th.turn.PendingRequest)
		held := th.held
		th.held = nil
		var effects []effect
		for _, h := range held {
			if h.Kind == engine.EventApprovalRequest || h.Kind == engine.EventUserInputRequest {
				continue
			}
			effects = append(effects, w.stepLocked(th, h)...)
		}
		return append(effects, w.stepLocked(th, evt)...)
	}
	return w.stepLocked(th, evt)
}

// stepLocked advances a streaming or sending turn by one event.
func (w *Workspace) stepLocked(th *thread, evt engine.Event) []effect {
	prev := th.turn.State
	var effects []effect

	switch evt.Kind {
	case engine.EventTextDelta:
		_ = th.turn.AppendText(evt.Delta)
	case engine.EventReasoningDelta:
		_ = th.turn.AppendReasoning(evt.Delta)

	case engine.EventApprovalRequest:
		if evt.Approval == nil {
			return nil
		}
		req := *evt.Approval
		if req.ThreadID == "" {
			req.ThreadID = th.id
		}
		if req.TurnID == "" {
			req.TurnID = evt.TurnID
		}
		_ = th.turn.Begin(evt.TurnID)
		if err := th.turn.AwaitApproval(req.ID); err != nil {
			return nil
		}
		w.gate.AddApproval(req)
		w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: th.turn.ID, State: th.turn.State})
		w.publishLocked(Notification{Kind: NotifyApproval, ThreadID: th.id, TurnID: th.turn.ID, RequestID: req.ID, Approval: &req})
		w.log.Info().Str("thread", th.id).Str("request", req.ID).Str("kind", req.Kind).Msg("approval requested")
		return nil

	case engine.EventUserInputRequest:
		if evt.UserInput == nil {
			return nil
		}
		req := *evt.UserInput
		if req.ThreadID == "" {
			req.ThreadID = th.id
		}
		if req.TurnID == "" {
			req.TurnID = evt.TurnID
		}
		_ = th.turn.Begin(evt.TurnID)
		if err := th.turn.AwaitUserInput(req.ID); err != nil {
			return nil
		}
		w.gate.AddUserInput(req)
		w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: th.turn.ID, State: th.turn.State})
		w.publishLocked(Notification{Kind: NotifyUserInput, ThreadID: th.id, TurnID: th.turn.ID, RequestID: req.ID, UserInput: &req})
		return nil

	case engine.EventTurnCompleted:
		ch := th.conv.Apply(evt)
		w.publishItemsLocked(th, evt.TurnID, ch)
		if th.turn.ID != "" {
			th.ended[th.turn.ID] = true
		}
		if err := th.turn.Complete(evt.At); err != nil {
			return nil
		}
		th.updatedAt = evt.At
		w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: th.turn.ID, State: turn.Completed})
		if eff := w.advanceLocked(th); eff != nil {
			effects = append(effects, eff)
		}
		return effects

	case engine.EventTurnError:
		msg := evt.Error
		if msg == "" {
			msg = "turn failed"
		}
		ch := th.conv.Apply(evt)
		w.publishItemsLocked(th, evt.TurnID, ch)
		if th.turn.ID != "" {
			th.ended[th.turn.ID] = true
		}
		if err := th.turn.Fail(msg, evt.At); err != nil {
			return nil
		}
		w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: th.turn.ID, State: turn.Errored})
		w.publishLocked(Notification{Kind: NotifyError, ThreadID: th.id, TurnID: th.turn.ID, Error: msg})
		w.log.Warn().Str("thread", th.id).Str("turn", th.turn.ID).Str("error", msg).Msg("turn errored")
		return nil

	case engine.EventSessionEnded:
		msg := evt.Error
		if msg == "" {
			msg = "engine session ended"
		}
		w.failTurnLocked(th, msg, evt.At)
		return nil

	default:
		// turnStarted, tool, diff and review events all mark the turn as
		// streaming.
		_ = th.turn.Begin(evt.TurnID)
	}

	ch := th.conv.Apply(evt)
	w.publishItemsLocked(th, th.turn.ID, ch)
	if th.turn.State != prev {
		w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: th.turn.ID, State: th.turn.State})
	}
	return effects
}

func (w *Workspace) publishItemsLocked(th *thread, turnID string, ch history.Change) {
	if len(ch.Items) > 0 {
		w.publishLocked(Notification{Kind: NotifyItems, ThreadID: th.id, TurnID: turnID, ItemIDs: ch.Items})
	}
}
