package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/history"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/turn"
)

// effect is adapter work decided under the workspace lock and run after it
// is released.
type effect func(ctx context.Context) error

// SendResult reports what SendUserMessage did with the message.
type SendResult struct {
	Message queue.Message `json:"message"`
	Queued  bool          `json:"queued"`
}

// SendUserMessage dispatches text to the thread's engine, or queues it when
// a turn is already active. On an idle or terminal turn the message is
// dispatched directly; entries left queued by an errored or interrupted
// turn stay put until ResumeQueue. Engine failures end the turn in error and
// are returned as well as surfaced in the conversation.
func (w *Workspace) SendUserMessage(ctx context.Context, threadID, text string, images []engine.Image, opts engine.SendOptions) (SendResult, error) {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return SendResult{}, queue.ErrEmptyText
	}
	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return SendResult{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if !w.connected {
		w.mu.Unlock()
		return SendResult{}, fmt.Errorf("%w: %s", ErrNotConnected, w.id)
	}
	msg := queue.Message{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: w.now(),
		Images:    append([]engine.Image(nil), images...),
		Options:   opts,
	}

	if th.turn.State.Active() {
		msg = w.queue.Enqueue(threadID, msg)
		w.publishLocked(Notification{Kind: NotifyQueue, ThreadID: threadID})
		w.mu.Unlock()
		w.emit(debuglog.SourceClient, "message/queue", map[string]string{"thread": threadID, "message": msg.ID})
		return SendResult{Message: msg, Queued: true}, nil
	}

	eff := w.dispatchLocked(th, msg)
	w.mu.Unlock()
	return SendResult{Message: msg}, eff(ctx)
}

// ResumeQueue dispatches the head of an idle thread's queue. Queues do not
// advance on their own after an error or interrupt.
func (w *Workspace) ResumeQueue(ctx context.Context, threadID string) (bool, error) {
	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if !w.connected {
		w.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotConnected, w.id)
	}
	if th.turn.State.Active() {
		w.mu.Unlock()
		return false, nil
	}
	eff := w.advanceLocked(th)
	w.mu.Unlock()
	if eff == nil {
		return false, nil
	}
	return true, eff(ctx)
}

// advanceLocked pops the head of the thread's queue and dispatches it.
func (w *Workspace) advanceLocked(th *thread) effect {
	msg, ok := w.queue.Pop(th.id)
	if !ok {
		return nil
	}
	w.publishLocked(Notification{Kind: NotifyQueue, ThreadID: th.id})
	return w.dispatchLocked(th, msg)
}

// dispatchLocked starts a new turn for msg: idle|terminal -> sending. The
// returned effect performs the engine send.
func (w *Workspace) dispatchLocked(th *thread, msg queue.Message) effect {
	now := w.now()
	if err := th.turn.Dispatch(now); err != nil {
		// Callers only dispatch inactive turns.
		w.log.Error().Err(err).Str("thread", th.id).Msg("dispatch on active turn")
		return func(context.Context) error { return err }
	}
	th.gen++
	gen := th.gen
	th.updatedAt = now
	th.held = nil
	for _, id := range w.gate.DiscardThread(th.id) {
		w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: th.id, RequestID: id})
	}

	images := append(th.images, msg.Images...)
	th.images = nil
	item := th.conv.AppendUser(msg.Text, images, now)
	w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, State: th.turn.State})
	w.publishLocked(Notification{Kind: NotifyItems, ThreadID: th.id, ItemIDs: []string{item.ID}})

	out := w.caps.Sanitize(engine.Message{Text: msg.Text, Images: images, Options: msg.Options})
	adapter, threadID := w.adapter, th.id
	return func(ctx context.Context) error {
		return w.send(ctx, adapter, threadID, gen, out)
	}
}

func (w *Workspace) send(ctx context.Context, adapter engine.Adapter, threadID string, gen int, msg engine.Message) error {
	w.emit(debuglog.SourceClient, "turn/send", map[string]any{"thread": threadID, "images": len(msg.Images), "options": msg.Options})
	if w.activity != nil {
		w.activity.Touch(w.id, w.path)
	}
	turnID, err := adapter.Send(ctx, threadID, msg)

	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok || th.gen != gen {
		// Archived or superseded while the send was in flight.
		if ok && turnID != "" {
			th.ended[turnID] = true
		}
		w.mu.Unlock()
		return err
	}
	if err != nil {
		w.emit(debuglog.SourceInternal, "turn/send/error", map[string]string{"thread": threadID, "error": err.Error()})
		if th.turn.State.Active() {
			w.failTurnLocked(th, err.Error(), w.now())
		}
		w.mu.Unlock()
		return fmt.Errorf("registry: send to %s: %w", threadID, err)
	}
	if th.turn.ID == "" && turnID != "" {
		th.turn.ID = turnID
	}
	interrupted := th.turn.State == turn.Interrupted
	if interrupted && turnID != "" {
		th.ended[turnID] = true
	}
	w.mu.Unlock()

	if interrupted {
		// Interrupted before the engine acknowledged the turn.
		if err := adapter.Interrupt(ctx, threadID); err != nil {
			w.log.Debug().Err(err).Str("thread", threadID).Msg("late interrupt")
		}
	}
	return nil
}

// failTurnLocked ends an active turn in error and surfaces msg as a
// terminal conversation item. The queue is left as is.
func (w *Workspace) failTurnLocked(th *thread, msg string, at time.Time) {
	turnID := th.turn.ID
	if err := th.turn.Fail(msg, at); err != nil {
		return
	}
	th.held = nil
	if turnID != "" {
		th.ended[turnID] = true
	}
	for _, id := range w.gate.DiscardThread(th.id) {
		w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: th.id, RequestID: id})
	}
	ids := th.conv.FinalizeTurn(history.StatusFailed)
	ids = append(ids, th.conv.AppendError(turnID, msg, at).ID)
	w.publishLocked(Notification{Kind: NotifyItems, ThreadID: th.id, ItemIDs: ids})
	w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: turnID, State: turn.Errored})
	w.publishLocked(Notification{Kind: NotifyError, ThreadID: th.id, TurnID: turnID, Error: msg})
	w.log.Warn().Str("thread", th.id).Str("turn", turnID).Str("error", msg).Msg("turn errored")
}

// EditQueued replaces the text of a queued message. It reports false when
// the message already left the queue.
func (w *Workspace) EditQueued(threadID, messageID, text string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.threads[threadID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	ok, err := w.queue.Edit(threadID, messageID, text)
	if err != nil {
		return false, err
	}
	if ok {
		w.publishLocked(Notification{Kind: NotifyQueue, ThreadID: threadID})
		w.emit(debuglog.SourceClient, "message/edit", map[string]string{"thread": threadID, "message": messageID})
	}
	return ok, nil
}

// DeleteQueued removes a queued message. It reports false when the message
// already left the queue.
func (w *Workspace) DeleteQueued(threadID, messageID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.threads[threadID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	ok := w.queue.Delete(threadID, messageID)
	if ok {
		w.publishLocked(Notification{Kind: NotifyQueue, ThreadID: threadID})
		w.emit(debuglog.SourceClient, "message/delete", map[string]string{"thread": threadID, "message": messageID})
	}
	return ok, nil
}

// AttachImages stages images for the thread's next dispatched message.
func (w *Workspace) AttachImages(threadID string, images ...engine.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	th, ok := w.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if w.connected && !w.caps.ImageInput {
		return fmt.Errorf("registry: attach images: %w", engine.ErrUnsupported)
	}
	th.images = append(th.images, images...)
	w.publishLocked(Notification{Kind: NotifyThread, ThreadID: threadID})
	return nil
}

// ClearImages drops the thread's staged images.
func (w *Workspace) ClearImages(threadID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	th, ok := w.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	th.images = nil
	w.publishLocked(Notification{Kind: NotifyThread, ThreadID: threadID})
	return nil
}

// InterruptTurn stops the thread's active turn. Pending requests and held
// events are discarded. Interrupting a thread without an active turn is a
// no-op, as is an engine that already ended the session.
func (w *Workspace) InterruptTurn(ctx context.Context, threadID string) error {
	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	turnID := th.turn.ID
	if !th.turn.Interrupt(w.now()) {
		w.mu.Unlock()
		return nil
	}
	if turnID != "" {
		th.ended[turnID] = true
	}
	th.held = nil
	for _, id := range w.gate.DiscardThread(threadID) {
		w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: threadID, RequestID: id})
	}
	if ids := th.conv.FinalizeTurn(history.StatusIncomplete); len(ids) > 0 {
		w.publishLocked(Notification{Kind: NotifyItems, ThreadID: threadID, ItemIDs: ids})
	}
	w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: threadID, TurnID: turnID, State: turn.Interrupted})
	adapter, connected := w.adapter, w.connected
	w.mu.Unlock()

	w.emit(debuglog.SourceClient, "turn/interrupt", map[string]string{"thread": threadID, "turn": turnID})
	if !connected {
		return nil
	}
	if err := adapter.Interrupt(ctx, threadID); err != nil {
		w.log.Debug().Err(err).Str("thread", threadID).Msg("engine interrupt")
	}
	return nil
}

// HandleApprovalDecision answers an approval request once. Resolving a
// request that is no longer pending is a no-op.
func (w *Workspace) HandleApprovalDecision(ctx context.Context, requestID string, decision engine.Decision) error {
	return w.resolveApproval(ctx, requestID, decision, false)
}

// HandleApprovalRemember answers an approval request and asks the engine to
// apply the same decision to matching requests for the rest of the session.
func (w *Workspace) HandleApprovalRemember(ctx context.Context, requestID string, decision engine.Decision) error {
	return w.resolveApproval(ctx, requestID, decision, true)
}

func (w *Workspace) resolveApproval(ctx context.Context, requestID string, decision engine.Decision, remember bool) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	w.mu.Lock()
	req, ok := w.gate.TakeApproval(requestID)
	if !ok {
		w.mu.Unlock()
		w.emit(debuglog.SourceInternal, "approval/stale", map[string]string{"request": requestID})
		return nil
	}
	w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: req.ThreadID, RequestID: requestID})
	effects := w.resumeLocked(req.ThreadID, requestID)
	adapter := w.adapter
	w.mu.Unlock()

	label := "approval/decision"
	if remember {
		label = "approval/remember"
	}
	w.emit(debuglog.SourceClient, label, map[string]any{"request": requestID, "thread": req.ThreadID, "decision": decision})
	err := adapter.RespondApproval(ctx, req.ThreadID, requestID, decision, remember)
	w.runEffects(ctx, effects)
	if err != nil {
		return w.responseFailed(req.ThreadID, req.TurnID, "approval", err)
	}
	return nil
}

// HandleUserInputSubmit answers a user-input request. Every question needs
// exactly one non-empty answer set; an incomplete submission is rejected
// and the turn keeps waiting.
func (w *Workspace) HandleUserInputSubmit(ctx context.Context, requestID string, answers map[string][]string) error {
	w.mu.Lock()
	req, ok, err := w.gate.TakeUserInput(requestID, answers)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if !ok {
		w.mu.Unlock()
		w.emit(debuglog.SourceInternal, "userInput/stale", map[string]string{"request": requestID})
		return nil
	}
	w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: req.ThreadID, RequestID: requestID})
	effects := w.resumeLocked(req.ThreadID, requestID)
	adapter := w.adapter
	w.mu.Unlock()

	w.emit(debuglog.SourceClient, "userInput/submit", map[string]any{"request": requestID, "thread": req.ThreadID, "answers": answers})
	err = adapter.RespondUserInput(ctx, req.ThreadID, requestID, answers)
	w.runEffects(ctx, effects)
	if err != nil {
		return w.responseFailed(req.ThreadID, req.TurnID, "user input", err)
	}
	return nil
}

// responseFailed handles an engine that could not take a decision. A gone
// session is the expected race with interrupts; anything else ends the turn.
func (w *Workspace) responseFailed(threadID, turnID, what string, err error) error {
	if errors.Is(err, engine.ErrNoSession) {
		w.log.Debug().Err(err).Str("thread", threadID).Msgf("%s response for ended session", what)
		return nil
	}
	w.mu.Lock()
	if th, ok := w.threads[threadID]; ok && th.turn.State.Active() && (turnID == "" || th.turn.ID == turnID) {
		w.failTurnLocked(th, fmt.Sprintf("%s response failed: %v", what, err), w.now())
	}
	w.mu.Unlock()
	return fmt.Errorf("registry: respond %s: %w", what, err)
}

// resumeLocked returns an awaiting turn to streaming and replays the events
// held while it waited. Replay stops at the next request, which suspends the
// turn again.
func (w *Workspace) resumeLocked(threadID, requestID string) []effect {
	th, ok := w.threads[threadID]
	if !ok {
		return nil
	}
	if err := th.turn.Resume(requestID); err != nil {
		return nil
	}
	w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: threadID, TurnID: th.turn.ID, State: th.turn.State})
	held := th.held
	th.held = nil
	var effects []effect
	for i, evt := range held {
		if th.turn.State.Awaiting() {
			th.held = append(th.held, held[i:]...)
			break
		}
		if !th.turn.State.Active() {
			break
		}
		effects = append(effects, w.stepLocked(th, evt)...)
	}
	return effects
}

// runEffects runs adapter work collected under the lock, logging failures;
// send failures are already surfaced in the conversation.
func (w *Workspace) runEffects(ctx context.Context, effects []effect) {
	for _, eff := range effects {
		if err := eff(ctx); err != nil {
			w.log.Debug().Err(err).Msg("deferred engine call failed")
		}
	}
}
