// Package turn implements the per-thread turn lifecycle:
//
//	idle -> sending -> streaming -> {awaiting-approval, awaiting-user-input} -> streaming
//	     -> completed | errored | interrupted
//
// completed, errored and interrupted are terminal; a new turn starts from a
// terminal (or idle) turn via Dispatch.
package turn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a turn lifecycle state.
type State string

const (
	Idle              State = "idle"
	Sending           State = "sending"
	Streaming         State = "streaming"
	AwaitingApproval  State = "awaiting-approval"
	AwaitingUserInput State = "awaiting-user-input"
	Completed         State = "completed"
	Errored           State = "errored"
	Interrupted       State = "interrupted"
)

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s == Completed || s == Errored || s == Interrupted
}

// Active reports whether a turn in state s blocks a new dispatch.
func (s State) Active() bool {
	return s != Idle && !s.Terminal()
}

// Awaiting reports whether the turn is suspended on an operator decision.
func (s State) Awaiting() bool {
	return s == AwaitingApproval || s == AwaitingUserInput
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("turn: invalid transition")

func invalid(from State, event string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
}

// Turn is the state of a thread's current (or last) turn.
type Turn struct {
	ID             string
	State          State
	Text           strings.Builder
	Reasoning      strings.Builder
	PendingRequest string // approval or user-input request ID while awaiting
	Error          string
	StartedAt      time.Time
	EndedAt        time.Time
}

// New returns an idle turn.
func New() *Turn {
	return &Turn{State: Idle}
}

// Dispatch begins a new turn: idle or terminal -> sending. Stale request and
// buffer state from the previous turn is cleared.
func (t *Turn) Dispatch(now time.Time) error {
	if t.State.Active() {
		return invalid(t.State, "dispatch")
	}
	t.ID = ""
	t.State = Sending
	t.Text.Reset()
	t.Reasoning.Reset()
	t.PendingRequest = ""
	t.Error = ""
	t.StartedAt = now
	t.EndedAt = time.Time{}
	return nil
}

// Begin enters streaming on the first engine event of the turn. It is
// idempotent while streaming. A non-empty id is recorded.
func (t *Turn) Begin(id string) error {
	switch t.State {
	case Sending, Streaming:
		t.State = Streaming
		if id != "" {
			t.ID = id
		}
		return nil
	}
	return invalid(t.State, "begin")
}

// AppendText adds a text delta to the streaming buffer.
func (t *Turn) AppendText(delta string) error {
	if err := t.Begin(""); err != nil {
		return err
	}
	t.Text.WriteString(delta)
	return nil
}

// AppendReasoning adds a reasoning delta to the streaming buffer.
func (t *Turn) AppendReasoning(delta string) error {
	if err := t.Begin(""); err != nil {
		return err
	}
	t.Reasoning.WriteString(delta)
	return nil
}

// AwaitApproval freezes the turn on an approval request.
func (t *Turn) AwaitApproval(requestID string) error {
	return t.await(AwaitingApproval, requestID)
}

// AwaitUserInput freezes the turn on a user-input request.
func (t *Turn) AwaitUserInput(requestID string) error {
	return t.await(AwaitingUserInput, requestID)
}

func (t *Turn) await(s State, requestID string) error {
	if err := t.Begin(""); err != nil {
		return err
	}
	t.State = s
	t.PendingRequest = requestID
	return nil
}

// Resume returns an awaiting turn to streaming once requestID is resolved.
func (t *Turn) Resume(requestID string) error {
	if !t.State.Awaiting() {
		return invalid(t.State, "resume")
	}
	if t.PendingRequest != requestID {
		return fmt.Errorf("%w: resume %s while awaiting %s", ErrInvalidTransition, requestID, t.PendingRequest)
	}
	t.State = Streaming
	t.PendingRequest = ""
	return nil
}

// Complete ends the turn successfully.
func (t *Turn) Complete(now time.Time) error {
	if err := t.Begin(""); err != nil {
		return invalid(t.State, "complete")
	}
	t.State = Completed
	t.EndedAt = now
	return nil
}

// Fail ends the turn with an error. Any non-terminal, dispatched turn can
// fail, including one that never reached the engine.
func (t *Turn) Fail(msg string, now time.Time) error {
	if !t.State.Active() {
		return invalid(t.State, "fail")
	}
	t.State = Errored
	t.Error = msg
	t.PendingRequest = ""
	t.EndedAt = now
	return nil
}

// Interrupt stops an active turn and discards any pending request. It
// reports whether the state changed; interrupting an idle or terminal turn
// is a no-op.
func (t *Turn) Interrupt(now time.Time) bool {
	if !t.State.Active() {
		return false
	}
	t.State = Interrupted
	t.PendingRequest = ""
	t.EndedAt = now
	return true
}

// Duration is the turn's elapsed time, or zero while it has not ended.
func (t *Turn) Duration() time.Duration {
	if t.EndedAt.IsZero() || t.StartedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Snapshot is a read-only copy of a Turn.
type Snapshot struct {
	ID             string    `json:"id,omitempty"`
	State          State     `json:"state"`
	Text           string    `json:"text,omitempty"`
	Reasoning      string    `json:"reasoning,omitempty"`
	PendingRequest string    `json:"pending_request,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

// Snapshot copies the turn.
func (t *Turn) Snapshot() Snapshot {
	return Snapshot{
		ID:             t.ID,
		State:          t.State,
		Text:           t.Text.String(),
		Reasoning:      t.Reasoning.String(),
		PendingRequest: t.PendingRequest,
		Error:          t.Error,
		StartedAt:      t.StartedAt,
		EndedAt:        t.EndedAt,
	}
}
