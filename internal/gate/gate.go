// Package gate holds the approval and user-input requests that block turns,
// keyed by request ID, and resolves each exactly once.
package gate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zulandar/switchboard/internal/engine"
)

// ErrIncompleteAnswers is returned when an answer set does not match the
// request's questions one-to-one.
var ErrIncompleteAnswers = errors.New("gate: answers incomplete")

// Gate is a workspace's pending request set.
type Gate struct {
	mu         sync.Mutex
	approvals  map[string]engine.ApprovalRequest
	userInputs map[string]engine.UserInputRequest
	order      []string // arrival order of request IDs
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{
		approvals:  make(map[string]engine.ApprovalRequest),
		userInputs: make(map[string]engine.UserInputRequest),
	}
}

// AddApproval records a pending approval request.
func (g *Gate) AddApproval(req engine.ApprovalRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.approvals[req.ID]; !ok {
		g.order = append(g.order, req.ID)
	}
	g.approvals[req.ID] = req
}

// AddUserInput records a pending user-input request.
func (g *Gate) AddUserInput(req engine.UserInputRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.userInputs[req.ID]; !ok {
		g.order = append(g.order, req.ID)
	}
	g.userInputs[req.ID] = req
}

// TakeApproval removes and returns the approval request. ok is false when
// the request is unknown or already resolved.
func (g *Gate) TakeApproval(id string) (engine.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.approvals[id]
	if ok {
		delete(g.approvals, id)
		g.dropOrder(id)
	}
	return req, ok
}

// UserInput returns a pending user-input request without resolving it.
func (g *Gate) UserInput(id string) (engine.UserInputRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.userInputs[id]
	return req, ok
}

// Approval returns a pending approval request without resolving it.
func (g *Gate) Approval(id string) (engine.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.approvals[id]
	return req, ok
}

// TakeUserInput validates answers against the request and, when they are
// complete, removes and returns it. An invalid answer set leaves the request
// pending. ok is false when the request is unknown or already resolved.
func (g *Gate) TakeUserInput(id string, answers map[string][]string) (req engine.UserInputRequest, ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok = g.userInputs[id]
	if !ok {
		return req, false, nil
	}
	if err := ValidateAnswers(req, answers); err != nil {
		return req, true, err
	}
	delete(g.userInputs, id)
	g.dropOrder(id)
	return req, true, nil
}

func (g *Gate) dropOrder(id string) {
	for i, v := range g.order {
		if v == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

// DiscardThread drops every request of threadID and returns their IDs.
func (g *Gate) DiscardThread(threadID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, r := range g.approvals {
		if r.ThreadID == threadID {
			delete(g.approvals, id)
			ids = append(ids, id)
		}
	}
	for id, r := range g.userInputs {
		if r.ThreadID == threadID {
			delete(g.userInputs, id)
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		g.dropOrder(id)
	}
	sort.Strings(ids)
	return ids
}

// Approvals returns pending approval requests in arrival order.
func (g *Gate) Approvals() []engine.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []engine.ApprovalRequest
	for _, id := range g.order {
		if r, ok := g.approvals[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// UserInputs returns pending user-input requests in arrival order.
func (g *Gate) UserInputs() []engine.UserInputRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []engine.UserInputRequest
	for _, id := range g.order {
		if r, ok := g.userInputs[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of pending requests.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.approvals) + len(g.userInputs)
}

// ValidateAnswers requires exactly one non-empty answer set per question.
func ValidateAnswers(req engine.UserInputRequest, answers map[string][]string) error {
	var missing, unknown []string
	want := make(map[string]bool, len(req.Questions))
	for _, q := range req.Questions {
		want[q.ID] = true
		if len(answers[q.ID]) == 0 {
			missing = append(missing, q.ID)
		}
	}
	for id := range answers {
		if !want[id] {
			unknown = append(unknown, id)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown "+strings.Join(unknown, ", "))
	}
	return fmt.Errorf("%w: %s", ErrIncompleteAnswers, strings.Join(parts, "; "))
}
