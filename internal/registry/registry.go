// Package registry is the thread/turn orchestration core. A Registry holds
// one Workspace per project; each Workspace owns its threads, their turns,
// reconciled conversations, outgoing queues and pending approval requests,
// and is the only mutator of that state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
)

var (
	ErrWorkspaceNotFound = errors.New("registry: workspace not found")
	ErrWorkspaceExists   = errors.New("registry: workspace already exists")
	ErrThreadNotFound    = errors.New("registry: thread not found")
	ErrThreadIDReused    = errors.New("registry: engine reused a retired thread id")
	ErrNotConnected      = errors.New("registry: workspace not connected")
	ErrEmptyName         = errors.New("registry: thread name is empty")
	ErrInvalidDecision   = errors.New("registry: invalid approval decision")
)

// Opts configures a Registry.
type Opts struct {
	Logger zerolog.Logger
	Debug  debuglog.Sink
}

// Registry routes operator calls to workspaces and fans out their
// notifications to subscribers.
type Registry struct {
	log   zerolog.Logger
	debug debuglog.Sink

	mu         sync.RWMutex
	workspaces map[string]*Workspace
	order      []string

	subMu   sync.RWMutex
	subs    map[int]chan Notification
	nextSub int
}

// New creates an empty Registry.
func New(opts Opts) *Registry {
	if opts.Debug == nil {
		opts.Debug = debuglog.Nop{}
	}
	return &Registry{
		log:        opts.Logger,
		debug:      opts.Debug,
		workspaces: make(map[string]*Workspace),
		subs:       make(map[int]chan Notification),
	}
}

// AddWorkspace creates and registers a disconnected workspace. It logs
// through the registry's logger; Notify and Debug default to the
// registry's own.
func (r *Registry) AddWorkspace(opts WorkspaceOpts) (*Workspace, error) {
	if opts.Notify == nil {
		opts.Notify = r.publish
	}
	if opts.Debug == nil {
		opts.Debug = r.debug
	}
	opts.Logger = r.log
	ws, err := NewWorkspace(opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[ws.id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, ws.id)
	}
	r.workspaces[ws.id] = ws
	r.order = append(r.order, ws.id)
	return ws, nil
}

// RemoveWorkspace disconnects and forgets a workspace.
func (r *Registry) RemoveWorkspace(id string) error {
	r.mu.Lock()
	ws, ok := r.workspaces[id]
	if ok {
		delete(r.workspaces, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return ws.Disconnect()
}

// Workspace returns the workspace with id.
func (r *Registry) Workspace(id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return ws, nil
}

// Workspaces returns every workspace in the order they were added.
func (r *Registry) Workspaces() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workspace, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workspaces[id])
	}
	return out
}

// ConnectAll connects every workspace, collecting failures.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, ws := range r.Workspaces() {
		if err := ws.Connect(ctx); err != nil {
			r.log.Error().Err(err).Str("workspace", ws.id).Msg("connect failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every workspace and closes subscriber channels.
func (r *Registry) Close() error {
	var errs []error
	for _, ws := range r.Workspaces() {
		if err := ws.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subMu.Unlock()
	return errors.Join(errs...)
}

// Subscribe returns a channel of notifications and a cancel func. A slow
// subscriber misses notifications rather than stalling workspaces.
func (r *Registry) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(ch)
			}
			r.subMu.Unlock()
		})
	}
}

func (r *Registry) publish(n Notification) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// FindRequest returns the workspace holding a pending request.
func (r *Registry) FindRequest(requestID string) (*Workspace, bool) {
	for _, ws := range r.Workspaces() {
		if ws.HasPendingRequest(requestID) {
			return ws, true
		}
	}
	return nil, false
}

// ResolveApproval answers an approval request in whichever workspace holds
// it. found is false when no workspace has it pending.
func (r *Registry) ResolveApproval(ctx context.Context, requestID string, decision engine.Decision, remember bool) (found bool, err error) {
	ws, ok := r.FindRequest(requestID)
	if !ok {
		return false, nil
	}
	if remember {
		return true, ws.HandleApprovalRemember(ctx, requestID, decision)
	}
	return true, ws.HandleApprovalDecision(ctx, requestID, decision)
}

// ResolveUserInput answers a user-input request in whichever workspace
// holds it.
func (r *Registry) ResolveUserInput(ctx context.Context, requestID string, answers map[string][]string) (found bool, err error) {
	ws, ok := r.FindRequest(requestID)
	if !ok {
		return false, nil
	}
	return true, ws.HandleUserInputSubmit(ctx, requestID, answers)
}

// Interrupt stops the active turn of a thread in workspace wsID.
func (r *Registry) Interrupt(ctx context.Context, wsID, threadID string) error {
	ws, err := r.Workspace(wsID)
	if err != nil {
		return err
	}
	return ws.InterruptTurn(ctx, threadID)
}

// Snapshots returns the derived state of every workspace.
func (r *Registry) Snapshots() []WorkspaceSnapshot {
	all := r.Workspaces()
	out := make([]WorkspaceSnapshot, 0, len(all))
	for _, ws := range all {
		out = append(out, ws.Snapshot())
	}
	return out
}
