package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/gate"
	"github.com/zulandar/switchboard/internal/history"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/terminal"
	"github.com/zulandar/switchboard/internal/turn"
)

// DefaultPageSize is the number of threads fetched per listing page.
const DefaultPageSize = 20

// Store persists operator-owned thread metadata. Writes are best-effort:
// failures are logged and never fail the operation.
type Store interface {
	Threads(ctx context.Context, workspaceID string) ([]models.ThreadMeta, error)
	SaveThread(ctx context.Context, meta models.ThreadMeta) error
	RenameThread(ctx context.Context, workspaceID, threadID, name string) error
	SetPinned(ctx context.Context, workspaceID, threadID string, at *time.Time) error
	ArchiveThread(ctx context.Context, workspaceID, threadID string, at time.Time) error
}

// ActivityNotifier is told about message activity after each send.
type ActivityNotifier interface {
	Touch(workspaceID, path string)
}

// TerminalOpener opens launch-script terminals.
type TerminalOpener interface {
	Open(key terminal.Key, cwd, command string) (string, error)
}

// DialFunc produces a connected engine adapter for a workspace.
type DialFunc func(ctx context.Context) (engine.Adapter, error)

// WorkspaceOpts configures a Workspace.
type WorkspaceOpts struct {
	ID           string
	Name         string
	Path         string
	EngineName   string
	AccessMode   engine.AccessMode
	Model        string
	LaunchScript string

	Dial      DialFunc
	Store     Store
	Debug     debuglog.Sink
	Activity  ActivityNotifier
	Terminals TerminalOpener
	Logger    zerolog.Logger
	PageSize  int
	Now       func() time.Time

	// Notify receives every notification, in order, while the workspace
	// lock is held. It must not block or call back into the workspace.
	Notify func(Notification)
}

// Workspace is the aggregate root for one project: its engine connection,
// threads, turns, conversations, queue and pending requests. All state is
// guarded by mu; adapter calls run outside it.
type Workspace struct {
	id, name, path string
	engineName     string
	accessMode     engine.AccessMode
	model          string
	launchScript   string

	dial      DialFunc
	store     Store
	debug     debuglog.Sink
	activity  ActivityNotifier
	terminals TerminalOpener
	log       zerolog.Logger
	pageSize  int
	now       func() time.Time
	notify    func(Notification)

	// connMu serializes Connect and Disconnect; it is taken before mu.
	connMu     sync.Mutex
	mu         sync.Mutex
	adapter    engine.Adapter
	caps       engine.Capabilities
	connected  bool
	pumpDone   chan struct{}
	threads    map[string]*thread
	order      []string // listing order
	meta       map[string]models.ThreadMeta
	retired    map[string]bool
	cursor     string
	hasMore    bool
	listed     bool
	gate       *gate.Gate
	queue      *queue.Queue
	rateLimits *history.RateLimitSnapshot
	account    *history.AccountSnapshot
}

type thread struct {
	id        string
	name      string
	named     bool // name set by the operator; engine names no longer apply
	parentID  string
	engine    string
	updatedAt time.Time
	pinnedAt  *time.Time

	conv   *history.Conversation
	turn   *turn.Turn
	gen    int            // incremented on every dispatch
	held   []engine.Event // events received while the turn awaits a decision
	ended  map[string]bool
	images []engine.Image
}

func newThread(id string) *thread {
	return &thread{id: id, conv: history.New(id), turn: turn.New(), ended: make(map[string]bool)}
}

// NewWorkspace creates a disconnected Workspace.
func NewWorkspace(opts WorkspaceOpts) (*Workspace, error) {
	if opts.ID == "" {
		return nil, errors.New("registry: workspace id is required")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("registry: workspace %s: dial is required", opts.ID)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.AccessMode == "" {
		opts.AccessMode = engine.AccessOnRequest
	}
	if opts.Debug == nil {
		opts.Debug = debuglog.Nop{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func(Notification) {}
	}
	return &Workspace{
		id:           opts.ID,
		name:         opts.Name,
		path:         opts.Path,
		engineName:   opts.EngineName,
		accessMode:   opts.AccessMode,
		model:        opts.Model,
		launchScript: opts.LaunchScript,
		dial:         opts.Dial,
		store:        opts.Store,
		debug:        opts.Debug,
		activity:     opts.Activity,
		terminals:    opts.Terminals,
		log:          opts.Logger.With().Str("workspace", opts.ID).Logger(),
		pageSize:     opts.PageSize,
		now:          opts.Now,
		notify:       opts.Notify,
		threads:      make(map[string]*thread),
		meta:         make(map[string]models.ThreadMeta),
		retired:      make(map[string]bool),
		gate:         gate.New(),
		queue:        queue.New(),
	}, nil
}

// ID returns the workspace identifier.
func (w *Workspace) ID() string { return w.id }

// Path returns the project root.
func (w *Workspace) Path() string { return w.path }

func (w *Workspace) emit(source debuglog.Source, label string, payload any) {
	w.debug.Emit(debuglog.NewEntry(w.id, source, label, payload))
}

// publishLocked sends a notification. Callers hold w.mu so that
// notifications leave in the order state changed.
func (w *Workspace) publishLocked(n Notification) {
	n.WorkspaceID = w.id
	if n.At.IsZero() {
		n.At = w.now()
	}
	w.notify(n)
}

// Connect dials the engine, restores persisted thread metadata and starts
// the event pump. Connecting a connected workspace is a no-op.
func (w *Workspace) Connect(ctx context.Context) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	w.emit(debuglog.SourceClient, "connect", map[string]string{"engine": w.engineName})
	adapter, err := w.dial(ctx)
	if err != nil {
		w.emit(debuglog.SourceInternal, "connect/error", map[string]string{"error": err.Error()})
		return fmt.Errorf("registry: connect %s: %w", w.id, err)
	}

	var metas []models.ThreadMeta
	if w.store != nil {
		metas, err = w.store.Threads(ctx, w.id)
		if err != nil {
			w.log.Warn().Err(err).Msg("load thread metadata failed")
		}
	}

	w.mu.Lock()
	for _, m := range metas {
		if m.ArchivedAt != nil {
			w.retired[m.ID] = true
			continue
		}
		w.meta[m.ID] = m
	}
	w.adapter = adapter
	w.caps = adapter.Capabilities()
	w.connected = true
	done := make(chan struct{})
	w.pumpDone = done
	w.publishLocked(Notification{Kind: NotifyWorkspace})
	w.mu.Unlock()

	go w.pump(adapter, done)
	w.log.Info().Str("engine", adapter.Name()).Msg("workspace connected")

	if w.launchScript != "" && w.terminals != nil {
		key := terminal.Key{WorkspaceID: w.id, TerminalID: "launch"}
		if _, err := w.terminals.Open(key, w.path, w.launchScript); err != nil {
			w.log.Warn().Err(err).Msg("launch script terminal failed")
		}
	}
	return nil
}

// Disconnect closes the engine adapter. Active turns end in error and
// pending requests are discarded; conversations are kept.
func (w *Workspace) Disconnect() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	adapter, done := w.adapter, w.pumpDone
	w.connected = false
	w.mu.Unlock()

	w.emit(debuglog.SourceClient, "disconnect", nil)
	err := adapter.Close()
	<-done

	w.mu.Lock()
	if w.adapter == adapter && !w.connected {
		now := w.now()
		for _, th := range w.threads {
			if !th.turn.State.Active() {
				continue
			}
			w.failTurnLocked(th, "workspace disconnected", now)
		}
		w.adapter = nil
	}
	w.publishLocked(Notification{Kind: NotifyWorkspace})
	w.mu.Unlock()
	w.log.Info().Msg("workspace disconnected")
	return err
}

// Connected reports the connection state.
func (w *Workspace) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Capabilities returns the connected engine's capabilities.
func (w *Workspace) Capabilities() engine.Capabilities {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.caps
}

// current returns the adapter, or ErrNotConnected.
func (w *Workspace) current() (engine.Adapter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, w.id)
	}
	return w.adapter, nil
}

func (w *Workspace) startParams() engine.StartParams {
	return engine.StartParams{WorkspaceID: w.id, Cwd: w.path, Model: w.model, AccessMode: w.accessMode}
}

// ThreadSummary is a thread's listing entry.
type ThreadSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Engine    string     `json:"engine,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	State     turn.State `json:"state"`
	Queued    int        `json:"queued"`
}

// ThreadSnapshot is the read-only derived state of one thread.
type ThreadSnapshot struct {
	ThreadSummary
	Turn       turn.Snapshot             `json:"turn"`
	Items      []history.Item            `json:"items"`
	Usage      *engine.TokenUsage        `json:"usage,omitempty"`
	Plan       *engine.Plan              `json:"plan,omitempty"`
	Queue      []queue.Message           `json:"queue"`
	Images     []engine.Image            `json:"images,omitempty"`
	Approvals  []engine.ApprovalRequest  `json:"approvals,omitempty"`
	UserInputs []engine.UserInputRequest `json:"user_inputs,omitempty"`
}

// WorkspaceSnapshot is the read-only derived state of a workspace.
type WorkspaceSnapshot struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Path         string                     `json:"path"`
	Engine       string                     `json:"engine"`
	Connected    bool                       `json:"connected"`
	Capabilities engine.Capabilities        `json:"capabilities"`
	HasMore      bool                       `json:"has_more"`
	Threads      []ThreadSummary            `json:"threads"`
	Approvals    []engine.ApprovalRequest   `json:"approvals"`
	UserInputs   []engine.UserInputRequest  `json:"user_inputs"`
	RateLimits   *history.RateLimitSnapshot `json:"rate_limits,omitempty"`
	Account      *history.AccountSnapshot   `json:"account,omitempty"`
}

func (w *Workspace) summaryLocked(th *thread) ThreadSummary {
	return ThreadSummary{
		ID:        th.id,
		Name:      th.name,
		ParentID:  th.parentID,
		Engine:    th.engine,
		UpdatedAt: th.updatedAt,
		PinnedAt:  th.pinnedAt,
		State:     th.turn.State,
		Queued:    w.queue.Len(th.id),
	}
}

// threadsLocked lists threads with pinned ones first, oldest pin first,
// then the rest in listing order.
func (w *Workspace) threadsLocked() []ThreadSummary {
	var pinned, rest []ThreadSummary
	for _, id := range w.order {
		th, ok := w.threads[id]
		if !ok {
			continue
		}
		s := w.summaryLocked(th)
		if s.PinnedAt != nil {
			pinned = append(pinned, s)
		} else {
			rest = append(rest, s)
		}
	}
	sort.SliceStable(pinned, func(i, j int) bool { return pinned[i].PinnedAt.Before(*pinned[j].PinnedAt) })
	return append(pinned, rest...)
}

// Threads returns the listed threads.
func (w *Workspace) Threads() []ThreadSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threadsLocked()
}

// Thread returns the snapshot of one thread.
func (w *Workspace) Thread(threadID string) (ThreadSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	th, ok := w.threads[threadID]
	if !ok {
		return ThreadSnapshot{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	snap := ThreadSnapshot{
		ThreadSummary: w.summaryLocked(th),
		Turn:          th.turn.Snapshot(),
		Items:         th.conv.Items(),
		Usage:         th.conv.Usage(),
		Plan:          th.conv.Plan(),
		Queue:         w.queue.List(th.id),
		Images:        append([]engine.Image(nil), th.images...),
	}
	for _, a := range w.gate.Approvals() {
		if a.ThreadID == threadID {
			snap.Approvals = append(snap.Approvals, a)
		}
	}
	for _, u := range w.gate.UserInputs() {
		if u.ThreadID == threadID {
			snap.UserInputs = append(snap.UserInputs, u)
		}
	}
	return snap, nil
}

// Snapshot returns the workspace-level derived state.
func (w *Workspace) Snapshot() WorkspaceSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := WorkspaceSnapshot{
		ID:           w.id,
		Name:         w.name,
		Path:         w.path,
		Engine:       w.engineName,
		Connected:    w.connected,
		Capabilities: w.caps,
		HasMore:      w.hasMore,
		Threads:      w.threadsLocked(),
		Approvals:    w.gate.Approvals(),
		UserInputs:   w.gate.UserInputs(),
	}
	if w.rateLimits != nil {
		rl := *w.rateLimits
		snap.RateLimits = &rl
	}
	if w.account != nil {
		acct := *w.account
		snap.Account = &acct
	}
	return snap
}

// HasPendingRequest reports whether requestID is an unresolved approval or
// user-input request of this workspace.
func (w *Workspace) HasPendingRequest(requestID string) bool {
	if _, ok := w.gate.Approval(requestID); ok {
		return true
	}
	_, ok := w.gate.UserInput(requestID)
	return ok
}

// RefreshAccount reads the account and rate-limit snapshots from engines
// that expose them.
func (w *Workspace) RefreshAccount(ctx context.Context) error {
	adapter, err := w.current()
	if err != nil {
		return err
	}
	reader, ok := adapter.(engine.AccountReader)
	if !ok {
		return fmt.Errorf("registry: refresh account: %w", engine.ErrUnsupported)
	}
	w.emit(debuglog.SourceClient, "account/read", nil)
	acct, err := reader.ReadAccount(ctx)
	if err != nil {
		return fmt.Errorf("registry: read account: %w", err)
	}
	limits, err := reader.ReadRateLimits(ctx)
	if err != nil {
		return fmt.Errorf("registry: read rate limits: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.account = &history.AccountSnapshot{Account: acct, UpdatedAt: now}
	w.rateLimits = &history.RateLimitSnapshot{RateLimits: limits, UpdatedAt: now}
	w.publishLocked(Notification{Kind: NotifyAccount})
	w.publishLocked(Notification{Kind: NotifyRateLimits})
	return nil
}
