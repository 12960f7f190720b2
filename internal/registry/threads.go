package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/models"
)

// ListThreads fetches the first page of threads from the engine and
// resets pagination. Threads created locally but not yet listed by the
// engine are kept after the page.
func (w *Workspace) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	adapter, err := w.current()
	if err != nil {
		return nil, err
	}
	w.emit(debuglog.SourceClient, "thread/list", nil)
	page, err := adapter.ListThreads(ctx, "", w.pageSize)
	if err != nil {
		return nil, fmt.Errorf("registry: list threads: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.order
	w.order = nil
	seen := make(map[string]bool)
	for _, info := range page.Threads {
		if w.upsertLocked(info) {
			w.order = append(w.order, info.ID)
			seen[info.ID] = true
		}
	}
	for _, id := range prev {
		if !seen[id] {
			if _, ok := w.threads[id]; ok {
				w.order = append(w.order, id)
			}
		}
	}
	w.cursor = page.NextCursor
	w.hasMore = page.NextCursor != ""
	w.listed = true
	w.publishLocked(Notification{Kind: NotifyThreads})
	return w.threadsLocked(), nil
}

// LoadOlderThreads appends the next page of threads. It is a no-op when
// there is nothing more to load.
func (w *Workspace) LoadOlderThreads(ctx context.Context) ([]ThreadSummary, error) {
	w.mu.Lock()
	listed, more, cursor := w.listed, w.hasMore, w.cursor
	w.mu.Unlock()
	if !listed {
		return w.ListThreads(ctx)
	}
	if !more {
		return w.Threads(), nil
	}

	adapter, err := w.current()
	if err != nil {
		return nil, err
	}
	w.emit(debuglog.SourceClient, "thread/loadOlder", nil)
	page, err := adapter.ListThreads(ctx, cursor, w.pageSize)
	if err != nil {
		return nil, fmt.Errorf("registry: load older threads: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cursor != cursor {
		// A concurrent listing already moved past this page.
		return w.threadsLocked(), nil
	}
	for _, info := range page.Threads {
		if _, known := w.threads[info.ID]; known {
			w.upsertLocked(info)
			continue
		}
		if w.upsertLocked(info) {
			w.order = append(w.order, info.ID)
		}
	}
	w.cursor = page.NextCursor
	w.hasMore = page.NextCursor != ""
	w.publishLocked(Notification{Kind: NotifyThreads})
	return w.threadsLocked(), nil
}

// HasMore reports whether older threads remain to be loaded.
func (w *Workspace) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// upsertLocked records engine-reported thread info. Retired IDs are
// skipped; it reports whether the thread is live.
func (w *Workspace) upsertLocked(info engine.ThreadInfo) bool {
	if w.retired[info.ID] {
		return false
	}
	th, ok := w.threads[info.ID]
	if !ok {
		th = newThread(info.ID)
		w.threads[info.ID] = th
		if m, ok := w.meta[info.ID]; ok {
			th.name = m.Name
			th.named = m.Name != ""
			th.pinnedAt = m.PinnedAt
			if m.ParentID != nil {
				th.parentID = *m.ParentID
			}
		}
	}
	if info.Name != "" && !th.named {
		th.name = info.Name
	}
	if info.ParentID != "" {
		th.parentID = info.ParentID
	}
	if info.Engine != "" {
		th.engine = info.Engine
	}
	if !info.UpdatedAt.IsZero() {
		th.updatedAt = info.UpdatedAt
	}
	return true
}

// addCreatedLocked registers a thread the engine just created and puts it
// at the top of the listing.
func (w *Workspace) addCreatedLocked(info engine.ThreadInfo) (*thread, error) {
	if w.retired[info.ID] {
		return nil, fmt.Errorf("%w: %s", ErrThreadIDReused, info.ID)
	}
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = w.now()
	}
	_, known := w.threads[info.ID]
	w.upsertLocked(info)
	if !known {
		w.order = append([]string{info.ID}, w.order...)
	}
	w.publishLocked(Notification{Kind: NotifyThreads, ThreadID: info.ID})
	return w.threads[info.ID], nil
}

func (w *Workspace) persistCreated(ctx context.Context, info engine.ThreadInfo) {
	if w.store == nil {
		return
	}
	meta := models.ThreadMeta{ID: info.ID, WorkspaceID: w.id, Name: info.Name, Engine: info.Engine}
	if info.ParentID != "" {
		parent := info.ParentID
		meta.ParentID = &parent
	}
	if err := w.store.SaveThread(ctx, meta); err != nil {
		w.log.Warn().Err(err).Str("thread", info.ID).Msg("persist thread failed")
	}
}

// StartThread starts a new conversation.
func (w *Workspace) StartThread(ctx context.Context) (ThreadSummary, error) {
	adapter, err := w.current()
	if err != nil {
		return ThreadSummary{}, err
	}
	w.emit(debuglog.SourceClient, "thread/start", nil)
	info, err := adapter.Start(ctx, w.startParams())
	if err != nil {
		w.emit(debuglog.SourceInternal, "thread/start/error", map[string]string{"error": err.Error()})
		return ThreadSummary{}, fmt.Errorf("registry: start thread: %w", err)
	}
	return w.created(ctx, info)
}

func (w *Workspace) created(ctx context.Context, info engine.ThreadInfo) (ThreadSummary, error) {
	w.mu.Lock()
	th, err := w.addCreatedLocked(info)
	if err != nil {
		w.mu.Unlock()
		return ThreadSummary{}, err
	}
	if info.Preamble != "" {
		item := th.conv.AppendAssistant(info.Preamble, w.now())
		w.publishLocked(Notification{Kind: NotifyItems, ThreadID: th.id, ItemIDs: []string{item.ID}})
	}
	if info.TurnID != "" {
		// The engine already runs a turn on the new thread.
		now := w.now()
		if err := th.turn.Dispatch(now); err == nil {
			th.gen++
			if err := th.turn.Begin(info.TurnID); err != nil {
				w.log.Warn().Err(err).Str("thread", th.id).Str("turn", info.TurnID).Msg("bind engine turn failed")
			}
			w.publishLocked(Notification{Kind: NotifyTurn, ThreadID: th.id, TurnID: info.TurnID, State: th.turn.State})
		}
	}
	summary := w.summaryLocked(th)
	w.mu.Unlock()

	w.persistCreated(ctx, info)
	w.log.Info().Str("thread", info.ID).Str("parent", info.ParentID).Msg("thread created")

	if info.AutoPrompt != "" {
		if _, err := w.SendUserMessage(ctx, info.ID, info.AutoPrompt, nil, engine.SendOptions{}); err != nil {
			return summary, err
		}
		summary, _ = w.summary(info.ID)
	}
	return summary, nil
}

func (w *Workspace) summary(threadID string) (ThreadSummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	th, ok := w.threads[threadID]
	if !ok {
		return ThreadSummary{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return w.summaryLocked(th), nil
}

func (w *Workspace) open(ctx context.Context, req engine.OpenRequest) (ThreadSummary, error) {
	adapter, err := w.current()
	if err != nil {
		return ThreadSummary{}, err
	}
	if req.SourceThreadID != "" {
		w.mu.Lock()
		retired := w.retired[req.SourceThreadID]
		w.mu.Unlock()
		if retired {
			return ThreadSummary{}, fmt.Errorf("%w: %s", ErrThreadNotFound, req.SourceThreadID)
		}
	}
	req.Params = w.startParams()
	w.emit(debuglog.SourceClient, "thread/"+string(req.Kind), map[string]string{"source": req.SourceThreadID, "target": req.ReviewTarget})
	info, err := adapter.Open(ctx, req)
	if err != nil {
		w.emit(debuglog.SourceInternal, "thread/"+string(req.Kind)+"/error", map[string]string{"error": err.Error()})
		return ThreadSummary{}, fmt.Errorf("registry: %s thread: %w", req.Kind, err)
	}
	return w.created(ctx, info)
}

// ForkThread branches a new thread off sourceID's history.
func (w *Workspace) ForkThread(ctx context.Context, sourceID string) (ThreadSummary, error) {
	return w.open(ctx, engine.OpenRequest{Kind: engine.OpenFork, SourceThreadID: sourceID})
}

// ResumeThread reattaches to an existing engine-side thread.
func (w *Workspace) ResumeThread(ctx context.Context, sourceID string) (ThreadSummary, error) {
	return w.open(ctx, engine.OpenRequest{Kind: engine.OpenResume, SourceThreadID: sourceID})
}

// StartReview starts a code-review thread over target (e.g. "uncommitted").
// sourceID may be empty.
func (w *Workspace) StartReview(ctx context.Context, sourceID, target string) (ThreadSummary, error) {
	return w.open(ctx, engine.OpenRequest{Kind: engine.OpenReview, SourceThreadID: sourceID, ReviewTarget: target})
}

// StartStatus opens a thread describing the engine's status.
func (w *Workspace) StartStatus(ctx context.Context) (ThreadSummary, error) {
	return w.open(ctx, engine.OpenRequest{Kind: engine.OpenStatus})
}

// StartMCP opens a thread describing the engine's MCP servers.
func (w *Workspace) StartMCP(ctx context.Context) (ThreadSummary, error) {
	return w.open(ctx, engine.OpenRequest{Kind: engine.OpenMCP})
}

// RenameThread sets a thread's display name locally, on the engine when it
// supports renaming, and in the store.
func (w *Workspace) RenameThread(ctx context.Context, threadID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	adapter, err := w.current()
	if err != nil {
		return err
	}
	if _, err := w.summary(threadID); err != nil {
		return err
	}
	w.emit(debuglog.SourceClient, "thread/rename", map[string]string{"thread": threadID, "name": name})
	if err := adapter.RenameThread(ctx, threadID, name); err != nil && !errors.Is(err, engine.ErrUnsupported) {
		return fmt.Errorf("registry: rename %s: %w", threadID, err)
	}

	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	th.name = name
	th.named = true
	w.publishLocked(Notification{Kind: NotifyThread, ThreadID: threadID})
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.RenameThread(ctx, w.id, threadID, name); err != nil {
			w.log.Warn().Err(err).Str("thread", threadID).Msg("persist rename failed")
		}
	}
	return nil
}

// PinThread pins a thread to the top of the listing.
func (w *Workspace) PinThread(ctx context.Context, threadID string) error {
	return w.setPinned(ctx, threadID, true)
}

// UnpinThread returns a thread to recency order.
func (w *Workspace) UnpinThread(ctx context.Context, threadID string) error {
	return w.setPinned(ctx, threadID, false)
}

func (w *Workspace) setPinned(ctx context.Context, threadID string, pinned bool) error {
	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if pinned == (th.pinnedAt != nil) {
		w.mu.Unlock()
		return nil
	}
	if pinned {
		now := w.now()
		th.pinnedAt = &now
	} else {
		th.pinnedAt = nil
	}
	at := th.pinnedAt
	w.publishLocked(Notification{Kind: NotifyThreads, ThreadID: threadID})
	w.mu.Unlock()

	label := "thread/unpin"
	if pinned {
		label = "thread/pin"
	}
	w.emit(debuglog.SourceClient, label, map[string]string{"thread": threadID})
	if w.store != nil {
		if err := w.store.SetPinned(ctx, w.id, threadID, at); err != nil {
			w.log.Warn().Err(err).Str("thread", threadID).Msg("persist pin failed")
		}
	}
	return nil
}

// ArchiveThread removes a thread. Its queue, attached images and pending
// requests go with it, a running turn is interrupted, and its ID is retired
// for good.
func (w *Workspace) ArchiveThread(ctx context.Context, threadID string) error {
	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	now := w.now()
	wasActive := th.turn.Interrupt(now)
	th.held = nil
	th.images = nil
	dropped := w.queue.Clear(threadID)
	discarded := w.gate.DiscardThread(threadID)
	for _, id := range discarded {
		w.publishLocked(Notification{Kind: NotifyRequestResolved, ThreadID: threadID, RequestID: id})
	}
	delete(w.threads, threadID)
	for i, id := range w.order {
		if id == threadID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.retired[threadID] = true
	adapter, connected := w.adapter, w.connected
	w.publishLocked(Notification{Kind: NotifyThreads, ThreadID: threadID})
	w.mu.Unlock()

	w.emit(debuglog.SourceClient, "thread/archive", map[string]any{"thread": threadID, "queued": dropped})
	w.log.Info().Str("thread", threadID).Int("queued", dropped).Msg("thread archived")

	if connected {
		if wasActive {
			if err := adapter.Interrupt(ctx, threadID); err != nil {
				w.log.Debug().Err(err).Str("thread", threadID).Msg("interrupt on archive")
			}
		}
		if err := adapter.ArchiveThread(ctx, threadID); err != nil && !errors.Is(err, engine.ErrUnsupported) {
			w.log.Warn().Err(err).Str("thread", threadID).Msg("engine archive failed")
		}
	}
	if w.store != nil {
		if err := w.store.ArchiveThread(ctx, w.id, threadID, now); err != nil {
			w.log.Warn().Err(err).Str("thread", threadID).Msg("persist archive failed")
		}
	}
	return nil
}

// RefreshThread re-reads authoritative thread state from the engine. The
// conversation is rebuilt from engine history unless a turn is running.
func (w *Workspace) RefreshThread(ctx context.Context, threadID string) (ThreadSnapshot, error) {
	adapter, err := w.current()
	if err != nil {
		return ThreadSnapshot{}, err
	}
	if _, err := w.summary(threadID); err != nil {
		return ThreadSnapshot{}, err
	}
	w.emit(debuglog.SourceClient, "thread/refresh", map[string]string{"thread": threadID})
	info, err := adapter.ReadThread(ctx, threadID)
	if err != nil {
		return ThreadSnapshot{}, fmt.Errorf("registry: refresh %s: %w", threadID, err)
	}

	w.mu.Lock()
	th, ok := w.threads[threadID]
	if !ok {
		w.mu.Unlock()
		return ThreadSnapshot{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	w.upsertLocked(info)
	w.publishLocked(Notification{Kind: NotifyThread, ThreadID: threadID})
	if len(info.History) > 0 && !th.turn.State.Active() {
		th.conv.Replace(info.History, w.now())
		w.publishLocked(Notification{Kind: NotifyItems, ThreadID: threadID})
	}
	w.mu.Unlock()
	return w.Thread(threadID)
}
