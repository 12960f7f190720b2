package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/turn"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Opts{Logger: zerolog.Nop()})
	t.Cleanup(func() { r.Close() })
	return r
}

func mockDial(m *engine.MockAdapter) DialFunc {
	return func(context.Context) (engine.Adapter, error) { return m, nil }
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{"api", "web"} {
		if _, err := r.AddWorkspace(WorkspaceOpts{ID: id, Dial: mockDial(engine.NewMockAdapter("mock"))}); err != nil {
			t.Fatalf("AddWorkspace(%s): %v", id, err)
		}
	}
	if _, err := r.AddWorkspace(WorkspaceOpts{ID: "api", Dial: mockDial(engine.NewMockAdapter("mock"))}); !errors.Is(err, ErrWorkspaceExists) {
		t.Errorf("duplicate err = %v, want ErrWorkspaceExists", err)
	}
	if _, err := r.Workspace("nope"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("lookup err = %v, want ErrWorkspaceNotFound", err)
	}

	all := r.Workspaces()
	if len(all) != 2 || all[0].ID() != "api" || all[1].ID() != "web" {
		t.Fatalf("workspaces = %v", all)
	}
	if err := r.RemoveWorkspace("api"); err != nil {
		t.Fatalf("RemoveWorkspace: %v", err)
	}
	if err := r.RemoveWorkspace("api"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("second remove err = %v", err)
	}
	if n := len(r.Workspaces()); n != 1 {
		t.Errorf("workspaces after remove = %d", n)
	}
}

func TestRegistry_ConnectAllCollectsErrors(t *testing.T) {
	r := newRegistry(t)
	r.AddWorkspace(WorkspaceOpts{ID: "ok", Dial: mockDial(engine.NewMockAdapter("mock"))})
	r.AddWorkspace(WorkspaceOpts{ID: "bad", Dial: func(context.Context) (engine.Adapter, error) {
		return nil, errors.New("no binary")
	}})

	if err := r.ConnectAll(context.Background()); err == nil {
		t.Fatal("expected error from failing workspace")
	}
	ok, _ := r.Workspace("ok")
	bad, _ := r.Workspace("bad")
	if !ok.Connected() || bad.Connected() {
		t.Errorf("connected: ok=%v bad=%v", ok.Connected(), bad.Connected())
	}
}

func TestRegistry_SubscribeAndResolve(t *testing.T) {
	r := newRegistry(t)
	mock := engine.NewMockAdapter("mock")
	ws, err := r.AddWorkspace(WorkspaceOpts{ID: "ws", Dial: mockDial(mock)})
	if err != nil {
		t.Fatalf("AddWorkspace: %v", err)
	}
	notes, cancel := r.Subscribe(256)
	defer cancel()

	ctx := context.Background()
	if err := r.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	th, err := ws.StartThread(ctx)
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	if _, err := ws.SendUserMessage(ctx, th.ID, "go", nil, engine.SendOptions{}); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	snap, _ := ws.Thread(th.ID)
	ws.handleEvent(engine.Event{Kind: engine.EventApprovalRequest, ThreadID: th.ID, TurnID: snap.Turn.ID,
		Approval: &engine.ApprovalRequest{ID: "req-9", Kind: "command", Command: "ls"}})

	found, err := r.ResolveApproval(ctx, "req-9", engine.DecisionDecline, false)
	if !found || err != nil {
		t.Fatalf("ResolveApproval = %v, %v", found, err)
	}
	if found, _ := r.ResolveApproval(ctx, "req-9", engine.DecisionDecline, false); found {
		t.Error("resolved request found again")
	}
	if found, _ := r.ResolveUserInput(ctx, "missing", nil); found {
		t.Error("unknown user input found")
	}

	var sawApproval, sawResolved bool
	timeout := time.After(time.Second)
	for !(sawApproval && sawResolved) {
		select {
		case n := <-notes:
			if n.WorkspaceID != "ws" {
				t.Fatalf("notification without workspace: %+v", n)
			}
			switch {
			case n.Kind == NotifyApproval && n.RequestID == "req-9":
				sawApproval = true
			case n.Kind == NotifyRequestResolved && n.RequestID == "req-9":
				sawResolved = true
			}
		case <-timeout:
			t.Fatalf("approval=%v resolved=%v", sawApproval, sawResolved)
		}
	}
}

func TestRegistry_CancelSubscription(t *testing.T) {
	r := newRegistry(t)
	ch, cancel := r.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	// Full or cancelled subscribers never block publishers.
	r.publish(Notification{Kind: NotifyWorkspace})
}

func TestWorkspace_PersistsThreadMetadata(t *testing.T) {
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	st, err := store.New(gdb)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	mock := engine.NewMockAdapter("mock")
	ctx := context.Background()

	open := func(m *engine.MockAdapter) *Workspace {
		ws, err := NewWorkspace(WorkspaceOpts{ID: "ws", Dial: mockDial(m), Store: st, Logger: zerolog.Nop()})
		if err != nil {
			t.Fatalf("NewWorkspace: %v", err)
		}
		if err := ws.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return ws
	}

	ws := open(mock)
	keep, _ := ws.StartThread(ctx)
	gone, _ := ws.StartThread(ctx)
	if err := ws.RenameThread(ctx, keep.ID, "release notes"); err != nil {
		t.Fatalf("RenameThread: %v", err)
	}
	if err := ws.PinThread(ctx, keep.ID); err != nil {
		t.Fatalf("PinThread: %v", err)
	}
	if err := ws.ArchiveThread(ctx, gone.ID); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}
	if err := ws.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// A restarted process: the engine still knows both threads.
	restarted := engine.NewMockAdapter("mock")
	restarted.SeedThread(engine.ThreadInfo{ID: keep.ID})
	restarted.SeedThread(engine.ThreadInfo{ID: gone.ID})
	again := open(restarted)
	defer again.Disconnect()
	list, err := again.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("threads = %+v, want only %s", list, keep.ID)
	}
	got := list[0]
	if got.ID != keep.ID || got.Name != "release notes" || got.PinnedAt == nil {
		t.Errorf("restored thread = %+v", got)
	}
	if got.State != turn.Idle {
		t.Errorf("state = %s", got.State)
	}
	restarted.NextThreadID = gone.ID
	if _, err := again.StartThread(ctx); !errors.Is(err, ErrThreadIDReused) {
		t.Errorf("reuse err = %v, want ErrThreadIDReused", err)
	}
}
