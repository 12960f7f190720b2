package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/registry"
)

type fakeFeed struct {
	ch        chan registry.Notification
	cancelled chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan registry.Notification, 16), cancelled: make(chan struct{})}
}

func (f *fakeFeed) subscribe(int) (<-chan registry.Notification, func()) {
	return f.ch, func() { close(f.cancelled) }
}

func startRelay(t *testing.T, core Core, adapter *MockAdapter, feed *fakeFeed) (context.CancelFunc, <-chan error) {
	t.Helper()
	r, err := New(Opts{
		Adapter:    adapter,
		Core:       core,
		Subscribe:  feed.subscribe,
		ChannelID:  "C-ops",
		RatePerSec: 1000,
		Burst:      100,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func waitSent(t *testing.T, m *MockAdapter, n int) []OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.SentCount() >= n {
			return m.AllSent()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d: %+v", m.SentCount(), n, m.AllSent())
	return nil
}

func TestNew_Validation(t *testing.T) {
	feed := newFakeFeed()
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no adapter", Opts{Core: newFakeCore(), Subscribe: feed.subscribe}, "adapter is required"},
		{"no subscribe", Opts{Adapter: NewMockAdapter(), Core: newFakeCore()}, "subscribe is required"},
		{"no core", Opts{Adapter: NewMockAdapter(), Subscribe: feed.subscribe}, "core is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRelay_PostsPendingRequests(t *testing.T) {
	adapter := NewMockAdapter()
	feed := newFakeFeed()
	cancel, done := startRelay(t, newFakeCore(), adapter, feed)
	defer cancel()

	sent := waitSent(t, adapter, 1)
	if sent[0].Text != "Switchboard relay online" || sent[0].ChannelID != "C-ops" {
		t.Errorf("online message = %+v", sent[0])
	}

	feed.ch <- registry.Notification{Kind: registry.NotifyTurn, WorkspaceID: "api", ThreadID: "t1"}
	feed.ch <- registry.Notification{Kind: registry.NotifyApproval, WorkspaceID: "api", ThreadID: "t1", RequestID: "a1",
		Approval: &engine.ApprovalRequest{ID: "a1", ThreadID: "t1", Kind: "command", Command: "make"}}
	feed.ch <- registry.Notification{Kind: registry.NotifyUserInput, WorkspaceID: "api", ThreadID: "t1", RequestID: "u1",
		UserInput: &engine.UserInputRequest{ID: "u1", ThreadID: "t1"}}
	feed.ch <- registry.Notification{Kind: registry.NotifyRequestResolved, WorkspaceID: "api", RequestID: "a1"}
	feed.ch <- registry.Notification{Kind: registry.NotifyRequestResolved, WorkspaceID: "api", RequestID: "never-posted"}
	feed.ch <- registry.Notification{Kind: registry.NotifyError, WorkspaceID: "api", ThreadID: "t1", Error: "boom"}

	sent = waitSent(t, adapter, 5)
	if len(sent[1].Events) != 1 || sent[1].Events[0].Title != "Approval needed: command" {
		t.Errorf("approval post = %+v", sent[1])
	}
	if len(sent[2].Events) != 1 || sent[2].Events[0].Title != "Input needed" {
		t.Errorf("input post = %+v", sent[2])
	}
	if sent[3].Text != "Request `a1` resolved." {
		t.Errorf("resolved post = %+v", sent[3])
	}
	if len(sent[4].Events) != 1 || sent[4].Events[0].Body != "boom" {
		t.Errorf("error post = %+v", sent[4])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if n := adapter.SentCount(); n != 5 {
		t.Errorf("sent %d messages, want 5", n)
	}
	select {
	case <-feed.cancelled:
	default:
		t.Error("subscription not cancelled on shutdown")
	}
}

func TestRelay_ExecutesCommands(t *testing.T) {
	adapter := NewMockAdapter()
	adapter.SetBotUserID("B1")
	core := newFakeCore("a1")
	feed := newFakeFeed()
	cancel, _ := startRelay(t, core, adapter, feed)
	defer cancel()
	waitSent(t, adapter, 1)

	adapter.SimulateInbound(InboundMessage{UserID: "B1", Text: "!sb approve a1"})
	adapter.SimulateInbound(InboundMessage{UserID: "U1", Text: "just chatting"})
	adapter.SimulateInbound(InboundMessage{UserID: "U1", ChannelID: "C-other", ThreadID: "1700.1", Text: "!sb approve a1"})

	sent := waitSent(t, adapter, 2)
	reply := sent[1]
	if reply.Text != "Approved `a1`." || reply.ChannelID != "C-other" || reply.ThreadID != "1700.1" {
		t.Errorf("reply = %+v", reply)
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.approvals) != 1 {
		t.Errorf("approvals = %+v, bot message must be ignored", core.approvals)
	}
}

func TestRelay_InboundClosedStops(t *testing.T) {
	adapter := NewMockAdapter()
	feed := newFakeFeed()
	cancel, done := startRelay(t, newFakeCore(), adapter, feed)
	defer cancel()
	waitSent(t, adapter, 1)

	adapter.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after inbound closed")
	}
}

func TestRelay_ConnectError(t *testing.T) {
	adapter := NewMockAdapter()
	adapter.Close()
	r, err := New(Opts{Adapter: adapter, Core: newFakeCore(), Subscribe: newFakeFeed().subscribe, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "relay: connect") {
		t.Errorf("Run err = %v", err)
	}
}

func TestRelay_SendErrorsDoNotStopRelay(t *testing.T) {
	adapter := NewMockAdapter()
	adapter.SendErr = errors.New("rate limited")
	feed := newFakeFeed()
	cancel, done := startRelay(t, newFakeCore(), adapter, feed)

	feed.ch <- registry.Notification{Kind: registry.NotifyError, WorkspaceID: "api", Error: "boom"}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
