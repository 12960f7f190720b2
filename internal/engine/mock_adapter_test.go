package engine

import (
	"context"
	"errors"
	"testing"
)

func TestMockAdapter_StartAndSend(t *testing.T) {
	m := NewMockAdapter("mock")
	ctx := context.Background()

	info, err := m.Start(ctx, StartParams{Cwd: "/w"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ID != "thread-1" || info.Engine != "mock" || info.Cwd != "/w" {
		t.Errorf("info = %+v", info)
	}
	turn, err := m.Send(ctx, info.ID, Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn != "turn-1" {
		t.Errorf("turn = %q", turn)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].Message.Text != "hi" || sent[0].ThreadID != info.ID {
		t.Errorf("Sent() = %+v", sent)
	}
}

func TestMockAdapter_StartErr(t *testing.T) {
	m := NewMockAdapter("mock")
	m.StartErr = errors.New("binary missing")
	_, err := m.Start(context.Background(), StartParams{})
	var se *StartError
	if !errors.As(err, &se) || se.Engine != "mock" {
		t.Errorf("err = %v, want *StartError", err)
	}
}

func TestMockAdapter_RememberedApprovalIsAutoApplied(t *testing.T) {
	m := NewMockAdapter("mock")
	req := ApprovalRequest{ID: "r1", ThreadID: "t", Kind: "command", Command: "rm x"}
	m.Emit(Event{Kind: EventApprovalRequest, ThreadID: "t", Approval: &req})
	if evt := <-m.Events(); evt.Approval.ID != "r1" {
		t.Fatalf("event = %+v", evt)
	}
	if err := m.RespondApproval(context.Background(), "t", "r1", DecisionDecline, true); err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}

	again := ApprovalRequest{ID: "r2", ThreadID: "t", Kind: "command", Command: "rm x"}
	m.Emit(Event{Kind: EventApprovalRequest, ThreadID: "t", Approval: &again})
	select {
	case evt := <-m.Events():
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
	auto := m.AutoApplied()
	if len(auto) != 1 || auto[0].RequestID != "r2" || auto[0].Decision != DecisionDecline {
		t.Errorf("AutoApplied = %+v", auto)
	}

	// Session end clears the rule.
	m.Emit(Event{Kind: EventSessionEnded, ThreadID: "t"})
	<-m.Events()
	third := ApprovalRequest{ID: "r3", ThreadID: "t", Kind: "command", Command: "rm x"}
	m.Emit(Event{Kind: EventApprovalRequest, ThreadID: "t", Approval: &third})
	if evt := <-m.Events(); evt.Approval == nil || evt.Approval.ID != "r3" {
		t.Errorf("event = %+v, want r3 surfaced", evt)
	}
}

func TestMockAdapter_ListThreadsPages(t *testing.T) {
	m := NewMockAdapter("mock")
	for i := 0; i < 5; i++ {
		m.Start(context.Background(), StartParams{})
	}
	page, err := m.ListThreads(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page.Threads) != 2 || page.Threads[0].ID != "thread-5" || page.NextCursor != "2" {
		t.Errorf("page = %+v", page)
	}
	page, _ = m.ListThreads(context.Background(), "4", 2)
	if len(page.Threads) != 1 || page.NextCursor != "" {
		t.Errorf("last page = %+v", page)
	}
}

func TestMockAdapter_OpenVariants(t *testing.T) {
	m := NewMockAdapter("mock")
	ctx := context.Background()
	src, _ := m.Start(ctx, StartParams{})

	fork, err := m.Open(ctx, OpenRequest{Kind: OpenFork, SourceThreadID: src.ID})
	if err != nil || fork.ParentID != src.ID {
		t.Errorf("fork = %+v, %v", fork, err)
	}
	if _, err := m.Open(ctx, OpenRequest{Kind: OpenResume, SourceThreadID: "missing"}); !errors.Is(err, ErrNoSession) {
		t.Errorf("resume missing err = %v", err)
	}
	status, _ := m.Open(ctx, OpenRequest{Kind: OpenStatus})
	if status.Preamble == "" {
		t.Error("status should carry a preamble")
	}
	review, _ := m.Open(ctx, OpenRequest{Kind: OpenReview, SourceThreadID: src.ID, ReviewTarget: "HEAD"})
	if review.AutoPrompt != "Review HEAD" {
		t.Errorf("AutoPrompt = %q", review.AutoPrompt)
	}
}
