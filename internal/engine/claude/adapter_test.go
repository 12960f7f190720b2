package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/engine"
)

// writeMockBinary writes a shell script standing in for the claude CLI.
func writeMockBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write mock binary: %v", err)
	}
	return path
}

func collectUntil(t *testing.T, ch <-chan engine.Event, stop engine.EventKind) []engine.Event {
	t.Helper()
	var out []engine.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("events closed before %s", stop)
			}
			out = append(out, evt)
			if evt.Kind == stop {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; got %d events", stop, len(out))
		}
	}
}

func TestAdapter_StartMissingBinary(t *testing.T) {
	a := New(AdapterOpts{Binary: filepath.Join(t.TempDir(), "nope")})
	_, err := a.Start(context.Background(), engine.StartParams{})
	var se *engine.StartError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *engine.StartError", err)
	}
	if se.Engine != "claude" {
		t.Errorf("Engine = %q, want claude", se.Engine)
	}
}

func TestAdapter_SendStreamsTurn(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeMockBinary(t, `echo "$@" > `+argsFile+`
echo '{"type":"system","subtype":"init","session_id":"s"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi there"}]}}'
echo '{"type":"result","subtype":"success","usage":{"input_tokens":3,"output_tokens":2}}'
`)
	a := New(AdapterOpts{Binary: bin, Model: "sonnet"})
	defer a.Close()

	info, err := a.Start(context.Background(), engine.StartParams{Cwd: t.TempDir(), AccessMode: engine.AccessReadOnly})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	turnID, err := a.Send(context.Background(), info.ID, engine.Message{Text: "fix bug"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	evts := collectUntil(t, a.Events(), engine.EventTurnCompleted)
	if evts[0].Kind != engine.EventTurnStarted || evts[0].TurnID != turnID {
		t.Errorf("first event = %+v", evts[0])
	}
	var text strings.Builder
	for _, e := range evts {
		if e.ThreadID != info.ID {
			t.Errorf("event thread = %q, want %q", e.ThreadID, info.ID)
		}
		if e.Kind == engine.EventTextDelta {
			text.WriteString(e.Delta)
		}
	}
	if text.String() != "hi there" {
		t.Errorf("text = %q", text.String())
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	args := string(data)
	for _, want := range []string{"-p fix bug", "--session-id " + info.ID, "--model sonnet", "--permission-mode plan", "stream-json"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}

	// Transcript is available for refresh.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := a.ReadThread(context.Background(), info.ID)
		if len(got.History) == 2 {
			if got.History[1].Text != "hi there" {
				t.Errorf("history = %+v", got.History)
			}
			if got.Name != "fix bug" {
				t.Errorf("Name = %q, want first line of first message", got.Name)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("history not recorded")
}

func TestAdapter_SecondTurnResumes(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeMockBinary(t, `echo "$@" >> `+argsFile+`
echo '{"type":"result","subtype":"success"}'
`)
	a := New(AdapterOpts{Binary: bin})
	defer a.Close()

	info, _ := a.Start(context.Background(), engine.StartParams{})
	for i := 0; i < 2; i++ {
		if _, err := a.Send(context.Background(), info.ID, engine.Message{Text: "go"}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		collectUntil(t, a.Events(), engine.EventTurnCompleted)
		// Wait for the reader to release the running slot.
		for j := 0; j < 100; j++ {
			a.mu.Lock()
			running := a.threads[info.ID].running
			a.mu.Unlock()
			if running == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	data, _ := os.ReadFile(argsFile)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d invocations, want 2", len(lines))
	}
	if !strings.Contains(lines[1], "--resume "+info.ID) {
		t.Errorf("second invocation %q does not resume", lines[1])
	}
}

func TestAdapter_ExitWithoutResultIsTurnError(t *testing.T) {
	bin := writeMockBinary(t, `echo "boom" >&2
exit 3
`)
	a := New(AdapterOpts{Binary: bin})
	defer a.Close()

	info, _ := a.Start(context.Background(), engine.StartParams{})
	if _, err := a.Send(context.Background(), info.ID, engine.Message{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	evts := collectUntil(t, a.Events(), engine.EventTurnError)
	if last := evts[len(evts)-1]; last.Error != "boom" {
		t.Errorf("Error = %q, want stderr text", last.Error)
	}
}

func TestAdapter_OversizedLineIsTurnError(t *testing.T) {
	bin := writeMockBinary(t, `echo '{"type":"system","subtype":"init"}'
head -c 6000000 /dev/zero | tr '\0' 'x'
echo
echo '{"type":"result","subtype":"success"}'
sleep 30
`)
	a := New(AdapterOpts{Binary: bin})
	defer a.Close()

	info, _ := a.Start(context.Background(), engine.StartParams{})
	turnID, err := a.Send(context.Background(), info.ID, engine.Message{Text: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	evts := collectUntil(t, a.Events(), engine.EventTurnError)
	for _, evt := range evts {
		if evt.Kind == engine.EventTurnCompleted {
			t.Errorf("unexpected turnCompleted: %+v", evt)
		}
	}
	last := evts[len(evts)-1]
	if last.TurnID != turnID || !strings.Contains(last.Error, "read stream") {
		t.Errorf("turnError = %+v", last)
	}
}

func TestAdapter_InterruptSuppressesError(t *testing.T) {
	bin := writeMockBinary(t, `echo '{"type":"system","subtype":"init"}'
sleep 30
`)
	a := New(AdapterOpts{Binary: bin})

	info, _ := a.Start(context.Background(), engine.StartParams{})
	if _, err := a.Send(context.Background(), info.ID, engine.Message{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collectUntil(t, a.Events(), engine.EventTurnStarted)
	if err := a.Interrupt(context.Background(), info.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	// Interrupting again, or a thread without a turn, is fine.
	if err := a.Interrupt(context.Background(), "missing"); err != nil {
		t.Errorf("Interrupt(missing) = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for evt := range a.Events() {
		if evt.Kind == engine.EventTurnError {
			t.Errorf("unexpected turnError after interrupt: %+v", evt)
		}
	}
}

func TestAdapter_ForkUsesForkSession(t *testing.T) {
	a := New(AdapterOpts{Binary: writeMockBinary(t, "exit 0\n")})
	defer a.Close()
	src, _ := a.Start(context.Background(), engine.StartParams{})
	fork, err := a.Open(context.Background(), engine.OpenRequest{Kind: engine.OpenFork, SourceThreadID: src.ID})
	if err != nil {
		t.Fatalf("Open fork: %v", err)
	}
	if fork.ParentID != src.ID || fork.ID == src.ID {
		t.Errorf("fork = %+v", fork)
	}
	args := a.buildArgs(a.threads[fork.ID], engine.Message{Text: "x"})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--resume "+src.ID+" --fork-session --session-id "+fork.ID) {
		t.Errorf("args = %q", joined)
	}
}

func TestAdapter_OpenUnknownSource(t *testing.T) {
	a := New(AdapterOpts{Binary: writeMockBinary(t, "exit 0\n")})
	defer a.Close()
	_, err := a.Open(context.Background(), engine.OpenRequest{Kind: engine.OpenFork, SourceThreadID: "nope"})
	if !errors.Is(err, engine.ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestAdapter_ReviewHasAutoPrompt(t *testing.T) {
	a := New(AdapterOpts{Binary: writeMockBinary(t, "exit 0\n")})
	defer a.Close()
	src, _ := a.Start(context.Background(), engine.StartParams{})
	rev, err := a.Open(context.Background(), engine.OpenRequest{Kind: engine.OpenReview, SourceThreadID: src.ID})
	if err != nil {
		t.Fatalf("Open review: %v", err)
	}
	if !strings.HasPrefix(rev.AutoPrompt, "Review the uncommitted changes") {
		t.Errorf("AutoPrompt = %q", rev.AutoPrompt)
	}
}

func TestAdapter_ListThreadsPaginates(t *testing.T) {
	a := New(AdapterOpts{Binary: writeMockBinary(t, "exit 0\n")})
	defer a.Close()
	for i := 0; i < 3; i++ {
		a.Start(context.Background(), engine.StartParams{})
		time.Sleep(2 * time.Millisecond)
	}
	page, err := a.ListThreads(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page.Threads) != 2 || page.NextCursor == "" {
		t.Fatalf("page 1 = %d threads, cursor %q", len(page.Threads), page.NextCursor)
	}
	page2, err := a.ListThreads(context.Background(), page.NextCursor, 2)
	if err != nil {
		t.Fatalf("ListThreads page 2: %v", err)
	}
	if len(page2.Threads) != 1 || page2.NextCursor != "" {
		t.Errorf("page 2 = %d threads, cursor %q", len(page2.Threads), page2.NextCursor)
	}
}

func TestAdapter_ApprovalsUnsupported(t *testing.T) {
	a := New(AdapterOpts{})
	err := a.RespondApproval(context.Background(), "t", "r", engine.DecisionAccept, false)
	if !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if a.Capabilities().Approvals {
		t.Error("Approvals capability should be false")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  fix the bug\nplease", 48); got != "fix the bug" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine(strings.Repeat("a", 60), 10); got != strings.Repeat("a", 9)+"…" {
		t.Errorf("firstLine truncation = %q", got)
	}
}
