package history

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/zulandar/switchboard/internal/engine"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func ev(kind engine.EventKind, sec int) engine.Event {
	return engine.Event{Kind: kind, ThreadID: "t1", TurnID: "u1", At: at(sec)}
}

func text(sec int, delta string) engine.Event {
	e := ev(engine.EventTextDelta, sec)
	e.Delta = delta
	return e
}

func reasoning(sec int, delta string) engine.Event {
	e := ev(engine.EventReasoningDelta, sec)
	e.Delta = delta
	return e
}

func tool(kind engine.EventKind, sec int, tc engine.ToolCall) engine.Event {
	e := ev(kind, sec)
	e.Tool = &tc
	return e
}

// ignoreIDs compares items by content only.
var ignoreIDs = cmpopts.IgnoreFields(Item{}, "ID", "CreatedAt")

func TestTextDeltasConcatenate(t *testing.T) {
	c := New("t1")
	parts := []string{"The ", "fix ", "is ", "in ", "main.go"}
	for i, p := range parts {
		c.Apply(text(i, p))
	}
	items := c.Items()
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Text != strings.Join(parts, "") {
		t.Errorf("Text = %q", items[0].Text)
	}
	if !items[0].Open {
		t.Error("message should stay open until the turn ends")
	}
}

func TestKindChangeOpensNewItem(t *testing.T) {
	c := New("t1")
	c.Apply(reasoning(0, "**Planning**\nlook at files"))
	c.Apply(text(1, "Hello"))
	c.Apply(text(2, " world"))
	c.Apply(ev(engine.EventTurnCompleted, 3))

	want := []Item{
		{Kind: KindReasoning, TurnID: "u1", Detail: "**Planning**\nlook at files", Summary: "Planning"},
		{Kind: KindMessage, TurnID: "u1", Role: RoleAssistant, Text: "Hello world"},
	}
	if diff := cmp.Diff(want, c.Items(), ignoreIDs); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestNewTurnOpensNewItem(t *testing.T) {
	c := New("t1")
	c.Apply(text(0, "first"))
	started := ev(engine.EventTurnStarted, 1)
	started.TurnID = "u2"
	c.Apply(started)
	second := text(2, "second")
	second.TurnID = "u2"
	c.Apply(second)

	items := c.Items()
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Open || items[0].Text != "first" {
		t.Errorf("first turn item = %+v, want finalized and unchanged", items[0])
	}
	if items[1].Text != "second" || items[1].TurnID != "u2" {
		t.Errorf("second item = %+v", items[1])
	}
}

func TestToolLifecycleDuration(t *testing.T) {
	c := New("t1")
	c.Apply(text(0, "running tests"))
	c.Apply(tool(engine.EventToolStarted, 1, engine.ToolCall{ID: "c1", Name: "Bash", Category: engine.ToolCommand, Title: "go test ./..."}))
	c.Apply(tool(engine.EventToolCompleted, 4, engine.ToolCall{ID: "c1", Name: "Bash", Category: engine.ToolCommand, Output: "ok"}))

	items := c.Items()
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Open {
		t.Error("message should be finalized when a tool starts")
	}
	got := items[1]
	if got.Kind != KindTool || got.Open || got.Status != StatusCompleted {
		t.Fatalf("tool item = %+v", got)
	}
	if got.Tool.Duration == nil || *got.Tool.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got.Tool.Duration)
	}
	if got.Tool.Output != "ok" || got.Tool.Title != "go test ./..." {
		t.Errorf("tool = %+v", got.Tool)
	}
}

func TestToolFailure(t *testing.T) {
	c := New("t1")
	c.Apply(tool(engine.EventToolStarted, 0, engine.ToolCall{ID: "c1", Category: engine.ToolFileChange}))
	c.Apply(tool(engine.EventToolCompleted, 1, engine.ToolCall{ID: "c1", Error: "patch rejected", Changes: []engine.FileChange{{Path: "a.go", Kind: "update"}}}))
	it := c.Items()[0]
	if it.Status != StatusFailed || it.Tool.Error != "patch rejected" || len(it.Tool.Changes) != 1 {
		t.Errorf("item = %+v tool = %+v", it, it.Tool)
	}
}

func TestCompletionWithoutStart(t *testing.T) {
	c := New("t1")
	c.Apply(tool(engine.EventToolCompleted, 0, engine.ToolCall{ID: "x", Name: "WebFetch", Output: "page"}))
	it := c.Items()[0]
	if it.Open || it.Tool.Duration == nil || *it.Tool.Duration != 0 {
		t.Errorf("item = %+v", it)
	}
}

func TestExploreGroupsConsecutiveCalls(t *testing.T) {
	c := New("t1")
	c.Apply(tool(engine.EventToolStarted, 0, engine.ToolCall{ID: "r1", Category: engine.ToolRead, Title: "Read go.mod"}))
	c.Apply(tool(engine.EventToolCompleted, 1, engine.ToolCall{ID: "r1"}))
	c.Apply(tool(engine.EventToolStarted, 2, engine.ToolCall{ID: "s1", Category: engine.ToolSearch, Title: "Grep TODO"}))
	c.Apply(tool(engine.EventToolCompleted, 3, engine.ToolCall{ID: "s1"}))
	c.Apply(tool(engine.EventToolStarted, 4, engine.ToolCall{ID: "b1", Category: engine.ToolCommand, Title: "make"}))

	items := c.Items()
	if len(items) != 2 {
		t.Fatalf("got %d items, want explore + tool", len(items))
	}
	want := Item{
		Kind:   KindExplore,
		TurnID: "u1",
		Status: StatusExplored,
		Steps: []ExploreStep{
			{CallID: "r1", Category: engine.ToolRead, Title: "Read go.mod", Done: true},
			{CallID: "s1", Category: engine.ToolSearch, Title: "Grep TODO", Done: true},
		},
	}
	if diff := cmp.Diff(want, items[0], ignoreIDs); diff != "" {
		t.Errorf("explore item mismatch (-want +got):\n%s", diff)
	}
	if items[1].Kind != KindTool || !items[1].Open {
		t.Errorf("tool item = %+v", items[1])
	}
}

func TestFinalizedItemsNeverChange(t *testing.T) {
	c := New("t1")
	c.Apply(text(0, "done"))
	c.Apply(ev(engine.EventTurnCompleted, 1))
	before := c.Items()

	// A late delta of the same turn must not edit the finalized message.
	c.Apply(text(2, " (late)"))
	after := c.Items()
	if after[0].Text != "done" {
		t.Errorf("finalized item edited: %q", after[0].Text)
	}
	if diff := cmp.Diff(before[0], after[0]); diff != "" {
		t.Errorf("finalized item changed (-before +after):\n%s", diff)
	}
}

func TestTurnErrorAppendsErrorItem(t *testing.T) {
	c := New("t1")
	c.Apply(tool(engine.EventToolStarted, 0, engine.ToolCall{ID: "c1", Category: engine.ToolCommand}))
	e := ev(engine.EventTurnError, 1)
	e.Error = "model overloaded"
	ch := c.Apply(e)

	items := c.Items()
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Open || items[0].Status != StatusFailed {
		t.Errorf("running tool = %+v, want failed", items[0])
	}
	if items[1].Role != RoleError || items[1].Text != "model overloaded" {
		t.Errorf("error item = %+v", items[1])
	}
	if len(ch.Items) != 2 {
		t.Errorf("change items = %v", ch.Items)
	}
}

func TestUsageIsMonotonic(t *testing.T) {
	c := New("t1")
	u := func(total int) engine.Event {
		e := ev(engine.EventUsageUpdate, 0)
		e.Usage = &engine.TokenUsage{TotalTokens: total, InputTokens: total}
		return e
	}
	if ch := c.Apply(u(100)); !ch.Usage {
		t.Error("first usage should apply")
	}
	if ch := c.Apply(u(100)); ch.Usage {
		t.Error("repeated totals should be ignored")
	}
	if ch := c.Apply(u(50)); ch.Usage {
		t.Error("regressing totals should be ignored")
	}
	c.Apply(u(150))
	if got := c.Usage(); got.TotalTokens != 150 {
		t.Errorf("Usage = %+v", got)
	}
}

func TestPlanReplacedWholesale(t *testing.T) {
	c := New("t1")
	p := ev(engine.EventPlanUpdate, 0)
	p.Plan = &engine.Plan{Steps: []engine.PlanStep{{Step: "a", Status: "pending"}, {Step: "b", Status: "pending"}}}
	c.Apply(p)
	p2 := ev(engine.EventPlanUpdate, 1)
	p2.Plan = &engine.Plan{Steps: []engine.PlanStep{{Step: "a", Status: "completed"}}}
	c.Apply(p2)

	want := &engine.Plan{Steps: []engine.PlanStep{{Step: "a", Status: "completed"}}}
	if diff := cmp.Diff(want, c.Plan()); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffUpdatesInPlaceUntilTurnEnds(t *testing.T) {
	c := New("t1")
	d := func(sec int, patch string) engine.Event {
		e := ev(engine.EventDiffUpdate, sec)
		e.Diff = &engine.Diff{Title: "Turn diff", Patch: patch}
		return e
	}
	c.Apply(d(0, "@@ -1 +1 @@"))
	c.Apply(d(1, "@@ -1,2 +1,2 @@"))
	c.Apply(ev(engine.EventTurnCompleted, 2))

	items := c.Items()
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Patch != "@@ -1,2 +1,2 @@" || items[0].Open || items[0].Status != "final" {
		t.Errorf("diff item = %+v", items[0])
	}
}

func TestRawIsPassedThrough(t *testing.T) {
	c := New("t1")
	e := ev(engine.EventRaw, 0)
	e.Method = "compact_boundary"
	ch := c.Apply(e)
	if !ch.Raw || c.Len() != 0 {
		t.Errorf("raw change = %+v, items = %d", ch, c.Len())
	}
}

func TestReviewMarkers(t *testing.T) {
	c := New("t1")
	s := ev(engine.EventReviewStarted, 0)
	s.Review = "uncommitted changes"
	c.Apply(s)
	done := ev(engine.EventReviewCompleted, 1)
	done.Review = "No issues found."
	c.Apply(done)
	items := c.Items()
	if len(items) != 2 || items[0].Phase != "started" || items[1].Phase != "completed" || items[1].Text != "No issues found." {
		t.Errorf("items = %+v", items)
	}
}

func TestReplaceFromHistory(t *testing.T) {
	c := New("t1")
	c.Apply(text(0, "stale"))
	c.Replace([]engine.HistoryEntry{
		{Role: "user", Text: "fix bug"},
		{Role: "reasoning", Text: "Looking\nmore"},
		{Role: "assistant", Text: "fixed"},
	}, at(5))

	want := []Item{
		{Kind: KindMessage, Role: RoleUser, Text: "fix bug"},
		{Kind: KindReasoning, Detail: "Looking\nmore", Summary: "Looking"},
		{Kind: KindMessage, Role: RoleAssistant, Text: "fixed"},
	}
	if diff := cmp.Diff(want, c.Items(), ignoreIDs); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	// Streaming after a refresh opens a fresh item.
	c.Apply(text(6, "new"))
	if c.Len() != 4 {
		t.Errorf("Len = %d, want 4", c.Len())
	}
}

func TestItemsAreCopies(t *testing.T) {
	c := New("t1")
	c.Apply(tool(engine.EventToolStarted, 0, engine.ToolCall{ID: "c1", Category: engine.ToolCommand}))
	items := c.Items()
	items[0].Tool.Output = "mutated"
	if got, _ := c.Item(items[0].ID); got.Tool.Output != "" {
		t.Error("Items must not alias internal state")
	}
}

func TestAppendUserClosesStream(t *testing.T) {
	c := New("t1")
	c.Apply(text(0, "partial"))
	u := c.AppendUser("next", []engine.Image{{URL: "data:image/png;base64,xx"}}, at(1))
	if u.Role != RoleUser || len(u.Images) != 1 {
		t.Errorf("user item = %+v", u)
	}
	if c.Items()[0].Open {
		t.Error("open assistant message should be finalized")
	}
}
