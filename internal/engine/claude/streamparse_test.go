package claude

import (
	"testing"

	"github.com/zulandar/switchboard/internal/engine"
)

func parseAll(p *streamParser, lines ...string) []engine.Event {
	var out []engine.Event
	for _, l := range lines {
		out = append(out, p.Parse(l)...)
	}
	return out
}

func kinds(evts []engine.Event) []engine.EventKind {
	out := make([]engine.EventKind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func TestParse_IgnoresNonJSON(t *testing.T) {
	p := newStreamParser("th", "tu")
	if evts := p.Parse("some debug line"); len(evts) != 0 {
		t.Errorf("got %d events, want 0", len(evts))
	}
	if evts := p.Parse(""); len(evts) != 0 {
		t.Errorf("got %d events for empty line, want 0", len(evts))
	}
}

func TestParse_InitStartsTurn(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := p.Parse(`{"type":"system","subtype":"init","session_id":"s1","model":"claude-opus-4-6","mcp_servers":[{"name":"fs","status":"connected"}]}`)
	if len(evts) != 1 || evts[0].Kind != engine.EventTurnStarted {
		t.Fatalf("events = %v, want [turnStarted]", kinds(evts))
	}
	if evts[0].ThreadID != "th" || evts[0].TurnID != "tu" {
		t.Errorf("ids = %q/%q, want th/tu", evts[0].ThreadID, evts[0].TurnID)
	}
	if p.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", p.SessionID)
	}
	if p.Model != "claude-opus-4-6" {
		t.Errorf("Model = %q", p.Model)
	}
	if len(p.MCPServers) != 1 || p.MCPServers[0] != "fs (connected)" {
		t.Errorf("MCPServers = %v", p.MCPServers)
	}
}

func TestParse_PartialDeltasSuppressFullText(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := parseAll(p,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"stream_event","event":{"type":"message_start"}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`,
		`{"type":"assistant","message":{"model":"m","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Hello"}]}}`,
	)
	want := []engine.EventKind{engine.EventTurnStarted, engine.EventReasoningDelta, engine.EventTextDelta, engine.EventTextDelta}
	got := kinds(evts)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if p.AssistantText.String() != "Hello" {
		t.Errorf("AssistantText = %q, want Hello", p.AssistantText.String())
	}
}

func TestParse_FullTextWithoutPartials(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := parseAll(p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done."}]}}`,
	)
	if len(evts) != 2 || evts[1].Kind != engine.EventTextDelta || evts[1].Delta != "Done." {
		t.Fatalf("events = %+v", evts)
	}
}

func TestParse_ToolLifecycle(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := parseAll(p,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tool_1","name":"Bash","input":{"command":"go test ./..."}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tool_1","content":"ok  pkg 0.1s"}]}}`,
	)
	if len(evts) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(evts), kinds(evts))
	}
	start, done := evts[1], evts[2]
	if start.Kind != engine.EventToolStarted || start.Tool.Category != engine.ToolCommand {
		t.Errorf("start = %+v", start)
	}
	if start.Tool.Title != "Bash go test ./..." {
		t.Errorf("title = %q", start.Tool.Title)
	}
	if done.Kind != engine.EventToolCompleted || done.Tool.Name != "Bash" || done.Tool.Output != "ok  pkg 0.1s" {
		t.Errorf("done = %+v", done.Tool)
	}
}

func TestParse_ToolResultErrorBlocks(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := parseAll(p,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Read","input":{"file_path":"/x"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t2","is_error":true,"content":[{"type":"text","text":"no such file"}]}]}}`,
	)
	done := evts[len(evts)-1]
	if done.Tool.Error != "no such file" || done.Tool.Output != "" {
		t.Errorf("tool = %+v, want error only", done.Tool)
	}
	if done.Tool.Category != engine.ToolRead {
		t.Errorf("category = %s, want read", done.Tool.Category)
	}
}

func TestParse_ResultSuccess(t *testing.T) {
	p := newStreamParser("th", "tu")
	p.usage = engine.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	evts := parseAll(p,
		`{"type":"system","subtype":"init"}`,
		`{"type":"result","subtype":"success","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":20}}`,
	)
	if !p.Finished() {
		t.Error("Finished() = false after result")
	}
	usage := evts[1]
	if usage.Kind != engine.EventUsageUpdate {
		t.Fatalf("events = %v", kinds(evts))
	}
	if usage.Usage.InputTokens != 110 || usage.Usage.OutputTokens != 55 || usage.Usage.CachedInputTokens != 20 {
		t.Errorf("usage = %+v", usage.Usage)
	}
	if usage.Usage.TotalTokens != 185 {
		t.Errorf("TotalTokens = %d, want 185", usage.Usage.TotalTokens)
	}
	if evts[2].Kind != engine.EventTurnCompleted {
		t.Errorf("last = %s, want turnCompleted", evts[2].Kind)
	}
}

func TestParse_ResultError(t *testing.T) {
	p := newStreamParser("th", "tu")
	evts := p.Parse(`{"type":"result","subtype":"error_max_turns","is_error":true}`)
	last := evts[len(evts)-1]
	if last.Kind != engine.EventTurnError || last.Error != "error_max_turns" {
		t.Errorf("last = %+v", last)
	}
}

func TestParse_UnknownTypeIsRaw(t *testing.T) {
	p := newStreamParser("th", "tu")
	p.started = true
	evts := p.Parse(`{"type":"compact_boundary","x":1}`)
	if len(evts) != 1 || evts[0].Kind != engine.EventRaw || evts[0].Method != "compact_boundary" {
		t.Fatalf("events = %+v", evts)
	}
}

func TestCategorize(t *testing.T) {
	tests := map[string]engine.ToolCategory{
		"Read":          engine.ToolRead,
		"Grep":          engine.ToolSearch,
		"Glob":          engine.ToolSearch,
		"LS":            engine.ToolList,
		"Bash":          engine.ToolCommand,
		"Edit":          engine.ToolFileChange,
		"WebFetch":      engine.ToolWebSearch,
		"mcp__gh__list": engine.ToolMCP,
		"Task":          engine.ToolOther,
	}
	for name, want := range tests {
		if got := categorize(name); got != want {
			t.Errorf("categorize(%q) = %s, want %s", name, got, want)
		}
	}
}
