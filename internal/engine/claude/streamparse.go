package claude

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/engine"
)

// streamEvent is used for initial type dispatch.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// initEvent is the system/init line emitted once per process.
type initEvent struct {
	Model      string `json:"model"`
	MCPServers []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"mcp_servers"`
}

// partialEvent wraps Anthropic streaming events (--include-partial-messages).
type partialEvent struct {
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
	} `json:"event"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// messageEvent carries assistant and user messages.
type messageEvent struct {
	Message struct {
		Model   string         `json:"model"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// resultEvent ends a turn.
type resultEvent struct {
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// streamParser translates stream-json lines of one turn into engine events.
// It tracks open tool calls so completions carry the tool's name and
// category, and suppresses full assistant text already streamed as deltas.
type streamParser struct {
	threadID string
	turnID   string
	now      func() time.Time

	tools         map[string]engine.ToolCall
	sawText       bool
	sawThinking   bool
	started       bool
	finished      bool
	SessionID     string
	Model         string
	MCPServers    []string
	AssistantText strings.Builder
	usage         engine.TokenUsage
}

func newStreamParser(threadID, turnID string) *streamParser {
	return &streamParser{
		threadID: threadID,
		turnID:   turnID,
		now:      time.Now,
		tools:    make(map[string]engine.ToolCall),
	}
}

func (p *streamParser) event(kind engine.EventKind) engine.Event {
	return engine.Event{Kind: kind, ThreadID: p.threadID, TurnID: p.turnID, At: p.now()}
}

// Finished reports whether a result line ended the turn.
func (p *streamParser) Finished() bool { return p.finished }

// Parse handles one stdout line. Non-JSON lines are ignored.
func (p *streamParser) Parse(line string) []engine.Event {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil
	}
	var evt streamEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return nil
	}
	if evt.SessionID != "" {
		p.SessionID = evt.SessionID
	}

	var out []engine.Event
	if !p.started && evt.Type != "result" {
		p.started = true
		out = append(out, p.event(engine.EventTurnStarted))
	}

	switch evt.Type {
	case "system":
		if evt.Subtype == "init" {
			var ie initEvent
			if err := json.Unmarshal([]byte(line), &ie); err == nil {
				p.Model = ie.Model
				p.MCPServers = p.MCPServers[:0]
				for _, s := range ie.MCPServers {
					p.MCPServers = append(p.MCPServers, s.Name+" ("+s.Status+")")
				}
			}
			return out
		}
		return append(out, p.raw(evt.Type, line))

	case "stream_event":
		var pe partialEvent
		if err := json.Unmarshal([]byte(line), &pe); err != nil {
			return out
		}
		switch pe.Event.Type {
		case "message_start":
			p.sawText, p.sawThinking = false, false
		case "content_block_delta":
			switch pe.Event.Delta.Type {
			case "text_delta":
				p.sawText = true
				p.AssistantText.WriteString(pe.Event.Delta.Text)
				e := p.event(engine.EventTextDelta)
				e.Delta = pe.Event.Delta.Text
				out = append(out, e)
			case "thinking_delta":
				p.sawThinking = true
				e := p.event(engine.EventReasoningDelta)
				e.Delta = pe.Event.Delta.Thinking
				out = append(out, e)
			}
		}
		return out

	case "assistant":
		var me messageEvent
		if err := json.Unmarshal([]byte(line), &me); err != nil {
			return out
		}
		if me.Message.Model != "" {
			p.Model = me.Message.Model
		}
		for _, b := range me.Message.Content {
			switch b.Type {
			case "text":
				if p.sawText || b.Text == "" {
					continue
				}
				p.AssistantText.WriteString(b.Text)
				e := p.event(engine.EventTextDelta)
				e.Delta = b.Text
				out = append(out, e)
			case "thinking":
				if p.sawThinking || b.Thinking == "" {
					continue
				}
				e := p.event(engine.EventReasoningDelta)
				e.Delta = b.Thinking
				out = append(out, e)
			case "tool_use":
				tc := engine.ToolCall{
					ID:       b.ID,
					Name:     b.Name,
					Category: categorize(b.Name),
					Title:    toolTitle(b.Name, b.Input),
					Input:    string(b.Input),
				}
				p.tools[b.ID] = tc
				e := p.event(engine.EventToolStarted)
				e.Tool = &tc
				out = append(out, e)
			}
		}
		return out

	case "user":
		var me messageEvent
		if err := json.Unmarshal([]byte(line), &me); err != nil {
			return out
		}
		for _, b := range me.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			tc, ok := p.tools[b.ToolUseID]
			if !ok {
				tc = engine.ToolCall{ID: b.ToolUseID, Category: engine.ToolOther}
			}
			delete(p.tools, b.ToolUseID)
			output := toolResultText(b.Content)
			if b.IsError {
				tc.Error = output
			} else {
				tc.Output = output
			}
			e := p.event(engine.EventToolCompleted)
			e.Tool = &tc
			out = append(out, e)
		}
		return out

	case "result":
		var r resultEvent
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return out
		}
		p.finished = true
		p.usage.InputTokens += r.Usage.InputTokens + r.Usage.CacheCreationInputTokens
		p.usage.CachedInputTokens += r.Usage.CacheReadInputTokens
		p.usage.OutputTokens += r.Usage.OutputTokens
		p.usage.TotalTokens = p.usage.InputTokens + p.usage.CachedInputTokens + p.usage.OutputTokens
		if p.usage.TotalTokens > 0 {
			u := p.usage
			e := p.event(engine.EventUsageUpdate)
			e.Usage = &u
			out = append(out, e)
		}
		if r.IsError || (evt.Subtype != "" && evt.Subtype != "success") {
			e := p.event(engine.EventTurnError)
			e.Error = r.Result
			if e.Error == "" {
				e.Error = evt.Subtype
			}
			return append(out, e)
		}
		return append(out, p.event(engine.EventTurnCompleted))
	}

	return append(out, p.raw(evt.Type, line))
}

func (p *streamParser) raw(method, line string) engine.Event {
	e := p.event(engine.EventRaw)
	e.Method = method
	e.Raw = json.RawMessage(line)
	return e
}

// categorize maps Claude tool names to tool categories.
func categorize(name string) engine.ToolCategory {
	switch name {
	case "Read", "NotebookRead":
		return engine.ToolRead
	case "Grep", "Glob":
		return engine.ToolSearch
	case "LS":
		return engine.ToolList
	case "Bash", "BashOutput", "KillShell":
		return engine.ToolCommand
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		return engine.ToolFileChange
	case "WebSearch", "WebFetch":
		return engine.ToolWebSearch
	}
	if strings.HasPrefix(name, "mcp__") {
		return engine.ToolMCP
	}
	return engine.ToolOther
}

// toolTitle extracts a one-line summary from a tool's input.
func toolTitle(name string, input json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return name
	}
	for _, k := range []string{"command", "file_path", "pattern", "path", "url", "query"} {
		if v, ok := fields[k].(string); ok && v != "" {
			return name + " " + v
		}
	}
	return name
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(blk.Text)
	}
	return b.String()
}
