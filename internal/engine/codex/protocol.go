package codex

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/engine"
)

// Wire types for the subset of the app-server protocol the adapter uses.

type wireThread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview"`
	Name      string `json:"name,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Turns     []struct {
		ID    string     `json:"id"`
		Items []wireItem `json:"items"`
	} `json:"turns,omitempty"`
}

type threadResult struct {
	Thread wireThread `json:"thread"`
}

type threadListResult struct {
	Data       []wireThread `json:"data"`
	NextCursor *string      `json:"nextCursor"`
}

type turnResult struct {
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

type wireUserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

type wireItem struct {
	Type             string            `json:"type"`
	ID               string            `json:"id"`
	Text             string            `json:"text,omitempty"`
	Content          []wireUserInput   `json:"content,omitempty"`
	Summary          []string          `json:"summary,omitempty"`
	Command          string            `json:"command,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	AggregatedOutput string            `json:"aggregatedOutput,omitempty"`
	ExitCode         *int              `json:"exitCode,omitempty"`
	Status           string            `json:"status,omitempty"`
	Changes          []wireFileChange  `json:"changes,omitempty"`
	Server           string            `json:"server,omitempty"`
	Tool             string            `json:"tool,omitempty"`
	Arguments        json.RawMessage   `json:"arguments,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            *wireErrorMessage `json:"error,omitempty"`
	Query            string            `json:"query,omitempty"`
	Review           string            `json:"review,omitempty"`
	CommandActions   []struct {
		Type string `json:"type"`
	} `json:"commandActions,omitempty"`
}

type wireFileChange struct {
	Path string `json:"path"`
	Kind struct {
		Type string `json:"type"`
	} `json:"kind"`
	Diff string `json:"diff"`
}

type wireErrorMessage struct {
	Message string `json:"message"`
}

type itemNotification struct {
	ThreadID string   `json:"threadId"`
	TurnID   string   `json:"turnId"`
	Item     wireItem `json:"item"`
}

type deltaNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

type turnNotification struct {
	ThreadID string `json:"threadId"`
	Turn     struct {
		ID     string            `json:"id"`
		Status string            `json:"status"`
		Error  *wireErrorMessage `json:"error"`
	} `json:"turn"`
}

type errorNotification struct {
	ThreadID  string           `json:"threadId"`
	TurnID    string           `json:"turnId"`
	WillRetry bool             `json:"willRetry"`
	Error     wireErrorMessage `json:"error"`
}

type wireTokenBreakdown struct {
	TotalTokens           int `json:"totalTokens"`
	InputTokens           int `json:"inputTokens"`
	CachedInputTokens     int `json:"cachedInputTokens"`
	OutputTokens          int `json:"outputTokens"`
	ReasoningOutputTokens int `json:"reasoningOutputTokens"`
}

type tokenUsageNotification struct {
	ThreadID   string `json:"threadId"`
	TurnID     string `json:"turnId"`
	TokenUsage struct {
		Total              wireTokenBreakdown `json:"total"`
		ModelContextWindow *int               `json:"modelContextWindow"`
	} `json:"tokenUsage"`
}

type planNotification struct {
	ThreadID    string `json:"threadId"`
	TurnID      string `json:"turnId"`
	Explanation string `json:"explanation"`
	Plan        []struct {
		Step   string `json:"step"`
		Status string `json:"status"`
	} `json:"plan"`
}

type diffNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Diff     string `json:"diff"`
}

type wireRateLimitWindow struct {
	UsedPercent        float64 `json:"usedPercent"`
	WindowDurationMins *int    `json:"windowDurationMins"`
	ResetsAt           *int64  `json:"resetsAt"`
}

type wireRateLimits struct {
	Primary   *wireRateLimitWindow `json:"primary"`
	Secondary *wireRateLimitWindow `json:"secondary"`
}

type rateLimitsNotification struct {
	RateLimits wireRateLimits `json:"rateLimits"`
}

type approvalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Reason   string `json:"reason"`
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
}

type userInputParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Questions []struct {
		ID       string `json:"id"`
		Header   string `json:"header"`
		Question string `json:"question"`
		Options  []struct {
			Label string `json:"label"`
		} `json:"options"`
		MultiSelect bool `json:"multiSelect"`
	} `json:"questions"`
}

type accountResult struct {
	Account *struct {
		Type     string `json:"type"`
		Email    string `json:"email"`
		PlanType string `json:"planType"`
	} `json:"account"`
}

type rateLimitsResult struct {
	RateLimits wireRateLimits `json:"rateLimits"`
}

type mcpStatusResult struct {
	Data []struct {
		Name       string         `json:"name"`
		Tools      map[string]any `json:"tools"`
		AuthStatus string         `json:"authStatus"`
	} `json:"data"`
}

// translator converts app-server notifications into engine events.
type translator struct {
	now func() time.Time
}

func (t translator) event(kind engine.EventKind, threadID, turnID string) engine.Event {
	return engine.Event{Kind: kind, ThreadID: threadID, TurnID: turnID, At: t.now()}
}

// Notification maps one notification to zero or more events.
func (t translator) Notification(method string, params json.RawMessage) []engine.Event {
	switch method {
	case "thread/started":
		var p threadResult
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		return []engine.Event{t.event(engine.EventSessionStarted, p.Thread.ID, "")}

	case "turn/started":
		var p turnNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		return []engine.Event{t.event(engine.EventTurnStarted, p.ThreadID, p.Turn.ID)}

	case "turn/completed":
		var p turnNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		if p.Turn.Status == "failed" {
			e := t.event(engine.EventTurnError, p.ThreadID, p.Turn.ID)
			e.Error = "turn failed"
			if p.Turn.Error != nil && p.Turn.Error.Message != "" {
				e.Error = p.Turn.Error.Message
			}
			return []engine.Event{e}
		}
		return []engine.Event{t.event(engine.EventTurnCompleted, p.ThreadID, p.Turn.ID)}

	case "item/agentMessage/delta":
		var p deltaNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		e := t.event(engine.EventTextDelta, p.ThreadID, p.TurnID)
		e.Delta = p.Delta
		return []engine.Event{e}

	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta":
		var p deltaNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		e := t.event(engine.EventReasoningDelta, p.ThreadID, p.TurnID)
		e.Delta = p.Delta
		return []engine.Event{e}

	case "item/started", "item/completed":
		var p itemNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		return t.item(method == "item/completed", p)

	case "error":
		var p errorNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		if p.WillRetry {
			return []engine.Event{t.raw(method, params)}
		}
		e := t.event(engine.EventTurnError, p.ThreadID, p.TurnID)
		e.Error = p.Error.Message
		return []engine.Event{e}

	case "thread/tokenUsage/updated":
		var p tokenUsageNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		tot := p.TokenUsage.Total
		u := engine.TokenUsage{
			InputTokens:       tot.InputTokens,
			CachedInputTokens: tot.CachedInputTokens,
			OutputTokens:      tot.OutputTokens,
			ReasoningTokens:   tot.ReasoningOutputTokens,
			TotalTokens:       tot.TotalTokens,
		}
		if p.TokenUsage.ModelContextWindow != nil {
			u.ContextWindow = *p.TokenUsage.ModelContextWindow
		}
		e := t.event(engine.EventUsageUpdate, p.ThreadID, p.TurnID)
		e.Usage = &u
		return []engine.Event{e}

	case "turn/plan/updated":
		var p planNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		plan := engine.Plan{Explanation: p.Explanation}
		for _, s := range p.Plan {
			plan.Steps = append(plan.Steps, engine.PlanStep{Step: s.Step, Status: s.Status})
		}
		e := t.event(engine.EventPlanUpdate, p.ThreadID, p.TurnID)
		e.Plan = &plan
		return []engine.Event{e}

	case "turn/diff/updated":
		var p diffNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		e := t.event(engine.EventDiffUpdate, p.ThreadID, p.TurnID)
		e.Diff = &engine.Diff{Title: "Turn diff", Patch: p.Diff}
		return []engine.Event{e}

	case "account/rateLimits/updated":
		var p rateLimitsNotification
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		rl := convertRateLimits(p.RateLimits)
		e := t.event(engine.EventRateLimits, "", "")
		e.RateLimits = &rl
		return []engine.Event{e}
	}
	return []engine.Event{t.raw(method, params)}
}

// item maps item/started and item/completed. Message and reasoning items
// are carried by their deltas.
func (t translator) item(completed bool, p itemNotification) []engine.Event {
	it := p.Item
	switch it.Type {
	case "agentMessage", "reasoning", "userMessage":
		return nil
	case "enteredReviewMode":
		e := t.event(engine.EventReviewStarted, p.ThreadID, p.TurnID)
		e.Review = it.Review
		return []engine.Event{e}
	case "exitedReviewMode":
		if !completed {
			return nil
		}
		e := t.event(engine.EventReviewCompleted, p.ThreadID, p.TurnID)
		e.Review = it.Review
		return []engine.Event{e}
	}

	tc := toolCall(it)
	kind := engine.EventToolStarted
	if completed {
		kind = engine.EventToolCompleted
	}
	e := t.event(kind, p.ThreadID, p.TurnID)
	e.Tool = &tc
	return []engine.Event{e}
}

func (t translator) raw(method string, params json.RawMessage) engine.Event {
	e := t.event(engine.EventRaw, "", "")
	var ids struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}
	if json.Unmarshal(params, &ids) == nil {
		e.ThreadID, e.TurnID = ids.ThreadID, ids.TurnID
	}
	e.Method = method
	e.Raw = params
	return e
}

// toolCall converts a tool-like item.
func toolCall(it wireItem) engine.ToolCall {
	tc := engine.ToolCall{ID: it.ID, Name: it.Type, Category: engine.ToolOther}
	if it.Error != nil {
		tc.Error = it.Error.Message
	}
	switch it.Type {
	case "commandExecution":
		tc.Category = commandCategory(it)
		tc.Title = it.Command
		tc.Input = it.Command
		tc.Output = it.AggregatedOutput
		if it.Status == "failed" && tc.Error == "" {
			tc.Error = "command failed"
			if it.ExitCode != nil {
				tc.Error = "exit code " + strconv.Itoa(*it.ExitCode)
			}
		}
		if it.Status == "declined" && tc.Error == "" {
			tc.Error = "declined"
		}
	case "fileChange":
		tc.Category = engine.ToolFileChange
		paths := make([]string, 0, len(it.Changes))
		for _, c := range it.Changes {
			tc.Changes = append(tc.Changes, engine.FileChange{Path: c.Path, Kind: c.Kind.Type, Diff: c.Diff})
			paths = append(paths, c.Path)
		}
		tc.Title = strings.Join(paths, ", ")
		if it.Status == "failed" && tc.Error == "" {
			tc.Error = "patch failed"
		}
	case "mcpToolCall":
		tc.Category = engine.ToolMCP
		tc.Name = it.Server + "/" + it.Tool
		tc.Title = tc.Name
		tc.Input = string(it.Arguments)
		if len(it.Result) > 0 && string(it.Result) != "null" {
			tc.Output = string(it.Result)
		}
	case "webSearch":
		tc.Category = engine.ToolWebSearch
		tc.Title = it.Query
		tc.Input = it.Query
	}
	return tc
}

// commandCategory narrates read-only commands as exploration when the
// server parsed them as read/search/list actions.
func commandCategory(it wireItem) engine.ToolCategory {
	if len(it.CommandActions) == 0 {
		return engine.ToolCommand
	}
	cat := engine.ToolOther
	for _, a := range it.CommandActions {
		var c engine.ToolCategory
		switch a.Type {
		case "read":
			c = engine.ToolRead
		case "search":
			c = engine.ToolSearch
		case "listFiles":
			c = engine.ToolList
		default:
			return engine.ToolCommand
		}
		if cat == engine.ToolOther {
			cat = c
		}
	}
	return cat
}

func convertRateLimits(w wireRateLimits) engine.RateLimits {
	conv := func(in *wireRateLimitWindow) *engine.RateLimitWindow {
		if in == nil {
			return nil
		}
		out := &engine.RateLimitWindow{UsedPercent: in.UsedPercent}
		if in.WindowDurationMins != nil {
			out.WindowMinutes = *in.WindowDurationMins
		}
		if in.ResetsAt != nil {
			ts := time.Unix(*in.ResetsAt, 0)
			out.ResetsAt = &ts
		}
		return out
	}
	return engine.RateLimits{Primary: conv(w.Primary), Secondary: conv(w.Secondary)}
}

// threadInfo converts a wire thread.
func threadInfo(engineName string, w wireThread) engine.ThreadInfo {
	info := engine.ThreadInfo{ID: w.ID, Name: w.Name, Engine: engineName, Cwd: w.Cwd}
	if info.Name == "" {
		info.Name = w.Preview
	}
	switch {
	case w.UpdatedAt > 0:
		info.UpdatedAt = time.Unix(w.UpdatedAt, 0)
	case w.CreatedAt > 0:
		info.UpdatedAt = time.Unix(w.CreatedAt, 0)
	}
	for _, turn := range w.Turns {
		for _, it := range turn.Items {
			switch it.Type {
			case "userMessage":
				var parts []string
				for _, c := range it.Content {
					if c.Type == "text" {
						parts = append(parts, c.Text)
					}
				}
				info.History = append(info.History, engine.HistoryEntry{Role: "user", Text: strings.Join(parts, "\n")})
			case "agentMessage":
				info.History = append(info.History, engine.HistoryEntry{Role: "assistant", Text: it.Text})
			case "reasoning":
				if len(it.Summary) > 0 {
					info.History = append(info.History, engine.HistoryEntry{Role: "reasoning", Text: strings.Join(it.Summary, "\n")})
				}
			}
		}
	}
	return info
}
