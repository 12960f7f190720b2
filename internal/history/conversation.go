package history

import (
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/engine"
)

// Change describes what one Apply call touched.
type Change struct {
	Items []string // IDs of appended or updated items
	Usage bool
	Plan  bool
	Raw   bool // event passed through uninterpreted
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Items) == 0 && !c.Usage && !c.Plan && !c.Raw
}

// Conversation is one thread's reconciled history. It is not safe for
// concurrent use; the owning workspace serializes access.
type Conversation struct {
	threadID string
	items    []Item
	index    map[string]int // item ID -> position
	seq      int

	stream  int            // position of the open message/reasoning item, -1 if none
	explore int            // position of the open explore item, -1 if none
	diff    int            // position of the open diff item, -1 if none
	tools   map[string]int // open tool call ID -> position

	usage *engine.TokenUsage
	plan  *engine.Plan
}

// New creates an empty conversation for threadID.
func New(threadID string) *Conversation {
	return &Conversation{
		threadID: threadID,
		index:    make(map[string]int),
		stream:   -1,
		explore:  -1,
		diff:     -1,
		tools:    make(map[string]int),
	}
}

// ThreadID returns the owning thread.
func (c *Conversation) ThreadID() string { return c.threadID }

func (c *Conversation) append(it Item) int {
	c.seq++
	it.ID = c.threadID + "-" + strconv.Itoa(c.seq)
	c.items = append(c.items, it)
	pos := len(c.items) - 1
	c.index[it.ID] = pos
	return pos
}

// Apply folds one event into the conversation. Events must belong to this
// conversation's thread and arrive in engine order.
func (c *Conversation) Apply(evt engine.Event) Change {
	switch evt.Kind {
	case engine.EventTurnStarted:
		// Items of an earlier turn never receive this turn's deltas.
		return Change{Items: c.closeStreams()}

	case engine.EventTextDelta:
		return c.delta(evt, KindMessage)

	case engine.EventReasoningDelta:
		return c.delta(evt, KindReasoning)

	case engine.EventToolStarted:
		if evt.Tool == nil {
			return Change{}
		}
		return c.toolStarted(evt)

	case engine.EventToolCompleted:
		if evt.Tool == nil {
			return Change{}
		}
		return c.toolCompleted(evt)

	case engine.EventDiffUpdate:
		if evt.Diff == nil {
			return Change{}
		}
		return c.diffUpdate(evt)

	case engine.EventReviewStarted, engine.EventReviewCompleted:
		ids := c.closeStreams()
		phase := "started"
		if evt.Kind == engine.EventReviewCompleted {
			phase = "completed"
		}
		pos := c.append(Item{Kind: KindReview, TurnID: evt.TurnID, CreatedAt: evt.At, Phase: phase, Text: evt.Review})
		return Change{Items: append(ids, c.items[pos].ID)}

	case engine.EventUsageUpdate:
		if evt.Usage == nil {
			return Change{}
		}
		if c.usage != nil && evt.Usage.TotalTokens <= c.usage.TotalTokens {
			return Change{}
		}
		u := *evt.Usage
		c.usage = &u
		return Change{Usage: true}

	case engine.EventPlanUpdate:
		if evt.Plan == nil {
			return Change{}
		}
		p := *evt.Plan
		p.Steps = append([]engine.PlanStep(nil), evt.Plan.Steps...)
		c.plan = &p
		return Change{Plan: true}

	case engine.EventTurnCompleted:
		return Change{Items: c.FinalizeTurn(StatusIncomplete)}

	case engine.EventTurnError:
		ids := c.FinalizeTurn(StatusFailed)
		msg := evt.Error
		if msg == "" {
			msg = "turn failed"
		}
		return Change{Items: append(ids, c.AppendError(evt.TurnID, msg, evt.At).ID)}

	case engine.EventSessionEnded:
		return Change{Items: c.FinalizeTurn(StatusIncomplete)}

	case engine.EventRaw:
		return Change{Raw: true}
	}
	return Change{}
}

// delta appends to the open item of the same kind and turn, or opens a new
// one, closing whatever streamed before.
func (c *Conversation) delta(evt engine.Event, kind Kind) Change {
	if evt.Delta == "" {
		return Change{}
	}
	if c.stream >= 0 {
		cur := &c.items[c.stream]
		if cur.Open && cur.Kind == kind && cur.TurnID == evt.TurnID {
			appendDelta(cur, evt.Delta)
			return Change{Items: []string{cur.ID}}
		}
	}
	ids := c.closeStreams()
	it := Item{Kind: kind, TurnID: evt.TurnID, Open: true, CreatedAt: evt.At}
	if kind == KindMessage {
		it.Role = RoleAssistant
	}
	appendDelta(&it, evt.Delta)
	c.stream = c.append(it)
	return Change{Items: append(ids, c.items[c.stream].ID)}
}

func appendDelta(it *Item, delta string) {
	if it.Kind == KindReasoning {
		it.Detail += delta
		return
	}
	it.Text += delta
}

// closeStreams finalizes the open message/reasoning and explore items.
func (c *Conversation) closeStreams() []string {
	var ids []string
	if c.stream >= 0 {
		it := &c.items[c.stream]
		if it.Open {
			finalize(it)
			ids = append(ids, it.ID)
		}
		c.stream = -1
	}
	if c.explore >= 0 {
		it := &c.items[c.explore]
		if it.Open {
			finalize(it)
			ids = append(ids, it.ID)
		}
		c.explore = -1
	}
	return ids
}

func finalize(it *Item) {
	it.Open = false
	switch it.Kind {
	case KindReasoning:
		it.Summary = summarize(it.Detail)
	case KindExplore:
		it.Status = StatusExplored
	}
}

// summarize takes the first non-empty line of reasoning, without markdown
// emphasis.
func summarize(detail string) string {
	for _, line := range strings.Split(detail, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*#"))
		if line != "" {
			return line
		}
	}
	return ""
}

func (c *Conversation) toolStarted(evt engine.Event) Change {
	tc := evt.Tool
	if tc.Category.Exploring() {
		var ids []string
		if c.stream >= 0 {
			ids = c.closeStream()
		}
		if c.explore >= 0 && c.items[c.explore].Open {
			it := &c.items[c.explore]
			it.Steps = append(it.Steps, ExploreStep{CallID: tc.ID, Category: tc.Category, Title: tc.Title})
			c.tools[tc.ID] = c.explore
			return Change{Items: append(ids, it.ID)}
		}
		pos := c.append(Item{
			Kind:      KindExplore,
			TurnID:    evt.TurnID,
			Open:      true,
			CreatedAt: evt.At,
			Status:    StatusExploring,
			Steps:     []ExploreStep{{CallID: tc.ID, Category: tc.Category, Title: tc.Title}},
		})
		c.explore = pos
		c.tools[tc.ID] = pos
		return Change{Items: append(ids, c.items[pos].ID)}
	}

	ids := c.closeStreams()
	pos := c.append(Item{
		Kind:      KindTool,
		TurnID:    evt.TurnID,
		Open:      true,
		CreatedAt: evt.At,
		Status:    StatusRunning,
		Tool: &ToolDetail{
			CallID:    tc.ID,
			Name:      tc.Name,
			Category:  tc.Category,
			Title:     tc.Title,
			Input:     tc.Input,
			StartedAt: evt.At,
		},
	})
	c.tools[tc.ID] = pos
	return Change{Items: append(ids, c.items[pos].ID)}
}

// closeStream finalizes only the open message/reasoning item.
func (c *Conversation) closeStream() []string {
	it := &c.items[c.stream]
	c.stream = -1
	if !it.Open {
		return nil
	}
	finalize(it)
	return []string{it.ID}
}

func (c *Conversation) toolCompleted(evt engine.Event) Change {
	tc := evt.Tool
	pos, ok := c.tools[tc.ID]
	if !ok {
		// Completion without a start: record it as a finished tool item.
		ids := c.closeStreams()
		zero := time.Duration(0)
		pos = c.append(Item{
			Kind:      KindTool,
			TurnID:    evt.TurnID,
			CreatedAt: evt.At,
			Status:    toolStatus(tc),
			Tool: &ToolDetail{
				CallID: tc.ID, Name: tc.Name, Category: tc.Category, Title: tc.Title,
				Input: tc.Input, Output: tc.Output, Error: tc.Error,
				Changes: append([]engine.FileChange(nil), tc.Changes...), StartedAt: evt.At, Duration: &zero,
			},
		})
		return Change{Items: append(ids, c.items[pos].ID)}
	}
	delete(c.tools, tc.ID)
	it := &c.items[pos]
	if !it.Open {
		return Change{}
	}

	if it.Kind == KindExplore {
		for i := range it.Steps {
			if it.Steps[i].CallID == tc.ID {
				it.Steps[i].Done = true
				it.Steps[i].Error = tc.Error
			}
		}
		return Change{Items: []string{it.ID}}
	}

	d := evt.At.Sub(it.Tool.StartedAt)
	if d < 0 {
		d = 0
	}
	it.Tool.Duration = &d
	it.Tool.Output = tc.Output
	it.Tool.Error = tc.Error
	if len(tc.Changes) > 0 {
		it.Tool.Changes = append([]engine.FileChange(nil), tc.Changes...)
	}
	if tc.Title != "" {
		it.Tool.Title = tc.Title
	}
	it.Status = toolStatus(tc)
	it.Open = false
	return Change{Items: []string{it.ID}}
}

func toolStatus(tc *engine.ToolCall) string {
	if tc.Error != "" {
		return StatusFailed
	}
	return StatusCompleted
}

func (c *Conversation) diffUpdate(evt engine.Event) Change {
	if c.diff >= 0 {
		it := &c.items[c.diff]
		if it.Open && it.TurnID == evt.TurnID {
			it.Patch = evt.Diff.Patch
			if evt.Diff.Title != "" {
				it.Title = evt.Diff.Title
			}
			return Change{Items: []string{it.ID}}
		}
	}
	ids := c.closeStreams()
	pos := c.append(Item{
		Kind:      KindDiff,
		TurnID:    evt.TurnID,
		Open:      true,
		CreatedAt: evt.At,
		Title:     evt.Diff.Title,
		Patch:     evt.Diff.Patch,
		Status:    "pending",
	})
	c.diff = pos
	return Change{Items: append(ids, c.items[pos].ID)}
}

// FinalizeTurn closes every open item. Tools still running get status.
func (c *Conversation) FinalizeTurn(status string) []string {
	ids := c.closeStreams()
	for callID, pos := range c.tools {
		it := &c.items[pos]
		delete(c.tools, callID)
		if !it.Open || it.Kind != KindTool {
			continue
		}
		it.Open = false
		it.Status = status
		ids = append(ids, it.ID)
	}
	if c.diff >= 0 {
		it := &c.items[c.diff]
		if it.Open {
			it.Open = false
			it.Status = "final"
			ids = append(ids, it.ID)
		}
		c.diff = -1
	}
	return ids
}

// AppendUser appends the operator's message as a finalized item.
func (c *Conversation) AppendUser(text string, images []engine.Image, at time.Time) Item {
	c.closeStreams()
	pos := c.append(Item{
		Kind:      KindMessage,
		Role:      RoleUser,
		Text:      text,
		Images:    append([]engine.Image(nil), images...),
		CreatedAt: at,
	})
	return c.items[pos].clone()
}

// AppendAssistant appends finalized assistant text (status and MCP
// preambles).
func (c *Conversation) AppendAssistant(text string, at time.Time) Item {
	c.closeStreams()
	pos := c.append(Item{Kind: KindMessage, Role: RoleAssistant, Text: text, CreatedAt: at})
	return c.items[pos].clone()
}

// AppendError surfaces an engine failure as a terminal item.
func (c *Conversation) AppendError(turnID, msg string, at time.Time) Item {
	c.closeStreams()
	pos := c.append(Item{Kind: KindMessage, Role: RoleError, TurnID: turnID, Text: msg, CreatedAt: at})
	return c.items[pos].clone()
}

// Replace discards local items and rebuilds them from authoritative engine
// history. Aggregates are kept.
func (c *Conversation) Replace(entries []engine.HistoryEntry, at time.Time) {
	c.items = nil
	c.index = make(map[string]int)
	c.stream, c.explore, c.diff = -1, -1, -1
	c.tools = make(map[string]int)
	for _, e := range entries {
		it := Item{Kind: KindMessage, Text: e.Text, CreatedAt: at}
		switch e.Role {
		case "user":
			it.Role = RoleUser
		case "reasoning":
			it = Item{Kind: KindReasoning, Detail: e.Text, Summary: summarize(e.Text), CreatedAt: at}
		default:
			it.Role = RoleAssistant
		}
		c.append(it)
	}
}

// Items returns a copy of every item in order.
func (c *Conversation) Items() []Item {
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = it.clone()
	}
	return out
}

// Item returns a copy of the item with id.
func (c *Conversation) Item(id string) (Item, bool) {
	pos, ok := c.index[id]
	if !ok {
		return Item{}, false
	}
	return c.items[pos].clone(), true
}

// Len returns the number of items.
func (c *Conversation) Len() int { return len(c.items) }

// Usage returns the latest token usage, or nil.
func (c *Conversation) Usage() *engine.TokenUsage {
	if c.usage == nil {
		return nil
	}
	u := *c.usage
	return &u
}

// Plan returns the latest plan, or nil.
func (c *Conversation) Plan() *engine.Plan {
	if c.plan == nil {
		return nil
	}
	p := *c.plan
	p.Steps = append([]engine.PlanStep(nil), c.plan.Steps...)
	return &p
}
