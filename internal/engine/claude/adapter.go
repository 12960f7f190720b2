// Package claude implements the engine Adapter on top of the Claude Code CLI.
// Every turn runs one CLI subprocess in stream-json mode; the thread ID is
// the CLI session ID so later turns continue it with --resume.
package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/engine"
)

const (
	// maxLineBytes bounds a single stream-json line.
	maxLineBytes = 4 * 1024 * 1024
	// waitDelay is how long a cancelled process gets before SIGKILL.
	waitDelay = 10 * time.Second
	// defaultPageSize is used by ListThreads when limit is not positive.
	defaultPageSize = 20
)

// AdapterOpts holds parameters for creating a Claude Adapter.
type AdapterOpts struct {
	Name   string   // engine name; defaults to "claude"
	Binary string   // path to claude binary; defaults to "claude"
	Model  string   // default model
	Args   []string // extra CLI args appended to every invocation
	Logger zerolog.Logger
}

// Adapter implements engine.Adapter for the Claude CLI.
type Adapter struct {
	name   string
	binary string
	model  string
	args   []string
	log    zerolog.Logger
	events chan engine.Event

	mu      sync.Mutex
	closed  bool
	threads map[string]*thread
	wg      sync.WaitGroup
}

// thread is the adapter's per-session state.
type thread struct {
	info     engine.ThreadInfo
	params   engine.StartParams
	started  bool   // a turn has run; later turns use --resume
	forkFrom string // first turn forks this session
	usage    engine.TokenUsage
	running  *turnProcess
}

// turnProcess is one running CLI invocation.
type turnProcess struct {
	turnID      string
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	interrupted bool
	done        chan struct{}
}

// New creates a Claude Adapter.
func New(opts AdapterOpts) *Adapter {
	name := opts.Name
	if name == "" {
		name = "claude"
	}
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}
	return &Adapter{
		name:    name,
		binary:  binary,
		model:   opts.Model,
		args:    opts.Args,
		log:     opts.Logger.With().Str("engine", name).Logger(),
		events:  make(chan engine.Event, 256),
		threads: make(map[string]*thread),
	}
}

func (a *Adapter) Name() string { return a.name }

// Capabilities: the CLI streams text and thinking and runs tools, but print
// mode cannot take images or pause for interactive approval.
func (a *Adapter) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Streaming:           true,
		Reasoning:           true,
		ToolUse:             true,
		ImageInput:          false,
		SessionContinuation: true,
		Approvals:           false,
	}
}

// Start registers a new session. The process is spawned on the first Send.
func (a *Adapter) Start(ctx context.Context, params engine.StartParams) (engine.ThreadInfo, error) {
	if _, err := exec.LookPath(a.binary); err != nil {
		return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return engine.ThreadInfo{}, engine.ErrClosed
	}
	t := a.newThreadLocked(params, "")
	return t.info, nil
}

func (a *Adapter) newThreadLocked(params engine.StartParams, parent string) *thread {
	t := &thread{
		info: engine.ThreadInfo{
			ID:        uuid.NewString(),
			ParentID:  parent,
			Engine:    a.name,
			Cwd:       params.Cwd,
			UpdatedAt: time.Now(),
		},
		params: params,
	}
	a.threads[t.info.ID] = t
	return t
}

// Open handles the thread variants.
func (a *Adapter) Open(ctx context.Context, req engine.OpenRequest) (engine.ThreadInfo, error) {
	if _, err := exec.LookPath(a.binary); err != nil {
		return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
	}

	switch req.Kind {
	case engine.OpenStatus:
		a.mu.Lock()
		t := a.newThreadLocked(req.Params, "")
		info := t.info
		a.mu.Unlock()
		info.Name = "Status"
		info.Preamble = a.statusText(ctx)
		return info, nil

	case engine.OpenMCP:
		out, err := a.runOnce(ctx, req.Params.Cwd, "mcp", "list")
		if err != nil {
			return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
		}
		a.mu.Lock()
		t := a.newThreadLocked(req.Params, "")
		info := t.info
		a.mu.Unlock()
		info.Name = "MCP servers"
		info.Preamble = strings.TrimSpace(out)
		return info, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return engine.ThreadInfo{}, engine.ErrClosed
	}
	src, ok := a.threads[req.SourceThreadID]
	if !ok && req.Kind != engine.OpenResume {
		return engine.ThreadInfo{}, fmt.Errorf("claude: %s %s: %w", req.Kind, req.SourceThreadID, engine.ErrNoSession)
	}

	switch req.Kind {
	case engine.OpenResume:
		// Sessions from earlier processes are resumable by ID alone.
		if !ok {
			src = &thread{
				info:    engine.ThreadInfo{ID: req.SourceThreadID, Engine: a.name, Cwd: req.Params.Cwd, UpdatedAt: time.Now()},
				params:  req.Params,
				started: true,
			}
			a.threads[src.info.ID] = src
		}
		return src.info, nil

	case engine.OpenFork:
		t := a.newThreadLocked(src.params, src.info.ID)
		t.forkFrom = src.info.ID
		t.info.Name = src.info.Name
		t.info.History = append([]engine.HistoryEntry(nil), src.info.History...)
		return t.info, nil

	case engine.OpenReview:
		t := a.newThreadLocked(src.params, src.info.ID)
		target := req.ReviewTarget
		if target == "" {
			target = "the uncommitted changes in the working tree"
		}
		t.info.Name = "Review"
		info := t.info
		info.AutoPrompt = "Review " + target + ". Report bugs, risky changes and missing tests, ordered by severity."
		return info, nil
	}
	return engine.ThreadInfo{}, fmt.Errorf("claude: open %q: %w", req.Kind, engine.ErrUnsupported)
}

// Send spawns the CLI for one turn and streams its output as events.
func (a *Adapter) Send(ctx context.Context, threadID string, msg engine.Message) (string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", engine.ErrClosed
	}
	t, ok := a.threads[threadID]
	if !ok {
		a.mu.Unlock()
		return "", fmt.Errorf("claude: send %s: %w", threadID, engine.ErrNoSession)
	}
	if t.running != nil {
		a.mu.Unlock()
		return "", fmt.Errorf("claude: send %s: turn %s still running", threadID, t.running.turnID)
	}

	turnID := "turn-" + uuid.NewString()[:8]
	args := a.buildArgs(t, msg)
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, a.binary, args...)
	if t.params.Cwd != "" {
		cmd.Dir = t.params.Cwd
	}
	// Use a process group so SIGTERM kills the entire tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.mu.Unlock()
		return "", &engine.StartError{Engine: a.name, Err: err}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		a.mu.Unlock()
		return "", &engine.StartError{Engine: a.name, Err: err}
	}

	tp := &turnProcess{turnID: turnID, cmd: cmd, cancel: cancel, done: make(chan struct{})}
	t.running = tp
	t.started = true
	t.forkFrom = ""
	t.info.UpdatedAt = time.Now()
	t.info.History = append(t.info.History, engine.HistoryEntry{Role: "user", Text: msg.Text})
	if t.info.Name == "" {
		t.info.Name = firstLine(msg.Text, 48)
	}
	parser := newStreamParser(threadID, turnID)
	parser.usage = t.usage
	a.wg.Add(1)
	a.mu.Unlock()

	a.log.Debug().Str("thread", threadID).Str("turn", turnID).Int("pid", cmd.Process.Pid).Msg("claude turn spawned")

	go a.readTurn(threadID, tp, parser, stdout, &stderr)
	return turnID, nil
}

// buildArgs assembles CLI flags for one turn.
func (a *Adapter) buildArgs(t *thread, msg engine.Message) []string {
	args := []string{
		"-p", msg.Text,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	switch {
	case t.forkFrom != "":
		args = append(args, "--resume", t.forkFrom, "--fork-session", "--session-id", t.info.ID)
	case t.started:
		args = append(args, "--resume", t.info.ID)
	default:
		args = append(args, "--session-id", t.info.ID)
	}
	model := msg.Options.Model
	if model == "" {
		model = t.params.Model
	}
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	mode := msg.Options.AccessMode
	if mode == "" {
		mode = t.params.AccessMode
	}
	if pm := permissionMode(mode); pm != "" {
		args = append(args, "--permission-mode", pm)
	}
	if len(msg.Options.MemoryContext) > 0 {
		args = append(args, "--append-system-prompt", strings.Join(msg.Options.MemoryContext, "\n\n"))
	}
	return append(args, a.args...)
}

// permissionMode maps access modes onto CLI permission modes.
func permissionMode(m engine.AccessMode) string {
	switch m {
	case engine.AccessReadOnly:
		return "plan"
	case engine.AccessFullAccess:
		return "bypassPermissions"
	case engine.AccessOnRequest:
		return "default"
	}
	return ""
}

// readTurn pumps stdout through the parser, then reports the exit.
func (a *Adapter) readTurn(threadID string, tp *turnProcess, parser *streamParser, stdout io.Reader, stderr *strings.Builder) {
	defer a.wg.Done()
	defer close(tp.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		for _, evt := range parser.Parse(scanner.Text()) {
			a.emit(evt)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// The CLI may be blocked writing the rest of its output.
		tp.cancel()
		io.Copy(io.Discard, stdout)
	}
	waitErr := tp.cmd.Wait()
	tp.cancel()

	a.mu.Lock()
	interrupted := tp.interrupted
	if t, ok := a.threads[threadID]; ok {
		if t.running == tp {
			t.running = nil
		}
		t.usage = parser.usage
		if text := parser.AssistantText.String(); text != "" {
			t.info.History = append(t.info.History, engine.HistoryEntry{Role: "assistant", Text: text})
		}
		t.info.UpdatedAt = time.Now()
	}
	a.mu.Unlock()

	if interrupted {
		return
	}
	if scanErr != nil {
		msg := fmt.Sprintf("claude: read stream: %v", scanErr)
		a.log.Warn().Err(scanErr).Str("thread", threadID).Str("turn", tp.turnID).Msg("claude stream aborted")
		a.emit(engine.Event{Kind: engine.EventTurnError, ThreadID: threadID, TurnID: tp.turnID, At: time.Now(), Error: msg})
		return
	}
	if parser.Finished() {
		return
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" {
		msg = "claude exited without a result"
	}
	a.emit(engine.Event{Kind: engine.EventTurnError, ThreadID: threadID, TurnID: tp.turnID, At: time.Now(), Error: msg})
}

// emit delivers an event. Only turn readers emit, and Close waits for them
// before closing the channel.
func (a *Adapter) emit(evt engine.Event) {
	a.events <- evt
}

// Interrupt cancels the running turn, if any.
func (a *Adapter) Interrupt(ctx context.Context, threadID string) error {
	a.mu.Lock()
	t, ok := a.threads[threadID]
	if !ok || t.running == nil {
		a.mu.Unlock()
		return nil
	}
	tp := t.running
	tp.interrupted = true
	a.mu.Unlock()

	tp.cancel()
	a.log.Debug().Str("thread", threadID).Str("turn", tp.turnID).Msg("claude turn interrupted")
	return nil
}

// RespondApproval is unsupported: print mode never pauses for approval.
func (a *Adapter) RespondApproval(ctx context.Context, threadID, requestID string, decision engine.Decision, remember bool) error {
	return fmt.Errorf("claude: respond approval: %w", engine.ErrUnsupported)
}

// RespondUserInput is unsupported.
func (a *Adapter) RespondUserInput(ctx context.Context, threadID, requestID string, answers map[string][]string) error {
	return fmt.Errorf("claude: respond user input: %w", engine.ErrUnsupported)
}

// ListThreads pages over sessions known to this process, newest first. The
// cursor is an offset.
func (a *Adapter) ListThreads(ctx context.Context, cursor string, limit int) (engine.ThreadPage, error) {
	a.mu.Lock()
	all := make([]engine.ThreadInfo, 0, len(a.threads))
	for _, t := range a.threads {
		info := t.info
		info.History = nil
		all = append(all, info)
	}
	a.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return engine.ThreadPage{}, fmt.Errorf("claude: list threads: bad cursor %q", cursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if start >= len(all) {
		return engine.ThreadPage{}, nil
	}
	end := min(start+limit, len(all))
	page := engine.ThreadPage{Threads: all[start:end]}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// ReadThread returns the session's info including its transcript.
func (a *Adapter) ReadThread(ctx context.Context, threadID string) (engine.ThreadInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.threads[threadID]
	if !ok {
		return engine.ThreadInfo{}, fmt.Errorf("claude: read %s: %w", threadID, engine.ErrNoSession)
	}
	info := t.info
	info.History = append([]engine.HistoryEntry(nil), t.info.History...)
	return info, nil
}

// RenameThread stores the name locally; the CLI has no session names.
func (a *Adapter) RenameThread(ctx context.Context, threadID, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.threads[threadID]
	if !ok {
		return fmt.Errorf("claude: rename %s: %w", threadID, engine.ErrNoSession)
	}
	t.info.Name = name
	return nil
}

// ArchiveThread stops any running turn and forgets the session.
func (a *Adapter) ArchiveThread(ctx context.Context, threadID string) error {
	a.mu.Lock()
	t, ok := a.threads[threadID]
	delete(a.threads, threadID)
	var tp *turnProcess
	if ok && t.running != nil {
		tp = t.running
		tp.interrupted = true
	}
	a.mu.Unlock()
	if tp != nil {
		tp.cancel()
	}
	return nil
}

func (a *Adapter) Events() <-chan engine.Event { return a.events }

// Close cancels running turns, waits for readers and closes the event channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, t := range a.threads {
		if t.running != nil {
			t.running.interrupted = true
			t.running.cancel()
		}
	}
	a.mu.Unlock()

	a.wg.Wait()
	close(a.events)
	return nil
}

// statusText describes the engine for the status variant.
func (a *Adapter) statusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Engine: %s\n", a.name)
	if v, err := a.runOnce(ctx, "", "--version"); err == nil {
		fmt.Fprintf(&b, "Version: %s\n", strings.TrimSpace(v))
	}
	if a.model != "" {
		fmt.Fprintf(&b, "Model: %s\n", a.model)
	}
	caps := a.Capabilities()
	fmt.Fprintf(&b, "Reasoning: %t  Images: %t  Approvals: %t", caps.Reasoning, caps.ImageInput, caps.Approvals)
	return b.String()
}

// runOnce runs a short CLI command and returns stdout.
func (a *Adapter) runOnce(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("claude %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// firstLine returns the first line of s truncated to max runes.
func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
