// Package codex implements the engine Adapter on top of the Codex
// app-server, a long-lived JSON-RPC process spoken to over stdio. One
// app-server serves every thread of the adapter.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/engine"
)

const (
	maxLineBytes    = 8 * 1024 * 1024
	waitDelay       = 5 * time.Second
	defaultPageSize = 20
	clientName      = "switchboard"
)

// DialFunc opens a connection to an app-server.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// AdapterOpts holds parameters for creating a Codex Adapter.
type AdapterOpts struct {
	Name    string   // engine name; defaults to "codex"
	Binary  string   // path to codex binary; defaults to "codex"
	Model   string   // default model
	Args    []string // extra args after "app-server"
	Version string   // reported in initialize
	Logger  zerolog.Logger
	// Dial overrides process spawning (tests).
	Dial DialFunc
}

// Adapter implements engine.Adapter and engine.AccountReader for Codex.
type Adapter struct {
	name    string
	binary  string
	model   string
	args    []string
	version string
	log     zerolog.Logger
	dial    DialFunc
	trans   translator
	rules   *engine.SessionRules
	out     *eventQueue

	connMu sync.Mutex
	conn   *rpcConn
	closer io.Closer

	mu      sync.Mutex
	closed  bool
	threads map[string]*threadState
	pending map[string]serverRequest
}

type threadState struct {
	params     engine.StartParams
	activeTurn string
}

// serverRequest is an approval or user-input request awaiting an answer.
type serverRequest struct {
	rpcID    json.RawMessage
	threadID string
	approval *engine.ApprovalRequest
}

// New creates a Codex Adapter. The app-server is spawned lazily.
func New(opts AdapterOpts) *Adapter {
	name := opts.Name
	if name == "" {
		name = "codex"
	}
	binary := opts.Binary
	if binary == "" {
		binary = "codex"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	a := &Adapter{
		name:    name,
		binary:  binary,
		model:   opts.Model,
		args:    opts.Args,
		version: version,
		log:     opts.Logger.With().Str("engine", name).Logger(),
		trans:   translator{now: time.Now},
		rules:   engine.NewSessionRules(),
		out:     newEventQueue(256),
		threads: make(map[string]*threadState),
		pending: make(map[string]serverRequest),
	}
	a.dial = opts.Dial
	if a.dial == nil {
		a.dial = a.spawn
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Streaming:           true,
		Reasoning:           true,
		ToolUse:             true,
		ImageInput:          true,
		SessionContinuation: true,
		Approvals:           true,
	}
}

// procTransport is the stdio of a spawned app-server.
type procTransport struct {
	io.Reader
	stdin io.WriteCloser
	cmd   *exec.Cmd
}

func (p *procTransport) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procTransport) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	}
	return p.cmd.Wait()
}

func (a *Adapter) spawn(ctx context.Context) (io.ReadWriteCloser, error) {
	if _, err := exec.LookPath(a.binary); err != nil {
		return nil, err
	}
	cmd := exec.Command(a.binary, append([]string{"app-server"}, a.args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
	cmd.Stderr = a.log.With().Str("stream", "stderr").Logger()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	a.log.Debug().Int("pid", cmd.Process.Pid).Msg("codex app-server started")
	return &procTransport{Reader: stdout, stdin: stdin, cmd: cmd}, nil
}

// client returns the live connection, dialing and initializing on first use
// or after the previous app-server exited.
func (a *Adapter) client(ctx context.Context) (*rpcConn, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, engine.ErrClosed
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		select {
		case <-a.conn.Done():
			a.conn = nil
		default:
			return a.conn, nil
		}
	}

	rwc, err := a.dial(ctx)
	if err != nil {
		return nil, &engine.StartError{Engine: a.name, Err: err}
	}
	conn := newRPCConn(rwc, rwc, a.handle)
	init := map[string]any{
		"clientInfo": map[string]string{"name": clientName, "title": "Switchboard", "version": a.version},
	}
	if err := conn.Call(ctx, "initialize", init, nil); err != nil {
		rwc.Close()
		return nil, &engine.StartError{Engine: a.name, Err: err}
	}
	if err := conn.Notify("initialized", nil); err != nil {
		rwc.Close()
		return nil, &engine.StartError{Engine: a.name, Err: err}
	}
	a.conn, a.closer = conn, rwc
	go a.watch(conn)
	return conn, nil
}

// watch ends every session when the app-server goes away.
func (a *Adapter) watch(conn *rpcConn) {
	<-conn.Done()
	a.mu.Lock()
	closed := a.closed
	ids := make([]string, 0, len(a.threads))
	for id, t := range a.threads {
		ids = append(ids, id)
		t.activeTurn = ""
	}
	a.pending = make(map[string]serverRequest)
	a.mu.Unlock()
	for _, id := range ids {
		a.rules.Forget(id)
	}
	if closed {
		a.out.Close()
		return
	}
	a.log.Warn().Msg("codex app-server exited")
	for _, id := range ids {
		a.out.Push(engine.Event{Kind: engine.EventSessionEnded, ThreadID: id, At: time.Now(), Error: "app-server exited"})
	}
}

// handle runs on the read loop for notifications and server requests.
func (a *Adapter) handle(conn *rpcConn, msg rpcMessage) {
	if msg.isRequest() {
		a.handleRequest(conn, msg)
		return
	}
	for _, evt := range a.trans.Notification(msg.Method, msg.Params) {
		a.mu.Lock()
		if t, ok := a.threads[evt.ThreadID]; ok {
			switch evt.Kind {
			case engine.EventTurnStarted:
				t.activeTurn = evt.TurnID
			case engine.EventTurnCompleted, engine.EventTurnError:
				if t.activeTurn == evt.TurnID {
					t.activeTurn = ""
				}
			}
		}
		a.mu.Unlock()
		a.out.Push(evt)
	}
}

func (a *Adapter) handleRequest(conn *rpcConn, msg rpcMessage) {
	requestID := strings.Trim(string(msg.ID), `"`)
	switch msg.Method {
	case "item/commandExecution/requestApproval", "item/fileChange/requestApproval":
		var p approvalParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			conn.RespondError(msg.ID, -32602, "invalid params")
			return
		}
		kind := "command"
		if msg.Method == "item/fileChange/requestApproval" {
			kind = "fileChange"
		}
		req := engine.ApprovalRequest{
			ID:       requestID,
			ThreadID: p.ThreadID,
			TurnID:   p.TurnID,
			ItemID:   p.ItemID,
			Kind:     kind,
			Command:  p.Command,
			Reason:   p.Reason,
		}
		if err := json.Unmarshal(msg.Params, &req.Params); err != nil {
			req.Params = nil
		}
		if d, ok := a.rules.Lookup(p.ThreadID, req); ok {
			a.log.Debug().Str("thread", p.ThreadID).Str("request", requestID).Str("decision", string(d)).Msg("approval answered from session rule")
			conn.Respond(msg.ID, decisionResult(d, false))
			return
		}
		a.mu.Lock()
		a.pending[requestID] = serverRequest{rpcID: msg.ID, threadID: p.ThreadID, approval: &req}
		a.mu.Unlock()
		evt := a.trans.event(engine.EventApprovalRequest, p.ThreadID, p.TurnID)
		evt.Approval = &req
		a.out.Push(evt)

	case "item/tool/requestUserInput":
		var p userInputParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			conn.RespondError(msg.ID, -32602, "invalid params")
			return
		}
		req := engine.UserInputRequest{ID: requestID, ThreadID: p.ThreadID, TurnID: p.TurnID, ItemID: p.ItemID}
		for _, q := range p.Questions {
			eq := engine.Question{ID: q.ID, Header: q.Header, Prompt: q.Question, Multiple: q.MultiSelect}
			for _, o := range q.Options {
				eq.Options = append(eq.Options, o.Label)
			}
			req.Questions = append(req.Questions, eq)
		}
		a.mu.Lock()
		a.pending[requestID] = serverRequest{rpcID: msg.ID, threadID: p.ThreadID}
		a.mu.Unlock()
		evt := a.trans.event(engine.EventUserInputRequest, p.ThreadID, p.TurnID)
		evt.UserInput = &req
		a.out.Push(evt)

	default:
		conn.RespondError(msg.ID, -32601, "method not supported by client: "+msg.Method)
	}
}

func decisionResult(d engine.Decision, forSession bool) map[string]string {
	wire := "decline"
	if d == engine.DecisionAccept {
		wire = "accept"
		if forSession {
			wire = "acceptForSession"
		}
	}
	return map[string]string{"decision": wire}
}

// current returns the live connection without dialing.
func (a *Adapter) current() *rpcConn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

// sandbox maps an access mode onto thread/start's sandbox and approval
// policy.
func sandbox(m engine.AccessMode) (mode, policy string) {
	switch m {
	case engine.AccessReadOnly:
		return "read-only", "on-request"
	case engine.AccessFullAccess:
		return "danger-full-access", "never"
	}
	return "workspace-write", "on-request"
}

func (a *Adapter) threadParams(p engine.StartParams) map[string]any {
	mode, policy := sandbox(p.AccessMode)
	params := map[string]any{"sandbox": mode, "approvalPolicy": policy}
	if p.Cwd != "" {
		params["cwd"] = p.Cwd
	}
	model := p.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		params["model"] = model
	}
	return params
}

func (a *Adapter) track(id string, params engine.StartParams) {
	a.mu.Lock()
	if _, ok := a.threads[id]; !ok {
		a.threads[id] = &threadState{params: params}
	}
	a.mu.Unlock()
}

// Start creates a thread on the app-server.
func (a *Adapter) Start(ctx context.Context, params engine.StartParams) (engine.ThreadInfo, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.ThreadInfo{}, err
	}
	var res threadResult
	if err := conn.Call(ctx, "thread/start", a.threadParams(params), &res); err != nil {
		return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
	}
	a.track(res.Thread.ID, params)
	info := threadInfo(a.name, res.Thread)
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}
	return info, nil
}

// Open handles the thread variants.
func (a *Adapter) Open(ctx context.Context, req engine.OpenRequest) (engine.ThreadInfo, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.ThreadInfo{}, err
	}

	switch req.Kind {
	case engine.OpenFork, engine.OpenResume:
		method := "thread/fork"
		if req.Kind == engine.OpenResume {
			method = "thread/resume"
		}
		params := a.threadParams(req.Params)
		params["threadId"] = req.SourceThreadID
		var res threadResult
		if err := conn.Call(ctx, method, params, &res); err != nil {
			return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
		}
		a.track(res.Thread.ID, req.Params)
		info := threadInfo(a.name, res.Thread)
		if req.Kind == engine.OpenFork {
			info.ParentID = req.SourceThreadID
		}
		return info, nil

	case engine.OpenReview:
		target := map[string]any{"type": "uncommittedChanges"}
		if req.ReviewTarget != "" && req.ReviewTarget != "uncommitted" {
			target = map[string]any{"type": "custom", "instructions": req.ReviewTarget}
		}
		var res struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
			ReviewThreadID string `json:"reviewThreadId"`
		}
		params := map[string]any{"threadId": req.SourceThreadID, "target": target, "delivery": "detached"}
		if err := conn.Call(ctx, "review/start", params, &res); err != nil {
			return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
		}
		id := res.ReviewThreadID
		if id == "" {
			id = req.SourceThreadID
		}
		a.track(id, req.Params)
		a.mu.Lock()
		a.threads[id].activeTurn = res.Turn.ID
		a.mu.Unlock()
		return engine.ThreadInfo{
			ID:        id,
			Name:      "Review",
			ParentID:  req.SourceThreadID,
			Engine:    a.name,
			Cwd:       req.Params.Cwd,
			UpdatedAt: time.Now(),
			TurnID:    res.Turn.ID,
		}, nil

	case engine.OpenStatus, engine.OpenMCP:
		var preamble, name string
		if req.Kind == engine.OpenStatus {
			name, preamble = "Status", a.statusText(ctx, conn)
		} else {
			name = "MCP servers"
			preamble, err = a.mcpText(ctx, conn)
			if err != nil {
				return engine.ThreadInfo{}, &engine.StartError{Engine: a.name, Err: err}
			}
		}
		info, err := a.Start(ctx, req.Params)
		if err != nil {
			return engine.ThreadInfo{}, err
		}
		info.Name = name
		info.Preamble = preamble
		return info, nil
	}
	return engine.ThreadInfo{}, fmt.Errorf("codex: open %q: %w", req.Kind, engine.ErrUnsupported)
}

// Send starts a turn.
func (a *Adapter) Send(ctx context.Context, threadID string, msg engine.Message) (string, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return "", err
	}
	var input []wireUserInput
	if len(msg.Options.MemoryContext) > 0 {
		input = append(input, wireUserInput{Type: "text", Text: "Context:\n" + strings.Join(msg.Options.MemoryContext, "\n\n")})
	}
	input = append(input, wireUserInput{Type: "text", Text: msg.Text})
	for _, img := range msg.Images {
		if img.Path != "" {
			input = append(input, wireUserInput{Type: "localImage", Path: img.Path})
		} else if img.URL != "" {
			input = append(input, wireUserInput{Type: "image", URL: img.URL})
		}
	}
	params := map[string]any{"threadId": threadID, "input": input}
	if msg.Options.Model != "" {
		params["model"] = msg.Options.Model
	}
	if msg.Options.Effort != "" {
		params["effort"] = string(msg.Options.Effort)
	}
	if msg.Options.AccessMode != "" {
		mode, policy := sandbox(msg.Options.AccessMode)
		params["approvalPolicy"] = policy
		params["sandboxPolicy"] = map[string]string{"type": sandboxPolicyType(mode)}
	}
	if msg.Options.CollaborationMode != "" {
		params["collaborationMode"] = msg.Options.CollaborationMode
	}

	var res turnResult
	if err := conn.Call(ctx, "turn/start", params, &res); err != nil {
		return "", &engine.StartError{Engine: a.name, Err: err}
	}
	a.mu.Lock()
	if t, ok := a.threads[threadID]; ok {
		t.activeTurn = res.Turn.ID
	} else {
		a.threads[threadID] = &threadState{activeTurn: res.Turn.ID}
	}
	a.mu.Unlock()
	return res.Turn.ID, nil
}

func sandboxPolicyType(mode string) string {
	switch mode {
	case "read-only":
		return "readOnly"
	case "danger-full-access":
		return "dangerFullAccess"
	}
	return "workspaceWrite"
}

// Interrupt stops the thread's active turn. A thread without one is a no-op.
func (a *Adapter) Interrupt(ctx context.Context, threadID string) error {
	a.mu.Lock()
	t, ok := a.threads[threadID]
	turnID := ""
	if ok {
		turnID = t.activeTurn
	}
	a.mu.Unlock()
	if turnID == "" {
		return nil
	}
	conn := a.current()
	if conn == nil {
		return nil
	}
	if err := conn.Call(ctx, "turn/interrupt", map[string]string{"threadId": threadID, "turnId": turnID}, nil); err != nil {
		return fmt.Errorf("codex: interrupt %s: %w", threadID, err)
	}
	a.dropPending(threadID)
	return nil
}

func (a *Adapter) dropPending(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.pending {
		if p.threadID == threadID {
			delete(a.pending, id)
		}
	}
}

func (a *Adapter) takePending(requestID string) (serverRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[requestID]
	delete(a.pending, requestID)
	return p, ok
}

// RespondApproval answers an approval request. Remembered accepts use the
// server's per-session accept; remembered declines are applied locally to
// later matching requests of the same session.
func (a *Adapter) RespondApproval(ctx context.Context, threadID, requestID string, decision engine.Decision, remember bool) error {
	p, ok := a.takePending(requestID)
	if !ok {
		return fmt.Errorf("codex: approval %s: %w", requestID, engine.ErrNoSession)
	}
	if remember && p.approval != nil {
		a.rules.Remember(threadID, *p.approval, decision)
	}
	conn := a.current()
	if conn == nil {
		return engine.ErrNoSession
	}
	return conn.Respond(p.rpcID, decisionResult(decision, remember))
}

// RespondUserInput answers a user-input request.
func (a *Adapter) RespondUserInput(ctx context.Context, threadID, requestID string, answers map[string][]string) error {
	p, ok := a.takePending(requestID)
	if !ok {
		return fmt.Errorf("codex: user input %s: %w", requestID, engine.ErrNoSession)
	}
	wire := make(map[string]map[string][]string, len(answers))
	for qid, vals := range answers {
		wire[qid] = map[string][]string{"answers": vals}
	}
	conn := a.current()
	if conn == nil {
		return engine.ErrNoSession
	}
	return conn.Respond(p.rpcID, map[string]any{"answers": wire})
}

// ListThreads returns one page of app-server threads, newest first.
func (a *Adapter) ListThreads(ctx context.Context, cursor string, limit int) (engine.ThreadPage, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.ThreadPage{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	params := map[string]any{"limit": limit}
	if cursor != "" {
		params["cursor"] = cursor
	}
	var res threadListResult
	if err := conn.Call(ctx, "thread/list", params, &res); err != nil {
		return engine.ThreadPage{}, err
	}
	page := engine.ThreadPage{}
	for _, t := range res.Data {
		page.Threads = append(page.Threads, threadInfo(a.name, t))
	}
	if res.NextCursor != nil {
		page.NextCursor = *res.NextCursor
	}
	return page, nil
}

// ReadThread re-fetches a thread with its turns.
func (a *Adapter) ReadThread(ctx context.Context, threadID string) (engine.ThreadInfo, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.ThreadInfo{}, err
	}
	var res threadResult
	if err := conn.Call(ctx, "thread/read", map[string]any{"threadId": threadID, "includeTurns": true}, &res); err != nil {
		return engine.ThreadInfo{}, err
	}
	return threadInfo(a.name, res.Thread), nil
}

func (a *Adapter) RenameThread(ctx context.Context, threadID, name string) error {
	conn, err := a.client(ctx)
	if err != nil {
		return err
	}
	return conn.Call(ctx, "thread/name/set", map[string]string{"threadId": threadID, "name": name}, nil)
}

// ArchiveThread archives the thread and forgets its session rules.
func (a *Adapter) ArchiveThread(ctx context.Context, threadID string) error {
	conn, err := a.client(ctx)
	if err != nil {
		return err
	}
	a.rules.Forget(threadID)
	a.dropPending(threadID)
	a.mu.Lock()
	delete(a.threads, threadID)
	a.mu.Unlock()
	return conn.Call(ctx, "thread/archive", map[string]string{"threadId": threadID}, nil)
}

// ReadAccount implements engine.AccountReader.
func (a *Adapter) ReadAccount(ctx context.Context) (engine.Account, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.Account{}, err
	}
	var res accountResult
	if err := conn.Call(ctx, "account/read", map[string]any{}, &res); err != nil {
		return engine.Account{}, err
	}
	if res.Account == nil {
		return engine.Account{Type: "none"}, nil
	}
	return engine.Account{Type: res.Account.Type, Email: res.Account.Email, PlanType: res.Account.PlanType}, nil
}

// ReadRateLimits implements engine.AccountReader.
func (a *Adapter) ReadRateLimits(ctx context.Context) (engine.RateLimits, error) {
	conn, err := a.client(ctx)
	if err != nil {
		return engine.RateLimits{}, err
	}
	var res rateLimitsResult
	if err := conn.Call(ctx, "account/rateLimits/read", nil, &res); err != nil {
		return engine.RateLimits{}, err
	}
	return convertRateLimits(res.RateLimits), nil
}

func (a *Adapter) Events() <-chan engine.Event { return a.out.C() }

// Close stops the app-server and closes the event stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.connMu.Lock()
	conn, closer := a.conn, a.closer
	a.connMu.Unlock()
	if conn == nil {
		a.out.Close()
		return nil
	}
	err := closer.Close()
	<-conn.Done()
	a.out.Close()
	return err
}

func (a *Adapter) statusText(ctx context.Context, conn *rpcConn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Engine: %s\n", a.name)
	if a.model != "" {
		fmt.Fprintf(&b, "Model: %s\n", a.model)
	}
	var acct accountResult
	if err := conn.Call(ctx, "account/read", map[string]any{}, &acct); err == nil && acct.Account != nil {
		fmt.Fprintf(&b, "Account: %s", acct.Account.Type)
		if acct.Account.Email != "" {
			fmt.Fprintf(&b, " (%s)", acct.Account.Email)
		}
		if acct.Account.PlanType != "" {
			fmt.Fprintf(&b, ", plan %s", acct.Account.PlanType)
		}
		b.WriteByte('\n')
	}
	var rl rateLimitsResult
	if err := conn.Call(ctx, "account/rateLimits/read", nil, &rl); err == nil {
		limits := convertRateLimits(rl.RateLimits)
		if limits.Primary != nil {
			fmt.Fprintf(&b, "Primary limit: %.0f%% used\n", limits.Primary.UsedPercent)
		}
		if limits.Secondary != nil {
			fmt.Fprintf(&b, "Secondary limit: %.0f%% used\n", limits.Secondary.UsedPercent)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) mcpText(ctx context.Context, conn *rpcConn) (string, error) {
	var res mcpStatusResult
	if err := conn.Call(ctx, "mcpServerStatus/list", map[string]any{}, &res); err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "No MCP servers configured.", nil
	}
	var b strings.Builder
	for i, s := range res.Data {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %d tools", s.Name, len(s.Tools))
		if s.AuthStatus != "" {
			fmt.Fprintf(&b, " (%s)", s.AuthStatus)
		}
	}
	return b.String(), nil
}
