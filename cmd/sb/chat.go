package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/turn"
)

func newChatCmd() *cobra.Command {
	var (
		configPath  string
		workspaceID string
		threadID    string
		mock        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent in one workspace",
		Long: "Opens an interactive conversation with a workspace's engine. Approvals and questions are " +
			"prompted inline when stdin is a terminal; otherwise they are left for the dashboard or relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatCmd(cmd, configPath, workspaceID, threadID, mock)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to switchboard config file")
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id (default: first configured)")
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "resume an existing thread instead of starting one")
	cmd.Flags().BoolVar(&mock, "mock", false, "chat with an echoing mock engine; no config needed")
	return cmd
}

func runChatCmd(cmd *cobra.Command, configPath, workspaceID, threadID string, mock bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		reg *registry.Registry
		ws  *registry.Workspace
		err error
	)
	if mock {
		reg = registry.New(registry.Opts{Logger: zerolog.Nop()})
		defer reg.Close()
		ws, err = reg.AddWorkspace(registry.WorkspaceOpts{
			ID:   "mock",
			Path: ".",
			Dial: func(context.Context) (engine.Adapter, error) { return newEchoAdapter(), nil },
		})
		if err != nil {
			return err
		}
	} else {
		cfg, gormDB, err := connectFromConfig(configPath)
		if err != nil {
			return err
		}
		if len(cfg.Workspaces) == 0 {
			return fmt.Errorf("chat: no workspaces configured in %s", configPath)
		}
		if workspaceID == "" {
			workspaceID = cfg.Workspaces[0].ID
		}
		rt, err := newRuntime(cfg, gormDB, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.close()
		go rt.sink.Run(ctx, 0)
		reg = rt.reg
		if ws, err = reg.Workspace(workspaceID); err != nil {
			return err
		}
	}

	if err := ws.Connect(ctx); err != nil {
		return err
	}
	return runChat(ctx, chatOpts{
		Registry:    reg,
		Workspace:   ws,
		ThreadID:    threadID,
		In:          cmd.InOrStdin(),
		Out:         cmd.OutOrStdout(),
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	})
}

// chatOpts configures runChat.
type chatOpts struct {
	Registry    *registry.Registry
	Workspace   *registry.Workspace
	ThreadID    string // resume this thread; empty starts a new one
	In          io.Reader
	Out         io.Writer
	Interactive bool // prompt for approvals and questions inline
}

// prompt is an approval or user-input request awaiting typed answers.
type prompt struct {
	requestID string
	approval  bool
	questions []engine.Question
	answers   map[string][]string
}

// chat is the state of one interactive session.
type chat struct {
	opts    chatOpts
	ws      *registry.Workspace
	out     io.Writer
	thread  string
	pending []*prompt
	seen    map[string]bool // requests already announced
	eof     bool
}

// runChat reads lines from In and sends them to one thread, printing
// replies as turns complete. It returns when In is exhausted and the
// thread has no active turn, or when ctx is cancelled.
func runChat(ctx context.Context, opts chatOpts) error {
	notes, cancel := opts.Registry.Subscribe(256)
	defer cancel()

	c := &chat{opts: opts, ws: opts.Workspace, out: opts.Out, seen: make(map[string]bool)}
	var (
		th  registry.ThreadSummary
		err error
	)
	if opts.ThreadID != "" {
		th, err = c.ws.ResumeThread(ctx, opts.ThreadID)
	} else {
		th, err = c.ws.StartThread(ctx)
	}
	if err != nil {
		return err
	}
	c.thread = th.ID
	fmt.Fprintf(c.out, "Thread %s in %s. Type /help for commands.\n", th.ID, c.ws.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.In)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if c.eof && !c.busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.eof = true
				lines = nil
				continue
			}
			done, err := c.handleLine(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if done {
				return nil
			}
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			c.handleNotification(n)
		}
	}
}

// busy reports whether the thread still has work worth waiting for once
// input is exhausted. A turn blocked on a request cannot progress here.
func (c *chat) busy() bool {
	snap, err := c.ws.Thread(c.thread)
	if err != nil {
		return false
	}
	if snap.State.Awaiting() {
		return !c.seen[snap.Turn.PendingRequest]
	}
	return snap.State.Active() || len(snap.Queue) > 0
}

func (c *chat) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if len(c.pending) > 0 {
		return false, c.answer(ctx, line)
	}
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, "/interrupt  stop the running turn\n/new        start a new thread\n/quit       leave")
		return false, nil
	case "/interrupt":
		return false, c.ws.InterruptTurn(ctx, c.thread)
	case "/new":
		th, err := c.ws.StartThread(ctx)
		if err != nil {
			return false, err
		}
		c.thread = th.ID
		fmt.Fprintf(c.out, "Thread %s.\n", th.ID)
		return false, nil
	}
	res, err := c.ws.SendUserMessage(ctx, c.thread, line, nil, engine.SendOptions{})
	if err != nil {
		return false, err
	}
	if res.Queued {
		fmt.Fprintf(c.out, "(queued behind the running turn)\n")
	}
	return false, nil
}

func (c *chat) handleNotification(n registry.Notification) {
	if n.WorkspaceID != c.ws.ID() || n.ThreadID != c.thread {
		return
	}
	switch n.Kind {
	case registry.NotifyTurn:
		c.printTurn(n.State)
	case registry.NotifyApproval:
		if n.Approval != nil {
			c.promptApproval(*n.Approval)
		}
	case registry.NotifyUserInput:
		if n.UserInput != nil {
			c.promptUserInput(*n.UserInput)
		}
	case registry.NotifyRequestResolved:
		c.drop(n.RequestID)
	}
}

func (c *chat) printTurn(state turn.State) {
	switch state {
	case turn.Completed:
		if snap, err := c.ws.Thread(c.thread); err == nil {
			fmt.Fprintf(c.out, "%s\n", strings.TrimSpace(snap.Turn.Text))
		}
	case turn.Errored:
		if snap, err := c.ws.Thread(c.thread); err == nil {
			fmt.Fprintf(c.out, "turn failed: %s\n", snap.Turn.Error)
		}
	case turn.Interrupted:
		fmt.Fprintln(c.out, "(interrupted)")
	}
}

func (c *chat) promptApproval(req engine.ApprovalRequest) {
	c.seen[req.ID] = true
	fmt.Fprintf(c.out, "Approval needed (%s)", req.Kind)
	if req.Command != "" {
		fmt.Fprintf(c.out, ": %s", req.Command)
	}
	fmt.Fprintln(c.out)
	if req.Reason != "" {
		fmt.Fprintf(c.out, "  %s\n", req.Reason)
	}
	if !c.opts.Interactive {
		fmt.Fprintf(c.out, "Request %s left pending for the dashboard or relay.\n", req.ID)
		return
	}
	c.pending = append(c.pending, &prompt{requestID: req.ID, approval: true})
	c.ask()
}

func (c *chat) promptUserInput(req engine.UserInputRequest) {
	c.seen[req.ID] = true
	if !c.opts.Interactive || len(req.Questions) == 0 {
		fmt.Fprintf(c.out, "Input request %s left pending for the dashboard or relay.\n", req.ID)
		return
	}
	c.pending = append(c.pending, &prompt{
		requestID: req.ID,
		questions: req.Questions,
		answers:   make(map[string][]string),
	})
	c.ask()
}

// ask prints the prompt for the head of the pending list.
func (c *chat) ask() {
	if len(c.pending) == 0 {
		return
	}
	p := c.pending[0]
	if p.approval {
		fmt.Fprint(c.out, "Approve? [y]es / [n]o / [a]lways: ")
		return
	}
	q := p.questions[len(p.answers)]
	fmt.Fprintf(c.out, "%s", q.Prompt)
	if len(q.Options) > 0 {
		fmt.Fprintf(c.out, " (%s)", strings.Join(q.Options, " | "))
	}
	if q.Header != "" {
		fmt.Fprintf(c.out, " [%s]", q.Header)
	}
	if q.Multiple {
		fmt.Fprint(c.out, " [comma separated]")
	}
	fmt.Fprint(c.out, ": ")
}

// answer consumes one typed line for the head of the pending list.
func (c *chat) answer(ctx context.Context, line string) error {
	p := c.pending[0]
	if p.approval {
		decision, remember, ok := parseApprovalAnswer(line)
		if !ok {
			c.ask()
			return nil
		}
		c.pending = c.pending[1:]
		var err error
		if remember {
			err = c.ws.HandleApprovalRemember(ctx, p.requestID, decision)
		} else {
			err = c.ws.HandleApprovalDecision(ctx, p.requestID, decision)
		}
		c.ask()
		return err
	}

	q := p.questions[len(p.answers)]
	p.answers[q.ID] = splitAnswer(line, q.Multiple)
	if len(p.answers) < len(p.questions) {
		c.ask()
		return nil
	}
	c.pending = c.pending[1:]
	err := c.ws.HandleUserInputSubmit(ctx, p.requestID, p.answers)
	c.ask()
	return err
}

// drop forgets a prompt resolved elsewhere (dashboard, relay, interrupt).
func (c *chat) drop(requestID string) {
	for i, p := range c.pending {
		if p.requestID == requestID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			if i == 0 {
				fmt.Fprintln(c.out)
				c.ask()
			}
			return
		}
	}
}

func parseApprovalAnswer(s string) (decision engine.Decision, remember, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return engine.DecisionAccept, false, true
	case "n", "no":
		return engine.DecisionDecline, false, true
	case "a", "always":
		return engine.DecisionAccept, true, true
	}
	return "", false, false
}

func splitAnswer(s string, multiple bool) []string {
	s = strings.TrimSpace(s)
	if !multiple {
		return []string{s}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
