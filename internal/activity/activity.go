// Package activity tells interested collaborators (git status, desktop
// hooks) that a workspace just had message activity. Bursts of sends are
// debounced into one notification per workspace.
package activity

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDebounce is used when Opts.Debounce is zero.
const DefaultDebounce = 1500 * time.Millisecond

// Event is delivered to the callback once a burst settles.
type Event struct {
	WorkspaceID string
	Path        string
	Count       int // number of Touch calls folded into this event
}

// Opts configures a Notifier.
type Opts struct {
	Debounce time.Duration
	// OnActivity is called from its own goroutine.
	OnActivity func(Event)
	// Command is an optional shell hook, e.g. "git -C {{.Path}} status".
	// Placeholders expand shell-quoted; the hook also sees $SB_WORKSPACE
	// and $SB_PATH.
	Command string
	Logger  zerolog.Logger
}

// Notifier debounces per-workspace activity.
type Notifier struct {
	opts Opts

	mu      sync.Mutex
	pending map[string]*burst
	closed  bool
}

type burst struct {
	timer *time.Timer
	path  string
	count int
}

// New creates a Notifier.
func New(opts Opts) *Notifier {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Notifier{opts: opts, pending: make(map[string]*burst)}
}

// Touch records activity for a workspace. The notification fires once no
// further Touch for that workspace arrives within the debounce window.
func (n *Notifier) Touch(workspaceID, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if b, ok := n.pending[workspaceID]; ok {
		b.count++
		b.path = path
		b.timer.Reset(n.opts.Debounce)
		return
	}
	b := &burst{path: path, count: 1}
	b.timer = time.AfterFunc(n.opts.Debounce, func() { n.fire(workspaceID) })
	n.pending[workspaceID] = b
}

func (n *Notifier) fire(workspaceID string) {
	n.mu.Lock()
	b, ok := n.pending[workspaceID]
	delete(n.pending, workspaceID)
	n.mu.Unlock()
	if !ok {
		return
	}
	evt := Event{WorkspaceID: workspaceID, Path: b.path, Count: b.count}
	if n.opts.OnActivity != nil {
		n.opts.OnActivity(evt)
	}
	if n.opts.Command != "" {
		n.runHook(evt)
	}
}

func (n *Notifier) runHook(evt Event) {
	cmdStr := templateCommand(n.opts.Command, evt)
	cmd := exec.Command("sh", "-c", cmdStr)
	cmd.Env = append(os.Environ(), "SB_WORKSPACE="+evt.WorkspaceID, "SB_PATH="+evt.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		n.opts.Logger.Warn().Err(err).
			Str("workspace", evt.WorkspaceID).
			Str("output", strings.TrimSpace(string(out))).
			Msg("activity: hook failed")
	}
}

// Close cancels every pending notification.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, b := range n.pending {
		b.timer.Stop()
		delete(n.pending, id)
	}
}

// templateCommand replaces placeholders in the hook template with
// shell-quoted values.
func templateCommand(command string, evt Event) string {
	r := strings.NewReplacer(
		"{{.Workspace}}", shellQuote(evt.WorkspaceID),
		"{{.Path}}", shellQuote(evt.Path),
	)
	return r.Replace(command)
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
