// Package terminal runs workspace launch scripts in tmux panes, keyed by
// (workspaceID, terminalID). Output is never read back.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for an unknown terminal.
var ErrNotFound = errors.New("terminal: not found")

// Key identifies one terminal.
type Key struct {
	WorkspaceID string
	TerminalID  string
}

// Manager tracks the panes it opened.
type Manager struct {
	tmux    Tmux
	session string

	mu    sync.Mutex
	panes map[Key]string
}

// Opts configures a Manager.
type Opts struct {
	Tmux    Tmux   // default DefaultTmux
	Session string // default SessionName
}

// NewManager creates a Manager.
func NewManager(opts Opts) *Manager {
	if opts.Tmux == nil {
		opts.Tmux = DefaultTmux
	}
	if opts.Session == "" {
		opts.Session = SessionName
	}
	return &Manager{tmux: opts.Tmux, session: opts.Session, panes: make(map[Key]string)}
}

// Open starts command in a new pane rooted at cwd. Opening a key that is
// already open is a no-op and returns the existing pane.
func (m *Manager) Open(key Key, cwd, command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pane, ok := m.panes[key]; ok {
		return pane, nil
	}
	if !m.tmux.SessionExists(m.session) {
		if err := m.tmux.CreateSession(m.session); err != nil {
			return "", err
		}
	}
	pane, err := m.tmux.NewPane(m.session, cwd)
	if err != nil {
		return "", err
	}
	if command != "" {
		if err := m.tmux.SendKeys(pane, command); err != nil {
			m.tmux.KillPane(pane)
			return "", fmt.Errorf("terminal: start %s/%s: %w", key.WorkspaceID, key.TerminalID, err)
		}
	}
	m.panes[key] = pane
	m.tmux.TileLayout(m.session)
	return pane, nil
}

// Close interrupts the pane's process and kills the pane.
func (m *Manager) Close(key Key) error {
	m.mu.Lock()
	pane, ok := m.panes[key]
	delete(m.panes, key)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.tmux.SendSignal(pane, "C-c")
	return m.tmux.KillPane(pane)
}

// CloseWorkspace closes every terminal of a workspace.
func (m *Manager) CloseWorkspace(workspaceID string) {
	for _, k := range m.List(workspaceID) {
		m.Close(k)
	}
}

// List returns the open terminals of a workspace, sorted by terminal ID.
func (m *Manager) List(workspaceID string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []Key
	for k := range m.panes {
		if k.WorkspaceID == workspaceID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].TerminalID < keys[j].TerminalID })
	return keys
}

// Prune forgets terminals whose panes no longer exist and returns them.
func (m *Manager) Prune() ([]Key, error) {
	live, err := m.tmux.ListPanes(m.session)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(live))
	for _, p := range live {
		alive[p] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var gone []Key
	for k, p := range m.panes {
		if !alive[p] {
			gone = append(gone, k)
			delete(m.panes, k)
		}
	}
	return gone, nil
}
