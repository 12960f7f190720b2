//go:build !unittest

package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RealTmux calls the tmux binary.
type RealTmux struct{}

func (RealTmux) SessionExists(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

func (RealTmux) CreateSession(name string) error {
	cmd := exec.Command("tmux", "new-session", "-d", "-s", name, "-x", "200", "-y", "50")
	// Unset TMUX so this works when invoked from inside an existing tmux session.
	cmd.Env = envWithoutTMUX()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("terminal: create tmux session %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func envWithoutTMUX() []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TMUX=") {
			env = append(env, e)
		}
	}
	return env
}

func (RealTmux) NewPane(session, cwd string) (string, error) {
	args := []string{"split-window", "-t", session, "-d", "-P", "-F", "#{pane_id}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("terminal: new pane in %q: %s: %w", session, strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (RealTmux) SendKeys(paneID, keys string) error {
	if out, err := exec.Command("tmux", "send-keys", "-t", paneID, keys, "Enter").CombinedOutput(); err != nil {
		return fmt.Errorf("terminal: send keys to %q: %s: %w", paneID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) SendSignal(paneID, signal string) error {
	if out, err := exec.Command("tmux", "send-keys", "-t", paneID, signal).CombinedOutput(); err != nil {
		return fmt.Errorf("terminal: send signal to %q: %s: %w", paneID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) KillPane(paneID string) error {
	if out, err := exec.Command("tmux", "kill-pane", "-t", paneID).CombinedOutput(); err != nil {
		return fmt.Errorf("terminal: kill pane %q: %s: %w", paneID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) ListPanes(session string) ([]string, error) {
	out, err := exec.Command("tmux", "list-panes", "-t", session, "-F", "#{pane_id}").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("terminal: list panes in %q: %s: %w", session, strings.TrimSpace(string(out)), err)
	}
	var panes []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			panes = append(panes, l)
		}
	}
	return panes, nil
}

func (RealTmux) TileLayout(session string) error {
	if out, err := exec.Command("tmux", "select-layout", "-t", session, "tiled").CombinedOutput(); err != nil {
		return fmt.Errorf("terminal: tile layout for %q: %s: %w", session, strings.TrimSpace(string(out)), err)
	}
	return nil
}
