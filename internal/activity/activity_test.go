package activity

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector() *collector { return &collector{ch: make(chan Event, 10)} }

func (c *collector) on(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.ch <- e
}

func (c *collector) wait(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-c.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activity")
		return Event{}
	}
}

func TestTouch_DebouncesBurst(t *testing.T) {
	c := newCollector()
	n := New(Opts{Debounce: 30 * time.Millisecond, OnActivity: c.on})
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Touch("api", "/src/api")
	}
	e := c.wait(t)
	if e.WorkspaceID != "api" || e.Path != "/src/api" || e.Count != 5 {
		t.Errorf("event = %+v", e)
	}
	select {
	case extra := <-c.ch:
		t.Errorf("unexpected second event %+v", extra)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTouch_WorkspacesIndependent(t *testing.T) {
	c := newCollector()
	n := New(Opts{Debounce: 20 * time.Millisecond, OnActivity: c.on})
	defer n.Close()

	n.Touch("a", "/a")
	n.Touch("b", "/b")
	got := map[string]bool{c.wait(t).WorkspaceID: true, c.wait(t).WorkspaceID: true}
	if !got["a"] || !got["b"] {
		t.Errorf("workspaces notified = %v", got)
	}
}

func TestClose_CancelsPending(t *testing.T) {
	c := newCollector()
	n := New(Opts{Debounce: 20 * time.Millisecond, OnActivity: c.on})
	n.Touch("a", "/a")
	n.Close()
	n.Touch("a", "/a")

	select {
	case e := <-c.ch:
		t.Errorf("event after Close: %+v", e)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCommandHook(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "touched")
	c := newCollector()
	n := New(Opts{
		Debounce:   10 * time.Millisecond,
		OnActivity: c.on,
		Command:    "echo {{.Workspace}} > " + marker,
		Logger:     zerolog.Nop(),
	})
	defer n.Close()

	n.Touch("api", dir)
	c.wait(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(data)) == "api" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("hook command did not run")
}

func TestTemplateCommand(t *testing.T) {
	tests := []struct {
		name, command, path, want string
	}{
		{"plain", "git -C {{.Path}} status # {{.Workspace}}", "/src/api", `git -C '/src/api' status # 'api'`},
		{"spaces", "git -C {{.Path}} status", "/src/my api", `git -C '/src/my api' status`},
		{"quote", "ls {{.Path}}", "/src/it's", `ls '/src/it'"'"'s'`},
		{"metachars", "ls {{.Path}}", "/src/a;rm -rf $HOME", `ls '/src/a;rm -rf $HOME'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := templateCommand(tt.command, Event{WorkspaceID: "api", Path: tt.path})
			if got != tt.want {
				t.Errorf("templateCommand = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandHook_PathWithSpaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my project; echo injected")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	marker := filepath.Join(t.TempDir(), "out")
	c := newCollector()
	n := New(Opts{
		Debounce:   10 * time.Millisecond,
		OnActivity: c.on,
		Command:    "cd {{.Path}} && pwd > " + marker + " && echo \"$SB_WORKSPACE\" >> " + marker,
		Logger:     zerolog.Nop(),
	})
	defer n.Close()

	n.Touch("api", dir)
	c.wait(t)

	want := dir + "\napi"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(data)) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	data, _ := os.ReadFile(marker)
	t.Errorf("hook output = %q, want %q", data, want)
}
