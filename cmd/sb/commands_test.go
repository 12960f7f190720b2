package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/account"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/engine/claude"
	"github.com/zulandar/switchboard/internal/engine/codex"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/relay/discord"
	"github.com/zulandar/switchboard/internal/relay/slack"
	"github.com/zulandar/switchboard/internal/turn"
)

// writeConfig writes a config using a mock engine and a temp sqlite store.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`store:
  driver: sqlite
  path: %s
engines:
  - name: echo
    kind: mock
workspaces:
  - id: api
    path: %s
  - id: web
    path: %s
log:
  level: error
%s`, filepath.Join(dir, "sb.db"), dir, dir, extra)
	path := filepath.Join(dir, "switchboard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewAdapter(t *testing.T) {
	log := zerolog.Nop()
	tests := []struct {
		kind  string
		check func(engine.Adapter) bool
	}{
		{"claude", func(a engine.Adapter) bool { _, ok := a.(*claude.Adapter); return ok }},
		{"codex", func(a engine.Adapter) bool { _, ok := a.(*codex.Adapter); return ok }},
		{"mock", func(a engine.Adapter) bool { _, ok := a.(*engine.MockAdapter); return ok }},
	}
	for _, tt := range tests {
		a, err := newAdapter(config.EngineConfig{Name: "e-" + tt.kind, Kind: tt.kind}, log)
		if err != nil {
			t.Fatalf("newAdapter(%s): %v", tt.kind, err)
		}
		if !tt.check(a) {
			t.Errorf("newAdapter(%s) = %T", tt.kind, a)
		}
		if a.Name() != "e-"+tt.kind {
			t.Errorf("Name() = %q, want %q", a.Name(), "e-"+tt.kind)
		}
		a.Close()
	}

	if _, err := newAdapter(config.EngineConfig{Name: "x", Kind: "gpt"}, log); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDialer_FreshAdapterPerConnect(t *testing.T) {
	dial := dialer(config.EngineConfig{Name: "m", Kind: "mock"}, zerolog.Nop())
	a, err := dial(t.Context())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, _ := dial(t.Context())
	if a == b {
		t.Error("dialer reused an adapter")
	}
}

func TestDBMigrate(t *testing.T) {
	path := writeConfig(t, "")
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "migrate", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "sqlite store") || !strings.Contains(out, "Seeded 2 workspaces") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestThreadsCmd_Empty(t *testing.T) {
	path := writeConfig(t, "")
	cmd := newRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"threads", "--config", path, "--workspace", "web"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("threads: %v", err)
	}
	if !strings.Contains(out.String(), "No threads.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestThreadsCmd_UnknownWorkspace(t *testing.T) {
	path := writeConfig(t, "")
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"threads", "--config", path, "--workspace", "nope"})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error for unknown workspace")
	}
}

func TestPrintThreads(t *testing.T) {
	pinned := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	buf := new(bytes.Buffer)
	printThreads(buf, []registry.ThreadSummary{
		{ID: "thread-2", Name: "release", State: turn.Streaming, Queued: 1, PinnedAt: &pinned},
		{ID: "thread-1", State: turn.Idle},
	}, true)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("header = %q", lines[0])
	}
	if f := strings.Fields(lines[1]); f[0] != "thread-2" || f[1] != "release" || f[len(f)-1] != "yes" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if f := strings.Fields(lines[2]); f[0] != "thread-1" || f[1] != "-" {
		t.Errorf("row 2 = %q", lines[2])
	}
	if !strings.Contains(lines[3], "--all") {
		t.Errorf("footer = %q", lines[3])
	}
}

func TestNewRuntime(t *testing.T) {
	cfg, gormDB, err := connectFromConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("connectFromConfig: %v", err)
	}
	rt, err := newRuntime(cfg, gormDB, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.close()

	all := rt.reg.Workspaces()
	if len(all) != 2 || all[0].ID() != "api" || all[1].ID() != "web" {
		t.Fatalf("workspaces = %v", all)
	}
	if all[0].Connected() {
		t.Error("workspace connected before ConnectAll")
	}
	targets := rt.accountTargets()
	if len(targets) != 2 || targets[1].ID() != "web" {
		t.Errorf("targets = %v", targets)
	}

	if err := rt.reg.ConnectAll(t.Context()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	poller, err := account.New(account.Opts{List: rt.accountTargets, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	// Mock engines have no account support; refreshing them is a no-op.
	if n := poller.RefreshAll(t.Context()); n != 0 {
		t.Errorf("RefreshAll = %d, want 0", n)
	}
}

func TestCreateRelayAdapter(t *testing.T) {
	rt := &runtime{log: zerolog.Nop()}

	cfg := &config.Config{Relay: config.RelayConfig{Platform: "slack", Channel: "C1",
		Slack: config.SlackConfig{AppToken: "xapp-1", BotToken: "xoxb-1"}}}
	a, err := createRelayAdapter(cfg, rt)
	if err != nil {
		t.Fatalf("slack: %v", err)
	}
	if _, ok := a.(*slack.Adapter); !ok {
		t.Errorf("slack adapter = %T", a)
	}

	cfg.Relay = config.RelayConfig{Platform: "discord", Channel: "123", Discord: config.DiscordConfig{BotToken: "tok"}}
	a, err = createRelayAdapter(cfg, rt)
	if err != nil {
		t.Fatalf("discord: %v", err)
	}
	if _, ok := a.(*discord.Adapter); !ok {
		t.Errorf("discord adapter = %T", a)
	}

	cfg.Relay.Platform = "irc"
	if _, err := createRelayAdapter(cfg, rt); err == nil {
		t.Error("expected error for unsupported platform")
	}
}
