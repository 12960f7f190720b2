package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
store:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: sb
  database: switchboard_alice

engines:
  - name: claude
    kind: claude
    binary: /usr/local/bin/claude
    model: sonnet
  - name: codex
    kind: codex
    args: ["--config", "model_reasoning_effort=high"]

workspaces:
  - id: api
    name: API server
    path: /src/api
    engine: codex
    access_mode: full-access
    launch_script: make dev
  - id: web
    path: /src/web
    engine: claude

dashboard:
  enabled: true
  port: 9090

relay:
  platform: slack
  channel: C123
  slack:
    app_token: xapp-1
    bot_token: xoxb-1
  rate_per_sec: 2
  burst: 5

account:
  poll_cron: "*/10 * * * *"

activity:
  debounce_ms: 500
  command: "git -C {{.Path}} status --short"

log:
  level: debug
  format: json
`

const minimalYAML = `
engines:
  - name: claude
    kind: claude
workspaces:
  - id: app
    path: /src/app
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != "mysql" || cfg.Store.Host != "10.0.0.5" || cfg.Store.Port != 3307 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.User != "sb" || cfg.Store.Database != "switchboard_alice" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if len(cfg.Engines) != 2 {
		t.Fatalf("len(Engines) = %d, want 2", len(cfg.Engines))
	}
	if cfg.Engines[0].Binary != "/usr/local/bin/claude" {
		t.Errorf("Engines[0].Binary = %q", cfg.Engines[0].Binary)
	}
	if cfg.Engines[1].Binary != "codex" {
		t.Errorf("Engines[1].Binary = %q, want default codex", cfg.Engines[1].Binary)
	}
	if len(cfg.Engines[1].Args) != 2 {
		t.Errorf("Engines[1].Args = %v", cfg.Engines[1].Args)
	}

	api, ok := cfg.Workspace("api")
	if !ok {
		t.Fatal("workspace api not found")
	}
	if api.Name != "API server" || api.AccessMode != "full-access" || api.LaunchScript != "make dev" {
		t.Errorf("api = %+v", api)
	}
	web, _ := cfg.Workspace("web")
	if web.Name != "web" {
		t.Errorf("web.Name = %q, want id fallback", web.Name)
	}
	if web.AccessMode != "on-request" {
		t.Errorf("web.AccessMode = %q, want on-request", web.AccessMode)
	}

	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	if cfg.Relay.Platform != "slack" || cfg.Relay.RatePerSec != 2 || cfg.Relay.Burst != 5 {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Account.PollCron != "*/10 * * * *" {
		t.Errorf("PollCron = %q", cfg.Account.PollCron)
	}
	if cfg.Activity.DebounceMs != 500 {
		t.Errorf("DebounceMs = %d", cfg.Activity.DebounceMs)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "switchboard.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.Port != 3306 || cfg.Store.User != "root" || cfg.Store.Database != "switchboard" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Workspaces[0].Engine != "claude" {
		t.Errorf("Engine = %q, want sole engine claude", cfg.Workspaces[0].Engine)
	}
	if cfg.Dashboard.Port != 8080 {
		t.Errorf("Dashboard.Port = %d", cfg.Dashboard.Port)
	}
	if cfg.Relay.RatePerSec != 1 || cfg.Relay.Burst != 3 {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Account.PollCron != "*/5 * * * *" {
		t.Errorf("PollCron = %q", cfg.Account.PollCron)
	}
	if cfg.Activity.DebounceMs != 1500 {
		t.Errorf("DebounceMs = %d", cfg.Activity.DebounceMs)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad store driver",
			yaml: "store:\n  driver: postgres\n",
			want: []string{`store.driver "postgres"`},
		},
		{
			name: "engine without name or kind",
			yaml: "engines:\n  - binary: x\n",
			want: []string{"engines[0].name is required", `engines[0].kind ""`},
		},
		{
			name: "duplicate engine",
			yaml: "engines:\n  - {name: a, kind: claude}\n  - {name: a, kind: codex}\n",
			want: []string{`engines[1].name "a" is duplicated`},
		},
		{
			name: "workspace references unknown engine",
			yaml: "engines:\n  - {name: a, kind: claude}\n  - {name: b, kind: codex}\nworkspaces:\n  - {id: w, path: /w, engine: c}\n",
			want: []string{`workspaces[0].engine "c" is not a configured engine`},
		},
		{
			name: "workspace missing id and path",
			yaml: "engines:\n  - {name: a, kind: claude}\nworkspaces:\n  - {engine: a}\n",
			want: []string{"workspaces[0].id is required", "workspaces[0].path is required"},
		},
		{
			name: "bad access mode",
			yaml: "engines:\n  - {name: a, kind: claude}\nworkspaces:\n  - {id: w, path: /w, access_mode: yolo}\n",
			want: []string{`workspaces[0].access_mode "yolo" is invalid`},
		},
		{
			name: "slack without tokens",
			yaml: "relay:\n  platform: slack\n  channel: C1\n",
			want: []string{"relay.slack.app_token and relay.slack.bot_token are required"},
		},
		{
			name: "discord without channel",
			yaml: "relay:\n  platform: discord\n  discord:\n    bot_token: t\n",
			want: []string{"relay.channel is required"},
		},
		{
			name: "unknown relay platform",
			yaml: "relay:\n  platform: irc\n  channel: x\n",
			want: []string{`relay.platform "irc"`},
		},
		{
			name: "bad cron",
			yaml: "account:\n  poll_cron: every minute\n",
			want: []string{"account.poll_cron"},
		},
		{
			name: "bad log format",
			yaml: "log:\n  format: xml\n",
			want: []string{`log.format "xml"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), "config: validation failed: ") {
				t.Errorf("error = %q, want validation prefix", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q missing %q", err, w)
				}
			}
		})
	}
}

func TestParse_EmptyIsValid(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Workspaces) != 0 {
		t.Errorf("Workspaces = %v", cfg.Workspaces)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("engines: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.Engine("claude"); !ok {
		t.Error("engine claude not found")
	}
	if _, ok := cfg.Engine("missing"); ok {
		t.Error("unexpected engine")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("err = %v, want read error", err)
	}
}
