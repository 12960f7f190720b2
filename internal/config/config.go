// Package config provides YAML-based configuration loading for switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no --config flag is given.
const DefaultPath = "switchboard.yaml"

// Config is the top-level switchboard configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store"`
	Engines    []EngineConfig    `yaml:"engines"`
	Workspaces []WorkspaceConfig `yaml:"workspaces"`
	Dashboard  DashboardConfig   `yaml:"dashboard"`
	Relay      RelayConfig       `yaml:"relay"`
	Account    AccountConfig     `yaml:"account"`
	Activity   ActivityConfig    `yaml:"activity"`
	Log        LogConfig         `yaml:"log"`
}

// StoreConfig selects and locates the persistence database.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite | mysql
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EngineConfig binds a name to an engine implementation.
type EngineConfig struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"` // claude | codex | mock
	Binary string   `yaml:"binary"`
	Model  string   `yaml:"model"`
	Args   []string `yaml:"args"`
}

// WorkspaceConfig is a project root bound to one engine.
type WorkspaceConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Path         string `yaml:"path"`
	Engine       string `yaml:"engine"`
	AccessMode   string `yaml:"access_mode"`
	Model        string `yaml:"model"`
	LaunchScript string `yaml:"launch_script"`
}

// DashboardConfig holds settings for the HTTP dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RelayConfig holds settings for the remote approval relay.
type RelayConfig struct {
	Platform   string        `yaml:"platform"` // slack | discord | "" (disabled)
	Channel    string        `yaml:"channel"`
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// AccountConfig schedules account and rate-limit refreshes.
type AccountConfig struct {
	PollCron string `yaml:"poll_cron"`
}

// ActivityConfig configures the message-activity notifier.
type ActivityConfig struct {
	DebounceMs int    `yaml:"debounce_ms"`
	Command    string `yaml:"command"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Engine returns the engine config with the given name.
func (c *Config) Engine(name string) (EngineConfig, bool) {
	for _, e := range c.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return EngineConfig{}, false
}

// Workspace returns the workspace config with the given id.
func (c *Config) Workspace(id string) (WorkspaceConfig, bool) {
	for _, w := range c.Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return WorkspaceConfig{}, false
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "switchboard.db"
	}
	if c.Store.Host == "" {
		c.Store.Host = "127.0.0.1"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.User == "" {
		c.Store.User = "root"
	}
	if c.Store.Database == "" {
		c.Store.Database = "switchboard"
	}
	for i := range c.Engines {
		if c.Engines[i].Binary == "" {
			c.Engines[i].Binary = c.Engines[i].Kind
		}
	}
	for i := range c.Workspaces {
		w := &c.Workspaces[i]
		if w.Name == "" {
			w.Name = w.ID
		}
		if w.AccessMode == "" {
			w.AccessMode = "on-request"
		}
		if w.Engine == "" && len(c.Engines) == 1 {
			w.Engine = c.Engines[0].Name
		}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Relay.RatePerSec == 0 {
		c.Relay.RatePerSec = 1
	}
	if c.Relay.Burst == 0 {
		c.Relay.Burst = 3
	}
	if c.Account.PollCron == "" {
		c.Account.PollCron = "*/5 * * * *"
	}
	if c.Activity.DebounceMs == 0 {
		c.Activity.DebounceMs = 1500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}

	engines := make(map[string]bool)
	for i, e := range c.Engines {
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("engines[%d].name is required", i))
		} else if engines[e.Name] {
			errs = append(errs, fmt.Sprintf("engines[%d].name %q is duplicated", i, e.Name))
		}
		engines[e.Name] = true
		switch e.Kind {
		case "claude", "codex", "mock":
		default:
			errs = append(errs, fmt.Sprintf("engines[%d].kind %q must be claude, codex or mock", i, e.Kind))
		}
	}

	ids := make(map[string]bool)
	for i, w := range c.Workspaces {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].id is required", i))
		} else if ids[w.ID] {
			errs = append(errs, fmt.Sprintf("workspaces[%d].id %q is duplicated", i, w.ID))
		}
		ids[w.ID] = true
		if w.Path == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].path is required", i))
		}
		if !engines[w.Engine] {
			errs = append(errs, fmt.Sprintf("workspaces[%d].engine %q is not a configured engine", i, w.Engine))
		}
		switch w.AccessMode {
		case "read-only", "on-request", "full-access":
		default:
			errs = append(errs, fmt.Sprintf("workspaces[%d].access_mode %q is invalid", i, w.AccessMode))
		}
	}

	switch c.Relay.Platform {
	case "":
	case "slack":
		if c.Relay.Slack.AppToken == "" || c.Relay.Slack.BotToken == "" {
			errs = append(errs, "relay.slack.app_token and relay.slack.bot_token are required")
		}
	case "discord":
		if c.Relay.Discord.BotToken == "" {
			errs = append(errs, "relay.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q must be slack or discord", c.Relay.Platform))
	}
	if c.Relay.Platform != "" && c.Relay.Channel == "" {
		errs = append(errs, "relay.channel is required")
	}

	if _, err := cron.ParseStandard(c.Account.PollCron); err != nil {
		errs = append(errs, fmt.Sprintf("account.poll_cron: %v", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
