package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchboard/internal/account"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/relay/discord"
	"github.com/zulandar/switchboard/internal/relay/slack"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace registry with its dashboard and relay",
		Long: "Connects every configured workspace and serves the JSON dashboard, the chat relay " +
			"and the account poller until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Dashboard.Port = port
		cfg.Dashboard.Enabled = true
	}
	rt, err := newRuntime(cfg, gormDB, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			rt.log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if gone, err := rt.terms.Prune(); err == nil && len(gone) > 0 {
		rt.log.Info().Int("terminals", len(gone)).Msg("pruned stale terminals")
	}
	// Workspaces that fail to connect stay registered; the dashboard can retry.
	_ = rt.reg.ConnectAll(ctx)

	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				rt.log.Error().Err(err).Str("component", name).Msg("stopped with error")
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.sink.Run(ctx, 0)
	}()

	poller, err := account.New(account.Opts{Schedule: cfg.Account.PollCron, List: rt.accountTargets, Logger: rt.log})
	if err != nil {
		return err
	}
	poller.Start(ctx)

	if cfg.Dashboard.Enabled {
		run("dashboard", func() error {
			return dashboard.Start(ctx, dashboard.StartOpts{
				Registry:  rt.reg,
				DB:        rt.db,
				Terminals: rt.terms,
				Port:      cfg.Dashboard.Port,
				Logger:    rt.log,
			})
		})
	}

	if cfg.Relay.Platform != "" {
		r, err := newRelay(cfg, rt)
		if err != nil {
			return err
		}
		run("relay", func() error { return r.Run(ctx) })
	}

	rt.log.Info().Int("workspaces", len(cfg.Workspaces)).Msg("switchboard running")
	<-ctx.Done()
	wg.Wait()
	return nil
}

// newRelay builds the chat relay for the configured platform.
func newRelay(cfg *config.Config, rt *runtime) (*relay.Relay, error) {
	adapter, err := createRelayAdapter(cfg, rt)
	if err != nil {
		return nil, err
	}
	return relay.New(relay.Opts{
		Adapter:    adapter,
		Core:       rt.reg,
		Subscribe:  rt.reg.Subscribe,
		ChannelID:  cfg.Relay.Channel,
		RatePerSec: cfg.Relay.RatePerSec,
		Burst:      cfg.Relay.Burst,
		Logger:     rt.log,
	})
}

// createRelayAdapter builds a platform adapter from the config.
func createRelayAdapter(cfg *config.Config, rt *runtime) (relay.Adapter, error) {
	switch cfg.Relay.Platform {
	case "slack":
		return slack.New(slack.AdapterOpts{
			AppToken:  cfg.Relay.Slack.AppToken,
			BotToken:  cfg.Relay.Slack.BotToken,
			ChannelID: cfg.Relay.Channel,
			Logger:    rt.log,
		})
	case "discord":
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Relay.Discord.BotToken,
			ChannelID: cfg.Relay.Channel,
			Logger:    rt.log,
		})
	default:
		return nil, fmt.Errorf("relay: unsupported platform %q", cfg.Relay.Platform)
	}
}
