package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/account"
	"github.com/zulandar/switchboard/internal/activity"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/debuglog"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/terminal"
)

// runtime holds the collaborators shared by serve, chat and threads.
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *gorm.DB
	store    *store.Store
	sink     *debuglog.DBSink
	activity *activity.Notifier
	terms    *terminal.Manager
	reg      *registry.Registry
}

// connectFromConfig loads config, opens the store and migrates it.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("connect store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// newRuntime wires the registry and its collaborators from cfg. Every
// configured workspace is registered but left disconnected.
func newRuntime(cfg *config.Config, gormDB *gorm.DB, logOut io.Writer) (*runtime, error) {
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: logOut})
	if err != nil {
		return nil, err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return nil, err
	}
	if err := db.SeedWorkspaces(gormDB, cfg.Workspaces); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, db: gormDB, store: st}
	rt.sink = debuglog.NewDBSink(debuglog.DBSinkOpts{Write: st.SaveDebugEntries, Logger: log})
	rt.activity = activity.New(activity.Opts{
		Debounce: time.Duration(cfg.Activity.DebounceMs) * time.Millisecond,
		Command:  cfg.Activity.Command,
		Logger:   log,
		OnActivity: func(e activity.Event) {
			log.Debug().Str("workspace", e.WorkspaceID).Int("sends", e.Count).Msg("message activity")
		},
	})
	rt.terms = terminal.NewManager(terminal.Opts{})
	rt.reg = registry.New(registry.Opts{
		Logger: log,
		Debug:  debuglog.Multi(rt.sink, debuglog.LogSink{Logger: log}),
	})

	for _, wc := range cfg.Workspaces {
		ec, _ := cfg.Engine(wc.Engine)
		if _, err := rt.reg.AddWorkspace(registry.WorkspaceOpts{
			ID:           wc.ID,
			Name:         wc.Name,
			Path:         wc.Path,
			EngineName:   ec.Name,
			AccessMode:   engine.AccessMode(wc.AccessMode),
			Model:        wc.Model,
			LaunchScript: wc.LaunchScript,
			Dial:         dialer(ec, log),
			Store:        st,
			Activity:     rt.activity,
			Terminals:    rt.terms,
		}); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// accountTargets adapts the registry's workspaces for the account poller.
func (rt *runtime) accountTargets() []account.Target {
	all := rt.reg.Workspaces()
	out := make([]account.Target, len(all))
	for i, ws := range all {
		out[i] = ws
	}
	return out
}

// close disconnects workspaces and flushes pending debug entries.
func (rt *runtime) close() {
	if err := rt.reg.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("disconnect failed")
	}
	rt.activity.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.sink.Flush(ctx); err != nil {
		rt.log.Warn().Err(err).Msg("debug log flush failed")
	}
}
