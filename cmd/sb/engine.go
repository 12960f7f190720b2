package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/engine/claude"
	"github.com/zulandar/switchboard/internal/engine/codex"
	"github.com/zulandar/switchboard/internal/registry"
)

// newAdapter builds an engine adapter from its config.
func newAdapter(ec config.EngineConfig, log zerolog.Logger) (engine.Adapter, error) {
	switch ec.Kind {
	case "claude":
		return claude.New(claude.AdapterOpts{
			Name:   ec.Name,
			Binary: ec.Binary,
			Model:  ec.Model,
			Args:   ec.Args,
			Logger: log,
		}), nil
	case "codex":
		return codex.New(codex.AdapterOpts{
			Name:    ec.Name,
			Binary:  ec.Binary,
			Model:   ec.Model,
			Args:    ec.Args,
			Version: Version,
			Logger:  log,
		}), nil
	case "mock":
		return engine.NewMockAdapter(ec.Name), nil
	default:
		return nil, fmt.Errorf("engine %q: unsupported kind %q", ec.Name, ec.Kind)
	}
}

// dialer returns a DialFunc that builds a fresh adapter on every connect,
// so a reconnect after Disconnect never reuses a closed adapter.
func dialer(ec config.EngineConfig, log zerolog.Logger) registry.DialFunc {
	return func(context.Context) (engine.Adapter, error) {
		return newAdapter(ec, log)
	}
}
