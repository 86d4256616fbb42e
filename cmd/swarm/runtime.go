// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/internal/log"
	"github.com/teradata-labs/swarm/pkg/backend"
	"github.com/teradata-labs/swarm/pkg/engine"
	"github.com/teradata-labs/swarm/pkg/flows"
	"github.com/teradata-labs/swarm/pkg/llm/anthropic"
	"github.com/teradata-labs/swarm/pkg/runstore"
)

// runtime bundles the pieces every command needs.
type runtime struct {
	store    *runstore.Store
	registry *flows.Registry
	engine   engine.Engine
	local    *backend.Local
}

// buildRuntime resolves config into a run store, flow registry, engine,
// and the local backend. The engine is a live session engine when an
// Anthropic key is configured, the deterministic stub otherwise.
func buildRuntime() (*runtime, error) {
	logger := log.Logger()

	store := runstore.NewStore(viper.GetString("runs-root"), logger)
	registry, err := flows.Default(viper.GetString("flows-dir"), logger)
	if err != nil {
		return nil, fmt.Errorf("load flow registry: %w", err)
	}

	var eng engine.Engine
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		provider, err := anthropic.New(anthropic.Config{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		eng, err = engine.NewSessionEngine(engine.SessionConfig{Provider: provider, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("session engine: %w", err)
		}
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set, using the stub engine")
		eng = engine.NewStubEngine(engine.StubConfig{Logger: logger})
	}

	local := backend.NewLocal(store, logger)
	backend.Register(local)

	return &runtime{store: store, registry: registry, engine: eng, local: local}, nil
}
