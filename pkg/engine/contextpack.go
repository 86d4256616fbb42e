// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/types"
)

// ContextPack is the preferred hydration strategy: the committed
// envelopes of upstream steps plus their published artifacts.
type ContextPack struct {
	Envelopes []types.HandoffEnvelope `json:"envelopes"`
	Artifacts map[string]string       `json:"artifacts,omitempty"`
	BuiltAt   string                  `json:"built_at"`
}

// BuildContextPack collects committed envelopes for every flow step
// before current, in flow order. Returns an error when nothing is
// available, which sends the engine down the raw-history path.
func BuildContextPack(flowDir string, flow *types.FlowDefinition, current types.StepID) (*ContextPack, error) {
	if flow == nil {
		return nil, fmt.Errorf("no flow definition")
	}

	pack := &ContextPack{Artifacts: map[string]string{}, BuiltAt: types.Now()}
	for i := range flow.Steps {
		step := &flow.Steps[i]
		if step.ID == current {
			break
		}
		env, err := handoff.ReadEnvelope(flowDir, step.ID)
		if err != nil {
			continue
		}
		pack.Envelopes = append(pack.Envelopes, *env)
		for name, path := range env.Artifacts {
			pack.Artifacts[name] = path
		}
	}

	if len(pack.Envelopes) == 0 {
		return nil, fmt.Errorf("no upstream envelopes for step %s", current)
	}
	return pack, nil
}

// Hydrate attaches a ContextPack to the step context if absent. A
// failed build is not an error; the engine falls back to raw history.
func (sc *StepContext) Hydrate() {
	if sc.Pack != nil {
		return
	}
	pack, err := BuildContextPack(sc.FlowDir, sc.Flow, sc.Step.ID)
	if err != nil {
		return
	}
	sc.Pack = pack
}

// Render serializes the pack into prompt text.
func (p *ContextPack) Render() string {
	var b strings.Builder
	b.WriteString("Upstream step handoffs:\n")
	for i := range p.Envelopes {
		env := &p.Envelopes[i]
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", env.StepID, data)
	}
	if len(p.Artifacts) > 0 {
		b.WriteString("\nPublished artifacts:\n")
		for name, path := range p.Artifacts {
			fmt.Fprintf(&b, "  %s: %s\n", name, path)
		}
	}
	return b.String()
}
