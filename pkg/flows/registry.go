// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package flows loads and serves the flow registry: the canonical
// ordering, routing configuration, and step metadata for every flow.
// The registry is read-only after construction.
package flows

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/swarm/pkg/types"
)

// UnknownFlowIndex is the sentinel returned by GetIndex for unknown keys.
const UnknownFlowIndex = 99

// AgentPosition locates one assignment of an agent within the registry.
// Cross-cutting agents carry an empty StepID and StepIdx 0.
type AgentPosition struct {
	FlowKey types.FlowKey
	StepID  types.StepID
	FlowIdx int
	StepIdx int
}

// flowsFile is the top-level flows.yaml schema.
type flowsFile struct {
	Flows []flowEntry `yaml:"flows"`
}

type flowEntry struct {
	Key         string `yaml:"key"`
	Index       int    `yaml:"index"`
	Title       string `yaml:"title"`
	ShortTitle  string `yaml:"short_title"`
	Description string `yaml:"description"`
	IsSDLC      bool   `yaml:"is_sdlc"`
}

// stepsFile is the per-flow YAML schema.
type stepsFile struct {
	Steps        []types.StepDefinition `yaml:"steps"`
	CrossCutting []types.AgentKey       `yaml:"cross_cutting"`
}

// Registry holds every flow definition plus the derived indexes. It is
// immutable after Load returns.
type Registry struct {
	flowsInOrder []types.FlowDefinition
	byKey        map[types.FlowKey]*types.FlowDefinition
	agentIndex   map[types.AgentKey][]AgentPosition
	totalSteps   int
}

// Load reads flows.yaml plus one <key>.yaml per flow from configRoot and
// builds the registry. A missing per-flow file leaves that flow with
// empty steps; a schema violation fails the whole load.
func Load(configRoot string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(filepath.Join(configRoot, "flows.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read flows.yaml: %w", err)
	}

	var top flowsFile
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse flows.yaml: %w", err)
	}
	if len(top.Flows) == 0 {
		return nil, fmt.Errorf("flows.yaml defines no flows")
	}

	entries := make([]flowEntry, len(top.Flows))
	copy(entries, top.Flows)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	r := &Registry{
		byKey:      make(map[types.FlowKey]*types.FlowDefinition, len(entries)),
		agentIndex: make(map[types.AgentKey][]AgentPosition),
	}

	for i, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("flows.yaml: flow %d has no key", i)
		}
		if e.Index != i+1 {
			return nil, fmt.Errorf("flows.yaml: flow %q has index %d, want %d (indices must be contiguous from 1)", e.Key, e.Index, i+1)
		}
		if _, dup := r.byKey[e.Key]; dup {
			return nil, fmt.Errorf("flows.yaml: duplicate flow key %q", e.Key)
		}

		flow := types.FlowDefinition{
			Key:         e.Key,
			Index:       e.Index,
			Title:       e.Title,
			ShortTitle:  e.ShortTitle,
			Description: e.Description,
			IsSDLC:      e.IsSDLC,
		}

		steps, crossCutting, err := loadFlowSteps(configRoot, e.Key, logger)
		if err != nil {
			return nil, err
		}
		flow.Steps = steps
		flow.CrossCutting = crossCutting

		r.flowsInOrder = append(r.flowsInOrder, flow)
		r.byKey[flow.Key] = &r.flowsInOrder[len(r.flowsInOrder)-1]
		r.totalSteps += len(steps)
	}

	r.buildAgentIndex()

	logger.Info("flow registry loaded",
		zap.Int("flows", len(r.flowsInOrder)),
		zap.Int("steps", r.totalSteps))
	return r, nil
}

func loadFlowSteps(configRoot string, key types.FlowKey, logger *zap.Logger) ([]types.StepDefinition, []types.AgentKey, error) {
	path := filepath.Join(configRoot, key+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A flow listed in flows.yaml without a step file is legal:
			// it simply has no steps yet.
			logger.Warn("flow has no step definition file", zap.String("flow", key), zap.String("path", path))
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var sf stepsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range sf.Steps {
		step := &sf.Steps[i]
		if err := types.ValidateStepID(step.ID); err != nil {
			return nil, nil, fmt.Errorf("%s: step %d: %w", path, i+1, err)
		}
		if step.Index != 0 && step.Index != i+1 {
			return nil, nil, fmt.Errorf("%s: step %q has index %d, want %d", path, step.ID, step.Index, i+1)
		}
		step.Index = i + 1
		if step.Routing != nil {
			if err := validateRouting(key, step); err != nil {
				return nil, nil, err
			}
		}
	}
	return sf.Steps, sf.CrossCutting, nil
}

func validateRouting(flow types.FlowKey, step *types.StepDefinition) error {
	rt := step.Routing
	switch rt.Kind {
	case types.RoutingLinear, types.RoutingTerminal, types.RoutingJoin:
		return nil
	case types.RoutingMicroloop:
		if rt.LoopTarget == "" {
			return fmt.Errorf("flow %s step %s: microloop routing requires loop_target", flow, step.ID)
		}
		if rt.MaxIterations < 1 {
			return fmt.Errorf("flow %s step %s: microloop max_iterations must be >= 1", flow, step.ID)
		}
		return nil
	case types.RoutingBranch:
		if len(rt.Branches) == 0 {
			return fmt.Errorf("flow %s step %s: branch routing requires branches", flow, step.ID)
		}
		return nil
	case types.RoutingFork:
		if len(rt.ForkTargets) == 0 {
			return fmt.Errorf("flow %s step %s: fork routing requires fork_targets", flow, step.ID)
		}
		return nil
	default:
		return fmt.Errorf("flow %s step %s: unknown routing kind %q", flow, step.ID, rt.Kind)
	}
}

func (r *Registry) buildAgentIndex() {
	for _, flow := range r.flowsInOrder {
		for _, step := range flow.Steps {
			for _, agent := range step.Agents {
				r.agentIndex[agent] = append(r.agentIndex[agent], AgentPosition{
					FlowKey: flow.Key,
					StepID:  step.ID,
					FlowIdx: flow.Index,
					StepIdx: step.Index,
				})
			}
		}
		for _, agent := range flow.CrossCutting {
			r.agentIndex[agent] = append(r.agentIndex[agent], AgentPosition{
				FlowKey: flow.Key,
				FlowIdx: flow.Index,
			})
		}
	}
}

// FlowOrder returns every flow in canonical order.
func (r *Registry) FlowOrder() []types.FlowDefinition {
	out := make([]types.FlowDefinition, len(r.flowsInOrder))
	copy(out, r.flowsInOrder)
	return out
}

// SDLCFlowKeys returns the keys of the core SDLC flows in order.
func (r *Registry) SDLCFlowKeys() []types.FlowKey {
	var keys []types.FlowKey
	for _, f := range r.flowsInOrder {
		if f.IsSDLC {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// GetFlow returns the flow for key, or nil if unknown.
func (r *Registry) GetFlow(key types.FlowKey) *types.FlowDefinition {
	return r.byKey[key]
}

// GetSteps returns the ordered steps of a flow, or nil for unknown keys.
func (r *Registry) GetSteps(key types.FlowKey) []types.StepDefinition {
	if f := r.byKey[key]; f != nil {
		return f.Steps
	}
	return nil
}

// GetStepIndex returns the 1-based index of a step within its flow, or 0
// when the flow or step is unknown.
func (r *Registry) GetStepIndex(key types.FlowKey, stepID types.StepID) int {
	f := r.byKey[key]
	if f == nil {
		return 0
	}
	if s := f.Step(stepID); s != nil {
		return s.Index
	}
	return 0
}

// GetIndex returns the flow's 1-based global index, or UnknownFlowIndex.
func (r *Registry) GetIndex(key types.FlowKey) int {
	if f := r.byKey[key]; f != nil {
		return f.Index
	}
	return UnknownFlowIndex
}

// GetAgentPositions returns every position the agent appears at.
func (r *Registry) GetAgentPositions(agent types.AgentKey) []AgentPosition {
	return r.agentIndex[agent]
}

// SpecID returns the "{index}-{key}" identifier used in spec filenames.
func (r *Registry) SpecID(key types.FlowKey) string {
	return fmt.Sprintf("%d-%s", r.GetIndex(key), key)
}

// TotalFlows returns the number of registered flows.
func (r *Registry) TotalFlows() int { return len(r.flowsInOrder) }

// TotalSteps returns the number of steps across all flows.
func (r *Registry) TotalSteps() int { return r.totalSteps }

// ============================================================================
// Process-wide accessor
// ============================================================================

var (
	defaultMu  sync.Mutex
	defaultReg *Registry
)

// Default loads the registry from configRoot on first call and returns
// the same instance afterwards (the configRoot of later calls is ignored).
func Default(configRoot string, logger *zap.Logger) (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg != nil {
		return defaultReg, nil
	}
	r, err := Load(configRoot, logger)
	if err != nil {
		return nil, err
	}
	defaultReg = r
	return r, nil
}

// ResetDefault clears the process-wide registry. Test use only.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultReg = nil
}
