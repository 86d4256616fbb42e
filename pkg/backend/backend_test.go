// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

func TestLocal_StartMaterializesRun(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	local := NewLocal(store, zap.NewNop())

	runID, err := local.Start(context.Background(), types.RunSpec{
		FlowKeys:  []types.FlowKey{"build"},
		Initiator: "cli",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	sum, err := local.GetSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, sum.Status)
	assert.Equal(t, LocalID, sum.Spec.Backend)

	events, err := local.GetEvents(runID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventRunCreated, events[0].Kind)
	assert.Equal(t, types.EventBackendInit, events[1].Kind)
	assert.Equal(t, types.EventRunStarted, events[2].Kind)

	all, err := local.ListSummaries()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLocal_Cancel(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	local := NewLocal(store, zap.NewNop())

	runID, err := local.Start(context.Background(), types.RunSpec{FlowKeys: []types.FlowKey{"build"}})
	require.NoError(t, err)

	// no bound execution yet
	require.Error(t, local.Cancel(runID))

	ctx, cancel := context.WithCancel(context.Background())
	local.BindCancel(runID, cancel)
	require.NoError(t, local.Cancel(runID))
	assert.Error(t, ctx.Err())

	// second cancel has nothing to cancel
	require.Error(t, local.Cancel(runID))
}

func TestRegistry(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	local := NewLocal(store, zap.NewNop())
	Register(local)

	b, err := Lookup(LocalID)
	require.NoError(t, err)
	caps := b.Capabilities()
	assert.Equal(t, LocalID, caps.ID)
	assert.True(t, caps.SupportsCancel)
	assert.True(t, caps.SupportsEvents)

	_, err = Lookup("nope")
	assert.Error(t, err)
	assert.Contains(t, Registered(), LocalID)
}
