// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecHash_Deterministic(t *testing.T) {
	spec := &ProtocolSpec{Steps: []StepSpec{
		{ID: "build", Name: "00-build"},
		{ID: "test", Name: "01-test"},
	}}

	h1, err := SpecHash(spec)
	require.NoError(t, err)
	h2, err := SpecHash(spec)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, ShortHashLen)
}

func TestSpecHash_ChangesWithContent(t *testing.T) {
	spec1 := &ProtocolSpec{Steps: []StepSpec{{ID: "build", Name: "00-build"}}}
	spec2 := &ProtocolSpec{Steps: []StepSpec{{ID: "build", Name: "00-build-renamed"}}}

	h1, err := SpecHash(spec1)
	require.NoError(t, err)
	h2, err := SpecHash(spec2)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestDecodeEncodeProtocolSpec_RoundTrip(t *testing.T) {
	spec := &ProtocolSpec{Steps: []StepSpec{
		{ID: "build", Name: "00-build", Policies: []PolicyDescriptor{
			{Behavior: PolicyBehaviorLoop, Action: PolicyActionRetry, MaxIterations: 2},
		}},
	}}

	tc, err := EncodeProtocolSpec(spec)
	require.NoError(t, err)

	decoded, err := DecodeProtocolSpec(tc)
	require.NoError(t, err)
	require.Len(t, decoded.Steps, 1)
	assert.Equal(t, "build", decoded.Steps[0].ID)
	assert.Equal(t, PolicyActionRetry, decoded.Steps[0].Policies[0].Action)
}

func TestDecodeProtocolSpec_MissingKey(t *testing.T) {
	spec, err := DecodeProtocolSpec(JSONMap{})
	require.NoError(t, err)
	assert.Empty(t, spec.Steps)
}

func TestProtocolSpec_FindStep(t *testing.T) {
	spec := &ProtocolSpec{Steps: []StepSpec{
		{ID: "build", Name: "00-build"},
		{ID: "test", Name: "01-test"},
	}}

	step, ok := spec.FindStep("test")
	require.True(t, ok)
	assert.Equal(t, "01-test", step.Name)

	_, ok = spec.FindStep("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, spec.IndexOf("test"))
	assert.Equal(t, -1, spec.IndexOf("missing"))
}

func TestPolicyDescriptor_StepBackOrDefault(t *testing.T) {
	assert.Equal(t, 1, PolicyDescriptor{}.StepBackOrDefault())
	assert.Equal(t, 3, PolicyDescriptor{StepBack: 3}.StepBackOrDefault())
}

func TestProtocolStatus_IsTerminal(t *testing.T) {
	assert.True(t, ProtocolCompleted.IsTerminal())
	assert.True(t, ProtocolFailed.IsTerminal())
	assert.True(t, ProtocolCancelled.IsTerminal())
	assert.False(t, ProtocolBlocked.IsTerminal())
	assert.False(t, ProtocolRunning.IsTerminal())
}

func TestStepStatus_IsTerminalSuccess(t *testing.T) {
	assert.True(t, StepCompleted.IsTerminalSuccess())
	assert.True(t, StepCancelled.IsTerminalSuccess())
	assert.False(t, StepFailed.IsTerminalSuccess())
	assert.False(t, StepNeedsQA.IsTerminalSuccess())
}
