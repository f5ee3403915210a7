// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepprogress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepforge/stepforge/internal/domain"
)

func TestView_EmptyStepsRendersNothing(t *testing.T) {
	m := New()
	assert.Equal(t, "", m.View())
}

func TestView_AllCompletedShowsCompleteLabel(t *testing.T) {
	m := New().SetSteps([]Step{
		{Name: "00-setup", Status: domain.StepCompleted},
		{Name: "01-work", Status: domain.StepCancelled},
	})
	assert.Contains(t, m.View(), "Complete")
	assert.Contains(t, m.View(), "2/2")
}

func TestView_RunningStepShowsItsNameAndSpinner(t *testing.T) {
	m := New().SetSteps([]Step{
		{Name: "00-setup", Status: domain.StepCompleted},
		{Name: "01-implement", Status: domain.StepRunning},
		{Name: "02-review", Status: domain.StepPending},
	})
	view := m.View()
	assert.Contains(t, view, "01-implement")
	assert.Contains(t, view, "2/3")
}

func TestView_BlockedStepIsReportedAsCurrent(t *testing.T) {
	m := New().SetSteps([]Step{
		{Name: "00-setup", Status: domain.StepCompleted},
		{Name: "01-implement", Status: domain.StepBlocked},
	})
	view := m.View()
	assert.Contains(t, view, "01-implement")
	assert.Contains(t, view, "blocked")
}

func TestInit_ReturnsTickCmdOnlyWhenAStepIsRunning(t *testing.T) {
	idle := New().SetSteps([]Step{{Name: "00-setup", Status: domain.StepPending}})
	assert.Nil(t, idle.Init())

	running := New().SetSteps([]Step{{Name: "00-setup", Status: domain.StepRunning}})
	assert.NotNil(t, running.Init())
}
