// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stepprogress renders a single-line progress bar for a protocol
// run's step sequence, for use by read-only status viewers.
package stepprogress

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stepforge/stepforge/internal/domain"
)

// Step is the subset of a StepRun the progress bar needs to render.
type Step struct {
	Name   string
	Status domain.StepStatus
}

// Model renders a protocol run's steps as a bar plus a current-step label.
type Model struct {
	steps   []Step
	width   int
	spinner spinner.Model
}

// New creates a new step progress model.
func New() Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	return Model{width: 30, spinner: s}
}

// SetSteps sets the list of steps.
func (m Model) SetSteps(steps []Step) Model {
	m.steps = steps
	return m
}

// SetWidth sets the progress bar width.
func (m Model) SetWidth(w int) Model {
	m.width = w
	return m
}

func (m Model) Init() tea.Cmd {
	for _, s := range m.steps {
		if s.Status == domain.StepRunning {
			return m.spinner.Tick
		}
	}
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// View renders: [▓▓▓▓▓░░░░░] 2/4 01-implement (blocked)
func (m Model) View() string {
	if len(m.steps) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	accent := lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	success := lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	danger := lipgloss.NewStyle().Foreground(lipgloss.Color("204"))

	completed := 0
	currentIdx := -1
	blocked := false
	for i, s := range m.steps {
		if s.Status.IsTerminalSuccess() {
			completed++
		}
		if s.Status == domain.StepRunning || s.Status == domain.StepNeedsQA {
			currentIdx = i
		}
		if s.Status == domain.StepBlocked || s.Status == domain.StepFailed {
			blocked = true
			if currentIdx < 0 {
				currentIdx = i
			}
		}
	}

	total := len(m.steps)
	filled := (completed * m.width) / total
	if currentIdx >= 0 {
		filled = (completed*m.width + m.width/2) / total
	}

	barStyle := success
	if blocked {
		barStyle = danger
	}

	bar := ""
	for i := 0; i < m.width; i++ {
		if i < filled {
			bar += barStyle.Render("▓")
		} else {
			bar += dim.Render("░")
		}
	}

	displayStep := completed
	label := ""
	if currentIdx >= 0 {
		displayStep = currentIdx + 1
		step := m.steps[currentIdx]
		text := fmt.Sprintf("%s (%s)", step.Name, step.Status)
		switch {
		case step.Status == domain.StepBlocked || step.Status == domain.StepFailed:
			label = danger.Render(text)
		case step.Status == domain.StepRunning:
			label = accent.Render(fmt.Sprintf("%s %s", m.spinner.View(), text))
		default:
			label = accent.Render(text)
		}
	} else if completed == total {
		label = success.Render("Complete ✓")
	}

	return fmt.Sprintf("[%s] %s %s", bar, dim.Render(fmt.Sprintf("%d/%d", displayStep, total)), label)
}
