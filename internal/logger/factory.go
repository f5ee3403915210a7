// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/stepforge/stepforge/internal/config"
)

// process-wide manager, installed by Init. Components that run before Init
// (tests, standalone tools) fall back to a bare console logger.
var globalManager *Manager

// Init installs the process-wide logger manager.
func Init(m *Manager) {
	globalManager = m
}

// Initialize builds a Manager from cfg and installs it as the process-wide
// logger. A second call is a no-op so callers don't need to guard against
// double-initialization.
func Initialize(cfg *config.LogConfig) error {
	if globalManager != nil {
		return nil
	}
	m, err := NewManager(cfg)
	if err != nil {
		return err
	}
	Init(m)
	return nil
}

// CloseGlobal closes the process-wide logger manager, if one is installed.
func CloseGlobal() error {
	if globalManager == nil {
		return nil
	}
	return globalManager.Close()
}

// getLogger returns a named logger, falling back to a plain console logger
// when no Manager has been installed.
func getLogger(pkg string) zerolog.Logger {
	if globalManager == nil {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("pkg", pkg).Timestamp().Logger()
	}
	return globalManager.GetLogger(pkg)
}

// GetLogger returns the named logger for an arbitrary package.
func GetLogger(pkg string) zerolog.Logger { return getLogger(pkg) }

// GetStoreLogger returns the logger for the store package.
func GetStoreLogger() zerolog.Logger { return getLogger("store") }

// GetQueueLogger returns the logger for the job queue package.
func GetQueueLogger() zerolog.Logger { return getLogger("queue") }

// GetWorkerLogger returns the logger for the worker loop.
func GetWorkerLogger() zerolog.Logger { return getLogger("worker") }

// GetExecutorLogger returns the logger for the step executor.
func GetExecutorLogger() zerolog.Logger { return getLogger("executor") }

// GetPlannerLogger returns the logger for the protocol planner.
func GetPlannerLogger() zerolog.Logger { return getLogger("planner") }

// GetQALogger returns the logger for the QA gate.
func GetQALogger() zerolog.Logger { return getLogger("qa") }

// GetWebhookLogger returns the logger for the webhook reducer.
func GetWebhookLogger() zerolog.Logger { return getLogger("webhook") }

// GetAPILogger returns the logger for the HTTP API server.
func GetAPILogger() zerolog.Logger { return getLogger("api") }

// GetGitLogger returns the logger for git worktree operations.
func GetGitLogger() zerolog.Logger { return getLogger("git") }

// GetEngineLogger returns the logger for engine adapters.
func GetEngineLogger() zerolog.Logger { return getLogger("engine") }

// GetPolicyLogger returns the logger for the policy runtime.
func GetPolicyLogger() zerolog.Logger { return getLogger("policy") }

// GetMetricsLogger returns the logger for the metrics package.
func GetMetricsLogger() zerolog.Logger { return getLogger("metrics") }
