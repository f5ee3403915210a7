// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	dockerclient "github.com/docker/docker/client"
	"go.temporal.io/sdk/client"

	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/executor"
	"github.com/stepforge/stepforge/internal/gitrepo"
	"github.com/stepforge/stepforge/internal/logger"
	"github.com/stepforge/stepforge/internal/planner"
	"github.com/stepforge/stepforge/internal/policyrt"
	"github.com/stepforge/stepforge/internal/qa"
	"github.com/stepforge/stepforge/internal/queue"
	"github.com/stepforge/stepforge/internal/server"
	"github.com/stepforge/stepforge/internal/store"
	"github.com/stepforge/stepforge/internal/webhook"
	"github.com/stepforge/stepforge/internal/worker"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logManager, err := logger.NewManager(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logManager)
	defer logManager.Close()

	mainLog := logManager.GetLogger("main")
	mainLog.Info().Msg("starting stepforge API server")

	st, err := store.New(&cfg.Database)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()
	if err := st.AutoMigrate(); err != nil {
		mainLog.Fatal().Err(err).Msg("failed to migrate schema")
	}

	q, err := buildQueue(cfg)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to build job queue")
	}

	engines := buildEngines(cfg)

	worktrees := gitrepo.NewWorktreeManager(cfg.Git.WorktreeBasePath)
	policies := policyrt.New(st)

	bus := server.NewEventBus()
	broadcasting := server.NewBroadcastingStore(st, bus)

	execOpts := executor.Options{
		MaxTokensPerStep:     cfg.Budget.MaxTokensPerStep,
		MaxTokensPerProtocol: cfg.Budget.MaxTokensPerProtocol,
		TokenBudgetMode:      cfg.Budget.Mode,
		AutoQAAfterExec:      true,
		QueueName:            cfg.Queue.Redis.QueueName,
	}
	if execOpts.QueueName == "" {
		execOpts.QueueName = queue.DefaultQueueName
	}

	// executor and qa.Gate depend on each other (executor auto-triggers QA
	// after a successful step; the QA gate dispatches trigger policies back
	// through the executor after a pass or skip). Break the construction cycle by
	// wiring the executor with no quality runner, building the gate against
	// it as TriggerDispatcher, then closing the loop.
	exec := executor.New(broadcasting, engines, policies, q, nil, execOpts)
	gate := qa.New(broadcasting, engines, policies, exec, qa.Options{
		MaxTokensPerStep:     cfg.Budget.MaxTokensPerStep,
		MaxTokensPerProtocol: cfg.Budget.MaxTokensPerProtocol,
		TokenBudgetMode:      cfg.Budget.Mode,
	})
	exec.SetQuality(gate)

	plan := planner.New(broadcasting, engines, worktrees, planner.Options{
		MaxTokensPerStep:     cfg.Budget.MaxTokensPerStep,
		MaxTokensPerProtocol: cfg.Budget.MaxTokensPerProtocol,
		TokenBudgetMode:      cfg.Budget.Mode,
	})

	hooks := webhook.New(broadcasting, cfg.Server.WebhookToken)

	w := worker.New(broadcasting, q, plan, exec, gate, worker.Options{
		QueueName:    execOpts.QueueName,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	})

	handlers := server.NewHandlers(broadcasting, q, hooks, execOpts.QueueName)
	srv := server.New(&cfg.Server, handlers, bus)

	ctx, cancel := context.WithCancel(context.Background())

	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverDone := false
	select {
	case sig := <-sigChan:
		mainLog.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case err := <-serverErrChan:
		serverDone = true
		if err != nil {
			mainLog.Error().Err(err).Msg("server error")
		}
	case <-workerDone:
		mainLog.Warn().Msg("worker loop exited unexpectedly")
	}

	cancel()
	if !serverDone {
		<-serverErrChan
	}
	<-workerDone
	mainLog.Info().Msg("stepforge API server shut down")
}

func buildQueue(cfg *config.AppConfig) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Queue.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		return queue.NewRedisQueue(rdb, cfg.Queue.Redis.QueueName), nil
	case "temporal":
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Queue.Temporal.HostPort,
			Namespace: cfg.Queue.Temporal.Namespace,
			Logger:    logger.GetTemporalLogAdapter("queue.temporal"),
		})
		if err != nil {
			return nil, fmt.Errorf("dial temporal: %w", err)
		}
		return queue.NewTemporalQueue(c, cfg.Queue.Temporal.TaskQueue), nil
	default:
		return queue.NewMemoryQueue(), nil
	}
}

func buildEngines(cfg *config.AppConfig) *engine.Registry {
	registry := engine.NewRegistry()
	registry.Register(engine.NewStubEngine())

	if cfg.Engine.CLIPath != "" {
		registry.Register(engine.NewCLIEngine(engine.CLIEngineConfig{
			ID:          "cli",
			Binary:      cfg.Engine.CLIPath,
			SandboxFlag: "--sandbox",
		}))
	}

	if cfg.Engine.Sandbox.DockerHost != "" {
		cli, err := dockerclient.NewClientWithOpts(
			dockerclient.WithHost(cfg.Engine.Sandbox.DockerHost),
			dockerclient.WithAPIVersionNegotiation(),
		)
		if err == nil {
			registry.Register(engine.NewDockerEngine(cli, engine.DockerEngineConfig{
				ID:    "docker",
				Image: cfg.Engine.Sandbox.Image,
			}))
		}
	}

	if cfg.Engine.DefaultEngine != "" {
		registry.SetDefault(cfg.Engine.DefaultEngine)
	}
	return registry
}
