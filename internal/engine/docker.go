// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/stepforge/stepforge/internal/domain"
)

// DockerEngine runs each Plan/Execute/QA invocation inside a fresh,
// ephemeral container: the project's working directory is bind-mounted in,
// the prompt is passed as a command argument, and the container is removed
// once output has been collected. This is the sandboxed counterpart to
// CLIEngine for deployments that want stronger isolation than a bare
// subprocess (§4.5 "sandbox" modes).
type DockerEngine struct {
	id         string
	image      string
	cli        *dockerclient.Client
	memoryMB   int64
	cpuShares  int64
	entrypoint []string
}

// DockerEngineConfig configures a DockerEngine.
type DockerEngineConfig struct {
	ID         string
	Image      string
	MemoryMB   int64
	CPUShares  int64
	Entrypoint []string // command run inside the container; phase, "--prompt" <prompt> and, when set, "--model" <model> are appended
}

// NewDockerEngine wraps an already-constructed Docker API client.
func NewDockerEngine(cli *dockerclient.Client, cfg DockerEngineConfig) *DockerEngine {
	e := &DockerEngine{
		id:         cfg.ID,
		image:      cfg.Image,
		cli:        cli,
		memoryMB:   cfg.MemoryMB,
		cpuShares:  cfg.CPUShares,
		entrypoint: cfg.Entrypoint,
	}
	if e.id == "" {
		e.id = "docker"
	}
	if len(e.entrypoint) == 0 {
		e.entrypoint = []string{"run"}
	}
	return e
}

func (e *DockerEngine) ID() string { return e.id }

func (e *DockerEngine) Plan(ctx context.Context, req Request) (Result, error) {
	return e.runInContainer(ctx, req, "plan")
}

func (e *DockerEngine) Execute(ctx context.Context, req Request) (Result, error) {
	return e.runInContainer(ctx, req, "exec")
}

func (e *DockerEngine) QA(ctx context.Context, req Request) (Result, error) {
	return e.runInContainer(ctx, req, "qa")
}

func (e *DockerEngine) runInContainer(ctx context.Context, req Request, phase string) (Result, error) {
	cmd := append([]string{}, e.entrypoint...)
	cmd = append(cmd, phase, "--prompt", req.PromptText)
	if req.Model != "" {
		cmd = append(cmd, "--model", req.Model)
	}

	const workdir = "/workspace"
	binds := []string{}
	readOnly := req.Sandbox == "read-only"
	if req.WorkingDir != "" {
		bind := req.WorkingDir + ":" + workdir
		if readOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerCfg := &container.Config{
		Image:      e.image,
		Cmd:        cmd,
		WorkingDir: workdir,
		Labels: map[string]string{
			"stepforge.step_run_id": fmt.Sprintf("%d", req.StepRunID),
			"stepforge.engine_id":   e.id,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			Memory:    e.memoryMB * 1024 * 1024,
			CPUShares: e.cpuShares,
		},
		AutoRemove: false,
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil,
		fmt.Sprintf("stepforge-%s-%d-%d", phase, req.StepRunID, time.Now().UnixNano()%1_000_000))
	if err != nil {
		return Result{}, fmt.Errorf("docker engine %s: create container: %w", e.id, err)
	}
	defer func() {
		_ = e.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("docker engine %s: start container: %w", e.id, err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("docker engine %s: wait: %w", e.id, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return Result{}, fmt.Errorf("docker engine %s: %w", e.id, ctx.Err())
	}

	stdout, stderr, err := e.collectLogs(ctx, created.ID)
	if err != nil {
		return Result{}, fmt.Errorf("docker engine %s: collect logs: %w", e.id, err)
	}

	return Result{
		Success: exitCode == 0,
		Stdout:  stdout,
		Stderr:  stderr,
		Metadata: domain.JSONMap{
			"engine_id":  e.id,
			"exit_code":  exitCode,
			"container":  created.ID,
			"read_only":  readOnly,
		},
	}, nil
}

func (e *DockerEngine) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(reader, maxCLIOutputSize)); err != nil && err != io.EOF {
		return "", "", err
	}
	return strings.TrimRight(stdout.String(), "\n"), strings.TrimRight(stderr.String(), "\n"), nil
}
