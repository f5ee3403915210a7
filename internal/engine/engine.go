// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the engine registry (C4): a bounded set of
// named execution backends invoked uniformly for planning, execution, and
// QA. Engines are stateless from the orchestrator's viewpoint; any caching
// lives behind the interface.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepforge/stepforge/internal/domain"
)

// Request is the descriptor passed to every Engine method.
type Request struct {
	ProjectID     int64
	ProtocolRunID int64
	StepRunID     int64
	Model         string
	WorkingDir    string
	PromptFiles   []string
	PromptText    string
	Sandbox       string // "read-only" | "workspace-write"
	OutputSchema  string
}

// Result is what every Engine method returns.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	Metadata domain.JSONMap
}

// Engine is the capability triple (plan, execute, qa) a registered backend
// implements. Model via a lookup table keyed by string id (§9 "Dynamic
// engine dispatch"), not open inheritance.
type Engine interface {
	ID() string
	Plan(ctx context.Context, req Request) (Result, error)
	Execute(ctx context.Context, req Request) (Result, error)
	QA(ctx context.Context, req Request) (Result, error)
}

// Registry maps engine_id to a registered Engine. Registered once at
// process startup before any worker claims a job; never mutated after (§9
// "Shared process-wide state").
type Registry struct {
	mu         sync.RWMutex
	engines    map[string]Engine
	defaultID  string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. The first engine registered becomes the default
// unless SetDefault is called explicitly afterward.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
	if r.defaultID == "" {
		r.defaultID = e.ID()
	}
}

// SetDefault designates the default engine id. Panics if the id is not
// registered, since this only ever runs once at startup.
func (r *Registry) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; !ok {
		panic(fmt.Sprintf("engine: cannot set default to unregistered id %q", id))
	}
	r.defaultID = id
}

// Get resolves an engine_id, falling back to the default when id is empty.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrEngineNotRegistered, id)
	}
	return e, nil
}

// DefaultID returns the id of the current default engine.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}
