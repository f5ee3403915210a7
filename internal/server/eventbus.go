// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"sync"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/store"
)

// EventBus fans out every appended Event to subscribed WebSocket clients.
// It has no durability of its own — the Store is the source of truth; the
// bus exists purely so operators watching the UI see a transition the
// instant it is journaled, in the same process that journaled it.
type EventBus struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{clients: make(map[*wsClient]struct{})}
}

// Publish delivers event to every client whose filter matches.
func (b *EventBus) Publish(event *domain.Event) {
	if event == nil {
		return
	}
	data, err := marshalEvent(event)
	if err != nil {
		getLog().Error().Err(err).Msg("failed to marshal event for websocket broadcast")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if !c.matches(event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			getLog().Warn().Msg("dropping event for slow websocket client")
		}
	}
}

func (b *EventBus) add(c *wsClient) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) >= maxClients {
		return false
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *EventBus) remove(c *wsClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// BroadcastingStore wraps *store.Store so every AppendEvent call — whether
// triggered by an HTTP handler or by the in-process worker loop — also
// publishes to the EventBus. Every other method is promoted unchanged from
// the embedded *store.Store, so this satisfies the narrow Store interfaces
// declared by executor/planner/qa/policyrt/webhook/worker/runstate without
// those packages knowing the bus exists.
type BroadcastingStore struct {
	*store.Store
	bus *EventBus
}

// NewBroadcastingStore wraps st so its AppendEvent calls also publish to bus.
func NewBroadcastingStore(st *store.Store, bus *EventBus) *BroadcastingStore {
	return &BroadcastingStore{Store: st, bus: bus}
}

// AppendEvent persists the event via the embedded Store, then publishes it.
func (s *BroadcastingStore) AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error) {
	event, err := s.Store.AppendEvent(ctx, protocolRunID, stepRunID, eventType, message, metadata)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event)
	return event, nil
}
