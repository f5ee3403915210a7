// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stepforge/stepforge/internal/domain"
)

const (
	maxMessageSize = 4096
	maxFilters     = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader that respects the configured
// allowed origins. An empty list accepts any origin (local development).
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// SubscriptionFilter narrows which events a client receives. A zero-value
// filter (or none subscribed) receives every event.
type SubscriptionFilter struct {
	ProtocolRunID int64 `json:"protocol_run_id,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	filters []SubscriptionFilter
	mu      sync.RWMutex
}

func (c *wsClient) matches(event *domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if f.ProtocolRunID == 0 || f.ProtocolRunID == event.ProtocolRunID {
			return true
		}
	}
	return false
}

type wsMessage struct {
	Type    string              `json:"type"` // "subscribe" | "unsubscribe"
	Filters SubscriptionFilter  `json:"filters"`
}

type wsOutMessage struct {
	Type    string       `json:"type"` // "event" | "error"
	Payload *domain.Event `json:"payload,omitempty"`
	Message string       `json:"message,omitempty"`
}

func marshalEvent(event *domain.Event) ([]byte, error) {
	return json.Marshal(wsOutMessage{Type: "event", Payload: event})
}

// HandleWebSocket upgrades the connection and manages the client's
// subscribe/unsubscribe lifecycle against bus.
func HandleWebSocket(bus *EventBus, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &wsClient{conn: conn, send: make(chan []byte, 64)}
		if !bus.add(client) {
			getLog().Warn().Msg("websocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")
		go client.writePump()
		client.readPump(bus)
	}
}

func (c *wsClient) readPump(bus *EventBus) {
	defer func() {
		bus.remove(c)
		close(c.send)
		c.conn.Close()
		getLog().Info().Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("websocket read error")
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("invalid websocket message")
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			if len(c.filters) >= maxFilters {
				getLog().Warn().Msg("websocket client hit max filter limit")
			} else {
				c.filters = append(c.filters, msg.Filters)
			}
		case "unsubscribe":
			out := c.filters[:0]
			for _, f := range c.filters {
				if f != msg.Filters {
					out = append(out, f)
				}
			}
			c.filters = out
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
