// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/events"
)

const (
	maxMessageSize = 4096
	maxFilters     = 50
	maxClients     = 1000
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	clientBuffer   = 64
)

// The feed is same-host operator tooling; origins are not restricted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscriptionFilter narrows which events a client receives. Empty fields
// match everything.
type subscriptionFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
}

// wsClient is one connected feed consumer.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	filters []subscriptionFilter
}

// clientRegistry tracks connected clients and fans events out to them.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     zerolog.Logger
}

func newClientRegistry(log zerolog.Logger) *clientRegistry {
	return &clientRegistry{
		clients: make(map[*wsClient]struct{}),
		log:     log,
	}
}

// broadcast sends ev to every matching client. Slow clients miss the event
// instead of stalling the feed.
func (r *clientRegistry) broadcast(ev events.Event) {
	data, err := marshalEvent(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal event for feed")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if !c.matches(ev.GetMetadata()) {
			continue
		}
		select {
		case c.send <- data:
		default:
			r.log.Warn().Msg("dropping event for slow feed client")
		}
	}
}

func (r *clientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *clientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// matches reports whether the event metadata passes any of the client's
// filters; no filters means everything.
func (c *wsClient) matches(md events.Metadata) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if f.WorkflowID != "" && f.WorkflowID != md.WorkflowID {
			continue
		}
		if f.ProjectID != "" && f.ProjectID != md.ProjectID {
			continue
		}
		if f.TaskID != "" && f.TaskID != md.TaskID {
			continue
		}
		return true
	}
	return false
}

// wsMessage is the client-to-server envelope.
type wsMessage struct {
	Type    string             `json:"type"` // subscribe or unsubscribe
	Filters subscriptionFilter `json:"filters"`
}

// wsOutMessage is the server-to-client envelope.
type wsOutMessage struct {
	Type      string `json:"type"` // always "event"
	EventType string `json:"event_type"`
	Payload   any    `json:"payload"`
}

func marshalEvent(ev events.Event) ([]byte, error) {
	name := fmt.Sprintf("%T", ev)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return json.Marshal(wsOutMessage{
		Type:      "event",
		EventType: name,
		Payload:   ev,
	})
}

// handleWebSocket upgrades the connection and runs the client pumps.
func handleWebSocket(registry *clientRegistry, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan []byte, clientBuffer),
		}
		if !registry.add(client) {
			log.Warn().Msg("feed connection limit reached")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("feed client connected")

		go client.writePump()
		client.readPump(registry, log)
	}
}

func (c *wsClient) readPump(registry *clientRegistry, log zerolog.Logger) {
	defer func() {
		registry.remove(c)
		close(c.send) // signals writePump to exit
		c.conn.Close()
		log.Info().Msg("feed client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("feed read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Msg("invalid feed message")
			continue
		}

		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			if len(c.filters) >= maxFilters {
				log.Warn().Msg("feed client hit filter limit")
			} else {
				c.filters = append(c.filters, msg.Filters)
			}
		case "unsubscribe":
			c.filters = removeFilter(c.filters, msg.Filters)
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func removeFilter(filters []subscriptionFilter, target subscriptionFilter) []subscriptionFilter {
	out := make([]subscriptionFilter, 0, len(filters))
	for _, f := range filters {
		if f == target {
			continue
		}
		out = append(out, f)
	}
	return out
}
