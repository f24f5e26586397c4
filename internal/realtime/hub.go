// Package realtime is the websocket channel between browsers and runs.
// Connections bind to a client id, join rooms keyed by a run's channel id,
// forward commands into runs and receive the data runs publish.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/logging"
	"github.com/jardesigner/jardesigner/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// Inbound and outbound event names.
const (
	EventRegisterClient = "register_client"
	EventJoinChannel    = "join_sim_channel"
	EventSimCommand     = "sim_command"
	EventSimulationData = "simulation_data"
)

// Backend is the session store and command sink behind the hub.
type Backend interface {
	Register(connID, clientID string)
	Disconnect(connID string) bool
	SendCommand(pid int, name string, params map[string]interface{}) bool
}

// CommandMirror receives every command a browser sends, in addition to the
// run's stdin.
type CommandMirror interface {
	MirrorCommand(pid int, name string, params map[string]interface{})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browsers may be served from a dev server on another origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub tracks connections and channel rooms.
type Hub struct {
	backend Backend
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*conn
	rooms  map[string]map[string]*conn
	mirror CommandMirror
}

// NewHub returns a hub dispatching to backend.
func NewHub(backend Backend, m *metrics.Metrics) *Hub {
	return &Hub{
		backend: backend,
		metrics: m,
		log:     logging.Component("realtime"),
		conns:   make(map[string]*conn),
		rooms:   make(map[string]map[string]*conn),
	}
}

// SetCommandMirror installs an additional command consumer.
func (h *Hub) SetCommandMirror(m CommandMirror) {
	h.mu.Lock()
	h.mirror = m
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
	h.add(c)
	defer h.remove(c)

	done := make(chan struct{})

	// Reader goroutine - dispatches inbound events and handles pongs
	go func() {
		defer close(done)
		ws.SetReadLimit(maxMessageSize)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			h.dispatch(c, msg)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			ws.Close()
			return

		case msg := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug().Err(err).Str("conn_id", c.id).Msg("ws write failed")
				ws.Close()
				<-done
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				<-done
				return
			}
		}
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientConnected()
}

// remove drops the connection from every room and releases its session.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for channelID, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, channelID)
		}
	}
	h.mu.Unlock()

	h.metrics.ClientDisconnected()
	h.backend.Disconnect(c.id)
}

type registerData struct {
	ClientID string `json:"clientId"`
}

type joinData struct {
	ChannelID string `json:"data_channel_id"`
}

type commandData struct {
	PID     PID                    `json:"pid"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

// dispatch handles one inbound frame. Malformed frames are ignored.
func (h *Hub) dispatch(c *conn, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.log.Debug().Err(err).Str("conn_id", c.id).Msg("ignoring malformed frame")
		return
	}

	switch env.Event {
	case EventRegisterClient:
		var d registerData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.ClientID == "" {
			return
		}
		h.backend.Register(c.id, d.ClientID)

	case EventJoinChannel:
		var d joinData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.ChannelID == "" {
			return
		}
		h.Join(c.id, d.ChannelID)

	case EventSimCommand:
		var d commandData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.PID <= 0 || d.Command == "" {
			return
		}
		pid := int(d.PID)
		h.backend.SendCommand(pid, d.Command, d.Params)

		h.mu.RLock()
		mirror := h.mirror
		h.mu.RUnlock()
		if mirror != nil {
			mirror.MirrorCommand(pid, d.Command, d.Params)
		}

	default:
		h.log.Debug().Str("event", env.Event).Str("conn_id", c.id).Msg("unknown event")
	}
}

// Join subscribes a connection to a channel room. Any connection may join
// any channel it knows the id of.
func (h *Hub) Join(connID, channelID string) bool {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		members, exists := h.rooms[channelID]
		if !exists {
			members = make(map[string]*conn)
			h.rooms[channelID] = members
		}
		members[connID] = c
	}
	h.mu.Unlock()

	if ok {
		events.Emit("debug", "client.joined", "", map[string]interface{}{
			"conn_id":    connID,
			"channel_id": channelID,
		})
	}
	return ok
}

// Relay sends payload as a simulation_data event to every connection in the
// channel's room and returns the number of connections it was queued for.
func (h *Hub) Relay(channelID string, payload json.RawMessage, source string) int {
	msg, err := json.Marshal(Envelope{Event: EventSimulationData, Data: payload})
	if err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("relay payload is not valid JSON")
		return 0
	}

	h.mu.RLock()
	members := make([]*conn, 0, len(h.rooms[channelID]))
	for _, c := range h.rooms[channelID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	queued := 0
	for _, c := range members {
		if c.enqueue(msg) {
			queued++
		} else {
			h.log.Warn().Str("conn_id", c.id).Str("channel_id", channelID).Msg("send buffer full, dropping payload")
		}
	}

	h.metrics.DataRelayed(source)
	events.Emit("debug", "data.relayed", "", map[string]interface{}{
		"channel_id":  channelID,
		"source":      source,
		"subscribers": queued,
	})
	return queued
}

// Subscribers returns the number of connections in a channel's room.
func (h *Hub) Subscribers(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every open connection. Each handler then releases its
// session as it returns.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// enqueue drops msg when the send buffer is full.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
