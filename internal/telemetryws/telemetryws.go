// Package telemetryws implements the telemetry event sink: the
// four event types pushed to external subscribers, and a WebSocket hub that
// broadcasts them. The hub is a mutex-guarded client set that marshals an
// event once and fans the raw bytes out to every connection.
package telemetryws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event kinds, carried in Envelope.Type.
const (
	KindMeasurement       = "measurement"
	KindValidationSkip    = "validation_skip"
	KindConnectionRecovery = "connection_recovery"
	KindError             = "error"
)

// Measurement is emitted by the poller's periodic bundle read.
type Measurement struct {
	Timestamp  int64   `json:"ts"`
	Port       string  `json:"port"`
	Address    byte    `json:"address"`
	FMeasure   float32 `json:"fmeasure"`
	FSetpoint  float32 `json:"fsetpoint"`
	Measure    int64   `json:"measure"`
	Setpoint   int64   `json:"setpoint"`
	Fluid      string  `json:"fluid"`
	Capacity   float32 `json:"capacity"`
	DeviceType int64   `json:"device_type"`
}

// ValidationSkip is emitted in place of a Measurement when the DMFC
// validation rule
// suppresses it.
type ValidationSkip struct {
	Timestamp int64   `json:"ts"`
	Port      string  `json:"port"`
	Address   byte    `json:"address"`
	Kind      string  `json:"kind"`
	Value     float32 `json:"value"`
	Capacity  float32 `json:"capacity"`
	Threshold float32 `json:"threshold"`
	Reason    string  `json:"reason"`
}

// ConnectionRecovery is emitted once per known address after every forced
// reconnect; whether the port actually reopened is not checked.
type ConnectionRecovery struct {
	Timestamp      int64  `json:"ts"`
	Port           string `json:"port"`
	Address        byte   `json:"address"`
	RecoveriesTotal int64  `json:"recoveries_total"`
}

// ErrorEvent is emitted by the poller whenever a queued command or a
// periodic read fails.
type ErrorEvent struct {
	Timestamp int64  `json:"ts"`
	Port      string `json:"port"`
	Address   byte   `json:"address"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// Envelope is the wire shape of every event broadcast over the hub.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client wraps one websocket connection with a per-connection write mutex,
// since gorilla/websocket forbids concurrent writes on the same Conn.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub is a broadcast hub for telemetry subscribers. It implements the
// poller's and health supervisor's TelemetrySink interfaces directly as
// methods, so callers can pass a *Hub wherever those packages accept an
// interface of emit methods.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) add(conn *websocket.Conn) *Client {
	c := &Client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) broadcast(typ string, data interface{}) {
	b, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		_ = c.send(b)
	}
}

// EmitMeasurement broadcasts m to every connected subscriber.
func (h *Hub) EmitMeasurement(m Measurement) { h.broadcast(KindMeasurement, m) }

// EmitValidationSkip broadcasts v to every connected subscriber.
func (h *Hub) EmitValidationSkip(v ValidationSkip) { h.broadcast(KindValidationSkip, v) }

// EmitConnectionRecovery broadcasts r to every connected subscriber.
func (h *Hub) EmitConnectionRecovery(r ConnectionRecovery) { h.broadcast(KindConnectionRecovery, r) }

// EmitError broadcasts e to every connected subscriber.
func (h *Hub) EmitError(e ErrorEvent) { h.broadcast(KindError, e) }

// upgrader upgrades HTTP requests to WebSockets. CheckOrigin allows all
// origins; an operator exposing this beyond localhost should front it with
// its own origin check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades r and registers the resulting connection, reading (and
// discarding) incoming messages only to detect disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := h.add(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}
