package telemetryws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_MarshalsTypeAndData(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: KindMeasurement, Data: Measurement{Port: "/dev/ttyUSB0", Address: 3, FMeasure: 12.5}})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, KindMeasurement, decoded["type"])
	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, "/dev/ttyUSB0", data["port"])
	assert.EqualValues(t, 3, data["address"])
}

func TestBroadcast_NoClientsDoesNotPanic(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() {
		h.EmitMeasurement(Measurement{Port: "p", Address: 1})
	})
}

// TestServeHTTP_BroadcastsEnvelopeToConnectedClient exercises the hub the way
// a real subscriber would: dial ServeHTTP over loopback, then emit and read
// the framed JSON envelope back.
func TestServeHTTP_BroadcastsEnvelopeToConnectedClient(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutine a moment to register the client before
	// broadcasting, since add() happens after the upgrade completes.
	require.Eventually(t, func() bool {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		return n == 1
	}, time.Second, time.Millisecond)

	h.EmitValidationSkip(ValidationSkip{Port: "/dev/ttyUSB0", Address: 9, Kind: "dmfc_capacity_exceeded"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, KindValidationSkip, env.Type)
}

// TestServeHTTP_RemovesClientOnDisconnect covers the read-loop-for-disconnect
// pattern: closing the client connection must drop it from the hub so a
// later broadcast does not try to write to a dead socket.
func TestServeHTTP_RemovesClientOnDisconnect(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		return n == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		return n == 0
	}, time.Second, time.Millisecond)
}
