package eventsrv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/dm"
	"github.com/librescoot/nfa/internal/nfc"
)

type received struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func newServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(func() dm.Status {
		return dm.Status{ID: "test", Enabled: true, DiscState: "DISCOVERY"}
	}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHelloCarriesStatus(t *testing.T) {
	s, srv := newServer(t)
	s.Handle("start_discovery", func() {})

	conn := dial(t, srv)
	msg := read(t, conn)
	assert.Equal(t, TypeHello, msg.Type)

	var hello struct {
		ClientID string    `json:"client_id"`
		Status   dm.Status `json:"status"`
		Commands []string  `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &hello))
	assert.Len(t, hello.ClientID, 36)
	assert.Equal(t, "DISCOVERY", hello.Status.DiscState)
	assert.Equal(t, []string{"start_discovery"}, hello.Commands)
}

func TestEventsAreBroadcast(t *testing.T) {
	s, srv := newServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)
	waitClients(t, s, 2)

	s.OnNFAEvent(dm.Event{Kind: dm.EventActivated, Status: nfc.StatusOK, Activation: &nfc.ActivateParams{
		RFDiscID: 1,
		Protocol: nfc.ProtocolT2T,
		TechMode: nfc.PollA,
	}})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		assert.Equal(t, TypeEvent, msg.Type)
		assert.Contains(t, string(msg.Payload), `"ACTIVATED"`)
	}
}

func TestCommands(t *testing.T) {
	s, srv := newServer(t)
	var calls int32
	s.Handle("stop_discovery", func() { atomic.AddInt32(&calls, 1) })

	conn := dial(t, srv)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":      "1",
		"type":    TypeCommand,
		"payload": Command{Name: "stop_discovery"},
	}))
	msg := read(t, conn)
	assert.Equal(t, TypeResponse, msg.Type)
	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "2", "type": TypeCommand, "payload": Command{Name: "reboot"}}))
	msg = read(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), "UNKNOWN_COMMAND")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = read(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), "PARSE_ERROR")

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "3", "type": TypeStatus}))
	msg = read(t, conn)
	assert.Equal(t, TypeStatus, msg.Type)
	assert.Contains(t, string(msg.Payload), `"enabled":true`)
}

func TestDisconnectedClientIsDropped(t *testing.T) {
	s, srv := newServer(t)
	conn := dial(t, srv)
	read(t, conn)
	waitClients(t, s, 1)

	conn.Close()
	waitClients(t, s, 0)
}

func TestHealth(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	resp, err = http.Post(srv.URL+"/api/v1/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
