// Package eventsrv publishes device manager events to WebSocket clients
// and accepts a few control commands from them.
package eventsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/librescoot/nfa/internal/dm"
	"github.com/librescoot/nfa/internal/nfc"
)

const (
	TypeHello    = "hello"
	TypeEvent    = "event"
	TypeStatus   = "status"
	TypeCommand  = "command"
	TypeResponse = "response"
	TypeError    = "error"

	writeTimeout = time.Second
)

// Message is the envelope of every frame in both directions
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Command is the payload of a command message
type Command struct {
	Name string `json:"name"`
}

// StatusFunc returns the current manager snapshot
type StatusFunc func() dm.Status

type client struct {
	id   string
	conn *websocket.Conn
	// gorilla connections allow one writer at a time
	mu sync.Mutex
}

func (c *client) send(msg outMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Server broadcasts every event it receives as a dm.Listener
type Server struct {
	status   StatusFunc
	log      nfc.LogCallback
	upgrader websocket.Upgrader

	cmdMu    sync.RWMutex
	commands map[string]func()

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

// New creates a server. status may be nil.
func New(status StatusFunc, log nfc.LogCallback) *Server {
	return &Server{
		status:   status,
		log:      log,
		commands: make(map[string]func()),
		clients:  make(map[*websocket.Conn]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle makes f callable by clients as command name
func (s *Server) Handle(name string, f func()) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.commands[name] = f
}

// Commands returns the registered command names
func (s *Server) Commands() []string {
	s.cmdMu.RLock()
	defer s.cmdMu.RUnlock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"clients":   s.ClientCount(),
		})
	})
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.snapshot())
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Logf(nfc.LogLevelInfo, "eventsrv: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.CloseAll()
	return err
}

// OnNFAEvent broadcasts ev. It implements dm.Listener.
func (s *Server) OnNFAEvent(ev dm.Event) {
	s.broadcast(outMessage{Type: TypeEvent, Payload: ev})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll disconnects every client
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) snapshot() any {
	if s.status == nil {
		return nil
	}
	return s.status()
}

func (s *Server) broadcast(msg outMessage) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			s.log.Logf(nfc.LogLevelWarning, "eventsrv: client %s: %v", c.id[:8], err)
			s.remove(c.conn)
		}
	}
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[conn]; ok {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Logf(nfc.LogLevelWarning, "eventsrv: upgrade: %v", err)
		return
	}

	c := &client{id: uuid.New().String(), conn: conn}
	s.mu.Lock()
	s.clients[conn] = c
	s.mu.Unlock()
	s.log.Logf(nfc.LogLevelInfo, "eventsrv: client %s connected (total: %d)", c.id[:8], s.ClientCount())

	defer func() {
		s.remove(conn)
		s.log.Logf(nfc.LogLevelInfo, "eventsrv: client %s disconnected (total: %d)", c.id[:8], s.ClientCount())
	}()

	hello := map[string]any{
		"client_id": c.id,
		"status":    s.snapshot(),
		"commands":  s.Commands(),
	}
	if err := c.send(outMessage{Type: TypeHello, Payload: hello}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Logf(nfc.LogLevelWarning, "eventsrv: client %s: %v", c.id[:8], err)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) handleMessage(c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(errorMessage("", "PARSE_ERROR", "invalid message format"))
		return
	}

	switch msg.Type {
	case TypeStatus:
		c.send(outMessage{ID: msg.ID, Type: TypeStatus, Payload: s.snapshot()})
	case TypeCommand:
		var cmd Command
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.Name == "" {
			c.send(errorMessage(msg.ID, "INVALID_PAYLOAD", "command needs a name"))
			return
		}
		s.cmdMu.RLock()
		f, ok := s.commands[cmd.Name]
		s.cmdMu.RUnlock()
		if !ok {
			c.send(errorMessage(msg.ID, "UNKNOWN_COMMAND", "unknown command "+cmd.Name))
			return
		}
		s.log.Logf(nfc.LogLevelInfo, "eventsrv: client %s: %s", c.id[:8], cmd.Name)
		f()
		c.send(outMessage{ID: msg.ID, Type: TypeResponse, Payload: map[string]any{"success": true, "command": cmd.Name}})
	default:
		c.send(errorMessage(msg.ID, "UNKNOWN_TYPE", "unknown message type "+msg.Type))
	}
}

func errorMessage(id, code, text string) outMessage {
	return outMessage{ID: id, Type: TypeError, Payload: map[string]any{
		"success": false,
		"code":    code,
		"error":   text,
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
