// Package server exposes the sync engine over HTTP and streams operator
// alerts over WebSocket.
//
// Desktop agents talk to the REST endpoints (/v1/register, /v1/push,
// /v1/pull, /v1/ack); operators connect a WebSocket client to /ws to
// watch dead-letter, integrity, and conflict events in real time.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/model"
)

// EventType labels an operator alert.
type EventType string

const (
	// EventDeadLetter indicates a queue item was dead-lettered.
	EventDeadLetter EventType = "dead_letter"

	// EventIntegrity indicates a payload failed hash verification.
	EventIntegrity EventType = "integrity_mismatch"

	// EventConflict indicates a manual-policy conflict awaits review.
	EventConflict EventType = "conflict"
)

// Event is one operator alert broadcast to connected clients.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeadLetterData describes a dead-lettered queue item.
type DeadLetterData struct {
	ItemID    int64  `json:"item_id"`
	TenantID  string `json:"tenant_id"`
	ClientID  string `json:"client_id"`
	Table     string `json:"table"`
	RecordID  string `json:"record_id"`
	Version   int64  `json:"version"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message,omitempty"`
}

// IntegrityData describes a hash verification failure.
type IntegrityData struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Cause    string `json:"cause"`
}

// ConflictData describes a parked manual conflict.
type ConflictData struct {
	ConflictID    int64  `json:"conflict_id"`
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id"`
	Table         string `json:"table"`
	RecordID      string `json:"record_id"`
	BaseVersion   int64  `json:"base_version"`
	ServerVersion int64  `json:"server_version"`
}

// Server serves the sync API and the alert feed.
type Server struct {
	addr     string
	engine   *engine.Engine
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Event broadcasting
	broadcast chan Event

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8471)
	Port int

	// Logger for server activity (default: the standard logger)
	Logger *log.Logger
}

// New creates a sync API server over an engine.
func New(eng *engine.Engine, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Port == 0 {
		config.Port = 8471
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		engine:    eng,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// routes builds the HTTP mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/register", s.handleRegister)
	mux.HandleFunc("POST /v1/push", s.handlePush)
	mux.HandleFunc("POST /v1/pull", s.handlePull)
	mux.HandleFunc("POST /v1/ack", s.handleAck)
	mux.HandleFunc("GET /v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected alert clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for delivery to all connected clients.
func (s *Server) Broadcast(event Event) {
	select {
	case s.broadcast <- event:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// DeadLettered implements engine.Alerter.
func (s *Server) DeadLettered(item *model.QueueItem) {
	data, err := json.Marshal(DeadLetterData{
		ItemID:    item.ID,
		TenantID:  item.TenantID,
		ClientID:  item.ClientID,
		Table:     item.Table,
		RecordID:  item.RecordID,
		Version:   item.Version,
		ErrorCode: item.ErrorCode,
		ErrorMsg:  item.ErrorMsg,
	})
	if err != nil {
		s.logger.Printf("Failed to marshal dead-letter event: %v", err)
		return
	}
	s.Broadcast(Event{Type: EventDeadLetter, Data: data})
}

// IntegrityFailure implements engine.Alerter.
func (s *Server) IntegrityFailure(tenantID, clientID, table, recordID string, cause error) {
	data, err := json.Marshal(IntegrityData{
		TenantID: tenantID,
		ClientID: clientID,
		Table:    table,
		RecordID: recordID,
		Cause:    cause.Error(),
	})
	if err != nil {
		s.logger.Printf("Failed to marshal integrity event: %v", err)
		return
	}
	s.Broadcast(Event{Type: EventIntegrity, Data: data})
}

// ConflictDetected implements engine.Alerter.
func (s *Server) ConflictDetected(conflict *model.Conflict) {
	data, err := json.Marshal(ConflictData{
		ConflictID:    conflict.ID,
		TenantID:      conflict.TenantID,
		ClientID:      conflict.ClientID,
		Table:         conflict.Table,
		RecordID:      conflict.RecordID,
		BaseVersion:   conflict.BaseVersion,
		ServerVersion: conflict.ServerVersion,
	})
	if err != nil {
		s.logger.Printf("Failed to marshal conflict event: %v", err)
		return
	}
	s.Broadcast(Event{Type: EventConflict, Data: data})
}

// broadcastLoop fans queued events out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event := <-s.broadcast:
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}

			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Alert client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Alert clients are receive-only.
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Alert client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}
