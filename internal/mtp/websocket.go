package mtp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketMessageHandler processes an inbound Record payload and returns the
// serialized response Record, or nil when the exchange produces no reply
type WebSocketMessageHandler func(clientID string, payload []byte) []byte

// WebSocketServer is the USP WebSocket MTP. Agents connect with their client
// id in the X-Client-ID header; the connection registry lets the transport
// dispatcher push records to currently connected agents.
type WebSocketServer struct {
	port           int
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        map[string]*wsClient
	messageHandler WebSocketMessageHandler
	mu             sync.RWMutex
}

// wsClient serializes writes per connection; gorilla/websocket allows at
// most one concurrent writer
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func NewWebSocketServer(port int) *WebSocketServer {
	return &WebSocketServer{
		port:    port,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Agents are not browsers; origin checks do not apply
				return true
			},
		},
	}
}

// SetMessageHandler registers the inbound record handler. Must be called
// before Start.
func (s *WebSocketServer) SetMessageHandler(handler WebSocketMessageHandler) {
	s.messageHandler = handler
}

// Start serves the WebSocket endpoint until the context is cancelled
func (s *WebSocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/usp", s.handleUSPWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	log.Printf("🔌 Starting WebSocket server on port %d", s.port)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ WebSocket server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("🛑 WebSocket server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *WebSocketServer) handleUSPWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		http.Error(w, "missing X-Client-ID header", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()
	log.Printf("📱 WebSocket agent connected: %s", clientID)

	defer func() {
		s.mu.Lock()
		if s.clients[clientID] == client {
			delete(s.clients, clientID)
		}
		s.mu.Unlock()
		conn.Close()
		log.Printf("📱 WebSocket agent disconnected: %s", clientID)
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket error from %s: %v", clientID, err)
			}
			break
		}
		if messageType != websocket.BinaryMessage || s.messageHandler == nil {
			continue
		}

		if reply := s.messageHandler(clientID, payload); reply != nil {
			if err := client.write(reply); err != nil {
				log.Printf("❌ Failed to send WebSocket reply to %s: %v", clientID, err)
				break
			}
		}
	}
}

func (s *WebSocketServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","connected_agents":%d}`, clientCount)
}

// SendToClient pushes a serialized Record to a connected agent
func (s *WebSocketServer) SendToClient(clientID string, payload []byte) error {
	s.mu.RLock()
	client, exists := s.clients[clientID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("websocket client %s not connected", clientID)
	}
	return client.write(payload)
}

// ConnectedClients returns the ids of currently connected agents
func (s *WebSocketServer) ConnectedClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down the WebSocket server
func (s *WebSocketServer) Close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
	log.Printf("✅ WebSocket server closed")
}
