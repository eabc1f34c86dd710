package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/propsync/agent/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control API binds to loopback; the UI connects from a local
		// origin the agent cannot predict.
		return true
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub *services.EventHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.EventHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection.
// New clients are subscribed to the sync topic immediately; drain and pull
// completions arrive without any handshake message.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	client := h.hub.NewClient(clientID, conn)

	h.hub.Register(client)
	h.hub.Subscribe(client, services.TopicSync)

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump(h.handleMessage)
}

// clientMessage is what connected UIs may send: topic management only.
type clientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Topic string `json:"topic"`
	} `json:"payload"`
}

func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Ignoring malformed WebSocket message from %s: %v", client.ID, err)
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.Payload.Topic != "" {
			h.hub.Subscribe(client, msg.Payload.Topic)
		}
	case "unsubscribe":
		if msg.Payload.Topic != "" {
			h.hub.Unsubscribe(client, msg.Payload.Topic)
		}
	}
}
