package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/ppp-one/stellarhub/internal/auth"
	"github.com/ppp-one/stellarhub/internal/services"
	ws "github.com/ppp-one/stellarhub/internal/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles upgrading HTTP connections to WebSocket connections.
type WebSocketHandler struct {
	hub              *ws.Hub
	notebookService  services.NotebookServiceProvider
	logStreamCancels map[*ws.Client]context.CancelFunc
	mu               sync.Mutex
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, notebookService services.NotebookServiceProvider) *WebSocketHandler {
	return &WebSocketHandler{
		hub:              hub,
		notebookService:  notebookService,
		logStreamCancels: make(map[*ws.Client]context.CancelFunc),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (consider tightening this in production).
		return true
	},
}

// Serve handles the WebSocket connection request. Supports both
// /ws (global feed) and /ws/notebooks/{username} routes; watching
// another user's notebook requires admin.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Could not retrieve user from token", http.StatusUnauthorized)
		return
	}

	username := chi.URLParam(r, "username")
	if username != "" && username != claims.Username && !claims.IsAdmin {
		http.Error(w, "Cannot watch another user's notebook", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn, username)
	h.hub.Register <- client

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		client.WritePump()
	}()
	go func() {
		defer wg.Done()
		client.ReadPump(h.handleIncomingWSMessage)
	}()

	// Cleanup on disconnect.
	go func() {
		wg.Wait()

		h.mu.Lock()
		if cancel, ok := h.logStreamCancels[client]; ok {
			log.Info().Str("username", client.Username).Msg("Client disconnected, cancelling associated log stream.")
			cancel()
			delete(h.logStreamCancels, client)
		}
		h.mu.Unlock()

		h.hub.Unregister <- client
	}()
}

// handleIncomingWSMessage processes messages received from a websocket client.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		return
	}

	switch msg.Action {
	case "subscribe_logs":
		if client.Username == "" {
			client.Send <- ws.NewErrorMessage("Log streaming requires a notebook connection")
			return
		}
		log.Info().Str("username", client.Username).Msg("Client subscribed to notebook logs")
		ctx, cancel := context.WithCancel(context.Background())

		h.mu.Lock()
		h.logStreamCancels[client] = cancel
		h.mu.Unlock()

		go h.notebookService.StreamNotebookLogs(ctx, client.Username, client.Send)

	case "unsubscribe_logs":
		log.Info().Str("username", client.Username).Msg("Client unsubscribed from notebook logs")
		h.mu.Lock()
		if cancel, ok := h.logStreamCancels[client]; ok {
			cancel()
			delete(h.logStreamCancels, client)
		}
		h.mu.Unlock()

	default:
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
		client.Send <- ws.NewErrorMessage("Unknown action: " + msg.Action)
	}
}
