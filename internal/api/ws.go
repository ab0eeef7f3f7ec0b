package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theblitlabs/parity-federated/internal/api/middleware"
	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type RoundStartPayload struct {
	Round    int      `json:"round"`
	Selected []string `json:"selected"`
}

// Hub pushes round announcements to connected clients. It implements
// federation.RoundNotifier.
type Hub struct {
	jwtSecret []byte
	cfg       config.WebsocketConfig
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewHub(jwtSecret []byte, cfg config.WebsocketConfig) *Hub {
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	return &Hub{
		jwtSecret: jwtSecret,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection. Clients authenticate with their JWT
// in the token query parameter since browsers cannot set headers on
// websocket dials.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("ws_hub")

	clientID, err := middleware.ParseToken(h.jwtSecret, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("Upgrade failed")
		return
	}

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	h.mu.Lock()
	if old, ok := h.conns[clientID]; ok {
		old.Close()
	}
	h.conns[clientID] = conn
	h.mu.Unlock()
	log.Debug().Str("client_id", clientID).Msg("Client connected")

	done := make(chan struct{})
	go h.reader(clientID, conn, done)
	go h.pinger(conn, done)
}

// reader drains the connection until the client goes away or stops
// answering pings within the pong deadline.
func (h *Hub) reader(clientID string, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if h.conns[clientID] == conn {
		delete(h.conns, clientID)
	}
	h.mu.Unlock()
	conn.Close()
	log := logger.WithComponent("ws_hub")
	log.Debug().Str("client_id", clientID).Msg("Client disconnected")
}

// pinger keeps the read deadline alive. Each ping must be answered by a
// pong before the next one fires, or the reader's deadline expires.
func (h *Hub) pinger(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// NotifyRoundStart tells this round's participants that collection is
// open. Clients without a live connection are skipped; they discover the
// round by polling instead.
func (h *Hub) NotifyRoundStart(round int, selected []string) {
	log := logger.WithComponent("ws_hub")

	payload, err := json.Marshal(RoundStartPayload{Round: round, Selected: selected})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal round announcement")
		return
	}
	msg := WSMessage{Type: "round_start", Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clientID := range selected {
		conn, ok := h.conns[clientID]
		if !ok {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("Failed to push round announcement")
			conn.Close()
			delete(h.conns, clientID)
		}
	}
}
