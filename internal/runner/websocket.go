package runner

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/theblitlabs/parity-federated/pkg/logger"
)

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roundStartPayload struct {
	Round    int      `json:"round"`
	Selected []string `json:"selected"`
}

// RoundListener receives round announcements pushed by the coordinator
// so the client reacts without waiting for the next poll.
type RoundListener struct {
	url      string
	handler  func(round int, selected []string)
	conn     *websocket.Conn
	stopChan chan struct{}
}

func NewRoundListener(url, token string, handler func(round int, selected []string)) *RoundListener {
	return &RoundListener{
		url:      fmt.Sprintf("%s?token=%s", url, token),
		handler:  handler,
		stopChan: make(chan struct{}),
	}
}

func (l *RoundListener) Connect() error {
	log := logger.WithComponent("round_listener")

	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}

	log.Debug().Msg("Connected")
	l.conn = conn
	return nil
}

func (l *RoundListener) Start() {
	go l.listen()
}

func (l *RoundListener) Stop() {
	close(l.stopChan)
	if l.conn != nil {
		if err := l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
			log := logger.WithComponent("round_listener")
			log.Debug().Err(err).Msg("Close message failed")
		}
		l.conn.Close()
	}
}

func (l *RoundListener) listen() {
	log := logger.WithComponent("round_listener")

	for {
		select {
		case <-l.stopChan:
			return
		default:
			var msg WSMessage
			if err := l.conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Warn().Err(err).Msg("Unexpected close")
				}
				return
			}
			l.handleMessage(msg)
		}
	}
}

func (l *RoundListener) handleMessage(msg WSMessage) {
	log := logger.WithComponent("round_listener")

	switch msg.Type {
	case "round_start":
		var payload roundStartPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Error().Err(err).Str("payload", string(msg.Payload)).Msg("Round announcement parse failed")
			return
		}
		log.Debug().Int("round", payload.Round).Msg("Round announced")
		l.handler(payload.Round, payload.Selected)
	default:
		log.Debug().Str("type", msg.Type).Msg("Unknown message type")
	}
}
