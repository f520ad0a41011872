// Package ws carries combat sync events to remote clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

const (
	// DefaultWriteWait is the time allowed to write a frame to the peer.
	DefaultWriteWait = 10 * time.Second
	// DefaultPongWait is the time allowed to read the next pong from the peer.
	DefaultPongWait = 60 * time.Second
	// Clients only answer pings; anything larger is a misbehaving peer.
	maxMessageSize = 512
)

// frame is the wire form of one pubsub.Message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Config tunes websocket keepalive.
type Config struct {
	WriteWait time.Duration
	PongWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	return c
}

// pingPeriod must be less than PongWait.
func (c Config) pingPeriod() time.Duration { return (c.PongWait * 9) / 10 }

// Handler serves GET /combats/{id}/events, streaming every event published on
// the combat's topic to the connected client.
type Handler struct {
	sub      pubsub.Subscriber
	sessions *session.Manager
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
//
// Precondition: sub, sessions and logger must be non-nil.
func NewHandler(sub pubsub.Subscriber, sessions *session.Manager, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		sub:      sub,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and pumps events until either side goes away.
// Any authenticated actor may subscribe; only mutations are restricted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := session.FromHeader(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	combatID := r.PathValue("id")
	if combatID == "" {
		http.Error(w, "missing combat id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The subscription must be live before the handshake response is written:
	// once Dialer.Subscribe returns, every later publish reaches the client.
	sub, err := h.sub.Subscribe(ctx, pubsub.CombatTopic(combatID))
	if err != nil {
		h.logger.Error("subscribing", zap.String("combat_id", combatID), zap.Error(err))
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	clientID := uuid.NewString()
	if _, err := h.sessions.Join(clientID, actor, combatID); err != nil {
		h.logger.Error("joining session", zap.String("client_id", clientID), zap.Error(err))
		http.Error(w, "joining session failed", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := h.sessions.Leave(clientID); err != nil {
			h.logger.Warn("leaving session", zap.String("client_id", clientID), zap.Error(err))
		}
	}()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("combat_id", combatID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(
		zap.String("client_id", clientID),
		zap.String("combat_id", combatID),
		zap.String("user_id", actor.UserID),
	)
	logger.Info("client subscribed", zap.Int("watchers", len(h.sessions.ClientsInCombat(combatID))))

	go h.readPump(conn, cancel, logger)
	h.writePump(ctx, conn, sub, logger)
	logger.Info("client unsubscribed")
}

// readPump discards client frames and keeps the read deadline alive on pong.
// It cancels the connection context once the peer is gone.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc, logger *zap.Logger) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, sub pubsub.Subscription, logger *zap.Logger) {
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeWith(conn, websocket.CloseGoingAway, "")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				// The hub dropped us; the client must resubscribe and re-fetch.
				h.closeWith(conn, websocket.CloseTryAgainLater, "subscription dropped")
				return
			}
			payload := json.RawMessage(msg.Payload)
			if !json.Valid(payload) {
				payload = json.RawMessage("null")
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(frame{Topic: msg.Topic, Event: msg.Event, Payload: payload}); err != nil {
				logger.Warn("websocket write", zap.String("event", msg.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
}
