package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wavelink/wavelink/internal/engine"
)

// sessionSendBuffer bounds queued outbound messages per session. A
// session that cannot keep up loses events rather than stalling the
// supervisor.
const sessionSendBuffer = 64

// wsWriteTimeout bounds one websocket write.
const wsWriteTimeout = 10 * time.Second

// Hub fans engine events out to connected control plane sessions. It
// implements engine.Sink; Emit never blocks.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is one connected websocket client.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	closeOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger.With("subsystem", "ws-hub"),
		sessions: make(map[string]*session),
	}
}

// SessionCount implements the metrics SessionCounter provider.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The password check happened in middleware; origin checks do not
	// apply to bot clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handle upgrades a control plane websocket connection, assigns it a
// session ID, and sends the ready op.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sessionSendBuffer),
		hub:  h,
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.logger.Info("session connected",
		"session_id", s.id,
		"client", r.Header.Get("Client-Name"),
		"user_id", r.Header.Get("User-Id"),
	)

	s.enqueue(mustMarshal(map[string]any{
		"op":        "ready",
		"resumed":   false,
		"sessionId": s.id,
	}))

	go s.writeLoop()
	go s.readLoop()
}

// enqueue queues msg for delivery, dropping it when the session is
// backed up.
func (s *session) enqueue(msg []byte) {
	select {
	case s.send <- msg:
	default:
		s.hub.logger.Debug("session send buffer full, dropping event", "session_id", s.id)
	}
}

// writeLoop serializes all writes to the connection.
func (s *session) writeLoop() {
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.close()
			return
		}
	}
}

// readLoop discards inbound frames and detects disconnects.
func (s *session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.close()
			return
		}
	}
}

// close detaches the session from the hub exactly once. The send
// channel closes under the hub lock, which excludes Emit's enqueues:
// no send can race the close.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.sessions, s.id)
		close(s.send)
		s.hub.mu.Unlock()

		s.conn.Close()
		s.hub.logger.Info("session disconnected", "session_id", s.id)
	})
}

// Emit implements engine.Sink: events are serialized once and fanned
// out to every session without blocking.
func (h *Hub) Emit(ev engine.Event) {
	msg := marshalEvent(ev)
	if msg == nil {
		return
	}

	h.mu.RLock()
	for _, s := range h.sessions {
		s.enqueue(msg)
	}
	h.mu.RUnlock()
}

// marshalEvent converts an engine event to its wire message.
func marshalEvent(ev engine.Event) []byte {
	switch e := ev.(type) {
	case engine.TrackStart:
		return mustMarshal(map[string]any{
			"op":      "event",
			"type":    "TrackStartEvent",
			"guildId": e.Track.GuildID,
			"track":   map[string]any{"seq": e.Track.Seq},
		})
	case engine.TrackEnd:
		return mustMarshal(map[string]any{
			"op":           "event",
			"type":         "TrackEndEvent",
			"guildId":      e.Track.GuildID,
			"track":        map[string]any{"seq": e.Track.Seq},
			"reason":       string(e.Reason),
			"mayStartNext": e.Reason.MayStartNext(),
		})
	case engine.TrackException:
		return mustMarshal(map[string]any{
			"op":      "event",
			"type":    "TrackExceptionEvent",
			"guildId": e.Track.GuildID,
			"track":   map[string]any{"seq": e.Track.Seq},
			"exception": map[string]any{
				"message":  e.Message,
				"severity": string(e.Severity),
			},
		})
	case engine.TrackStuck:
		return mustMarshal(map[string]any{
			"op":          "event",
			"type":        "TrackStuckEvent",
			"guildId":     e.Track.GuildID,
			"track":       map[string]any{"seq": e.Track.Seq},
			"thresholdMs": e.ThresholdMs,
		})
	case engine.PlayerUpdate:
		return mustMarshal(map[string]any{
			"op":      "playerUpdate",
			"guildId": e.GuildID,
			"state": map[string]any{
				"time":      time.Now().UnixMilli(),
				"position":  e.PositionMs,
				"connected": e.Connected,
				"ping":      e.PingMs,
			},
		})
	case engine.WebSocketClosed:
		return mustMarshal(map[string]any{
			"op":       "event",
			"type":     "WebSocketClosedEvent",
			"guildId":  e.GuildID,
			"code":     e.Code,
			"reason":   e.Reason,
			"byRemote": e.ByRemote,
		})
	default:
		return nil
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
