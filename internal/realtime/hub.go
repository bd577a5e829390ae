package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/couentine/badgekit/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBufferSize = 64
)

// Message is one JSON frame delivered to subscribers. Stream is filled in by
// the hub at delivery time so a payload can be reused across streams.
type Message struct {
	Stream string         `json:"stream"`
	Event  string         `json:"event"`
	Data   any            `json:"data,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// clients send control frames to adjust their subscriptions after connecting.
type controlFrame struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// Hub fans messages out to websocket sessions keyed by stream and user. A
// session may listen on several streams; delivery is per user, so a user with
// two tabs open receives a copy on each.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]map[string]map[*session]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]map[string]map[*session]struct{}),
		log:     logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
	}
}

// Serve upgrades the request to a websocket and subscribes the session to the
// initial streams. A nil allowed set permits every stream.
func (h *Hub) Serve(userID string, streams []string, allowed map[string]struct{}, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	sess := &session{
		hub:     h,
		socket:  socket,
		userID:  userID,
		allowed: allowed,
		send:    make(chan Message, sendBufferSize),
	}
	h.subscribe(sess, streams)

	go sess.writeLoop()
	sess.readLoop()
}

// BroadcastToUser delivers a message to every session the user has open on
// the stream. Unsubscribed users are skipped silently.
func (h *Hub) BroadcastToUser(stream, userID string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" || userID == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(stream, userID, message)
}

// BroadcastToUsers delivers a message to each listed user on the stream.
func (h *Hub) BroadcastToUsers(stream string, userIDs []string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" || len(userIDs) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range userIDs {
		h.deliverLocked(stream, userID, message)
	}
}

func (h *Hub) deliverLocked(stream, userID string, message Message) {
	sessions := h.streams[stream][userID]
	if len(sessions) == 0 {
		return
	}
	message.Stream = stream
	for sess := range sessions {
		select {
		case sess.send <- message:
		default:
			// A full buffer means the client stopped reading.
			h.log.Warn("dropping slow realtime client", zap.String("user_id", sess.userID))
			sess.close()
		}
	}
}

func (h *Hub) subscribe(sess *session, streams []string) {
	if len(streams) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, stream := range dedupeStreams(streams) {
		if !sess.allowedStream(stream) {
			h.log.Warn("stream not permitted",
				zap.String("user_id", sess.userID),
				zap.String("stream", stream))
			continue
		}
		if sess.streams == nil {
			sess.streams = make(map[string]struct{})
		}
		if _, ok := sess.streams[stream]; ok {
			continue
		}

		if h.streams[stream] == nil {
			h.streams[stream] = make(map[string]map[*session]struct{})
		}
		if h.streams[stream][sess.userID] == nil {
			h.streams[stream][sess.userID] = make(map[*session]struct{})
		}
		sess.streams[stream] = struct{}{}
		h.streams[stream][sess.userID][sess] = struct{}{}
	}
}

func (h *Hub) unsubscribe(sess *session, streams []string) {
	if len(streams) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stream := range dedupeStreams(streams) {
		h.dropLocked(sess, stream)
		delete(sess.streams, stream)
	}
}

func (h *Hub) detach(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for stream := range sess.streams {
		h.dropLocked(sess, stream)
	}
	sess.streams = nil
}

func (h *Hub) dropLocked(sess *session, stream string) {
	byUser, ok := h.streams[stream]
	if !ok {
		return
	}
	sessions := byUser[sess.userID]
	delete(sessions, sess)
	if len(sessions) == 0 {
		delete(byUser, sess.userID)
	}
	if len(byUser) == 0 {
		delete(h.streams, stream)
	}
}

type session struct {
	hub     *Hub
	socket  *websocket.Conn
	userID  string
	streams map[string]struct{}
	allowed map[string]struct{}
	send    chan Message
	once    sync.Once
}

func (s *session) readLoop() {
	defer s.close()

	s.socket.SetReadLimit(maxMessageSize)
	_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
	s.socket.SetPongHandler(func(string) error {
		_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Debug("websocket closed unexpectedly",
					zap.String("user_id", s.userID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var frame controlFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.hub.log.Debug("bad control frame", zap.String("user_id", s.userID), zap.Error(err))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(frame.Action)) {
		case "subscribe":
			s.hub.subscribe(s, frame.Streams)
		case "unsubscribe":
			s.hub.unsubscribe(s, frame.Streams)
		case "ping":
			s.send <- Message{Event: "pong"}
		default:
			s.hub.log.Debug("unknown control action",
				zap.String("user_id", s.userID), zap.String("action", frame.Action))
		}
	}
}

func (s *session) writeLoop() {
	defer s.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.hub.detach(s)
		close(s.send)
		_ = s.socket.Close()
	})
}

func (s *session) allowedStream(stream string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[stream]
	return ok
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originHost := bareHost(origin)
	return originHost == bareHost(r.Host) || isLoopback(originHost)
}

func bareHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if parsed, err := url.Parse(raw); err == nil {
			raw = parsed.Host
		}
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeStream(stream string) string {
	return strings.ToLower(strings.TrimSpace(stream))
}

func dedupeStreams(streams []string) []string {
	seen := make(map[string]struct{}, len(streams))
	var out []string
	for _, stream := range streams {
		stream = normalizeStream(stream)
		if stream == "" {
			continue
		}
		if _, ok := seen[stream]; ok {
			continue
		}
		seen[stream] = struct{}{}
		out = append(out, stream)
	}
	return out
}
