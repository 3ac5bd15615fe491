// Package notify pushes ingestion events to connected browsers over
// websockets. It adapts ingest events to the wire and knows nothing else
// about ingestion.
package notify

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pagewise/internal/auth"
	"pagewise/internal/ingest"
	"pagewise/internal/logging"
)

const (
	TypeConnected = "connected"
	TypeProgress  = "progress"
	TypeComplete  = "processing_complete"
	TypeFailed    = "processing_failed"

	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	handshakeTimeout = 10 * time.Second
	sendBuffer       = 64
)

// Message is one server push.
type Message struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Percent    int    `json:"percent"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
	Degraded   bool   `json:"degraded"`
}

// Handshake is the only frame a client sends.
type Handshake struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func FromEvent(ev ingest.Event) Message {
	job := ev.JobState()
	m := Message{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		Percent:    job.Percent,
		Stage:      string(job.Stage),
		Degraded:   job.Degraded,
	}
	switch e := ev.(type) {
	case ingest.Complete:
		m.Type = TypeComplete
	case ingest.Failed:
		m.Type = TypeFailed
		m.Error = e.Reason
	default:
		m.Type = TypeProgress
	}
	return m
}

type client struct {
	userID string
	send   chan Message
	once   sync.Once
	done   chan struct{}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans events out to every connection of a user. Notify never blocks:
// a client that cannot keep up is disconnected and falls back to polling.
type Hub struct {
	verifier auth.Resolver
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ ingest.Notifier = (*Hub)(nil)

func NewHub(verifier auth.Resolver, checkOrigin func(*http.Request) bool, log *zap.Logger) *Hub {
	return &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:     logging.OrNop(log),
		clients: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) Notify(userID string, ev ingest.Event) {
	msg := FromEvent(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("websocket client too slow, dropping", zap.String("user_id", userID))
			c.stop()
		}
	}
}

// Connected is the number of live connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[c.userID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.clients[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// ServeHTTP upgrades the request, waits for the handshake and then streams
// messages until either side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	defer conn.Close()

	var hs Handshake
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&hs); err != nil {
		h.log.Debug("websocket handshake unreadable", zap.Error(err))
		return
	}
	if err := h.verifier.Verify(hs.UserID, hs.Token); err != nil {
		h.log.Info("websocket handshake rejected", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		return
	}

	c := &client{userID: hs.UserID, send: make(chan Message, sendBuffer), done: make(chan struct{})}
	if !h.register(c) {
		return
	}
	defer h.unregister(c)
	h.log.Debug("websocket connected", zap.String("user_id", c.userID))

	go h.readLoop(conn, c)
	h.writeLoop(conn, c)
}

// readLoop only watches for pongs and closure; clients send nothing after
// the handshake.
func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	defer c.stop()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.write(conn, Message{Type: TypeConnected, UserID: c.userID}); err != nil {
		return
	}
	for {
		select {
		case msg := <-c.send:
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(msg)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.log.Debug("websocket write", zap.Error(err))
	}
	return err
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			c.stop()
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}
