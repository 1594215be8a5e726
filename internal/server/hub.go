// Package server implements the hub the client layer talks to: one websocket
// per connected user, remote operations dispatched from invocation frames,
// and pushes routed to the addressed user. It also serves the chat history
// API backed by the HistoryStore.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	presenceKey = "online:users"
	presenceTTL = 24 * time.Hour
)

var (
	errMissingArgs   = errors.New("missing invocation arguments")
	errMalformedArgs = errors.New("malformed invocation arguments")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub tracks connected users and routes invocation frames between them.
// Each user has at most one live connection; a new connection for the same
// user replaces the old one.
type Hub struct {
	history HistoryStore
	rdb     *redis.Client

	mu      sync.RWMutex
	clients map[string]*client
}

// client is one connected user's socket plus its buffered outbound queue.
type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub creates a hub over the given history store. rdb may be nil; presence
// tracking is skipped without it.
func NewHub(history HistoryStore, rdb *redis.Client) *Hub {
	return &Hub{
		history: history,
		rdb:     rdb,
		clients: make(map[string]*client),
	}
}

// Serve handles the websocket endpoint. The userId query scopes the
// connection; without it the upgrade is refused.
func (h *Hub) Serve(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Errorf("hubserver: failed to upgrade connection: %v", err)
		return
	}

	cl := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	h.register(cl)
	logging.Infof("hubserver: user %s connected", userID)

	go h.writePump(cl)
	go h.readPump(cl)
}

// Online reports whether userID currently has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	old := h.clients[cl.userID]
	h.clients[cl.userID] = cl
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	if h.rdb != nil {
		ctx := context.Background()
		h.rdb.SAdd(ctx, presenceKey, cl.userID)
		h.rdb.Expire(ctx, presenceKey, presenceTTL)
	}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	owned := h.clients[cl.userID] == cl
	if owned {
		delete(h.clients, cl.userID)
	}
	h.mu.Unlock()

	// A connection that was replaced by register no longer owns the user; it
	// must not tear down the replacement's presence.
	if !owned {
		return
	}
	if h.rdb != nil {
		h.rdb.SRem(context.Background(), presenceKey, cl.userID)
	}
	logging.Infof("hubserver: user %s disconnected", cl.userID)
}

func (h *Hub) readPump(cl *client) {
	defer func() {
		h.unregister(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Errorf("hubserver: read: %v", err)
			}
			return
		}

		var frame hub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Errorf("hubserver: failed to parse frame: %v", err)
			continue
		}
		if frame.Type != hub.FrameInvocation {
			logging.Warnf("hubserver: unexpected frame type %q from %s", frame.Type, cl.userID)
			continue
		}
		h.handleInvocation(cl, frame)
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Errorf("hubserver: write: %v", err)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleInvocation dispatches one remote operation and always acks it, with
// an error string when the operation was rejected.
func (h *Hub) handleInvocation(cl *client, frame hub.Frame) {
	var ackErr string
	switch frame.Target {
	case hub.TargetSendMessage:
		ackErr = h.handleSendMessage(cl, frame.Args)
	case hub.TargetSendNotification:
		ackErr = h.handleSendNotification(cl, frame.Args)
	case hub.TargetSendGlobalNotification:
		ackErr = h.handleSendGlobalNotification(cl, frame.Args)
	case hub.TargetSendSignal:
		ackErr = h.handleSendSignal(cl, frame.Args)
	default:
		ackErr = "unknown operation " + frame.Target
	}
	if ackErr != "" {
		logging.Warnf("hubserver: %s from %s rejected: %s", frame.Target, cl.userID, ackErr)
	}
	h.sendFrame(cl, hub.Frame{Type: hub.FrameAck, ID: frame.ID, Error: ackErr})
}

func (h *Hub) handleSendMessage(cl *client, args []json.RawMessage) string {
	var receiverID, body string
	if err := decodeArgs(args, &receiverID, &body); err != nil {
		return err.Error()
	}
	if receiverID == "" || body == "" {
		return "receiverId and message body are required"
	}

	msg := models.Message{
		SenderID:   cl.userID,
		ReceiverID: receiverID,
		Body:       body,
		Timestamp:  time.Now(),
	}
	stored, err := h.history.Append(context.Background(), msg)
	if err != nil {
		logging.Errorf("hubserver: store message: %v", err)
		return "failed to store message"
	}

	// The sender appends locally on ack; only the receiver gets the push.
	h.pushTo(receiverID, hub.EventReceiveMessage, stored)
	return ""
}

func (h *Hub) handleSendNotification(cl *client, args []json.RawMessage) string {
	var userID, body string
	if err := decodeArgs(args, &userID, &body); err != nil {
		return err.Error()
	}
	if userID == "" {
		return "userId is required"
	}
	// Best-effort channel: an offline target is not an invoke failure.
	h.pushTo(userID, hub.EventReceiveNotification, body)
	return ""
}

func (h *Hub) handleSendGlobalNotification(cl *client, args []json.RawMessage) string {
	var body string
	if err := decodeArgs(args, &body); err != nil {
		return err.Error()
	}
	frame, err := hub.NewPush(hub.EventReceiveNotification, body)
	if err != nil {
		return "failed to encode push"
	}
	data, _ := json.Marshal(frame)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, target := range h.clients {
		select {
		case target.send <- data:
		default:
			logging.Warnf("hubserver: send buffer full for %s, dropping push", userID)
		}
	}
	return ""
}

func (h *Hub) handleSendSignal(cl *client, args []json.RawMessage) string {
	var receiverID, signal string
	if err := decodeArgs(args, &receiverID, &signal); err != nil {
		return err.Error()
	}
	if receiverID == "" {
		return "receiverId is required"
	}
	// Signals are stamped with their origin so the receiver can route the
	// answer back to the offering peer.
	if !h.pushTo(receiverID, hub.EventReceiveSignal, signal, cl.userID) {
		return "receiver is not connected"
	}
	return ""
}

// pushTo sends a push frame to one user. Returns false when the user has no
// live connection.
func (h *Hub) pushTo(userID, event string, args ...any) bool {
	h.mu.RLock()
	target, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := hub.NewPush(event, args...)
	if err != nil {
		logging.Errorf("hubserver: encode %s push: %v", event, err)
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Errorf("hubserver: marshal %s push: %v", event, err)
		return false
	}

	select {
	case target.send <- data:
		return true
	default:
		logging.Warnf("hubserver: send buffer full for %s, dropping push", userID)
		return false
	}
}

func (h *Hub) sendFrame(cl *client, frame hub.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Errorf("hubserver: marshal frame: %v", err)
		return
	}
	select {
	case cl.send <- data:
	default:
		logging.Warnf("hubserver: send buffer full for %s, dropping frame", cl.userID)
	}
}

// decodeArgs unmarshals positional invocation arguments into the given
// string targets.
func decodeArgs(args []json.RawMessage, out ...*string) error {
	if len(args) < len(out) {
		return errMissingArgs
	}
	for i, dst := range out {
		if err := json.Unmarshal(args[i], dst); err != nil {
			return errMalformedArgs
		}
	}
	return nil
}
