package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nmestad/pairlink/internal/logging"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBuffer  = 256
	eventBuffer = 256
)

// reconnectDelays is the backoff schedule after an established connection
// drops. Once the schedule is exhausted the connection goes to Failed.
var reconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

var (
	// ErrNotConnected is returned when an invoke is attempted while the hub
	// is not in the Connected state.
	ErrNotConnected = errors.New("hub: not connected")
	// ErrConnectionLost is returned for invokes that were in flight when the
	// underlying socket dropped.
	ErrConnectionLost = errors.New("hub: connection lost")
)

// Bus is the hub surface consumed by the message channel, the notification
// channel, and the signaling relay: lifecycle state, remote invocation, and
// push-event subscription.
type Bus interface {
	State() State
	Invoke(ctx context.Context, target string, args ...any) error
	On(target string, fn func(args []json.RawMessage)) (off func())
}

// Connection is the single persistent hub session for the local user.
// It owns the websocket, reconnects it when it drops, and fans push events
// out to registered handlers in transport order. Exactly one Connection
// should exist per running client; create it at login, Disconnect at logout.
type Connection struct {
	hubURL string

	mu        sync.Mutex
	userID    string
	state     State
	sess      *session
	closed    bool
	pending   map[string]chan error
	handlers  map[string]map[uint64]func(args []json.RawMessage)
	stateSubs map[uint64]func(State)
	nextSub   uint64

	// cycleDone spans one Connect..Disconnect cycle; closing it stops the
	// dispatcher and any in-progress reconnect schedule.
	cycleDone chan struct{}
}

// session is one live socket. A Connection goes through several sessions
// across reconnects; handler registrations live on the Connection, so they
// survive a session change without being re-registered.
type session struct {
	ws     *websocket.Conn
	send   chan []byte
	events chan Frame
	done   chan struct{}
	dead   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.dead)
		s.ws.Close()
	})
}

// New creates a Connection targeting hubURL (ws:// or wss://, without the
// userId query). The connection starts Disconnected; call Connect at login.
func New(hubURL string) *Connection {
	return &Connection{
		hubURL:    hubURL,
		state:     Disconnected,
		pending:   make(map[string]chan error),
		handlers:  make(map[string]map[uint64]func(args []json.RawMessage)),
		stateSubs: make(map[uint64]func(State)),
	}
}

// Connect establishes the hub session for userID. Calling it again while a
// session for the same user is live (or reconnecting) is a no-op. An initial
// dial failure is logged, moves the connection to Failed, and is returned;
// automatic reconnect only applies after an established connection drops.
func (c *Connection) Connect(userID string) error {
	c.mu.Lock()
	switch c.state {
	case Connected, Connecting, Reconnecting:
		prev := c.userID
		c.mu.Unlock()
		if prev == userID {
			return nil
		}
		return fmt.Errorf("hub: already connected as %s", prev)
	}
	c.userID = userID
	c.closed = false
	// A previous cycle that ended in Failed still has its dispatcher
	// running; stop it before starting a fresh one.
	if c.cycleDone != nil {
		close(c.cycleDone)
		c.cycleDone = nil
	}
	c.mu.Unlock()
	c.setState(Connecting)

	ws, err := c.dial()
	if err != nil {
		logging.Errorf("hub: error while establishing connection: %v", err)
		c.setState(Failed)
		return fmt.Errorf("hub: establish connection: %w", err)
	}

	events := make(chan Frame, eventBuffer)
	done := make(chan struct{})
	c.mu.Lock()
	c.cycleDone = done
	c.mu.Unlock()
	go c.dispatchLoop(events, done)
	if !c.startSession(ws, events, done) {
		return ErrNotConnected
	}
	c.setState(Connected)
	logging.Infof("hub: connected as %s", userID)
	return nil
}

// Disconnect tears down the session and releases every registered handler.
// Safe to call in any state, including twice.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed && c.sess == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	done := c.cycleDone
	c.cycleDone = nil
	c.failPendingLocked(ErrConnectionLost)
	c.handlers = make(map[string]map[uint64]func(args []json.RawMessage))
	c.mu.Unlock()

	if sess != nil {
		deadline := time.Now().Add(writeWait)
		_ = sess.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		sess.close()
	}
	if done != nil {
		close(done)
	}
	c.setState(Disconnected)
	logging.Infof("hub: disconnected")
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user the current session is scoped to.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnStateChange registers fn for lifecycle transitions. The returned func
// removes the registration.
func (c *Connection) OnStateChange(fn func(State)) (off func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// On registers fn for a push event target. Dispatch happens on a single
// goroutine in hub-transport order; a panicking handler is recovered and
// logged so it cannot kill the pump. The returned func removes the
// registration.
func (c *Connection) On(target string, fn func(args []json.RawMessage)) (off func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	m, ok := c.handlers[target]
	if !ok {
		m = make(map[uint64]func(args []json.RawMessage))
		c.handlers[target] = m
	}
	m[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if m, ok := c.handlers[target]; ok {
			delete(m, id)
		}
		c.mu.Unlock()
	}
}

// Invoke calls a remote hub operation and waits for its ack. It fails fast
// with ErrNotConnected unless the connection is Connected; it never queues.
func (c *Connection) Invoke(ctx context.Context, target string, args ...any) error {
	c.mu.Lock()
	if c.state != Connected || c.sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sess := c.sess
	id := uuid.NewString()
	frame, err := NewInvocation(id, target, args...)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("hub: marshal invocation: %w", err)
	}
	ack := make(chan error, 1)
	c.pending[id] = ack
	c.mu.Unlock()

	select {
	case sess.send <- data:
	case <-sess.dead:
		c.dropPending(id)
		return ErrConnectionLost
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("hub: invoke %s: %w", target, err)
		}
		return nil
	case <-sess.dead:
		c.dropPending(id)
		return ErrConnectionLost
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	u := fmt.Sprintf("%s?userId=%s", c.hubURL, url.QueryEscape(c.UserID()))
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	return ws, err
}

// startSession installs ws as the live session and starts its pumps. It
// refuses when a Disconnect landed while the dial was in flight: the new
// socket is closed and false is returned, so a logout cannot be overridden
// by a connect or reconnect racing it.
func (c *Connection) startSession(ws *websocket.Conn, events chan Frame, done chan struct{}) bool {
	sess := &session{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		events: events,
		done:   done,
		dead:   make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return false
	}
	c.sess = sess
	c.mu.Unlock()
	go c.readPump(sess)
	go c.writePump(sess)
	return true
}

func (c *Connection) readPump(sess *session) {
	defer func() {
		sess.close()
		c.handleDrop(sess)
	}()

	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Errorf("hub: read: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Errorf("hub: malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case FrameAck:
			c.resolveAck(frame)
		case FramePush:
			// Acks are resolved inline above, so a handler that invokes the
			// hub from inside dispatch does not deadlock the read loop.
			select {
			case sess.events <- frame:
			case <-sess.done:
				return
			}
		default:
			logging.Warnf("hub: unknown frame type %q", frame.Type)
		}
	}
}

func (c *Connection) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.close()
	}()

	for {
		select {
		case data := <-sess.send:
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Errorf("hub: write: %v", err)
				return
			}
		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.dead:
			return
		}
	}
}

// handleDrop runs when a session's read loop exits. For a deliberate
// Disconnect the session was already detached; otherwise the drop starts the
// reconnect schedule.
func (c *Connection) handleDrop(sess *session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.failPendingLocked(ErrConnectionLost)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	logging.Warnf("hub: connection lost, reconnecting")
	c.setState(Reconnecting)
	go c.reconnectLoop(sess.events, sess.done)
}

func (c *Connection) reconnectLoop(events chan Frame, done chan struct{}) {
	for _, delay := range reconnectDelays {
		if delay > 0 {
			select {
			case <-done:
				return
			case <-time.After(delay):
			}
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, err := c.dial()
		if err != nil {
			logging.Warnf("hub: reconnect attempt failed: %v", err)
			continue
		}
		// Disconnect may have landed while the dial was in flight; in that
		// case the connection stays down.
		if !c.startSession(ws, events, done) {
			return
		}
		c.setState(Connected)
		logging.Infof("hub: reconnected as %s", c.UserID())
		return
	}
	logging.Errorf("hub: reconnect attempts exhausted")
	c.setState(Failed)
}

func (c *Connection) dispatchLoop(events chan Frame, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-events:
			c.dispatch(frame)
		}
	}
}

func (c *Connection) dispatch(frame Frame) {
	c.mu.Lock()
	fns := make([]func(args []json.RawMessage), 0, len(c.handlers[frame.Target]))
	for _, fn := range c.handlers[frame.Target] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("hub: %s handler panicked: %v", frame.Target, r)
				}
			}()
			fn(frame.Args)
		}()
	}
}

func (c *Connection) resolveAck(frame Frame) {
	c.mu.Lock()
	ack, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if frame.Error != "" {
		ack <- errors.New(frame.Error)
		return
	}
	ack <- nil
}

func (c *Connection) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked fails every in-flight invoke. Caller holds c.mu.
func (c *Connection) failPendingLocked(err error) {
	for id, ack := range c.pending {
		delete(c.pending, id)
		select {
		case ack <- err:
		default:
		}
	}
}
