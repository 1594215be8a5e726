// Package chat implements the ordered message channel between the local user
// and one active peer: an append-only in-memory buffer fed by hub pushes and
// confirmed local sends, reset only when the active peer switches.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/models"
)

// appendNotifyDelay debounces the append notifier so the rendering layer can
// settle before it scrolls to the latest message.
const appendNotifyDelay = 100 * time.Millisecond

// Channel is the message channel for the local user. It subscribes to the
// hub's inbound message push exactly once at construction and unsubscribes on
// Close.
type Channel struct {
	bus     hub.Bus
	history *HistoryClient
	localID string

	mu       sync.Mutex
	peerID   string
	buffer   []models.Message
	onAppend func()
	debounce *time.Timer

	off func()
}

func NewChannel(bus hub.Bus, history *HistoryClient, localUserID string) *Channel {
	ch := &Channel{
		bus:     bus,
		history: history,
		localID: localUserID,
	}
	ch.off = bus.On(hub.EventReceiveMessage, ch.handleInbound)
	return ch
}

// History fetches the conversation with peerID and REPLACES the buffer with
// the fetched set; the previous peer's buffer is discarded, not merged. A
// fetch failure yields (false, empty) and an empty buffer.
func (ch *Channel) History(ctx context.Context, peerID, token string) (bool, []models.Message) {
	resp := ch.history.Fetch(ctx, peerID, token)

	ch.mu.Lock()
	ch.peerID = peerID
	ch.buffer = append([]models.Message(nil), resp.Data...)
	snapshot := append([]models.Message(nil), ch.buffer...)
	ch.mu.Unlock()

	ch.notifyAppend()
	return resp.IsSuccess, snapshot
}

// Send trims body and no-ops when nothing is left. The message is appended to
// the buffer only after the hub confirms the invoke; a rejected invoke is
// logged and returned, and nothing is queued or retried here.
func (ch *Channel) Send(ctx context.Context, senderID, receiverID, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if err := ch.bus.Invoke(ctx, hub.TargetSendMessage, receiverID, body); err != nil {
		logging.Errorf("chat: error while sending message: %v", err)
		return err
	}
	ch.append(models.NewLocalMessage(senderID, receiverID, body))
	return nil
}

// Messages returns a snapshot of the buffer in append order.
func (ch *Channel) Messages() []models.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]models.Message(nil), ch.buffer...)
}

// Peer returns the currently active peer id.
func (ch *Channel) Peer() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peerID
}

// OnAppend registers the notifier fired (debounced) after the buffer grows or
// is replaced. Used by the presentation layer to scroll to the latest message.
func (ch *Channel) OnAppend(fn func()) {
	ch.mu.Lock()
	ch.onAppend = fn
	ch.mu.Unlock()
}

// Close unsubscribes from the hub and stops the pending notifier, if any.
func (ch *Channel) Close() {
	ch.off()
	ch.mu.Lock()
	if ch.debounce != nil {
		ch.debounce.Stop()
		ch.debounce = nil
	}
	ch.mu.Unlock()
}

func (ch *Channel) handleInbound(args []json.RawMessage) {
	if len(args) == 0 {
		logging.Warnf("chat: ReceiveMessage push without payload")
		return
	}
	var msg models.Message
	if err := json.Unmarshal(args[0], &msg); err != nil {
		logging.Errorf("chat: decode pushed message: %v", err)
		return
	}
	ch.append(msg)
}

func (ch *Channel) append(msg models.Message) {
	ch.mu.Lock()
	ch.buffer = append(ch.buffer, msg)
	ch.mu.Unlock()
	ch.notifyAppend()
}

func (ch *Channel) notifyAppend() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.onAppend == nil {
		return
	}
	if ch.debounce != nil {
		ch.debounce.Stop()
	}
	fn := ch.onAppend
	ch.debounce = time.AfterFunc(appendNotifyDelay, fn)
}
