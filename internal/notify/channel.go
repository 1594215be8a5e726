// Package notify is the fire-and-forget notification channel. It is fully
// decoupled from the message channel: no buffering, no dedup, no delivery
// guarantee, and a failure here never blocks messaging.
package notify

import (
	"context"
	"encoding/json"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/logging"
)

type Channel struct {
	bus hub.Bus
}

func NewChannel(bus hub.Bus) *Channel {
	return &Channel{bus: bus}
}

// Listen registers fn for inbound notification pushes. Each notification is
// delivered as received and discarded. The returned func unsubscribes.
func (ch *Channel) Listen(fn func(body string)) (off func()) {
	return ch.bus.On(hub.EventReceiveNotification, func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		var body string
		if err := json.Unmarshal(args[0], &body); err != nil {
			logging.Errorf("notify: decode notification: %v", err)
			return
		}
		fn(body)
	})
}

// Send delivers a notification to one user. When the hub is not connected the
// send is skipped and logged rather than queued.
func (ch *Channel) Send(ctx context.Context, userID, body string) error {
	if ch.bus.State() != hub.Connected {
		logging.Warnf("notify: no hub connection, dropping notification to %s", userID)
		return hub.ErrNotConnected
	}
	if err := ch.bus.Invoke(ctx, hub.TargetSendNotification, userID, body); err != nil {
		logging.Errorf("notify: error while sending notification: %v", err)
		return err
	}
	return nil
}

// Broadcast delivers a notification to every connected client, best effort.
func (ch *Channel) Broadcast(ctx context.Context, body string) error {
	if ch.bus.State() != hub.Connected {
		logging.Warnf("notify: no hub connection, dropping global notification")
		return hub.ErrNotConnected
	}
	if err := ch.bus.Invoke(ctx, hub.TargetSendGlobalNotification, body); err != nil {
		logging.Errorf("notify: error while sending global notification: %v", err)
		return err
	}
	return nil
}
