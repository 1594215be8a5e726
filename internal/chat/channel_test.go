package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/hub/hubtest"
	"github.com/nmestad/pairlink/internal/models"
)

func TestSendAppendsAfterAck(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	before := time.Now()
	require.NoError(t, ch.Send(context.Background(), "alice", "bob", "hi"))

	invs := bus.InvocationsFor(hub.TargetSendMessage)
	require.Len(t, invs, 1)
	var receiver, body string
	hubtest.Arg(t, invs[0], 0, &receiver)
	hubtest.Arg(t, invs[0], 1, &body)
	require.Equal(t, "bob", receiver)
	require.Equal(t, "hi", body)

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "alice", msgs[0].SenderID)
	require.Equal(t, "bob", msgs[0].ReceiverID)
	require.Equal(t, "hi", msgs[0].Body)
	require.NotZero(t, msgs[0].ID)
	require.False(t, msgs[0].Timestamp.Before(before.Truncate(time.Millisecond)))
}

func TestSendSkipsEmptyBody(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), "alice", "bob", "   \t  "))
	require.Empty(t, bus.Invocations())
	require.Empty(t, ch.Messages())
}

func TestSendRejectedNotAppended(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	boom := errors.New("hub said no")
	bus.FailInvokes(boom)

	err := ch.Send(context.Background(), "alice", "bob", "hi")
	require.ErrorIs(t, err, boom)
	require.Empty(t, ch.Messages())
}

func TestInboundPushesAppendInOrder(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	for i := int64(1); i <= 4; i++ {
		bus.Push(t, hub.EventReceiveMessage, models.Message{
			ID: i, SenderID: "bob", ReceiverID: "alice", Body: "m",
		})
	}

	msgs := ch.Messages()
	require.Len(t, msgs, 4)
	for i, msg := range msgs {
		require.Equal(t, int64(i+1), msg.ID)
	}
}

func TestInboundRecordPreservedVerbatim(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	stamp := time.Date(2026, 8, 12, 9, 30, 0, 0, time.UTC)
	bus.Push(t, hub.EventReceiveMessage, models.Message{
		ID: 7, SenderID: "bob", ReceiverID: "alice", Body: "exact", Timestamp: stamp,
	})

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(7), msgs[0].ID)
	require.Equal(t, "exact", msgs[0].Body)
	require.True(t, msgs[0].Timestamp.Equal(stamp))
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	ch.Close()

	bus.Push(t, hub.EventReceiveMessage, models.Message{ID: 1, Body: "late"})
	require.Empty(t, ch.Messages())
}

func TestOnAppendDebounced(t *testing.T) {
	bus := hubtest.NewBus()
	ch := NewChannel(bus, nil, "alice")
	defer ch.Close()

	fired := make(chan struct{}, 8)
	ch.OnAppend(func() { fired <- struct{}{} })

	for i := int64(1); i <= 3; i++ {
		bus.Push(t, hub.EventReceiveMessage, models.Message{ID: i, Body: "m"})
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("append notifier never fired")
	}
	// The burst collapsed into one notification.
	select {
	case <-fired:
		t.Fatal("notifier fired more than once for a single burst")
	case <-time.After(3 * appendNotifyDelay):
	}
}
