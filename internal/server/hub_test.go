package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/models"
)

func newHubTestServer(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHub(NewMemoryHistoryStore(), nil)
	router := gin.New()
	router.GET("/hub", h.Serve)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/hub"
}

// hubClient is a raw wire-level client: reads are split into ack and push
// streams so tests can assert on each independently.
type hubClient struct {
	t      *testing.T
	ws     *websocket.Conn
	acks   chan hub.Frame
	pushes chan hub.Frame
	closed chan struct{}
}

func dialHub(t *testing.T, wsURL, userID string) *hubClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?userId="+userID, nil)
	require.NoError(t, err)

	c := &hubClient{
		t:      t,
		ws:     ws,
		acks:   make(chan hub.Frame, 16),
		pushes: make(chan hub.Frame, 16),
		closed: make(chan struct{}),
	}
	t.Cleanup(func() { ws.Close() })

	go func() {
		defer close(c.closed)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame hub.Frame
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			switch frame.Type {
			case hub.FrameAck:
				c.acks <- frame
			case hub.FramePush:
				c.pushes <- frame
			}
		}
	}()
	return c
}

// invoke sends one invocation and returns the matching ack.
func (c *hubClient) invoke(target string, args ...any) hub.Frame {
	c.t.Helper()
	id := uuid.NewString()
	frame, err := hub.NewInvocation(id, target, args...)
	require.NoError(c.t, err)
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))

	select {
	case ack := <-c.acks:
		require.Equal(c.t, id, ack.ID)
		return ack
	case <-time.After(5 * time.Second):
		c.t.Fatalf("no ack for %s", target)
		return hub.Frame{}
	}
}

func (c *hubClient) nextPush(event string) hub.Frame {
	c.t.Helper()
	select {
	case frame := <-c.pushes:
		require.Equal(c.t, event, frame.Target)
		return frame
	case <-time.After(5 * time.Second):
		c.t.Fatalf("no %s push arrived", event)
		return hub.Frame{}
	}
}

func (c *hubClient) expectNoPush(wait time.Duration) {
	c.t.Helper()
	select {
	case frame := <-c.pushes:
		c.t.Fatalf("unexpected %s push", frame.Target)
	case <-time.After(wait):
	}
}

func waitOnline(t *testing.T, h *Hub, userIDs ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range userIDs {
			if !h.Online(id) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeRequiresUserID(t *testing.T) {
	_, wsURL := newHubTestServer(t)
	httpURL := "http" + strings.TrimPrefix(wsURL, "ws")

	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageRoutedToReceiverOnly(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	bob := dialHub(t, wsURL, "bob")
	waitOnline(t, h, "alice", "bob")

	ack := alice.invoke(hub.TargetSendMessage, "bob", "hi bob")
	require.Empty(t, ack.Error)

	push := bob.nextPush(hub.EventReceiveMessage)
	require.Len(t, push.Args, 1)
	var msg models.Message
	require.NoError(t, json.Unmarshal(push.Args[0], &msg))
	require.Equal(t, "alice", msg.SenderID)
	require.Equal(t, "bob", msg.ReceiverID)
	require.Equal(t, "hi bob", msg.Body)
	require.Equal(t, int64(1), msg.ID, "server assigns the message id")

	// The sender appends on ack; no echo push.
	alice.expectNoPush(300 * time.Millisecond)
}

func TestSendMessagePersistsConversation(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	bob := dialHub(t, wsURL, "bob")
	waitOnline(t, h, "alice", "bob")

	require.Empty(t, alice.invoke(hub.TargetSendMessage, "bob", "first").Error)
	require.Empty(t, bob.invoke(hub.TargetSendMessage, "alice", "second").Error)

	msgs, err := h.history.Conversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "second", msgs[1].Body)
}

func TestSendMessageValidation(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	waitOnline(t, h, "alice")

	ack := alice.invoke(hub.TargetSendMessage, "", "body")
	require.NotEmpty(t, ack.Error)

	ack = alice.invoke(hub.TargetSendMessage, "bob")
	require.NotEmpty(t, ack.Error)
}

func TestSendSignalStampsOrigin(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	bob := dialHub(t, wsURL, "bob")
	waitOnline(t, h, "alice", "bob")

	ack := alice.invoke(hub.TargetSendSignal, "bob", `{"sdp":"v=0","type":"offer"}`)
	require.Empty(t, ack.Error)

	push := bob.nextPush(hub.EventReceiveSignal)
	require.Len(t, push.Args, 2, "signal pushes carry the payload and its origin")
	var raw, from string
	require.NoError(t, json.Unmarshal(push.Args[0], &raw))
	require.NoError(t, json.Unmarshal(push.Args[1], &from))
	require.Equal(t, `{"sdp":"v=0","type":"offer"}`, raw)
	require.Equal(t, "alice", from)
}

func TestSendSignalOfflineReceiverRejected(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	waitOnline(t, h, "alice")

	ack := alice.invoke(hub.TargetSendSignal, "ghost", `{"type":"callEnded"}`)
	require.Equal(t, "receiver is not connected", ack.Error)
}

func TestSendNotificationOfflineBestEffort(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	waitOnline(t, h, "alice")

	ack := alice.invoke(hub.TargetSendNotification, "ghost", "you there?")
	require.Empty(t, ack.Error, "offline notification targets are not invoke failures")
}

func TestGlobalNotificationReachesEveryone(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	bob := dialHub(t, wsURL, "bob")
	waitOnline(t, h, "alice", "bob")

	ack := alice.invoke(hub.TargetSendGlobalNotification, "maintenance at noon")
	require.Empty(t, ack.Error)

	for _, c := range []*hubClient{alice, bob} {
		push := c.nextPush(hub.EventReceiveNotification)
		var body string
		require.NoError(t, json.Unmarshal(push.Args[0], &body))
		require.Equal(t, "maintenance at noon", body)
	}
}

func TestReplacedConnectionKeepsUserOnline(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	first := dialHub(t, wsURL, "alice")
	waitOnline(t, h, "alice")

	// A second connection for the same user evicts the first.
	second := dialHub(t, wsURL, "alice")
	bob := dialHub(t, wsURL, "bob")
	waitOnline(t, h, "bob")

	select {
	case <-first.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("replaced connection was not closed")
	}

	// The evicted connection's teardown must not deregister the replacement.
	time.Sleep(100 * time.Millisecond)
	require.True(t, h.Online("alice"))
	require.Empty(t, bob.invoke(hub.TargetSendSignal, "alice", `{"type":"callEnded"}`).Error)
	second.nextPush(hub.EventReceiveSignal)
}

func TestUnknownTargetRejected(t *testing.T) {
	h, wsURL := newHubTestServer(t)
	alice := dialHub(t, wsURL, "alice")
	waitOnline(t, h, "alice")

	ack := alice.invoke("SelfDestruct")
	require.Contains(t, ack.Error, "unknown operation")
}
