package models

import (
	"math/rand"
	"time"
)

// Message is one chat message between two users. Messages pushed by the hub
// carry a server-assigned id; locally sent messages get a provisional id from
// NewLocalMessage before the server ever sees them.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewLocalMessage builds a locally originated message with a provisional
// client-side id (millisecond clock plus a small random component, so two
// sends in the same millisecond stay distinct).
func NewLocalMessage(senderID, receiverID, body string) Message {
	now := time.Now()
	return Message{
		ID:         now.UnixMilli() + rand.Int63n(1000),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		Timestamp:  now,
	}
}

// HistoryResponse is the body of the history API's message listing.
type HistoryResponse struct {
	IsSuccess bool      `json:"isSuccess"`
	Data      []Message `json:"data"`
}
