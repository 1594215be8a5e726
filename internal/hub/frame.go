package hub

import (
	"encoding/json"
	"fmt"
)

// Frame kinds exchanged over the hub websocket.
const (
	FrameInvocation = "invocation"
	FrameAck        = "ack"
	FramePush       = "push"
)

// Remote operations a client may invoke on the hub.
const (
	TargetSendMessage            = "SendMessage"
	TargetSendNotification       = "SendNotification"
	TargetSendGlobalNotification = "SendGlobalNotification"
	TargetSendSignal             = "SendSignal"
)

// Push events the hub delivers to clients.
const (
	EventReceiveMessage      = "ReceiveMessage"
	EventReceiveNotification = "ReceiveNotification"
	EventReceiveSignal       = "ReceiveSignal"
)

// Frame is the wire envelope for everything on the hub socket. Invocations
// carry an id the server echoes back in the matching ack; pushes carry no id.
type Frame struct {
	Type   string            `json:"type"`
	ID     string            `json:"id,omitempty"`
	Target string            `json:"target,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// NewInvocation builds an invocation frame, marshaling each argument.
func NewInvocation(id, target string, args ...any) (Frame, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s argument: %w", target, err)
		}
		raw = append(raw, data)
	}
	return Frame{Type: FrameInvocation, ID: id, Target: target, Args: raw}, nil
}

// NewPush builds a push frame, marshaling each argument.
func NewPush(target string, args ...any) (Frame, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s argument: %w", target, err)
		}
		raw = append(raw, data)
	}
	return Frame{Type: FramePush, Target: target, Args: raw}, nil
}
