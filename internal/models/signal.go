package models

import (
	"encoding/json"
	"fmt"
)

// SignalKind identifies the variant carried by a Signal payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalCallEnded SignalKind = "callEnded"
)

// Signal is the call-setup payload relayed between two peers. It travels as
// an opaque string over the hub; the receiver tells the variants apart by
// which fields are present: an SDP description carries `sdp`, an ICE
// candidate carries `candidate`, and the end-of-call marker is the literal
// type "callEnded".
type Signal struct {
	Type          string  `json:"type,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Kind classifies the signal. Unknown shapes classify as "".
func (s Signal) Kind() SignalKind {
	switch {
	case s.Type == string(SignalCallEnded):
		return SignalCallEnded
	case s.SDP != "":
		return SignalKind(s.Type)
	case s.Candidate != "":
		return SignalCandidate
	}
	return ""
}

func OfferSignal(sdp string) Signal {
	return Signal{Type: string(SignalOffer), SDP: sdp}
}

func AnswerSignal(sdp string) Signal {
	return Signal{Type: string(SignalAnswer), SDP: sdp}
}

func CandidateSignal(candidate string, sdpMid *string, sdpMLineIndex *uint16) Signal {
	return Signal{Candidate: candidate, SDPMid: sdpMid, SDPMLineIndex: sdpMLineIndex}
}

func CallEndedSignal() Signal {
	return Signal{Type: string(SignalCallEnded)}
}

// Encode serializes the signal to its wire string.
func (s Signal) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}
	return string(data), nil
}

// DecodeSignal parses a wire string into a Signal.
func DecodeSignal(raw string) (Signal, error) {
	var s Signal
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return s, nil
}
