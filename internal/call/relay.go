// Package call brokers WebRTC call setup between two users over the hub's
// signaling relay and drives the local call session through its state
// machine. It never touches the media bytes; it only routes offer, answer,
// ICE candidate, and end-of-call payloads.
package call

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/models"
)

// Relay is the signaling relay client. It owns at most one live Session per
// client; starting a second call while one is active fails with
// ErrAlreadyInCall instead of clobbering the existing peer connection.
type Relay struct {
	bus     hub.Bus
	policy  *Policy
	capture CaptureFunc
	newPeer PeerFactory

	mu            sync.Mutex
	session       *Session
	onRemoteTrack func(*webrtc.TrackRemote)
	onEnded       func(peerID string)

	off func()
}

// NewRelay wires a relay to the hub and subscribes to inbound signals.
func NewRelay(bus hub.Bus, policy *Policy, capture CaptureFunc, newPeer PeerFactory) *Relay {
	r := &Relay{
		bus:     bus,
		policy:  policy,
		capture: capture,
		newPeer: newPeer,
	}
	r.off = bus.On(hub.EventReceiveSignal, r.handleSignal)
	return r
}

// OnRemoteTrack registers the hook that surfaces received media tracks to
// the host. Set it before starting or accepting calls.
func (r *Relay) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	r.mu.Lock()
	r.onRemoteTrack = fn
	r.mu.Unlock()
}

// OnEnded registers the hook fired when a session terminates for any reason.
func (r *Relay) OnEnded(fn func(peerID string)) {
	r.mu.Lock()
	r.onEnded = fn
	r.mu.Unlock()
}

// SessionState reports the live session's state, or StateIdle when none.
func (r *Relay) SessionState() SessionState {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	return sess.State()
}

// StartCall begins a call to peerID: policy check, media acquisition, peer
// connection setup, then the offer. The policy check runs before any side
// effect; a denial leaves nothing to clean up.
func (r *Relay) StartCall(ctx context.Context, peerID string) error {
	if !r.policy.CanStartVideoChat() {
		return ErrPolicyDenied
	}

	r.mu.Lock()
	if r.session != nil && !r.session.done() {
		r.mu.Unlock()
		return ErrAlreadyInCall
	}
	sess := newSession(peerID, r.sendSignal, r.remoteTrackHook())
	r.session = sess
	r.mu.Unlock()

	if err := sess.setup(ctx, r.capture, r.newPeer); err != nil {
		r.clearSession(sess)
		return err
	}
	if err := sess.offer(ctx); err != nil {
		r.clearSession(sess)
		return err
	}
	logging.Infof("call: offering %s", peerID)
	return nil
}

// EndCall terminates the live session, if any. Safe to call from any state,
// including mid-negotiation.
func (r *Relay) EndCall(ctx context.Context) {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess == nil {
		return
	}
	sess.end(ctx, true)
	r.notifyEnded(sess.Peer())
}

// Close unsubscribes from the hub and ends any live session.
func (r *Relay) Close() {
	r.off()
	r.EndCall(context.Background())
}

// handleSignal is the single inbound-signal entry point. Nothing may
// propagate out of it: a failure here would tear down the hub listener, so
// every branch degrades to a log line.
func (r *Relay) handleSignal(args []json.RawMessage) {
	if len(args) == 0 {
		logging.Warnf("call: signal push without payload")
		return
	}
	var raw string
	if err := json.Unmarshal(args[0], &raw); err != nil {
		logging.Errorf("call: decode signal payload: %v", err)
		return
	}
	var from string
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &from); err != nil {
			logging.Errorf("call: decode signal origin: %v", err)
		}
	}

	sig, err := models.DecodeSignal(raw)
	if err != nil {
		logging.Errorf("call: %v", err)
		return
	}

	switch sig.Kind() {
	case models.SignalCallEnded:
		r.handleCallEnded()
	case models.SignalOffer:
		r.handleOffer(sig, from)
	case models.SignalAnswer:
		r.handleAnswer(sig)
	case models.SignalCandidate:
		r.handleCandidate(sig)
	default:
		logging.Warnf("call: unrecognized signal shape")
	}
}

func (r *Relay) handleOffer(sig models.Signal, from string) {
	if from == "" {
		logging.Errorf("call: offer without origin, cannot route answer")
		return
	}

	r.mu.Lock()
	if r.session != nil && !r.session.done() {
		peer := r.session.Peer()
		r.mu.Unlock()
		logging.Warnf("call: offer from %s ignored, already in a call with %s", from, peer)
		return
	}
	sess := newSession(from, r.sendSignal, r.remoteTrackHook())
	r.session = sess
	r.mu.Unlock()

	ctx := context.Background()
	if err := sess.setup(ctx, r.capture, r.newPeer); err != nil {
		logging.Errorf("call: error accepting offer from %s: %v", from, err)
		r.clearSession(sess)
		return
	}
	if err := sess.answer(ctx, sig.SDP); err != nil {
		logging.Errorf("call: error answering offer from %s: %v", from, err)
		r.clearSession(sess)
		return
	}
	logging.Infof("call: answered offer from %s", from)
}

func (r *Relay) handleAnswer(sig models.Signal) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		logging.Warnf("call: answer received with no active session")
		return
	}
	if err := sess.handleAnswer(sig.SDP); err != nil {
		logging.Errorf("call: %v", err)
	}
}

func (r *Relay) handleCandidate(sig models.Signal) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		logging.Debugf("call: ICE candidate with no active session, dropped")
		return
	}
	sess.addCandidate(webrtc.ICECandidateInit{
		Candidate:     sig.Candidate,
		SDPMid:        sig.SDPMid,
		SDPMLineIndex: sig.SDPMLineIndex,
	})
}

func (r *Relay) handleCallEnded() {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess == nil {
		return
	}
	sess.end(context.Background(), false)
	r.notifyEnded(sess.Peer())
}

// sendSignal encodes and relays one signal over the hub.
func (r *Relay) sendSignal(ctx context.Context, receiverID string, sig models.Signal) error {
	raw, err := sig.Encode()
	if err != nil {
		return err
	}
	return r.bus.Invoke(ctx, hub.TargetSendSignal, receiverID, raw)
}

// clearSession detaches sess if it is still the live one.
func (r *Relay) clearSession(sess *Session) {
	r.mu.Lock()
	if r.session == sess {
		r.session = nil
	}
	r.mu.Unlock()
}

func (r *Relay) remoteTrackHook() func(*webrtc.TrackRemote) {
	return func(track *webrtc.TrackRemote) {
		r.mu.Lock()
		fn := r.onRemoteTrack
		r.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	}
}

func (r *Relay) notifyEnded(peerID string) {
	r.mu.Lock()
	fn := r.onEnded
	r.mu.Unlock()
	if fn != nil {
		fn(peerID)
	}
}
