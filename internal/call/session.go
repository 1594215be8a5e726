package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/models"
)

var (
	// ErrPolicyDenied means the call window precondition failed; nothing was
	// acquired or sent.
	ErrPolicyDenied = errors.New("call: video chat is not available now")
	// ErrAlreadyInCall means a call session is already active; the existing
	// session is left untouched.
	ErrAlreadyInCall = errors.New("call: a call is already in progress")
	// ErrMediaUnavailable means local capture could not be acquired.
	ErrMediaUnavailable = errors.New("call: unable to access camera or microphone")
	// ErrSignalingFailure means an offer/answer/description step was rejected.
	ErrSignalingFailure = errors.New("call: signaling failed")
)

// SessionState is the macro-state of one call attempt.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOffering:
		return "Offering"
	case StateAnswering:
		return "Answering"
	case StateConnected:
		return "Connected"
	case StateEnded:
		return "Ended"
	}
	return "Unknown"
}

// sendFunc relays an encoded signal to a peer via the hub.
type sendFunc func(ctx context.Context, receiverID string, sig models.Signal) error

// Session is the state machine and owned resources for one call attempt with
// one peer. The media source and peer connection belong exclusively to the
// session and are released on every exit path, error paths included. Ended
// is terminal; a fresh call needs a fresh session.
type Session struct {
	peerID        string
	send          sendFunc
	onRemoteTrack func(*webrtc.TrackRemote)

	mu                sync.Mutex
	state             SessionState
	pc                PeerConnection
	media             MediaSource
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
}

func newSession(peerID string, send sendFunc, onRemoteTrack func(*webrtc.TrackRemote)) *Session {
	return &Session{
		peerID:        peerID,
		send:          send,
		onRemoteTrack: onRemoteTrack,
		state:         StateIdle,
	}
}

// Peer returns the remote user this session talks to.
func (s *Session) Peer() string { return s.peerID }

// State returns the current macro-state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) done() bool {
	return s.State() == StateEnded
}

// setup acquires media and constructs the peer connection, attaching every
// local track and the ICE/track callbacks. Shared by the offer and answer
// paths.
func (s *Session) setup(ctx context.Context, capture CaptureFunc, newPeer PeerFactory) error {
	media, err := capture(ctx)
	if err != nil {
		logging.Errorf("call: error accessing media devices: %v", err)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	pc, err := newPeer()
	if err != nil {
		if cerr := media.Close(); cerr != nil {
			logging.Errorf("call: release media: %v", cerr)
		}
		logging.Errorf("call: create peer connection: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}

	s.mu.Lock()
	s.media = media
	s.pc = pc
	s.mu.Unlock()

	for _, track := range media.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			s.abort()
			logging.Errorf("call: attach local track: %v", err)
			return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote) {
		if s.onRemoteTrack != nil {
			s.onRemoteTrack(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if s.done() {
			return
		}
		init := candidate.ToJSON()
		sig := models.CandidateSignal(init.Candidate, init.SDPMid, init.SDPMLineIndex)
		if err := s.send(context.Background(), s.peerID, sig); err != nil {
			logging.Errorf("call: error sending ICE candidate: %v", err)
		}
	})

	return nil
}

// offer runs the caller-side negotiation start: local offer committed and
// relayed to the peer. On failure the session releases everything it holds.
func (s *Session) offer(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pc
	s.state = StateOffering
	s.mu.Unlock()

	desc, err := pc.CreateOffer()
	if err != nil {
		s.abort()
		logging.Errorf("call: create offer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		s.abort()
		logging.Errorf("call: commit local offer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	if err := s.send(ctx, s.peerID, models.OfferSignal(desc.SDP)); err != nil {
		s.abort()
		logging.Errorf("call: error sending offer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	return nil
}

// answer runs the callee side: commit the remote offer, produce and commit a
// local answer, and relay it back to the offer's origin.
func (s *Session) answer(ctx context.Context, offerSDP string) error {
	s.mu.Lock()
	pc := s.pc
	s.state = StateAnswering
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		s.abort()
		logging.Errorf("call: commit remote offer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	s.markRemoteSet()

	desc, err := pc.CreateAnswer()
	if err != nil {
		s.abort()
		logging.Errorf("call: create answer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		s.abort()
		logging.Errorf("call: commit local answer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	if err := s.send(ctx, s.peerID, models.AnswerSignal(desc.SDP)); err != nil {
		s.abort()
		logging.Errorf("call: error sending answer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}

	s.mu.Lock()
	if s.state == StateAnswering {
		s.state = StateConnected
	}
	s.mu.Unlock()
	return nil
}

// handleAnswer commits the remote answer on the caller side; the call is
// then bidirectionally negotiated.
func (s *Session) handleAnswer(sdp string) error {
	s.mu.Lock()
	if s.state != StateOffering {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("call: answer received in state %s", state)
	}
	pc := s.pc
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(remote); err != nil {
		logging.Errorf("call: commit remote answer: %v", err)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	s.markRemoteSet()

	s.mu.Lock()
	if s.state == StateOffering {
		s.state = StateConnected
	}
	s.mu.Unlock()
	return nil
}

// addCandidate feeds a relayed ICE candidate to the peer connection. It
// never changes the macro-state. Candidates arriving before the remote
// description is committed are queued and flushed afterwards.
func (s *Session) addCandidate(init webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state == StateEnded || s.pc == nil {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingCandidates = append(s.pendingCandidates, init)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		logging.Errorf("call: add ICE candidate: %v", err)
	}
}

// markRemoteSet flushes queued candidates once a remote description exists.
func (s *Session) markRemoteSet() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	pc := s.pc
	s.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			logging.Errorf("call: add queued ICE candidate: %v", err)
		}
	}
}

// end terminates the session: stops local media, closes the peer connection,
// and (when notifyPeer is set and a peer is known) relays a callEnded marker.
// Idempotent and safe from any state, including mid-negotiation with a
// not-yet-open peer connection or an absent media stream.
func (s *Session) end(ctx context.Context, notifyPeer bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	media := s.media
	s.media = nil
	pc := s.pc
	s.pc = nil
	s.pendingCandidates = nil
	s.mu.Unlock()

	if media != nil {
		if err := media.Close(); err != nil {
			logging.Errorf("call: stop local media: %v", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			logging.Errorf("call: close peer connection: %v", err)
		}
	}
	if notifyPeer && s.peerID != "" {
		if err := s.send(ctx, s.peerID, models.CallEndedSignal()); err != nil {
			logging.Errorf("call: error sending callEnded: %v", err)
		}
	}
	logging.Infof("call: session with %s ended", s.peerID)
}

// abort releases resources after a failed transition without notifying the
// peer; the failed attempt is reported to the caller, not the remote side.
func (s *Session) abort() {
	s.end(context.Background(), false)
}
