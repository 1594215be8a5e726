package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/hub/hubtest"
	"github.com/nmestad/pairlink/internal/models"
)

// fakePeer mimics the peer connection's negotiation surface, including the
// real behavior of rejecting ICE candidates before a remote description is
// committed.
type fakePeer struct {
	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	localSet   bool
	remoteSet  bool
	closed     bool

	offerErr error
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSet = true
	return nil
}

func (p *fakePeer) SetRemoteDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSet = true
	return nil
}

func (p *fakePeer) AddICECandidate(init webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("remote description is not set")
	}
	p.candidates = append(p.candidates, init)
	return nil
}

func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate)) {}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote))         {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// peerTracker hands out fake peers and remembers the most recent one.
type peerTracker struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (pt *peerTracker) factory() (PeerConnection, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.err != nil {
		return nil, pt.err
	}
	p := &fakePeer{}
	pt.peers = append(pt.peers, p)
	return p, nil
}

func (pt *peerTracker) last(t *testing.T) *fakePeer {
	t.Helper()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.peers) == 0 {
		t.Fatal("no peer connection was created")
	}
	return pt.peers[len(pt.peers)-1]
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestRelay(t *testing.T, bus *hubtest.Bus) (*Relay, *fakeMedia, *peerTracker) {
	t.Helper()
	media := &fakeMedia{}
	peers := &peerTracker{}
	r := NewRelay(bus, NewPolicy(nil), func(context.Context) (MediaSource, error) {
		return media, nil
	}, peers.factory)
	t.Cleanup(r.Close)
	return r, media, peers
}

func lastSignal(t *testing.T, bus *hubtest.Bus) (receiver string, sig models.Signal) {
	t.Helper()
	invs := bus.InvocationsFor(hub.TargetSendSignal)
	if len(invs) == 0 {
		t.Fatal("no signal was relayed")
	}
	inv := invs[len(invs)-1]
	var raw string
	hubtest.Arg(t, inv, 0, &receiver)
	hubtest.Arg(t, inv, 1, &raw)
	sig, err := models.DecodeSignal(raw)
	require.NoError(t, err)
	return receiver, sig
}

func pushSignal(t *testing.T, bus *hubtest.Bus, sig models.Signal, from string) {
	t.Helper()
	raw, err := sig.Encode()
	require.NoError(t, err)
	bus.Push(t, hub.EventReceiveSignal, raw, from)
}

func TestStartCallSendsOffer(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, peers := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	require.Equal(t, StateOffering, r.SessionState())

	receiver, sig := lastSignal(t, bus)
	require.Equal(t, "bob", receiver)
	require.Equal(t, models.SignalOffer, sig.Kind())
	require.Equal(t, "v=0 local-offer", sig.SDP)
	require.True(t, peers.last(t).localSet)
}

func TestStartCallPolicyDenied(t *testing.T) {
	bus := hubtest.NewBus()
	captured := 0
	policy := NewPolicy([]int{9})
	policy.now = fixedClock(5)
	r := NewRelay(bus, policy, func(context.Context) (MediaSource, error) {
		captured++
		return &fakeMedia{}, nil
	}, (&peerTracker{}).factory)
	t.Cleanup(r.Close)

	err := r.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrPolicyDenied)
	require.Zero(t, captured, "denial must precede media acquisition")
	require.Empty(t, bus.Invocations())
	require.Equal(t, StateIdle, r.SessionState())
}

func TestStartCallWhileActive(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, _ := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	err := r.StartCall(context.Background(), "carol")
	require.ErrorIs(t, err, ErrAlreadyInCall)
}

func TestStartCallMediaUnavailable(t *testing.T) {
	bus := hubtest.NewBus()
	boom := errors.New("no camera")
	r := NewRelay(bus, NewPolicy(nil), func(context.Context) (MediaSource, error) {
		return nil, boom
	}, (&peerTracker{}).factory)
	t.Cleanup(r.Close)

	err := r.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrMediaUnavailable)
	require.Empty(t, bus.Invocations())
	require.Equal(t, StateIdle, r.SessionState())
}

func TestEndCallReleasesEverything(t *testing.T) {
	bus := hubtest.NewBus()
	r, media, peers := newTestRelay(t, bus)

	var endedWith string
	r.OnEnded(func(peerID string) { endedWith = peerID })

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	r.EndCall(context.Background())

	require.True(t, media.isClosed())
	require.True(t, peers.last(t).isClosed())
	require.Equal(t, StateIdle, r.SessionState())
	require.Equal(t, "bob", endedWith)

	receiver, sig := lastSignal(t, bus)
	require.Equal(t, "bob", receiver)
	require.Equal(t, models.SignalCallEnded, sig.Kind())

	// Ending again is a no-op.
	r.EndCall(context.Background())
}

func TestAnswerCompletesOffer(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, peers := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	pushSignal(t, bus, models.AnswerSignal("v=0 remote-answer"), "bob")

	require.Equal(t, StateConnected, r.SessionState())
	require.True(t, peers.last(t).remoteSet)
}

func TestCandidateBeforeAnswerIsQueued(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, peers := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))

	mid := "0"
	idx := uint16(0)
	pushSignal(t, bus, models.CandidateSignal("candidate:early", &mid, &idx), "bob")
	require.Zero(t, peers.last(t).candidateCount(), "candidate must wait for the remote description")
	require.Equal(t, StateOffering, r.SessionState())

	pushSignal(t, bus, models.AnswerSignal("v=0 remote-answer"), "bob")
	require.Equal(t, 1, peers.last(t).candidateCount(), "queued candidate must be flushed")
	require.Equal(t, StateConnected, r.SessionState())
}

func TestCandidateWithoutSessionDropped(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, _ := newTestRelay(t, bus)

	mid := "0"
	idx := uint16(0)
	pushSignal(t, bus, models.CandidateSignal("candidate:stray", &mid, &idx), "bob")

	require.Equal(t, StateIdle, r.SessionState())
	require.Empty(t, bus.Invocations())
}

func TestInboundOfferIsAnsweredToOrigin(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, peers := newTestRelay(t, bus)

	pushSignal(t, bus, models.OfferSignal("v=0 remote-offer"), "alice")

	receiver, sig := lastSignal(t, bus)
	require.Equal(t, "alice", receiver)
	require.Equal(t, models.SignalAnswer, sig.Kind())
	require.Equal(t, "v=0 local-answer", sig.SDP)
	require.Equal(t, StateConnected, r.SessionState())
	require.True(t, peers.last(t).remoteSet)
}

func TestInboundOfferWithoutOriginRejected(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, _ := newTestRelay(t, bus)

	raw, err := models.OfferSignal("v=0 remote-offer").Encode()
	require.NoError(t, err)
	bus.Push(t, hub.EventReceiveSignal, raw)

	require.Equal(t, StateIdle, r.SessionState())
	require.Empty(t, bus.Invocations())
}

func TestInboundOfferWhileBusyIgnored(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, _ := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	before := len(bus.InvocationsFor(hub.TargetSendSignal))

	pushSignal(t, bus, models.OfferSignal("v=0 intruding-offer"), "carol")

	require.Len(t, bus.InvocationsFor(hub.TargetSendSignal), before, "no answer may be sent while busy")
	require.Equal(t, StateOffering, r.SessionState())
}

func TestInboundCallEndedTearsDown(t *testing.T) {
	bus := hubtest.NewBus()
	r, media, peers := newTestRelay(t, bus)

	var endedWith string
	r.OnEnded(func(peerID string) { endedWith = peerID })

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	before := len(bus.InvocationsFor(hub.TargetSendSignal))

	pushSignal(t, bus, models.CallEndedSignal(), "bob")

	require.True(t, media.isClosed())
	require.True(t, peers.last(t).isClosed())
	require.Equal(t, StateIdle, r.SessionState())
	require.Equal(t, "bob", endedWith)
	require.Len(t, bus.InvocationsFor(hub.TargetSendSignal), before, "remote hangup must not echo callEnded back")
}

func TestStartCallAfterHangup(t *testing.T) {
	bus := hubtest.NewBus()
	r, _, _ := newTestRelay(t, bus)

	require.NoError(t, r.StartCall(context.Background(), "bob"))
	r.EndCall(context.Background())
	require.NoError(t, r.StartCall(context.Background(), "carol"))

	receiver, sig := lastSignal(t, bus)
	require.Equal(t, "carol", receiver)
	require.Equal(t, models.SignalOffer, sig.Kind())
}
