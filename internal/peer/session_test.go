package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/signaling"
)

// fakeSource feeds a static sample track instead of a microphone.
type fakeSource struct {
	track  *webrtc.TrackLocalStaticSample
	closed int
	mu     sync.Mutex
}

func (f *fakeSource) Track() webrtc.TrackLocal { return f.track }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func testConnect(_ []string) (*webrtc.PeerConnection, CaptureSource, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "mic",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, &fakeSource{track: track}, nil
}

// fakeSignaler routes frames to a linked counterpart, or records them.
type fakeSignaler struct {
	mu           sync.Mutex
	participants []domain.UserID
	joinErr      error
	joined       []domain.RoomID
	left         int
	sent         []sentSignal
	subs         []func(signaling.Event)
	peer         *fakeSignaler
}

type sentSignal struct {
	kind    string
	payload any
}

func (f *fakeSignaler) JoinRoom(_ context.Context, roomID domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeSignaler) LeaveRoom() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left++
	return nil
}

func (f *fakeSignaler) Participants() []domain.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants
}

func (f *fakeSignaler) OnEvent(fn func(signaling.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeSignaler) emit(ev signaling.Event) {
	f.mu.Lock()
	subs := make([]func(signaling.Event), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// SendSignal records the frame and, when linked, forwards it to the
// counterpart as the matching event.
func (f *fakeSignaler) SendSignal(kind string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentSignal{kind: kind, payload: payload})
	peer := f.peer
	f.mu.Unlock()
	if peer == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	switch kind {
	case "offer", "answer":
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(raw, &sdp); err != nil {
			return err
		}
		k := signaling.KindOffer
		if kind == "answer" {
			k = signaling.KindAnswer
		}
		go peer.emit(signaling.Event{Kind: k, SDP: &sdp})
	case "candidate":
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &cand); err != nil {
			return err
		}
		go peer.emit(signaling.Event{Kind: signaling.KindCandidate, Candidate: &cand})
	}
	return nil
}

func (f *fakeSignaler) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.kind
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		NegotiationTimeout: 30 * time.Second,
		DisconnectGrace:    time.Second,
	}
}

func newTestSession(sig Signaler) *Session {
	s := New(sig, testConfig())
	s.connect = testConnect
	return s
}

func TestInitializeAndLocalStream(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)
	defer s.Cleanup()

	require.NoError(t, s.Initialize(context.Background(), 1, true))
	assert.True(t, s.Initialized())
	assert.Equal(t, domain.PeerNew, s.Phase())

	src, err := s.LocalStream()
	require.NoError(t, err)
	assert.NotNil(t, src.Track())

	// Initialize twice is a no-op.
	require.NoError(t, s.Initialize(context.Background(), 1, true))
}

func TestLocalStreamBeforeInitialize(t *testing.T) {
	s := newTestSession(&fakeSignaler{})
	_, err := s.LocalStream()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestJoinRequiresInitialize(t *testing.T) {
	s := newTestSession(&fakeSignaler{})
	err := s.JoinRoom(context.Background(), "match-1")
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestCallerOffersWhenCalleePresent(t *testing.T) {
	sig := &fakeSignaler{participants: []domain.UserID{2}}
	s := newTestSession(sig)
	defer s.Cleanup()

	require.NoError(t, s.Initialize(context.Background(), 1, true))
	require.NoError(t, s.JoinRoom(context.Background(), "match-1"))

	require.Eventually(t, func() bool {
		for _, k := range sig.sentKinds() {
			if k == "offer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.PeerNegotiating, s.Phase())
}

func TestCallerWaitsForParticipant(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)
	defer s.Cleanup()

	require.NoError(t, s.Initialize(context.Background(), 1, true))
	require.NoError(t, s.JoinRoom(context.Background(), "match-1"))
	assert.NotContains(t, sig.sentKinds(), "offer")
	assert.Equal(t, domain.PeerNew, s.Phase())

	// Callee arrives, the offer goes out.
	sig.emit(signaling.Event{Kind: signaling.KindParticipantJoined, UserID: 2})
	require.Eventually(t, func() bool {
		for _, k := range sig.sentKinds() {
			if k == "offer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCalleeNeverOffers(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)
	defer s.Cleanup()

	require.NoError(t, s.Initialize(context.Background(), 2, false))
	require.NoError(t, s.JoinRoom(context.Background(), "match-1"))
	sig.emit(signaling.Event{Kind: signaling.KindParticipantJoined, UserID: 1})
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, sig.sentKinds(), "offer")
}

func TestOfferAnswerExchange(t *testing.T) {
	callerSig := &fakeSignaler{participants: []domain.UserID{2}}
	calleeSig := &fakeSignaler{}
	callerSig.peer = calleeSig
	calleeSig.peer = callerSig

	caller := newTestSession(callerSig)
	callee := newTestSession(calleeSig)
	defer caller.Cleanup()
	defer callee.Cleanup()

	require.NoError(t, caller.Initialize(context.Background(), 1, true))
	require.NoError(t, callee.Initialize(context.Background(), 2, false))
	require.NoError(t, callee.JoinRoom(context.Background(), "match-1"))
	require.NoError(t, caller.JoinRoom(context.Background(), "match-1"))

	// Callee answers the routed offer; caller applies it.
	require.Eventually(t, func() bool {
		for _, k := range calleeSig.sentKinds() {
			if k == "answer" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return callee.Phase() == domain.PeerNegotiating || callee.Phase() == domain.PeerConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return caller.Phase() == domain.PeerNegotiating || caller.Phase() == domain.PeerConnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNegotiationTimeoutFails(t *testing.T) {
	sig := &fakeSignaler{}
	cfg := testConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	s := New(sig, cfg)
	s.connect = testConnect
	defer s.Cleanup()

	var mu sync.Mutex
	var errs []error
	s.OnEvent(func(ev signaling.Event) {
		if ev.Kind == signaling.KindError {
			mu.Lock()
			errs = append(errs, ev.Err)
			mu.Unlock()
		}
	})

	require.NoError(t, s.Initialize(context.Background(), 1, true))
	require.NoError(t, s.JoinRoom(context.Background(), "match-1"))

	require.Eventually(t, func() bool {
		return s.Phase() == domain.PeerFailed
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], domain.ErrNegotiationTimeout)
	mu.Unlock()
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)
	defer s.Cleanup()

	require.NoError(t, s.Initialize(context.Background(), 2, false))

	// Candidate before any offer: must be queued, not applied.
	sig.emit(signaling.Event{Kind: signaling.KindCandidate, Candidate: &webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	}})
	s.mu.Lock()
	queued := len(s.pendingCand)
	s.mu.Unlock()
	assert.Equal(t, 1, queued)
}

func TestSetAudioEnabled(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)
	defer s.Cleanup()

	// Before initialize there is no stream to toggle.
	assert.False(t, s.SetAudioEnabled(false))

	require.NoError(t, s.Initialize(context.Background(), 1, true))
	assert.True(t, s.AudioEnabled())
	assert.True(t, s.SetAudioEnabled(false))
	assert.False(t, s.AudioEnabled())
	assert.True(t, s.SetAudioEnabled(true))
	assert.True(t, s.AudioEnabled())
}

func TestCleanupIdempotentFromAnyPhase(t *testing.T) {
	sig := &fakeSignaler{}
	s := newTestSession(sig)

	// Never initialized: still safe.
	s.Cleanup()
	assert.Equal(t, domain.PeerClosed, s.Phase())
	s.Cleanup()

	s2 := newTestSession(sig)
	require.NoError(t, s2.Initialize(context.Background(), 1, true))
	src, err := s2.LocalStream()
	require.NoError(t, err)
	fake := src.(*fakeSource)

	s2.Cleanup()
	s2.Cleanup()
	assert.Equal(t, domain.PeerClosed, s2.Phase())
	fake.mu.Lock()
	assert.Equal(t, 1, fake.closed)
	fake.mu.Unlock()
	assert.False(t, s2.Initialized())

	// The room is left on teardown.
	sig.mu.Lock()
	assert.GreaterOrEqual(t, sig.left, 1)
	sig.mu.Unlock()
}

func TestDeviceFailureSurfacesImmediately(t *testing.T) {
	sig := &fakeSignaler{}
	s := New(sig, testConfig())
	s.connect = func([]string) (*webrtc.PeerConnection, CaptureSource, error) {
		return nil, nil, domain.ErrDeviceAccess
	}

	err := s.Initialize(context.Background(), 1, true)
	assert.ErrorIs(t, err, domain.ErrDeviceAccess)
	assert.False(t, s.Initialized())
}
