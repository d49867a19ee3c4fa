// Package peer owns one peer-to-peer audio connection: it requests the
// local capture device, drives SDP/ICE negotiation through the
// signaling transport with trickle-ICE semantics, and surfaces typed
// lifecycle events to the call layer.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/signaling"
	"github.com/parleyapp/parley/internal/wire"
)

// Signaler is what the session needs from the signaling layer.
// *signaling.Transport satisfies it; tests use a fake.
type Signaler interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID) error
	LeaveRoom() error
	SendSignal(kind string, payload any) error
	Participants() []domain.UserID
	OnEvent(fn func(signaling.Event)) func()
}

type subscriber struct {
	id int
	fn func(signaling.Event)
}

// Session drives one peer connection through its lifecycle. A session
// is single-use: after Cleanup a new one is created for the next call.
type Session struct {
	sig                Signaler
	connect            ConnectFunc
	stunServers        []string
	negotiationTimeout time.Duration
	disconnectGrace    time.Duration

	mu          sync.Mutex
	phase       domain.PeerPhase
	localUserID domain.UserID
	isCaller    bool
	pc          *webrtc.PeerConnection
	capture     CaptureSource
	sender      *webrtc.RTPSender
	audioOn     bool
	remoteTrack *webrtc.TrackRemote
	pendingCand []webrtc.ICECandidateInit
	haveRemote  bool
	offered     bool
	initialized bool
	cleaned     bool
	negTimer    *time.Timer
	graceTimer  *time.Timer
	unsub       func()
	subs        []subscriber
	nextSub     int
}

func New(sig Signaler, cfg *config.Config) *Session {
	return &Session{
		sig:                sig,
		connect:            platformConnect,
		stunServers:        cfg.STUNServers,
		negotiationTimeout: cfg.NegotiationTimeout,
		disconnectGrace:    cfg.DisconnectGrace,
		phase:              domain.PeerNew,
		audioOn:            true,
	}
}

// Initialize requests the audio capture device and builds the peer
// connection. A device failure is returned immediately and is fatal
// for this call attempt.
func (s *Session) Initialize(ctx context.Context, localUserID domain.UserID, isCaller bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.cleaned {
		return fmt.Errorf("session already cleaned up: %w", domain.ErrNotInitialized)
	}

	pc, capture, err := s.connect(s.stunServers)
	if err != nil {
		return fmt.Errorf("initialize peer: %w", err)
	}
	s.pc = pc
	s.capture = capture
	s.localUserID = localUserID
	s.isCaller = isCaller

	if capture != nil {
		sender, err := pc.AddTrack(capture.Track())
		if err != nil {
			_ = pc.Close()
			_ = capture.Close()
			s.pc, s.capture = nil, nil
			return fmt.Errorf("add local track: %w", err)
		}
		s.sender = sender
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		// Trickle ICE: ship candidates as they are gathered.
		if err := s.sig.SendSignal(wire.TypeCandidate, c.ToJSON()); err != nil {
			log.Debug().Str("module", "peer").Err(err).Msg("candidate send failed")
		}
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.onICEState(st)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.emit(signaling.Event{Kind: signaling.KindConnectionStateChange, State: st.String()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		s.remoteTrack = track
		s.mu.Unlock()
		s.emit(signaling.Event{Kind: signaling.KindRemoteTrack})
	})

	s.unsub = s.sig.OnEvent(s.handleSignal)
	s.initialized = true
	log.Info().Str("module", "peer").Int64("user", int64(localUserID)).Bool("caller", isCaller).Msg("peer session initialized")
	return nil
}

// Initialized reports whether Initialize completed and Cleanup has not
// yet run.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && !s.cleaned
}

func (s *Session) Phase() domain.PeerPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// JoinRoom joins the signaling room and, on the caller side with the
// callee already present, kicks off the offer. The negotiation clock
// starts here: if the link is not up within the bound the session
// fails instead of hanging.
func (s *Session) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	if !s.initialized || s.cleaned {
		s.mu.Unlock()
		return domain.ErrNotInitialized
	}
	s.mu.Unlock()

	if err := s.sig.JoinRoom(ctx, roomID); err != nil {
		return err
	}

	s.mu.Lock()
	s.negTimer = time.AfterFunc(s.negotiationTimeout, s.onNegotiationTimeout)
	shouldOffer := s.isCaller && !s.offered && len(s.sig.Participants()) > 0
	s.mu.Unlock()

	if shouldOffer {
		s.sendOffer()
	}
	return nil
}

// LocalStream returns the capture handle requested at Initialize.
func (s *Session) LocalStream() (CaptureSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, domain.ErrNotInitialized
	}
	if s.capture == nil {
		return nil, domain.ErrDeviceAccess
	}
	return s.capture, nil
}

// RemoteTrack returns the remote audio track once media arrived.
func (s *Session) RemoteTrack() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTrack
}

// SetAudioEnabled toggles whether the local track is sent. Reports
// false when there is no local stream to toggle; that is a no-op for
// the caller, not an error.
func (s *Session) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil || s.capture == nil || s.cleaned {
		return false
	}
	if enabled == s.audioOn {
		return true
	}
	var err error
	if enabled {
		err = s.sender.ReplaceTrack(s.capture.Track())
	} else {
		err = s.sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Warn().Str("module", "peer").Err(err).Bool("enabled", enabled).Msg("audio toggle failed")
		return false
	}
	s.audioOn = enabled
	return true
}

// AudioEnabled reports whether the local track is currently sent.
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn && s.capture != nil
}

// handleSignal consumes the transport event stream, reacts to
// negotiation messages and forwards everything to own subscribers.
func (s *Session) handleSignal(ev signaling.Event) {
	switch ev.Kind {
	case signaling.KindParticipantJoined:
		s.mu.Lock()
		shouldOffer := s.isCaller && s.initialized && !s.cleaned && !s.offered
		s.mu.Unlock()
		if shouldOffer {
			s.sendOffer()
		}
	case signaling.KindOffer:
		if ev.SDP != nil {
			s.onOffer(*ev.SDP)
		}
	case signaling.KindAnswer:
		if ev.SDP != nil {
			s.onAnswer(*ev.SDP)
		}
	case signaling.KindCandidate:
		if ev.Candidate != nil {
			s.onCandidate(*ev.Candidate)
		}
	}
	s.emit(ev)
}

func (s *Session) sendOffer() {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.cleaned || s.offered {
		s.mu.Unlock()
		return
	}
	s.offered = true
	s.setPhaseLocked(domain.PeerNegotiating)
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("set local offer: %w", err))
		return
	}
	if err := s.sig.SendSignal(wire.TypeOffer, offer); err != nil {
		s.fail(fmt.Errorf("send offer: %w", err))
		return
	}
	log.Info().Str("module", "peer").Msg("offer sent")
}

func (s *Session) onOffer(offer webrtc.SessionDescription) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.cleaned {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(domain.PeerNegotiating)
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		s.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	s.drainCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := s.sig.SendSignal(wire.TypeAnswer, answer); err != nil {
		s.fail(fmt.Errorf("send answer: %w", err))
		return
	}
	log.Info().Str("module", "peer").Msg("answer sent")
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.cleaned {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		s.fail(fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.drainCandidates()
}

// onCandidate applies a remote candidate immediately, or queues it
// until the remote description lands.
func (s *Session) onCandidate(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.cleaned {
		s.mu.Unlock()
		return
	}
	if !s.haveRemote {
		s.pendingCand = append(s.pendingCand, cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := pc.AddICECandidate(cand); err != nil {
		log.Debug().Str("module", "peer").Err(err).Msg("add candidate failed")
	}
}

func (s *Session) drainCandidates() {
	s.mu.Lock()
	s.haveRemote = true
	pending := s.pendingCand
	s.pendingCand = nil
	pc := s.pc
	s.mu.Unlock()
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Debug().Str("module", "peer").Err(err).Msg("add queued candidate failed")
		}
	}
}

func (s *Session) onICEState(st webrtc.ICEConnectionState) {
	s.emit(signaling.Event{Kind: signaling.KindICEStateChange, State: st.String()})

	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.stopTimersLocked()
		s.setPhaseLocked(domain.PeerConnected)
	case webrtc.ICEConnectionStateDisconnected:
		// Transient loss: give ICE a grace period to recover before
		// declaring the link dead.
		if s.phase == domain.PeerConnected {
			s.setPhaseLocked(domain.PeerDisconnected)
			s.graceTimer = time.AfterFunc(s.disconnectGrace, s.onGraceExpired)
		}
	case webrtc.ICEConnectionStateFailed:
		s.setPhaseLocked(domain.PeerFailed)
		s.mu.Unlock()
		s.emit(signaling.Event{Kind: signaling.KindError, Err: fmt.Errorf("ice failed: %w", domain.ErrNegotiationTimeout)})
		return
	}
	s.mu.Unlock()
}

func (s *Session) onNegotiationTimeout() {
	s.mu.Lock()
	if s.cleaned || s.phase == domain.PeerConnected {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(domain.PeerFailed)
	s.mu.Unlock()
	s.emit(signaling.Event{Kind: signaling.KindError, Err: domain.ErrNegotiationTimeout})
}

func (s *Session) onGraceExpired() {
	s.mu.Lock()
	if s.cleaned || s.phase != domain.PeerDisconnected {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(domain.PeerFailed)
	s.mu.Unlock()
	s.emit(signaling.Event{Kind: signaling.KindError, Err: fmt.Errorf("connection lost past grace period")})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.cleaned || s.phase == domain.PeerFailed {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(domain.PeerFailed)
	s.mu.Unlock()
	log.Warn().Str("module", "peer").Err(err).Msg("negotiation failed")
	s.emit(signaling.Event{Kind: signaling.KindError, Err: err})
}

func (s *Session) setPhaseLocked(p domain.PeerPhase) {
	if s.phase == p {
		return
	}
	log.Info().Str("module", "peer").Str("from", s.phase.String()).Str("to", p.String()).Msg("phase")
	s.phase = p
}

func (s *Session) stopTimersLocked() {
	if s.negTimer != nil {
		s.negTimer.Stop()
		s.negTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// emit delivers an event to own subscribers, in registration order.
func (s *Session) emit(ev signaling.Event) {
	s.mu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// OnEvent subscribes to the session's event stream (the transport
// stream plus ICE/connection/remote-track events).
func (s *Session) OnEvent(fn func(signaling.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Cleanup releases the capture device, tears down the peer link and
// leaves the joined room. Idempotent and safe from any phase; pending
// timers are cancelled so they cannot fire afterwards.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	s.stopTimersLocked()
	s.setPhaseLocked(domain.PeerClosed)
	pc, capture, unsub := s.pc, s.capture, s.unsub
	s.pc, s.capture, s.sender, s.remoteTrack = nil, nil, nil, nil
	s.pendingCand = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			log.Debug().Str("module", "peer").Err(err).Msg("capture close")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debug().Str("module", "peer").Err(err).Msg("pc close")
		}
	}
	if err := s.sig.LeaveRoom(); err != nil {
		log.Debug().Str("module", "peer").Err(err).Msg("leave room")
	}
	log.Info().Str("module", "peer").Msg("cleaned up")
}
