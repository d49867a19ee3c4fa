// Package call holds the call-level state machine: it wraps one peer
// session, applies the duration policy and terminates the session
// deterministically when the budget runs out.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/signaling"
)

// PeerSession is what the manager needs from the peer layer.
// *peer.Session satisfies it; tests use a fake.
type PeerSession interface {
	Initialized() bool
	JoinRoom(ctx context.Context, roomID domain.RoomID) error
	OnEvent(fn func(signaling.Event)) func()
	SetAudioEnabled(enabled bool) bool
	Cleanup()
}

// StateChange is delivered to observers on every phase transition.
type StateChange struct {
	Phase   domain.CallPhase
	Reason  domain.EndReason
	Session domain.CallSession
}

type observer struct {
	id int
	fn func(StateChange)
}

// Manager owns one call session at a time. Ended is terminal for a
// session; a fresh StartCall or AnswerCall spawns a new one.
type Manager struct {
	peer     PeerSession
	schedule Schedule
	tick     time.Duration

	mu        sync.Mutex
	sess      domain.CallSession
	isCaller  bool
	iceUp     bool
	remoteUp  bool
	gen       uint64
	tickStop  chan struct{}
	unsubPeer func()
	observers []observer
	nextObs   int
}

// NewManager builds a manager around an initialized peer session and
// a validated schedule. The countdown ticks once per second.
func NewManager(peer PeerSession, schedule Schedule) *Manager {
	return &Manager{
		peer:     peer,
		schedule: schedule,
		tick:     time.Second,
		sess:     domain.CallSession{Phase: domain.CallIdle},
	}
}

// StartCall begins an outgoing call. The caller rings until the
// counterpart's media flows.
func (m *Manager) StartCall(ctx context.Context, matchID domain.MatchID, otherUserID domain.UserID, callDay domain.CallDay) error {
	return m.begin(ctx, matchID, otherUserID, callDay, true)
}

// AnswerCall accepts an incoming call. The callee side skips Ringing
// and goes straight to Connected once media flows both ways.
func (m *Manager) AnswerCall(ctx context.Context, matchID domain.MatchID, otherUserID domain.UserID, callDay domain.CallDay) error {
	return m.begin(ctx, matchID, otherUserID, callDay, false)
}

func (m *Manager) begin(ctx context.Context, matchID domain.MatchID, otherUserID domain.UserID, callDay domain.CallDay, isCaller bool) error {
	if !m.peer.Initialized() {
		return fmt.Errorf("start call: %w", domain.ErrNotInitialized)
	}

	m.mu.Lock()
	if m.sess.Phase != domain.CallIdle && m.sess.Phase != domain.CallEnded {
		phase := m.sess.Phase
		m.mu.Unlock()
		return fmt.Errorf("call already in progress (phase %s)", phase)
	}
	allowed := m.schedule.AllowedDuration(callDay)
	m.sess = domain.CallSession{
		MatchID:                matchID,
		OtherUserID:            otherUserID,
		CallDay:                callDay,
		Phase:                  domain.CallIdle,
		AllowedDurationSeconds: allowed,
		RemainingSeconds:       allowed,
	}
	m.isCaller = isCaller
	m.iceUp = false
	m.remoteUp = false
	m.unsubPeer = m.peer.OnEvent(m.onPeerEvent)
	m.mu.Unlock()

	m.transition(domain.CallConnecting, "")

	if err := m.peer.JoinRoom(ctx, domain.RoomForMatch(matchID)); err != nil {
		m.end(domain.ReasonNegotiationTimeout)
		return fmt.Errorf("join call room: %w", err)
	}

	if isCaller {
		// Joined but the callee has not picked up yet.
		m.transitionIf(domain.CallConnecting, domain.CallRinging, "")
	}
	return nil
}

// RejectCall declines a call before it connects.
func (m *Manager) RejectCall() {
	m.mu.Lock()
	phase := m.sess.Phase
	m.mu.Unlock()
	if phase != domain.CallConnecting && phase != domain.CallRinging {
		return
	}
	m.end(domain.ReasonRejected)
}

// EndCall hangs up explicitly.
func (m *Manager) EndCall() {
	m.end(domain.ReasonUserEnded)
}

// Mute disables the local capture track. A no-op when no local stream
// exists; the UI may call it defensively.
func (m *Manager) Mute() { m.peer.SetAudioEnabled(false) }

// Unmute re-enables the local capture track.
func (m *Manager) Unmute() { m.peer.SetAudioEnabled(true) }

// SetCallDay recomputes the duration budget when the call day rolls
// over while the session is not connected. Connected sessions keep
// their running countdown.
func (m *Manager) SetCallDay(day domain.CallDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Phase == domain.CallConnected || day == m.sess.CallDay {
		return
	}
	m.sess.CallDay = day
	allowed := m.schedule.AllowedDuration(day)
	m.sess.AllowedDurationSeconds = allowed
	m.sess.RemainingSeconds = allowed
}

// TimeRemaining reports the countdown in seconds for UI consumption.
func (m *Manager) TimeRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.RemainingSeconds
}

// Session returns a copy of the current call session state.
func (m *Manager) Session() domain.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// OnCallStateChange registers an observer invoked on every phase
// transition, in registration order.
func (m *Manager) OnCallStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) onPeerEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.KindICEStateChange:
		if ev.State == "connected" || ev.State == "completed" {
			m.mu.Lock()
			m.iceUp = true
			ready := m.remoteUp
			m.mu.Unlock()
			if ready {
				m.onMediaUp()
			}
		}
	case signaling.KindRemoteTrack:
		m.mu.Lock()
		m.remoteUp = true
		ready := m.iceUp
		m.mu.Unlock()
		if ready {
			m.onMediaUp()
		}
	case signaling.KindParticipantLeft:
		m.mu.Lock()
		phase := m.sess.Phase
		m.mu.Unlock()
		if phase == domain.CallConnecting || phase == domain.CallRinging || phase == domain.CallConnected {
			m.end(domain.ReasonRemoteLeft)
		}
	case signaling.KindError:
		m.mu.Lock()
		phase := m.sess.Phase
		m.mu.Unlock()
		switch {
		case phase == domain.CallConnecting || phase == domain.CallRinging:
			m.end(domain.ReasonNegotiationTimeout)
		case phase == domain.CallConnected:
			if errors.Is(ev.Err, domain.ErrNegotiationTimeout) {
				m.end(domain.ReasonNegotiationTimeout)
			} else {
				m.end(domain.ReasonConnectionLost)
			}
		}
	}
}

// onMediaUp fires once the transport is up and the remote track has
// arrived. The duration countdown starts here.
func (m *Manager) onMediaUp() {
	m.mu.Lock()
	if m.sess.Phase != domain.CallConnecting && m.sess.Phase != domain.CallRinging {
		m.mu.Unlock()
		return
	}
	m.sess.Phase = domain.CallConnected
	m.sess.StartedAt = time.Now()
	m.gen++
	stop := make(chan struct{})
	m.tickStop = stop
	gen := m.gen
	obs := m.snapshotObserversLocked()
	change := StateChange{Phase: domain.CallConnected, Session: m.sess}
	m.mu.Unlock()

	log.Info().Str("module", "call").Int64("match", int64(change.Session.MatchID)).
		Int("allowed", change.Session.AllowedDurationSeconds).Msg("call connected")
	go m.countdown(gen, stop)
	for _, o := range obs {
		o.fn(change)
	}
}

// countdown decrements once per tick while the session stays
// connected. The generation check makes a stale ticker a no-op after
// teardown.
func (m *Manager) countdown(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if gen != m.gen || m.sess.Phase != domain.CallConnected {
				m.mu.Unlock()
				return
			}
			m.sess.RemainingSeconds--
			expired := m.sess.RemainingSeconds <= 0
			if expired {
				m.sess.RemainingSeconds = 0
			}
			m.mu.Unlock()
			if expired {
				m.end(domain.ReasonTimeExpired)
				return
			}
		}
	}
}

// end drives any live phase to Ended exactly once and tears the peer
// session down. Errors never leave the session in an undefined phase.
func (m *Manager) end(reason domain.EndReason) {
	m.mu.Lock()
	if m.sess.Phase == domain.CallEnded || m.sess.Phase == domain.CallIdle {
		m.mu.Unlock()
		return
	}
	m.sess.Phase = domain.CallEnded
	m.gen++
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
	unsub := m.unsubPeer
	m.unsubPeer = nil
	obs := m.snapshotObserversLocked()
	change := StateChange{Phase: domain.CallEnded, Reason: reason, Session: m.sess}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.peer.Cleanup()
	log.Info().Str("module", "call").Str("reason", string(reason)).Msg("call ended")
	for _, o := range obs {
		o.fn(change)
	}
}

// transition moves to phase unconditionally from a live state.
func (m *Manager) transition(phase domain.CallPhase, reason domain.EndReason) {
	m.mu.Lock()
	m.sess.Phase = phase
	obs := m.snapshotObserversLocked()
	change := StateChange{Phase: phase, Reason: reason, Session: m.sess}
	m.mu.Unlock()
	for _, o := range obs {
		o.fn(change)
	}
}

// transitionIf moves from one specific phase to another, a no-op if
// the machine moved on meanwhile.
func (m *Manager) transitionIf(from, to domain.CallPhase, reason domain.EndReason) {
	m.mu.Lock()
	if m.sess.Phase != from {
		m.mu.Unlock()
		return
	}
	m.sess.Phase = to
	obs := m.snapshotObserversLocked()
	change := StateChange{Phase: to, Reason: reason, Session: m.sess}
	m.mu.Unlock()
	for _, o := range obs {
		o.fn(change)
	}
}

func (m *Manager) snapshotObserversLocked() []observer {
	out := make([]observer, len(m.observers))
	copy(out, m.observers)
	return out
}
