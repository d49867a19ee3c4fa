// Package signaling frames room membership and negotiation messages
// over a persistent connection and demultiplexes incoming frames into
// typed events. It is logically independent of the presence channel:
// its handle, state machine and reconnect policy are its own.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/backoff"
	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

const writeWait = 5 * time.Second

type handle struct {
	conn     *websocket.Conn
	openedAt time.Time
	done     chan struct{}
	writeMu  sync.Mutex
}

func (h *handle) writeJSON(v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(v)
}

// membership tracks the joined room for as long as the join lasts.
type membership struct {
	roomID       domain.RoomID
	participants map[domain.UserID]struct{}
}

type subscriber struct {
	id int
	fn func(Event)
}

// Transport is the signaling client.
type Transport struct {
	url         string
	joinTimeout time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	dialer      *websocket.Dialer

	events    chan Event
	stop      chan struct{}
	stopOnce  sync.Once

	mu         sync.Mutex
	userID     domain.UserID
	h          *handle
	state      domain.ConnState
	gen        uint64
	attempt    int
	retryTimer *time.Timer
	retrying   bool
	closed     bool
	room       *membership
	joinAck    chan error
	subs       []subscriber
	nextSub    int
}

func New(cfg *config.Config) *Transport {
	t := &Transport{
		url:         cfg.ServerURL + "/ws/signal",
		joinTimeout: cfg.JoinTimeout,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		dialer:      websocket.DefaultDialer,
		events:      make(chan Event, 64),
		stop:        make(chan struct{}),
	}
	go t.dispatchLoop()
	return t
}

// dispatchLoop delivers events to subscribers one at a time, in emit
// order, off the caller's goroutine.
func (t *Transport) dispatchLoop() {
	for {
		select {
		case <-t.stop:
			return
		case ev := <-t.events:
			t.mu.Lock()
			subs := make([]subscriber, len(t.subs))
			copy(subs, t.subs)
			t.mu.Unlock()
			for _, s := range subs {
				s.fn(ev)
			}
		}
	}
}

// Connect opens the signaling connection for userID.
func (t *Transport) Connect(ctx context.Context, userID domain.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == domain.ConnOpen {
		return nil
	}
	t.userID = userID
	t.closed = false
	t.emitLocked(Event{Kind: KindConnecting})
	if err := t.dialLocked(ctx); err != nil {
		t.scheduleRetryLocked()
		return fmt.Errorf("signaling connect: %w", err)
	}
	return nil
}

func (t *Transport) dialLocked(ctx context.Context) error {
	t.state = domain.ConnConnecting
	url := fmt.Sprintf("%s?userId=%d", t.url, t.userID)
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		t.state = domain.ConnClosed
		return err
	}
	h := &handle{
		conn:     conn,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
	t.h = h
	t.state = domain.ConnOpen
	t.attempt = 0
	t.gen++
	t.emitLocked(Event{Kind: KindConnected})
	log.Info().Str("module", "signaling").Int64("user", int64(t.userID)).Msg("transport open")

	go t.readPump(h)
	return nil
}

func (t *Transport) readPump(h *handle) {
	for {
		var msg wire.Message
		if err := h.conn.ReadJSON(&msg); err != nil {
			t.onClosed(h, err)
			return
		}
		t.handleMessage(msg)
	}
}

func (t *Transport) handleMessage(msg wire.Message) {
	t.mu.Lock()
	var ev *Event
	switch msg.Type {
	case wire.TypeRoomJoined:
		t.room = &membership{
			roomID:       msg.RoomID,
			participants: make(map[domain.UserID]struct{}),
		}
		for _, id := range msg.Users {
			t.room.participants[id] = struct{}{}
		}
		if t.joinAck != nil {
			t.joinAck <- nil
			t.joinAck = nil
		}
		ev = &Event{Kind: KindRoomJoined, RoomID: msg.RoomID, Participants: msg.Users}

	case wire.TypeParticipantJoined:
		if t.room != nil && t.room.roomID == msg.RoomID {
			t.room.participants[msg.UserID] = struct{}{}
		}
		ev = &Event{Kind: KindParticipantJoined, RoomID: msg.RoomID, UserID: msg.UserID}

	case wire.TypeParticipantLeft:
		if t.room != nil && t.room.roomID == msg.RoomID {
			delete(t.room.participants, msg.UserID)
		}
		ev = &Event{Kind: KindParticipantLeft, RoomID: msg.RoomID, UserID: msg.UserID}

	case wire.TypeOffer, wire.TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			ev = &Event{Kind: KindError, Err: fmt.Errorf("bad %s payload: %w", msg.Type, err)}
			break
		}
		kind := KindOffer
		if msg.Type == wire.TypeAnswer {
			kind = KindAnswer
		}
		ev = &Event{Kind: kind, RoomID: msg.RoomID, UserID: msg.UserID, SDP: &sdp}

	case wire.TypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			ev = &Event{Kind: KindError, Err: fmt.Errorf("bad candidate payload: %w", err)}
			break
		}
		ev = &Event{Kind: KindCandidate, RoomID: msg.RoomID, UserID: msg.UserID, Candidate: &cand}

	case wire.TypeError:
		if t.joinAck != nil {
			t.joinAck <- fmt.Errorf("%w: %s", domain.ErrRoomNotFound, msg.Error)
			t.joinAck = nil
			t.mu.Unlock()
			return
		}
		ev = &Event{Kind: KindError, Err: fmt.Errorf("server: %s", msg.Error)}

	default:
		log.Debug().Str("module", "signaling").Str("type", msg.Type).Msg("unknown frame")
	}
	if ev == nil {
		t.mu.Unlock()
		return
	}
	t.emitLocked(*ev)
	t.mu.Unlock()
}

// emitLocked queues an event for the dispatch loop. Never blocks; a
// full queue drops the event rather than stalling the read pump.
func (t *Transport) emitLocked(ev Event) {
	select {
	case t.events <- ev:
	default:
		log.Warn().Str("module", "signaling").Str("kind", string(ev.Kind)).Msg("event queue full, dropped")
	}
}

func (t *Transport) onClosed(h *handle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h != h {
		return
	}
	close(h.done)
	t.h = nil
	t.state = domain.ConnClosed
	t.room = nil
	if t.joinAck != nil {
		t.joinAck <- fmt.Errorf("%w: connection closed", domain.ErrJoinTimeout)
		t.joinAck = nil
	}

	if t.closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.emitLocked(Event{Kind: KindDisconnected, Reason: "closed"})
		return
	}
	log.Warn().Str("module", "signaling").Err(err).Msg("transport closed abnormally")
	t.emitLocked(Event{Kind: KindDisconnected, Reason: "abnormal-close"})
	t.scheduleRetryLocked()
}

func (t *Transport) scheduleRetryLocked() {
	if t.retrying || t.closed {
		return
	}
	delay := backoff.Delay(t.backoffBase, t.backoffCap, t.attempt)
	attempt := t.attempt
	t.attempt++
	t.retrying = true
	gen := t.gen
	t.emitLocked(Event{Kind: KindReconnecting, Attempt: attempt})
	t.retryTimer = time.AfterFunc(delay, func() { t.retry(gen) })
}

func (t *Transport) retry(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retrying = false
	if t.closed || gen != t.gen || t.state == domain.ConnOpen {
		return
	}
	if err := t.dialLocked(context.Background()); err != nil {
		t.scheduleRetryLocked()
	}
}

// JoinRoom asks the server for room membership and waits for the
// acknowledgment. Times out with ErrJoinTimeout; a server rejection
// surfaces as ErrRoomNotFound.
func (t *Transport) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	t.mu.Lock()
	if t.state != domain.ConnOpen || t.h == nil {
		t.mu.Unlock()
		return domain.ErrNotConnected
	}
	if t.room != nil && t.room.roomID == roomID {
		t.mu.Unlock()
		return nil
	}
	ack := make(chan error, 1)
	t.joinAck = ack
	h := t.h
	t.mu.Unlock()

	if err := h.writeJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: roomID, UserID: t.userID}); err != nil {
		t.clearJoinAck(ack)
		return fmt.Errorf("join room: %w", err)
	}

	timer := time.NewTimer(t.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		t.clearJoinAck(ack)
		return fmt.Errorf("%w: no ack for %q", domain.ErrJoinTimeout, roomID)
	case <-ctx.Done():
		t.clearJoinAck(ack)
		return ctx.Err()
	}
}

func (t *Transport) clearJoinAck(ack chan error) {
	t.mu.Lock()
	if t.joinAck == ack {
		t.joinAck = nil
	}
	t.mu.Unlock()
	// Drain in case the ack raced the timeout.
	select {
	case <-ack:
	default:
	}
}

// LeaveRoom is idempotent: leaving a room that was never joined is a
// no-op.
func (t *Transport) LeaveRoom() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.room == nil {
		return nil
	}
	roomID := t.room.roomID
	t.room = nil
	if t.h == nil {
		return nil
	}
	return t.h.writeJSON(wire.Message{Type: wire.TypeRoomLeave, RoomID: roomID, UserID: t.userID})
}

// SendSignal frames a negotiation payload (offer, answer, candidate)
// for the joined room.
func (t *Transport) SendSignal(kind string, payload any) error {
	t.mu.Lock()
	h := t.h
	var roomID domain.RoomID
	if t.room != nil {
		roomID = t.room.roomID
	}
	t.mu.Unlock()
	if h == nil {
		return domain.ErrNotConnected
	}
	msg, err := wire.Encode(wire.Message{Type: kind, RoomID: roomID, UserID: t.userID}, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return h.writeJSON(msg)
}

// Participants returns a snapshot of the joined room's members.
func (t *Transport) Participants() []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.room == nil {
		return nil
	}
	out := make([]domain.UserID, 0, len(t.room.participants))
	for id := range t.room.participants {
		out = append(out, id)
	}
	return out
}

// OnEvent subscribes to the transport's event stream. The returned
// func removes the subscription.
func (t *Transport) OnEvent(fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs = append(t.subs, subscriber{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Close tears the transport down and cancels any pending reconnect.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	t.closed = true
	t.gen++
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retrying = false
	}
	t.room = nil
	if t.h == nil {
		return
	}
	t.state = domain.ConnClosing
	_ = t.h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = t.h.conn.Close()
	close(t.h.done)
	t.h = nil
	t.state = domain.ConnClosed
}
