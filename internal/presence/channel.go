// Package presence maintains the persistent presence connection: it
// registers the local user, heartbeats to keep intermediaries from
// closing the socket, tracks which users are reachable and reconnects
// with exponential backoff after abnormal closes.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/backoff"
	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

const writeWait = 5 * time.Second

// StatusChange is delivered to subscribers on every presence update.
type StatusChange struct {
	UserID domain.UserID
	Online bool
}

// handle wraps one physical connection. A reconnect installs a fresh
// handle; goroutines holding an old one must check identity before
// touching channel state.
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

type subscriber struct {
	id int
	fn func(StatusChange)
}

// Channel is the presence client. All exported methods are safe for
// concurrent use.
type Channel struct {
	url            string
	heartbeatEvery time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
	dialer         *websocket.Dialer

	mu          sync.Mutex
	userID      domain.UserID
	h           *handle
	state       domain.ConnState
	gen         uint64
	attempt     int
	retryTimer  *time.Timer
	retrying    bool
	closed      bool
	online      map[domain.UserID]bool
	subs        []subscriber
	nextSub     int
}

func New(cfg *config.Config) *Channel {
	return &Channel{
		url:            cfg.ServerURL + "/ws/presence",
		heartbeatEvery: cfg.HeartbeatInterval,
		backoffBase:    cfg.BackoffBase,
		backoffCap:     cfg.BackoffCap,
		dialer:         websocket.DefaultDialer,
		online:         make(map[domain.UserID]bool),
	}
}

// Connect opens the presence connection and registers userID. A dial
// failure is returned to the caller and a backoff retry is scheduled.
func (c *Channel) Connect(ctx context.Context, userID domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnOpen {
		return nil
	}
	c.userID = userID
	c.closed = false
	if err := c.dialLocked(ctx); err != nil {
		c.scheduleRetryLocked()
		return fmt.Errorf("presence connect: %w", err)
	}
	return nil
}

// dialLocked opens a new handle and starts its pumps. Caller holds mu.
func (c *Channel) dialLocked(ctx context.Context) error {
	c.state = domain.ConnConnecting
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.state = domain.ConnClosed
		return err
	}

	h := &handle{
		conn:     conn,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
	if err := h.writeJSON(wire.Message{Type: wire.TypeRegister, UserID: c.userID}); err != nil {
		_ = conn.Close()
		c.state = domain.ConnClosed
		return err
	}

	c.h = h
	c.state = domain.ConnOpen
	c.attempt = 0
	c.gen++
	log.Info().Str("module", "presence").Int64("user", int64(c.userID)).Msg("channel open")

	go c.readPump(h)
	go c.heartbeatLoop(h)
	return nil
}

func (c *Channel) readPump(h *handle) {
	for {
		var msg wire.Message
		if err := h.conn.ReadJSON(&msg); err != nil {
			c.onClosed(h, err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Channel) heartbeatLoop(h *handle) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.writeJSON(wire.Message{Type: wire.TypeHeartbeat}); err != nil {
				log.Debug().Str("module", "presence").Err(err).Msg("heartbeat write failed")
				_ = h.conn.Close()
				return
			}
		}
	}
}

func (c *Channel) handleMessage(msg wire.Message) {
	var changes []StatusChange

	c.mu.Lock()
	switch msg.Type {
	case wire.TypeStatus:
		if c.online[msg.UserID] != msg.Online {
			changes = append(changes, StatusChange{UserID: msg.UserID, Online: msg.Online})
		}
		c.online[msg.UserID] = msg.Online
	case wire.TypeInitialStatus:
		// Bulk snapshot at connect time: every listed user is online,
		// ids we knew about before keep their previous state.
		for _, id := range msg.Users {
			if !c.online[id] {
				changes = append(changes, StatusChange{UserID: id, Online: true})
			}
			c.online[id] = true
		}
	}
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range changes {
		for _, s := range subs {
			s.fn(ch)
		}
	}
}

// onClosed runs when a handle's read pump dies. Stale handles are
// ignored so a late close from a superseded connection cannot corrupt
// current state.
func (c *Channel) onClosed(h *handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h != h {
		return
	}
	close(h.done)
	c.h = nil
	c.state = domain.ConnClosed

	if c.closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		log.Info().Str("module", "presence").Msg("channel closed cleanly")
		return
	}
	log.Warn().Str("module", "presence").Err(err).Msg("channel closed abnormally")
	c.scheduleRetryLocked()
}

func (c *Channel) scheduleRetryLocked() {
	if c.retrying || c.closed {
		return
	}
	delay := backoff.Delay(c.backoffBase, c.backoffCap, c.attempt)
	attempt := c.attempt
	c.attempt++
	c.retrying = true
	gen := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
	log.Info().Str("module", "presence").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrying = false
	if c.closed || gen != c.gen || c.state == domain.ConnOpen {
		return
	}
	if err := c.dialLocked(context.Background()); err != nil {
		c.scheduleRetryLocked()
	}
}

// Wake reconnects opportunistically, e.g. when the host application
// regains focus. A no-op while open, torn down or already retrying.
func (c *Channel) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnOpen || c.retrying || c.closed {
		return
	}
	if err := c.dialLocked(context.Background()); err != nil {
		c.scheduleRetryLocked()
	}
}

// Disconnect tears the channel down for good: it announces offline so
// the counterpart updates promptly, closes the socket cleanly and
// cancels any pending reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retrying = false
	}
	if c.h == nil {
		return
	}
	c.state = domain.ConnClosing
	_ = c.h.writeJSON(wire.Message{Type: wire.TypeOffline, UserID: c.userID})
	_ = c.h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.h.conn.Close()
	close(c.h.done)
	c.h = nil
	c.state = domain.ConnClosed
	log.Info().Str("module", "presence").Int64("user", int64(c.userID)).Msg("disconnected")
}

// IsOnline reports the last known reachability of a user.
func (c *Channel) IsOnline(id domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[id]
}

// OnlineUsers returns a snapshot of every user currently known online.
func (c *Channel) OnlineUsers() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UserID, 0, len(c.online))
	for id, on := range c.online {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// OnStatusChange subscribes to presence updates. The returned func
// removes the subscription.
func (c *Channel) OnStatusChange(fn func(StatusChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}
