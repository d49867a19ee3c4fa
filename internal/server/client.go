// Package server implements the counterpart side of the presence and
// signaling wire contract: register/heartbeat/offline handling with
// status fan-out, and two-party signaling rooms that relay
// offer/answer/candidate frames between participants.
package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

var (
	ErrBackpressure = errors.New("client send queue full")
	ErrClientClosed = errors.New("client closed")
)

const clientWriteWait = 5 * time.Second

// client binds one websocket to one user on one channel.
type client struct {
	userID domain.UserID
	conn   *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan wire.Message
}

func newClient(userID domain.UserID, conn *websocket.Conn) *client {
	return &client{
		userID: userID,
		conn:   conn,
		send:   make(chan wire.Message, 32),
	}
}

// trySend queues a frame without blocking. Hub fan-out snapshots
// clients outside the hub lock, so a peer may already be torn down by
// the time the send happens; the closed check keeps that from
// panicking on the closed queue.
func (c *client) trySend(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// close is idempotent.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// writePump drains the send queue onto the socket.
func (c *client) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
