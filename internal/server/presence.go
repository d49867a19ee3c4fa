package server

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

// PresenceHub tracks which users hold an open presence connection and
// fans status changes out to every other presence client.
type PresenceHub struct {
	mu      sync.RWMutex
	clients map[domain.UserID]*client
}

func NewPresenceHub() *PresenceHub {
	return &PresenceHub{clients: make(map[domain.UserID]*client)}
}

// register installs the client, replies with the bulk online snapshot
// and announces the user to everyone else.
func (h *PresenceHub) register(c *client) {
	h.mu.Lock()
	if old, ok := h.clients[c.userID]; ok {
		old.close()
	}
	h.clients[c.userID] = c
	snapshot := make([]domain.UserID, 0, len(h.clients))
	for id := range h.clients {
		if id != c.userID {
			snapshot = append(snapshot, id)
		}
	}
	h.mu.Unlock()

	_ = c.trySend(wire.Message{Type: wire.TypeInitialStatus, Users: snapshot})
	h.broadcast(c.userID, wire.Message{Type: wire.TypeStatus, UserID: c.userID, Online: true})
	log.Info().Str("module", "server.presence").Int64("user", int64(c.userID)).Msg("registered")
}

// drop removes the client and announces the user offline. Safe to call
// for both graceful offline frames and transport-level disconnects.
func (h *PresenceHub) drop(c *client) {
	h.mu.Lock()
	cur, ok := h.clients[c.userID]
	if !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.userID)
	h.mu.Unlock()

	h.broadcast(c.userID, wire.Message{Type: wire.TypeStatus, UserID: c.userID, Online: false})
	log.Info().Str("module", "server.presence").Int64("user", int64(c.userID)).Msg("dropped")
}

func (h *PresenceHub) broadcast(from domain.UserID, msg wire.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == from {
			continue
		}
		if err := c.trySend(msg); err != nil {
			log.Debug().Str("module", "server.presence").Int64("user", int64(id)).Err(err).Msg("status dropped")
		}
	}
}

// Online reports whether a user currently holds a presence connection.
func (h *PresenceHub) Online(id domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}
