package server

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

// maxRoomMembers caps a signaling room at the two matched users.
const maxRoomMembers = 2

// RoomHub owns the signaling rooms and relays negotiation frames
// between a room's participants.
type RoomHub struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.UserID]*client
}

func NewRoomHub() *RoomHub {
	return &RoomHub{rooms: make(map[domain.RoomID]map[domain.UserID]*client)}
}

// join adds the client to a room, acks with the current participant
// list and announces the newcomer to the other member.
func (h *RoomHub) join(roomID domain.RoomID, c *client) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[domain.UserID]*client)
		h.rooms[roomID] = room
	}
	if _, member := room[c.userID]; !member && len(room) >= maxRoomMembers {
		h.mu.Unlock()
		_ = c.trySend(wire.Message{Type: wire.TypeError, RoomID: roomID, Error: "room full"})
		return
	}
	room[c.userID] = c
	others := make([]domain.UserID, 0, len(room)-1)
	var peers []*client
	for id, member := range room {
		if id != c.userID {
			others = append(others, id)
			peers = append(peers, member)
		}
	}
	h.mu.Unlock()

	_ = c.trySend(wire.Message{Type: wire.TypeRoomJoined, RoomID: roomID, Users: others})
	for _, p := range peers {
		_ = p.trySend(wire.Message{Type: wire.TypeParticipantJoined, RoomID: roomID, UserID: c.userID})
	}
	log.Info().Str("module", "server.rooms").Str("room", string(roomID)).Int64("user", int64(c.userID)).Msg("joined")
}

// leave removes the client from a room and tells the remaining member.
// Leaving a room never joined is a no-op.
func (h *RoomHub) leave(roomID domain.RoomID, c *client) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if cur, member := room[c.userID]; !member || cur != c {
		h.mu.Unlock()
		return
	}
	delete(room, c.userID)
	var peers []*client
	for _, member := range room {
		peers = append(peers, member)
	}
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.trySend(wire.Message{Type: wire.TypeParticipantLeft, RoomID: roomID, UserID: c.userID})
	}
	log.Info().Str("module", "server.rooms").Str("room", string(roomID)).Int64("user", int64(c.userID)).Msg("left")
}

// leaveAll drops the client from every room it is in, used on
// transport-level disconnect.
func (h *RoomHub) leaveAll(c *client) {
	h.mu.Lock()
	var joined []domain.RoomID
	for id, room := range h.rooms {
		if cur, ok := room[c.userID]; ok && cur == c {
			joined = append(joined, id)
		}
	}
	h.mu.Unlock()
	for _, id := range joined {
		h.leave(id, c)
	}
}

// relay forwards a negotiation frame to the other room participant.
func (h *RoomHub) relay(from *client, msg wire.Message) {
	h.mu.Lock()
	room, ok := h.rooms[msg.RoomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var peers []*client
	for id, member := range room {
		if id != from.userID {
			peers = append(peers, member)
		}
	}
	h.mu.Unlock()

	msg.UserID = from.userID
	for _, p := range peers {
		if err := p.trySend(msg); err != nil {
			log.Warn().Str("module", "server.rooms").Str("type", msg.Type).Err(err).Msg("relay dropped")
		}
	}
}
