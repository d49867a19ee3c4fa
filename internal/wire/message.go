// Package wire defines the JSON envelope shared by the presence and
// signaling channels. Both channels use the same framing; they differ
// only in which message types they carry.
package wire

import (
	"encoding/json"

	"github.com/parleyapp/parley/internal/domain"
)

// Message is the single envelope for every frame on either channel.
// Unused fields are omitted on the wire, except online: a status frame
// must carry online:false explicitly, not drop the field.
type Message struct {
	Type    string          `json:"type"`
	UserID  domain.UserID   `json:"userId,omitempty"`
	Online  bool            `json:"online"`
	Users   []domain.UserID `json:"users,omitempty"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Presence channel message types.
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeOffline       = "offline"
	TypeStatus        = "status"
	TypeInitialStatus = "initialStatus"
)

// Signaling channel message types.
const (
	TypeRoomJoin          = "roomJoin"
	TypeRoomLeave         = "roomLeave"
	TypeRoomJoined        = "roomJoined"
	TypeParticipantJoined = "participantJoined"
	TypeParticipantLeft   = "participantLeft"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeCandidate         = "candidate"
	TypeError             = "error"
)

// Encode marshals a payload value into the envelope's Payload slot.
func Encode(msg Message, payload any) (Message, error) {
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = b
	return msg, nil
}
