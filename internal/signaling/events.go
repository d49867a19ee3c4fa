package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/parleyapp/parley/internal/domain"
)

// Kind discriminates the tagged-union Event.
type Kind string

const (
	KindConnecting        Kind = "connecting"
	KindConnected         Kind = "connected"
	KindDisconnected      Kind = "disconnected"
	KindError             Kind = "error"
	KindReconnecting      Kind = "reconnecting"
	KindRoomJoined        Kind = "roomJoined"
	KindParticipantJoined Kind = "participantJoined"
	KindParticipantLeft   Kind = "participantLeft"
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindCandidate         Kind = "candidate"

	// Emitted by the peer session on top of the transport stream.
	KindICEStateChange        Kind = "iceStateChange"
	KindConnectionStateChange Kind = "connectionStateChange"
	KindRemoteTrack           Kind = "remoteTrack"
)

// Event is delivered to OnEvent subscribers. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind         Kind
	RoomID       domain.RoomID
	UserID       domain.UserID
	Participants []domain.UserID
	Attempt      int
	State        string
	Reason       string
	Err          error
	SDP          *webrtc.SessionDescription
	Candidate    *webrtc.ICECandidateInit
}
