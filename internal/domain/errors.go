package domain

import "errors"

var (
	// ErrNotInitialized is returned when a call is started before the
	// peer session requested its capture device.
	ErrNotInitialized = errors.New("peer session not initialized")

	// ErrRoomNotFound means the signaling server never acknowledged a
	// room join within the configured window.
	ErrRoomNotFound = errors.New("room not found")

	// ErrJoinTimeout wraps the bounded wait on a room join.
	ErrJoinTimeout = errors.New("room join timed out")

	// ErrNegotiationTimeout means offer/answer/ICE did not complete in
	// the configured window.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrDeviceAccess means the audio capture device was denied or
	// unavailable. Fatal for the call attempt, never retried.
	ErrDeviceAccess = errors.New("capture device unavailable")

	// ErrNotConnected is returned when sending on a channel whose
	// handle is not currently open.
	ErrNotConnected = errors.New("connection not open")
)
