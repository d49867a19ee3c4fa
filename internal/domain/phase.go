package domain

// CallPhase is the discrete position of a call session's state machine.
type CallPhase int

const (
	CallIdle CallPhase = iota
	CallConnecting
	CallRinging
	CallConnected
	CallEnded
)

func (p CallPhase) String() string {
	switch p {
	case CallIdle:
		return "idle"
	case CallConnecting:
		return "connecting"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// PeerPhase is the lifecycle position of a single peer connection.
type PeerPhase int

const (
	PeerNew PeerPhase = iota
	PeerNegotiating
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (p PeerPhase) String() string {
	switch p {
	case PeerNew:
		return "new"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// ConnState tracks a single physical connection handle.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// EndReason is the machine-readable cause attached to a terminal call
// transition. Keep values stable, the UI layer matches on them.
type EndReason string

const (
	ReasonUserEnded          EndReason = "user-ended"
	ReasonTimeExpired        EndReason = "time-expired"
	ReasonNegotiationTimeout EndReason = "negotiation-timeout"
	ReasonRemoteLeft         EndReason = "remote-left"
	ReasonRejected           EndReason = "rejected"
	ReasonConnectionLost     EndReason = "connection-lost"
	ReasonDeviceError        EndReason = "device-error"
)
