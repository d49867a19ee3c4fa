package peer

import (
	"github.com/pion/webrtc/v4"
)

// CaptureSource is a borrowed handle on the local audio capture
// device. The session requests its release on teardown; it never owns
// the underlying OS resource.
type CaptureSource interface {
	Track() webrtc.TrackLocal
	Close() error
}

// ConnectFunc builds a peer connection together with the local audio
// capture feeding it. Capture and connection are coupled because the
// codec selector has to populate the media engine the connection is
// built from. The default is the platform implementation; tests swap
// in a fake.
type ConnectFunc func(stunServers []string) (*webrtc.PeerConnection, CaptureSource, error)

func rtcConfig(stunServers []string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}
