//go:build !linux

package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// platformConnect builds a receive-only peer connection on platforms
// without a mediadevices microphone driver wired in. The recvonly
// transceiver keeps the SDP m-line valid so negotiation still works;
// LocalStream reports the missing device to the caller.
func platformConnect(stunServers []string) (*webrtc.PeerConnection, CaptureSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	pc, err := api.NewPeerConnection(rtcConfig(stunServers))
	if err != nil {
		return nil, nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Str("module", "peer").Err(err).Msg("add recvonly transceiver")
	}
	log.Info().Str("module", "peer").Msg("no audio capture on this platform, receive-only")
	return pc, nil, nil
}
