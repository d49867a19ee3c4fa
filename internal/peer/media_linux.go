//go:build linux

package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/domain"
)

// micSource wraps the mediadevices audio track as a CaptureSource.
type micSource struct {
	track mediadevices.Track
}

func (s *micSource) Track() webrtc.TrackLocal { return s.track }
func (s *micSource) Close() error             { return s.track.Close() }

// platformConnect builds a peer connection with Opus audio capture from
// the default microphone (malgo under the hood). A capture failure is
// fatal for the call attempt; it is never retried here.
func platformConnect(stunServers []string) (*webrtc.PeerConnection, CaptureSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

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

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccess, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("%w: no audio track", domain.ErrDeviceAccess)
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Str("module", "peer").Err(err).Msg("local audio track ended")
		}
	})
	log.Info().Str("module", "peer").Str("track", track.ID()).Msg("microphone captured")
	return pc, &micSource{track: track}, nil
}
