// Package pipeline turns the per-session loopback sockets into an RTSP
// stream: a Spec describes the negotiated media, a Runner repackages the
// RTP flowing in from the gateway onto a gortsplib server stream.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"

	"github.com/sebas/streambridge/internal/bridge/sdputil"
)

// Outgoing payload types. Video is repackaged to 96 and audio to 127
// regardless of what the WebRTC peer negotiated.
const (
	VideoPayloadType = 96
	AudioPayloadType = 127
)

// ErrNoMedia is returned when a session negotiated neither audio nor video.
var ErrNoMedia = errors.New("no negotiated media")

// Spec describes the media a session's pipeline carries. Video always comes
// first in the track order, so players see video as track 0 when present.
type Spec struct {
	VideoCodec sdputil.Codec
	AudioCodec sdputil.Codec

	// Ports of the session's RTCP sender sockets, where the runner
	// delivers the receiver reports bound for the gateway.
	VideoRTCPSinkPort int
	AudioRTCPSinkPort int

	desc       *description.Session
	videoMedia *description.Media
	audioMedia *description.Media
}

// NewSpec builds a pipeline spec from the negotiated codecs. Codecs the
// pipeline cannot carry are dropped; at least one media must remain.
func NewSpec(videoCodec, audioCodec sdputil.Codec, videoRTCPSink, audioRTCPSink int) (*Spec, error) {
	s := &Spec{
		VideoRTCPSinkPort: videoRTCPSink,
		AudioRTCPSinkPort: audioRTCPSink,
	}

	var videoFormat format.Format
	switch videoCodec {
	case sdputil.CodecVP8:
		videoFormat = &format.VP8{PayloadTyp: VideoPayloadType}
	case sdputil.CodecVP9:
		videoFormat = &format.VP9{PayloadTyp: VideoPayloadType}
	case sdputil.CodecH264:
		videoFormat = &format.H264{
			PayloadTyp:        VideoPayloadType,
			PacketizationMode: 1,
		}
	}
	if videoFormat != nil {
		s.VideoCodec = videoCodec
		s.videoMedia = &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{videoFormat},
		}
	}

	if audioCodec == sdputil.CodecOpus {
		s.AudioCodec = audioCodec
		s.audioMedia = &description.Media{
			Type: description.MediaTypeAudio,
			Formats: []format.Format{&format.Opus{
				PayloadTyp:   AudioPayloadType,
				ChannelCount: 1,
			}},
		}
	}

	if s.videoMedia == nil && s.audioMedia == nil {
		return nil, ErrNoMedia
	}

	medias := make([]*description.Media, 0, 2)
	if s.videoMedia != nil {
		medias = append(medias, s.videoMedia)
	}
	if s.audioMedia != nil {
		medias = append(medias, s.audioMedia)
	}
	s.desc = &description.Session{Medias: medias}

	return s, nil
}

// HasVideo reports whether the spec carries a video track.
func (s *Spec) HasVideo() bool { return s.videoMedia != nil }

// HasAudio reports whether the spec carries an audio track.
func (s *Spec) HasAudio() bool { return s.audioMedia != nil }

// Description returns the stream description. The media pointers are
// stable: the runner must pass these same values to WritePacketRTP.
func (s *Spec) Description() *description.Session { return s.desc }

// VideoMedia returns the video track description, or nil.
func (s *Spec) VideoMedia() *description.Media { return s.videoMedia }

// AudioMedia returns the audio track description, or nil.
func (s *Spec) AudioMedia() *description.Media { return s.audioMedia }

func (s *Spec) String() string {
	out := ""
	if s.HasVideo() {
		out += fmt.Sprintf("video=%s rtcp-sink=%d", s.VideoCodec, s.VideoRTCPSinkPort)
	}
	if s.HasAudio() {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("audio=%s rtcp-sink=%d", s.AudioCodec, s.AudioRTCPSinkPort)
	}
	return out
}
