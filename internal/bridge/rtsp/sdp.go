package rtsp

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
)

// describeSDP builds the session description announced to RTSP players.
// gortsplib's generated SDP lacks the feedback attributes players need to
// request keyframes, so DESCRIBE is answered with this one instead. The
// trackID controls follow the media order of the pipeline description.
func describeSDP(spec *pipeline.Spec) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "Stream Bridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			{Key: "tool", Value: "streambridge"},
			{Key: "type", Value: "broadcast"},
			{Key: "control", Value: "*"},
		},
	}

	trackID := 0
	if spec.HasVideo() {
		pt := strconv.Itoa(pipeline.VideoPayloadType)
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", pt, spec.VideoCodec, spec.VideoCodec.ClockRate())},
				{Key: "rtcp-fb", Value: pt + " ccm fir"},
				{Key: "rtcp-fb", Value: pt + " nack"},
				{Key: "rtcp-fb", Value: pt + " nack pli"},
				{Key: "control", Value: "trackID=" + strconv.Itoa(trackID)},
			},
		})
		trackID++
	}

	if spec.HasAudio() {
		pt := strconv.Itoa(pipeline.AudioPayloadType)
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d/2", pt, spec.AudioCodec, spec.AudioCodec.ClockRate())},
				{Key: "control", Value: "trackID=" + strconv.Itoa(trackID)},
			},
		})
	}

	return desc.Marshal()
}
