package sdputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const offerVP8H264 = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendonly\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 100 107\r\n" +
	"a=rtpmap:100 VP8/90000\r\n" +
	"a=rtpmap:107 H264/90000\r\n" +
	"a=sendonly\r\n"

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{
		"VP8":  CodecVP8,
		"vp9":  CodecVP9,
		"H264": CodecH264,
		"opus": CodecOpus,
		"Opus": CodecOpus,
		"av1":  CodecUnknown,
		"":     CodecUnknown,
	} {
		require.Equal(t, want, ParseCodec(name), "name %q", name)
	}
}

func TestPayloadType(t *testing.T) {
	require.Equal(t, 100, PayloadType(offerVP8H264, CodecVP8))
	require.Equal(t, 107, PayloadType(offerVP8H264, CodecH264))
	require.Equal(t, 111, PayloadType(offerVP8H264, CodecOpus))
	require.Equal(t, -1, PayloadType(offerVP8H264, CodecVP9))
	require.Equal(t, -1, PayloadType(offerVP8H264, CodecUnknown))
}

func TestMediaCodec(t *testing.T) {
	require.Equal(t, CodecVP8, MediaCodec(offerVP8H264, "video"))
	require.Equal(t, CodecOpus, MediaCodec(offerVP8H264, "audio"))
	require.Equal(t, CodecUnknown, MediaCodec("v=0\r\n", "video"))
}

func TestSelectVideoCodecPriority(t *testing.T) {
	require.Equal(t, CodecH264,
		SelectVideoCodec(offerVP8H264, []Codec{CodecH264, CodecVP8}))
	require.Equal(t, CodecVP8,
		SelectVideoCodec(offerVP8H264, []Codec{CodecVP9, CodecVP8}))
	// no priority entry present, fall back to the first listed payload type
	require.Equal(t, CodecVP8,
		SelectVideoCodec(offerVP8H264, []Codec{CodecVP9}))
	require.Equal(t, CodecVP8, SelectVideoCodec(offerVP8H264, nil))
}

func TestPromoteVideoPayloadType(t *testing.T) {
	out := PromoteVideoPayloadType(offerVP8H264, CodecH264)
	require.Contains(t, out, "m=video 9 UDP/TLS/RTP/SAVPF 107 100\r\n")
	// audio m-line untouched
	require.Contains(t, out, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
}

func TestPromoteVideoPayloadTypeIdempotent(t *testing.T) {
	once := PromoteVideoPayloadType(offerVP8H264, CodecH264)
	twice := PromoteVideoPayloadType(once, CodecH264)
	require.Equal(t, once, twice)
}

func TestPromoteVideoPayloadTypeAbsentCodec(t *testing.T) {
	require.Equal(t, offerVP8H264, PromoteVideoPayloadType(offerVP8H264, CodecVP9))
}

func TestMungeOfferFlipsSendonly(t *testing.T) {
	out := MungeOffer(offerVP8H264)
	require.NotContains(t, out, "a=sendonly")
	require.Equal(t, 2, strings.Count(out, "a=recvonly"))
}

func TestMungeOfferFlipsRecvonlyToInactive(t *testing.T) {
	sdp := strings.ReplaceAll(offerVP8H264, "a=sendonly", "a=recvonly")
	out := MungeOffer(sdp)
	require.NotContains(t, out, "a=recvonly")
	require.Equal(t, 2, strings.Count(out, "a=inactive"))
}

func TestMungeOfferStripsFEC(t *testing.T) {
	sdp := "v=0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 100 96 97 116 117\r\n" +
		"a=rtpmap:100 VP8/90000\r\n" +
		"a=rtpmap:116 red/90000\r\n" +
		"a=rtpmap:117 ulpfec/90000\r\n" +
		"a=rtpmap:96 rtx/90000\r\n" +
		"a=fmtp:96 apt=100\r\n" +
		"a=rtpmap:97 rtx/90000\r\n" +
		"a=fmtp:97 apt=101\r\n"

	out := MungeOffer(sdp)
	require.Contains(t, out, "m=video 9 UDP/TLS/RTP/SAVPF 100\r\n")
	require.NotContains(t, out, "red/90000")
	require.NotContains(t, out, "ulpfec/90000")
	require.NotContains(t, out, "rtx/90000")
	require.Contains(t, out, "a=rtpmap:100 VP8/90000")
}

func TestMungeOfferKeepsPayloadTypesWithoutFEC(t *testing.T) {
	// 96 is a perfectly normal payload type when no RTX/FEC is offered
	sdp := "v=0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 100 96\r\n" +
		"a=rtpmap:100 VP8/90000\r\n" +
		"a=rtpmap:96 H264/90000\r\n"

	out := MungeOffer(sdp)
	require.Contains(t, out, "m=video 9 UDP/TLS/RTP/SAVPF 100 96\r\n")
}

func TestClockRate(t *testing.T) {
	require.Equal(t, 90000, CodecVP8.ClockRate())
	require.Equal(t, 90000, CodecH264.ClockRate())
	require.Equal(t, 48000, CodecOpus.ClockRate())
}
