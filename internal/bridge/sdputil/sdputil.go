// Package sdputil inspects and rewrites WebRTC SDP offers at the line level.
// The rewrites must leave every untouched line byte-identical, so the
// functions here work on raw text rather than a parsed session description.
package sdputil

import (
	"regexp"
	"strconv"
	"strings"
)

// Codec identifies a media codec negotiated with the WebRTC peer.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecVP8
	CodecVP9
	CodecH264
	CodecOpus
)

// String returns the codec name as it appears in an rtpmap attribute.
func (c Codec) String() string {
	switch c {
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	case CodecH264:
		return "H264"
	case CodecOpus:
		return "opus"
	default:
		return "unknown"
	}
}

// ClockRate returns the RTP clock rate for the codec.
func (c Codec) ClockRate() int {
	if c == CodecOpus {
		return 48000
	}
	return 90000
}

// ParseCodec maps a codec name (case-insensitive) to its Codec value.
func ParseCodec(name string) Codec {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "vp8":
		return CodecVP8
	case "vp9":
		return CodecVP9
	case "h264":
		return CodecH264
	case "opus":
		return CodecOpus
	default:
		return CodecUnknown
	}
}

// PayloadType returns the payload type the SDP maps to the given codec,
// or -1 when the codec is not offered.
func PayloadType(sdp string, c Codec) int {
	if c == CodecUnknown {
		return -1
	}
	re := regexp.MustCompile(`(?mi)^a=rtpmap:(\d+)[ \t]+` + c.String() + `/`)
	m := re.FindStringSubmatch(sdp)
	if m == nil {
		return -1
	}
	pt, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return pt
}

// MediaCodec returns the codec of the first payload type listed on the
// m-line of the given media type ("video" or "audio").
func MediaCodec(sdp, mediaType string) Codec {
	mre := regexp.MustCompile(`(?m)^m=` + mediaType + `[ \t]+\d+[ \t]+[^ \t]+[ \t]+(\d+)`)
	m := mre.FindStringSubmatch(sdp)
	if m == nil {
		return CodecUnknown
	}
	rre := regexp.MustCompile(`(?m)^a=rtpmap:` + m[1] + `[ \t]+([A-Za-z0-9-]+)/`)
	r := rre.FindStringSubmatch(sdp)
	if r == nil {
		return CodecUnknown
	}
	return ParseCodec(r[1])
}

// SelectVideoCodec picks the video codec to negotiate: the first entry of
// the priority list present in the offer, falling back to the codec of the
// first payload type on the video m-line.
func SelectVideoCodec(sdp string, priority []Codec) Codec {
	for _, c := range priority {
		if PayloadType(sdp, c) >= 0 {
			return c
		}
	}
	return MediaCodec(sdp, "video")
}

// PromoteVideoPayloadType moves the payload type of the given codec to the
// front of the video m-line so the peer's answer settles on it. The SDP is
// returned unchanged when the codec is absent or already first.
func PromoteVideoPayloadType(sdp string, c Codec) string {
	pt := PayloadType(sdp, c)
	if pt < 0 {
		return sdp
	}
	want := strconv.Itoa(pt)

	lines, crlf := splitLines(sdp)
	for i, line := range lines {
		if !strings.HasPrefix(line, "m=video") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[3] == want {
			break
		}
		reordered := make([]string, 0, len(fields))
		reordered = append(reordered, fields[:3]...)
		reordered = append(reordered, want)
		found := false
		for _, p := range fields[3:] {
			if p == want {
				found = true
				continue
			}
			reordered = append(reordered, p)
		}
		if !found {
			break
		}
		lines[i] = strings.Join(reordered, " ")
		break
	}
	return joinLines(lines, crlf)
}

// Payload types browsers pair with RED/ULPFEC/RTX retransmission.
var fecPayloadTypes = map[string]bool{
	"96": true, "97": true, "98": true, "116": true, "117": true,
}

var fecAttributePrefixes = []string{
	"a=rtpmap:116 red/90000",
	"a=rtpmap:117 ulpfec/90000",
	"a=rtpmap:96 rtx/90000",
	"a=fmtp:96 apt=100",
	"a=rtpmap:97 rtx/90000",
	"a=fmtp:97 apt=101",
	"a=rtpmap:98 rtx/90000",
	"a=fmtp:98 apt=116",
}

// MungeOffer rewrites a WebRTC offer before it is handed to the answer
// machinery: direction attributes are flipped to what the bridge actually
// does with the media (receive only, never send), and RED/ULPFEC/RTX
// payloads are stripped since the bridge repackages plain RTP.
func MungeOffer(sdp string) string {
	hasRecvonly := strings.Contains(sdp, "a=recvonly")
	hasSendonly := strings.Contains(sdp, "a=sendonly")
	hasFEC := strings.Contains(sdp, "red/90000") ||
		strings.Contains(sdp, "ulpfec/90000") ||
		strings.Contains(sdp, "rtx/90000")

	lines, crlf := splitLines(sdp)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case hasRecvonly && line == "a=recvonly":
			line = "a=inactive"
		case !hasRecvonly && hasSendonly && line == "a=sendonly":
			line = "a=recvonly"
		}

		if hasFEC {
			if isFECAttribute(line) {
				continue
			}
			if strings.HasPrefix(line, "m=") {
				line = stripFECPayloadTypes(line)
			}
		}
		out = append(out, line)
	}
	return joinLines(out, crlf)
}

func isFECAttribute(line string) bool {
	for _, p := range fecAttributePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func stripFECPayloadTypes(mline string) string {
	fields := strings.Fields(mline)
	if len(fields) < 4 {
		return mline
	}
	kept := make([]string, 0, len(fields))
	kept = append(kept, fields[:3]...)
	for _, pt := range fields[3:] {
		if !fecPayloadTypes[pt] {
			kept = append(kept, pt)
		}
	}
	return strings.Join(kept, " ")
}

func splitLines(sdp string) ([]string, bool) {
	crlf := strings.Contains(sdp, "\r\n")
	raw := strings.Split(sdp, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimSuffix(l, "\r"))
	}
	return lines, crlf
}

func joinLines(lines []string, crlf bool) string {
	sep := "\n"
	if crlf {
		sep = "\r\n"
	}
	return strings.Join(lines, sep)
}
