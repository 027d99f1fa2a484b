package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/streambridge/internal/bridge/sdputil"
)

func TestParsePortRange(t *testing.T) {
	for in, want := range map[string][2]int{
		"4000-5000":   {4000, 5000},
		" 4100-4200 ": {4100, 4200},
		"5000-4000":   {4000, 5000}, // reversed bounds swapped
		"nonsense":    {4000, 5000},
		"4000":        {4000, 5000},
		"0-70000":     {4000, 5000},
	} {
		minPort, maxPort := ParsePortRange(in)
		require.Equal(t, want[0], minPort, "input %q", in)
		require.Equal(t, want[1], maxPort, "input %q", in)
	}
}

func TestParseCodecPriority(t *testing.T) {
	require.Equal(t,
		[]sdputil.Codec{sdputil.CodecH264, sdputil.CodecVP8},
		ParseCodecPriority("H264,VP8"))

	// opus and unknown names are not video codecs
	require.Equal(t,
		[]sdputil.Codec{sdputil.CodecVP9},
		ParseCodecPriority("opus,av1,vp9"))

	require.Nil(t, ParseCodecPriority(""))
	require.Nil(t, ParseCodecPriority("  "))
}
