package pipeline

import (
	"testing"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/stretchr/testify/require"

	"github.com/sebas/streambridge/internal/bridge/sdputil"
)

func TestNewSpecVideoAndAudio(t *testing.T) {
	spec, err := NewSpec(sdputil.CodecVP8, sdputil.CodecOpus, 4012, 4034)
	require.NoError(t, err)
	require.True(t, spec.HasVideo())
	require.True(t, spec.HasAudio())

	desc := spec.Description()
	require.Len(t, desc.Medias, 2)

	// video first, so players see it as track 0
	require.Equal(t, description.MediaTypeVideo, desc.Medias[0].Type)
	require.Equal(t, description.MediaTypeAudio, desc.Medias[1].Type)

	vp8, ok := desc.Medias[0].Formats[0].(*format.VP8)
	require.True(t, ok)
	require.Equal(t, uint8(VideoPayloadType), vp8.PayloadTyp)

	opus, ok := desc.Medias[1].Formats[0].(*format.Opus)
	require.True(t, ok)
	require.Equal(t, uint8(AudioPayloadType), opus.PayloadTyp)
}

func TestNewSpecH264PacketizationMode(t *testing.T) {
	spec, err := NewSpec(sdputil.CodecH264, sdputil.CodecUnknown, 4012, 0)
	require.NoError(t, err)
	require.True(t, spec.HasVideo())
	require.False(t, spec.HasAudio())

	h264, ok := spec.Description().Medias[0].Formats[0].(*format.H264)
	require.True(t, ok)
	require.Equal(t, 1, h264.PacketizationMode)
}

func TestNewSpecAudioOnly(t *testing.T) {
	spec, err := NewSpec(sdputil.CodecUnknown, sdputil.CodecOpus, 0, 4034)
	require.NoError(t, err)
	require.False(t, spec.HasVideo())
	require.True(t, spec.HasAudio())
	require.Len(t, spec.Description().Medias, 1)
	require.Equal(t, description.MediaTypeAudio, spec.Description().Medias[0].Type)
}

func TestNewSpecNoMedia(t *testing.T) {
	_, err := NewSpec(sdputil.CodecUnknown, sdputil.CodecUnknown, 0, 0)
	require.ErrorIs(t, err, ErrNoMedia)

	// opus is not a video codec
	_, err = NewSpec(sdputil.CodecOpus, sdputil.CodecUnknown, 0, 0)
	require.ErrorIs(t, err, ErrNoMedia)
}

func TestDescriptionIsStable(t *testing.T) {
	spec, err := NewSpec(sdputil.CodecVP8, sdputil.CodecOpus, 1, 2)
	require.NoError(t, err)

	// WritePacketRTP matches medias by pointer identity
	require.Same(t, spec.Description(), spec.Description())
	require.Same(t, spec.Description().Medias[0], spec.VideoMedia())
	require.Same(t, spec.Description().Medias[1], spec.AudioMedia())
}

func TestRunnerLifecycle(t *testing.T) {
	spec, err := NewSpec(sdputil.CodecVP8, sdputil.CodecUnknown, 1, 0)
	require.NoError(t, err)

	r := NewRunner(spec)
	require.Equal(t, StateProvisioned, r.State())

	// playing is only reachable from prepared
	r.SetPlaying()
	require.Equal(t, StateProvisioned, r.State())

	r.Stop()
	require.Equal(t, StateTeardown, r.State())
	r.Stop() // idempotent
	require.Equal(t, StateTeardown, r.State())
}
