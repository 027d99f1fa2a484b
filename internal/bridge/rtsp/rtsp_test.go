package rtsp

import (
	"net"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/stretchr/testify/require"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
	"github.com/sebas/streambridge/internal/bridge/sdputil"
)

func videoAudioSpec(t *testing.T) *pipeline.Spec {
	t.Helper()
	spec, err := pipeline.NewSpec(sdputil.CodecVP8, sdputil.CodecOpus, 4012, 4034)
	require.NoError(t, err)
	return spec
}

func TestDescribeSDPFeedbackAttributes(t *testing.T) {
	sdpBytes, err := describeSDP(videoAudioSpec(t))
	require.NoError(t, err)
	sdp := string(sdpBytes)

	require.Contains(t, sdp, "m=video 0 RTP/AVP 96")
	require.Contains(t, sdp, "a=rtpmap:96 VP8/90000")
	require.Contains(t, sdp, "a=rtcp-fb:96 ccm fir")
	require.Contains(t, sdp, "a=rtcp-fb:96 nack")
	require.Contains(t, sdp, "a=rtcp-fb:96 nack pli")
	require.Contains(t, sdp, "a=control:trackID=0")

	require.Contains(t, sdp, "m=audio 0 RTP/AVP 127")
	require.Contains(t, sdp, "a=rtpmap:127 opus/48000/2")
	require.Contains(t, sdp, "a=control:trackID=1")

	require.Contains(t, sdp, "a=type:broadcast")
	require.Contains(t, sdp, "a=control:*")
}

func TestDescribeSDPAudioOnlyTrackNumbering(t *testing.T) {
	spec, err := pipeline.NewSpec(sdputil.CodecUnknown, sdputil.CodecOpus, 0, 4034)
	require.NoError(t, err)

	sdpBytes, err := describeSDP(spec)
	require.NoError(t, err)
	sdp := string(sdpBytes)

	require.NotContains(t, sdp, "m=video")
	require.Contains(t, sdp, "a=control:trackID=0")
	require.NotContains(t, sdp, "a=control:trackID=1")
}

func TestRuntimeMountTable(t *testing.T) {
	rt := NewRuntime(0)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	runner := pipeline.NewRunner(videoAudioSpec(t))
	ctx := NewContext("cam1")

	require.NoError(t, rt.AddMount("cam1", runner, ctx, pipeline.InputSockets{}))
	require.True(t, rt.HasMount("cam1"))

	// duplicate ids are rejected
	other := pipeline.NewRunner(videoAudioSpec(t))
	require.Error(t, rt.AddMount("cam1", other, NewContext("cam1"), pipeline.InputSockets{}))

	rt.RemoveMount("cam1")
	require.False(t, rt.HasMount("cam1"))
	require.Equal(t, pipeline.StateTeardown, runner.State())

	// removing twice is harmless
	rt.RemoveMount("cam1")
}

func loopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRuntimePauseDetachesClient(t *testing.T) {
	rt := NewRuntime(0)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	inputs := pipeline.InputSockets{
		VideoRTP:  pipeline.Borrow(loopbackConn(t)),
		VideoRTCP: pipeline.Borrow(loopbackConn(t)),
		AudioRTP:  pipeline.Borrow(loopbackConn(t)),
		AudioRTCP: pipeline.Borrow(loopbackConn(t)),
	}
	ctx := NewContext("cam2")
	require.NoError(t, rt.AddMount("cam2", pipeline.NewRunner(videoAudioSpec(t)), ctx, inputs))

	ss := &gortsplib.ServerSession{}
	res, stream, err := rt.OnSetup(&gortsplib.ServerHandlerOnSetupCtx{Session: ss, Path: "/cam2"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)
	require.NotNil(t, stream)
	require.Equal(t, 1, ctx.Clients())

	res, err = rt.OnPause(&gortsplib.ServerHandlerOnPauseCtx{Session: ss, Path: "/cam2"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)
	require.Equal(t, 0, ctx.Clients())

	// pausing again, or for an unknown mountpoint, stays harmless
	_, err = rt.OnPause(&gortsplib.ServerHandlerOnPauseCtx{Session: ss, Path: "/cam2"})
	require.NoError(t, err)
	_, err = rt.OnPause(&gortsplib.ServerHandlerOnPauseCtx{Session: ss, Path: "/nope"})
	require.NoError(t, err)

	rt.RemoveMount("cam2")
}

func TestRuntimeSubmit(t *testing.T) {
	rt := NewRuntime(0)
	require.NoError(t, rt.Start())

	done := make(chan struct{})
	require.True(t, rt.Submit(func() { close(done) }))
	<-done

	rt.Stop()
	require.False(t, rt.Submit(func() {}))
}

func TestRuntimeStopRunsQueuedCommands(t *testing.T) {
	rt := NewRuntime(0)
	require.NoError(t, rt.Start())

	// park the command loop so the next submission stays queued
	gate := make(chan struct{})
	require.True(t, rt.Submit(func() { <-gate }))

	ran := make(chan struct{})
	require.True(t, rt.Submit(func() { close(ran) }))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	rt.Stop()

	select {
	case <-ran:
	default:
		t.Fatal("accepted command dropped during stop")
	}
}
