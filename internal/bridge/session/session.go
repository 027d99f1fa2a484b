// Package session holds the per-peer state of the bridge: negotiated
// codecs, media flags, the loopback socket set and the attached pipeline.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
	"github.com/sebas/streambridge/internal/bridge/rtsp"
	"github.com/sebas/streambridge/internal/bridge/sdputil"
	"github.com/sebas/streambridge/internal/bridge/sockets"
)

// Socket roles. Each stream gets a server/client RTP pair, a server/client
// pair for RTCP received from the peer, and a server socket collecting the
// RTCP the pipeline sends back toward the peer.
const (
	SockVideoRTPSrv     = "video_rtp_srv"
	SockVideoRTPCli     = "video_rtp_cli"
	SockVideoRTCPRcvSrv = "video_rtcp_rcv_srv"
	SockVideoRTCPRcvCli = "video_rtcp_rcv_cli"
	SockVideoRTCPSndSrv = "video_rtcp_snd_srv"
	SockAudioRTPSrv     = "audio_rtp_srv"
	SockAudioRTPCli     = "audio_rtp_cli"
	SockAudioRTCPRcvSrv = "audio_rtcp_rcv_srv"
	SockAudioRTCPRcvCli = "audio_rtcp_rcv_cli"
	SockAudioRTCPSndSrv = "audio_rtcp_snd_srv"
)

// Session is the bridge-side state of one WebRTC peer.
type Session struct {
	audioActive   atomic.Bool
	videoActive   atomic.Bool
	bitrate       atomic.Uint64
	slowlinkCount atomic.Uint32
	hangingUp     atomic.Bool
	destroyed     atomic.Int64 // unix nano of destruction, 0 while alive

	mu         sync.Mutex
	id         string
	rtspURL    string
	registryID string
	videoCodec sdputil.Codec
	audioCodec sdputil.Codec
	videoPT    int
	audioPT    int
	sockets    map[string]*sockets.Socket
	runner     *pipeline.Runner
	rtspCtx    *rtsp.Context
}

// New creates a session with both streams active and no negotiated media.
func New() *Session {
	s := &Session{videoPT: -1, audioPT: -1}
	s.audioActive.Store(true)
	s.videoActive.Store(true)
	return s
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) RTSPURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtspURL
}

func (s *Session) SetRTSPURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtspURL = url
}

func (s *Session) RegistryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registryID
}

func (s *Session) SetRegistryID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registryID = id
}

// Codecs returns the negotiated codecs (video, audio).
func (s *Session) Codecs() (sdputil.Codec, sdputil.Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoCodec, s.audioCodec
}

// SetCodecs records the negotiated codecs and their peer payload types.
func (s *Session) SetCodecs(video, audio sdputil.Codec, videoPT, audioPT int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoCodec, s.audioCodec = video, audio
	s.videoPT, s.audioPT = videoPT, audioPT
}

func (s *Session) Runner() *pipeline.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner
}

func (s *Session) SetRunner(r *pipeline.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

func (s *Session) RTSPContext() *rtsp.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtspCtx
}

func (s *Session) SetRTSPContext(c *rtsp.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtspCtx = c
}

func (s *Session) AudioActive() bool      { return s.audioActive.Load() }
func (s *Session) SetAudioActive(v bool)  { s.audioActive.Store(v) }
func (s *Session) VideoActive() bool      { return s.videoActive.Load() }
func (s *Session) SetVideoActive(v bool)  { s.videoActive.Store(v) }
func (s *Session) Bitrate() uint64        { return s.bitrate.Load() }
func (s *Session) SetBitrate(v uint64)    { s.bitrate.Store(v) }
func (s *Session) SlowlinkCount() uint32  { return s.slowlinkCount.Load() }
func (s *Session) BumpSlowlink() uint32   { return s.slowlinkCount.Add(1) }
func (s *Session) HangingUp() bool        { return s.hangingUp.Load() }
func (s *Session) SetHangingUp(v bool)    { s.hangingUp.Store(v) }
func (s *Session) BeginHangup() bool      { return !s.hangingUp.Swap(true) }
func (s *Session) DestroyedAt() int64     { return s.destroyed.Load() }
func (s *Session) MarkDestroyed(ns int64) { s.destroyed.Store(ns) }
func (s *Session) Alive() bool            { return s.destroyed.Load() == 0 }

var streamPrefixes = []string{"video", "audio"}

// ProvisionSockets opens the ten loopback sockets of the session, video
// stream first. On any failure every socket opened so far is closed and
// its port returned to the pool.
func (s *Session) ProvisionSockets(f *sockets.Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sockets != nil {
		return errors.New("sockets already provisioned")
	}

	socks := make(map[string]*sockets.Socket)
	fail := func(err error) error {
		for _, sk := range socks {
			f.Close(sk)
		}
		return err
	}

	for _, prefix := range streamPrefixes {
		rtpSrv, err := f.OpenServer()
		if err != nil {
			return fail(fmt.Errorf("%s rtp server: %w", prefix, err))
		}
		socks[prefix+"_rtp_srv"] = rtpSrv

		rtpCli, err := f.OpenClient(rtpSrv.Port)
		if err != nil {
			return fail(fmt.Errorf("%s rtp client: %w", prefix, err))
		}
		socks[prefix+"_rtp_cli"] = rtpCli

		rcvSrv, err := f.OpenServer()
		if err != nil {
			return fail(fmt.Errorf("%s rtcp receive server: %w", prefix, err))
		}
		socks[prefix+"_rtcp_rcv_srv"] = rcvSrv

		rcvCli, err := f.OpenClient(rcvSrv.Port)
		if err != nil {
			return fail(fmt.Errorf("%s rtcp receive client: %w", prefix, err))
		}
		socks[prefix+"_rtcp_rcv_cli"] = rcvCli

		sndSrv, err := f.OpenServer()
		if err != nil {
			return fail(fmt.Errorf("%s rtcp send server: %w", prefix, err))
		}
		socks[prefix+"_rtcp_snd_srv"] = sndSrv
	}

	s.sockets = socks
	return nil
}

// Socket returns the socket bound to a role, or nil.
func (s *Session) Socket(role string) *sockets.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[role]
}

// CloseSockets closes every session socket and returns the ports.
func (s *Session) CloseSockets(f *sockets.Factory) {
	s.mu.Lock()
	socks := s.sockets
	s.sockets = nil
	s.mu.Unlock()

	for _, sk := range socks {
		f.Close(sk)
	}
}

// PipelineInputs returns non-owning views of the server sockets the
// pipeline runner reads from.
func (s *Session) PipelineInputs() pipeline.InputSockets {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := pipeline.InputSockets{}
	if sk := s.sockets[SockVideoRTPSrv]; sk != nil {
		in.VideoRTP = pipeline.Borrow(sk.Conn)
	}
	if sk := s.sockets[SockVideoRTCPRcvSrv]; sk != nil {
		in.VideoRTCP = pipeline.Borrow(sk.Conn)
	}
	if sk := s.sockets[SockAudioRTPSrv]; sk != nil {
		in.AudioRTP = pipeline.Borrow(sk.Conn)
	}
	if sk := s.sockets[SockAudioRTCPRcvSrv]; sk != nil {
		in.AudioRTCP = pipeline.Borrow(sk.Conn)
	}
	return in
}

// RTCPSinkPorts returns the ports of the RTCP sender sockets (video, audio).
func (s *Session) RTCPSinkPorts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var video, audio int
	if sk := s.sockets[SockVideoRTCPSndSrv]; sk != nil {
		video = sk.Port
	}
	if sk := s.sockets[SockAudioRTCPSndSrv]; sk != nil {
		audio = sk.Port
	}
	return video, audio
}
