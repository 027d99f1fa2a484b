package plugin

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
	"github.com/sebas/streambridge/internal/bridge/session"
	"github.com/sebas/streambridge/internal/logger"
)

// Bitrate cap applied while a slow link is reported, when the peer never
// configured one explicitly.
const (
	defaultSlowLinkBitrate = 512000
	minSlowLinkBitrate     = 64000
	pliWorkaroundInterval  = 2 * time.Second
)

// SetupMedia is called by the host when the peer connection is up.
func (p *Plugin) SetupMedia(h *Handle) {
	s := p.session(h)
	if s == nil || !s.Alive() {
		return
	}
	s.SetHangingUp(false)
	logger.Info("[Plugin] media flowing", "handle", h.id)
}

// IncomingRTP forwards a peer RTP packet onto the session's loopback
// client socket, where the pipeline picks it up.
func (p *Plugin) IncomingRTP(h *Handle, video bool, buf []byte) {
	if !p.initialized.Load() || p.stopping.Load() {
		return
	}
	s := p.session(h)
	if s == nil || !s.Alive() || s.HangingUp() {
		return
	}
	if video && !s.VideoActive() {
		return
	}
	if !video && !s.AudioActive() {
		return
	}

	role := session.SockAudioRTPCli
	if video {
		role = session.SockVideoRTPCli
	}
	sk := s.Socket(role)
	if sk == nil {
		return
	}
	_, _ = sk.Conn.Write(buf)
}

// IncomingRTCP forwards peer RTCP onto the matching loopback socket.
func (p *Plugin) IncomingRTCP(h *Handle, video bool, buf []byte) {
	if !p.initialized.Load() || p.stopping.Load() {
		return
	}
	s := p.session(h)
	if s == nil || !s.Alive() || s.HangingUp() {
		return
	}

	role := session.SockAudioRTCPRcvCli
	if video {
		role = session.SockVideoRTCPRcvCli
	}
	sk := s.Socket(role)
	if sk == nil {
		return
	}
	_, _ = sk.Conn.Write(buf)
}

// IncomingData ignores datachannel messages; the bridge carries media only.
func (p *Plugin) IncomingData(h *Handle, buf []byte) {}

// SlowLink reacts to gateway congestion reports by halving the bitrate
// cap and asking the peer to honor it via REMB.
func (p *Plugin) SlowLink(h *Handle, uplink, video bool) {
	s := p.session(h)
	if s == nil || !s.Alive() {
		return
	}
	count := s.BumpSlowlink()

	if uplink {
		logger.Debug("[Plugin] slow uplink reported", "handle", h.id, "count", count)
		return
	}
	if video && !s.VideoActive() {
		logger.Debug("[Plugin] slow link for disabled video, ignoring", "handle", h.id)
		return
	}
	if !video && !s.AudioActive() {
		logger.Debug("[Plugin] slow link for disabled audio, ignoring", "handle", h.id)
		return
	}

	bitrate := s.Bitrate()
	if bitrate == 0 {
		bitrate = defaultSlowLinkBitrate
	}
	bitrate /= 2
	if bitrate < minSlowLinkBitrate {
		bitrate = minSlowLinkBitrate
	}
	s.SetBitrate(bitrate)

	p.sendREMB(h, bitrate)
	p.pushEvent(h, "", slowLinkEventBody(bitrate), nil)
	logger.Warn("[Plugin] slow link, bitrate capped", "handle", h.id, "bitrate", bitrate, "count", count)
}

// HangupMedia detaches the peer's media without destroying the session.
// Stream flags are reset so a renegotiation starts clean. Idempotent.
func (p *Plugin) HangupMedia(h *Handle) {
	s := p.session(h)
	if s == nil || !s.Alive() {
		return
	}
	if !s.BeginHangup() {
		return
	}

	s.SetAudioActive(true)
	s.SetVideoActive(true)
	s.SetBitrate(0)

	p.pushEvent(h, "", doneEventBody(), nil)
	logger.Info("[Plugin] media hung up", "handle", h.id)
}

// sendPLI asks the peer for a keyframe.
func (p *Plugin) sendPLI(h *Handle) {
	pli := &rtcp.PictureLossIndication{}
	raw, err := pli.Marshal()
	if err != nil {
		return
	}
	p.cb.RelayRTCP(h, true, raw)
}

// sendREMB tells the peer the maximum bitrate the bridge wants to receive.
func (p *Plugin) sendREMB(h *Handle, bitrate uint64) {
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bitrate)}
	raw, err := remb.Marshal()
	if err != nil {
		return
	}
	p.cb.RelayRTCP(h, true, raw)
}

// pliWorkaroundLoop keeps requesting keyframes while the mountpoint is
// prepared but nobody is playing, so a player that attaches late still
// gets a decodable stream quickly. Some peers only send keyframes on
// request.
func (p *Plugin) pliWorkaroundLoop(h *Handle, s *session.Session) {
	defer p.wg.Done()

	ticker := time.NewTicker(pliWorkaroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			if !s.Alive() || s.HangingUp() {
				return
			}
			r := s.Runner()
			if r == nil {
				return
			}
			switch r.State() {
			case pipeline.StatePrepared:
				p.sendPLI(h)
			case pipeline.StatePlaying, pipeline.StateTeardown:
				return
			}
		}
	}
}
