package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
	"github.com/sebas/streambridge/internal/bridge/registry"
	"github.com/sebas/streambridge/internal/bridge/rtsp"
	"github.com/sebas/streambridge/internal/bridge/sdputil"
	"github.com/sebas/streambridge/internal/bridge/session"
	"github.com/sebas/streambridge/internal/logger"
)

// handlerLoop processes queued signalling messages in FIFO order.
func (p *Plugin) handlerLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case msg := <-p.messages:
			p.handleRequest(msg)
		}
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (p *Plugin) handleRequest(msg *pluginMessage) {
	s := p.session(msg.h)
	if s == nil {
		logger.Warn("[Handler] message for unknown handle", "handle", msg.h.id)
		return
	}
	if !s.Alive() {
		return
	}

	if isNull(msg.message) {
		p.pushError(msg.h, msg.transaction, ErrNoMessage, "No message??")
		return
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(msg.message, &root); err != nil {
		p.pushError(msg.h, msg.transaction, ErrInvalidJSON, "JSON error: not an object")
		return
	}

	handled := false

	if raw, ok := root["audio"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (audio should be a boolean)")
			return
		}
		s.SetAudioActive(v)
		logger.Info("[Handler] audio set", "handle", msg.h.id, "active", v)
		handled = true
	}

	if raw, ok := root["video"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (video should be a boolean)")
			return
		}
		reenabled := v && !s.VideoActive()
		s.SetVideoActive(v)
		if reenabled {
			// the peer needs a keyframe to resume decoding
			p.sendPLI(msg.h)
		}
		logger.Info("[Handler] video set", "handle", msg.h.id, "active", v)
		handled = true
	}

	if raw, ok := root["bitrate"]; ok {
		var v uint64
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (bitrate should be a positive integer)")
			return
		}
		s.SetBitrate(v)
		if v > 0 {
			p.sendREMB(msg.h, v)
		}
		logger.Info("[Handler] bitrate set", "handle", msg.h.id, "bitrate", v)
		handled = true
	}

	if raw, ok := root["record"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (record should be a boolean)")
			return
		}
		logger.Warn("[Handler] recording not supported, ignoring", "handle", msg.h.id)
		handled = true
	}

	if raw, ok := root["filename"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (filename should be a string)")
			return
		}
		handled = true
	}

	if raw, ok := root["id"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidElement, "Invalid value (id should be a string)")
			return
		}
		s.SetID(v)
		handled = true
	}

	var jsep jsepPayload
	if !isNull(msg.jsep) {
		if err := json.Unmarshal(msg.jsep, &jsep); err != nil {
			p.pushError(msg.h, msg.transaction, ErrInvalidJSON, "JSON error: invalid jsep")
			return
		}
		handled = true
	}

	if !handled {
		p.pushError(msg.h, msg.transaction, ErrInvalidElement,
			"No supported attributes (audio, video, bitrate, record, id, jsep) found")
		return
	}

	if jsep.SDP == "" {
		p.pushEvent(msg.h, msg.transaction, okEventBody(), nil)
		return
	}

	p.setupStreams(msg.h, s, msg.transaction, jsep.Type, jsep.SDP)
}

// setupStreams runs the jsep path: the offer is munged, codecs picked,
// sockets provisioned, the mountpoint registered and published, and the
// answer pushed back to the peer.
func (p *Plugin) setupStreams(h *Handle, s *session.Session, transaction, sdpType, offer string) {
	munged := sdputil.MungeOffer(offer)

	videoCodec := sdputil.SelectVideoCodec(munged, p.cfg.VideoCodecPriority)
	munged = sdputil.PromoteVideoPayloadType(munged, videoCodec)

	audioCodec := sdputil.MediaCodec(munged, "audio")
	if audioCodec != sdputil.CodecOpus {
		audioCodec = sdputil.CodecUnknown
	}

	videoPT := sdputil.PayloadType(munged, videoCodec)
	audioPT := sdputil.PayloadType(munged, audioCodec)
	s.SetCodecs(videoCodec, audioCodec, videoPT, audioPT)
	s.SetHangingUp(false)

	logger.Info("[Handler] negotiated", "handle", h.id,
		"video", videoCodec.String(), "video_pt", videoPT,
		"audio", audioCodec.String(), "audio_pt", audioPT)

	if err := s.ProvisionSockets(p.factory); err != nil {
		logger.Error("[Handler] socket provisioning failed", "handle", h.id, "error", err.Error())
		p.pushError(h, transaction, ErrInvalidElement, "Media setup failed")
		return
	}

	videoSink, audioSink := s.RTCPSinkPorts()
	spec, err := pipeline.NewSpec(videoCodec, audioCodec, videoSink, audioSink)
	if err != nil {
		s.CloseSockets(p.factory)
		if errors.Is(err, pipeline.ErrNoMedia) {
			// nothing to bridge: no pipeline, no mountpoint, but the
			// session stays valid and the request is acknowledged
			logger.Warn("[Handler] offer carries no usable media", "handle", h.id)
			p.pushEvent(h, transaction, okEventBody(), nil)
			return
		}
		p.pushError(h, transaction, ErrInvalidElement, "No supported codecs negotiated")
		return
	}
	runner := pipeline.NewRunner(spec)
	s.SetRunner(runner)

	p.attachRTCPRelay(h, s, true)
	p.attachRTCPRelay(h, s, false)

	urlID := s.ID()
	if urlID == "" {
		urlID = uuid.NewString()
		s.SetID(urlID)
	}
	url := p.runtime.URL(p.cfg.Interface, urlID)
	s.SetRTSPURL(url)

	if p.cfg.StatusServiceURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, regErr := p.reg.Create(ctx, p.cfg.StatusServiceURL, registry.CreateRequest{URI: url, ID: urlID})
		cancel()
		switch {
		case regErr != nil:
			// registry down must not take streaming with it
			logger.Warn("[Handler] registry create failed, publishing anyway",
				"handle", h.id, "error", regErr.Error())
		case resp.Code == registry.CodeDuplicateID:
			logger.Warn("[Handler] stream id already registered", "handle", h.id, "id", urlID)
			p.pushError(h, transaction, ErrInvalidURLID,
				fmt.Sprintf("URL id %s already in use", urlID))
			runner.Stop()
			s.SetRunner(nil)
			s.CloseSockets(p.factory)
			p.HangupMedia(h)
			return
		default:
			s.SetRegistryID(resp.ID)
		}
	}

	rctx := rtsp.NewContext(urlID)
	s.SetRTSPContext(rctx)
	inputs := s.PipelineInputs()

	added := make(chan error, 1)
	if !p.runtime.Submit(func() {
		added <- p.runtime.AddMount(urlID, runner, rctx, inputs)
	}) {
		s.SetRTSPContext(nil)
		runner.Stop()
		s.CloseSockets(p.factory)
		return
	}
	if err := <-added; err != nil {
		logger.Error("[Handler] mountpoint add failed", "handle", h.id, "error", err.Error())
		s.SetRTSPContext(nil)
		runner.Stop()
		s.CloseSockets(p.factory)
		p.pushError(h, transaction, ErrInvalidElement, "Media setup failed")
		return
	}

	if p.cfg.PLIWorkaround && spec.HasVideo() {
		p.wg.Add(1)
		go p.pliWorkaroundLoop(h, s)
	}

	answerType := "answer"
	if sdpType == "answer" {
		answerType = "offer"
	}
	p.pushEvent(h, transaction, okEventBody(), jsepBody(answerType, munged))
	logger.Info("[Handler] mountpoint published", "handle", h.id, "url", url)
}

// attachRTCPRelay forwards the pipeline's receiver reports, arriving on
// the RTCP sender socket, back to the gateway.
func (p *Plugin) attachRTCPRelay(h *Handle, s *session.Session, video bool) {
	role := session.SockAudioRTCPSndSrv
	if video {
		role = session.SockVideoRTCPSndSrv
	}
	sk := s.Socket(role)
	if sk == nil {
		return
	}
	p.factory.AttachRead(sk, func(buf []byte) bool {
		if p.stopping.Load() || !s.Alive() {
			return false
		}
		p.cb.RelayRTCP(h, video, buf)
		return true
	})
}

func (p *Plugin) pushEvent(h *Handle, transaction string, event, jsep []byte) {
	if err := p.cb.PushEvent(h, transaction, event, jsep); err != nil {
		logger.Warn("[Handler] event push failed", "handle", h.id, "error", err.Error())
	}
}

func (p *Plugin) pushError(h *Handle, transaction string, code int, cause string) {
	logger.Warn("[Handler] request failed", "handle", h.id, "code", code, "error", cause)
	p.pushEvent(h, transaction, errorEventBody(code, cause), nil)
}
