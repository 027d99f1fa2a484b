package pipeline

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/sebas/streambridge/internal/logger"
)

// State is the pipeline lifecycle: a runner is provisioned when built,
// prepared once it adopts its sockets and stream, playing once a client
// asked for media, and torn down exactly once.
type State int32

const (
	StateProvisioned State = iota
	StatePrepared
	StatePlaying
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateProvisioned:
		return "provisioned"
	case StatePrepared:
		return "prepared"
	case StatePlaying:
		return "playing"
	case StateTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

const receiverReportInterval = 5 * time.Second

// BorrowedSocket is a non-owning view of a session socket. The runner
// reads from it but never closes it; ownership stays with the session.
type BorrowedSocket struct {
	conn *net.UDPConn
}

// Borrow wraps a session-owned UDP connection for use by a runner.
func Borrow(conn *net.UDPConn) BorrowedSocket {
	return BorrowedSocket{conn: conn}
}

// InputSockets are the session's server-side sockets the runner reads:
// the RTP feeds and the RTCP receiver feeds, per stream.
type InputSockets struct {
	VideoRTP  BorrowedSocket
	VideoRTCP BorrowedSocket
	AudioRTP  BorrowedSocket
	AudioRTCP BorrowedSocket
}

// Runner moves media from the session's loopback sockets onto a server
// stream, rewriting payload types and generating receiver reports back
// toward the gateway.
type Runner struct {
	spec *Spec

	state    atomic.Int32
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	stream *gortsplib.ServerStream
	feeds  []*feed
}

type feed struct {
	kind      string
	media     *description.Media
	outPT     uint8
	clockRate int

	rtp    BorrowedSocket
	rtcpIn BorrowedSocket
	sink   *net.UDPConn // owned, connected to the RTCP sender socket

	stats feedStats
}

// NewRunner creates a runner in the provisioned state.
func NewRunner(spec *Spec) *Runner {
	return &Runner{
		spec: spec,
		stop: make(chan struct{}),
	}
}

// Spec returns the media spec the runner was built from.
func (r *Runner) Spec() *Spec { return r.spec }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Prepare adopts the server stream and the session sockets and starts the
// media goroutines. It may be called once.
func (r *Runner) Prepare(stream *gortsplib.ServerStream, in InputSockets) error {
	if !r.state.CompareAndSwap(int32(StateProvisioned), int32(StatePrepared)) {
		return fmt.Errorf("pipeline already %s", r.State())
	}
	r.stream = stream

	if r.spec.HasVideo() {
		sink, err := dialSink(r.spec.VideoRTCPSinkPort)
		if err != nil {
			r.state.Store(int32(StateTeardown))
			return err
		}
		r.feeds = append(r.feeds, &feed{
			kind:      "video",
			media:     r.spec.VideoMedia(),
			outPT:     VideoPayloadType,
			clockRate: r.spec.VideoCodec.ClockRate(),
			rtp:       in.VideoRTP,
			rtcpIn:    in.VideoRTCP,
			sink:      sink,
		})
	}
	if r.spec.HasAudio() {
		sink, err := dialSink(r.spec.AudioRTCPSinkPort)
		if err != nil {
			r.closeSinks()
			r.state.Store(int32(StateTeardown))
			return err
		}
		r.feeds = append(r.feeds, &feed{
			kind:      "audio",
			media:     r.spec.AudioMedia(),
			outPT:     AudioPayloadType,
			clockRate: r.spec.AudioCodec.ClockRate(),
			rtp:       in.AudioRTP,
			rtcpIn:    in.AudioRTCP,
			sink:      sink,
		})
	}

	for _, f := range r.feeds {
		r.wg.Add(2)
		go r.rtpLoop(f)
		go r.rtcpLoop(f)
	}
	r.wg.Add(1)
	go r.reportLoop()

	logger.Debug("[Pipeline] prepared", "spec", r.spec.String())
	return nil
}

// SetPlaying marks the first PLAY request. No-op unless prepared.
func (r *Runner) SetPlaying() {
	r.state.CompareAndSwap(int32(StatePrepared), int32(StatePlaying))
}

// Stop tears the runner down: media goroutines are joined and owned sinks
// closed. Borrowed sockets are left open for their owner. Idempotent.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateTeardown))
		close(r.stop)
		now := time.Now()
		for _, f := range r.feeds {
			_ = f.rtp.conn.SetReadDeadline(now)
			_ = f.rtcpIn.conn.SetReadDeadline(now)
		}
		r.wg.Wait()
		for _, f := range r.feeds {
			_ = f.rtp.conn.SetReadDeadline(time.Time{})
			_ = f.rtcpIn.conn.SetReadDeadline(time.Time{})
		}
		r.closeSinks()
	})
}

func (r *Runner) closeSinks() {
	for _, f := range r.feeds {
		if f.sink != nil {
			_ = f.sink.Close()
		}
	}
}

func dialSink(port int) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("dial rtcp sink :%d: %w", port, err)
	}
	return conn, nil
}

func (r *Runner) rtpLoop(f *feed) {
	defer r.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, err := f.rtp.conn.Read(buf)
		if err != nil {
			if r.readFailed(f.rtp.conn, err) {
				return
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		f.stats.observe(&pkt)

		pkt.Header.PayloadType = f.outPT
		_ = r.stream.WritePacketRTP(f.media, &pkt)
	}
}

func (r *Runner) rtcpLoop(f *feed) {
	defer r.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, err := f.rtcpIn.conn.Read(buf)
		if err != nil {
			if r.readFailed(f.rtcpIn.conn, err) {
				return
			}
			continue
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				f.stats.observeSenderReport(sr)
			}
			_ = r.stream.WritePacketRTCP(f.media, pkt)
		}
	}
}

// readFailed reports whether the loop should exit after a read error.
func (r *Runner) readFailed(conn *net.UDPConn, err error) bool {
	select {
	case <-r.stop:
		return true
	default:
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		_ = conn.SetReadDeadline(time.Time{})
		return false
	}
	return true
}

func (r *Runner) reportLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(receiverReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			for _, f := range r.feeds {
				rr := f.stats.buildReceiverReport()
				if rr == nil {
					continue
				}
				raw, err := rr.Marshal()
				if err != nil {
					continue
				}
				_, _ = f.sink.Write(raw)
			}
		}
	}
}

// feedStats tracks the incoming RTP flow to fill receiver reports.
type feedStats struct {
	mu sync.Mutex

	reporterSSRC uint32
	received     bool
	ssrc         uint32
	packets      uint32
	firstSeq     uint16
	highestSeq   uint16
	cycles       uint32
	intervalPkts uint32
	intervalExp  uint32
	lastSRNTP    uint32
	lastSRTime   time.Time
}

func (s *feedStats) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := pkt.Header.SequenceNumber
	if !s.received {
		s.received = true
		s.reporterSSRC = rand.Uint32()
		s.ssrc = pkt.Header.SSRC
		s.firstSeq = seq
		s.highestSeq = seq
	} else {
		// sequence wrap
		if seq < s.highestSeq && s.highestSeq-seq > 0x8000 {
			s.cycles++
			s.highestSeq = seq
		} else if seq > s.highestSeq {
			s.highestSeq = seq
		}
	}
	s.packets++
	s.intervalPkts++
}

func (s *feedStats) observeSenderReport(sr *rtcp.SenderReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSRNTP = uint32(sr.NTPTime >> 16)
	s.lastSRTime = time.Now()
}

func (s *feedStats) buildReceiverReport() *rtcp.ReceiverReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.received {
		return nil
	}

	extHighest := s.cycles<<16 | uint32(s.highestSeq)
	expected := extHighest - uint32(s.firstSeq) + 1
	var lost uint32
	if expected > s.packets {
		lost = expected - s.packets
	}

	var fraction uint8
	intervalExpected := expected - s.intervalExp
	if intervalExpected > 0 && intervalExpected > s.intervalPkts {
		fraction = uint8((intervalExpected - s.intervalPkts) * 256 / intervalExpected)
	}
	s.intervalExp = expected
	s.intervalPkts = 0

	var delay uint32
	if !s.lastSRTime.IsZero() {
		delay = uint32(time.Since(s.lastSRTime).Seconds() * 65536)
	}

	return &rtcp.ReceiverReport{
		SSRC: s.reporterSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               s.ssrc,
			FractionLost:       fraction,
			TotalLost:          lost,
			LastSequenceNumber: extHighest,
			LastSenderReport:   s.lastSRNTP,
			Delay:              delay,
		}},
	}
}
