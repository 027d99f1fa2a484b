// Package plugin is the host-facing surface of the stream bridge. The
// gateway drives it through the Plugin methods and receives media and
// events back through the Callbacks interface.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/streambridge/internal/bridge/config"
	"github.com/sebas/streambridge/internal/bridge/portpool"
	"github.com/sebas/streambridge/internal/bridge/registry"
	"github.com/sebas/streambridge/internal/bridge/rtsp"
	"github.com/sebas/streambridge/internal/bridge/session"
	"github.com/sebas/streambridge/internal/bridge/sockets"
	"github.com/sebas/streambridge/internal/logger"
)

// Plugin identity reported to the host.
const (
	APIVersion  = 1
	Version     = 1
	VersionName = "0.0.1"
	Name        = "Stream bridge plugin"
	Description = "Exposes WebRTC peer media as dynamic RTSP mountpoints"
	PackageName = "bridge.plugin.stream"
)

// Error codes carried by error events.
const (
	ErrNoMessage      = 411
	ErrInvalidJSON    = 412
	ErrInvalidElement = 413
	ErrInvalidURLID   = 414
)

// Callbacks is implemented by the host gateway. Buffers handed to the
// relay methods are only valid for the duration of the call.
type Callbacks interface {
	RelayRTP(h *Handle, video bool, buf []byte)
	RelayRTCP(h *Handle, video bool, buf []byte)
	PushEvent(h *Handle, transaction string, event, jsep []byte) error
}

// Handle identifies one gateway session towards the plugin.
type Handle struct {
	id string
}

// ID returns the handle's identifier, useful for logging.
func (h *Handle) ID() string { return h.id }

// ResultType tells the host how to treat a HandleMessage result.
type ResultType int

const (
	// ResultOKWait acknowledges the message; the answer arrives later
	// as an asynchronous event.
	ResultOKWait ResultType = iota
	ResultError
)

// Result is the synchronous outcome of HandleMessage.
type Result struct {
	Type ResultType
	Text string
}

type pluginMessage struct {
	h           *Handle
	transaction string
	message     json.RawMessage
	jsep        json.RawMessage
}

const (
	messageQueueSize  = 256
	watchdogInterval  = 500 * time.Millisecond
	watchdogRetention = 5 * time.Second
)

// Plugin bridges gateway sessions to RTSP mountpoints.
type Plugin struct {
	cfg *config.Config
	cb  Callbacks

	pool    *portpool.Pool
	factory *sockets.Factory
	reg     *registry.Client
	runtime *rtsp.Runtime

	mu       sync.Mutex
	sessions map[*Handle]*session.Session
	retired  []*session.Session

	messages chan *pluginMessage
	quit     chan struct{}
	wg       sync.WaitGroup

	pid         string
	initialized atomic.Bool
	stopping    atomic.Bool
}

// New creates a plugin. Init must be called before any other method.
func New(cfg *config.Config, cb Callbacks) *Plugin {
	return &Plugin{
		cfg: cfg,
		cb:  cb,
	}
}

// Init brings the plugin up: port pool, RTSP server, message handler,
// keepalive and watchdog goroutines.
func (p *Plugin) Init() error {
	if p.cfg == nil || p.cb == nil {
		return errors.New("plugin needs a config and callbacks")
	}
	if p.initialized.Load() {
		return errors.New("plugin already initialized")
	}

	p.pool = portpool.New(p.cfg.UDPPortMin, p.cfg.UDPPortMax)
	p.factory = sockets.NewFactory(p.pool)
	p.reg = registry.NewClient()
	p.sessions = make(map[*Handle]*session.Session)
	p.messages = make(chan *pluginMessage, messageQueueSize)
	p.quit = make(chan struct{})
	p.pid = uuid.NewString()

	p.runtime = rtsp.NewRuntime(p.cfg.RTSPPort)
	if err := p.runtime.Start(); err != nil {
		return fmt.Errorf("init plugin: %w", err)
	}

	p.wg.Add(3)
	go p.handlerLoop()
	go p.keepaliveLoop()
	go p.watchdogLoop()

	p.initialized.Store(true)
	logger.Info("[Plugin] initialized", "pid", p.pid,
		"ports", fmt.Sprintf("%d-%d", p.cfg.UDPPortMin, p.cfg.UDPPortMax))
	return nil
}

// Destroy shuts the plugin down: the message handler drains, live sessions
// are torn down, the RTSP server stops and the keepalive pid is removed.
func (p *Plugin) Destroy() {
	if !p.initialized.Load() || p.stopping.Swap(true) {
		return
	}

	close(p.quit)
	p.wg.Wait()

	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[*Handle]*session.Session)
	p.retired = nil
	p.mu.Unlock()

	for h, s := range sessions {
		p.teardownSession(h, s)
	}

	p.runtime.Stop()

	if p.cfg.KeepaliveURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.reg.Delete(ctx, p.cfg.KeepaliveURL+"/"+p.pid); err != nil {
			logger.Warn("[Plugin] keepalive removal failed", "error", err.Error())
		}
		cancel()
	}

	p.initialized.Store(false)
	logger.Info("[Plugin] destroyed")
}

// CreateSession attaches a new gateway session and returns its handle.
func (p *Plugin) CreateSession() (*Handle, error) {
	if !p.initialized.Load() || p.stopping.Load() {
		return nil, errors.New("plugin is not running")
	}

	h := &Handle{id: uuid.NewString()}
	s := session.New()

	p.mu.Lock()
	p.sessions[h] = s
	p.mu.Unlock()

	logger.Info("[Plugin] session created", "handle", h.id)
	return h, nil
}

// DestroySession tears down the session behind a handle. The session
// state lingers on a retired list until the watchdog frees it, so late
// media callbacks see a destroyed session instead of a missing one.
func (p *Plugin) DestroySession(h *Handle) error {
	if !p.initialized.Load() {
		return errors.New("plugin is not running")
	}

	p.mu.Lock()
	s := p.sessions[h]
	if s == nil {
		p.mu.Unlock()
		return errors.New("no session for handle")
	}
	delete(p.sessions, h)
	p.retired = append(p.retired, s)
	p.mu.Unlock()

	p.teardownSession(h, s)

	logger.Info("[Plugin] session destroyed", "handle", h.id)
	return nil
}

// QuerySession returns a JSON snapshot of the session state.
func (p *Plugin) QuerySession(h *Handle) ([]byte, error) {
	s := p.session(h)
	if s == nil {
		return nil, errors.New("no session for handle")
	}

	videoCodec, audioCodec := s.Codecs()
	info := map[string]any{
		"id":             s.ID(),
		"url":            s.RTSPURL(),
		"registry_id":    s.RegistryID(),
		"video_codec":    videoCodec.String(),
		"audio_codec":    audioCodec.String(),
		"audio_active":   s.AudioActive(),
		"video_active":   s.VideoActive(),
		"bitrate":        s.Bitrate(),
		"slowlink_count": s.SlowlinkCount(),
		"hangingup":      s.HangingUp(),
		"destroyed":      s.DestroyedAt(),
	}
	return json.Marshal(info)
}

// HandleMessage queues a signalling message for asynchronous processing.
func (p *Plugin) HandleMessage(h *Handle, transaction string, message, jsep json.RawMessage) Result {
	if !p.initialized.Load() || p.stopping.Load() {
		return Result{Type: ResultError, Text: "plugin is not running"}
	}
	if p.session(h) == nil {
		return Result{Type: ResultError, Text: "no session for handle"}
	}

	msg := &pluginMessage{h: h, transaction: transaction, message: message, jsep: jsep}
	select {
	case p.messages <- msg:
		return Result{Type: ResultOKWait, Text: "processing"}
	case <-p.quit:
		return Result{Type: ResultError, Text: "plugin is shutting down"}
	}
}

// session resolves a handle to its live session, nil when unknown.
func (p *Plugin) session(h *Handle) *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[h]
}

// teardownSession releases everything a session holds: registry entry,
// mountpoint (closing attached RTSP clients), pipeline and sockets.
func (p *Plugin) teardownSession(h *Handle, s *session.Session) {
	if !s.Alive() {
		return
	}
	s.MarkDestroyed(time.Now().UnixNano())

	if regID := s.RegistryID(); regID != "" && p.cfg.StatusServiceURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.reg.Delete(ctx, p.cfg.StatusServiceURL+"/"+regID); err != nil {
			logger.Warn("[Plugin] registry removal failed", "handle", h.id, "error", err.Error())
		}
		cancel()
	}

	if ctx := s.RTSPContext(); ctx != nil {
		done := make(chan struct{})
		if p.runtime.Submit(func() {
			p.runtime.RemoveMount(ctx.URLID)
			close(done)
		}) {
			<-done
		} else {
			p.runtime.RemoveMount(ctx.URLID)
		}
	} else if r := s.Runner(); r != nil {
		r.Stop()
	}

	s.CloseSockets(p.factory)
}

// watchdogLoop frees retired sessions a few seconds after destruction.
func (p *Plugin) watchdogLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			p.mu.Lock()
			kept := p.retired[:0]
			freed := 0
			for _, s := range p.retired {
				if now-s.DestroyedAt() >= int64(watchdogRetention) {
					freed++
					continue
				}
				kept = append(kept, s)
			}
			p.retired = kept
			p.mu.Unlock()
			if freed > 0 {
				logger.Debug("[Watchdog] freed sessions", "count", freed)
			}
		}
	}
}
