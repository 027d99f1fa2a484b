// Package rtsp runs the embedded RTSP server and its dynamic mountpoint
// table. A single goroutine owns the table mutations submitted by the
// plugin; gortsplib handler callbacks synchronize on the runtime mutex.
package rtsp

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"github.com/sebas/streambridge/internal/bridge/pipeline"
	"github.com/sebas/streambridge/internal/logger"
)

// Context tracks the RTSP client sessions attached to one mountpoint, so
// removal can tear them down server-side.
type Context struct {
	URLID string

	mu      sync.Mutex
	clients []*gortsplib.ServerSession
}

// NewContext creates a client-tracking context for a mountpoint.
func NewContext(urlID string) *Context {
	return &Context{URLID: urlID}
}

func (c *Context) addClient(ss *gortsplib.ServerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.clients {
		if cur == ss {
			return
		}
	}
	c.clients = append(c.clients, ss)
}

func (c *Context) removeClient(ss *gortsplib.ServerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.clients {
		if cur == ss {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			return
		}
	}
}

func (c *Context) takeClients() []*gortsplib.ServerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.clients
	c.clients = nil
	return out
}

// Clients returns the number of attached client sessions.
func (c *Context) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

type mount struct {
	id     string
	runner *pipeline.Runner
	stream *gortsplib.ServerStream
	ctx    *Context
	inputs pipeline.InputSockets
	sdp    []byte

	prepared   bool
	prepareErr error
}

// ensurePrepared starts the mount's pipeline on first client interest.
// Called with the runtime mutex held.
func (m *mount) ensurePrepared() error {
	if !m.prepared {
		m.prepared = true
		m.prepareErr = m.runner.Prepare(m.stream, m.inputs)
	}
	return m.prepareErr
}

// Runtime is the RTSP server plus its mountpoint table.
type Runtime struct {
	port int

	srv      *gortsplib.Server
	mu       sync.Mutex
	mounts   map[string]*mount
	cmds     chan func()
	quit     chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewRuntime creates a runtime listening on the given TCP port.
func NewRuntime(port int) *Runtime {
	return &Runtime{
		port:   port,
		mounts: make(map[string]*mount),
		cmds:   make(chan func(), 64),
		quit:   make(chan struct{}),
	}
}

// Start brings the RTSP server up and starts the command loop.
func (r *Runtime) Start() error {
	r.srv = &gortsplib.Server{
		Handler:     r,
		RTSPAddress: fmt.Sprintf(":%d", r.port),
	}
	if err := r.srv.Start(); err != nil {
		return fmt.Errorf("start rtsp server: %w", err)
	}

	r.wg.Add(1)
	go r.run()

	logger.Info("[RTSP] server listening", "port", r.port)
	return nil
}

func (r *Runtime) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.quit:
			return
		}
	}
}

// Submit queues fn on the runtime goroutine. Returns false once the
// runtime is stopping; fn is then dropped.
func (r *Runtime) Submit(fn func()) bool {
	if r.stopping.Load() {
		return false
	}
	select {
	case r.cmds <- fn:
		return true
	case <-r.quit:
		return false
	}
}

// Stop drains the command loop, tears down every mountpoint and shuts
// the server down. Idempotent.
func (r *Runtime) Stop() {
	if r.stopping.Swap(true) {
		return
	}
	close(r.quit)
	r.wg.Wait()

	// the loop exits on quit with commands possibly still queued; a
	// Submit that already returned true must not be dropped
	for drained := false; !drained; {
		select {
		case fn := <-r.cmds:
			fn()
		default:
			drained = true
		}
	}

	r.mu.Lock()
	mounts := r.mounts
	r.mounts = make(map[string]*mount)
	r.mu.Unlock()

	for _, m := range mounts {
		r.closeMount(m)
	}
	r.srv.Close()
	logger.Info("[RTSP] server stopped")
}

// AddMount publishes a mountpoint for the given pipeline. The pipeline is
// not started here; it is prepared on the first DESCRIBE or SETUP.
func (r *Runtime) AddMount(id string, runner *pipeline.Runner, ctx *Context, inputs pipeline.InputSockets) error {
	stream := &gortsplib.ServerStream{
		Server: r.srv,
		Desc:   runner.Spec().Description(),
	}
	if err := stream.Initialize(); err != nil {
		return fmt.Errorf("initialize stream: %w", err)
	}

	sdpBytes, err := describeSDP(runner.Spec())
	if err != nil {
		stream.Close()
		return fmt.Errorf("build mount sdp: %w", err)
	}

	m := &mount{
		id:     id,
		runner: runner,
		stream: stream,
		ctx:    ctx,
		inputs: inputs,
		sdp:    sdpBytes,
	}

	r.mu.Lock()
	if _, ok := r.mounts[id]; ok {
		r.mu.Unlock()
		stream.Close()
		return fmt.Errorf("mountpoint %q already exists", id)
	}
	r.mounts[id] = m
	r.mu.Unlock()

	logger.Info("[RTSP] mountpoint added", "id", id, "spec", runner.Spec().String())
	return nil
}

// RemoveMount unpublishes a mountpoint: attached clients are closed
// (server-side teardown), the pipeline stopped, the stream released.
func (r *Runtime) RemoveMount(id string) {
	r.mu.Lock()
	m := r.mounts[id]
	delete(r.mounts, id)
	r.mu.Unlock()

	if m == nil {
		return
	}
	r.closeMount(m)
	logger.Info("[RTSP] mountpoint removed", "id", id)
}

func (r *Runtime) closeMount(m *mount) {
	for _, ss := range m.ctx.takeClients() {
		ss.Close()
	}
	m.runner.Stop()
	m.stream.Close()
}

// HasMount reports whether a mountpoint with the given id is published.
func (r *Runtime) HasMount(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mounts[id]
	return ok
}

// URL returns the client-facing RTSP URL of a mountpoint.
func (r *Runtime) URL(host, id string) string {
	return fmt.Sprintf("rtsp://%s:%d/%s", host, r.port, id)
}

func mountID(path string) string {
	return strings.TrimPrefix(path, "/")
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (r *Runtime) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	logger.Debug("[RTSP] connection opened", "addr", ctx.Conn.NetConn().RemoteAddr().String())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (r *Runtime) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	logger.Debug("[RTSP] connection closed", "addr", ctx.Conn.NetConn().RemoteAddr().String())
}

// OnSessionOpen implements gortsplib.ServerHandlerOnSessionOpen.
func (r *Runtime) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	logger.Debug("[RTSP] session opened")
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose.
func (r *Runtime) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	r.mu.Lock()
	for _, m := range r.mounts {
		m.ctx.removeClient(ctx.Session)
	}
	r.mu.Unlock()
	logger.Debug("[RTSP] session closed")
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe. The response
// carries the mount's custom SDP; the stream itself is bound at SETUP.
func (r *Runtime) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	id := mountID(ctx.Path)

	r.mu.Lock()
	m := r.mounts[id]
	var err error
	if m != nil {
		err = m.ensurePrepared()
	}
	r.mu.Unlock()

	if m == nil {
		logger.Debug("[RTSP] describe for unknown mountpoint", "id", id)
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	if err != nil {
		logger.Error("[RTSP] pipeline start failed", "id", id, "error", err.Error())
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, nil
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Body:       m.sdp,
	}, nil, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup.
func (r *Runtime) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	id := mountID(ctx.Path)

	r.mu.Lock()
	m := r.mounts[id]
	var err error
	if m != nil {
		err = m.ensurePrepared()
	}
	r.mu.Unlock()

	if m == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, nil
	}

	m.ctx.addClient(ctx.Session)
	return &base.Response{StatusCode: base.StatusOK}, m.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay.
func (r *Runtime) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	id := mountID(ctx.Path)

	r.mu.Lock()
	m := r.mounts[id]
	r.mu.Unlock()

	if m != nil {
		m.runner.SetPlaying()
		logger.Debug("[RTSP] play", "id", id)
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnPause implements gortsplib.ServerHandlerOnPause. A paused session no
// longer counts as an attached client.
func (r *Runtime) OnPause(ctx *gortsplib.ServerHandlerOnPauseCtx) (*base.Response, error) {
	id := mountID(ctx.Path)

	r.mu.Lock()
	m := r.mounts[id]
	r.mu.Unlock()

	if m != nil {
		m.ctx.removeClient(ctx.Session)
		logger.Debug("[RTSP] pause", "id", id)
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}
