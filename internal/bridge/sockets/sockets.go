// Package sockets provides the loopback UDP glue between the gateway-facing
// media callbacks and the pipeline: server sockets bound on 127.0.0.1 with an
// optional read-callback goroutine, and client sockets connected to them.
package sockets

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sebas/streambridge/internal/bridge/portpool"
	"github.com/sebas/streambridge/internal/logger"
)

const readBufferSize = 2048

var loopback = net.IPv4(127, 0, 0, 1)

// ReadFunc handles a datagram received on a server socket. The buffer is
// only valid for the duration of the call. Returning false detaches the
// callback and stops the read loop.
type ReadFunc func(buf []byte) bool

// Socket is a pooled loopback UDP socket. Server sockets are bound to a
// pool port; client sockets are bound to a pool port and connected to a
// server socket's port.
type Socket struct {
	Port     int
	PeerPort int // 0 for server sockets
	Conn     *net.UDPConn

	readStop  chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// IsClient reports whether the socket is connected to a peer port.
func (s *Socket) IsClient() bool {
	return s.PeerPort != 0
}

// Factory opens and closes pooled loopback sockets.
type Factory struct {
	pool *portpool.Pool
}

// NewFactory creates a factory drawing ports from the given pool.
func NewFactory(pool *portpool.Pool) *Factory {
	return &Factory{pool: pool}
}

// OpenServer binds a UDP socket on 127.0.0.1 using a pool port. Ports that
// fail to bind (taken by another process) are released and another one is
// tried until the pool runs out.
func (f *Factory) OpenServer() (*Socket, error) {
	minPort, maxPort := f.pool.Range()
	attempts := maxPort - minPort + 1

	for i := 0; i < attempts; i++ {
		port, err := f.pool.Acquire(0)
		if err != nil {
			return nil, fmt.Errorf("open server socket: %w", err)
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback, Port: port})
		if err != nil {
			logger.Warn("[Sockets] bind failed, trying another port", "port", port, "error", err.Error())
			f.pool.Release(port)
			continue
		}

		return &Socket{Port: port, Conn: conn}, nil
	}

	return nil, fmt.Errorf("open server socket: %w", portpool.ErrExhausted)
}

// OpenClient binds a UDP socket on a pool port and connects it to
// 127.0.0.1:peerPort.
func (f *Factory) OpenClient(peerPort int) (*Socket, error) {
	minPort, maxPort := f.pool.Range()
	attempts := maxPort - minPort + 1

	for i := 0; i < attempts; i++ {
		port, err := f.pool.Acquire(0)
		if err != nil {
			return nil, fmt.Errorf("open client socket: %w", err)
		}

		conn, err := net.DialUDP("udp",
			&net.UDPAddr{IP: loopback, Port: port},
			&net.UDPAddr{IP: loopback, Port: peerPort})
		if err != nil {
			logger.Warn("[Sockets] bind failed, trying another port", "port", port, "error", err.Error())
			f.pool.Release(port)
			continue
		}

		return &Socket{Port: port, PeerPort: peerPort, Conn: conn}, nil
	}

	return nil, fmt.Errorf("open client socket: %w", portpool.ErrExhausted)
}

// AttachRead starts a goroutine delivering every received datagram to fn.
// Only one callback may be attached at a time.
func (f *Factory) AttachRead(s *Socket, fn ReadFunc) {
	if s == nil || s.readStop != nil {
		return
	}
	s.readStop = make(chan struct{})
	s.readDone = make(chan struct{})

	go func() {
		defer close(s.readDone)
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.Conn.Read(buf)
			if err != nil {
				select {
				case <-s.readStop:
					return
				default:
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					_ = s.Conn.SetReadDeadline(time.Time{})
					continue
				}
				return
			}
			if !fn(buf[:n]) {
				return
			}
		}
	}()
}

// DetachRead stops the read-callback goroutine and waits for it to exit.
func (f *Factory) DetachRead(s *Socket) {
	if s == nil || s.readStop == nil {
		return
	}
	close(s.readStop)
	_ = s.Conn.SetReadDeadline(time.Now())
	<-s.readDone
	_ = s.Conn.SetReadDeadline(time.Time{})
	s.readStop = nil
	s.readDone = nil
}

// Close detaches any read callback, closes the socket and returns its port
// to the pool. Safe to call more than once.
func (f *Factory) Close(s *Socket) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		f.DetachRead(s)
		_ = s.Conn.Close()
		f.pool.Release(s.Port)
	})
}
