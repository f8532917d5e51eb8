package handler

import (
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/mezonai/blockswarm/logx"
)

// Conn is one client stream.
type Conn interface {
	io.ReadWriteCloser
	RemotePeer() string
	SetDeadline(t time.Time) error
}

type streamConn struct {
	network.Stream
}

func (s streamConn) RemotePeer() string {
	return s.Conn().RemotePeer().String()
}

// Listener turns incoming libp2p streams into Conns for the handlers.
type Listener struct {
	host    host.Host
	conns   chan Conn
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
}

// Listen registers the block protocol on h. A stream no handler picks up
// within acceptTimeout is reset.
func Listen(h host.Host, acceptTimeout time.Duration) *Listener {
	l := &Listener{
		host:    h,
		conns:   make(chan Conn),
		closed:  make(chan struct{}),
		timeout: acceptTimeout,
	}
	h.SetStreamHandler(protocol.ID(ProtocolID), l.handleStream)
	return l
}

func (l *Listener) Conns() <-chan Conn {
	return l.conns
}

func (l *Listener) handleStream(s network.Stream) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.conns <- streamConn{s}:
	case <-timer.C:
		logx.Warn("HANDLER", "No handler free for stream from", s.Conn().RemotePeer().String())
		_ = s.Reset()
	case <-l.closed:
		_ = s.Reset()
	}
}

// Close unregisters the protocol. Streams arriving afterwards are refused
// by the host.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.host.RemoveStreamHandler(protocol.ID(ProtocolID))
		close(l.closed)
	})
}
