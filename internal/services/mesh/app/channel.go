package app

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

var (
	errChannelClosed = errors.New("channel closed")
	errChannelFull   = errors.New("channel write queue full")
)

type outboundFrame struct {
	pkg  protocol.Package
	done func(error)
	// flush frames carry no package; they only mark a point in the queue.
	flush bool
}

// connChannel is the session.Channel of one client connection. Frames are
// written in order by a single writer goroutine; WriteAndFlush never blocks.
type connChannel struct {
	id     string
	remote net.Addr
	conn   io.Closer
	enc    *protocol.Encoder

	out       chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConnChannel(conn io.ReadWriteCloser, remote net.Addr, queue int) *connChannel {
	c := &connChannel{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		enc:    protocol.NewEncoder(conn),
		out:    make(chan outboundFrame, queue),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *connChannel) ID() string { return c.id }

func (c *connChannel) RemoteAddr() net.Addr { return c.remote }

func (c *connChannel) WriteAndFlush(pkg protocol.Package, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	select {
	case <-c.done:
		done(errChannelClosed)
		return
	default:
	}
	select {
	case c.out <- outboundFrame{pkg: pkg, done: done}:
	case <-c.done:
		done(errChannelClosed)
	default:
		done(errChannelFull)
	}
}

// Flush waits until every frame queued before the call is written, the
// channel closes or timeout passes.
func (c *connChannel) Flush(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	written := make(chan struct{})
	marker := outboundFrame{flush: true, done: func(error) { close(written) }}
	select {
	case c.out <- marker:
	case <-c.done:
		return
	case <-timer.C:
		return
	}
	select {
	case <-written:
	case <-c.done:
	case <-timer.C:
	}
}

// Closed is closed once the channel stops writing.
func (c *connChannel) Closed() <-chan struct{} { return c.done }

// Close stops the writer and closes the connection. Frames still queued fail
// with errChannelClosed.
func (c *connChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *connChannel) run() {
	for {
		select {
		case <-c.done:
			c.failQueued()
			return
		case frame := <-c.out:
			if frame.flush {
				frame.done(nil)
				continue
			}
			err := c.enc.Encode(frame.pkg)
			frame.done(err)
			if err != nil {
				_ = c.Close()
			}
		}
	}
}

func (c *connChannel) failQueued() {
	for {
		select {
		case frame := <-c.out:
			frame.done(errChannelClosed)
		default:
			return
		}
	}
}

// wsAddr is the remote address of a websocket client taken from its HTTP
// request.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
