// Package transport owns one TCP socket per connection: a receive loop that
// decodes client commands and a send loop draining an outbound queue. Either
// loop failing tears the whole connection down.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

// ErrConnClosed is returned by Run when the connection was shut down locally.
var ErrConnClosed = errors.New("connection closed")

// Handler consumes decoded client commands. Ping is answered inside the
// receive loop and never reaches the handler.
type Handler func(cmd protocol.ClientCommand)

// Conn is a framed duplex connection.
type Conn struct {
	nc     net.Conn
	fr     *protocol.FrameReader
	bw     *bufio.Writer
	logger *slog.Logger
	clock  clock.Clock

	queue        *sendQueue
	lastReceived atomic.Int64 // unix nanos

	closeOnce sync.Once
}

// New wraps an accepted socket. TCP_NODELAY is enabled so small frames are
// not held back by Nagle's algorithm.
func New(nc net.Conn, logger *slog.Logger, clk clock.Clock) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	br := bufio.NewReader(nc)
	c := &Conn{
		nc:     nc,
		fr:     protocol.NewFrameReader(br),
		bw:     bufio.NewWriter(nc),
		logger: logger,
		clock:  clk,
		queue:  newSendQueue(),
	}
	c.lastReceived.Store(clk.Now().UnixNano())
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Handshake exchanges protocol version bytes. Both sides send without
// waiting for the peer, so we write first and then read.
func (c *Conn) Handshake() (byte, error) {
	if err := c.bw.WriteByte(protocol.ProtocolVersion); err != nil {
		return 0, fmt.Errorf("send version: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return 0, fmt.Errorf("send version: %w", err)
	}
	var peer [1]byte
	if _, err := c.nc.Read(peer[:]); err != nil {
		return 0, fmt.Errorf("receive version: %w", err)
	}
	return peer[0], nil
}

// LastReceived returns when the last complete frame arrived from the peer
// (or when the connection was wrapped, before any frame).
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastReceived.Load())
}

// Enqueue appends a command to the outbound queue. The queue is unbounded:
// the server must be able to publish state changes without losing them to a
// transiently slow consumer. Enqueue on a closed connection is a no-op.
func (c *Conn) Enqueue(cmd protocol.ServerCommand) {
	c.queue.push(cmd)
}

// Close tears down the socket and outbound queue. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.queue.close()
		_ = c.nc.Close()
	})
}

// Run drives the receive and send loops until the context is cancelled or
// the socket fails. Either loop terminating cancels the other.
func (c *Conn) Run(ctx context.Context, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	g.Go(func() error {
		return c.recvLoop(handle)
	})
	g.Go(func() error {
		return c.sendLoop()
	})
	return g.Wait()
}

func (c *Conn) recvLoop(handle Handler) error {
	for {
		payload, err := c.fr.Next()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.lastReceived.Store(c.clock.Now().UnixNano())

		cmd, err := protocol.DecodeClientCommand(protocol.NewReader(payload))
		if err != nil {
			// Decode errors are frame-local: skip the frame, keep the
			// connection.
			c.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if _, ok := cmd.(protocol.ClientPing); ok {
			c.Enqueue(protocol.ServerPong{})
			continue
		}

		c.dispatch(handle, cmd)
	}
}

// dispatch isolates handler panics so one bad frame cannot kill the
// connection.
func (c *Conn) dispatch(handle Handler, cmd protocol.ClientCommand) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("command handler panicked", slog.Any("panic", r))
		}
	}()
	handle(cmd)
}

func (c *Conn) sendLoop() error {
	w := protocol.NewWriter()
	for {
		cmd, ok := c.queue.pop()
		if !ok {
			return ErrConnClosed
		}
		w.Reset()
		if err := protocol.EncodeServerCommand(w, cmd); err != nil {
			c.logger.Error("encode server command", slog.String("error", err.Error()))
			continue
		}
		if err := protocol.WriteFrame(c.bw, w.Bytes()); err != nil {
			return err
		}
		if err := c.bw.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
}
