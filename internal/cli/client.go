// Package cli implements rhythmctl, a debugging client that speaks the wire
// protocol. It doubles as the protocol's second implementation in the
// server's end-to-end tests.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mcoot/rhythmsync/internal/protocol"
)

// Client is a minimal protocol client over one TCP connection.
type Client struct {
	conn net.Conn
	fr   *protocol.FrameReader
	bw   *bufio.Writer

	// ServerVersion is the protocol version byte the server announced.
	ServerVersion byte
}

// Dial connects to the server and performs the version handshake.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{
		conn: conn,
		fr:   protocol.NewFrameReader(bufio.NewReader(conn)),
		bw:   bufio.NewWriter(conn),
	}
	if err := c.bw.WriteByte(protocol.ProtocolVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send version: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send version: %w", err)
	}
	var v [1]byte
	if _, err := conn.Read(v[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receive version: %w", err)
	}
	c.ServerVersion = v[0]
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send encodes and writes one client command.
func (c *Client) Send(cmd protocol.ClientCommand) error {
	w := protocol.NewWriter()
	if err := protocol.EncodeClientCommand(w, cmd); err != nil {
		return err
	}
	if err := protocol.WriteFrame(c.bw, w.Bytes()); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv reads one server command, waiting up to the given timeout.
func (c *Client) Recv(timeout time.Duration) (protocol.ServerCommand, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	payload, err := c.fr.Next()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeServerCommand(protocol.NewReader(payload))
}

// RecvUntil reads commands until match returns true for one, returning that
// command. Non-matching commands are discarded.
func (c *Client) RecvUntil(timeout time.Duration, match func(protocol.ServerCommand) bool) (protocol.ServerCommand, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New("timed out waiting for command")
		}
		cmd, err := c.Recv(remaining)
		if err != nil {
			return nil, err
		}
		if match(cmd) {
			return cmd, nil
		}
	}
}

// Authenticate sends the token and waits for the response.
func (c *Client) Authenticate(token string) (protocol.ServerAuthenticateResponse, error) {
	if err := c.Send(protocol.ClientAuthenticate{Token: token}); err != nil {
		return protocol.ServerAuthenticateResponse{}, err
	}
	cmd, err := c.RecvUntil(5*time.Second, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerAuthenticateResponse)
		return ok
	})
	if err != nil {
		return protocol.ServerAuthenticateResponse{}, err
	}
	resp := cmd.(protocol.ServerAuthenticateResponse)
	if !resp.OK() {
		return resp, fmt.Errorf("authenticate: %s", resp.Err)
	}
	return resp, nil
}
