package control

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/shelltender/shelltender/internal/models"
)

// Client is the operator side of the control protocol, used by the CLI.
type Client struct {
	transport io.ReadWriteCloser
	mux       *yamux.Session
}

// Dial connects to either a unix socket path or a ws:// / wss:// URL.
func Dial(target string) (*Client, error) {
	var transport io.ReadWriteCloser
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		conn, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			return nil, fmt.Errorf("dial control websocket: %w", err)
		}
		transport = NewWSConn(conn)
	} else {
		conn, err := net.Dial("unix", target)
		if err != nil {
			return nil, fmt.Errorf("dial control socket: %w", err)
		}
		transport = conn
	}

	mux, err := yamux.Client(transport, yamux.DefaultConfig())
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("control yamux client: %w", err)
	}
	return &Client{transport: transport, mux: mux}, nil
}

// Close tears down the multiplexed connection.
func (c *Client) Close() error {
	c.mux.Close()
	return c.transport.Close()
}

func (c *Client) roundTrip(req Request) (Response, error) {
	stream, err := c.mux.OpenStream()
	if err != nil {
		return Response{}, fmt.Errorf("open control stream: %w", err)
	}
	defer stream.Close()

	if err := writeJSONLine(stream, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := readJSONLine(bufio.NewReader(stream), &resp); err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("control: %s", resp.Error)
	}
	return resp, nil
}

// Ping checks liveness.
func (c *Client) Ping() error {
	_, err := c.roundTrip(Request{Command: cmdPing})
	return err
}

// List returns the live sessions.
func (c *Client) List() ([]models.Session, error) {
	resp, err := c.roundTrip(Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Kill terminates a session.
func (c *Client) Kill(sessionID string) error {
	_, err := c.roundTrip(Request{Command: cmdKill, SessionID: sessionID})
	return err
}

// Attach opens a raw attach stream: reads yield scrollback then live
// output, writes are forwarded to the PTY as admin input. The caller owns
// the returned stream and must Close it.
func (c *Client) Attach(sessionID string) (io.ReadWriteCloser, error) {
	stream, err := c.mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open attach stream: %w", err)
	}
	if err := writeJSONLine(stream, Request{Command: cmdAttach, SessionID: sessionID}); err != nil {
		stream.Close()
		return nil, err
	}

	br := bufio.NewReader(stream)
	var resp Response
	if err := readJSONLine(br, &resp); err != nil {
		stream.Close()
		return nil, err
	}
	if resp.Error != "" {
		stream.Close()
		return nil, fmt.Errorf("attach: %s", resp.Error)
	}
	return &attachStream{Reader: br, stream: stream}, nil
}

// attachStream keeps the buffered reader that may hold bytes read past the
// response line.
type attachStream struct {
	*bufio.Reader
	stream *yamux.Stream
}

func (a *attachStream) Write(p []byte) (int, error) { return a.stream.Write(p) }
func (a *attachStream) Close() error                { return a.stream.Close() }
