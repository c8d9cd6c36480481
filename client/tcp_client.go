// Package client talks to the Lumen TCP server.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"Lumen/server"
)

// RemoteError is a failure reported by the server.
type RemoteError struct {
	ID      string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
}

// Result is the final outcome of a request.
type Result struct {
	ID     string
	Text   string
	Finish string
	Stats  *server.Stats
}

// TCPClient holds one connection. Requests on it run one at a time.
type TCPClient struct {
	Address string
	Port    string
	Timeout time.Duration

	conn   net.Conn
	reader *bufio.Reader
	enc    *json.Encoder
}

func NewTCPClient(address, port string) *TCPClient {
	return &TCPClient{
		Address: address,
		Port:    port,
		Timeout: 5 * time.Second,
	}
}

func (c *TCPClient) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.Address, c.Port), c.Timeout)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.enc = json.NewEncoder(conn)
	log.Printf("client: connected to %s", conn.RemoteAddr())
	return nil
}

func (c *TCPClient) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send writes a request and returns its id. An empty id is filled in.
func (c *TCPClient) Send(req server.Request) (string, error) {
	if c.conn == nil {
		return "", net.ErrClosed
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := c.enc.Encode(req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// ReceiveFrame reads the next frame from the server.
func (c *TCPClient) ReceiveFrame() (server.Frame, error) {
	if c.conn == nil {
		return server.Frame{}, net.ErrClosed
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return server.Frame{}, err
	}
	var f server.Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return server.Frame{}, fmt.Errorf("client: bad frame: %w", err)
	}
	return f, nil
}

// Generate sends req and waits for its result. onToken, if set, receives
// streamed pieces.
func (c *TCPClient) Generate(req server.Request, onToken func(string)) (Result, error) {
	id, err := c.Send(req)
	if err != nil {
		return Result{}, err
	}

	for {
		f, err := c.ReceiveFrame()
		if err != nil {
			return Result{}, err
		}
		if f.ID != id && f.ID != "" {
			return Result{}, fmt.Errorf("client: frame for request %s while waiting for %s", f.ID, id)
		}
		switch f.Type {
		case server.FrameAck:
		case server.FrameToken:
			if onToken != nil {
				onToken(f.Token)
			}
		case server.FrameDone:
			return Result{ID: id, Text: f.Text, Finish: f.Finish, Stats: f.Stats}, nil
		case server.FrameError:
			return Result{}, &RemoteError{ID: f.ID, Kind: f.Kind, Message: f.Error}
		default:
			return Result{}, errors.New("client: unknown frame type " + f.Type)
		}
	}
}
