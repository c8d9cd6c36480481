package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// maxLineSize bounds one request line; base64 media makes them long.
const maxLineSize = 64 << 20

// TCPServer speaks a line-delimited JSON protocol. Each request line gets an
// ack frame, zero or more token frames and one done or error frame, all
// carrying the request id.
type TCPServer struct {
	Address        string
	Port           string
	ln             net.Listener
	messageChannel chan Message
	mu             sync.RWMutex
	shutdown       chan struct{}
	stopped        bool
}

// NewTCPServer creates a new TCP server instance.
func NewTCPServer(address, port string) *TCPServer {
	return &TCPServer{
		Address:        address,
		Port:           port,
		messageChannel: make(chan Message, 100),
		shutdown:       make(chan struct{}),
	}
}

// Start listens and accepts connections in the background.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("server: tcp listening on %s", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.shutdown:
				default:
					log.Printf("server: accept: %v", err)
				}
				return
			}
			go s.handleConnection(conn)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *TCPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// IsRunning reports whether the listener is open.
func (s *TCPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ln != nil && !s.stopped
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	log.Printf("server: connection from %s", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := bufio.NewReaderSize(conn, 64<<10)
	enc := json.NewEncoder(conn)

	for {
		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("server: read from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		req, err := parseRequest(line)
		if err != nil {
			if err := enc.Encode(Frame{Type: FrameError, Error: err.Error(), Kind: "bad_request"}); err != nil {
				break
			}
			continue
		}
		log.Printf("server: request %s: %s (images: %d, audio: %d)",
			req.ID, truncateLog(req.Prompt, 100), len(req.Images), len(req.Audio))

		if err := enc.Encode(Frame{Type: FrameAck, ID: req.ID}); err != nil {
			break
		}
		if !s.serveRequest(ctx, enc, req) {
			return
		}
	}
	log.Printf("server: connection from %s closed", conn.RemoteAddr())
}

// serveRequest hands the request to the consumer and relays its frames until
// the final one. It reports false when the connection should close.
func (s *TCPServer) serveRequest(ctx context.Context, enc *json.Encoder, req Request) bool {
	frames := make(chan Frame, 100)
	done := make(chan struct{})
	defer close(done)

	inbound := Message{
		Request: req,
		ctx:     ctx,
		reply: func(f Frame) error {
			select {
			case <-done:
				return errConnClosed
			case frames <- f:
				return nil
			}
		},
	}

	select {
	case s.messageChannel <- inbound:
	case <-s.shutdown:
		return false
	}

	for {
		select {
		case f := <-frames:
			if err := enc.Encode(f); err != nil {
				log.Printf("server: write %s frame: %v", f.Type, err)
				return false
			}
			if f.Type == FrameDone || f.Type == FrameError {
				return true
			}
		case <-s.shutdown:
			return false
		}
	}
}

// readLine reads one newline-terminated line of any length up to
// maxLineSize.
func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > maxLineSize {
			return "", fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

// parseRequest decodes a JSON request line. Plain text lines are accepted
// as streaming prompts, with an optional leading [IMG:a,b] block.
func parseRequest(line string) (Request, error) {
	var req Request
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return Request{}, fmt.Errorf("invalid request: %w", err)
		}
	} else {
		req.Prompt, req.Images = parseMessageWithImages(line)
		req.Stream = true
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req, nil
}

// Stop closes the listener and unblocks Receive.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.shutdown)

	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			return err
		}
		log.Printf("server: tcp on %s stopped", s.ln.Addr())
	}
	return nil
}

// Receive retrieves the next message.
func (s *TCPServer) Receive() (Message, error) {
	select {
	case msg := <-s.messageChannel:
		return msg, nil
	case <-s.shutdown:
		return Message{}, fmt.Errorf("server: shutting down")
	}
}

// parseMessageWithImages splits one or more leading [IMG:...] blocks from
// the prompt.
func parseMessageWithImages(raw string) (content string, images []string) {
	content = strings.TrimSpace(raw)
	for strings.HasPrefix(content, "[IMG:") {
		end := strings.Index(content, "]")
		if end <= 5 {
			break
		}
		for _, img := range strings.Split(content[5:end], ",") {
			if img = strings.TrimSpace(img); img != "" {
				images = append(images, img)
			}
		}
		content = strings.TrimSpace(content[end+1:])
	}
	return content, images
}

// truncateLog truncates a string for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
