package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Uptime  string `json:"uptime"`
}

// HTTPServer serves POST /v1/generate (JSON, or server-sent events when the
// request asks to stream) and GET /health.
type HTTPServer struct {
	Address        string
	Port           string
	httpServer     *http.Server
	ln             net.Listener
	messageChannel chan Message
	mu             sync.RWMutex
	shutdown       chan struct{}
	stopped        bool
	startTime      time.Time
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(address, port string) *HTTPServer {
	return &HTTPServer{
		Address:        address,
		Port:           port,
		messageChannel: make(chan Message, 100),
		shutdown:       make(chan struct{}),
		startTime:      time.Now(),
	}
}

// Handler returns the request multiplexer. backend is reported by /health.
func (s *HTTPServer) Handler(backend string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Backend: backend,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		})
	})

	mux.HandleFunc("POST /v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, Frame{Type: FrameError, Error: "invalid JSON: " + err.Error(), Kind: "bad_request"})
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		if req.Stream {
			s.handleStreaming(w, r, req)
		} else {
			s.handleNonStreaming(w, r, req)
		}
	})

	return mux
}

// Start listens and serves in the background.
func (s *HTTPServer) Start(backend string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.httpServer = &http.Server{Handler: s.Handler(backend), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		log.Printf("server: http listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: http: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *HTTPServer) handleNonStreaming(w http.ResponseWriter, r *http.Request, req Request) {
	replyCh := make(chan Frame, 1)
	msg := Message{
		Request: req,
		ctx:     r.Context(),
		reply: func(f Frame) error {
			if f.Type == FrameToken {
				return nil
			}
			select {
			case replyCh <- f:
				return nil
			case <-r.Context().Done():
				return errConnClosed
			}
		},
	}

	select {
	case s.messageChannel <- msg:
	case <-s.shutdown:
		writeJSON(w, http.StatusServiceUnavailable, Frame{Type: FrameError, ID: req.ID, Error: "server shutting down"})
		return
	}

	select {
	case f := <-replyCh:
		status := http.StatusOK
		if f.Type == FrameError {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, f)
	case <-r.Context().Done():
	case <-s.shutdown:
		writeJSON(w, http.StatusServiceUnavailable, Frame{Type: FrameError, ID: req.ID, Error: "server shutting down"})
	}
}

func (s *HTTPServer) handleStreaming(w http.ResponseWriter, r *http.Request, req Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, Frame{Type: FrameError, ID: req.ID, Error: "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	frames := make(chan Frame, 100)
	msg := Message{
		Request: req,
		ctx:     r.Context(),
		reply: func(f Frame) error {
			select {
			case frames <- f:
				return nil
			case <-r.Context().Done():
				return r.Context().Err()
			}
		},
	}

	send := func(f Frame) {
		data, _ := json.Marshal(f)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	select {
	case s.messageChannel <- msg:
	case <-s.shutdown:
		send(Frame{Type: FrameError, ID: req.ID, Error: "server shutting down"})
		return
	}

	for {
		select {
		case f := <-frames:
			send(f)
			if f.Type == FrameDone || f.Type == FrameError {
				return
			}
		case <-r.Context().Done():
			return
		case <-s.shutdown:
			send(Frame{Type: FrameError, ID: req.ID, Error: "server shutting down"})
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("server: http shutdown: %w", err)
		}
		log.Printf("server: http on %s stopped", s.ln.Addr())
	}
	return nil
}

// Receive retrieves the next message.
func (s *HTTPServer) Receive() (Message, error) {
	select {
	case msg := <-s.messageChannel:
		return msg, nil
	case <-s.shutdown:
		return Message{}, fmt.Errorf("server: shutting down")
	}
}
