package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"Lumen/internal/runtime"
)

var errFull = errors.New("context full")

// wordGenerator streams the prompt back word by word.
type wordGenerator struct {
	last runtime.Request
}

func (g *wordGenerator) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	g.last = req
	if req.Prompt == "fail" {
		return runtime.Response{}, errFull
	}
	return runtime.Response{Text: strings.ToUpper(req.Prompt), Finish: "stop", Stats: runtime.Stats{TokensGenerated: 1}}, nil
}

func (g *wordGenerator) Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	g.last = req
	if req.Prompt == "fail" {
		return errFull
	}
	words := strings.Fields(req.Prompt)
	for i, w := range words {
		if err := cb(runtime.StreamEvent{Token: w + " ", Index: i}); err != nil {
			return err
		}
	}
	return cb(runtime.StreamEvent{Final: true, Finish: "stop", Stats: &runtime.Stats{TokensGenerated: len(words)}})
}

func kindOf(err error) string {
	if errors.Is(err, errFull) {
		return "capacity_exceeded"
	}
	return ""
}

func startTCP(t *testing.T, gen Generator) *TCPServer {
	t.Helper()
	s := NewTCPServer("127.0.0.1", "0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, s, gen, kindOf)
	}()
	t.Cleanup(func() {
		cancel()
		_ = s.Stop()
		<-done
	})
	return s
}

func readFrames(t *testing.T, r *bufio.Reader, until string) []Frame {
	t.Helper()
	var frames []Frame
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, f)
		if f.Type == until || f.Type == FrameError {
			return frames
		}
	}
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

func TestTCPStreamingRequest(t *testing.T) {
	gen := &wordGenerator{}
	s := startTCP(t, gen)

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	req := Request{ID: "r1", Prompt: "hello small world", Stream: true, Options: Options{Seed: 3, Grammar: `root ::= "a"`}}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatal(err)
	}

	frames := readFrames(t, r, FrameDone)
	var types, tokens []string
	for _, f := range frames {
		types = append(types, f.Type)
		if f.ID != "r1" {
			t.Errorf("frame id = %q", f.ID)
		}
		tokens = append(tokens, f.Token)
	}
	if diff := cmp.Diff([]string{"ack", "token", "token", "token", "done"}, types); diff != "" {
		t.Errorf("frame types (-want +got):\n%s", diff)
	}
	final := frames[len(frames)-1]
	if final.Text != "hello small world " || final.Finish != "stop" || final.Stats.TokensGenerated != 3 {
		t.Errorf("final frame = %+v", final)
	}
	if gen.last.Options.Seed != 3 || gen.last.Options.Grammar == "" {
		t.Errorf("options not forwarded: %+v", gen.last.Options)
	}
}

func TestTCPPlainLinesAndErrors(t *testing.T) {
	gen := &wordGenerator{}
	s := startTCP(t, gen)

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("[IMG:a.png, b.png] describe\n"))
	frames := readFrames(t, r, FrameDone)
	if got := frames[len(frames)-1].Text; got != "describe " {
		t.Errorf("text = %q", got)
	}
	if diff := cmp.Diff([]string{"a.png", "b.png"}, gen.last.Image); diff != "" {
		t.Errorf("images (-want +got):\n%s", diff)
	}
	if frames[0].ID == "" {
		t.Error("plain request got no id")
	}

	conn.Write([]byte(`{"prompt":"fail"}` + "\n"))
	frames = readFrames(t, r, FrameDone)
	last := frames[len(frames)-1]
	if last.Type != FrameError || last.Kind != "capacity_exceeded" {
		t.Errorf("error frame = %+v", last)
	}

	conn.Write([]byte("{not json\n"))
	frames = readFrames(t, r, FrameDone)
	if frames[0].Type != FrameError || frames[0].Kind != "bad_request" {
		t.Errorf("bad request frame = %+v", frames[0])
	}

	// The connection stays usable.
	conn.Write([]byte(`{"prompt":"again"}` + "\n"))
	frames = readFrames(t, r, FrameDone)
	if got := frames[len(frames)-1].Text; got != "AGAIN" {
		t.Errorf("non-streaming text = %q", got)
	}
}

func TestParseMessageWithImages(t *testing.T) {
	tests := []struct {
		raw     string
		content string
		images  []string
	}{
		{"plain text", "plain text", nil},
		{"[IMG:x] hi", "hi", []string{"x"}},
		{"[IMG:x,y][IMG:z] hi", "hi", []string{"x", "y", "z"}},
		{"[IMG:] hi", "[IMG:] hi", nil},
	}
	for _, tt := range tests {
		content, images := parseMessageWithImages(tt.raw)
		if content != tt.content || !cmp.Equal(images, tt.images) {
			t.Errorf("parse(%q) = %q, %v", tt.raw, content, images)
		}
	}
}

func TestStopUnblocksReceive(t *testing.T) {
	s := NewTCPServer("127.0.0.1", "0")
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := s.Receive()
		errc <- err
	}()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err == nil {
		t.Error("Receive after Stop: no error")
	}
	if s.IsRunning() {
		t.Error("IsRunning after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func startHTTP(t *testing.T, gen Generator) *httptest.Server {
	t.Helper()
	s := NewHTTPServer("127.0.0.1", "0")
	ts := httptest.NewServer(s.Handler("test"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, s, gen, kindOf)
	}()
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = s.Stop()
		<-done
	})
	return ts
}

func TestHTTPHealth(t *testing.T) {
	ts := startHTTP(t, &wordGenerator{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Backend != "test" {
		t.Errorf("health = %+v", h)
	}
}

func TestHTTPGenerate(t *testing.T) {
	ts := startHTTP(t, &wordGenerator{})

	tests := []struct {
		body   string
		status int
		want   Frame
	}{
		{`{"id":"a","prompt":"hi"}`, http.StatusOK, Frame{Type: FrameDone, ID: "a", Text: "HI", Finish: "stop"}},
		{`{"id":"b","prompt":"fail"}`, http.StatusInternalServerError, Frame{Type: FrameError, ID: "b", Error: errFull.Error(), Kind: "capacity_exceeded"}},
	}
	for _, tt := range tests {
		resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		var f Frame
		err = json.NewDecoder(resp.Body).Decode(&f)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status %d, want %d", tt.body, resp.StatusCode, tt.status)
		}
		f.Stats = nil
		if diff := cmp.Diff(tt.want, f); diff != "" {
			t.Errorf("%s: frame (-want +got):\n%s", tt.body, diff)
		}
	}

	resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader("nope"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON: status %d", resp.StatusCode)
	}
}

func TestHTTPStreaming(t *testing.T) {
	ts := startHTTP(t, &wordGenerator{})
	resp, err := http.Post(ts.URL+"/v1/generate", "application/json",
		bytes.NewReader([]byte(`{"prompt":"one two","stream":true}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var tokens []string
	var final Frame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatal(err)
		}
		if f.Type == FrameToken {
			tokens = append(tokens, f.Token)
		} else {
			final = f
		}
	}
	if diff := cmp.Diff([]string{"one ", "two "}, tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if final.Type != FrameDone || final.Text != "one two " {
		t.Errorf("final = %+v", final)
	}
}
