// Package server exposes generation over a line-delimited TCP protocol and
// over HTTP. Both transports decode requests into Messages on one channel;
// Serve drains it into a runtime generator.
package server

import (
	"context"
	"errors"
	"time"

	"Lumen/internal/runtime"
)

// Frame types written back to clients.
const (
	FrameAck   = "ack"
	FrameToken = "token"
	FrameDone  = "done"
	FrameError = "error"
)

// errConnClosed is returned by replies after the client went away.
var errConnClosed = errors.New("server: connection closed")

// Request is the wire form of a generation request.
type Request struct {
	ID      string   `json:"id,omitempty"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Audio   []string `json:"audio,omitempty"`
	Stream  bool     `json:"stream,omitempty"`
	Options Options  `json:"options,omitempty"`
}

// Options are per-request sampling overrides. Zero values keep the
// server's configured defaults.
type Options struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	MinP          float64  `json:"min_p,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	RepeatLastN   int      `json:"repeat_last_n,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	Grammar       string   `json:"grammar,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// Stats mirrors runtime.Stats on the wire.
type Stats struct {
	TokensEvaluated int     `json:"tokens_evaluated"`
	TokensGenerated int     `json:"tokens_generated"`
	TokensCached    int     `json:"tokens_cached"`
	MediaTokens     int     `json:"media_tokens,omitempty"`
	DurationMs      float64 `json:"duration_ms"`
	TTFTMs          float64 `json:"ttft_ms"`
	PromptTPS       float64 `json:"prompt_tps"`
	GenerationTPS   float64 `json:"generation_tps"`
}

// Frame is one line (TCP) or event (HTTP) sent to a client.
type Frame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Token  string `json:"token,omitempty"`
	Text   string `json:"text,omitempty"`
	Finish string `json:"finish,omitempty"`
	Stats  *Stats `json:"stats,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Generation converts wire options to runtime options.
func (o Options) Generation() runtime.GenerationOptions {
	return runtime.GenerationOptions{
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		TopK:          o.TopK,
		TopP:          o.TopP,
		MinP:          o.MinP,
		RepeatPenalty: o.RepeatPenalty,
		RepeatLastN:   o.RepeatLastN,
		Seed:          o.Seed,
		Grammar:       o.Grammar,
		Stop:          o.Stop,
	}
}

// WireStats converts runtime statistics for the wire.
func WireStats(s runtime.Stats) *Stats {
	return &Stats{
		TokensEvaluated: s.TokensEvaluated,
		TokensGenerated: s.TokensGenerated,
		TokensCached:    s.TokensCached,
		MediaTokens:     s.MediaTokens,
		DurationMs:      float64(s.Duration) / float64(time.Millisecond),
		TTFTMs:          float64(s.TTFT) / float64(time.Millisecond),
		PromptTPS:       s.PromptTPS,
		GenerationTPS:   s.GenerationTPS,
	}
}

// Message is one inbound request with facilities to respond.
type Message struct {
	Request

	// ctx ends when the client disconnects.
	ctx   context.Context
	reply func(Frame) error
}

// Context returns a context cancelled when the client goes away.
func (m Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// StreamToken sends a partial result.
func (m Message) StreamToken(token string) error {
	return m.reply(Frame{Type: FrameToken, ID: m.ID, Token: token})
}

// Respond sends the final result.
func (m Message) Respond(text, finish string, stats *Stats) error {
	return m.reply(Frame{Type: FrameDone, ID: m.ID, Text: text, Finish: finish, Stats: stats})
}

// RespondError sends a failure. kind is a stable error identifier, may be
// empty.
func (m Message) RespondError(err error, kind string) error {
	if err == nil {
		return nil
	}
	return m.reply(Frame{Type: FrameError, ID: m.ID, Error: err.Error(), Kind: kind})
}

// Receiver yields inbound messages until the transport stops.
type Receiver interface {
	Receive() (Message, error)
}
