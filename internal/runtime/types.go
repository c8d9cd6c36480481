package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrStreamingUnsupported is returned when an adapter cannot stream tokens.
var ErrStreamingUnsupported = errors.New("runtime: streaming not supported by adapter")

// Request captures a model prompt along with tunable generation options.
// Image and Audio hold file paths or base64 data; each entry fills one media
// marker in Prompt, images first.
type Request struct {
	Prompt  string
	Image   []string
	Audio   []string
	Options GenerationOptions
}

// GenerationOptions maps to the most common inference controls for SLMs.
// Zero values fall back to the configured defaults.
type GenerationOptions struct {
	MaxTokens        int
	Temperature      float64
	TopK             int
	TopP             float64
	MinP             float64
	RepeatPenalty    float64
	RepeatLastN      int
	FrequencyPenalty float64
	PresencePenalty  float64

	// Seed fixes the sampling sequence. Negative draws a random seed.
	Seed int64

	// Grammar constrains output to a GBNF grammar.
	Grammar string

	Stop []string
}

// HasMedia reports whether the request carries images or audio.
func (r Request) HasMedia() bool {
	return len(r.Image) > 0 || len(r.Audio) > 0
}

// Response contains the final text plus optional statistics.
type Response struct {
	Text   string
	Stats  Stats
	Raw    any
	Finish string
}

// Stats summarises runtime execution characteristics.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	TokensCached    int
	Duration        time.Duration

	// TTFT is the time-to-first-token: how long from request start until
	// the first generated token was produced. Critical for edge UX.
	TTFT time.Duration

	// PromptTPS is the prompt processing throughput (tokens/second).
	PromptTPS float64

	// GenerationTPS is the token generation throughput (tokens/second).
	GenerationTPS float64

	// MediaTokens counts embedding rows decoded for images and audio.
	MediaTokens int
}

// StreamEvent is emitted for each token or checkpoint during streaming.
type StreamEvent struct {
	Token string
	Index int
	Final bool
	Err   error

	// Finish is set on the final event: "stop", "length", "cancelled" or
	// "error".
	Finish string

	// Stats is populated on the final event to report performance metrics.
	Stats *Stats
}

// StreamCallback is invoked for each StreamEvent while streaming results.
type StreamCallback func(StreamEvent) error

// Adapter is the contract runtime backends must implement.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, cb StreamCallback) error
	Close() error
}
