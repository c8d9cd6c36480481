package native

import (
	"log"
	"strings"

	"Lumen/internal/config"
)

// ModelPreset holds default settings for a known model family. Presets are
// fallbacks: explicit configuration always takes precedence.
type ModelPreset struct {
	// Display name for logging.
	Name string

	// Context/inference defaults (applied if user value is 0).
	ContextSize    uint32
	BatchSize      uint32
	Threads        int32
	ThreadsBatch   int32
	FlashAttention int32 // -1=auto, 0=off, 1=on

	// Generation defaults (applied if user value is 0).
	MaxTokens     int
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int

	// Stop sequences specific to this model's chat template.
	Stop []string

	// Whether warmup is recommended for this model.
	WarmupRecommended bool

	// MediaMarker is the placeholder the family's chat template uses for
	// images or audio. Empty = the projector's own marker.
	MediaMarker string
}

// presetEntry pairs a match key with its preset for ordered iteration.
type presetEntry struct {
	key    string
	preset ModelPreset
}

// chatPreset returns the common small-model chat settings. Callers adjust
// the fields that differ per family.
func chatPreset(name string, batch uint32, maxTokens int, temp float64, stop ...string) ModelPreset {
	return ModelPreset{
		Name:              name,
		ContextSize:       2048,
		BatchSize:         batch,
		Threads:           4,
		ThreadsBatch:      4,
		FlashAttention:    1,
		MaxTokens:         maxTokens,
		Temperature:       temp,
		TopK:              40,
		TopP:              0.9,
		MinP:              0.05,
		RepeatPenalty:     1.1,
		RepeatLastN:       64,
		Stop:              stop,
		WarmupRecommended: true,
	}
}

func embeddingPreset(name string, ctx uint32) ModelPreset {
	return ModelPreset{
		Name:           name,
		ContextSize:    ctx,
		BatchSize:      512,
		Threads:        4,
		ThreadsBatch:   2,
		FlashAttention: -1,
	}
}

func withRepeat(p ModelPreset, penalty float64) ModelPreset {
	p.RepeatPenalty = penalty
	return p
}

func withFlash(p ModelPreset, flash int32) ModelPreset {
	p.FlashAttention = flash
	return p
}

func withMedia(p ModelPreset, ctx, batch uint32) ModelPreset {
	p.ContextSize = ctx
	p.BatchSize = batch
	p.MediaMarker = "<__media__>"
	return p
}

// knownPresets lists presets in match priority order: more specific keys
// come before the keys they contain.
var knownPresets = []presetEntry{
	// Vision-language
	{"qwen2.5 vl", withMedia(chatPreset("Qwen2.5-VL", 1024, 512, 0.6, "<|im_end|>", "<|endoftext|>"), 4096, 1024)},
	{"smolvlm", withFlash(withMedia(chatPreset("SmolVLM", 1024, 384, 0.6, "<end_of_utterance>"), 4096, 1024), -1)},
	{"gemma 3", withMedia(chatPreset("Gemma-3", 512, 512, 0.7, "<end_of_turn>", "<eos>"), 4096, 512)},

	// Qwen2.5
	{"qwen2.5 0.5b", chatPreset("Qwen2.5-0.5B", 512, 512, 0.7, "<|im_end|>", "<|endoftext|>")},
	{"qwen2.5 1.5b", chatPreset("Qwen2.5-1.5B", 512, 512, 0.7, "<|im_end|>", "<|endoftext|>")},
	{"qwen2.5 3b", chatPreset("Qwen2.5-3B", 256, 384, 0.7, "<|im_end|>", "<|endoftext|>")},

	// Llama 3.2
	{"llama 3.2 1b", chatPreset("Llama-3.2-1B", 512, 512, 0.6, "<|eot_id|>", "<|end_of_text|>")},
	{"llama 3.2 3b", chatPreset("Llama-3.2-3B", 256, 384, 0.6, "<|eot_id|>", "<|end_of_text|>")},

	// SmolLM2
	{"smollm2 135m", withRepeat(chatPreset("SmolLM2-135M", 512, 512, 0.7, "<|im_end|>", "<|endoftext|>"), 1.15)},
	{"smollm2 360m", withRepeat(chatPreset("SmolLM2-360M", 512, 512, 0.7, "<|im_end|>", "<|endoftext|>"), 1.15)},
	{"smollm2 1.7b", withRepeat(chatPreset("SmolLM2-1.7B", 512, 512, 0.7, "<|im_end|>", "<|endoftext|>"), 1.15)},

	{"gemma 2 2b", chatPreset("Gemma-2-2B", 512, 512, 0.7, "<end_of_turn>", "<eos>")},
	{"phi-3.5-mini", chatPreset("Phi-3.5-Mini", 256, 384, 0.7, "<|end|>", "<|endoftext|>")},
	{"tinyllama", withFlash(chatPreset("TinyLlama-1.1B", 512, 512, 0.7, "</s>"), -1)},

	// Reference engine descriptors
	{"reference toy", ModelPreset{
		Name:          "Reference-Toy",
		ContextSize:   1024,
		BatchSize:     256,
		Threads:       1,
		ThreadsBatch:  1,
		MaxTokens:     64,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		Stop:          []string{"<|im_end|>"},
	}},

	// Embedding models only run forward passes, so batch threads are halved.
	{"nomic embed", embeddingPreset("Nomic-Embed", 2048)},
	{"all minilm", embeddingPreset("All-MiniLM", 512)},
	{"bge small", embeddingPreset("BGE-Small", 512)},
	{"bge micro", embeddingPreset("BGE-Micro", 512)},
}

// MatchPreset tries to find a preset matching the model description or
// filename. Matching is a case-insensitive substring search with '-' and
// '_' treated as spaces.
func MatchPreset(description, filePath string) (ModelPreset, bool) {
	norm := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "-", " ")
		s = strings.ReplaceAll(s, "_", " ")
		return s
	}

	desc := norm(description)
	file := norm(filePath)

	for _, entry := range knownPresets {
		key := norm(entry.key)
		if strings.Contains(desc, key) || strings.Contains(file, key) {
			return entry.preset, true
		}
	}
	return ModelPreset{}, false
}

// ApplyPresetToContextOpts fills in zero-valued context options from a preset.
func ApplyPresetToContextOpts(opts *ContextOptions, preset ModelPreset) {
	if opts.NCtx == 0 && preset.ContextSize > 0 {
		opts.NCtx = preset.ContextSize
	}
	if opts.NBatch == 0 && preset.BatchSize > 0 {
		opts.NBatch = preset.BatchSize
	}
	if opts.NThreads == 0 && preset.Threads > 0 {
		opts.NThreads = preset.Threads
	}
	if opts.NThreadsBatch == 0 && preset.ThreadsBatch > 0 {
		opts.NThreadsBatch = preset.ThreadsBatch
	}
	if opts.FlashAttn == -1 && preset.FlashAttention != -1 {
		opts.FlashAttn = preset.FlashAttention
	}
}

// ApplyPresetToDefaults fills in zero-valued generation defaults from a preset.
func ApplyPresetToDefaults(defaults *config.GenerationDefaults, preset ModelPreset) {
	if defaults.MaxTokens == 0 && preset.MaxTokens > 0 {
		defaults.MaxTokens = preset.MaxTokens
	}
	if defaults.Temperature == 0 && preset.Temperature > 0 {
		defaults.Temperature = preset.Temperature
	}
	if defaults.TopK == 0 && preset.TopK > 0 {
		defaults.TopK = preset.TopK
	}
	if defaults.TopP == 0 && preset.TopP > 0 {
		defaults.TopP = preset.TopP
	}
	if defaults.MinP == 0 && preset.MinP > 0 {
		defaults.MinP = preset.MinP
	}
	if defaults.RepeatPenalty == 0 && preset.RepeatPenalty > 0 {
		defaults.RepeatPenalty = preset.RepeatPenalty
	}
	if defaults.RepeatLastN == 0 && preset.RepeatLastN > 0 {
		defaults.RepeatLastN = preset.RepeatLastN
	}
	if len(defaults.Stop) == 0 && len(preset.Stop) > 0 {
		defaults.Stop = append([]string(nil), preset.Stop...)
	}
}

// LogPreset logs which preset was auto-detected for the loaded model.
func LogPreset(preset ModelPreset, source string) {
	log.Printf("native: auto-detected model preset %q (matched from %s)", preset.Name, source)
}
