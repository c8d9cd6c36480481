package adapter

import (
	"strings"

	"Lumen/internal/config"
	"Lumen/internal/engine"
	"Lumen/internal/native"
	"Lumen/internal/runtime"
)

// mergeOptions layers per-request options over the configured defaults.
// Zero values in override keep the default.
func mergeOptions(base config.GenerationDefaults, override runtime.GenerationOptions) runtime.GenerationOptions {
	result := runtime.GenerationOptions{
		MaxTokens:        base.MaxTokens,
		Temperature:      base.Temperature,
		TopK:             base.TopK,
		TopP:             base.TopP,
		MinP:             base.MinP,
		RepeatPenalty:    base.RepeatPenalty,
		RepeatLastN:      base.RepeatLastN,
		FrequencyPenalty: base.FrequencyPenalty,
		PresencePenalty:  base.PresencePenalty,
		Seed:             base.Seed,
		Grammar:          base.Grammar,
		Stop:             base.Stop,
	}

	if override.MaxTokens != 0 {
		result.MaxTokens = override.MaxTokens
	}
	if override.Temperature != 0 {
		result.Temperature = override.Temperature
	}
	if override.TopK != 0 {
		result.TopK = override.TopK
	}
	if override.TopP != 0 {
		result.TopP = override.TopP
	}
	if override.MinP != 0 {
		result.MinP = override.MinP
	}
	if override.RepeatPenalty != 0 {
		result.RepeatPenalty = override.RepeatPenalty
	}
	if override.RepeatLastN != 0 {
		result.RepeatLastN = override.RepeatLastN
	}
	if override.FrequencyPenalty != 0 {
		result.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != 0 {
		result.PresencePenalty = override.PresencePenalty
	}
	if override.Seed != 0 {
		result.Seed = override.Seed
	}
	if override.Grammar != "" {
		result.Grammar = override.Grammar
	}
	if len(override.Stop) > 0 {
		result.Stop = append([]string(nil), override.Stop...)
	}

	return result
}

// samplerOptions converts merged generation options to a chain
// configuration. A negative seed, or one that does not fit 32 bits, asks
// for a random seed.
func samplerOptions(opts runtime.GenerationOptions) native.SamplerOptions {
	seed := native.SeedRandom
	if opts.Seed >= 0 && opts.Seed < int64(native.SeedRandom) {
		seed = uint32(opts.Seed)
	}
	return native.SamplerOptions{
		Temperature:      float32(opts.Temperature),
		TopK:             int32(opts.TopK),
		TopP:             float32(opts.TopP),
		MinP:             float32(opts.MinP),
		RepeatPenalty:    float32(opts.RepeatPenalty),
		RepeatLastN:      int32(opts.RepeatLastN),
		FrequencyPenalty: float32(opts.FrequencyPenalty),
		PresencePenalty:  float32(opts.PresencePenalty),
		Seed:             seed,
		Grammar:          opts.Grammar,
	}
}

// contextOptions builds context options from configuration. Unset values
// are left zero so a preset can fill them.
func contextOptions(nc config.NativeConfig) native.ContextOptions {
	opts := native.ContextOptions{
		NCtx:          uint32(max(0, nc.ContextSize)),
		NBatch:        uint32(max(0, nc.BatchSize)),
		NUBatch:       uint32(max(0, nc.UbatchSize)),
		NSeqMax:       uint32(max(0, nc.SeqMax)),
		NThreads:      int32(max(0, nc.Threads)),
		NThreadsBatch: int32(max(0, nc.ThreadsBatch)),
		FlashAttn:     flashAttnFromString(nc.FlashAttention),
		KVCacheType:   kvCacheTypeFromString(nc.KVCacheType),
		RopeScaling:   ropeScalingFromString(nc.RopeScaling),
	}
	return opts
}

// fillContextDefaults replaces whatever neither the config nor a preset set.
func fillContextDefaults(opts *native.ContextOptions) {
	def := native.DefaultContextOptions()
	if opts.NCtx == 0 {
		opts.NCtx = def.NCtx
	}
	if opts.NBatch == 0 {
		opts.NBatch = def.NBatch
	}
	if opts.NSeqMax == 0 {
		opts.NSeqMax = def.NSeqMax
	}
	if opts.NThreads == 0 {
		opts.NThreads = def.NThreads
	}
}

// kvCacheTypeFromString maps a config string to a cache element type.
// Unknown values fall back to f16.
func kvCacheTypeFromString(s string) engine.KVCacheType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "q8_0", "q8":
		return engine.KVCacheQ8_0
	case "q4_0", "q4":
		return engine.KVCacheQ4_0
	default:
		return engine.KVCacheF16
	}
}

func ropeScalingFromString(s string) engine.RopeScaling {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return engine.RopeScalingNone
	case "linear":
		return engine.RopeScalingLinear
	case "yarn":
		return engine.RopeScalingYarn
	default:
		return engine.RopeScalingUnspecified
	}
}

// flashAttnFromString maps "on"/"off"/"auto" to 1/0/-1.
func flashAttnFromString(s string) int32 {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "enabled":
		return 1
	case "off", "false", "disabled":
		return 0
	default:
		return -1
	}
}

// shouldStop reports whether text contains any stop sequence.
func shouldStop(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// trimAtStop removes text from the first occurrence of any stop sequence.
func trimAtStop(text string, stops []string) string {
	earliest := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && idx < earliest {
			earliest = idx
		}
	}
	return text[:earliest]
}

// stopHold returns how many trailing bytes of text could still grow into a
// stop sequence. Streaming holds them back until the next token decides.
func stopHold(text string, stops []string) int {
	hold := 0
	for _, s := range stops {
		for k := min(len(s)-1, len(text)); k > hold; k-- {
			if strings.HasSuffix(text, s[:k]) {
				hold = k
				break
			}
		}
	}
	return hold
}

// commonPrefixLen returns the length of the longest common prefix between
// two token sequences.
func commonPrefixLen(a, b []int32) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
