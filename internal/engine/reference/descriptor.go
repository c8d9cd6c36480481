// Package reference implements a deterministic, in-process inference engine.
// Weights are replaced by a small YAML descriptor: the vocabulary is real and
// tokenization round-trips, while logits and embeddings are pseudo-random
// functions of the cached token history. Every decode, cache and projector
// contract of a native engine is honoured, which makes it the engine used by
// tests and by configurations that select `engine: reference`.
package reference

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	modelFormat     = "lumen-reference"
	projectorFormat = "lumen-reference-projector"
	formatVersion   = 1
)

// Architectures understood by the engine. "toy-encoder" models have no KV
// cache and are driven through Encode.
var supportedArchitectures = map[string]bool{
	"toy":         true,
	"toy-encoder": true,
}

// SpecialTokens names the control tokens of a vocabulary.
type SpecialTokens struct {
	BOS   string   `yaml:"bos"`
	EOS   string   `yaml:"eos"`
	PAD   string   `yaml:"pad"`
	Extra []string `yaml:"extra,omitempty"`
	EOG   []string `yaml:"eog,omitempty"`
}

// SplitInfo marks a descriptor as one part of a split model.
type SplitInfo struct {
	Index int `yaml:"index"`
	Count int `yaml:"count"`
}

// ModelDescriptor is the on-disk form of a reference model.
type ModelDescriptor struct {
	Format       string        `yaml:"format"`
	Version      int           `yaml:"version"`
	Architecture string        `yaml:"architecture"`
	Description  string        `yaml:"description,omitempty"`
	NEmbd        int32         `yaml:"n_embd"`
	NCtxTrain    int32         `yaml:"n_ctx_train"`
	NLayer       int32         `yaml:"n_layer,omitempty"`
	Seed         uint64        `yaml:"seed"`
	Special      SpecialTokens `yaml:"special"`
	Pieces       []string      `yaml:"pieces,omitempty"`
	ChatTemplate string        `yaml:"chat_template,omitempty"`
	Split        *SplitInfo    `yaml:"split,omitempty"`
}

// DefaultModelDescriptor returns a small decoder model with a handful of
// whole-word pieces on top of the byte vocabulary.
func DefaultModelDescriptor() ModelDescriptor {
	return ModelDescriptor{
		Format:       modelFormat,
		Version:      formatVersion,
		Architecture: "toy",
		Description:  "reference toy 16d",
		NEmbd:        16,
		NCtxTrain:    4096,
		NLayer:       2,
		Seed:         0x5eed,
		Special: SpecialTokens{
			BOS:   "<s>",
			EOS:   "</s>",
			PAD:   "<pad>",
			Extra: []string{"<|im_start|>", "<|im_end|>"},
			EOG:   []string{"<|im_end|>"},
		},
		Pieces: []string{
			"yes", "no", "ye", "yess", "nope", "maybe",
			"hello", "world", " hello", " world", "the", " the",
			" a", " b", "an", " and", "ing", "er", "Hello",
		},
	}
}

// Save writes the descriptor as YAML.
func (d ModelDescriptor) Save(path string) error {
	return saveYAML(path, d)
}

// ProjectorDescriptor is the on-disk form of a reference projector.
type ProjectorDescriptor struct {
	Format          string `yaml:"format"`
	Version         int    `yaml:"version"`
	NEmbd           int32  `yaml:"n_embd"`
	Vision          bool   `yaml:"vision"`
	Audio           bool   `yaml:"audio"`
	PatchSize       int    `yaml:"patch_size"`
	MRoPE           bool   `yaml:"mrope,omitempty"`
	NonCausal       bool   `yaml:"non_causal,omitempty"`
	AudioBitrate    int32  `yaml:"audio_bitrate,omitempty"`
	SamplesPerToken int    `yaml:"samples_per_token,omitempty"`
	Marker          string `yaml:"marker,omitempty"`
	MaxPixels       int    `yaml:"max_pixels,omitempty"`
}

// DefaultProjectorDescriptor returns a vision-only projector matching
// DefaultModelDescriptor's embedding width.
func DefaultProjectorDescriptor() ProjectorDescriptor {
	return ProjectorDescriptor{
		Format:          projectorFormat,
		Version:         formatVersion,
		NEmbd:           16,
		Vision:          true,
		PatchSize:       14,
		AudioBitrate:    16000,
		SamplesPerToken: 400,
		Marker:          "<__media__>",
	}
}

// Save writes the descriptor as YAML.
func (d ProjectorDescriptor) Save(path string) error {
	return saveYAML(path, d)
}

func saveYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("engine/reference: marshal %q: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("engine/reference: create %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("engine/reference: write %q: %w", path, err)
	}
	return nil
}

func readModelDescriptor(path string) (ModelDescriptor, error) {
	var d ModelDescriptor
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return d, fmt.Errorf("engine/reference: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("engine/reference: parse %q: %w", path, err)
	}
	if d.Format != modelFormat {
		return d, fmt.Errorf("engine/reference: %q: unsupported format %q", path, d.Format)
	}
	if d.Version != formatVersion {
		return d, fmt.Errorf("engine/reference: %q: unsupported version %d", path, d.Version)
	}
	return d, nil
}

func readProjectorDescriptor(path string) (ProjectorDescriptor, error) {
	var d ProjectorDescriptor
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return d, fmt.Errorf("engine/reference: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("engine/reference: parse %q: %w", path, err)
	}
	if d.Format != projectorFormat {
		return d, fmt.Errorf("engine/reference: %q: unsupported projector format %q", path, d.Format)
	}
	if d.Version != formatVersion {
		return d, fmt.Errorf("engine/reference: %q: unsupported projector version %d", path, d.Version)
	}
	if d.NEmbd <= 0 {
		return d, fmt.Errorf("engine/reference: %q: n_embd must be positive", path)
	}
	if d.PatchSize <= 0 {
		d.PatchSize = 14
	}
	if d.SamplesPerToken <= 0 {
		d.SamplesPerToken = 400
	}
	if d.Marker == "" {
		d.Marker = "<__media__>"
	}
	return d, nil
}
