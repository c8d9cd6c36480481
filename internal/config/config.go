package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime, media, embedding, server and logging settings for Lumen.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Media     MediaConfig     `yaml:"media"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RuntimeConfig selects which adapter implementation to use and its settings.
type RuntimeConfig struct {
	Backend  string             `yaml:"backend"`
	Native   NativeConfig       `yaml:"native"`
	Defaults GenerationDefaults `yaml:"defaults"`
}

// NativeConfig configures the in-process inference engine.
type NativeConfig struct {
	// Engine names the engine implementation: "reference" or "llamacpp".
	Engine string `yaml:"engine"`

	// LibPath is the directory holding the llama.cpp shared libraries.
	LibPath string `yaml:"lib_path"`

	ModelPath  string `yaml:"model_path"`
	Splits     int    `yaml:"splits"`
	MmprojPath string `yaml:"mmproj_path"`

	ContextSize  int `yaml:"context_size"`
	BatchSize    int `yaml:"batch_size"`
	UbatchSize   int `yaml:"ubatch_size"`
	SeqMax       int `yaml:"seq_max"`
	Threads      int `yaml:"threads"`
	ThreadsBatch int `yaml:"threads_batch"`

	// KVCacheType is "f16" (default), "q8_0" or "q4_0".
	KVCacheType string `yaml:"kv_cache_type"`

	// RopeScaling is "", "none", "linear" or "yarn".
	RopeScaling string `yaml:"rope_scaling"`

	GPULayers int   `yaml:"gpu_layers"`
	Mmap      *bool `yaml:"mmap"`
	Mlock     *bool `yaml:"mlock"`

	// FlashAttention is "auto", "on" or "off".
	FlashAttention string `yaml:"flash_attention"`

	Warmup       *bool `yaml:"warmup"`
	WarmupTokens int   `yaml:"warmup_tokens"`

	// ContextShift discards the oldest half of the cache when a generation
	// runs out of room, instead of failing.
	ContextShift *bool `yaml:"context_shift"`

	// StreamChunkSize batches streamed tokens into one event. 0 or 1 emits
	// every token.
	StreamChunkSize int `yaml:"stream_chunk_size"`

	// MediaMarker overrides the projector's media placeholder.
	MediaMarker string `yaml:"media_marker"`
}

// GenerationDefaults allows overriding common inference parameters globally.
type GenerationDefaults struct {
	MaxTokens        int      `yaml:"max_tokens"`
	Temperature      float64  `yaml:"temperature"`
	TopK             int      `yaml:"top_k"`
	TopP             float64  `yaml:"top_p"`
	MinP             float64  `yaml:"min_p"`
	RepeatPenalty    float64  `yaml:"repeat_penalty"`
	RepeatLastN      int      `yaml:"repeat_last_n"`
	FrequencyPenalty float64  `yaml:"frequency_penalty"`
	PresencePenalty  float64  `yaml:"presence_penalty"`
	Seed             int64    `yaml:"seed"` // negative = random
	Grammar          string   `yaml:"grammar"`
	Stop             []string `yaml:"stop"`
}

// MediaConfig governs image and audio preprocessing.
type MediaConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
	Workers   int `yaml:"workers"`
}

// EmbeddingConfig captures settings for semantic embedding providers.
type EmbeddingConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Backend string                `yaml:"backend"`
	Native  NativeEmbeddingConfig `yaml:"native"`
	Cache   EmbeddingCacheConfig  `yaml:"cache"`
}

// NativeEmbeddingConfig configures an in-process embedding model.
type NativeEmbeddingConfig struct {
	Engine      string `yaml:"engine"`
	LibPath     string `yaml:"lib_path"`
	ModelPath   string `yaml:"model_path"`
	ContextSize int    `yaml:"context_size"`
	BatchSize   int    `yaml:"batch_size"`
	UbatchSize  int    `yaml:"ubatch_size"`
	Threads     int    `yaml:"threads"`
	GPULayers   int    `yaml:"gpu_layers"`
	Mmap        *bool  `yaml:"mmap"`
	Mlock       *bool  `yaml:"mlock"`
}

// EmbeddingCacheConfig sizes the in-memory cache and locates the
// persistent one. An empty Path disables persistence.
type EmbeddingCacheConfig struct {
	Size int    `yaml:"size"`
	Path string `yaml:"path"`
}

// ServerConfig defines server settings for the message transport.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
	// Type is "tcp" (default) or "http".
	Type string `yaml:"type"`
}

// LoggingConfig selects the log sink.
type LoggingConfig struct {
	ToFile bool   `yaml:"to_file"`
	Dir    string `yaml:"dir"`
}

const defaultConfigFile = "lumen.yaml"

// Default returns a Config pre-populated with opinionated defaults for local SLMs.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Backend: "native",
			Native: NativeConfig{
				Engine:         "reference",
				ContextSize:    2048,
				BatchSize:      512,
				SeqMax:         1,
				Threads:        4,
				ThreadsBatch:   4,
				KVCacheType:    "f16",
				FlashAttention: "auto",
				WarmupTokens:   1,
			},
			Defaults: GenerationDefaults{
				MaxTokens:     512,
				Temperature:   0.7,
				TopK:          40,
				TopP:          0.9,
				MinP:          0.05,
				RepeatPenalty: 1.1,
				RepeatLastN:   64,
				Seed:          -1,
				Stop:          nil,
			},
		},
		Media: MediaConfig{
			MaxWidth:  1024,
			MaxHeight: 1024,
			Workers:   4,
		},
		Embedding: EmbeddingConfig{
			Enabled: false,
			Backend: "native",
			Native: NativeEmbeddingConfig{
				Engine:      "reference",
				ContextSize: 512,
				Threads:     4,
			},
			Cache: EmbeddingCacheConfig{
				Size: 1024,
				Path: "",
			},
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    42067,
			Enabled: true,
			Type:    "tcp",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func merge(base, override Config) Config {
	result := base

	if override.Runtime.Backend != "" {
		result.Runtime.Backend = override.Runtime.Backend
	}

	n := override.Runtime.Native
	if n.Engine != "" {
		result.Runtime.Native.Engine = n.Engine
	}
	if n.LibPath != "" {
		result.Runtime.Native.LibPath = n.LibPath
	}
	if n.ModelPath != "" {
		result.Runtime.Native.ModelPath = n.ModelPath
	}
	if n.Splits != 0 {
		result.Runtime.Native.Splits = n.Splits
	}
	if n.MmprojPath != "" {
		result.Runtime.Native.MmprojPath = n.MmprojPath
	}
	if n.ContextSize != 0 {
		result.Runtime.Native.ContextSize = n.ContextSize
	}
	if n.BatchSize != 0 {
		result.Runtime.Native.BatchSize = n.BatchSize
	}
	if n.UbatchSize != 0 {
		result.Runtime.Native.UbatchSize = n.UbatchSize
	}
	if n.SeqMax != 0 {
		result.Runtime.Native.SeqMax = n.SeqMax
	}
	if n.Threads != 0 {
		result.Runtime.Native.Threads = n.Threads
	}
	if n.ThreadsBatch != 0 {
		result.Runtime.Native.ThreadsBatch = n.ThreadsBatch
	}
	if n.KVCacheType != "" {
		result.Runtime.Native.KVCacheType = n.KVCacheType
	}
	if n.RopeScaling != "" {
		result.Runtime.Native.RopeScaling = n.RopeScaling
	}
	if n.GPULayers != 0 {
		result.Runtime.Native.GPULayers = n.GPULayers
	}
	if n.Mmap != nil {
		result.Runtime.Native.Mmap = n.Mmap
	}
	if n.Mlock != nil {
		result.Runtime.Native.Mlock = n.Mlock
	}
	if n.FlashAttention != "" {
		result.Runtime.Native.FlashAttention = n.FlashAttention
	}
	if n.Warmup != nil {
		result.Runtime.Native.Warmup = n.Warmup
	}
	if n.WarmupTokens != 0 {
		result.Runtime.Native.WarmupTokens = n.WarmupTokens
	}
	if n.ContextShift != nil {
		result.Runtime.Native.ContextShift = n.ContextShift
	}
	if n.StreamChunkSize != 0 {
		result.Runtime.Native.StreamChunkSize = n.StreamChunkSize
	}
	if n.MediaMarker != "" {
		result.Runtime.Native.MediaMarker = n.MediaMarker
	}

	d := override.Runtime.Defaults
	if d.MaxTokens != 0 {
		result.Runtime.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		result.Runtime.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		result.Runtime.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		result.Runtime.Defaults.TopP = d.TopP
	}
	if d.MinP != 0 {
		result.Runtime.Defaults.MinP = d.MinP
	}
	if d.RepeatPenalty != 0 {
		result.Runtime.Defaults.RepeatPenalty = d.RepeatPenalty
	}
	if d.RepeatLastN != 0 {
		result.Runtime.Defaults.RepeatLastN = d.RepeatLastN
	}
	if d.FrequencyPenalty != 0 {
		result.Runtime.Defaults.FrequencyPenalty = d.FrequencyPenalty
	}
	if d.PresencePenalty != 0 {
		result.Runtime.Defaults.PresencePenalty = d.PresencePenalty
	}
	if d.Seed != 0 {
		result.Runtime.Defaults.Seed = d.Seed
	}
	if d.Grammar != "" {
		result.Runtime.Defaults.Grammar = d.Grammar
	}
	if len(d.Stop) != 0 {
		result.Runtime.Defaults.Stop = append([]string(nil), d.Stop...)
	}

	if override.Media.MaxWidth != 0 {
		result.Media.MaxWidth = override.Media.MaxWidth
	}
	if override.Media.MaxHeight != 0 {
		result.Media.MaxHeight = override.Media.MaxHeight
	}
	if override.Media.Workers != 0 {
		result.Media.Workers = override.Media.Workers
	}

	if override.Embedding.Enabled {
		result.Embedding.Enabled = true
	}
	if override.Embedding.Backend != "" {
		result.Embedding.Backend = override.Embedding.Backend
	}
	e := override.Embedding.Native
	if e.Engine != "" {
		result.Embedding.Native.Engine = e.Engine
	}
	if e.LibPath != "" {
		result.Embedding.Native.LibPath = e.LibPath
	}
	if e.ModelPath != "" {
		result.Embedding.Native.ModelPath = e.ModelPath
	}
	if e.ContextSize != 0 {
		result.Embedding.Native.ContextSize = e.ContextSize
	}
	if e.BatchSize != 0 {
		result.Embedding.Native.BatchSize = e.BatchSize
	}
	if e.UbatchSize != 0 {
		result.Embedding.Native.UbatchSize = e.UbatchSize
	}
	if e.Threads != 0 {
		result.Embedding.Native.Threads = e.Threads
	}
	if e.GPULayers != 0 {
		result.Embedding.Native.GPULayers = e.GPULayers
	}
	if e.Mmap != nil {
		result.Embedding.Native.Mmap = e.Mmap
	}
	if e.Mlock != nil {
		result.Embedding.Native.Mlock = e.Mlock
	}
	if override.Embedding.Cache.Size != 0 {
		result.Embedding.Cache.Size = override.Embedding.Cache.Size
	}
	if override.Embedding.Cache.Path != "" {
		result.Embedding.Cache.Path = override.Embedding.Cache.Path
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.Enabled {
		result.Server.Enabled = override.Server.Enabled
	}
	if override.Server.Type != "" {
		result.Server.Type = override.Server.Type
	}

	if override.Logging.ToFile {
		result.Logging.ToFile = true
	}
	if override.Logging.Dir != "" {
		result.Logging.Dir = override.Logging.Dir
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_RUNTIME_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENGINE")); v != "" {
		cfg.Runtime.Native.Engine = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LIB_PATH")); v != "" {
		cfg.Runtime.Native.LibPath = v
		cfg.Embedding.Native.LibPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MODEL_PATH")); v != "" {
		cfg.Runtime.Native.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MMPROJ_PATH")); v != "" {
		cfg.Runtime.Native.MmprojPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CONTEXT_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Native.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Native.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Native.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_GPU_LAYERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.Native.GPULayers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_KV_CACHE_TYPE")); v != "" {
		cfg.Runtime.Native.KVCacheType = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_CONTEXT_SHIFT")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Runtime.Native.ContextShift = &enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SEED")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Runtime.Defaults.Seed = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_TYPE")); v != "" {
		cfg.Server.Type = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Embedding.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BACKEND")); v != "" {
		cfg.Embedding.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.Native.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_CACHE")); v != "" {
		cfg.Embedding.Cache.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_FILE")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ToFile = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_DIR")); v != "" {
		cfg.Logging.Dir = v
	}
}

// ServerEnabled reports if the server should be started.
func (c Config) ServerEnabled() bool {
	return c.Server.Enabled
}

// ServerType returns the configured transport, "tcp" when unset.
func (c Config) ServerType() string {
	if t := strings.ToLower(strings.TrimSpace(c.Server.Type)); t != "" {
		return t
	}
	return "tcp"
}

// ContextShiftEnabled reports whether generations may discard old cache
// entries when the context fills up.
func (n NativeConfig) ContextShiftEnabled() bool {
	return n.ContextShift != nil && *n.ContextShift
}

// WarmupEnabled reports whether a warmup decode runs after loading.
// Warmup defaults to on.
func (n NativeConfig) WarmupEnabled() bool {
	return n.Warmup == nil || *n.Warmup
}
