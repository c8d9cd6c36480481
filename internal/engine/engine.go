// Package engine defines the narrow call contract between Lumen and a native
// inference engine. Engines report failures as raw int32 status codes or
// plain errors; translating them into typed errors is the job of the
// internal/native package, which is the only intended caller.
package engine

// Decode status codes shared by every engine.
const (
	StatusOK       int32 = 0
	StatusNoKVSlot int32 = 1  // no free KV cells for the batch
	StatusAborted  int32 = 2  // the engine aborted the pass
	StatusInvalid  int32 = -1 // malformed batch or fatal engine error
)

// Projector encode status codes.
const (
	EncodeOK          int32 = 0
	EncodeUnsupported int32 = 1 // modality not handled by the projector
	EncodeFailed      int32 = 2 // preprocessing or forward pass failed
)

// Modality tags a media buffer.
type Modality int

const (
	ModalityImage Modality = iota
	ModalityAudio
)

func (m Modality) String() string {
	switch m {
	case ModalityImage:
		return "image"
	case ModalityAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// KVCacheType selects the KV cache element type.
type KVCacheType int32

const (
	KVCacheF16 KVCacheType = iota
	KVCacheQ8_0
	KVCacheQ4_0
)

// RopeScaling selects the rotary position scaling mode.
type RopeScaling int32

const (
	RopeScalingUnspecified RopeScaling = -1
	RopeScalingNone        RopeScaling = 0
	RopeScalingLinear      RopeScaling = 1
	RopeScalingYarn        RopeScaling = 2
)

// ModelParams configures weight loading.
type ModelParams struct {
	GPULayers int32
	UseMmap   bool
	UseMlock  bool
}

// ContextParams configures a decode context.
type ContextParams struct {
	NCtx          uint32
	NBatch        uint32
	NUBatch       uint32
	NSeqMax       uint32
	NThreads      int32
	NThreadsBatch int32
	Embeddings    bool
	FlashAttn     int32 // -1 auto, 0 off, 1 on
	TypeK         KVCacheType
	TypeV         KVCacheType
	RopeScaling   RopeScaling
}

// ProjectorParams configures a multimodal projector.
type ProjectorParams struct {
	UseGPU   bool
	NThreads int32
}

// ModelInfo is the immutable metadata of loaded weights.
type ModelInfo struct {
	Architecture string
	Description  string
	VocabSize    int32
	NEmbd        int32
	NCtxTrain    int32
	NLayer       int32
	NParams      uint64
	Size         uint64
	BOS          int32
	EOS          int32
	PAD          int32
	HasEncoder   bool
	ChatTemplate string
}

// Media is a preprocessed media buffer handed to a projector.
type Media struct {
	Modality Modality
	Width    int
	Height   int
	RGB      []byte    // Width*Height*3 bytes, images only
	Samples  []float32 // mono PCM, audio only
}

// Encoded is the output of a projector encode call. Embd is row-major with
// NTokens rows of the projector's NEmbd columns. NX and NY describe the media
// grid for multi-axis rotary positions and are zero for audio.
type Encoded struct {
	Embd    []float32
	NTokens int32
	NPos    int32
	NX      int32
	NY      int32
}

// Batch is the wire form of one decode call. It is homogeneous: either Token
// or Embd is set, never both. When Grid is non-nil every entry carries a
// (y, x) offset added to Pos for multi-axis rotary positions.
type Batch struct {
	Token  []int32
	Embd   []float32
	NEmbd  int
	Pos    []int32
	Grid   [][2]int32
	SeqID  []int32
	Logits []bool
}

// Len returns the number of entries in the batch.
func (b *Batch) Len() int {
	return len(b.Pos)
}

// Backend is a process-wide engine instance.
type Backend interface {
	Name() string
	Init() error
	LoadModel(paths []string, params ModelParams) (Model, error)
	Free()
}

// Model is a loaded set of weights. Implementations must be safe for
// concurrent reads.
type Model interface {
	Info() ModelInfo
	// Tokenize returns the token ids and a status; a negative status means
	// the text could not be tokenized.
	Tokenize(text string, addSpecial, parseSpecial bool) ([]int32, int32)
	TokenToPiece(token int32, special bool) []byte
	IsEOG(token int32) bool
	NewContext(params ContextParams) (Context, error)
	LoadProjector(path string, params ProjectorParams) (Projector, error)
	Free()
}

// Context is a native decode session. Implementations need not be safe for
// concurrent use.
type Context interface {
	NCtx() uint32
	NBatch() uint32
	NSeqMax() uint32
	Decode(batch *Batch) int32
	Encode(batch *Batch) int32
	// Logits returns the logits of batch entry i from the last decode, or nil
	// if the entry did not request them. The slice is engine-owned.
	Logits(i int) []float32
	Embeddings(i int) []float32
	EmbeddingsSeq(seq int32) []float32
	MemorySeqRm(seq, p0, p1 int32) bool
	MemorySeqAdd(seq, p0, p1, delta int32)
	MemorySeqPosMin(seq int32) int32
	MemorySeqPosMax(seq int32) int32
	MemoryClear()
	SetCausalAttn(causal bool)
	SetEmbeddings(enabled bool)
	SetThreads(nThreads, nThreadsBatch int32)
	SetWarmup(warmup bool)
	Free()
}

// Projector maps media into the model's embedding space.
type Projector interface {
	SupportsVision() bool
	SupportsAudio() bool
	NEmbd() int32
	UsesMRoPE() bool
	UsesNonCausal() bool
	AudioBitrate() int32
	Marker() string
	Encode(media Media) (Encoded, int32)
	Free()
}
