package multimodal

import "Lumen/internal/engine"

// Chunk is one contiguous unit of decode input: a *TextChunk or a
// *MediaChunk.
type Chunk interface {
	tokens() int
	positions() int
}

// TextChunk is a run of token ids.
type TextChunk struct {
	Tokens []int32
}

func (c *TextChunk) tokens() int    { return len(c.Tokens) }
func (c *TextChunk) positions() int { return len(c.Tokens) }

// MediaChunk is an encoded image or audio clip: NTokens embedding rows of
// width NEmbd, consuming NPos decode positions. With Grid set the rows form
// an NY x NX grid that shares one temporal position and is laid out with
// multi-axis rotary offsets. Without Grid every row takes its own position,
// so NPos must equal NTokens.
type MediaChunk struct {
	Modality  engine.Modality
	Embd      []float32
	NEmbd     int
	NTokens   int
	NPos      int
	NX, NY    int
	Grid      bool
	NonCausal bool
	ID        string
}

func (c *MediaChunk) tokens() int    { return c.NTokens }
func (c *MediaChunk) positions() int { return c.NPos }

// Row returns embedding row i.
func (c *MediaChunk) Row(i int) []float32 {
	return c.Embd[i*c.NEmbd : (i+1)*c.NEmbd]
}

// Chunks is the ordered output of Pipeline.Tokenize. It owns the embedding
// buffers of its media chunks.
type Chunks []Chunk

// NTokens returns the number of batch entries the chunks produce.
func (cs Chunks) NTokens() int {
	n := 0
	for _, c := range cs {
		n += c.tokens()
	}
	return n
}

// NPos returns the number of decode positions the chunks consume.
func (cs Chunks) NPos() int {
	n := 0
	for _, c := range cs {
		n += c.positions()
	}
	return n
}

// Media returns the media chunks in order.
func (cs Chunks) Media() []*MediaChunk {
	var out []*MediaChunk
	for _, c := range cs {
		if m, ok := c.(*MediaChunk); ok {
			out = append(out, m)
		}
	}
	return out
}
