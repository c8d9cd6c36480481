package multimodal

import (
	"errors"
	"fmt"

	"Lumen/internal/native"
)

// EvalOptions controls how chunks are fed to a context.
type EvalOptions struct {
	// Seq is the sequence the chunks extend.
	Seq int32

	// NPast is the first position to write. Usually ctx.Pos(Seq).
	NPast int32

	// Batch caps entries per decode call. 0 = the context's max batch size.
	Batch int
}

// Eval decodes chunks in order and returns the position following the last
// chunk together with the logits of the final entry. Text is split at the
// batch size. Media rows enter as embeddings and advance the position by the
// chunk's NPos. On error the rows of a partly decoded chunk are removed
// again and the returned position reflects the chunks fully decoded before
// the failure.
func Eval(ctx *native.Context, chunks Chunks, opts EvalOptions) (int32, []float32, error) {
	size := opts.Batch
	if size <= 0 || size > ctx.NBatch() {
		size = ctx.NBatch()
	}
	batch := native.NewBatch(size)
	pos := opts.NPast

	var last []float32
	for i, c := range chunks {
		final := i == len(chunks)-1
		mark := ctx.Pos(opts.Seq)

		var (
			next   int32
			logits []float32
			err    error
		)
		switch c := c.(type) {
		case *TextChunk:
			next, logits, err = evalText(ctx, batch, c, pos, opts.Seq, final)
		case *MediaChunk:
			next, logits, err = evalMedia(ctx, batch, c, pos, opts.Seq, final)
		}
		if err != nil {
			if !errors.Is(err, native.ErrConcurrentAccess) && ctx.Pos(opts.Seq) > mark {
				_ = ctx.Truncate(opts.Seq, mark)
			}
			return pos, nil, err
		}
		pos = next
		if logits != nil {
			last = logits
		}
	}
	return pos, last, nil
}

func evalText(ctx *native.Context, batch *native.Batch, c *TextChunk, pos, seq int32, final bool) (int32, []float32, error) {
	var last []float32
	size := batch.Cap()
	for start := 0; start < len(c.Tokens); start += size {
		end := min(start+size, len(c.Tokens))
		batch.Clear()
		if err := batch.PushTokens(c.Tokens[start:end], pos, seq, final && end == len(c.Tokens)); err != nil {
			return pos, nil, err
		}
		out, err := ctx.Decode(batch)
		if err != nil {
			return pos, nil, err
		}
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		pos += int32(end - start)
	}
	return pos, last, nil
}

func evalMedia(ctx *native.Context, batch *native.Batch, c *MediaChunk, pos, seq int32, final bool) (next int32, last []float32, err error) {
	if !c.Grid && c.NPos != c.NTokens {
		return pos, nil, &native.Error{Kind: native.ErrInvalidBatch, Op: "eval media",
			Reason: fmt.Sprintf("media chunk without a grid uses %d positions for %d rows", c.NPos, c.NTokens)}
	}
	if c.NonCausal && ctx.CausalAttn() {
		if err := ctx.SetCausalAttn(false); err != nil {
			return pos, nil, err
		}
		defer func() {
			if rerr := ctx.SetCausalAttn(true); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	size := batch.Cap()
	if c.Grid {
		if c.NTokens > size {
			return pos, nil, &native.Error{Kind: native.ErrCapacityExceeded, Op: "eval media",
				Reason: "media grid does not fit in one batch"}
		}
		batch.Clear()
		for i := range c.NTokens {
			g := [2]int32{int32(i / c.NX), int32(i % c.NX)}
			e := native.Entry{Embd: c.Row(i), Pos: pos, Grid: &g, SeqID: seq, Logits: final && i == c.NTokens-1}
			if err := batch.Push(e); err != nil {
				return pos, nil, err
			}
		}
		out, err := ctx.Decode(batch)
		if err != nil {
			return pos, nil, err
		}
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		return pos + int32(c.NPos), last, nil
	}

	for start := 0; start < c.NTokens; start += size {
		end := min(start+size, c.NTokens)
		batch.Clear()
		for i := start; i < end; i++ {
			if err := batch.PushEmbedding(c.Row(i), pos+int32(i), seq, final && i == c.NTokens-1); err != nil {
				return pos, nil, err
			}
		}
		out, err := ctx.Decode(batch)
		if err != nil {
			return pos, nil, err
		}
		if len(out) > 0 {
			last = out[len(out)-1]
		}
	}
	return pos + int32(c.NPos), last, nil
}
