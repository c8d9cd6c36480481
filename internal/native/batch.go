package native

// Entry is one decode input: a token id, or an embedding row when Embd is
// non-nil. Grid carries the (y, x) offset of a media row for multi-axis
// rotary positions.
type Entry struct {
	Token  int32
	Embd   []float32
	Pos    int32
	Grid   *[2]int32
	SeqID  int32
	Logits bool
}

// IsEmbedding reports whether the entry carries an embedding row.
func (e Entry) IsEmbedding() bool { return e.Embd != nil }

// Batch is a capacity-bounded list of entries for one Decode call. A batch
// is owned by one caller at a time; it is cleared and reused between calls.
// Embedding rows are referenced, not copied.
type Batch struct {
	entries  []Entry
	capacity int
	nEmbd    int
}

// NewBatch returns an empty batch holding at most capacity entries.
func NewBatch(capacity int) *Batch {
	if capacity <= 0 {
		capacity = 512
	}
	return &Batch{entries: make([]Entry, 0, capacity), capacity: capacity}
}

// Push appends one entry. A full batch or an embedding whose width differs
// from the rows already queued is rejected without changing the batch.
func (b *Batch) Push(e Entry) error {
	if len(b.entries) >= b.capacity {
		return newError(ErrCapacityExceeded, "batch push", "batch holds %d entries", b.capacity)
	}
	if e.Embd != nil {
		if len(e.Embd) == 0 {
			return newError(ErrInvalidBatch, "batch push", "empty embedding row")
		}
		if b.nEmbd != 0 && len(e.Embd) != b.nEmbd {
			return newError(ErrInvalidBatch, "batch push", "embedding width %d, batch holds width %d", len(e.Embd), b.nEmbd)
		}
		b.nEmbd = len(e.Embd)
	}
	b.entries = append(b.entries, e)
	return nil
}

// PushToken appends a token entry.
func (b *Batch) PushToken(token, pos, seq int32, logits bool) error {
	return b.Push(Entry{Token: token, Pos: pos, SeqID: seq, Logits: logits})
}

// PushEmbedding appends an embedding row.
func (b *Batch) PushEmbedding(embd []float32, pos, seq int32, logits bool) error {
	return b.Push(Entry{Embd: embd, Pos: pos, SeqID: seq, Logits: logits})
}

// PushTokens appends tokens at consecutive positions starting at start.
// Either every token is appended or none is. Logits are requested for the
// last token only when logitsLast is set.
func (b *Batch) PushTokens(tokens []int32, start, seq int32, logitsLast bool) error {
	if len(b.entries)+len(tokens) > b.capacity {
		return newError(ErrCapacityExceeded, "batch push", "%d tokens do not fit, %d of %d free",
			len(tokens), b.capacity-len(b.entries), b.capacity)
	}
	for i, tok := range tokens {
		b.entries = append(b.entries, Entry{
			Token:  tok,
			Pos:    start + int32(i),
			SeqID:  seq,
			Logits: logitsLast && i == len(tokens)-1,
		})
	}
	return nil
}

// SetLogits changes the logits flag of entry i.
func (b *Batch) SetLogits(i int, logits bool) {
	b.entries[i].Logits = logits
}

// Clear empties the batch for reuse.
func (b *Batch) Clear() {
	clear(b.entries)
	b.entries = b.entries[:0]
	b.nEmbd = 0
}

// Len returns the number of queued entries.
func (b *Batch) Len() int { return len(b.entries) }

// Cap returns the batch capacity.
func (b *Batch) Cap() int { return b.capacity }

// Free returns the number of entries that can still be pushed.
func (b *Batch) Free() int { return b.capacity - len(b.entries) }

// Entry returns entry i.
func (b *Batch) Entry(i int) Entry { return b.entries[i] }

// Entries returns the queued entries. The slice is valid until the next
// mutation.
func (b *Batch) Entries() []Entry { return b.entries }
