package buffer

// Ctx is a handle returned by OutBuf.PushCtx. It must be passed to
// PopCtx exactly once. A Ctx with Result == CtxNoSpace carries no
// reservation and must not be popped.
type Ctx struct {
	Result     CtxResult
	start      int
	headerSize int
	reserved   int
	generation uint64
}

// CtxResult tells a PushCtx caller whether its reservation took.
type CtxResult int

const (
	CtxSuccess CtxResult = iota
	CtxNoSpace
)

// Start returns the offset within OutBuf.Bytes() where this context's
// reserved header begins. Only valid for a successful Ctx.
func (c Ctx) Start() int { return c.start }

// HeaderSize returns the header span reserved for this context.
func (c Ctx) HeaderSize() int { return c.headerSize }

// OutBuf stages outbound bytes for one stream client. Messages are
// framed with AllocRawMsg/CommitMsg; a lower protocol layer may reserve
// a nested subregion with PushCtx/PopCtx to arbitrary depth, tracked as
// offsets rather than genuine recursion.
type OutBuf struct {
	pool  *Pool
	tier  Tier
	data  []byte
	start int // bytes [0:start) already flushed, kept for compaction bookkeeping
	end   int
	depth int
	gen   uint64
}

// NewOutBuf draws an initial small-tier buffer from pool.
func NewOutBuf(pool *Pool) *OutBuf {
	return &OutBuf{pool: pool, tier: Small, data: pool.Get(Small)}
}

func (b *OutBuf) BytesPresent() int   { return b.end - b.start }
func (b *OutBuf) BytesAvailable() int { return len(b.data) - b.end }
func (b *OutBuf) Full() bool          { return b.BytesAvailable() == 0 }

// Depth reports the current PushCtx nesting depth, exposed for
// diagnostics.
func (b *OutBuf) Depth() int { return b.depth }

func (b *OutBuf) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start = 0
	b.end = n
}

func (b *OutBuf) grow() bool {
	if b.tier == Large {
		return false
	}
	next := b.pool.Get(Large)
	if b.depth > 0 {
		// Offsets handed out by open PushCtx frames are still live;
		// copy in place so they stay valid.
		copy(next, b.data[:b.end])
	} else {
		n := copy(next, b.data[b.start:b.end])
		b.start = 0
		b.end = n
	}
	b.pool.Put(b.tier, b.data)
	b.data = next
	b.tier = Large
	return true
}

func (b *OutBuf) reserve(n int) (int, bool) {
	// Compaction slides bytes down and would invalidate offsets held by
	// open contexts, so it only runs at depth zero.
	if b.BytesAvailable() < n && b.depth == 0 {
		b.compact()
	}
	for b.BytesAvailable() < n {
		if !b.grow() {
			return 0, false
		}
	}
	off := b.end
	b.end += n
	return off, true
}

// AllocRawMsg reserves exactly size bytes for one top-level message and
// returns the offset to write into (via Bytes()) plus whether the
// reservation succeeded. Between AllocRawMsg and CommitMsg no other
// outbound write may interleave on this buffer; that is the
// single-goroutine-per-client invariant, not a lock.
func (b *OutBuf) AllocRawMsg(size int) (int, bool) {
	return b.reserve(size)
}

// CommitMsg finalizes a reservation made by AllocRawMsg, shrinking it to
// actualSize (which must be <= the size originally requested).
func (b *OutBuf) CommitMsg(off, actualSize int) error {
	if off < 0 || off > b.end {
		return ErrPopMismatch
	}
	b.end = off + actualSize
	return nil
}

// PushCtx reserves a headerSize+maxBodySize subregion for a lower
// protocol layer. On failure to reserve, it returns a Ctx with
// Result == CtxNoSpace that must not be passed to PopCtx as successful.
func (b *OutBuf) PushCtx(headerSize, maxBodySize int) Ctx {
	off, ok := b.reserve(headerSize + maxBodySize)
	if !ok {
		return Ctx{Result: CtxNoSpace}
	}
	b.depth++
	b.gen++
	return Ctx{
		Result:     CtxSuccess,
		start:      off,
		headerSize: headerSize,
		reserved:   headerSize + maxBodySize,
		generation: b.gen,
	}
}

// PopCtx installs the actual payload size for a context opened by
// PushCtx, trimming unused reserved space, and returns the total bytes
// the context actually occupies (header + actualBodyUsed).
func (b *OutBuf) PopCtx(ctx Ctx, actualBodyUsed int) (int, error) {
	if ctx.Result != CtxSuccess || ctx.generation != b.gen {
		return 0, ErrPopMismatch
	}
	used := ctx.headerSize + actualBodyUsed
	if used > ctx.reserved {
		return 0, ErrPopMismatch
	}
	b.end = ctx.start + used
	b.depth--
	b.gen--
	return used, nil
}

// Bytes exposes the whole backing array for direct writes by
// AllocRawMsg/PushCtx callers, whose offsets index into it (it is not
// trimmed to the unflushed region). The slice aliases internal
// storage and is invalidated by the next Grow (via AllocRawMsg/PushCtx
// triggering it) or Flush.
func (b *OutBuf) Bytes() []byte { return b.data }

// Flush drains buffered bytes to the transport. spaceRequired is a
// minimum-free-space hint: if the buffer doesn't have that much room,
// Flush grows the tier before attempting to write, so a subsequent
// AllocRawMsg/PushCtx of that size succeeds without a second grow
// mid-message. Growth stops at the large tier; a hint larger than that
// tier can hold is not met.
func (b *OutBuf) Flush(w Writer, spaceRequired int) (IOResult, error) {
	if spaceRequired > 0 && b.BytesAvailable() < spaceRequired {
		b.compact()
		for b.BytesAvailable() < spaceRequired {
			if !b.grow() {
				break
			}
		}
	}
	if b.BytesPresent() == 0 {
		return None, nil
	}
	n, err := w.Write(b.data[b.start:b.end])
	if n > 0 {
		b.start += n
	}
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
	if err != nil {
		return Disconnect, err
	}
	if n == 0 {
		return None, nil
	}
	if b.BytesPresent() == 0 {
		return Progress, nil
	}
	// Transport accepted a partial write: back-pressure, not yet drained.
	return None, nil
}

// CanReserve reports whether n more bytes could be written without the
// buffer permanently refusing, accounting for the compaction and
// growth AllocRawMsg/PushCtx would themselves perform. False means the
// large tier is already full of undrained bytes; the caller (the event
// queue's Process) should stop and let a Flush happen first.
func (b *OutBuf) CanReserve(n int) bool {
	if b.BytesAvailable() >= n {
		return true
	}
	if b.start > 0 && (b.BytesAvailable()+b.start) >= n {
		return true
	}
	if b.tier == Large {
		return false
	}
	return b.pool.SizeOf(Large)-(b.end-b.start) >= n
}

// Release returns the backing array to the pool.
func (b *OutBuf) Release() {
	b.pool.Put(b.tier, b.data)
	b.data = nil
}
