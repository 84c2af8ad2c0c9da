package buffer

import (
	"errors"
	"io"
)

// InBuf accumulates inbound bytes for one stream client. It is a flat
// grow-on-demand buffer, not a true circular ring: bytes are appended at
// the tail and consumed from the head by RemoveMsg once the frame loop
// has decoded a full message. Single-threaded per client: callers must
// not invoke Fill and RemoveMsg concurrently from different goroutines.
type InBuf struct {
	pool  *Pool
	tier  Tier
	data  []byte
	start int // read cursor: first unconsumed byte
	end   int // write cursor: one past the last buffered byte
}

// NewInBuf draws an initial small-tier buffer from pool.
func NewInBuf(pool *Pool) *InBuf {
	return &InBuf{pool: pool, tier: Small, data: pool.Get(Small)}
}

// BytesPresent returns the number of unconsumed buffered bytes.
func (b *InBuf) BytesPresent() int { return b.end - b.start }

// BytesAvailable returns free space at the tail without growing.
func (b *InBuf) BytesAvailable() int { return len(b.data) - b.end }

// Full reports whether the buffer has no room left at its current tier.
func (b *InBuf) Full() bool { return b.BytesAvailable() == 0 }

// Bytes returns the currently buffered, unconsumed bytes. The slice
// aliases internal storage and is only valid until the next Fill,
// RemoveMsg, or Grow call.
func (b *InBuf) Bytes() []byte { return b.data[b.start:b.end] }

// compact slides unconsumed bytes down to offset 0, reclaiming space
// that RemoveMsg has freed at the head.
func (b *InBuf) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start = 0
	b.end = n
}

// grow moves to the next size tier, copying retained bytes into the new
// backing array and releasing the old one. It returns false if already
// at the large tier (growth never shrinks, and is capped there).
func (b *InBuf) grow() bool {
	if b.tier == Large {
		return false
	}
	next := b.pool.Get(Large)
	n := copy(next, b.data[b.start:b.end])
	b.pool.Put(b.tier, b.data)
	b.data = next
	b.tier = Large
	b.start = 0
	b.end = n
	return true
}

// ensureSpace compacts, then grows at most once, until at least
// `want` free bytes are available at the tail. Returns false if that is
// not achievable (want exceeds the large tier's total capacity).
func (b *InBuf) ensureSpace(want int) bool {
	if b.BytesAvailable() >= want {
		return true
	}
	b.compact()
	if b.BytesAvailable() >= want {
		return true
	}
	for b.BytesAvailable() < want {
		if !b.grow() {
			return len(b.data) >= want && b.BytesAvailable() >= want
		}
	}
	return true
}

// Fill reads whatever the transport currently has to offer and appends
// it to the tail, growing to the next tier first if the buffer is full.
func (b *InBuf) Fill(r Reader) (IOResult, error) {
	if b.Full() {
		b.compact()
		if b.Full() && !b.grow() {
			return None, ErrNoSpace
		}
	}
	n, err := r.Read(b.data[b.end:])
	if n > 0 {
		b.end += n
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Disconnect, nil
		}
		return Disconnect, err
	}
	if n == 0 {
		return None, nil
	}
	return Progress, nil
}

// RemoveMsg advances the read cursor past a fully decoded message of n
// bytes (header plus padded payload).
func (b *InBuf) RemoveMsg(n int) error {
	if n < 0 || n > b.BytesPresent() {
		return ErrPopMismatch
	}
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
	return nil
}

// Release returns the backing array to the pool. Call once the client
// is torn down.
func (b *InBuf) Release() {
	b.pool.Put(b.tier, b.data)
	b.data = nil
}
