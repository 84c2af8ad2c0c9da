// Package dd implements the Data Descriptor (DD) and its reference-
// counted handle. A DD is an opaque typed value container normally
// owned by the PV adapter; the server core only ever touches it through
// a Handle that increments on acquisition and decrements on release,
// freeing the underlying storage when the count reaches zero. There is
// a single Handle type for const and mutable use alike; const-ness is
// an API convention (callers treat the slice Bytes returns as
// read-only; it is the stored slice itself), not a second type.
package dd

import (
	"sync/atomic"

	"github.com/epics-go/casrv/internal/wire"
)

// DD is an opaque, reference-counted value container. The zero value is
// not usable; construct with New.
type DD struct {
	refs  int32
	Type  wire.DBRType
	Count uint32
	raw   []byte // wire-encoded element data, MaxStringSize*Count etc.
}

// New creates a DD with one implicit reference, representing ownership
// the caller is about to transfer into a Handle via NewHandle.
func New(t wire.DBRType, count uint32, raw []byte) *DD {
	return &DD{refs: 1, Type: t, Count: count, raw: raw}
}

// RefCount returns the current reference count. Exposed for tests that
// verify the count always equals the number of live handles.
func (d *DD) RefCount() int32 { return atomic.LoadInt32(&d.refs) }

// Freed reports whether the last reference has been released. A freed
// DD's storage is gone; Bytes returns nil.
func (d *DD) Freed() bool { return d.RefCount() <= 0 }

// Bytes returns the wire-encoded element data. Returns nil once Freed.
func (d *DD) Bytes() []byte {
	if d.Freed() {
		return nil
	}
	return d.raw
}

func (d *DD) addRef() { atomic.AddInt32(&d.refs, 1) }

func (d *DD) release() {
	if atomic.AddInt32(&d.refs, -1) == 0 {
		d.raw = nil
	}
}

// handleState is the indirection that lets every Handle value copy
// (plain Go assignment) participate in the same exactly-once release,
// while every handle created via NewHandle or Clone gets its own state
// and therefore its own independent decrement.
type handleState struct {
	dd       *DD
	released int32
}

// Handle is a shareable, cheap-to-copy reference to a DD. Copying a
// Handle value (assignment, passing by value) does not acquire a new
// reference; it is the same handle. Use Clone to create a second,
// independently-released handle to the same DD.
type Handle struct {
	state *handleState
}

// NewHandle wraps a freshly-created DD (or one whose reference the
// caller already holds and is transferring) without incrementing the
// count; the handle takes ownership of that existing reference.
func NewHandle(d *DD) Handle {
	if d == nil {
		return Handle{}
	}
	return Handle{state: &handleState{dd: d}}
}

// Clone acquires a new reference to the same DD and returns an
// independent Handle for it. Use this whenever a DD must be aliased
// into a second owner (e.g. installed into an event queue entry while
// the originating async record still references it).
func (h Handle) Clone() Handle {
	if !h.Valid() {
		return Handle{}
	}
	h.state.dd.addRef()
	return Handle{state: &handleState{dd: h.state.dd}}
}

// Valid reports whether h refers to a live DD.
func (h Handle) Valid() bool { return h.state != nil && h.state.dd != nil }

// Value returns the underlying DD, or nil if the handle is invalid.
func (h Handle) Value() *DD {
	if !h.Valid() {
		return nil
	}
	return h.state.dd
}

// Release decrements the reference this handle holds. It is safe to
// call more than once on copies of the same Handle value; only the
// first call decrements. It is a no-op on an invalid Handle.
func (h Handle) Release() {
	if !h.Valid() {
		return
	}
	if atomic.CompareAndSwapInt32(&h.state.released, 0, 1) {
		h.state.dd.release()
	}
}
