// Package pvadapter defines the boundary between the protocol core and
// the PV/record database that backs it. That database is deliberately
// out of scope as an implementation here; the core only ever depends
// on this interface, never on a concrete storage engine.
package pvadapter

import (
	"context"

	"github.com/epics-go/casrv/internal/dd"
	"github.com/epics-go/casrv/internal/wire"
)

// Outcome tells a caller whether an adapter operation finished inline
// or was deferred to a later Completion callback.
type Outcome int

const (
	// Immediate means the call's return values are final.
	Immediate Outcome = iota
	// Deferred means the adapter will call the supplied Completion
	// asynchronously; return values besides the status are unused.
	Deferred
)

// EventValue is the event-kind bit adapters treat as "value changed".
// The server's event registry registers the value kind first, so it
// always lands on the lowest bit of a subscription mask.
const EventValue uint32 = 1 << 0

// AccessRights mirrors the CA access-rights bitset attached to a
// channel once it attaches to a PV.
type AccessRights uint8

const (
	AccessNone  AccessRights = 0
	AccessRead  AccessRights = 1 << 0
	AccessWrite AccessRights = 1 << 1
)

// ChannelInfo is what a successful attach reports back about the PV.
type ChannelInfo struct {
	NativeType  wire.DBRType
	NativeCount uint32
	Rights      AccessRights
}

// Completion is how the adapter reports the outcome of a Deferred
// call. token is whatever opaque value the core passed into the
// originating call; the core correlates it back through its async I/O
// table.
type Completion func(token uint64, status wire.Status, value *dd.DD)

// EventSink is how the adapter pushes unsolicited monitor updates into
// the core, outside of any request/response exchange. subToken
// identifies the subscription as returned by Subscribe.
type EventSink interface {
	PostEvent(subToken uint64, status wire.Status, value *dd.DD)
	// ChannelDisconnected notifies the core that the PV behind sid has
	// gone away on the adapter side, independent of client action.
	ChannelDisconnected(sid uint32)
}

// Adapter is the collaborator interface the stream and datagram client
// state machines call into for every operation that ultimately touches
// the PV database. Every method may complete Immediate or Deferred; a
// Deferred call must eventually invoke done exactly once.
type Adapter interface {
	// PVExists answers a SEARCH query without creating any state.
	// Immediate only: an adapter backed by a remote database that
	// cannot answer this synchronously should cache/prefetch rather
	// than defer, since SEARCH has no channel to hang an async record
	// off of.
	PVExists(ctx context.Context, name string) (exists bool, info ChannelInfo)

	// CreateChannel attaches to name under sid, a resource-table id the
	// core has already allocated so that a Deferred attach still has
	// something to cancel against. Yields the PV's native type, element
	// count and access rights.
	CreateChannel(ctx context.Context, name string, sid uint32, token uint64, done Completion) (Outcome, ChannelInfo, wire.Status)

	// DestroyChannel releases whatever the adapter holds for sid. No
	// completion follows; this is fire-and-forget from the core's
	// perspective.
	DestroyChannel(sid uint32)

	// Read fetches the current value of sid as dtype/count. The
	// returned *dd.DD, if non-nil, already holds the one reference the
	// caller is expected to wrap in a Handle.
	Read(ctx context.Context, sid uint32, dtype wire.DBRType, count uint32, token uint64, done Completion) (Outcome, *dd.DD, wire.Status)

	// Write applies raw (already validated against dtype/count) to
	// sid.
	Write(ctx context.Context, sid uint32, dtype wire.DBRType, count uint32, raw []byte, token uint64, done Completion) (Outcome, wire.Status)

	// Subscribe installs a monitor against sid. mask is the server's
	// registered event-kind bitset; a value change is posted to
	// sink.PostEvent (keyed by subToken) only when the mask includes
	// EventValue. The first value is returned regardless of mask (or
	// delivered via done if Deferred) and becomes the EVENT_ADD
	// response.
	Subscribe(ctx context.Context, sid uint32, dtype wire.DBRType, count uint32, mask uint32, subToken uint64, sink EventSink, done Completion) (Outcome, *dd.DD, wire.Status)

	// Unsubscribe cancels a prior Subscribe. No completion follows.
	Unsubscribe(subToken uint64)
}
