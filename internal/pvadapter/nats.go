package pvadapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/epics-go/casrv/internal/dd"
	"github.com/epics-go/casrv/internal/wire"
)

// NATSAdapter backs channels with a remote PV/record database reachable
// over NATS: reads and writes are request/reply round trips, and
// monitors are ordinary subject subscriptions. Subject layout:
//
//	pv.<name>.read    request/reply, reply payload is the raw DBR bytes
//	pv.<name>.write   request/reply, reply payload is a one-byte status
//	pv.<name>.value   published whenever the record changes; every
//	                  subscriber (i.e. every CA monitor) receives it
//
// This lets the PV database live in a separate process or even a
// separate language, with the CA server as a pure protocol gateway in
// front of it.
type NATSAdapter struct {
	nc *nats.Conn

	mu    sync.Mutex
	bySID map[uint32]string
	subs  map[uint64]*nats.Subscription
}

// NewNATSAdapter wraps an already-connected NATS client.
func NewNATSAdapter(nc *nats.Conn) *NATSAdapter {
	return &NATSAdapter{nc: nc, bySID: make(map[uint32]string), subs: make(map[uint64]*nats.Subscription)}
}

func subjectFor(name, verb string) string {
	return fmt.Sprintf("pv.%s.%s", name, verb)
}

// PVExists probes pv.<name>.describe with a zero-length request; a
// well-formed reply within the context deadline means the record
// database knows the name.
func (a *NATSAdapter) PVExists(ctx context.Context, name string) (bool, ChannelInfo) {
	reply, err := a.nc.RequestWithContext(ctx, subjectFor(name, "describe"), nil)
	if err != nil || len(reply.Data) < 5 {
		return false, ChannelInfo{}
	}
	return true, decodeChannelInfo(reply.Data)
}

func decodeChannelInfo(b []byte) ChannelInfo {
	return ChannelInfo{
		NativeType:  wire.DBRType(binary.BigEndian.Uint16(b[0:2])),
		NativeCount: uint32(binary.BigEndian.Uint16(b[2:4])),
		Rights:      AccessRights(b[4]),
	}
}

func (a *NATSAdapter) CreateChannel(ctx context.Context, name string, sid uint32, _ uint64, _ Completion) (Outcome, ChannelInfo, wire.Status) {
	reply, err := a.nc.RequestWithContext(ctx, subjectFor(name, "describe"), nil)
	if err != nil {
		return Immediate, ChannelInfo{}, wire.ECADisconn
	}
	if len(reply.Data) < 5 {
		return Immediate, ChannelInfo{}, wire.ECABadResID
	}
	a.mu.Lock()
	a.bySID[sid] = name
	a.mu.Unlock()
	return Immediate, decodeChannelInfo(reply.Data), wire.ECANormal
}

func (a *NATSAdapter) DestroyChannel(sid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySID, sid)
}

func (a *NATSAdapter) nameFor(sid uint32) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.bySID[sid]
	return name, ok
}

func (a *NATSAdapter) Read(ctx context.Context, sid uint32, dtype wire.DBRType, count uint32, _ uint64, _ Completion) (Outcome, *dd.DD, wire.Status) {
	name, ok := a.nameFor(sid)
	if !ok {
		return Immediate, nil, wire.ECABadResID
	}
	reply, err := a.nc.RequestWithContext(ctx, subjectFor(name, "read"), nil)
	if err != nil {
		return Immediate, nil, wire.ECADisconn
	}
	return Immediate, dd.New(dtype, count, reply.Data), wire.ECANormal
}

func (a *NATSAdapter) Write(ctx context.Context, sid uint32, _ wire.DBRType, _ uint32, raw []byte, _ uint64, _ Completion) (Outcome, wire.Status) {
	name, ok := a.nameFor(sid)
	if !ok {
		return Immediate, wire.ECABadResID
	}
	reply, err := a.nc.RequestWithContext(ctx, subjectFor(name, "write"), raw)
	if err != nil {
		return Immediate, wire.ECADisconn
	}
	if len(reply.Data) < 1 || reply.Data[0] != 0 {
		return Immediate, wire.ECANoWtAccess
	}
	return Immediate, wire.ECANormal
}

func (a *NATSAdapter) Subscribe(ctx context.Context, sid uint32, dtype wire.DBRType, count uint32, mask uint32, subToken uint64, sink EventSink, _ Completion) (Outcome, *dd.DD, wire.Status) {
	name, ok := a.nameFor(sid)
	if !ok {
		return Immediate, nil, wire.ECABadResID
	}

	// The value subject is the only event source here; a mask without
	// the value bit means no subject subscription at all.
	if mask&EventValue != 0 {
		sub, err := a.nc.Subscribe(subjectFor(name, "value"), func(msg *nats.Msg) {
			sink.PostEvent(subToken, wire.ECANormal, dd.New(dtype, count, msg.Data))
		})
		if err != nil {
			return Immediate, nil, wire.ECAInternal
		}
		a.mu.Lock()
		a.subs[subToken] = sub
		a.mu.Unlock()
	}

	reply, err := a.nc.RequestWithContext(ctx, subjectFor(name, "read"), nil)
	if err != nil {
		return Immediate, nil, wire.ECADisconn
	}
	return Immediate, dd.New(dtype, count, reply.Data), wire.ECANormal
}

func (a *NATSAdapter) Unsubscribe(subToken uint64) {
	a.mu.Lock()
	sub, ok := a.subs[subToken]
	delete(a.subs, subToken)
	a.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}
