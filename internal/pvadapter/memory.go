package pvadapter

import (
	"context"
	"sync"

	"github.com/epics-go/casrv/internal/dd"
	"github.com/epics-go/casrv/internal/wire"
)

// Record is one named PV held by MemoryAdapter.
type Record struct {
	Type   wire.DBRType
	Count  uint32
	Raw    []byte
	Rights AccessRights
}

// MemoryAdapter is a process-local reference Adapter used by tests and
// by the standalone server binary's demo mode. Every operation is
// Immediate; there is nothing here to defer.
type MemoryAdapter struct {
	mu    sync.Mutex
	pvs   map[string]*Record
	bySID map[uint32]string
	subs  map[uint64]subscription
}

type subscription struct {
	sid  uint32
	mask uint32
	sink EventSink
}

// NewMemoryAdapter creates an adapter seeded with pvs (name -> initial
// record). Callers may add more via Put.
func NewMemoryAdapter(seed map[string]*Record) *MemoryAdapter {
	pvs := make(map[string]*Record, len(seed))
	for k, v := range seed {
		pvs[k] = v
	}
	return &MemoryAdapter{pvs: pvs, bySID: make(map[uint32]string), subs: make(map[uint64]subscription)}
}

// Put installs or replaces a PV's value and notifies subscribers. A
// Put is a value change, so only subscriptions whose mask includes
// EventValue are notified.
func (a *MemoryAdapter) Put(name string, rec *Record) {
	a.mu.Lock()
	a.pvs[name] = rec
	targets := make(map[uint64]subscription)
	for tok, s := range a.subs {
		if a.bySID[s.sid] == name && s.mask&EventValue != 0 {
			targets[tok] = s
		}
	}
	a.mu.Unlock()

	for tok, t := range targets {
		raw := append([]byte(nil), rec.Raw...)
		t.sink.PostEvent(tok, wire.ECANormal, dd.New(rec.Type, rec.Count, raw))
	}
}

func (a *MemoryAdapter) PVExists(_ context.Context, name string) (bool, ChannelInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.pvs[name]
	if !ok {
		return false, ChannelInfo{}
	}
	return true, ChannelInfo{NativeType: rec.Type, NativeCount: rec.Count, Rights: rec.Rights}
}

func (a *MemoryAdapter) CreateChannel(_ context.Context, name string, sid uint32, _ uint64, _ Completion) (Outcome, ChannelInfo, wire.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.pvs[name]
	if !ok {
		return Immediate, ChannelInfo{}, wire.ECABadResID
	}
	a.bySID[sid] = name
	return Immediate, ChannelInfo{NativeType: rec.Type, NativeCount: rec.Count, Rights: rec.Rights}, wire.ECANormal
}

func (a *MemoryAdapter) DestroyChannel(sid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySID, sid)
}

func (a *MemoryAdapter) Read(_ context.Context, sid uint32, dtype wire.DBRType, count uint32, _ uint64, _ Completion) (Outcome, *dd.DD, wire.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.bySID[sid]
	if !ok {
		return Immediate, nil, wire.ECABadResID
	}
	rec := a.pvs[name]
	raw := append([]byte(nil), rec.Raw...)
	return Immediate, dd.New(dtype, count, raw), wire.ECANormal
}

func (a *MemoryAdapter) Write(_ context.Context, sid uint32, _ wire.DBRType, _ uint32, raw []byte, _ uint64, _ Completion) (Outcome, wire.Status) {
	a.mu.Lock()
	name, ok := a.bySID[sid]
	if !ok {
		a.mu.Unlock()
		return Immediate, wire.ECABadResID
	}
	rec := a.pvs[name]
	rec.Raw = append([]byte(nil), raw...)
	a.mu.Unlock()
	a.Put(name, rec)
	return Immediate, wire.ECANormal
}

func (a *MemoryAdapter) Subscribe(_ context.Context, sid uint32, dtype wire.DBRType, count uint32, mask uint32, subToken uint64, sink EventSink, _ Completion) (Outcome, *dd.DD, wire.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.bySID[sid]
	if !ok {
		return Immediate, nil, wire.ECABadResID
	}
	a.subs[subToken] = subscription{sid: sid, mask: mask, sink: sink}
	rec := a.pvs[name]
	raw := append([]byte(nil), rec.Raw...)
	return Immediate, dd.New(dtype, count, raw), wire.ECANormal
}

func (a *MemoryAdapter) Unsubscribe(subToken uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, subToken)
}
