// Package client implements the per-connection protocol engine: the
// channel and monitor types a connection owns, and the stream/datagram
// state machines that drive them.
package client

import (
	"sync"

	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/wire"
)

// Chan represents one client's attachment to a named PV. It is reachable
// both from its owning client's channel list and from the server's
// resource table under SID; both must agree for the lifetime of the
// channel.
type Chan struct {
	SID         uint32 // server-assigned, resource-table id
	CID         uint32 // client-assigned, echoed back verbatim in responses
	Name        string
	Rights      pvadapter.AccessRights
	NativeType  wire.DBRType
	NativeCount uint32

	mu       sync.Mutex
	monitors map[uint32]*Mon // keyed by Mon.CID
}

// NewChan creates a channel attachment. Monitors are added with AddMon
// once CLAIM_CHANNEL completes.
func NewChan(sid, cid uint32, name string, info pvadapter.ChannelInfo) *Chan {
	return &Chan{
		SID:         sid,
		CID:         cid,
		Name:        name,
		Rights:      info.Rights,
		NativeType:  info.NativeType,
		NativeCount: info.NativeCount,
		monitors:    make(map[uint32]*Mon),
	}
}

// AddMon installs m under the channel.
func (c *Chan) AddMon(m *Mon) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors[m.CID] = m
}

// RemoveMon detaches a monitor by its client-facing id.
func (c *Chan) RemoveMon(cid uint32) (*Mon, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.monitors[cid]
	if ok {
		delete(c.monitors, cid)
	}
	return m, ok
}

// Monitors returns a snapshot of the channel's active monitors, used
// when the channel is destroyed and every monitor must be cancelled.
func (c *Chan) Monitors() []*Mon {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Mon, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, m)
	}
	return out
}

// MonCount reports the number of active monitors, feeding the event
// queue's aggregate capacity.
func (c *Chan) MonCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitors)
}

// Mon is a subscription against a channel. It lives exactly as long as
// its owning channel unless explicitly cancelled via EVENT_CANCEL.
type Mon struct {
	SID       uint32 // server-assigned resource-table id, set once installed
	CID       uint32 // client-facing subscription id, echoed in EVENT_ADD responses
	Chan      *Chan
	Count     uint32
	DataType  uint16
	EventMask uint32
	subToken  uint64 // adapter-facing subscription token
}

// NewMon creates a monitor bound to ch.
func NewMon(cid uint32, ch *Chan, count uint32, dataType uint16, mask uint32, subToken uint64) *Mon {
	return &Mon{CID: cid, Chan: ch, Count: count, DataType: dataType, EventMask: mask, subToken: subToken}
}
