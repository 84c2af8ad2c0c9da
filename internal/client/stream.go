package client

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/epics-go/casrv/internal/asyncio"
	"github.com/epics-go/casrv/internal/buffer"
	"github.com/epics-go/casrv/internal/dd"
	"github.com/epics-go/casrv/internal/monitoring"
	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/queue"
	"github.com/epics-go/casrv/internal/restable"
	"github.com/epics-go/casrv/internal/wire"
	"github.com/epics-go/casrv/internal/workerpool"
)

// errDisconnect signals to the frame loop that the connection must be
// torn down; it never reaches a caller outside this package.
var errDisconnect = errors.New("client: disconnect")

// Transport is the minimal byte-stream a StreamClient drives. A real
// server hands it a *net.TCPConn; tests hand it an in-memory pipe.
type Transport interface {
	io.Reader
	io.Writer
}

type handlerFunc func(*StreamClient, *dispatchContext) error

// Hooks are server-owned collaborators a StreamClient consults but
// does not itself own: the admission gate and per-client throttle
// casrv.Server builds once and shares across every connection, plus
// the channel/monitor counters the admission gate's count function
// reads. Any field left nil is simply not consulted;
// tests construct a StreamClient with a zero Hooks to exercise the
// protocol engine without admission control.
type Hooks struct {
	// Admit is consulted once per CLAIM_CHANNEL, before reserving any
	// resource-table slot.
	Admit func() (bool, string)
	// Throttle is consulted once per dispatched opcode.
	Throttle func() bool
	// MonitorMask translates the DBE bits of an EVENT_ADD request into
	// the server's registered event-kind mask. When nil, the wire bits
	// are used as-is (the well-known kinds occupy the same low bits).
	MonitorMask func(wireMask uint16) uint32
	// ChannelDelta/MonitorDelta are called with +1/-1 as channels and
	// monitors are claimed and released.
	ChannelDelta func(delta int)
	MonitorDelta func(delta int)
}

// StreamClient is the per-connection protocol engine for a TCP peer:
// InBuf, OutBuf, event queue and async table composed around a shared,
// server-wide resource table.
type StreamClient struct {
	ID   uint32
	conn Transport
	Log  zerolog.Logger

	in    *buffer.InBuf
	out   *buffer.OutBuf
	q     *queue.Queue
	async *asyncio.Table
	res   *restable.Table // server-wide, shared across all clients
	adp   pvadapter.Adapter
	pool  *workerpool.Pool
	hooks Hooks

	// qmu guards every access to q: the adapter may call PostEvent/
	// ChannelDisconnected from any goroutine, while RunOnce drains the
	// queue on the frame-loop goroutine.
	qmu sync.Mutex

	mu             sync.Mutex
	chans          map[uint32]*Chan  // by SID
	asyncRes       map[uint64]uint32 // async token -> resource-table id
	minorVersion   uint16
	userName       string
	hostName       string
	destroyPending bool
	nextSubToken   uint64

	// DroppedCompletions counts adapter completions that arrived after
	// their async record was already gone (disconnect or channel clear).
	DroppedCompletions atomic.Int64
}

// NewStreamClient wires a fresh connection against the server-wide
// resource table, pv adapter, and the shared worker pool completions are
// dispatched through.
func NewStreamClient(id uint32, conn Transport, bufPool *buffer.Pool, res *restable.Table, adp pvadapter.Adapter, pool *workerpool.Pool, hooks Hooks, log zerolog.Logger) *StreamClient {
	return &StreamClient{
		ID:       id,
		conn:     conn,
		Log:      log,
		in:       buffer.NewInBuf(bufPool),
		out:      buffer.NewOutBuf(bufPool),
		q:        queue.New(),
		async:    asyncio.New(),
		res:      res,
		adp:      adp,
		pool:     pool,
		hooks:    hooks,
		chans:    make(map[uint32]*Chan),
		asyncRes: make(map[uint64]uint32),
	}
}

func (c *StreamClient) bumpChannelCount(delta int) {
	if c.hooks.ChannelDelta != nil {
		c.hooks.ChannelDelta(delta)
	}
}

func (c *StreamClient) bumpMonitorCount(delta int) {
	if c.hooks.MonitorDelta != nil {
		c.hooks.MonitorDelta(delta)
	}
}

func (c *StreamClient) clientIDLabel() string {
	return strconv.Itoa(int(c.ID))
}

// noteDroppedCompletion accounts for an adapter completion whose async
// record was already gone: the client disconnected or the channel was
// cleared first.
func (c *StreamClient) noteDroppedCompletion() {
	c.DroppedCompletions.Add(1)
	monitoring.DroppedCompletionsTotal.WithLabelValues(c.clientIDLabel()).Inc()
}

// Close releases every channel still held by this client: unsubscribes
// its monitors, cancels in-flight async records, and tells the adapter
// to destroy each channel, so a client that drops its connection
// without sending CLEAR_CHANNEL does not leak admission-gate headroom.
// Callers must not use the client after calling Close.
func (c *StreamClient) Close() {
	c.mu.Lock()
	chans := make([]*Chan, 0, len(c.chans))
	for _, ch := range c.chans {
		chans = append(chans, ch)
	}
	c.chans = make(map[uint32]*Chan)
	c.mu.Unlock()

	// Everything still in flight (including the reserved sid of a
	// pending CLAIM_CHANNEL attach) is cancelled wholesale before the
	// channels come out of the table, so a freed sid cannot be
	// reallocated to another client and then removed here. Late
	// completions become silent drops.
	for _, rec := range c.async.CancelAll() {
		c.freeAsyncRes(rec.Token)
		c.res.Remove(rec.ChanSID)
	}

	for _, ch := range chans {
		mons := ch.Monitors()
		for _, m := range mons {
			c.dropMonitor(m)
		}
		c.bumpMonitorCount(-len(mons))
		c.adp.DestroyChannel(ch.SID)
		c.res.Remove(ch.SID)
		c.bumpChannelCount(-1)
	}
}

// dropMonitor unsubscribes a monitor from the adapter, purges its
// queued events, and frees its resource-table id.
func (c *StreamClient) dropMonitor(m *Mon) {
	c.adp.Unsubscribe(m.subToken)
	c.queueRemove(queue.MonitorID(m.CID))
	c.res.Remove(m.SID)
}

// --- event queue access, guarded by qmu -----------------------------

func (c *StreamClient) queuePush(e *queue.Entry) {
	c.qmu.Lock()
	c.q.Push(e)
	c.qmu.Unlock()
}

func (c *StreamClient) queueRemove(id queue.MonitorID) {
	c.qmu.Lock()
	c.q.Remove(id)
	c.qmu.Unlock()
}

func (c *StreamClient) queueEventsOff() {
	c.qmu.Lock()
	c.q.EventsOff()
	c.qmu.Unlock()
}

func (c *StreamClient) queueEventsOn() {
	c.qmu.Lock()
	c.q.EventsOn()
	c.qmu.Unlock()
}

func (c *StreamClient) queueProcess(sink queue.Sink, format func(*queue.Entry) (bool, int)) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	c.q.SetMonitorCount(c.totalMonitors())
	c.q.Process(sink, format)
	label := c.clientIDLabel()
	monitoring.EventQueueDepth.WithLabelValues(label).Set(float64(c.q.Len()))
	monitoring.EventQueueState.WithLabelValues(label).Set(float64(c.q.State()))
}

// RunOnce executes one iteration of the frame loop: fill,
// parse+dispatch every complete message, drain the event queue, flush.
// Callers loop this until it returns an error or the client is
// destroy-pending.
func (c *StreamClient) RunOnce(ctx context.Context) error {
	res, err := c.in.Fill(c.conn)
	if err != nil {
		return err
	}
	if res == buffer.Disconnect {
		c.markDestroyPending()
	}

	for {
		hdr, hdrLen, ok := c.peekHeader()
		if !ok {
			break
		}
		total := hdr.PaddedMsgSize()
		if c.in.BytesPresent() < total {
			break // payload not fully present yet
		}
		payload := c.in.Bytes()[hdrLen : int(hdr.PayloadSize)+hdrLen]

		dctx := &dispatchContext{hdr: hdr, payload: payload}
		if err := c.dispatch(ctx, dctx); err != nil {
			if errors.Is(err, errDisconnect) {
				c.markDestroyPending()
				_ = c.in.RemoveMsg(total)
				break
			}
			c.Log.Warn().Err(err).Str("cmd", hdr.Command.String()).Msg("request handling failed")
		}
		if err := c.in.RemoveMsg(total); err != nil {
			break
		}
	}

	monitoring.AsyncTableDepth.WithLabelValues(c.clientIDLabel()).Set(float64(c.async.Len()))
	c.queueProcess(outBufSink{c.out}, c.formatEvent)

	flushRes, err := c.out.Flush(c.conn, 0)
	if err != nil {
		return err
	}
	switch flushRes {
	case buffer.Disconnect:
		c.markDestroyPending()
	case buffer.None:
		// Transport back-pressure: enable replace-mode so a slow
		// consumer starts coalescing instead of growing the queue.
		if c.out.BytesPresent() > 0 {
			c.qmu.Lock()
			c.q.EnterSaturated()
			c.qmu.Unlock()
		}
	}
	return nil
}

// markDestroyPending flags the client for teardown and stops the event
// queue from draining anything further.
func (c *StreamClient) markDestroyPending() {
	c.mu.Lock()
	c.destroyPending = true
	c.mu.Unlock()
	c.qmu.Lock()
	c.q.MarkDestroyPending()
	c.qmu.Unlock()
}

// DestroyPending reports whether the connection should be torn down
// after the current RunOnce returns.
func (c *StreamClient) DestroyPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyPending
}

func (c *StreamClient) totalMonitors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.chans {
		n += ch.MonCount()
	}
	return n
}

func (c *StreamClient) peekHeader() (wire.Hdr, int, bool) {
	hdr, n, err := wire.Decode(c.in.Bytes())
	if err != nil {
		return wire.Hdr{}, 0, false
	}
	return hdr, n, true
}

// opcodeTable is the fixed jump table indexed by command. An opcode
// absent from this map calls unknownOpcode, which disconnects.
var opcodeTable = map[wire.Command]handlerFunc{
	wire.CmdVersion:      (*StreamClient).handleVersion,
	wire.CmdEcho:         (*StreamClient).handleEcho,
	wire.CmdEventAdd:     (*StreamClient).handleEventAdd,
	wire.CmdEventCancel:  (*StreamClient).handleEventCancel,
	wire.CmdRead:         (*StreamClient).handleRead,
	wire.CmdReadNotify:   (*StreamClient).handleReadNotify,
	wire.CmdWrite:        (*StreamClient).handleWrite,
	wire.CmdWriteNotify:  (*StreamClient).handleWriteNotify,
	wire.CmdEventsOff:    (*StreamClient).handleEventsOff,
	wire.CmdEventsOn:     (*StreamClient).handleEventsOn,
	wire.CmdReadSync:     (*StreamClient).handleReadSync,
	wire.CmdClearChannel: (*StreamClient).handleClearChannel,
	wire.CmdClaimChannel: (*StreamClient).handleClaimChannel,
	wire.CmdClientName:   (*StreamClient).handleClientName,
	wire.CmdHostName:     (*StreamClient).handleHostName,
}

func (c *StreamClient) dispatch(ctx context.Context, dctx *dispatchContext) error {
	if c.hooks.Throttle != nil && !c.hooks.Throttle() {
		c.Log.Debug().Str("cmd", dctx.hdr.Command.String()).Msg("opcode dropped by throttle")
		return nil
	}
	h, ok := opcodeTable[dctx.hdr.Command]
	if !ok {
		return c.unknownOpcode(dctx)
	}
	return h(c, dctx)
}

func (c *StreamClient) unknownOpcode(dctx *dispatchContext) error {
	c.Log.Warn().Str("cmd", dctx.hdr.Command.String()).Msg("unknown opcode, disconnecting")
	return errDisconnect
}

// verifyRequest resolves the channel referenced by the request
// (carried in hdr.CID for every opcode except CLAIM_CHANNEL, which has
// not been assigned an sid yet) through the shared resource table. An
// id that is missing, names a monitor or async record instead of a
// channel, or belongs to another client responds with BadResourceId
// and the handler continues processing other requests; it does not
// disconnect the client. A rejected request always yields a non-nil
// error, so the calling handler stops before touching dctx.ch.
func (c *StreamClient) verifyRequest(dctx *dispatchContext) error {
	reject := func(reason string) error {
		if err := c.sendError(dctx.hdr, wire.ECABadResID); err != nil {
			return err
		}
		return errors.New("client: request rejected: " + reason)
	}
	h, err := c.res.Lookup(dctx.hdr.CID, restable.KindChannel)
	if err != nil {
		c.Log.Info().Uint32("sid", dctx.hdr.CID).Err(err).Msg("bad resource id")
		return reject("bad resource id")
	}
	ch, _ := h.(*Chan)
	if ch == nil {
		// Placeholder installed by a CLAIM_CHANNEL whose attach is
		// still pending; the channel is not usable yet.
		c.Log.Info().Uint32("sid", dctx.hdr.CID).Msg("channel attach still pending")
		return reject("channel attach still pending")
	}
	c.mu.Lock()
	owned := c.chans[ch.SID] == ch
	c.mu.Unlock()
	if !owned {
		c.Log.Info().Uint32("sid", dctx.hdr.CID).Msg("channel belongs to a different client")
		return reject("channel belongs to a different client")
	}
	dctx.ch = ch
	return nil
}

func (c *StreamClient) sendError(req wire.Hdr, status wire.Status) error {
	resp := wire.Hdr{Command: wire.CmdError, CID: req.CID, ResponseSpecific: uint32(status)}
	return c.writeResponse(resp, nil)
}

func (c *StreamClient) writeResponse(hdr wire.Hdr, payload []byte) error {
	hdr.PayloadSize = uint32(len(payload))
	off, ok := c.out.AllocRawMsg(hdr.WireSize() + wire.RoundUp8(len(payload)))
	if !ok {
		// No room even at the large tier: the response is not written
		// and the caller gets the error to surface.
		return buffer.ErrNoSpace
	}
	buf := c.out.Bytes()
	n, err := hdr.Encode(buf[off:])
	if err != nil {
		return err
	}
	copy(buf[off+n:], payload)
	return c.out.CommitMsg(off, hdr.WireSize()+wire.RoundUp8(len(payload)))
}

// --- opcode handlers -------------------------------------------------

func (c *StreamClient) handleVersion(dctx *dispatchContext) error {
	c.mu.Lock()
	c.minorVersion = uint16(dctx.hdr.ResponseSpecific)
	c.mu.Unlock()
	return nil
}

func (c *StreamClient) handleEcho(dctx *dispatchContext) error {
	return c.writeResponse(dctx.hdr, dctx.payload)
}

func (c *StreamClient) handleClientName(dctx *dispatchContext) error {
	c.mu.Lock()
	c.userName = string(dctx.payload)
	c.mu.Unlock()
	return nil
}

func (c *StreamClient) handleHostName(dctx *dispatchContext) error {
	c.mu.Lock()
	c.hostName = string(dctx.payload)
	c.mu.Unlock()
	return nil
}

func (c *StreamClient) handleClaimChannel(dctx *dispatchContext) error {
	name := cstring(dctx.payload)
	clientCID := dctx.hdr.CID

	// A second CLAIM_CHANNEL reusing a cid this client already holds a
	// channel under is rejected; the first channel is left untouched.
	if c.hasChannelForCID(clientCID) {
		c.Log.Info().Uint32("cid", clientCID).Msg("duplicate claim-channel cid")
		return c.sendError(dctx.hdr, wire.ECABadResID)
	}

	if c.hooks.Admit != nil {
		if ok, reason := c.hooks.Admit(); !ok {
			c.Log.Info().Str("reason", reason).Msg("channel admission refused")
			return c.sendError(dctx.hdr, wire.ECAAllocMem)
		}
	}

	// The channel has no sid yet, but CreateChannel can still be
	// Deferred, so reserve one now purely so a pending attach has
	// something to key the async record and a future CLEAR_CHANNEL
	// race against.
	sidPlaceholder := c.res.Install(restable.KindChannel, (*Chan)(nil))
	token, err := c.installAsync(dctx, sidPlaceholder)
	if err != nil {
		c.res.Remove(sidPlaceholder)
		return c.sendError(dctx.hdr, wire.ECAAllocMem)
	}

	outcome, info, status := c.adp.CreateChannel(context.Background(), name, sidPlaceholder, token, c.completeClaimChannel(clientCID, sidPlaceholder, name))
	if outcome == pvadapter.Deferred {
		return nil
	}
	c.removeAsync(token)
	if status != wire.ECANormal {
		c.res.Remove(sidPlaceholder)
		return c.sendError(dctx.hdr, status)
	}
	ch := c.installClaimedChannel(sidPlaceholder, clientCID, name, info)
	return c.respondClaimChannel(clientCID, ch.SID, info)
}

// hasChannelForCID reports whether this client already holds a channel
// claimed under the client-assigned id cid (c.chans is keyed by sid, so
// every live channel's own CID must be checked).
func (c *StreamClient) hasChannelForCID(cid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.chans {
		if ch.CID == cid {
			return true
		}
	}
	return false
}

// installAsync is the single path through which a handler installs an
// async record, enforcing the one-record-per-request guard. The record
// is also registered in the shared resource table under its own kind.
func (c *StreamClient) installAsync(dctx *dispatchContext, chanSID uint32) (uint64, error) {
	if !dctx.markAsyncInstalled() {
		c.Log.Warn().Str("cmd", dctx.hdr.Command.String()).Msg("handler tried to install a second async record for one request")
		return 0, asyncio.ErrTooMany
	}
	token, err := c.async.Install(dctx.hdr, chanSID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.asyncRes[token] = c.res.Install(restable.KindAsyncIO, token)
	c.mu.Unlock()
	return token, nil
}

// removeAsync removes token from the async table and frees its
// resource-table id. A miss on the table half is the usual
// already-cancelled case and is reported to the caller.
func (c *StreamClient) removeAsync(token uint64) (asyncio.Record, bool) {
	rec, ok := c.async.Remove(token)
	c.freeAsyncRes(token)
	return rec, ok
}

// cancelAsyncForChannel cancels every async record pending against
// chanSID, freeing each record's resource-table id alongside it.
func (c *StreamClient) cancelAsyncForChannel(chanSID uint32) {
	for _, token := range c.async.CancelForChannel(chanSID) {
		c.freeAsyncRes(token)
	}
}

func (c *StreamClient) freeAsyncRes(token uint64) {
	c.mu.Lock()
	if id, ok := c.asyncRes[token]; ok {
		c.res.Remove(id)
		delete(c.asyncRes, token)
	}
	c.mu.Unlock()
}

func (c *StreamClient) installClaimedChannel(sid, clientCID uint32, name string, info pvadapter.ChannelInfo) *Chan {
	ch := NewChan(sid, clientCID, name, info)
	_ = c.res.Replace(sid, restable.KindChannel, ch)
	c.mu.Lock()
	c.chans[sid] = ch
	c.mu.Unlock()
	c.bumpChannelCount(1)
	return ch
}

func (c *StreamClient) respondClaimChannel(clientCID, sid uint32, info pvadapter.ChannelInfo) error {
	resp := wire.Hdr{
		Command:          wire.CmdClaimChannel,
		CID:              clientCID,
		DataType:         uint16(info.NativeType),
		Count:            info.NativeCount,
		ResponseSpecific: sid,
	}
	return c.writeResponse(resp, nil)
}

// completeClaimChannel is the Completion callback for a Deferred
// CreateChannel, invoked on whatever goroutine the adapter calls back
// from. The actual response work is submitted to the shared worker
// pool so a slow adapter callback goroutine is never held up finishing
// a client's response.
func (c *StreamClient) completeClaimChannel(clientCID, reservedSID uint32, name string) pvadapter.Completion {
	return func(token uint64, status wire.Status, _ *dd.DD) {
		c.pool.Submit(func() {
			rec, ok := c.removeAsync(token)
			if !ok {
				c.noteDroppedCompletion()
				return
			}
			if status != wire.ECANormal {
				c.res.Remove(reservedSID)
				_ = c.sendError(rec.Hdr, status)
				return
			}
			_, chInfo := c.adp.PVExists(context.Background(), name)
			c.installClaimedChannel(reservedSID, clientCID, name, chInfo)
			_ = c.respondClaimChannel(clientCID, reservedSID, chInfo)
		})
	}
}

func (c *StreamClient) handleClearChannel(dctx *dispatchContext) error {
	if err := c.verifyRequest(dctx); err != nil {
		return err
	}
	ch := dctx.ch

	mons := ch.Monitors()
	for _, m := range mons {
		c.dropMonitor(m)
	}
	c.bumpMonitorCount(-len(mons))
	c.cancelAsyncForChannel(ch.SID) // removed without generating responses

	c.adp.DestroyChannel(ch.SID)
	c.res.Remove(ch.SID)
	c.mu.Lock()
	delete(c.chans, ch.SID)
	c.mu.Unlock()
	c.bumpChannelCount(-1)

	return c.writeResponse(wire.Hdr{Command: wire.CmdClearChannel, CID: dctx.hdr.CID}, nil)
}

func (c *StreamClient) handleRead(dctx *dispatchContext) error {
	return c.doRead(dctx, false)
}

func (c *StreamClient) handleReadNotify(dctx *dispatchContext) error {
	return c.doRead(dctx, true)
}

func (c *StreamClient) doRead(dctx *dispatchContext, notify bool) error {
	if err := c.verifyRequest(dctx); err != nil {
		return err
	}
	ch := dctx.ch
	if ch.Rights&pvadapter.AccessRead == 0 {
		return c.sendError(dctx.hdr, wire.ECANoRdAccess)
	}
	if status := checkTypeCount(ch, dctx.hdr); status != wire.ECANormal {
		return c.sendError(dctx.hdr, status)
	}
	token, err := c.installAsync(dctx, ch.SID)
	if err != nil {
		return c.sendError(dctx.hdr, wire.ECAAllocMem)
	}
	dt := wire.DBRType(dctx.hdr.DataType)
	outcome, value, status := c.adp.Read(context.Background(), ch.SID, dt, dctx.hdr.Count, token, c.completeRead(notify))
	if outcome == pvadapter.Deferred {
		return nil
	}
	c.removeAsync(token)
	return c.respondRead(dctx.hdr, notify, status, value)
}

func (c *StreamClient) completeRead(notify bool) pvadapter.Completion {
	return func(token uint64, status wire.Status, value *dd.DD) {
		c.pool.Submit(func() {
			rec, ok := c.removeAsync(token)
			if !ok {
				c.noteDroppedCompletion()
				return
			}
			_ = c.respondRead(rec.Hdr, notify, status, value)
		})
	}
}

func (c *StreamClient) respondRead(req wire.Hdr, notify bool, status wire.Status, value *dd.DD) error {
	cmd := wire.CmdRead
	if notify {
		cmd = wire.CmdReadNotify
	}
	resp := wire.Hdr{Command: cmd, CID: req.CID, DataType: req.DataType, Count: req.Count, ResponseSpecific: uint32(status)}
	var payload []byte
	if value != nil {
		payload = value.Bytes()
	}
	return c.writeResponse(resp, payload)
}

func (c *StreamClient) handleWrite(dctx *dispatchContext) error {
	return c.doWrite(dctx, false)
}

func (c *StreamClient) handleWriteNotify(dctx *dispatchContext) error {
	return c.doWrite(dctx, true)
}

func (c *StreamClient) doWrite(dctx *dispatchContext, notify bool) error {
	if err := c.verifyRequest(dctx); err != nil {
		return err
	}
	ch := dctx.ch
	if ch.Rights&pvadapter.AccessWrite == 0 {
		if notify {
			return c.sendError(dctx.hdr, wire.ECANoWtAccess)
		}
		return nil // WRITE has no response unless error, but silent drop is acceptable for unauthorized fire-and-forget
	}

	if status := checkTypeCount(ch, dctx.hdr); status != wire.ECANormal {
		if notify {
			return c.sendError(dctx.hdr, status)
		}
		return nil
	}

	raw := normalizeWritePayload(wire.DBRType(dctx.hdr.DataType), dctx.hdr.Count, dctx.payload)
	token, err := c.installAsync(dctx, ch.SID)
	if err != nil {
		if notify {
			return c.sendError(dctx.hdr, wire.ECAAllocMem)
		}
		return nil
	}
	outcome, status := c.adp.Write(context.Background(), ch.SID, wire.DBRType(dctx.hdr.DataType), dctx.hdr.Count, raw, token, c.completeWrite(notify))
	if outcome == pvadapter.Deferred {
		return nil
	}
	c.removeAsync(token)
	if notify {
		return c.writeResponse(wire.Hdr{Command: wire.CmdWriteNotify, CID: dctx.hdr.CID, ResponseSpecific: uint32(status)}, nil)
	}
	if status != wire.ECANormal {
		return c.sendError(dctx.hdr, status)
	}
	return nil
}

func (c *StreamClient) completeWrite(notify bool) pvadapter.Completion {
	return func(token uint64, status wire.Status, _ *dd.DD) {
		c.pool.Submit(func() {
			rec, ok := c.removeAsync(token)
			if !ok {
				c.noteDroppedCompletion()
				return
			}
			if notify {
				_ = c.writeResponse(wire.Hdr{Command: wire.CmdWriteNotify, CID: rec.Hdr.CID, ResponseSpecific: uint32(status)}, nil)
				return
			}
			if status != wire.ECANormal {
				_ = c.sendError(rec.Hdr, status)
			}
		})
	}
}

// checkTypeCount validates a request's type/count against the PV's
// native metadata: the type must be a known DBR code and the element
// count must be nonzero and within the PV's native count.
func checkTypeCount(ch *Chan, hdr wire.Hdr) wire.Status {
	if wire.ElementSize(wire.DBRType(hdr.DataType)) == 0 {
		return wire.ECABadType
	}
	if hdr.Count == 0 || (ch.NativeCount > 0 && hdr.Count > ch.NativeCount) {
		return wire.ECABadCount
	}
	return wire.ECANormal
}

// normalizeWritePayload applies the write payload rules: scalar for
// count==1, NUL-terminated and MaxStringSize-bound for strings, array
// for count>1.
func normalizeWritePayload(t wire.DBRType, count uint32, payload []byte) []byte {
	if t == wire.DBRString {
		n := len(payload)
		if n > wire.MaxStringSize {
			n = wire.MaxStringSize
		}
		for i := 0; i < n; i++ {
			if payload[i] == 0 {
				n = i
				break
			}
		}
		return append([]byte(nil), payload[:n]...)
	}
	elemSize := wire.ElementSize(t)
	want := elemSize * int(count)
	if want > len(payload) {
		want = len(payload)
	}
	return append([]byte(nil), payload[:want]...)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (c *StreamClient) handleEventAdd(dctx *dispatchContext) error {
	if err := c.verifyRequest(dctx); err != nil {
		return err
	}
	ch := dctx.ch
	if ch.Rights&pvadapter.AccessRead == 0 {
		return c.sendError(dctx.hdr, wire.ECANoRdAccess)
	}
	if status := checkTypeCount(ch, dctx.hdr); status != wire.ECANormal {
		return c.sendError(dctx.hdr, status)
	}

	monCID := dctx.hdr.ResponseSpecific
	c.mu.Lock()
	c.nextSubToken++
	subToken := c.nextSubToken
	c.mu.Unlock()

	wireMask := eventAddWireMask(dctx.payload)
	mask := uint32(wireMask)
	if c.hooks.MonitorMask != nil {
		mask = c.hooks.MonitorMask(wireMask)
	}

	mon := NewMon(monCID, ch, dctx.hdr.Count, dctx.hdr.DataType, mask, subToken)
	ch.AddMon(mon)

	// The subscription's initial value is the EVENT_ADD response; it is
	// enqueued rather than written inline so it obeys the same flow
	// control as every later update.
	outcome, value, status := c.adp.Subscribe(context.Background(), ch.SID, wire.DBRType(dctx.hdr.DataType), dctx.hdr.Count, mon.EventMask, subToken, c, c.completeSubscribe(mon))
	if status != wire.ECANormal {
		ch.RemoveMon(monCID)
		return c.sendError(dctx.hdr, status)
	}
	mon.SID = c.res.Install(restable.KindMonitor, mon)
	c.bumpMonitorCount(1)
	if outcome == pvadapter.Immediate && value != nil {
		c.queuePush(monitorEntry(mon, value))
	}
	return nil
}

// eventAddWireMask extracts the event-selection bits from an EVENT_ADD
// request payload: three 4-byte deadband values followed by the mask.
// A short or absent payload defaults to value-change events.
func eventAddWireMask(payload []byte) uint16 {
	if len(payload) < 14 {
		return wire.DBEValue
	}
	return binary.BigEndian.Uint16(payload[12:14])
}

// completeSubscribe delivers the initial value of a Deferred Subscribe
// through the event queue, same as any later update.
func (c *StreamClient) completeSubscribe(mon *Mon) pvadapter.Completion {
	return func(_ uint64, status wire.Status, value *dd.DD) {
		c.pool.Submit(func() {
			if status != wire.ECANormal || value == nil {
				return
			}
			c.queuePush(monitorEntry(mon, value))
		})
	}
}

func (c *StreamClient) handleEventCancel(dctx *dispatchContext) error {
	if err := c.verifyRequest(dctx); err != nil {
		return err
	}
	ch := dctx.ch
	monCID := dctx.hdr.ResponseSpecific
	mon, ok := ch.RemoveMon(monCID)
	if ok {
		c.dropMonitor(mon)
		c.bumpMonitorCount(-1)
	}
	// The terminating reply is an EVENT_ADD with an empty payload; the
	// client library uses it to know the subscription is gone.
	return c.writeResponse(wire.Hdr{Command: wire.CmdEventAdd, CID: dctx.hdr.CID, DataType: dctx.hdr.DataType, ResponseSpecific: monCID}, nil)
}

func (c *StreamClient) handleEventsOff(dctx *dispatchContext) error {
	c.queueEventsOff()
	return nil
}

func (c *StreamClient) handleEventsOn(dctx *dispatchContext) error {
	c.queueEventsOn()
	return nil
}

func (c *StreamClient) handleReadSync(dctx *dispatchContext) error {
	return c.writeResponse(wire.Hdr{Command: wire.CmdReadSync, CID: dctx.hdr.CID}, nil)
}

// --- pvadapter.EventSink -----------------------------------------------

// PostEvent implements pvadapter.EventSink: an unsolicited monitor
// update from the adapter lands in the event queue for delivery on the
// next frame loop's drain step. The subToken is resolved by scanning
// Mon.subToken; monitor counts per client are small.
func (c *StreamClient) PostEvent(subToken uint64, status wire.Status, value *dd.DD) {
	c.mu.Lock()
	var mon *Mon
	for _, ch := range c.chans {
		for _, m := range ch.Monitors() {
			if m.subToken == subToken {
				mon = m
			}
		}
	}
	c.mu.Unlock()
	if mon == nil {
		if value != nil {
			dd.NewHandle(value).Release()
		}
		return
	}
	c.queuePush(monitorEntry(mon, value))
}

// monitorEntry wraps value in a fresh Handle (the adapter's *dd.DD
// carries one implicit reference per delivery) and packages it as a
// queue entry addressed to mon.
func monitorEntry(mon *Mon, value *dd.DD) *queue.Entry {
	return &queue.Entry{
		Kind:      queue.KindMonitorEvent,
		Monitor:   queue.MonitorID(mon.CID),
		Value:     dd.NewHandle(value),
		DataType:  mon.DataType,
		Count:     mon.Count,
		ChanSID:   mon.Chan.SID,
		EventMask: mon.EventMask,
	}
}

// ChannelDisconnected implements pvadapter.EventSink for an
// adapter-initiated PV destroy: the channel under sid is torn down (its
// monitors dropped, its sid freed) and a SERVER_DISCONN message carrying
// sid is written straight into OutBuf for the next flush.
func (c *StreamClient) ChannelDisconnected(sid uint32) {
	c.mu.Lock()
	ch, ok := c.chans[sid]
	if ok {
		delete(c.chans, sid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	mons := ch.Monitors()
	for _, m := range mons {
		c.dropMonitor(m)
	}
	c.bumpMonitorCount(-len(mons))
	c.res.Remove(ch.SID)
	c.bumpChannelCount(-1)
	_ = c.writeResponse(wire.Hdr{Command: wire.CmdServerDisconn, ResponseSpecific: sid}, nil)
}

// outBufSink adapts *buffer.OutBuf to queue.Sink.
type outBufSink struct{ out *buffer.OutBuf }

func (s outBufSink) HasSpace(n int) bool { return s.out.CanReserve(n) }

// formatEvent renders one monitor event into OutBuf for queue.Process.
// The reservation is probed with the event's real size first; reporting
// wrote=false leaves the entry queued for the next drain instead of
// losing it.
func (c *StreamClient) formatEvent(e *queue.Entry) (bool, int) {
	var payload []byte
	if e.Value.Valid() {
		payload = e.Value.Value().Bytes()
	}
	hdr := wire.Hdr{Command: wire.CmdEventAdd, CID: e.ChanSID, DataType: e.DataType, Count: e.Count, ResponseSpecific: uint32(e.Monitor)}
	hdr.PayloadSize = uint32(len(payload))
	need := hdr.WireSize() + wire.RoundUp8(len(payload))
	if !c.out.CanReserve(need) {
		return false, need
	}
	if err := c.writeResponse(hdr, payload); err != nil {
		return false, need
	}
	return true, need
}
