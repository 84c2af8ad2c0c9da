package client

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/epics-go/casrv/internal/buffer"
	"github.com/epics-go/casrv/internal/dd"
	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/restable"
	"github.com/epics-go/casrv/internal/wire"
	"github.com/epics-go/casrv/internal/workerpool"
)

func newTestClient(t *testing.T, adp pvadapter.Adapter) (*StreamClient, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	bufPool := buffer.NewPool(0, 0)
	res := restable.New()
	workers := workerpool.New(2, 16, zerolog.Nop())
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)
	sc := NewStreamClient(1, server, bufPool, res, adp, workers, Hooks{}, zerolog.Nop())
	return sc, peer
}

func writeMsg(t *testing.T, conn net.Conn, hdr wire.Hdr, payload []byte) {
	t.Helper()
	hdr.PayloadSize = uint32(len(payload))
	buf := make([]byte, hdr.PaddedMsgSize())
	n, err := hdr.Encode(buf)
	require.NoError(t, err)
	copy(buf[n:], payload)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func readMsg(t *testing.T, conn net.Conn) (wire.Hdr, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	head := make([]byte, wire.HeaderSize)
	_, err := readFull(conn, head)
	require.NoError(t, err)
	hdr, n, err := wire.Decode(head)
	require.NoError(t, err)
	if n > wire.HeaderSize {
		rest := make([]byte, n-wire.HeaderSize)
		_, err = readFull(conn, rest)
		require.NoError(t, err)
		full := append(head, rest...)
		hdr, _, err = wire.Decode(full)
		require.NoError(t, err)
	}
	body := make([]byte, wire.RoundUp8(int(hdr.PayloadSize)))
	if len(body) > 0 {
		_, err = readFull(conn, body)
		require.NoError(t, err)
	}
	return hdr, body[:hdr.PayloadSize]
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func runOneRoundTrip(t *testing.T, sc *StreamClient) {
	t.Helper()
	err := sc.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestClaimChannelAndReadNotify(t *testing.T) {
	adp := pvadapter.NewMemoryAdapter(map[string]*pvadapter.Record{
		"pv:test": {Type: wire.DBRLong, Count: 1, Raw: []byte{0, 0, 0, 42}, Rights: pvadapter.AccessRead | pvadapter.AccessWrite},
	})
	sc, peer := newTestClient(t, adp)
	defer peer.Close()

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdClaimChannel, CID: 7}, append([]byte("pv:test"), 0, 0))
	resp, _ := readMsg(t, peer)
	require.Equal(t, wire.CmdClaimChannel, resp.Command)
	require.EqualValues(t, 7, resp.CID)
	sid := resp.ResponseSpecific
	require.NotZero(t, sid)

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdReadNotify, CID: sid, DataType: uint16(wire.DBRLong), Count: 1}, nil)
	resp, body := readMsg(t, peer)
	require.Equal(t, wire.CmdReadNotify, resp.Command)
	require.Equal(t, wire.ECANormal, wire.Status(resp.ResponseSpecific))
	require.Equal(t, []byte{0, 0, 0, 42}, body)
}

func TestVerifyRequestBadResourceID(t *testing.T) {
	adp := pvadapter.NewMemoryAdapter(nil)
	sc, peer := newTestClient(t, adp)
	defer peer.Close()

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdReadNotify, CID: 999}, nil)
	resp, _ := readMsg(t, peer)
	require.Equal(t, wire.CmdError, resp.Command)
	require.Equal(t, wire.ECABadResID, wire.Status(resp.ResponseSpecific))
}

func TestVerifyRequestWrongKindIsBadResourceID(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	res := restable.New()
	workers := workerpool.New(1, 4, zerolog.Nop())
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)
	sc := NewStreamClient(1, server, buffer.NewPool(0, 0), res, pvadapter.NewMemoryAdapter(nil), workers, Hooks{}, zerolog.Nop())

	// An id that resolves to a monitor, not a channel, must be rejected
	// rather than treated as a miss.
	id := res.Install(restable.KindMonitor, &Mon{})

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdReadNotify, CID: id}, nil)
	resp, _ := readMsg(t, peer)
	require.Equal(t, wire.CmdError, resp.Command)
	require.Equal(t, wire.ECABadResID, wire.Status(resp.ResponseSpecific))
}

func TestEventAddStreamsInitialValueAndTerminatingCancel(t *testing.T) {
	adp := pvadapter.NewMemoryAdapter(map[string]*pvadapter.Record{
		"pv:test": {Type: wire.DBRLong, Count: 1, Raw: []byte{0, 0, 0, 5}, Rights: pvadapter.AccessRead},
	})
	sc, peer := newTestClient(t, adp)
	defer peer.Close()

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdClaimChannel, CID: 3}, append([]byte("pv:test"), 0))
	resp, _ := readMsg(t, peer)
	sid := resp.ResponseSpecific

	// EVENT_ADD payload: three 4-byte deadband values, then the mask.
	sub := make([]byte, 16)
	binary.BigEndian.PutUint16(sub[12:14], wire.DBEValue)

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdEventAdd, CID: sid, DataType: uint16(wire.DBRLong), Count: 1, ResponseSpecific: 77}, sub)
	resp, body := readMsg(t, peer)
	require.Equal(t, wire.CmdEventAdd, resp.Command)
	require.EqualValues(t, 77, resp.ResponseSpecific)
	require.Equal(t, []byte{0, 0, 0, 5}, body, "the subscription's initial value is the EVENT_ADD response")

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdEventCancel, CID: sid, DataType: uint16(wire.DBRLong), ResponseSpecific: 77}, nil)
	resp, body = readMsg(t, peer)
	require.Equal(t, wire.CmdEventAdd, resp.Command, "cancel is acknowledged with a terminating EVENT_ADD")
	require.EqualValues(t, 77, resp.ResponseSpecific)
	require.Empty(t, body)
}

func TestUnknownOpcodeDisconnects(t *testing.T) {
	adp := pvadapter.NewMemoryAdapter(nil)
	sc, peer := newTestClient(t, adp)
	defer peer.Close()

	done := make(chan error, 1)
	go func() { done <- sc.RunOnce(context.Background()) }()
	writeMsg(t, peer, wire.Hdr{Command: wire.Command(9999)}, nil)

	require.NoError(t, <-done)
	require.True(t, sc.DestroyPending())
}

// deferredReadAdapter always defers Read so the test can trigger the
// completion manually, racing it against a CLEAR_CHANNEL.
type deferredReadAdapter struct {
	*pvadapter.MemoryAdapter
	pending pvadapter.Completion
	token   uint64
}

func (a *deferredReadAdapter) Read(_ context.Context, _ uint32, _ wire.DBRType, _ uint32, token uint64, done pvadapter.Completion) (pvadapter.Outcome, *dd.DD, wire.Status) {
	a.pending = done
	a.token = token
	return pvadapter.Deferred, nil, wire.ECANormal
}

func TestAsyncCancelRaceDropsCompletionExactlyOnce(t *testing.T) {
	base := pvadapter.NewMemoryAdapter(map[string]*pvadapter.Record{
		"pv:test": {Type: wire.DBRLong, Count: 1, Raw: []byte{0, 0, 0, 1}, Rights: pvadapter.AccessRead},
	})
	adp := &deferredReadAdapter{MemoryAdapter: base}
	sc, peer := newTestClient(t, adp)
	defer peer.Close()

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdClaimChannel, CID: 1}, append([]byte("pv:test"), 0))
	resp, _ := readMsg(t, peer)
	sid := resp.ResponseSpecific

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdReadNotify, CID: sid, DataType: uint16(wire.DBRLong), Count: 1}, nil)
	time.Sleep(50 * time.Millisecond) // let the deferred Read install its async record

	go runOneRoundTrip(t, sc)
	writeMsg(t, peer, wire.Hdr{Command: wire.CmdClearChannel, CID: sid}, nil)
	readMsg(t, peer) // CLEAR_CHANNEL's own response; no READ_NOTIFY response precedes it

	require.NotNil(t, adp.pending)
	adp.pending(adp.token, wire.ECANormal, dd.New(wire.DBRLong, 1, []byte{0, 0, 0, 1}))

	// The drop is counted on a worker-pool goroutine.
	require.Eventually(t, func() bool {
		return sc.DroppedCompletions.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
