package client

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/restable"
	"github.com/epics-go/casrv/internal/wire"
)

// datagramHandlerFunc is the restricted handler set a connectionless
// peer gets: primarily SEARCH and VERSION.
type datagramHandlerFunc func(*DatagramClient, wire.Hdr, []byte, net.Addr) error

var datagramOpcodeTable = map[wire.Command]datagramHandlerFunc{
	wire.CmdVersion: (*DatagramClient).handleVersion,
	wire.CmdSearch:  (*DatagramClient).handleSearch,
}

// DatagramClient processes inbound UDP datagrams against the same PV
// namespace as the stream clients, sharing the opcode table's shape but
// not its full handler set. Each datagram is processed atomically and
// answered at the address it arrived from.
type DatagramClient struct {
	conn        net.PacketConn
	res         *restable.Table
	adp         pvadapter.Adapter
	Log         zerolog.Logger
	tcpListenAt net.Addr

	mu          sync.Mutex
	beaconCount uint32
	anomalyNext bool
}

// NewDatagramClient wires a UDP socket to the shared resource table and
// pv adapter. tcpListenAt is advertised in beacons so peers know where
// to open a stream connection.
func NewDatagramClient(conn net.PacketConn, res *restable.Table, adp pvadapter.Adapter, tcpListenAt net.Addr, log zerolog.Logger) *DatagramClient {
	return &DatagramClient{conn: conn, res: res, adp: adp, tcpListenAt: tcpListenAt, Log: log}
}

// HandleDatagram processes one inbound packet. Unknown opcodes in the
// restricted set are logged and dropped; a UDP peer has no connection
// to tear down, so there is nothing to "disconnect".
func (d *DatagramClient) HandleDatagram(payload []byte, from net.Addr) {
	hdr, n, err := wire.Decode(payload)
	if err != nil {
		d.Log.Debug().Err(err).Msg("malformed datagram header")
		return
	}
	total := hdr.PaddedMsgSize()
	if len(payload) < total {
		d.Log.Debug().Msg("short datagram, dropping")
		return
	}
	body := payload[n : n+int(hdr.PayloadSize)]

	h, ok := datagramOpcodeTable[hdr.Command]
	if !ok {
		d.Log.Debug().Str("cmd", hdr.Command.String()).Msg("datagram opcode outside the restricted handler set, dropping")
		return
	}
	if err := h(d, hdr, body, from); err != nil {
		d.Log.Warn().Err(err).Str("cmd", hdr.Command.String()).Msg("datagram handling failed")
	}
}

func (d *DatagramClient) handleVersion(hdr wire.Hdr, _ []byte, _ net.Addr) error {
	return nil // stateless; nothing to record without a connection to attach it to
}

// handleSearch answers a PV-exists query, echoing the request's
// sequence number so the peer can correlate the response.
func (d *DatagramClient) handleSearch(hdr wire.Hdr, payload []byte, from net.Addr) error {
	name := cstring(payload)
	exists, info := d.adp.PVExists(context.Background(), name)
	if !exists {
		return d.writeDatagram(from, wire.Hdr{Command: wire.CmdNotFound, CID: hdr.CID, ResponseSpecific: hdr.ResponseSpecific})
	}
	resp := wire.Hdr{
		Command:          wire.CmdSearch,
		CID:              hdr.CID,
		DataType:         uint16(info.NativeType),
		Count:            info.NativeCount,
		ResponseSpecific: hdr.ResponseSpecific, // echoes the request's sequence number for correlation
	}
	return d.writeDatagram(from, resp)
}

func (d *DatagramClient) writeDatagram(to net.Addr, hdr wire.Hdr) error {
	buf := make([]byte, hdr.WireSize())
	if _, err := hdr.Encode(buf); err != nil {
		return err
	}
	_, err := d.conn.WriteTo(buf, to)
	return err
}

// Beacon emits one periodic announcement datagram to addr: a monotonic
// counter plus the server's TCP listen address, so idle clients can
// detect the server is still alive and new clients can discover it.
// The counter travels in ResponseSpecific, the TCP port in Count and the
// IPv4 listen address in CID (zero when the listener has no specific
// IPv4 address).
func (d *DatagramClient) Beacon(addr net.Addr) error {
	d.mu.Lock()
	d.beaconCount++
	count := d.beaconCount
	anomaly := d.anomalyNext
	d.anomalyNext = false
	d.mu.Unlock()

	respSpecific := count
	if anomaly {
		// The high bit signals "topology may have changed" to the
		// client library, which triggers it to re-search all channels.
		respSpecific |= 0x80000000
	}
	hdr := wire.Hdr{Command: wire.CmdBeacon, ResponseSpecific: respSpecific}
	if ta, ok := d.tcpListenAt.(*net.TCPAddr); ok {
		hdr.Count = uint32(ta.Port)
		if ip4 := ta.IP.To4(); ip4 != nil {
			hdr.CID = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
		}
	}
	return d.writeDatagram(addr, hdr)
}

// GenerateAnomaly forces the next beacon to carry the topology-changed
// signal, e.g. after a new server interface comes up.
func (d *DatagramClient) GenerateAnomaly() {
	d.mu.Lock()
	d.anomalyNext = true
	d.mu.Unlock()
}
