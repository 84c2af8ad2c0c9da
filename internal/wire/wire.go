// Package wire implements the Channel Access (CA) message header codec and
// the wire-level constants (opcodes, DBR element sizes, status codes) that
// the rest of the server core dispatches and serializes against.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed width of a CA message header before any
// extended fields.
const HeaderSize = 16

// ExtendedFieldsSize is the width of the two extended fields appended
// after the standard header when payload size or element count overflow
// their short 16-bit fields.
const ExtendedFieldsSize = 8

// extendedSentinel is the short-field value that signals an extended
// header follows. It can never be a literal short payload size because
// a short-form payload tops out at extendedSentinel-1.
const extendedSentinel = 0xFFFF

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes (or,
	// for an extended header, HeaderSize+ExtendedFieldsSize bytes) are
	// available to decode.
	ErrShortHeader = errors.New("wire: not enough bytes for a header")
	// ErrPopWithoutPush names a pop of a failed push. Nothing in this
	// module returns it; buffer.OutBuf.PopCtx reports that misuse with
	// buffer.ErrPopMismatch.
	ErrPopWithoutPush = errors.New("wire: pop_ctx called on a failed push_ctx")
)

// Command identifies a CA protocol opcode.
type Command uint16

// Protocol opcodes. Numbering follows the Channel Access v4.13 wire
// protocol.
const (
	CmdVersion       Command = 0
	CmdEventAdd      Command = 1
	CmdEventCancel   Command = 2
	CmdRead          Command = 3 // deprecated, v<=12
	CmdWrite         Command = 4
	CmdSearch        Command = 6
	CmdEventsOff     Command = 8
	CmdEventsOn      Command = 9
	CmdReadSync      Command = 10
	CmdError         Command = 11
	CmdClearChannel  Command = 12
	CmdBeacon        Command = 13
	CmdNotFound      Command = 14
	CmdReadNotify    Command = 15
	CmdClaimChannel  Command = 18
	CmdWriteNotify   Command = 19
	CmdClientName    Command = 20
	CmdHostName      Command = 21
	CmdAccessRights  Command = 22
	CmdEcho          Command = 23
	CmdCreateChFail  Command = 27
	CmdServerDisconn Command = 28
)

// commandNames is used only for logging; absence from the map is not an
// error, String just returns "UNKNOWN".
var commandNames = map[Command]string{
	CmdVersion:       "VERSION",
	CmdEventAdd:      "EVENT_ADD",
	CmdEventCancel:   "EVENT_CANCEL",
	CmdRead:          "READ",
	CmdWrite:         "WRITE",
	CmdSearch:        "SEARCH",
	CmdEventsOff:     "EVENTS_OFF",
	CmdEventsOn:      "EVENTS_ON",
	CmdReadSync:      "READ_SYNC",
	CmdError:         "ERROR",
	CmdClearChannel:  "CLEAR_CHANNEL",
	CmdBeacon:        "BEACON",
	CmdNotFound:      "NOT_FOUND",
	CmdReadNotify:    "READ_NOTIFY",
	CmdClaimChannel:  "CLAIM_CHANNEL",
	CmdWriteNotify:   "WRITE_NOTIFY",
	CmdClientName:    "CLIENT_NAME",
	CmdHostName:      "HOST_NAME",
	CmdAccessRights:  "ACCESS_RIGHTS",
	CmdEcho:          "ECHO",
	CmdCreateChFail:  "CREATE_CH_FAIL",
	CmdServerDisconn: "SERVER_DISCONN",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Hdr is the decoded form of a CA message header, short or extended.
type Hdr struct {
	Command          Command
	PayloadSize      uint32
	DataType         uint16
	Count            uint32
	CID              uint32 // client-assigned id (param1)
	ResponseSpecific uint32 // response-specific field (param2): sid, status, ...
	Extended         bool
}

// needsExtended reports whether payloadSize/count cannot be carried in
// the header's short 16-bit fields.
func needsExtended(payloadSize, count uint32) bool {
	return payloadSize >= extendedSentinel || count > 0xFFFF
}

// Encode writes h into dst (which must be at least h.WireSize() bytes)
// and returns the number of bytes written.
func (h Hdr) Encode(dst []byte) (int, error) {
	size := h.WireSize()
	if len(dst) < size {
		return 0, ErrShortHeader
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(h.Command))
	if h.Extended || needsExtended(h.PayloadSize, h.Count) {
		binary.BigEndian.PutUint16(dst[2:4], extendedSentinel)
		binary.BigEndian.PutUint16(dst[4:6], h.DataType)
		binary.BigEndian.PutUint16(dst[6:8], 0)
		binary.BigEndian.PutUint32(dst[8:12], h.CID)
		binary.BigEndian.PutUint32(dst[12:16], h.ResponseSpecific)
		binary.BigEndian.PutUint32(dst[16:20], h.PayloadSize)
		binary.BigEndian.PutUint32(dst[20:24], h.Count)
		return HeaderSize + ExtendedFieldsSize, nil
	}
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.PayloadSize))
	binary.BigEndian.PutUint16(dst[4:6], h.DataType)
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.Count))
	binary.BigEndian.PutUint32(dst[8:12], h.CID)
	binary.BigEndian.PutUint32(dst[12:16], h.ResponseSpecific)
	return HeaderSize, nil
}

// WireSize returns how many bytes Encode will need for h: 16 for a
// short header, 24 for an extended one.
func (h Hdr) WireSize() int {
	if h.Extended || needsExtended(h.PayloadSize, h.Count) {
		return HeaderSize + ExtendedFieldsSize
	}
	return HeaderSize
}

// Decode parses a header from the front of src. It returns the decoded
// header and the number of header bytes consumed (16 or 24). It does
// NOT require the payload to be present; callers check PaddedMsgSize
// against remaining buffered bytes separately.
func Decode(src []byte) (Hdr, int, error) {
	if len(src) < HeaderSize {
		return Hdr{}, 0, ErrShortHeader
	}
	var h Hdr
	h.Command = Command(binary.BigEndian.Uint16(src[0:2]))
	shortSize := binary.BigEndian.Uint16(src[2:4])
	h.DataType = binary.BigEndian.Uint16(src[4:6])
	shortCount := binary.BigEndian.Uint16(src[6:8])
	h.CID = binary.BigEndian.Uint32(src[8:12])
	h.ResponseSpecific = binary.BigEndian.Uint32(src[12:16])

	if shortSize == extendedSentinel && shortCount == 0 {
		if len(src) < HeaderSize+ExtendedFieldsSize {
			return Hdr{}, 0, ErrShortHeader
		}
		h.Extended = true
		h.PayloadSize = binary.BigEndian.Uint32(src[16:20])
		h.Count = binary.BigEndian.Uint32(src[20:24])
		return h, HeaderSize + ExtendedFieldsSize, nil
	}

	h.PayloadSize = uint32(shortSize)
	h.Count = uint32(shortCount)
	return h, HeaderSize, nil
}

// RoundUp8 returns n rounded up to the next multiple of 8. Every CA
// message occupies a multiple of 8 bytes in the stream.
func RoundUp8(n int) int {
	return (n + 7) &^ 7
}

// PaddedMsgSize returns the total number of bytes a message with this
// header occupies in the stream: header + payload, padded to 8 bytes.
func (h Hdr) PaddedMsgSize() int {
	return h.WireSize() + RoundUp8(int(h.PayloadSize))
}

// DBRType is a CA data-type code (the "plain" DBR family; STS/TIME/GR/
// CTRL variants are not modeled by the core, which only needs element
// sizes to size DD storage and wire payloads).
type DBRType uint16

const (
	DBRString DBRType = 0
	DBRInt    DBRType = 1 // == DBR_SHORT
	DBRFloat  DBRType = 2
	DBREnum   DBRType = 3
	DBRChar   DBRType = 4
	DBRLong   DBRType = 5
	DBRDouble DBRType = 6
)

// MaxStringSize is the fixed wire width of a DBR_STRING element.
const MaxStringSize = 40

// Event-selection bits carried in the mask field of an EVENT_ADD
// request payload. The server translates these into its own registered
// event-kind bitset before installing the monitor.
const (
	DBEValue uint16 = 1 << 0
	DBELog   uint16 = 1 << 1
	DBEAlarm uint16 = 1 << 2
)

// ElementSize returns the wire size in bytes of one element of t, or 0
// if t is not a recognized plain DBR type.
func ElementSize(t DBRType) int {
	switch t {
	case DBRString:
		return MaxStringSize
	case DBRInt, DBREnum:
		return 2
	case DBRFloat, DBRLong:
		return 4
	case DBRChar:
		return 1
	case DBRDouble:
		return 8
	default:
		return 0
	}
}

// Status is a CA wire status code: severity occupies the low 3 bits,
// the code proper occupies the bits above.
type Status uint32

// Severity extracted from the low 3 bits of a Status.
type Severity uint32

const (
	SevOK     Severity = 1
	SevError  Severity = 2
	SevInfo   Severity = 3
	SevSevere Severity = 4
	SevFatal  Severity = 6 // OR'd with SevError by convention
)

func NewStatus(code uint32, sev Severity) Status {
	return Status(code<<3 | uint32(sev))
}

func (s Status) Severity() Severity { return Severity(uint32(s) & 0x7) }
func (s Status) Code() uint32       { return uint32(s) >> 3 }

// Well-known status codes the server sends.
var (
	ECANormal     = NewStatus(0, SevOK)
	ECABadResID   = NewStatus(1, SevError)
	ECANoWtAccess = NewStatus(2, SevError)
	ECABadType    = NewStatus(3, SevError)
	ECABadCount   = NewStatus(4, SevError)
	ECAAllocMem   = NewStatus(5, SevError)
	ECADisconn    = NewStatus(6, SevInfo)
	ECAInternal   = NewStatus(7, SevFatal)
	ECANoRdAccess = NewStatus(8, SevError)
)
