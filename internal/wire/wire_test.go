package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripShort(t *testing.T) {
	cases := []Hdr{
		{Command: CmdReadNotify, PayloadSize: 0x0000, DataType: uint16(DBRDouble), Count: 0, CID: 1, ResponseSpecific: 2},
		{Command: CmdWriteNotify, PayloadSize: 0xFFFE, DataType: uint16(DBRChar), Count: 1, CID: 7, ResponseSpecific: 9},
		{Command: CmdEventAdd, PayloadSize: 8, DataType: uint16(DBRFloat), Count: 0xFFFF, CID: 3, ResponseSpecific: 4},
	}
	for _, h := range cases {
		buf := make([]byte, h.WireSize())
		n, err := h.Encode(buf)
		require.NoError(t, err)
		require.Equal(t, HeaderSize, n)

		got, consumed, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, HeaderSize, consumed)
		require.Equal(t, h.Command, got.Command)
		require.Equal(t, h.PayloadSize, got.PayloadSize)
		require.Equal(t, h.Count, got.Count)
		require.Equal(t, h.CID, got.CID)
		require.Equal(t, h.ResponseSpecific, got.ResponseSpecific)
		require.False(t, got.Extended)
	}
}

func TestHeaderRoundTripExtended(t *testing.T) {
	cases := []Hdr{
		{Command: CmdReadNotify, PayloadSize: 0xFFFF, DataType: uint16(DBRDouble), Count: 1, CID: 1, ResponseSpecific: 2},
		{Command: CmdReadNotify, PayloadSize: 100, DataType: uint16(DBRDouble), Count: 0x10000, CID: 1, ResponseSpecific: 2},
		{Command: CmdWrite, PayloadSize: 0, DataType: uint16(DBRLong), Count: 0, CID: 0, ResponseSpecific: 0, Extended: true},
	}
	for _, h := range cases {
		buf := make([]byte, h.WireSize())
		n, err := h.Encode(buf)
		require.NoError(t, err)
		require.Equal(t, HeaderSize+ExtendedFieldsSize, n)

		got, consumed, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, HeaderSize+ExtendedFieldsSize, consumed)
		require.True(t, got.Extended)
		require.Equal(t, h.PayloadSize, got.PayloadSize)
		require.Equal(t, h.Count, got.Count)
	}
}

func TestExtendedHeaderBoundary65536(t *testing.T) {
	// count = 65536 on a waveform PV overflows the short field.
	h := Hdr{Command: CmdReadNotify, PayloadSize: 65536 * 8, DataType: uint16(DBRDouble), Count: 65536, CID: 42}
	require.True(t, needsExtended(h.PayloadSize, h.Count))
	buf := make([]byte, h.WireSize())
	_, err := h.Encode(buf)
	require.NoError(t, err)
	got, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+ExtendedFieldsSize, consumed)
	require.EqualValues(t, 65536, got.Count)
}

func TestDecodeShortHeaderError(t *testing.T) {
	_, _, err := Decode(make([]byte, 4))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestPaddedMsgSizeAlignment(t *testing.T) {
	h := Hdr{PayloadSize: 1}
	require.Equal(t, HeaderSize+8, h.PaddedMsgSize())
	h2 := Hdr{PayloadSize: 8}
	require.Equal(t, HeaderSize+8, h2.PaddedMsgSize())
	h3 := Hdr{PayloadSize: 9}
	require.Equal(t, HeaderSize+16, h3.PaddedMsgSize())
}

func TestElementSizes(t *testing.T) {
	require.Equal(t, 40, ElementSize(DBRString))
	require.Equal(t, 2, ElementSize(DBRInt))
	require.Equal(t, 2, ElementSize(DBREnum))
	require.Equal(t, 4, ElementSize(DBRFloat))
	require.Equal(t, 4, ElementSize(DBRLong))
	require.Equal(t, 1, ElementSize(DBRChar))
	require.Equal(t, 8, ElementSize(DBRDouble))
}

func TestStatusSeverityEncoding(t *testing.T) {
	s := NewStatus(5, SevError)
	require.Equal(t, uint32(5), s.Code())
	require.Equal(t, SevError, s.Severity())
}
