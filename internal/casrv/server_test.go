package casrv

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/wire"
)

func TestMonitorMaskTranslatesDBEBits(t *testing.T) {
	s := New(Config{}, pvadapter.NewMemoryAdapter(nil), zerolog.Nop())
	defer s.cpu.Stop()

	require.Equal(t, s.EventMask(EventKindValue), s.monitorMask(wire.DBEValue))
	require.Equal(t, s.EventMask(EventKindLog), s.monitorMask(wire.DBELog))
	require.Equal(t, s.EventMask(EventKindValue, EventKindAlarm), s.monitorMask(wire.DBEValue|wire.DBEAlarm))
	require.Zero(t, s.monitorMask(0))

	// The value kind is registered first, so adapters can rely on it
	// occupying the lowest bit.
	require.Equal(t, pvadapter.EventValue, s.monitorMask(wire.DBEValue))
}
