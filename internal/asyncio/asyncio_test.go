package asyncio

import (
	"testing"

	"github.com/epics-go/casrv/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestInstallLookupRemove(t *testing.T) {
	tbl := New()
	hdr := wire.Hdr{Command: wire.CmdReadNotify, CID: 42}

	token, err := tbl.Install(hdr, 7)
	require.NoError(t, err)
	require.EqualValues(t, 1, tbl.Len())

	r, ok := tbl.Lookup(token)
	require.True(t, ok)
	require.Equal(t, hdr, r.Hdr)
	require.EqualValues(t, 7, r.ChanSID)

	removed, ok := tbl.Remove(token)
	require.True(t, ok)
	require.Equal(t, token, removed.Token)
	require.Zero(t, tbl.Len())

	_, ok = tbl.Remove(token)
	require.False(t, ok, "completion arriving after the record was already removed must be a silent miss")
}

func TestTokensAreUnique(t *testing.T) {
	tbl := New()
	seen := make(map[uint64]bool)
	for i := 0; i < MaxInProgress; i++ {
		token, err := tbl.Install(wire.Hdr{Command: wire.CmdRead}, uint32(i))
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestMaxInProgressEnforced(t *testing.T) {
	tbl := New()
	for i := 0; i < MaxInProgress; i++ {
		_, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, 1)
		require.NoError(t, err)
	}
	_, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, 1)
	require.ErrorIs(t, err, ErrTooMany)
	require.EqualValues(t, MaxInProgress, tbl.Len())
}

func TestCancelForChannelRemovesOnlyThatChannelsRecords(t *testing.T) {
	// A READ_NOTIFY in flight plus a CLEAR_CHANNEL arriving before the
	// adapter completes must cancel the async record silently, without
	// generating a response, and must not disturb records belonging to
	// other channels.
	tbl := New()
	tokA1, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, 1)
	require.NoError(t, err)
	tokA2, err := tbl.Install(wire.Hdr{Command: wire.CmdWriteNotify}, 1)
	require.NoError(t, err)
	tokB, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, 2)
	require.NoError(t, err)

	cancelled := tbl.CancelForChannel(1)
	require.ElementsMatch(t, []uint64{tokA1, tokA2}, cancelled)
	require.EqualValues(t, 1, tbl.Len())

	_, ok := tbl.Lookup(tokB)
	require.True(t, ok, "a record belonging to a different channel must survive")

	// The completion that eventually arrives for a cancelled token finds
	// nothing and is dropped, exactly like the post-disconnect case.
	_, ok = tbl.Remove(tokA1)
	require.False(t, ok)
}

func TestCancelAllDrainsEverything(t *testing.T) {
	tbl := New()
	for i := 0; i < 3; i++ {
		_, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, uint32(i+1))
		require.NoError(t, err)
	}

	recs := tbl.CancelAll()
	require.Len(t, recs, 3)
	require.Zero(t, tbl.Len())

	for _, r := range recs {
		_, ok := tbl.Remove(r.Token)
		require.False(t, ok)
	}
}

func TestCompletionAfterDisconnectIsDiscarded(t *testing.T) {
	tbl := New()
	token, err := tbl.Install(wire.Hdr{Command: wire.CmdReadNotify}, 5)
	require.NoError(t, err)

	// Client teardown cancels every outstanding record via CancelAll,
	// so a completion racing in after that point finds its record
	// already gone.
	cancelled := tbl.CancelAll()
	require.Len(t, cancelled, 1)
	require.Equal(t, token, cancelled[0].Token)

	_, ok := tbl.Remove(token)
	require.False(t, ok)
}
