package restable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallLookupRemove(t *testing.T) {
	tbl := New()
	id := tbl.Install(KindChannel, "chan-handle")

	v, err := tbl.Lookup(id, KindChannel)
	require.NoError(t, err)
	require.Equal(t, "chan-handle", v)

	tbl.Remove(id)
	_, err = tbl.Lookup(id, KindChannel)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupWrongKindIsError(t *testing.T) {
	tbl := New()
	id := tbl.Install(KindMonitor, "mon-handle")

	_, err := tbl.Lookup(id, KindChannel)
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestIDsAreUniqueAndSkipZero(t *testing.T) {
	tbl := New()
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := tbl.Install(KindChannel, i)
		require.NotZero(t, id)
		require.False(t, seen[id], "id reused while still in use")
		seen[id] = true
	}
}

func TestEveryChannelReachableViaItsSID(t *testing.T) {
	// Every channel in a client's channel list must resolve back to
	// itself through a lookup of its sid.
	tbl := New()
	type chanStub struct{ name string }
	c := &chanStub{name: "pv:test"}
	sid := tbl.Install(KindChannel, c)

	v, err := tbl.Lookup(sid, KindChannel)
	require.NoError(t, err)
	require.Same(t, c, v.(*chanStub))
}
