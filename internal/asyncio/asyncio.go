// Package asyncio implements the per-client async I/O table: a bounded
// set of in-flight requests keyed by an adapter-opaque token,
// correlating a later adapter completion back to the Hdr that started
// the request.
package asyncio

import (
	"errors"
	"sync"

	"github.com/epics-go/casrv/internal/wire"
)

// MaxInProgress is the per-client cap on outstanding async operations.
const MaxInProgress = 50

// ErrTooMany is returned by Install once a client already has
// MaxInProgress records outstanding.
var ErrTooMany = errors.New("asyncio: too many async operations in progress for this client")

// Record snapshots the request that triggered a deferred completion:
// the originating header (used to shape the eventual response) and the
// sid of the channel it was issued against, if any (0 if none, e.g. a
// deferred SEARCH has no channel yet).
type Record struct {
	Hdr     wire.Hdr
	ChanSID uint32
	Token   uint64
}

// Table is the per-client async I/O table. Client-owned state touched
// by exactly one worker at a time on the request side, but the adapter
// may call Remove via a completion from any goroutine, so the table is
// internally synchronized.
type Table struct {
	mu        sync.Mutex
	nextToken uint64
	byToken   map[uint64]*Record
}

// New creates an empty async I/O table.
func New() *Table {
	return &Table{byToken: make(map[uint64]*Record)}
}

// Install records hdr/chanSID under a freshly minted token and returns
// it. Fails with ErrTooMany once MaxInProgress is reached.
func (t *Table) Install(hdr wire.Hdr, chanSID uint32) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byToken) >= MaxInProgress {
		return 0, ErrTooMany
	}
	t.nextToken++
	token := t.nextToken
	t.byToken[token] = &Record{Hdr: hdr, ChanSID: chanSID, Token: token}
	return token, nil
}

// Lookup returns the record for token without removing it.
func (t *Table) Lookup(token uint64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byToken[token]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Remove removes and returns the record for token, if present. The
// adapter's completion handler calls this; a miss means the client
// disconnected or the channel was cleared out from under the request,
// which is a silent drop, not an error.
func (t *Table) Remove(token uint64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byToken[token]
	if !ok {
		return Record{}, false
	}
	delete(t.byToken, token)
	return *r, true
}

// CancelForChannel removes every record associated with chanSID without
// generating a response; channel destruction cancels everything still
// pending against it. It returns the cancelled tokens so the caller can
// account for them (e.g. in the dropped-completions metric).
func (t *Table) CancelForChannel(chanSID uint32) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cancelled []uint64
	for token, r := range t.byToken {
		if r.ChanSID == chanSID {
			cancelled = append(cancelled, token)
			delete(t.byToken, token)
		}
	}
	return cancelled
}

// CancelAll removes every outstanding record and returns them. Called
// on client teardown, when no completion may produce a response; late
// completions become silent drops.
func (t *Table) CancelAll() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.byToken))
	for token, r := range t.byToken {
		out = append(out, *r)
		delete(t.byToken, token)
	}
	return out
}

// Len reports the number of outstanding async records, for metrics and
// tests asserting the MaxInProgress bound.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}
