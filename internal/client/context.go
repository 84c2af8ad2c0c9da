package client

import "github.com/epics-go/casrv/internal/wire"

// dispatchContext is the per-request context handed to an opcode
// handler: the parsed header, its payload (already sliced out of
// InBuf), and the channel it was verified against, if any.
type dispatchContext struct {
	hdr     wire.Hdr
	payload []byte
	ch      *Chan // nil until verifyRequest succeeds, or for channel-less opcodes

	// asyncInstalled guards against an opcode handler installing more
	// than one async record for the same request, a misuse that would
	// otherwise leak a token. A handler bug here is a protocol error
	// for one client, not a server-fatal condition, so the guard logs
	// and rejects instead of aborting.
	asyncInstalled bool
}

func (c *dispatchContext) markAsyncInstalled() bool {
	if c.asyncInstalled {
		return false
	}
	c.asyncInstalled = true
	return true
}
