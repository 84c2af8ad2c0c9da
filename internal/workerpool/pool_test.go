package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := New(2, 8, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		p.Submit(func() { count.Add(1) })
	}

	require.Eventually(t, func() bool { return count.Load() == 5 }, time.Second, time.Millisecond)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	block := make(chan struct{})
	p.Start(context.Background())
	defer func() {
		close(block)
		p.Stop()
	}()

	p.Submit(func() { <-block }) // occupies the single worker
	p.Submit(func() {})          // fills the one-slot queue
	p.Submit(func() {})          // must be dropped

	require.Eventually(t, func() bool { return p.Dropped() >= 1 }, time.Second, time.Millisecond)
}

func TestPoolPanicRecoveryKeepsWorkerAlive(t *testing.T) {
	p := New(1, 4, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })

	require.Eventually(t, func() bool { return ran.Load() }, time.Second, time.Millisecond)
}
