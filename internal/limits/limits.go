// Package limits enforces per-client request throttling and server-wide
// admission control, feeding the room-for-new-channel gate the server
// core exposes. Neither mechanism is part of the core
// protocol state machine; both exist to keep an abusive or simply fast
// client from growing the async table or event queue without bound.
package limits

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Default opcode throughput: generous enough that a well-behaved
// client never notices, tight enough to slow down a runaway loop
// before it can install 50 async records in a few milliseconds.
const (
	DefaultOpsPerSec = 200
	DefaultBurst     = 400
)

// OpcodeThrottle rate-limits the opcodes a single stream client may
// dispatch per second: one rate.Limiter per guarded resource.
type OpcodeThrottle struct {
	limiter *rate.Limiter
}

// NewOpcodeThrottle creates a throttle allowing opsPerSec sustained,
// bursting up to burst. Zero values fall back to the package defaults.
func NewOpcodeThrottle(opsPerSec, burst int) *OpcodeThrottle {
	if opsPerSec <= 0 {
		opsPerSec = DefaultOpsPerSec
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &OpcodeThrottle{limiter: rate.NewLimiter(rate.Limit(opsPerSec), burst)}
}

// Allow reports whether the next opcode may be dispatched now. The CA
// status namespace has no "slow down" code, so a throttled client has
// the offending message dropped and its own resend/retry logic copes.
func (t *OpcodeThrottle) Allow() bool {
	return t.limiter.Allow()
}

// CPUSampler periodically estimates host CPU load, feeding admission
// decisions without taking a gopsutil sample on every call.
type CPUSampler struct {
	mu      sync.RWMutex
	current float64
	period  time.Duration
	stop    chan struct{}
}

// NewCPUSampler starts a background sampler at period (zero defaults
// to 2s) and returns immediately; call Stop to end it.
func NewCPUSampler(period time.Duration) *CPUSampler {
	if period <= 0 {
		period = 2 * time.Second
	}
	s := &CPUSampler{period: period, stop: make(chan struct{})}
	go s.run()
	return s
}

func (s *CPUSampler) run() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			s.mu.Lock()
			s.current = percents[0]
			s.mu.Unlock()
		}
	}
}

// Percent returns the most recent CPU sample (0-100, host-wide).
func (s *CPUSampler) Percent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Stop ends the background sampling goroutine.
func (s *CPUSampler) Stop() {
	close(s.stop)
}

// AdmissionGate backs Server.roomForNewChannel: a channel claim is
// refused once the server is already holding maxChannels, or the host
// is loaded enough that adding more server-side state would make
// things worse.
type AdmissionGate struct {
	maxChannels  int
	cpuThreshold float64
	cpu          *CPUSampler
	count        func() int
}

// NewAdmissionGate wires maxChannels and cpuThreshold (CPU percent
// above which new channels are refused even if under the count limit)
// to a live channel counter and CPU sampler.
func NewAdmissionGate(maxChannels int, cpuThreshold float64, cpu *CPUSampler, count func() int) *AdmissionGate {
	if maxChannels <= 0 {
		maxChannels = 100_000
	}
	if cpuThreshold <= 0 {
		cpuThreshold = 90
	}
	return &AdmissionGate{maxChannels: maxChannels, cpuThreshold: cpuThreshold, cpu: cpu, count: count}
}

// Admit reports whether a new channel may be created right now, and a
// short reason when it may not.
func (g *AdmissionGate) Admit() (bool, string) {
	if g.count() >= g.maxChannels {
		return false, "channel count at server limit"
	}
	if g.cpu != nil && g.cpu.Percent() > g.cpuThreshold {
		return false, "host CPU above admission threshold"
	}
	return true, ""
}

// NumCPU exposes runtime.NumCPU for callers sizing worker pools off the
// same signal automaxprocs already tuned GOMAXPROCS against.
func NumCPU() int {
	return runtime.NumCPU()
}
