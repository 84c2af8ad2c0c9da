// Package casrv implements the server core: the part of the system
// that owns connected stream clients, the listening interfaces, the
// global resource table, the event-kind registry, and the buffer pool,
// and exposes channel admission, client bookkeeping, and the beacon
// clock to the rest of the runtime.
package casrv

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/epics-go/casrv/internal/buffer"
	"github.com/epics-go/casrv/internal/client"
	"github.com/epics-go/casrv/internal/limits"
	"github.com/epics-go/casrv/internal/monitoring"
	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/restable"
	"github.com/epics-go/casrv/internal/wire"
	"github.com/epics-go/casrv/internal/workerpool"
)

// Config configures a Server. Zero values fall back to the standard CA
// ports (5064 for stream/search, 5065 for beacons).
type Config struct {
	StreamAddr   string // TCP listen address, default ":5064"
	DatagramAddr string // UDP listen address, default ":5064"
	BeaconAddr   string // UDP beacon destination (e.g. a broadcast address), default ":5065"
	BeaconPeriod time.Duration

	MaxChannels        int
	CPURejectThreshold float64
	OpsPerSec          int
	OpsBurst           int

	Workers   int
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.StreamAddr == "" {
		c.StreamAddr = ":5064"
	}
	if c.DatagramAddr == "" {
		c.DatagramAddr = ":5064"
	}
	if c.BeaconAddr == "" {
		c.BeaconAddr = ":5065"
	}
	if c.BeaconPeriod <= 0 {
		c.BeaconPeriod = 15 * time.Second
	}
}

// Server owns the process-wide state. Per-client state lives in
// *client.StreamClient; the server's job is admission, bookkeeping,
// and the shared collaborators every client is constructed with.
type Server struct {
	cfg Config
	log zerolog.Logger

	res    *restable.Table
	pool   *buffer.Pool
	adp    pvadapter.Adapter
	events *eventRegistry
	pools  *workerpool.Pool

	throttle *limits.OpcodeThrottle
	cpu      *limits.CPUSampler
	gate     *limits.AdmissionGate

	streamLn net.Listener
	dgramLn  net.PacketConn
	dgram    *client.DatagramClient

	mu         sync.Mutex
	clients    map[uint32]*client.StreamClient
	nextClient uint32
	channelCnt int64
	monitorCnt int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shuttingDown atomic.Bool
}

// New constructs a Server. adp is the PV/record-database collaborator
// every client opcode handler ultimately calls into.
func New(cfg Config, adp pvadapter.Adapter, log zerolog.Logger) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:      cfg,
		log:      log,
		res:      restable.New(),
		pool:     buffer.NewPool(0, 0),
		adp:      adp,
		events:   newEventRegistry(),
		pools:    workerpool.New(cfg.Workers, cfg.QueueSize, log),
		throttle: limits.NewOpcodeThrottle(cfg.OpsPerSec, cfg.OpsBurst),
		cpu:      limits.NewCPUSampler(0),
		clients:  make(map[uint32]*client.StreamClient),
	}
	s.gate = limits.NewAdmissionGate(cfg.MaxChannels, cfg.CPURejectThreshold, s.cpu, s.ChannelCount)
	return s
}

// EventMask builds a subscription mask out of well-known (and any
// previously registered) event kind names.
func (s *Server) EventMask(names ...string) uint32 {
	return s.events.Mask(names...)
}

// monitorMask translates the DBE bits of a client's EVENT_ADD request
// into the server's registered event-kind mask. Unknown bits are
// dropped; a request selecting nothing the server knows about still
// yields an installed (if silent) monitor rather than an error.
func (s *Server) monitorMask(wireMask uint16) uint32 {
	var names []string
	if wireMask&wire.DBEValue != 0 {
		names = append(names, EventKindValue)
	}
	if wireMask&wire.DBELog != 0 {
		names = append(names, EventKindLog)
	}
	if wireMask&wire.DBEAlarm != 0 {
		names = append(names, EventKindAlarm)
	}
	return s.events.Mask(names...)
}

// RegisterEventKind adds a new named event kind to the registry,
// failing once the 32-kind capacity is exhausted.
func (s *Server) RegisterEventKind(name string) (uint32, error) {
	return s.events.Register(name)
}

// ResourceTable returns the server-wide resource table shared by every
// client; restable.Table carries its own mutex, so one instance serves
// all of them.
func (s *Server) ResourceTable() *restable.Table { return s.res }

// roomForNewChannel is the admission gate CLAIM_CHANNEL consults
// before attaching: refuses once the server already holds
// cfg.MaxChannels channels, or the host is CPU-loaded past threshold.
func (s *Server) roomForNewChannel() (bool, string) {
	ok, reason := s.gate.Admit()
	if !ok {
		monitoring.ChannelsRejectedTotal.Inc()
	}
	return ok, reason
}

// ChannelCount returns the number of channels currently claimed across
// every connected client.
func (s *Server) ChannelCount() int {
	return int(atomic.LoadInt64(&s.channelCnt))
}

// bumpChannelCount and bumpMonitorCount are the ChannelDelta/
// MonitorDelta hooks every client.StreamClient is constructed with,
// keeping channelCnt/monitorCnt (and so ChannelCount, which feeds
// roomForNewChannel) and the matching Prometheus gauges accurate as
// channels and monitors come and go.
func (s *Server) bumpChannelCount(delta int) {
	n := atomic.AddInt64(&s.channelCnt, int64(delta))
	monitoring.ChannelsActive.Set(float64(n))
}

func (s *Server) bumpMonitorCount(delta int) {
	n := atomic.AddInt64(&s.monitorCnt, int64(delta))
	monitoring.MonitorsActive.Set(float64(n))
}

// clientHooks builds the Hooks every accepted stream client shares:
// the admission gate and opcode throttle this Server owns, plus the
// channel/monitor counters they're computed from.
func (s *Server) clientHooks() client.Hooks {
	return client.Hooks{
		Admit:        s.roomForNewChannel,
		Throttle:     s.throttle.Allow,
		MonitorMask:  s.monitorMask,
		ChannelDelta: s.bumpChannelCount,
		MonitorDelta: s.bumpMonitorCount,
	}
}

// installClient registers a newly accepted stream client under a
// fresh server-assigned client id.
func (s *Server) installClient(sc *client.StreamClient, id uint32) {
	s.mu.Lock()
	s.clients[id] = sc
	n := len(s.clients)
	s.mu.Unlock()
	monitoring.ClientsActive.Set(float64(n))
}

// removeClient tears down bookkeeping for a disconnected client. The
// client itself has already cancelled its own channels/monitors by the
// time this runs.
func (s *Server) removeClient(id uint32) {
	s.mu.Lock()
	delete(s.clients, id)
	n := len(s.clients)
	s.mu.Unlock()
	monitoring.ClientsActive.Set(float64(n))
}

// Start opens the stream and datagram listeners and begins serving.
// Each accepted TCP connection runs its own frame loop on a dedicated
// goroutine; RunOnce itself blocks on the transport, so this is not
// the same thing as the bounded worker pool, which exists purely to
// run adapter completions without blocking a handler.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	streamLn, err := net.Listen("tcp", s.cfg.StreamAddr)
	if err != nil {
		return fmt.Errorf("casrv: listen stream: %w", err)
	}
	s.streamLn = streamLn

	dgramLn, err := net.ListenPacket("udp", s.cfg.DatagramAddr)
	if err != nil {
		streamLn.Close()
		return fmt.Errorf("casrv: listen datagram: %w", err)
	}
	s.dgramLn = dgramLn
	s.dgram = client.NewDatagramClient(dgramLn, s.res, s.adp, streamLn.Addr(), s.log)

	s.pools.Start(s.ctx)

	s.wg.Add(1)
	go s.acceptStreamLoop()

	s.wg.Add(1)
	go s.datagramLoop()

	s.wg.Add(1)
	go s.beaconLoop()

	s.log.Info().
		Str("stream_addr", s.cfg.StreamAddr).
		Str("datagram_addr", s.cfg.DatagramAddr).
		Str("beacon_addr", s.cfg.BeaconAddr).
		Dur("beacon_period", s.cfg.BeaconPeriod).
		Msg("casrv server started")

	return nil
}

func (s *Server) acceptStreamLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.streamLn.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.log.Warn().Err(err).Msg("stream accept error")
			return
		}
		if s.shuttingDown.Load() {
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.nextClient++
		id := s.nextClient
		s.mu.Unlock()

		clog := s.log.With().Uint32("client_id", id).Logger()
		sc := client.NewStreamClient(id, conn, s.pool, s.res, s.adp, s.pools, s.clientHooks(), clog)
		s.installClient(sc, id)

		s.wg.Add(1)
		go s.serveStream(id, sc, conn)
	}
}

func (s *Server) serveStream(id uint32, sc *client.StreamClient, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.removeClient(id)
	defer sc.Close()

	for {
		if s.shuttingDown.Load() {
			return
		}
		if err := sc.RunOnce(s.ctx); err != nil {
			s.log.Debug().Uint32("client_id", id).Err(err).Msg("stream client disconnected")
			return
		}
		if sc.DestroyPending() {
			return
		}
	}
}

func (s *Server) datagramLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.dgramLn.ReadFrom(buf)
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.log.Warn().Err(err).Msg("datagram read error")
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.dgram.HandleDatagram(payload, addr)
	}
}

// GenerateBeaconAnomaly forces the next beacon to carry the
// topology-changed signal, prompting client libraries to re-search.
func (s *Server) GenerateBeaconAnomaly() {
	if s.dgram != nil {
		s.dgram.GenerateAnomaly()
	}
}

// beaconLoop periodically announces server liveness on the beacon
// address, the way EPICS CA servers advertise themselves to idle
// clients and new search requests.
func (s *Server) beaconLoop() {
	defer s.wg.Done()

	beaconAddr, err := net.ResolveUDPAddr("udp", s.cfg.BeaconAddr)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not resolve beacon address, beacons disabled")
		return
	}

	ticker := time.NewTicker(s.cfg.BeaconPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.dgram.Beacon(beaconAddr); err != nil {
				s.log.Debug().Err(err).Msg("beacon send failed")
				continue
			}
			monitoring.BeaconsSentTotal.Inc()
		}
	}
}

// Shutdown stops accepting new connections/datagrams and waits for
// every in-flight client worker to notice shuttingDown and return, or
// for ctx to expire. Accepted stream connections are not closed here:
// a client's frame loop checks shuttingDown only between RunOnce calls,
// and RunOnce blocks on the transport, so an idle client keeps Shutdown
// waiting until ctx expires. Shutdown returns nil in either case.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("casrv: shutdown initiated")
	s.shuttingDown.Store(true)

	if s.streamLn != nil {
		s.streamLn.Close()
	}
	if s.dgramLn != nil {
		s.dgramLn.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("casrv: shutdown deadline exceeded, some workers still draining")
	}

	s.pools.Stop()
	s.cpu.Stop()

	s.log.Info().Msg("casrv: shutdown complete")
	return nil
}
