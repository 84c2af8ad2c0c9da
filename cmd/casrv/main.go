// Command casrv runs the Channel Access server core: a stream/datagram
// protocol engine exposing named process variables over the CA wire
// protocol. Load config, build a structured logger, construct the
// server, start it, wait for a signal, drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/epics-go/casrv/internal/casrv"
	"github.com/epics-go/casrv/internal/config"
	"github.com/epics-go/casrv/internal/monitoring"
	"github.com/epics-go/casrv/internal/pvadapter"
	"github.com/epics-go/casrv/internal/wire"
)

func main() {
	var (
		debug   = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		natsURL = flag.String("nats-url", "", "connect the PV adapter to this NATS server instead of the in-memory demo adapter")
	)
	flag.Parse()

	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(log)

	adapter, closeAdapter := buildAdapter(*natsURL, log)
	defer closeAdapter()

	srv := casrv.New(casrv.Config{
		StreamAddr:         addrFromPort(cfg.ServerPort),
		DatagramAddr:       addrFromPort(cfg.ServerPort),
		BeaconAddr:         addrFromPort(cfg.BeaconPort),
		BeaconPeriod:       cfg.BeaconPeriod,
		MaxChannels:        cfg.MaxChannels,
		CPURejectThreshold: cfg.CPURejectThreshold,
		OpsPerSec:          cfg.OpsPerSec,
		OpsBurst:           cfg.OpsBurst,
	}, adapter, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start casrv server")
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: monitoring.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	_ = metricsSrv.Close()
}

// buildAdapter constructs the PV/record-database collaborator behind
// the pvadapter boundary. With no NATS URL
// the server runs against an in-memory demo adapter seeded with a
// handful of scalar PVs, useful for exercising the protocol engine
// without a real record database.
func buildAdapter(natsURL string, log zerolog.Logger) (pvadapter.Adapter, func()) {
	if natsURL == "" {
		seed := map[string]*pvadapter.Record{
			"demo:counter": {Type: wire.DBRLong, Count: 1, Raw: make([]byte, 4), Rights: pvadapter.AccessRead | pvadapter.AccessWrite},
			"demo:message": {Type: wire.DBRString, Count: 1, Raw: make([]byte, wire.MaxStringSize), Rights: pvadapter.AccessRead | pvadapter.AccessWrite},
		}
		log.Info().Int("pv_count", len(seed)).Msg("running in-memory demo PV adapter")
		return pvadapter.NewMemoryAdapter(seed), func() {}
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", natsURL).Msg("failed to connect to NATS")
	}
	log.Info().Str("nats_url", natsURL).Msg("PV adapter backed by NATS")
	return pvadapter.NewNATSAdapter(nc), nc.Close
}

// addrFromPort turns a bare port number from config into a net.Listen
// address bound on every interface, matching casrv.Config's ":PORT"
// convention.
func addrFromPort(port int) string {
	return fmt.Sprintf(":%d", port)
}
