// Command tipsd wires one Domain together with its network plane and a
// Prometheus scrape endpoint. It admits no Nodes of its own — the CORE's
// scope stops at the composition root (spec.md §1); an embedding
// application links this package's ideas, not its binary, into its own
// process. This binary exists to prove the wiring compiles end to end and
// to give operators something runnable for smoke testing.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tipscore/corebus/config"
	"github.com/tipscore/corebus/domain"
	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/internal/metrics"
	tipsnet "github.com/tipscore/corebus/net"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the Prometheus scrape endpoint")
	flag.Parse()

	bootLogger := logging.New("info", "json", "tipsd")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "tipsd")
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	d, err := domain.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build domain")
	}

	hub, err := tipsnet.NewHub(tipsnet.Config{
		IfaceAddr:                     cfg.IfaceAddr,
		TCPPort:                       cfg.TCPPort,
		UdpcastDests:                  cfg.UdpcastDests,
		SendBytesPerSec:               cfg.SendBytesPerSec,
		SendBytesBurst:                cfg.SendBytesBurst,
		WaitForSlowReceivers:          cfg.WaitForSlowReceivers,
		HeartbeatPeriodSeconds:        cfg.HeartbeatPeriodSeconds,
		TypeTagAdvertisePeriodSeconds: cfg.TypeTagAdvertisePeriodSeconds,
		NetMaxMessageSizeRuntime:      cfg.NetMaxMessageSizeRuntime,
	}, d.LocalTable(), d, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build network hub")
	}
	d.SetNetworkSink(hub)

	if err := d.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start domain")
	}
	hub.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	hub.Stop()
	d.Shutdown()
	logger.Info().Msg("shutdown complete")
}
