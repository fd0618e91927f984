// Command hpsdremu emulates an OpenHPSDR transceiver on the network,
// speaking either Protocol 1 (Metis) or Protocol 2 over UDP.
//
// Startup, signal handling, and shutdown follow the same shape as
// ka9q_ubersdr's HPSDR bridge entrypoint (flag parse, construct, start,
// wait on SIGINT/SIGTERM, stop) adapted to this program's two protocol
// servers and optional metrics endpoint.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ka9q/hpsdremu/internal/config"
	"github.com/ka9q/hpsdremu/internal/echo"
	"github.com/ka9q/hpsdremu/internal/metrics"
	"github.com/ka9q/hpsdremu/internal/protocol1"
	"github.com/ka9q/hpsdremu/internal/protocol2"
	sdrsignal "github.com/ka9q/hpsdremu/internal/signal"
	sdrstate "github.com/ka9q/hpsdremu/internal/state"
)

// server is the subset of protocol1.Server/protocol2.Server main needs.
type server interface {
	Start() error
	Stop()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	logger := log.New(os.Stderr)

	cfg, err := config.Load(argv)
	if err != nil {
		logger.Fatal("config error", "err", err)
		return 1
	}
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	st := sdrstate.New(cfg.Radio.HW)
	if cfg.Protocol == 2 {
		st.SetSampleRateHz(192000)
	}
	st.SetTXFreqHz(cfg.InitialFreq)
	for d := 0; d < cfg.Radio.HW.MaxDDCs(); d++ {
		st.SetRXFreqHz(d, cfg.InitialFreq)
	}

	gen := sdrsignal.New(1000, cfg.Radio.NoiseLevel, time.Now().UnixNano())
	buf := echo.New()
	mtx := metrics.NewSet()

	var srv server
	switch cfg.Protocol {
	case 1:
		srv = protocol1.New(cfg.Radio, st, gen, buf, logger, mtx)
	case 2:
		srv = protocol2.New(cfg.Radio, st, gen, buf, logger, mtx)
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("bind error", "err", err)
		return 1
	}
	logger.Info("hpsdremu running", "protocol", cfg.Protocol, "radio", cfg.Radio.HW, "mac", cfg.Radio.MAC)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(mtx.Registry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	srv.Stop()
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	return 0
}
