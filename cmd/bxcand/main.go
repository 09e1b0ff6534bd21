package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/cnl"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/server"
	"github.com/kstaniek/go-bxcan/internal/sim"
)

const (
	statusSampleInterval = time.Second
	shutdownTimeout      = 3 * time.Second
)

func main() {
	cfg, showVersion := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("bxcand %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	wire, err := initWire(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("wire_init_error", "error", err)
		return err
	}
	ctrl := sim.New(sim.Config{Wire: wire.send, Logger: logging.Component("sim")})
	drv := bxcan.New(ctrl, ctrl,
		bxcan.WithPeripheralClock(cfg.pclk),
		bxcan.WithLogger(logging.Component("bxcan")),
	)
	if err := drv.Start(cfg.bitrate, cfg.mode()); err != nil {
		l.Error("can_start_error", "error", err)
		ctrl.Close()
		wire.close()
		return err
	}
	wire.startRx(ctrl.Inject)
	startRxPump(ctx, drv, h, cfg.rxPoll, l, &wg)
	startStatusSampler(ctx, drv, statusSampleInterval, &wg)

	allow, _ := parseTxAllow(cfg.txAllow) // checked by validate
	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithSend(server.DriverSend(drv, cfg.txTimeout)),
		server.WithLogger(l),
		server.WithListenAddr(cfg.listenAddr),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithFlushInterval(cfg.flushInterval),
		server.WithBatchSize(cfg.batchSize),
		server.WithFrameFilter(txAllowFilter(allow)),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go advertise(ctx, cfg, srv, l)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && drv.Phase() == bxcan.PhaseRunning
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	drv.Stop()
	ctrl.Close()
	wire.close()
	wg.Wait()
	metrics.ObserveDriver(drv.Status())
	return nil
}

// advertise registers the gateway over mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	var port int
	if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
