// Command tinykv-server runs the single-threaded event-loop key-value
// server described by this module: a TCP listener speaking the
// length-prefixed get/set/del wire protocol, backed by an incrementally
// rehashed open-chaining HashMap.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/tinykv/tinykv"
	"github.com/tinykv/tinykv/internal/eventloop"
	"github.com/tinykv/tinykv/internal/hashmap"
	"github.com/tinykv/tinykv/internal/logging"
	"github.com/tinykv/tinykv/internal/metricshttp"
)

func main() {
	var (
		addr        = flag.String("addr", tinykv.DefaultListenAddr+":"+fmt.Sprint(tinykv.DefaultPort), "TCP address to listen on")
		metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
		verbose     = flag.Bool("v", false, "verbose (debug-level) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	store := hashmap.New()
	metrics := tinykv.NewMetrics()
	store.SetMigrationObserver(metrics)

	loop, err := eventloop.New(eventloop.Config{
		ListenAddr: *addr,
		Store:      store,
		Logger:     logger.With("eventloop"),
		Observer:   metrics,
	})
	if err != nil {
		logger.Error("failed to initialize event loop", "error", err)
		os.Exit(1)
	}

	metricsLogger := logger.With("metrics")
	var metricsSrv *metricshttp.Server
	if *metricsAddr != "" {
		metricsSrv, err = metricshttp.New(*metricsAddr, metrics, nil)
		if err != nil {
			metricsLogger.Error("failed to initialize metrics server", "error", err)
			os.Exit(1)
		}
		metricsErrCh := make(chan error, 1)
		metricsSrv.Start(metricsErrCh)
		go func() {
			if err := <-metricsErrCh; err != nil {
				metricsLogger.Error("metrics server error", "error", err)
			}
		}()
		metricsLogger.Info("listening", "addr", *metricsAddr)
	}

	logger.Info("tinykv listening", "addr", loop.Addr())

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run() }()

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err := <-loopDone:
		if err != nil {
			logger.Error("event loop exited", "error", err)
			os.Exit(1)
		}
		return
	}

	loop.Stop()
	<-loopDone

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := metricsSrv.Stop(ctx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("tinykv stopped")
}
