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

	_ "go.uber.org/automaxprocs"

	"github.com/nrlim/wa-engine/internal/config"
	"github.com/nrlim/wa-engine/internal/engine"
	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/store/memstore"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		monitoring.LogPanic(bootLogger, err, "failed to load configuration", nil)
		return
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting worker engine")
	cfg.LogConfig(logger)

	// TODO(storage): swap for the real relational Store implementation once
	// the dashboard tier's schema driver lands; memstore keeps the engine
	// runnable standalone in the meantime.
	st := memstore.New()

	eng, err := engine.New(cfg, st, wsocket.GobwasFactory{}, logger)
	if err != nil {
		monitoring.LogPanic(logger, err, "failed to construct engine", nil)
		return
	}

	httpServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: monitoring.Mux(eng),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.LogError(logger, err, "metrics/health server stopped unexpectedly", nil)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	eng.Shutdown(shutdownCtx)

	_ = httpServer.Shutdown(shutdownCtx)
}
