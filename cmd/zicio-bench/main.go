// Command zicio-bench drives a shared pool of channels against the file
// named by the required -file flag and reports throughput, grounded on the
// teacher's cmd/ublk-mem flag-parsing/signal-handling/logging shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/behrlich/zicio"
	"github.com/behrlich/zicio/internal/logging"
)

func main() {
	var (
		filePath    = flag.String("file", "", "path to the file to ingest (required)")
		numChannels = flag.Int("channels", 4, "number of channels to open against the pool")
		chunkBytes  = flag.Int64("chunk-bytes", zicio.DefaultChunkBytes, "chunk size in bytes")
		duration    = flag.Duration("duration", 5*time.Second, "how long to run before reporting and exiting")
		verbose     = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "zicio-bench: -file is required")
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	info, err := os.Stat(*filePath)
	if err != nil {
		logger.Error("stat input file", "err", err)
		os.Exit(1)
	}

	pool, err := zicio.CreateSharedPool(
		[]zicio.File{{ID: 0, SizeBytes: info.Size(), Path: *filePath}},
		zicio.PoolConfig{ChunkBytes: *chunkBytes},
		&zicio.Options{Logger: logger},
	)
	if err != nil {
		logger.Error("create shared pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	channels := make([]*zicio.Channel, 0, *numChannels)
	for i := 0; i < *numChannels; i++ {
		ch, err := pool.OpenChannel(i % *numChannels)
		if err != nil {
			logger.Error("open channel", "err", err)
			os.Exit(1)
		}
		channels = append(channels, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logger.Info("received interrupt, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	select {
	case <-time.After(*duration):
	case <-ctx.Done():
	}

	for _, ch := range channels {
		if err := pool.CloseChannel(ch); err != nil {
			logger.Error("close channel", "err", err)
		}
	}

	snap := pool.MetricsSnapshot()
	fmt.Printf("on-track ops=%d bytes=%d derailed ops=%d bytes=%d forceful-unmaps=%d derail-events=%d shared-pages=%d iops=%.1f p99=%dns\n",
		snap.OnTrackOps, snap.OnTrackBytes, snap.DerailedOps, snap.DerailedBytes,
		snap.ForcefullyUnmapped, snap.DerailEvents, snap.SharedPages, snap.IOPS, snap.LatencyP99Ns)
}
