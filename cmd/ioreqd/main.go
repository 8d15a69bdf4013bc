// Command ioreqd runs an in-process ioreq demonstration: a registry for
// a synthetic target domain, a device model claiming address ranges, and
// a driver loop issuing guest accesses through the dispatch path.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"

	ioreq "github.com/ehrlich-b/go-ioreq"
	"github.com/ehrlich-b/go-ioreq/abi"
	"github.com/ehrlich-b/go-ioreq/emulator"
	"github.com/ehrlich-b/go-ioreq/internal/constants"
	"github.com/ehrlich-b/go-ioreq/internal/logging"
	"github.com/ehrlich-b/go-ioreq/internal/wait"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		verbose    = flag.Bool("v", false, "Verbose output")
		profMode   = flag.String("profile", "", "Enable profiling: cpu or mem")
	)
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		if err := cfg.load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "ioreqd: %v\n", err)
			os.Exit(1)
		}
	}

	switch *profMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "":
	default:
		fmt.Fprintf(os.Stderr, "ioreqd: unknown profile mode %q\n", *profMode)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ioreqd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config, logger *logging.Logger) error {
	target := ioreq.NewTestDomain(1, cfg.VCPUs)
	emulDom := ioreq.NewTestDomain(2, 1)

	ports := ioreq.NewChannelPorts()
	physmap := ioreq.NewPhysmap(target.ID(), 0x10000)

	reg, err := ioreq.NewRegistry(ioreq.Config{
		Target:  target,
		Ports:   ports,
		Pages:   ioreq.NewHeapPages(0x80000),
		Physmap: physmap,
		GFNBase: 0x1000,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handling := ioreq.BufOff
	if cfg.Buffered {
		handling = ioreq.BufAtomic
	}

	dm, err := emulator.New(emulator.Config{
		Registry: reg,
		Self:     emulDom,
		Ports:    ports,
		Physmap:  physmap,
		Handler:  emulator.NewMemory(cfg.MMIOBase, cfg.MMIOSize),
		Buffered: handling,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer dm.Stop()

	end := cfg.MMIOBase + uint64(cfg.MMIOSize) - 1
	if err := dm.MapRange(ioreq.RangeMemory, cfg.MMIOBase, end); err != nil {
		return err
	}
	if err := dm.Start(); err != nil {
		return err
	}
	err = wait.Until(context.Background(), constants.EmulatorStartupTimeout, constants.PollInterval, func() bool {
		return reg.HasServers()
	})
	if err != nil {
		return fmt.Errorf("device model did not come up: %w", err)
	}
	logger.Info("device model serving",
		"server", dm.ID(), "mmio_base", cfg.MMIOBase, "mmio_size", cfg.MMIOSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Buffered {
		go broadcastTimeOffsets(ctx, reg, target.VCPUs()[0])
	}

	done := make(chan error, cfg.VCPUs)
	for _, v := range target.VCPUs() {
		go func(v ioreq.VCPU) {
			done <- drive(ctx, reg, v, cfg)
		}(v)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()

	select {
	case <-sigCh:
		logger.Info("interrupted")
	case <-timer.C:
	case err := <-done:
		if err != nil {
			return err
		}
	}
	cancel()

	snap := reg.Metrics().Snapshot()
	fmt.Printf("sync sent:      %d\n", snap.SyncSent)
	fmt.Printf("buffered sent:  %d\n", snap.BufferedSent)
	fmt.Printf("completions:    %d\n", snap.Completions)
	fmt.Printf("unrouted:       %d\n", snap.Unrouted)
	fmt.Printf("avg wait:       %s\n", time.Duration(snap.AvgWaitNs))
	return nil
}

// broadcastTimeOffsets pushes a periodic clock-adjustment event to every
// server over the buffered path.
func broadcastTimeOffsets(ctx context.Context, reg *ioreq.Registry, v ioreq.VCPU) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p := abi.Ioreq{
			Type:  abi.TypeTimeoffset,
			Size:  8,
			Count: 1,
			Dir:   abi.DirWrite,
			Data:  uint64(time.Now().UnixNano()),
		}
		reg.Broadcast(v, &p, true)
	}
}

// drive plays the part of one vCPU: alternating reads and writes over
// the device window, each routed through dispatch and completed before
// the next access.
func drive(ctx context.Context, reg *ioreq.Registry, v ioreq.VCPU, cfg *config) error {
	rng := rand.New(rand.NewSource(int64(v.ID()) + 1))
	sizes := []uint32{1, 2, 4, 8}

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return nil
		}

		size := sizes[rng.Intn(len(sizes))]
		addr := cfg.MMIOBase + uint64(rng.Intn(cfg.MMIOSize-8))&^uint64(size-1)

		req := abi.Ioreq{
			Type:  abi.TypeCopy,
			Addr:  addr,
			Size:  size,
			Count: 1,
			Dir:   abi.DirWrite,
			Data:  rng.Uint64(),
		}
		if i%2 == 1 {
			req.Dir = abi.DirRead
		}

		switch reg.Dispatch(v, &req) {
		case ioreq.StatusRetry:
			if !reg.HandleCompletion(ctx, v) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("vcpu %d: completion failed", v.ID())
			}
		case ioreq.StatusUnhandled:
			return fmt.Errorf("vcpu %d: access at %#x unrouted", v.ID(), addr)
		}
	}
}
