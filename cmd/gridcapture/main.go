// Command gridcapture walks a robot over a coverage grid in a synthetic
// scene and records range scans plus RGB, depth and mask frames at every
// reachable cell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/gridcapture/internal/config"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/version"
	"github.com/banshee-data/gridcapture/internal/world/sim"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Capture configuration (.json, .yaml or .yml)")
	scenePath   = flag.String("scene", "config/scenes/flat.yaml", "Scene description")
	outputDir   = flag.String("output", "", "Override output_dir")
	maxFrames   = flag.Int("max-frames", -1, "Override max_frames (0 = unbounded)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadCaptureConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridcapture: %v\n", err)
		os.Exit(2)
	}
	if *outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if *maxFrames >= 0 {
		cfg.MaxFrames = maxFrames
	}
	if err := monitoring.Configure(cfg.GetLogLevel(), cfg.GetLogFormat()); err != nil {
		fmt.Fprintf(os.Stderr, "gridcapture: %v\n", err)
		os.Exit(2)
	}
	log := monitoring.Component("main")

	scene, err := sim.LoadScene(*scenePath)
	if err != nil {
		log.WithError(err).Fatal("failed to load scene")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, scene)
	if err != nil {
		log.WithError(err).Error("capture failed")
		os.Exit(1)
	}
	monitoring.Logf("%s: %d cells, %d images, %d scans", summary.Outcome, summary.Visited, summary.Images, summary.Scans)
}
