package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/capture"
	"github.com/banshee-data/gridcapture/internal/catalog"
	"github.com/banshee-data/gridcapture/internal/config"
	"github.com/banshee-data/gridcapture/internal/dataset"
	"github.com/banshee-data/gridcapture/internal/fsutil"
	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitor"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/publish"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/timeutil"
	"github.com/banshee-data/gridcapture/internal/world/sim"
)

// run wires one capture and blocks until it finishes. Cancelling ctx asks the
// engine to stop after the session in progress.
func run(ctx context.Context, cfg *config.CaptureConfig, scene *sim.Scene) (capture.Summary, error) {
	log := monitoring.Component("main")

	w, err := sim.NewWorld(scene)
	if err != nil {
		return capture.Summary{}, err
	}
	robot := sim.NewRobot(w, w.StartPose(), scene.Robot)

	schedCfg := timeutil.SchedulerConfig{
		FrameDuration: cfg.GetFrameDuration(),
		MaxFrames:     cfg.GetMaxFrames(),
	}
	if cfg.GetRealtime() {
		schedCfg.Pace = timeutil.RealClock{}
	}
	sched := timeutil.NewScheduler(schedCfg)
	sched.OnFrame(robot.Step)

	var scanner *sensors.RangeScanner
	if cfg.GetCaptureScan() || cfg.GetPublishScan() {
		if scanner, err = newScanner(cfg, w, robot); err != nil {
			return capture.Summary{}, err
		}
	}
	var camera *sensors.MultiViewCapture
	if cfg.AnyImage() || cfg.GetPublishImages() {
		if camera, err = newCamera(cfg, w, robot); err != nil {
			return capture.Summary{}, err
		}
	}

	var writer *dataset.Writer
	if cfg.AnyCapture() {
		writer, err = dataset.Open(dataset.Options{
			BaseDir:             cfg.GetOutputDir(),
			Prefix:              cfg.GetRunDirPrefix(),
			Images:              cfg.AnyImage(),
			Scans:               cfg.GetCaptureScan(),
			LegacyDepthFilename: cfg.GetLegacyDepthFilename(),
		})
		if err != nil {
			return capture.Summary{}, err
		}
		defer writer.Close()
	} else {
		log.Warn("no capture kind enabled, nothing will be written")
	}

	var cat *catalog.Catalog
	if path := cfg.GetCatalogPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return capture.Summary{}, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		if cat, err = catalog.Open(path); err != nil {
			return capture.Summary{}, err
		}
		defer cat.Close()
	}

	deps := capture.Deps{Oracle: w, Surface: w, Motion: robot}
	opts := capture.OptionsFromConfig(cfg)
	opts.Scene = scene.Name
	if scanner != nil && opts.Scan {
		deps.Scanner = scanner
	}
	if camera != nil && len(opts.Kinds) > 0 {
		deps.Camera = camera
	}
	if writer != nil {
		deps.Writer = writer
		opts.RunDir = writer.Dir()
	}
	if cat != nil {
		deps.Manifest = cat
	}
	engine, err := capture.NewEngine(deps, opts)
	if err != nil {
		return capture.Summary{}, err
	}
	log = log.WithField("run_id", engine.RunID())

	var summary capture.Summary
	engine.OnFinished(func(s capture.Summary) { summary = s })
	if writer != nil {
		engine.OnTransition(func(from, _ capture.State) {
			plan := engine.Plan()
			if from != capture.StateLoading || plan == nil {
				return
			}
			if path, err := monitor.WritePlanPlot(fsutil.OSFileSystem{}, writer.Dir(), plan); err != nil {
				log.WithError(err).Warn("plan plot")
			} else {
				log.Debugf("plan plot written to %s", path)
			}
		})
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		hs := monitor.NewHealthServer(addr)
		if err := hs.Start(); err != nil {
			return capture.Summary{}, err
		}
		defer hs.Stop()
		hs.SetState(capture.StateLoading)
		engine.OnTransition(func(_, to capture.State) { hs.SetState(to) })
	}

	svcCtx, cancelSvc := context.WithCancel(context.Background())
	defer cancelSvc()

	if addr := cfg.GetDebugListen(); addr != "" {
		webCfg := monitor.WebServerConfig{
			Address: addr,
			State:   engine,
			Sensors: make(map[string]monitor.TransformSource),
			Catalog: cat,
		}
		if scanner != nil {
			webCfg.Scanner = scanner
			webCfg.Sensors[scanner.Config().Name] = scanner
		}
		if camera != nil {
			webCfg.Sensors[camera.Config().Name] = camera
		}
		ws, err := monitor.NewWebServer(webCfg)
		if err != nil {
			return capture.Summary{}, err
		}
		go func() {
			if err := ws.Start(svcCtx); err != nil {
				log.WithError(err).Error("debug server")
			}
		}()
	}

	pub, sink, err := startPublisher(svcCtx, cfg, sched, camera, scanner, log)
	if err != nil {
		return capture.Summary{}, err
	}
	if pub != nil {
		defer func() {
			pub.Disconnected()
			sink.Close()
			st := pub.Stats()
			log.WithFields(logrus.Fields{
				"images":  st.Images,
				"scans":   st.Scans,
				"skipped": st.Skipped,
				"failed":  st.Failed,
			}).Info("publisher stopped")
		}()
	}

	engine.Start(sched)
	if ctx.Err() != nil {
		engine.RequestStop()
	}
	go func() {
		select {
		case <-ctx.Done():
			engine.RequestStop()
		case <-engine.Done():
		}
	}()

	err = sched.Run(svcCtx)
	if errors.Is(err, timeutil.ErrFrameBudget) {
		log.WithField("frames", sched.Frame()).Warn("frame budget exhausted")
		err = nil
	}
	return summary, err
}

func newScanner(cfg *config.CaptureConfig, w *sim.World, mount sensors.Mount) (*sensors.RangeScanner, error) {
	mask, err := w.Layers().Mask(cfg.ScanLayers)
	if err != nil {
		return nil, fmt.Errorf("scan layers: %w", err)
	}
	pos := cfg.GetScannerLocalPosition()
	return sensors.NewRangeScanner(w, mount, sensors.ScannerConfig{
		Name:           "base_scan",
		AngleMin:       cfg.GetScanAngleMin(),
		AngleMax:       cfg.GetScanAngleMax(),
		AngleIncrement: cfg.GetScanAngleIncrement(),
		RangeMin:       cfg.GetScanRangeMin(),
		RangeMax:       cfg.GetScanRangeMax(),
		Layers:         mask,
		LocalPose:      geom.NewPose(geom.Vec3{X: pos[0], Y: pos[1], Z: pos[2]}, 0),
	})
}

func newCamera(cfg *config.CaptureConfig, w *sim.World, mount sensors.Mount) (*sensors.MultiViewCapture, error) {
	mask, err := w.Layers().Mask(cfg.CameraLayers)
	if err != nil {
		return nil, fmt.Errorf("camera layers: %w", err)
	}
	pos, rot := cfg.GetCameraLocalPosition(), cfg.GetCameraLocalRotation()
	return sensors.NewMultiViewCapture(w, w, w, mount, sensors.CameraConfig{
		Name:   "camera_link",
		Width:  cfg.GetImageWidth(),
		Height: cfg.GetImageHeight(),
		FOV:    cfg.GetCameraFOV(),
		Layers: mask,
		LocalPose: geom.Pose{
			Position: geom.Vec3{X: pos[0], Y: pos[1], Z: pos[2]},
			Rotation: geom.Euler{X: rot[0], Y: rot[1], Z: rot[2]},
		},
	})
}

// startPublisher connects the configured sink and starts the publish tasks.
// It returns a nil publisher when publishing is off.
func startPublisher(ctx context.Context, cfg *config.CaptureConfig, sched *timeutil.Scheduler,
	camera *sensors.MultiViewCapture, scanner *sensors.RangeScanner, log *logrus.Entry) (*publish.Publisher, publish.Sink, error) {
	target := cfg.GetPublishTarget()
	var opts publish.Options
	var images publish.ImageSource
	var scans publish.ScanSource
	if cfg.GetPublishImages() && camera != nil {
		images = camera
		opts.ImagePeriod = cfg.GetImagePublishPeriod()
	}
	if cfg.GetPublishScan() && scanner != nil {
		scans = scanner
		opts.ScanPeriod = cfg.GetScanPublishInterval()
	}
	if target == "" || (images == nil && scans == nil) {
		return nil, nil, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: publish_target: %v", config.ErrInvalidConfig, err)
	}
	var sink publish.Sink
	switch u.Scheme {
	case "udp":
		udp, err := publish.NewUDPSink(u.Host, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		udp.Start(ctx)
		sink = udp
	case "ws", "wss":
		ws := publish.NewWebSocketSink(target, time.Second)
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ws.Connect(dialCtx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("publish target unavailable, will retry")
		}
		sink = ws
	default:
		return nil, nil, fmt.Errorf("%w: publish_target scheme %q (want udp, ws or wss)", config.ErrInvalidConfig, u.Scheme)
	}

	pub := publish.NewPublisher(sink, sched, images, scans, opts)
	pub.Connected()
	log.WithField("target", target).Info("publishing")
	return pub, sink, nil
}
