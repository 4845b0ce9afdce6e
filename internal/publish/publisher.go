package publish

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/timeutil"
	"github.com/banshee-data/gridcapture/internal/world"
)

// Default topics.
const (
	ScanTopic  = "/scan"
	ColorTopic = "/camera/rgb/image_raw/compressed"
	DepthTopic = "/camera/depth/image_raw/compressed"
)

// ImageSource is the camera side of a Publisher. Snapshot must return a
// frame the publisher owns, since encoding runs outside the camera's lock.
type ImageSource interface {
	Snapshot(kind world.ImageKind) (image.Image, error)
	Config() sensors.CameraConfig
}

// ScanSource is the scanner side of a Publisher.
type ScanSource interface {
	Scan() []float64
	Config() sensors.ScannerConfig
}

// Options configures the periodic publish tasks. A zero period disables the
// corresponding task.
type Options struct {
	ImagePeriod time.Duration
	ScanPeriod  time.Duration
	ColorTopic  string
	DepthTopic  string
	ScanTopic   string
}

// Stats counts publish cycles.
type Stats struct {
	Images  uint64 `json:"images"`
	Scans   uint64 `json:"scans"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Publisher runs the periodic publish tasks on a scheduler. Tasks exist only
// between Connected and Disconnected; while they run, a cycle that finds the
// sink disconnected is skipped and retried on the next period.
type Publisher struct {
	sink    Sink
	sched   *timeutil.Scheduler
	camera  ImageSource
	scanner ScanSource
	opts    Options
	log     *logrus.Entry

	mu    sync.Mutex
	tasks []*timeutil.Task
	seq   uint32
	stats Stats
}

// NewPublisher creates a publisher. camera or scanner may be nil.
func NewPublisher(sink Sink, sched *timeutil.Scheduler, camera ImageSource, scanner ScanSource, opts Options) *Publisher {
	if opts.ColorTopic == "" {
		opts.ColorTopic = ColorTopic
	}
	if opts.DepthTopic == "" {
		opts.DepthTopic = DepthTopic
	}
	if opts.ScanTopic == "" {
		opts.ScanTopic = ScanTopic
	}
	return &Publisher{
		sink:    sink,
		sched:   sched,
		camera:  camera,
		scanner: scanner,
		opts:    opts,
		log:     monitoring.Component("publish"),
	}
}

// Connected advertises the topics and starts the publish tasks. Calling it
// while the tasks are running has no effect.
func (p *Publisher) Connected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) > 0 {
		return
	}
	if p.camera != nil && p.opts.ImagePeriod > 0 {
		p.advertise(p.opts.ColorTopic, CompressedImageType)
		p.advertise(p.opts.DepthTopic, CompressedImageType)
		p.tasks = append(p.tasks, p.sched.GoDaemon("publish-images", p.imageLoop))
	}
	if p.scanner != nil && p.opts.ScanPeriod > 0 {
		p.advertise(p.opts.ScanTopic, LaserScanType)
		p.tasks = append(p.tasks, p.sched.GoDaemon("publish-scan", p.scanLoop))
	}
	p.log.Debugf("started %d publish tasks", len(p.tasks))
}

func (p *Publisher) advertise(topic, msgType string) {
	if err := p.sink.Advertise(topic, msgType); err != nil {
		p.log.WithError(err).Warnf("advertise %s", topic)
	}
}

// Disconnected stops the publish tasks.
func (p *Publisher) Disconnected() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}

// Running reports whether publish tasks are active.
func (p *Publisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) > 0
}

// Stats returns a copy of the counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Publisher) header(now time.Time, frameID string) Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Header{Seq: p.seq, Stamp: now, FrameID: frameID}
	p.seq++
	return h
}

func (p *Publisher) count(fn func(s *Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// imageLoop publishes color then, one frame later, depth.
func (p *Publisher) imageLoop(t *timeutil.Task) error {
	frameID := p.camera.Config().Name
	for {
		if p.sink.Connected() {
			h := p.header(t.Now(), frameID)
			p.publishImage(p.opts.ColorTopic, h, world.KindColor)
			if err := t.Yield(); err != nil {
				return nil
			}
			p.publishImage(p.opts.DepthTopic, h, world.KindDepth)
		} else {
			p.skip("images")
		}
		if err := t.Sleep(p.opts.ImagePeriod); err != nil {
			return nil
		}
	}
}

func (p *Publisher) publishImage(topic string, h Header, kind world.ImageKind) {
	img, err := p.camera.Snapshot(kind)
	if err == nil {
		var msg CompressedImage
		if msg, err = EncodeImage(h, kind, img); err == nil {
			err = p.sink.Publish(topic, msg)
		}
	}
	p.record(topic, err, func(s *Stats) { s.Images++ })
}

// scanLoop rescans at the end of a frame and publishes the result.
func (p *Publisher) scanLoop(t *timeutil.Task) error {
	cfg := p.scanner.Config()
	for {
		if err := t.Yield(); err != nil {
			return nil
		}
		if p.sink.Connected() {
			msg := NewLaserScan(p.header(t.Now(), cfg.Name), cfg, p.scanner.Scan())
			err := p.sink.Publish(p.opts.ScanTopic, msg)
			p.record(p.opts.ScanTopic, err, func(s *Stats) { s.Scans++ })
		} else {
			p.skip("scan")
		}
		if err := t.Sleep(p.opts.ScanPeriod); err != nil {
			return nil
		}
	}
}

func (p *Publisher) record(topic string, err error, ok func(s *Stats)) {
	switch {
	case err == nil:
		p.count(ok)
	case errors.Is(err, ErrNotConnected):
		p.skip(topic)
	default:
		p.count(func(s *Stats) { s.Failed++ })
		p.log.WithError(err).Warnf("publish %s", topic)
	}
}

func (p *Publisher) skip(what string) {
	p.count(func(s *Stats) { s.Skipped++ })
	p.log.Debugf("sink disconnected, skipping %s", what)
	if r, ok := p.sink.(Reconnecter); ok {
		r.Reconnect()
	}
}
