package publish

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/timeutil"
	"github.com/banshee-data/gridcapture/internal/world"
)

type published struct {
	topic string
	msg   Message
}

type fakeSink struct {
	mu         sync.Mutex
	connected  bool
	advertised map[string]string
	messages   []published
}

func newFakeSink(connected bool) *fakeSink {
	return &fakeSink{connected: connected, advertised: map[string]string{}}
}

func (f *fakeSink) Advertise(topic, msgType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised[topic] = msgType
	return nil
}

func (f *fakeSink) Publish(topic string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.messages = append(f.messages, published{topic, msg})
	return nil
}

func (f *fakeSink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.topic
	}
	return out
}

type fakeCamera struct {
	rgba  *image.RGBA
	depth *image.Gray16
	calls []world.ImageKind
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		rgba:  image.NewRGBA(image.Rect(0, 0, 4, 4)),
		depth: image.NewGray16(image.Rect(0, 0, 4, 4)),
	}
}

func (c *fakeCamera) Snapshot(kind world.ImageKind) (image.Image, error) {
	c.calls = append(c.calls, kind)
	if kind == world.KindDepth {
		return c.depth, nil
	}
	return c.rgba, nil
}

func (c *fakeCamera) Config() sensors.CameraConfig {
	return sensors.CameraConfig{Name: "SmartCamera", Width: 4, Height: 4}
}

type fakeScanner struct{ scans int }

func (s *fakeScanner) Scan() []float64 {
	s.scans++
	return []float64{2, 0, 0, 0}
}

func (s *fakeScanner) Config() sensors.ScannerConfig {
	return sensors.ScannerConfig{Name: "LaserScanner", AngleMax: 360, AngleIncrement: 90, RangeMin: 0.1, RangeMax: 5}
}

func newTestScheduler() *timeutil.Scheduler {
	return timeutil.NewScheduler(timeutil.SchedulerConfig{FrameDuration: 100 * time.Millisecond})
}

func TestPublisher_PublishesOnPeriod(t *testing.T) {
	sched := newTestScheduler()
	sink := newFakeSink(true)
	camera := newFakeCamera()
	scanner := &fakeScanner{}
	p := NewPublisher(sink, sched, camera, scanner, Options{ImagePeriod: time.Second, ScanPeriod: time.Second})

	sched.Go("run", func(t *timeutil.Task) error { return t.Sleep(2500 * time.Millisecond) })
	p.Connected()
	p.Connected()
	require.NoError(t, sched.Run(context.Background()))

	assert.Equal(t, map[string]string{
		ColorTopic: CompressedImageType,
		DepthTopic: CompressedImageType,
		ScanTopic:  LaserScanType,
	}, sink.advertised)

	stats := p.Stats()
	assert.Equal(t, uint64(6), stats.Images, "color and depth at 0s, 1.1s and 2.2s")
	assert.Equal(t, uint64(3), stats.Scans)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, 3, scanner.scans)
	assert.Equal(t, []world.ImageKind{
		world.KindColor, world.KindDepth,
		world.KindColor, world.KindDepth,
		world.KindColor, world.KindDepth,
	}, camera.calls)

	// Color is published one frame before depth and both share a header.
	var color, depth CompressedImage
	for _, m := range sink.messages {
		switch m.topic {
		case ColorTopic:
			color = m.msg.(CompressedImage)
		case DepthTopic:
			depth = m.msg.(CompressedImage)
		}
	}
	assert.Equal(t, "jpeg", color.Format)
	assert.Equal(t, "png", depth.Format)
	assert.Equal(t, color.Header, depth.Header)
	assert.Equal(t, "SmartCamera", color.Header.FrameID)
}

func TestPublisher_SkipsWhileDisconnected(t *testing.T) {
	sched := newTestScheduler()
	sink := newFakeSink(false)
	camera := newFakeCamera()
	p := NewPublisher(sink, sched, camera, &fakeScanner{}, Options{ImagePeriod: time.Second, ScanPeriod: time.Second})

	sched.Go("run", func(t *timeutil.Task) error { return t.Sleep(2500 * time.Millisecond) })
	p.Connected()
	require.NoError(t, sched.Run(context.Background()))

	stats := p.Stats()
	assert.Zero(t, stats.Images)
	assert.Zero(t, stats.Scans)
	assert.Equal(t, uint64(6), stats.Skipped)
	assert.Empty(t, camera.calls, "no capture while disconnected")
	assert.Empty(t, sink.topics())
}

type reconnectingSink struct {
	*fakeSink
	attempts int
}

func (r *reconnectingSink) Reconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.connected = true
}

func TestPublisher_SkipRequestsReconnect(t *testing.T) {
	sched := newTestScheduler()
	sink := &reconnectingSink{fakeSink: newFakeSink(false)}
	scanner := &fakeScanner{}
	p := NewPublisher(sink, sched, nil, scanner, Options{ScanPeriod: time.Second})

	sched.Go("run", func(t *timeutil.Task) error { return t.Sleep(2500 * time.Millisecond) })
	p.Connected()
	require.NoError(t, sched.Run(context.Background()))

	stats := p.Stats()
	assert.Equal(t, 1, sink.attempts)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(2), stats.Scans)
	// The skipped cycle is dropped, not replayed after the redial.
	assert.Equal(t, 2, scanner.scans)
	assert.Len(t, sink.topics(), 2)
}

func TestPublisher_DisconnectedStopsTasks(t *testing.T) {
	sched := newTestScheduler()
	sink := newFakeSink(true)
	p := NewPublisher(sink, sched, newFakeCamera(), &fakeScanner{}, Options{ImagePeriod: time.Second, ScanPeriod: time.Second})

	sched.Go("run", func(t *timeutil.Task) error {
		if err := t.Sleep(1500 * time.Millisecond); err != nil {
			return err
		}
		p.Disconnected()
		return t.Sleep(1500 * time.Millisecond)
	})
	p.Connected()
	assert.True(t, p.Running())
	require.NoError(t, sched.Run(context.Background()))

	assert.False(t, p.Running())
	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Images)
	assert.Equal(t, uint64(2), stats.Scans)
}

func TestPublisher_ZeroPeriodDisablesTask(t *testing.T) {
	sched := newTestScheduler()
	sink := newFakeSink(true)
	p := NewPublisher(sink, sched, newFakeCamera(), &fakeScanner{}, Options{ScanPeriod: time.Second})

	sched.Go("run", func(t *timeutil.Task) error { return t.Sleep(time.Second) })
	p.Connected()
	require.NoError(t, sched.Run(context.Background()))

	assert.NotContains(t, sink.advertised, ColorTopic)
	assert.Zero(t, p.Stats().Images)
	assert.Equal(t, uint64(1), p.Stats().Scans)
}
