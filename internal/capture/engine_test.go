package capture

import (
	"context"
	"errors"
	"image"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridcapture/internal/config"
	"github.com/banshee-data/gridcapture/internal/dataset"
	"github.com/banshee-data/gridcapture/internal/fsutil"
	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/timeutil"
	"github.com/banshee-data/gridcapture/internal/world"
)

// fakeWorld answers every path query with a straight complete path unless
// reachable says otherwise, and reports one room everywhere.
type fakeWorld struct {
	reachable func(p geom.Vec3) bool
	room      string
}

func (w *fakeWorld) FindPath(from, to geom.Vec3) world.Path {
	if w.reachable != nil && !w.reachable(to) {
		return world.Path{Status: world.PathInvalid}
	}
	return world.Path{Status: world.PathComplete, Corners: []geom.Vec3{from, to}}
}

func (w *fakeWorld) QuerySurfaceBelow(geom.Vec3) (string, bool) {
	return w.room, w.room != ""
}

// teleportMotion arrives as soon as it is given a destination.
type teleportMotion struct {
	mu    sync.Mutex
	pose  geom.Pose
	moves []geom.Vec3
}

func (m *teleportMotion) Pose() geom.Pose {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pose
}

func (m *teleportMotion) SetDestination(p geom.Vec3) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose.Position = p
	m.moves = append(m.moves, p)
	return nil
}

func (m *teleportMotion) SetHeading(yaw float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose.Rotation = geom.Euler{Y: geom.NormalizeDegrees(yaw)}
}

func (m *teleportMotion) RemainingDistance() float64 { return 0 }
func (m *teleportMotion) StoppingDistance() float64  { return 0.01 }
func (m *teleportMotion) Speed() float64             { return 0 }

type fakeCamera struct {
	rgba  *image.RGBA
	depth *image.Gray16
	fail  error
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		rgba:  image.NewRGBA(image.Rect(0, 0, 2, 2)),
		depth: image.NewGray16(image.Rect(0, 0, 2, 2)),
	}
}

func (c *fakeCamera) Capture(kind world.ImageKind) (image.Image, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	if kind == world.KindDepth {
		return c.depth, nil
	}
	return c.rgba, nil
}

func (c *fakeCamera) LocalPose() geom.Pose {
	return geom.Pose{Position: geom.Vec3{Y: 1.2, Z: 0.1}}
}

type rayFunc func(origin, dir geom.Vec3, maxDistance float64, mask world.LayerMask) world.RayHit

func (f rayFunc) CastRay(origin, dir geom.Vec3, maxDistance float64, mask world.LayerMask) world.RayHit {
	return f(origin, dir, maxDistance, mask)
}

type harness struct {
	fs     *fsutil.MemoryFileSystem
	writer *dataset.Writer
	world  *fakeWorld
	motion *teleportMotion
	camera *fakeCamera
}

func newHarness(t *testing.T, images, scans bool) *harness {
	t.Helper()
	h := &harness{
		fs:     fsutil.NewMemoryFileSystem(),
		world:  &fakeWorld{room: "Kitchen"},
		motion: &teleportMotion{},
		camera: newFakeCamera(),
	}
	w, err := dataset.Open(dataset.Options{FS: h.fs, BaseDir: "/out", Images: images, Scans: scans})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	h.writer = w
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Oracle:  h.world,
		Surface: h.world,
		Motion:  h.motion,
		Camera:  h.camera,
		Writer:  h.writer,
	}
}

// rows returns the data rows of a log, without the header.
func (h *harness) rows(t *testing.T, name string) [][]string {
	t.Helper()
	data, err := h.fs.ReadFile(filepath.Join(h.writer.Dir(), name))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	var rows [][]string
	for _, l := range lines[1:] {
		rows = append(rows, strings.Split(l, ";"))
	}
	return rows
}

func runEngine(t *testing.T, e *Engine) error {
	t.Helper()
	s := timeutil.NewScheduler(timeutil.SchedulerConfig{FrameDuration: 50 * time.Millisecond, MaxFrames: 100000})
	e.Start(s)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func baseOptions() Options {
	return Options{
		Min:            [2]float64{0, 0},
		Max:            [2]float64{1, 1},
		CellSize:       0.5,
		PhotosPerPoint: 1,
		SettleDelay:    750 * time.Millisecond,
		Kinds:          []world.ImageKind{world.KindColor},
	}
}

func TestEngine_VisitsLatticeInOrder(t *testing.T) {
	h := newHarness(t, true, false)
	e, err := NewEngine(h.deps(), baseOptions())
	require.NoError(t, err)

	require.NoError(t, runEngine(t, e))
	assert.Equal(t, StateFinished, e.State())
	assert.Equal(t, OutcomeCompleted, e.Outcome())

	want := []geom.Vec3{
		{X: 0, Z: 0}, {X: 0, Z: 0.5}, {X: 0, Z: 1},
		{X: 0.5, Z: 0}, {X: 0.5, Z: 0.5}, {X: 0.5, Z: 1},
		{X: 1, Z: 0}, {X: 1, Z: 0.5}, {X: 1, Z: 1},
	}
	if diff := cmp.Diff(want, e.Plan().Points()); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want, h.motion.moves)

	rows := h.rows(t, dataset.ImageLogName)
	require.Len(t, rows, 9)
	for i, row := range rows {
		assert.Equal(t, dataset.PhotoID(i, 1, world.KindColor), row[0])
		assert.Equal(t, geom.F6(want[i]), row[1])
		assert.Equal(t, "(0.000000, 1.200000, 0.100000)", row[3])
		assert.Equal(t, "Kitchen", row[5])
	}
	assert.True(t, e.Plan().Done())
}

func TestEngine_SweepRotations(t *testing.T) {
	h := newHarness(t, true, false)
	opts := baseOptions()
	opts.Max = [2]float64{0.5, 0.5}
	opts.PhotosPerPoint = 4
	e, err := NewEngine(h.deps(), opts)
	require.NoError(t, err)
	require.NoError(t, runEngine(t, e))

	rows := h.rows(t, dataset.ImageLogName)
	require.Len(t, rows, 4*4)
	rotations := []string{
		"(0.000000, 0.000000, 0.000000)",
		"(0.000000, 90.000000, 0.000000)",
		"(0.000000, 180.000000, 0.000000)",
		"(0.000000, 270.000000, 0.000000)",
	}
	for cell := 0; cell < 4; cell++ {
		for step := 1; step <= 4; step++ {
			row := rows[cell*4+step-1]
			assert.Equal(t, dataset.PhotoID(cell, step, world.KindColor), row[0])
			assert.Equal(t, rotations[step-1], row[2], "cell %d step %d", cell, step)
		}
	}
	assert.Len(t, h.fs.Files(h.writer.Dir()), 16+1, "one PNG per row plus the log")
}

func TestEngine_EmptyPlan(t *testing.T) {
	h := newHarness(t, true, true)
	h.world.reachable = func(geom.Vec3) bool { return false }
	opts := baseOptions()
	opts.Scan = true
	deps := h.deps()
	deps.Scanner = &fixedScanner{}

	e, err := NewEngine(deps, opts)
	require.NoError(t, err)
	var summaries []Summary
	e.OnFinished(func(s Summary) { summaries = append(summaries, s) })

	require.NoError(t, runEngine(t, e))
	assert.Equal(t, StateFinished, e.State())
	assert.Equal(t, OutcomeEmptyPlan, e.Outcome())
	assert.Empty(t, h.rows(t, dataset.ImageLogName))
	assert.Empty(t, h.rows(t, dataset.ScanLogName))
	assert.Empty(t, h.motion.moves)
	require.Len(t, summaries, 1)
	assert.Equal(t, OutcomeEmptyPlan, summaries[0].Outcome)
	assert.Zero(t, summaries[0].Visited)

	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed")
	}
}

type fixedScanner struct{ ranges []float64 }

func (s *fixedScanner) Scan() []float64 { return s.ranges }

func TestEngine_ScanRows(t *testing.T) {
	h := newHarness(t, false, true)
	scanner, err := sensors.NewRangeScanner(
		rayFunc(func(_, dir geom.Vec3, _ float64, _ world.LayerMask) world.RayHit {
			// A single obstacle 2.0 to the robot's right.
			if math.Abs(math.Remainder(geom.YawFromDirection(dir)-90, 360)) < 0.5 {
				return world.RayHit{Hit: true, Distance: 2}
			}
			return world.RayHit{}
		}),
		h.motion,
		sensors.ScannerConfig{
			AngleMin:       0,
			AngleMax:       360,
			AngleIncrement: 90,
			RangeMin:       0.1,
			RangeMax:       5,
			Layers:         world.AllLayers,
		},
	)
	require.NoError(t, err)

	opts := baseOptions()
	opts.Max = [2]float64{0.5, 0.5}
	opts.Kinds = nil
	opts.Scan = true
	deps := h.deps()
	deps.Camera = nil
	deps.Scanner = scanner

	e, err := NewEngine(deps, opts)
	require.NoError(t, err)
	require.NoError(t, runEngine(t, e))

	data, err := h.fs.ReadFile(filepath.Join(h.writer.Dir(), dataset.ScanLogName))
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	assert.Equal(t, "0;(0.000000, 0.000000, 0.000000);(0.000000, 0.000000, 0.000000);2;0;0;0;", lines[1])
	assert.Len(t, h.rows(t, dataset.ScanLogName), 4)
	assert.Equal(t, 4, e.Snapshot().Scans)
}

func TestEngine_ScanPrecedesSweep(t *testing.T) {
	h := newHarness(t, true, true)
	var order []string
	h.writer.OnArtifact(func(a dataset.Artifact) { order = append(order, a.File) })

	opts := baseOptions()
	opts.Max = [2]float64{0.5, 0.5}
	opts.PhotosPerPoint = 2
	opts.Kinds = []world.ImageKind{world.KindColor, world.KindDepth, world.KindMask}
	opts.Scan = true
	deps := h.deps()
	deps.Scanner = &fixedScanner{ranges: []float64{1}}

	e, err := NewEngine(deps, opts)
	require.NoError(t, err)
	require.NoError(t, runEngine(t, e))

	want := []string{
		dataset.ScanLogName,
		"0_1_rgb.png", "0_1_depth.png", "0_1_mask.png",
		"0_2_rgb.png", "0_2_depth.png", "0_2_mask.png",
		dataset.ScanLogName,
	}
	assert.Equal(t, want, order[:len(want)])
	assert.Len(t, order, 4*(1+6))
}

func TestEngine_RoomFromLastWalk(t *testing.T) {
	h := newHarness(t, true, false)
	rooms := &switchingSurface{}
	deps := h.deps()
	deps.Surface = rooms

	opts := baseOptions()
	opts.Max = [2]float64{0.5, 0.5}
	opts.PhotosPerPoint = 2
	e, err := NewEngine(deps, opts)
	require.NoError(t, err)
	require.NoError(t, runEngine(t, e))

	for _, row := range h.rows(t, dataset.ImageLogName) {
		// Cells along x=0 are in the hall, the rest in the den. Every row of a
		// session carries the label seen on arrival.
		want := "Den"
		if strings.HasPrefix(row[1], "(0.000000,") {
			want = "Hall"
		}
		assert.Equal(t, want, row[5], row[0])
	}
}

type switchingSurface struct{}

func (switchingSurface) QuerySurfaceBelow(p geom.Vec3) (string, bool) {
	if p.X < 0.25 {
		return "Hall", true
	}
	return "Den", true
}

func TestEngine_WriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, true, false)
	diskFull := errors.New("no space left on device")
	h.fs.FailWrites(diskFull)

	e, err := NewEngine(h.deps(), baseOptions())
	require.NoError(t, err)

	err = runEngine(t, e)
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, StateFinished, e.State())
	assert.Equal(t, OutcomeFailed, e.Outcome())
	assert.ErrorIs(t, e.Err(), diskFull)
	assert.Contains(t, e.Snapshot().Error, "no space left")
}

func TestEngine_CameraFailureIsFatal(t *testing.T) {
	h := newHarness(t, true, false)
	h.camera.fail = sensors.ErrSensorUnavailable

	e, err := NewEngine(h.deps(), baseOptions())
	require.NoError(t, err)
	assert.ErrorIs(t, runEngine(t, e), sensors.ErrSensorUnavailable)
	assert.Equal(t, OutcomeFailed, e.Outcome())
}

func TestEngine_StopHonoredAtSessionBoundary(t *testing.T) {
	h := newHarness(t, true, false)
	opts := baseOptions()
	opts.PhotosPerPoint = 3

	e, err := NewEngine(h.deps(), opts)
	require.NoError(t, err)
	h.writer.OnArtifact(func(dataset.Artifact) { e.RequestStop() })

	require.NoError(t, runEngine(t, e))
	assert.Equal(t, OutcomeStopped, e.Outcome())
	assert.Len(t, h.rows(t, dataset.ImageLogName), 3, "the session in progress completes")
	assert.Equal(t, 1, e.Plan().Index())
}

func TestEngine_TransitionSequence(t *testing.T) {
	h := newHarness(t, true, false)
	opts := baseOptions()
	opts.Max = [2]float64{0.5, 0.5}

	e, err := NewEngine(h.deps(), opts)
	require.NoError(t, err)
	var seen []string
	e.OnTransition(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) })
	require.NoError(t, runEngine(t, e))

	want := []string{
		"loading>walking", "walking>turning",
		"turning>walking", "walking>turning",
		"turning>walking", "walking>turning",
		"turning>walking", "walking>turning",
		"turning>finished",
	}
	assert.Equal(t, want, seen)
}

func TestEngine_FrameBudgetStopsRun(t *testing.T) {
	h := newHarness(t, true, false)
	e, err := NewEngine(h.deps(), baseOptions())
	require.NoError(t, err)

	s := timeutil.NewScheduler(timeutil.SchedulerConfig{FrameDuration: 50 * time.Millisecond, MaxFrames: 20})
	e.Start(s)
	assert.ErrorIs(t, s.Run(context.Background()), timeutil.ErrFrameBudget)
	assert.Equal(t, OutcomeStopped, e.Outcome())
	assert.Equal(t, StateFinished, e.State())
}

func TestNewEngine_Validation(t *testing.T) {
	h := newHarness(t, true, true)

	tests := []struct {
		name   string
		mutate func(d *Deps, o *Options)
		target error
	}{
		{"missing oracle", func(d *Deps, o *Options) { d.Oracle = nil }, nil},
		{"missing camera", func(d *Deps, o *Options) { d.Camera = nil }, sensors.ErrSensorUnavailable},
		{"missing scanner", func(d *Deps, o *Options) { o.Scan = true }, sensors.ErrSensorUnavailable},
		{"missing writer", func(d *Deps, o *Options) { d.Writer = nil }, nil},
		{"zero photos", func(d *Deps, o *Options) { o.PhotosPerPoint = 0 }, config.ErrInvalidConfig},
		{"inverted range", func(d *Deps, o *Options) { o.Min = [2]float64{2, 0} }, config.ErrInvalidRange},
		{"flat range", func(d *Deps, o *Options) { o.Max = [2]float64{1, 0} }, config.ErrInvalidRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deps, opts := h.deps(), baseOptions()
			tc.mutate(&deps, &opts)
			_, err := NewEngine(deps, opts)
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}

	// Nothing to capture needs neither sensors nor a writer.
	opts := baseOptions()
	opts.Kinds = nil
	_, err := NewEngine(Deps{Oracle: h.world, Surface: h.world, Motion: h.motion}, opts)
	assert.NoError(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultCaptureConfig()
	no := false
	cfg.CaptureDepth = &no

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, []world.ImageKind{world.KindColor, world.KindMask}, opts.Kinds)
	assert.True(t, opts.Scan)
	assert.Equal(t, cfg.GetPhotosPerPoint(), opts.PhotosPerPoint)
	assert.Equal(t, 750*time.Millisecond, opts.SettleDelay)
}
