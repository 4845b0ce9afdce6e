// Package capture drives a robot through a coverage plan and records a
// synchronized bundle of sensor data at every visited cell.
package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/catalog"
	"github.com/banshee-data/gridcapture/internal/config"
	"github.com/banshee-data/gridcapture/internal/coverage"
	"github.com/banshee-data/gridcapture/internal/dataset"
	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/timeutil"
	"github.com/banshee-data/gridcapture/internal/world"
)

// Scanner takes one range scan at the robot's current pose.
type Scanner interface {
	Scan() []float64
}

// Camera captures one frame of a kind. The returned image is only valid
// until the next capture of the same kind.
type Camera interface {
	Capture(kind world.ImageKind) (image.Image, error)
	LocalPose() geom.Pose
}

// Writer persists captured artifacts.
type Writer interface {
	WriteImage(rec dataset.ImageRecord, img image.Image) error
	WriteScan(rec dataset.ScanRecord) error
}

// Manifest indexes runs and artifacts outside the CSV logs. Failures are
// logged and never abort a run.
type Manifest interface {
	StartRun(r catalog.Run) (string, error)
	SetPlan(runID string, planLen, rejected int) error
	AddArtifact(runID string, a dataset.Artifact, at time.Time) error
	FinishRun(runID, outcome string, runErr error, at time.Time) error
}

// Deps are the engine's collaborators.
type Deps struct {
	Oracle  world.PathOracle
	Surface world.SurfaceQuery
	Motion  world.Motion
	// Scanner, Camera and Writer are required only when the options enable
	// scans or image kinds.
	Scanner Scanner
	Camera  Camera
	Writer  Writer
	// Manifest is optional.
	Manifest Manifest
}

// Options configure one run.
type Options struct {
	Min, Max       [2]float64
	CellSize       float64
	ExactRoute     bool
	PhotosPerPoint int
	SettleDelay    time.Duration
	// Kinds are captured in order at every sweep step.
	Kinds []world.ImageKind
	Scan  bool
	// RunDir and Scene are recorded in the manifest.
	RunDir string
	Scene  string
}

// OptionsFromConfig maps a validated configuration onto engine options.
func OptionsFromConfig(cfg *config.CaptureConfig) Options {
	opts := Options{
		Min:            cfg.GetGridMin(),
		Max:            cfg.GetGridMax(),
		CellSize:       cfg.GetCellSize(),
		ExactRoute:     cfg.GetExactRoute(),
		PhotosPerPoint: cfg.GetPhotosPerPoint(),
		SettleDelay:    cfg.GetSettleDelay(),
		Scan:           cfg.GetCaptureScan(),
	}
	if cfg.GetCaptureRGB() {
		opts.Kinds = append(opts.Kinds, world.KindColor)
	}
	if cfg.GetCaptureDepth() {
		opts.Kinds = append(opts.Kinds, world.KindDepth)
	}
	if cfg.GetCaptureMask() {
		opts.Kinds = append(opts.Kinds, world.KindMask)
	}
	return opts
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Engine is the capture state machine. It runs as a single task on a
// timeutil.Scheduler; its accessors are safe to call from other goroutines.
type Engine struct {
	deps  Deps
	opts  Options
	runID string
	log   *logrus.Entry

	stopRequested atomic.Bool
	done          chan struct{}

	mu          sync.RWMutex
	sched       *timeutil.Scheduler
	state       State
	outcome     Outcome
	err         error
	plan        *coverage.Plan
	session     *Session
	room        string
	images      int
	scans       int
	visited     int
	started     time.Time
	transitions []TransitionFunc
	finished    []func(Summary)
}

// NewEngine checks that every collaborator the options need is present.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Oracle == nil:
		return nil, coverage.ErrNoOracle
	case deps.Surface == nil:
		return nil, errors.New("capture: surface query is required")
	case deps.Motion == nil:
		return nil, errors.New("capture: motion substrate is required")
	case len(opts.Kinds) > 0 && deps.Camera == nil:
		return nil, fmt.Errorf("%w: image capture enabled without a camera", sensors.ErrSensorUnavailable)
	case opts.Scan && deps.Scanner == nil:
		return nil, fmt.Errorf("%w: scan enabled without a scanner", sensors.ErrSensorUnavailable)
	case (len(opts.Kinds) > 0 || opts.Scan) && deps.Writer == nil:
		return nil, errors.New("capture: capture enabled without a writer")
	}
	if opts.PhotosPerPoint < 1 {
		return nil, fmt.Errorf("%w: photos per point must be at least 1", config.ErrInvalidConfig)
	}
	if opts.CellSize <= 0 {
		return nil, fmt.Errorf("%w: cell size must be positive", config.ErrInvalidConfig)
	}
	if err := coverage.CheckRange(opts.Min, opts.Max); err != nil {
		return nil, err
	}

	e := &Engine{
		deps:  deps,
		opts:  opts,
		runID: uuid.NewString(),
		done:  make(chan struct{}),
	}
	e.log = monitoring.Component("capture").WithField("run_id", e.runID)

	if hooked, ok := deps.Writer.(interface{ OnArtifact(dataset.ArtifactHook) }); ok && deps.Manifest != nil {
		hooked.OnArtifact(e.recordArtifact)
	}
	return e, nil
}

// RunID identifies this run in logs and the manifest.
func (e *Engine) RunID() string { return e.runID }

// Plan returns the coverage plan, or nil while loading.
func (e *Engine) Plan() *coverage.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plan
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Outcome returns how the run ended, or OutcomeNone while it is active.
func (e *Engine) Outcome() Outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outcome
}

// Err returns the error that failed the run, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Done is closed once the engine reaches Finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// OnTransition registers a state-change listener. Listeners run on the
// engine task.
func (e *Engine) OnTransition(fn TransitionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitions = append(e.transitions, fn)
}

// OnFinished registers a completion listener, the hook for end-of-run cues.
func (e *Engine) OnFinished(fn func(Summary)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, fn)
}

// RequestStop asks the engine to finish at the next session boundary. A
// session already in progress always runs to completion.
func (e *Engine) RequestStop() {
	if !e.stopRequested.Swap(true) {
		e.log.Info("stop requested")
	}
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pose := e.deps.Motion.Pose()
	s := Snapshot{
		RunID:    e.runID,
		RunDir:   e.opts.RunDir,
		State:    e.state.String(),
		Outcome:  e.outcome,
		Room:     e.room,
		Position: pose.Position,
		Yaw:      pose.Yaw(),
		Images:   e.images,
		Scans:    e.scans,
	}
	if e.plan != nil {
		s.PlanLen = e.plan.Len()
		s.Rejected = len(e.plan.Rejected())
		s.Index = e.plan.Index()
		s.Progress = e.plan.Progress()
	}
	if e.session != nil {
		sess := *e.session
		s.Session = &sess
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// Start registers the engine as a primary task on s.
func (e *Engine) Start(s *timeutil.Scheduler) *timeutil.Task {
	e.mu.Lock()
	e.sched = s
	e.started = s.Now()
	e.mu.Unlock()
	return s.Go("capture", e.run)
}

func (e *Engine) now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sched == nil {
		return time.Now()
	}
	return e.sched.Now()
}

func (e *Engine) run(t *timeutil.Task) (err error) {
	e.startManifest(t.Now())
	defer func() { e.finish(t.Now(), err) }()

	plan, err := e.load(t)
	if err != nil || plan == nil {
		return err
	}

	for {
		e.transition(StateWalking)
		if err := e.walk(t); err != nil {
			return err
		}
		if e.stopRequested.Load() {
			e.setOutcome(OutcomeStopped)
			return nil
		}

		e.transition(StateTurning)
		if err := e.turn(t, plan); err != nil {
			return err
		}

		index, total := plan.Index(), plan.Len()
		e.log.Infof("%d/%d - %g%%", index, total, float64(index)/float64(total)*100)
		if plan.Advance() {
			e.setOutcome(OutcomeCompleted)
			return nil
		}
		next, _ := plan.Current()
		if err := e.deps.Motion.SetDestination(next); err != nil {
			return fmt.Errorf("move to cell %d: %w", plan.Index(), err)
		}
		e.log.WithField("target", geom.F6(next)).Debug("next cell")
	}
}

// load plans the run and sends the robot to the first point. A nil plan with
// a nil error means there is nothing to visit.
func (e *Engine) load(t *timeutil.Task) (*coverage.Plan, error) {
	plan, err := coverage.GenerateCoverage(e.deps.Oracle, coverage.Request{
		From:       e.deps.Motion.Pose().Position,
		Min:        e.opts.Min,
		Max:        e.opts.Max,
		CellSize:   e.opts.CellSize,
		ExactRoute: e.opts.ExactRoute,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()
	e.manifestPlan(plan)

	if plan.Empty() {
		e.log.Warn("no reachable cells, nothing to capture")
		e.setOutcome(OutcomeEmptyPlan)
		return nil, nil
	}

	if err := t.Yield(); err != nil {
		return nil, err
	}
	first, _ := plan.Current()
	if err := e.deps.Motion.SetDestination(first); err != nil {
		return nil, fmt.Errorf("move to cell 0: %w", err)
	}
	if err := t.Yield(); err != nil {
		return nil, err
	}
	return plan, nil
}

// walk waits for arrival, refreshing the room label every frame. A stop
// request also ends the wait.
func (e *Engine) walk(t *timeutil.Task) error {
	return t.WaitUntil(func() bool {
		e.updateRoom()
		return world.Arrived(e.deps.Motion) || e.stopRequested.Load()
	})
}

func (e *Engine) updateRoom() {
	surface, ok := e.deps.Surface.QuerySurfaceBelow(e.deps.Motion.Pose().Position)
	if !ok {
		return
	}
	e.mu.Lock()
	e.room = surface
	e.mu.Unlock()
}

// turn runs one session: reset heading, scan once, then sweep.
func (e *Engine) turn(t *timeutil.Task, plan *coverage.Plan) error {
	target, _ := plan.Current()
	e.mu.Lock()
	sess := &Session{
		CellIndex: plan.Index(),
		Target:    target,
		Steps:     e.opts.PhotosPerPoint,
		Room:      e.room,
		Started:   t.Now(),
	}
	e.session = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.session = nil
		e.visited++
		e.mu.Unlock()
	}()

	motion := e.deps.Motion
	motion.SetHeading(0)
	if err := t.Yield(); err != nil {
		return err
	}

	if e.opts.Scan {
		rec := dataset.ScanRecord{
			CellIndex: sess.CellIndex,
			Robot:     motion.Pose(),
			Ranges:    e.deps.Scanner.Scan(),
		}
		if err := e.deps.Writer.WriteScan(rec); err != nil {
			return err
		}
		e.count(func() { e.scans++ })
		if err := t.Yield(); err != nil {
			return err
		}
	}

	step := 360 / float64(e.opts.PhotosPerPoint)
	for i := 1; i <= e.opts.PhotosPerPoint; i++ {
		e.mu.Lock()
		sess.Step = i
		e.mu.Unlock()

		if err := t.Sleep(e.opts.SettleDelay); err != nil {
			return err
		}
		robot := motion.Pose()
		for _, kind := range e.opts.Kinds {
			img, err := e.deps.Camera.Capture(kind)
			if err != nil {
				return fmt.Errorf("capture %s at cell %d step %d: %w", kind, sess.CellIndex, i, err)
			}
			rec := dataset.ImageRecord{
				CellIndex: sess.CellIndex,
				Step:      i,
				Kind:      kind,
				Robot:     robot,
				Camera:    e.deps.Camera.LocalPose(),
				Room:      sess.Room,
			}
			if err := e.deps.Writer.WriteImage(rec, img); err != nil {
				return err
			}
			e.count(func() { e.images++ })
			if err := t.Yield(); err != nil {
				return err
			}
		}
		motion.SetHeading(float64(i) * step)
	}
	return nil
}

func (e *Engine) count(fn func()) {
	e.mu.Lock()
	fn()
	e.mu.Unlock()
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	listeners := append([]TransitionFunc(nil), e.transitions...)
	e.mu.Unlock()

	if from != to {
		e.log.Debugf("state %s -> %s", from, to)
	}
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (e *Engine) setOutcome(o Outcome) {
	e.mu.Lock()
	e.outcome = o
	e.mu.Unlock()
}

// finish moves to Finished, records the outcome and notifies listeners.
func (e *Engine) finish(at time.Time, err error) {
	e.mu.Lock()
	switch {
	case err == nil:
	case errors.Is(err, timeutil.ErrStopped):
		e.outcome = OutcomeStopped
	default:
		e.outcome = OutcomeFailed
		e.err = err
	}
	if e.outcome == OutcomeNone {
		e.outcome = OutcomeStopped
	}
	summary := Summary{
		RunID:    e.runID,
		Outcome:  e.outcome,
		Visited:  e.visited,
		Images:   e.images,
		Scans:    e.scans,
		Err:      e.err,
		Started:  e.started,
		Finished: at,
	}
	if e.plan != nil {
		summary.PlanLen = e.plan.Len()
	}
	listeners := append([]func(Summary){}, e.finished...)
	e.mu.Unlock()

	e.transition(StateFinished)
	entry := e.log.WithFields(logrus.Fields{
		"outcome": summary.Outcome,
		"visited": summary.Visited,
		"images":  summary.Images,
		"scans":   summary.Scans,
	})
	if summary.Err != nil {
		entry.WithError(summary.Err).Error("Finished")
	} else {
		entry.Info("Finished")
	}

	e.finishManifest(summary)
	for _, fn := range listeners {
		fn(summary)
	}
	close(e.done)
}
