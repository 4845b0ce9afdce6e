package timeutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is returned from a task wait once the task or the whole
	// scheduler has been stopped. Tasks must return promptly when they see it.
	ErrStopped = errors.New("scheduler stopped")

	// ErrFrameBudget is returned by Run when MaxFrames elapse before every
	// primary task has finished.
	ErrFrameBudget = errors.New("frame budget exhausted")
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// FrameDuration is the virtual time that passes per frame (default 1/60s).
	FrameDuration time.Duration

	// Pace, when set, is used to hold each frame to FrameDuration of real
	// time. Leave nil to run as fast as possible.
	Pace Clock

	// MaxFrames bounds a run; zero means unbounded.
	MaxFrames int

	// Epoch is the virtual start time (default: Unix epoch).
	Epoch time.Time
}

// FrameHook runs at the start of every frame, before any task is resumed.
// It is where the motion substrate integrates one physics step.
type FrameHook func(now time.Time, dt time.Duration)

// Scheduler is a single-threaded cooperative scheduler. Each task runs on its
// own goroutine, but exactly one task (or the scheduler itself) executes at any
// moment: control is handed over explicitly and taken back when the task
// yields, so interleaving is deterministic and independent of wall-clock time.
type Scheduler struct {
	clock     *FrameClock
	frame     time.Duration
	pace      Clock
	maxFrames int

	mu      sync.Mutex
	hooks   []FrameHook
	tasks   []*Task
	frameNo int64
	started time.Time
}

// NewScheduler creates a scheduler with the given configuration.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = time.Second / 60
	}
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Unix(0, 0).UTC()
	}
	return &Scheduler{
		clock:     NewFrameClock(epoch),
		frame:     cfg.FrameDuration,
		pace:      cfg.Pace,
		maxFrames: cfg.MaxFrames,
	}
}

// Clock exposes the scheduler's virtual clock.
func (s *Scheduler) Clock() *FrameClock { return s.clock }

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// FrameDuration returns the virtual time step per frame.
func (s *Scheduler) FrameDuration() time.Duration { return s.frame }

// Frame returns the number of frames completed so far.
func (s *Scheduler) Frame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameNo
}

// OnFrame registers a hook invoked at the start of every frame.
func (s *Scheduler) OnFrame(h FrameHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Go registers a primary task. The run lasts until every primary task has
// returned. A task registered during a frame first runs on the next frame.
func (s *Scheduler) Go(name string, fn func(t *Task) error) *Task {
	return s.add(name, false, fn)
}

// GoDaemon registers a background task. Daemon tasks do not keep the run
// alive and are stopped once the last primary task returns.
func (s *Scheduler) GoDaemon(name string, fn func(t *Task) error) *Task {
	return s.add(name, true, fn)
}

func (s *Scheduler) add(name string, daemon bool, fn func(t *Task) error) *Task {
	t := &Task{
		name:   name,
		daemon: daemon,
		s:      s,
		fn:     fn,
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
	s.mu.Lock()
	t.wakeFrame = s.frameNo
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// Run drives frames until every primary task has returned, a task fails, the
// frame budget is exhausted or ctx is cancelled. Remaining tasks are stopped
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.stopAll()
	s.started = time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.hasPrimary() {
			return nil
		}
		if s.maxFrames > 0 && s.Frame() >= int64(s.maxFrames) {
			return ErrFrameBudget
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
}

// Step executes exactly one frame: frame hooks, then every ready task in
// registration order. It returns the first task failure.
func (s *Scheduler) Step() error {
	now := s.clock.Now()

	s.mu.Lock()
	hooks := append([]FrameHook(nil), s.hooks...)
	tasks := append([]*Task(nil), s.tasks...)
	frameNo := s.frameNo
	s.mu.Unlock()

	for _, h := range hooks {
		h(now, s.frame)
	}

	var failure error
	for _, t := range tasks {
		if t.finished || !t.ready(now, frameNo) {
			continue
		}
		s.resume(t)
		if t.finished && t.err != nil && !errors.Is(t.err, ErrStopped) {
			failure = fmt.Errorf("task %s: %w", t.name, t.err)
			break
		}
	}

	s.mu.Lock()
	alive := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.finished {
			alive = append(alive, t)
		}
	}
	s.tasks = alive
	s.frameNo++
	frameNo = s.frameNo
	s.mu.Unlock()

	s.clock.Advance(s.frame)
	if s.pace != nil {
		target := s.started.Add(time.Duration(frameNo) * s.frame)
		if d := s.pace.Until(target); d > 0 {
			s.pace.Sleep(d)
		}
	}
	return failure
}

func (s *Scheduler) hasPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.daemon && !t.finished {
			return true
		}
	}
	return false
}

func (s *Scheduler) resume(t *Task) {
	if !t.started {
		t.start()
	}
	t.resume <- struct{}{}
	<-t.parked
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		if t.finished {
			continue
		}
		t.stopping.Store(true)
		if !t.started {
			t.finished = true
			t.err = ErrStopped
			continue
		}
		s.resume(t)
	}
}

type waitKind int

const (
	waitFrame waitKind = iota
	waitTime
	waitCond
)

// Task is a suspendable unit of work owned by a Scheduler. Its wait methods
// must only be called from the task's own function.
type Task struct {
	name   string
	daemon bool
	s      *Scheduler
	fn     func(t *Task) error

	resume chan struct{}
	parked chan struct{}

	started   bool
	finished  bool
	err       error
	stopping  atomic.Bool
	kind      waitKind
	wakeFrame int64
	wakeAt    time.Time
	cond      func() bool
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Now returns the scheduler's virtual time.
func (t *Task) Now() time.Time { return t.s.clock.Now() }

// Stop asks the task to end. Its next (or current) wait returns ErrStopped.
func (t *Task) Stop() { t.stopping.Store(true) }

// Stopped reports whether Stop has been requested.
func (t *Task) Stopped() bool { return t.stopping.Load() }

// Yield suspends the task until the next frame.
func (t *Task) Yield() error {
	return t.park(waitFrame, time.Time{}, nil)
}

// Sleep suspends the task until at least d of virtual time has passed. The
// task always resumes on a later frame, even for d <= 0.
func (t *Task) Sleep(d time.Duration) error {
	if d <= 0 {
		return t.Yield()
	}
	return t.park(waitTime, t.Now().Add(d), nil)
}

// WaitUntil suspends the task until cond reports true. cond is evaluated by
// the scheduler once per frame, starting with the next frame.
func (t *Task) WaitUntil(cond func() bool) error {
	return t.park(waitCond, time.Time{}, cond)
}

func (t *Task) start() {
	t.started = true
	go func() {
		<-t.resume
		var err error
		if t.stopping.Load() {
			err = ErrStopped
		} else {
			err = t.run()
		}
		t.err = err
		t.finished = true
		t.parked <- struct{}{}
	}()
}

func (t *Task) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(t)
}

func (t *Task) park(kind waitKind, at time.Time, cond func() bool) error {
	if t.stopping.Load() {
		return ErrStopped
	}
	t.kind = kind
	t.wakeAt = at
	t.cond = cond
	t.wakeFrame = t.s.Frame() + 1

	t.parked <- struct{}{}
	<-t.resume

	if t.stopping.Load() {
		return ErrStopped
	}
	return nil
}

func (t *Task) ready(now time.Time, frameNo int64) bool {
	if t.stopping.Load() {
		return true
	}
	if !t.started {
		return frameNo >= t.wakeFrame
	}
	if frameNo < t.wakeFrame {
		return false
	}
	switch t.kind {
	case waitTime:
		return !now.Before(t.wakeAt)
	case waitCond:
		return t.cond == nil || t.cond()
	default:
		return true
	}
}
