package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{FrameDuration: 10 * time.Millisecond})
}

func TestScheduler_InterleavesInRegistrationOrder(t *testing.T) {
	s := newTestScheduler()
	var trace []string

	s.Go("a", func(task *Task) error {
		for i := 0; i < 3; i++ {
			trace = append(trace, "a")
			if err := task.Yield(); err != nil {
				return err
			}
		}
		return nil
	})
	s.Go("b", func(task *Task) error {
		for i := 0; i < 2; i++ {
			trace = append(trace, "b")
			if err := task.Yield(); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, trace)
}

func TestScheduler_SleepUsesVirtualTime(t *testing.T) {
	s := newTestScheduler()
	var start, woke time.Time
	var startFrame, wokeFrame int64

	s.Go("sleeper", func(task *Task) error {
		start = task.Now()
		startFrame = s.Frame()
		if err := task.Sleep(750 * time.Millisecond); err != nil {
			return err
		}
		woke = task.Now()
		wokeFrame = s.Frame()
		return nil
	})

	began := time.Now()
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 750*time.Millisecond, woke.Sub(start))
	assert.Equal(t, int64(75), wokeFrame-startFrame)
	assert.Less(t, time.Since(began), 5*time.Second, "virtual sleep must not block in real time")
}

func TestScheduler_SleepZeroYieldsOneFrame(t *testing.T) {
	s := newTestScheduler()
	var frames []int64
	s.Go("zero", func(task *Task) error {
		frames = append(frames, s.Frame())
		if err := task.Sleep(0); err != nil {
			return err
		}
		frames = append(frames, s.Frame())
		return nil
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int64{0, 1}, frames)
}

func TestScheduler_WaitUntil(t *testing.T) {
	s := newTestScheduler()
	counter := 0
	s.OnFrame(func(now time.Time, dt time.Duration) {
		counter++
	})

	var seen int
	s.Go("waiter", func(task *Task) error {
		if err := task.WaitUntil(func() bool { return counter >= 5 }); err != nil {
			return err
		}
		seen = counter
		return nil
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 5, seen)
}

func TestScheduler_DaemonStoppedWhenPrimaryFinishes(t *testing.T) {
	s := newTestScheduler()
	ticks := 0
	var daemonErr error

	s.GoDaemon("publisher", func(task *Task) error {
		for {
			ticks++
			if err := task.Yield(); err != nil {
				daemonErr = err
				return err
			}
		}
	})
	s.Go("main", func(task *Task) error {
		for i := 0; i < 4; i++ {
			if err := task.Yield(); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 5, ticks)
	assert.ErrorIs(t, daemonErr, ErrStopped)
}

func TestScheduler_TaskErrorAbortsRun(t *testing.T) {
	s := newTestScheduler()
	boom := errors.New("disk full")
	s.Go("writer", func(task *Task) error {
		if err := task.Yield(); err != nil {
			return err
		}
		return boom
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "writer")
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := newTestScheduler()
	s.Go("bad", func(task *Task) error {
		panic("nil viewpoint")
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil viewpoint")
}

func TestScheduler_MaxFrames(t *testing.T) {
	s := NewScheduler(SchedulerConfig{FrameDuration: time.Millisecond, MaxFrames: 10})
	s.Go("forever", func(task *Task) error {
		for {
			if err := task.Yield(); err != nil {
				return err
			}
		}
	})

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrFrameBudget)
	assert.Equal(t, int64(10), s.Frame())
}

func TestScheduler_ContextCancel(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := false

	s.Go("main", func(task *Task) error {
		for i := 0; ; i++ {
			if i == 3 {
				cancel()
			}
			if err := task.Yield(); err != nil {
				stopped = errors.Is(err, ErrStopped)
				return err
			}
		}
	})

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, stopped)
}

func TestTask_Stop(t *testing.T) {
	s := newTestScheduler()
	loops := 0
	daemon := s.GoDaemon("publisher", func(task *Task) error {
		for {
			loops++
			if err := task.Sleep(time.Second); err != nil {
				return nil
			}
		}
	})
	s.Go("main", func(task *Task) error {
		if err := task.Yield(); err != nil {
			return err
		}
		daemon.Stop()
		for i := 0; i < 3; i++ {
			if err := task.Yield(); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, loops)
	assert.True(t, daemon.Stopped())
}

func TestScheduler_TaskAddedDuringFrameStartsNextFrame(t *testing.T) {
	s := newTestScheduler()
	var childFrame int64 = -1

	s.Go("parent", func(task *Task) error {
		s.Go("child", func(task *Task) error {
			childFrame = s.Frame()
			return nil
		})
		return nil
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(1), childFrame)
}

func TestScheduler_EmptyRunReturnsImmediately(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(0), s.Frame())
}
