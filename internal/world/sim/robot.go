package sim

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/world"
)

// Robot is a kinematic agent that follows paths from a PathOracle at constant
// speed. Step advances it by one frame and is meant to be registered as a
// scheduler frame hook.
type Robot struct {
	nav      world.PathOracle
	maxSpeed float64
	stopping float64

	mu      sync.Mutex
	pose    geom.Pose
	corners []geom.Vec3
	speed   float64
}

var _ world.Motion = (*Robot)(nil)

// NewRobot places a robot at start.
func NewRobot(nav world.PathOracle, start geom.Pose, spec RobotSpec) *Robot {
	return &Robot{
		nav:      nav,
		maxSpeed: spec.Speed,
		stopping: spec.StoppingDistance,
		pose:     start,
	}
}

// Pose implements world.Motion.
func (r *Robot) Pose() geom.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose
}

// SetDestination plans a path to p and starts following it. Partial paths are
// followed to their end.
func (r *Robot) SetDestination(p geom.Vec3) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := r.nav.FindPath(r.pose.Position, p)
	if path.Status == world.PathInvalid || len(path.Corners) == 0 {
		return fmt.Errorf("no path from %s to %s", geom.F6(r.pose.Position), geom.F6(p))
	}
	r.corners = append(r.corners[:0], path.Corners[1:]...)
	return nil
}

// SetHeading turns the robot in place.
func (r *Robot) SetHeading(yawDeg float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose.Rotation = geom.Euler{Y: geom.NormalizeDegrees(yawDeg)}
}

// RemainingDistance is the length of the rest of the current path.
func (r *Robot) RemainingDistance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, prev := 0.0, r.pose.Position
	for _, c := range r.corners {
		d += r3.Norm(r3.Sub(c, prev))
		prev = c
	}
	return d
}

// StoppingDistance implements world.Motion.
func (r *Robot) StoppingDistance() float64 { return r.stopping }

// Speed is the distance covered in the last step divided by its duration.
func (r *Robot) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}

// Step moves the robot along its path for dt. The robot faces its direction
// of travel while moving and comes to rest on the final corner.
func (r *Robot) Step(_ time.Time, dt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget := r.maxSpeed * dt.Seconds()
	moved := 0.0
	for len(r.corners) > 0 && budget > 0 {
		next := r.corners[0]
		delta := r3.Sub(next, r.pose.Position)
		dist := r3.Norm(delta)
		if dist > 1e-9 {
			r.pose.Rotation = geom.Euler{Y: geom.YawFromDirection(delta)}
		}
		if dist <= budget {
			r.pose.Position = next
			r.corners = r.corners[1:]
			budget -= dist
			moved += dist
			continue
		}
		r.pose.Position = r3.Add(r.pose.Position, r3.Scale(budget/dist, delta))
		moved += budget
		budget = 0
	}
	if len(r.corners) == 0 || dt <= 0 {
		r.speed = 0
		return
	}
	r.speed = moved / dt.Seconds()
}
