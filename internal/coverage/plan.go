package coverage

import (
	"sync"

	"github.com/banshee-data/gridcapture/internal/geom"
)

// Plan is the ordered visit sequence. The index only moves forward and never
// exceeds Len. Plan is safe for concurrent use; the capture engine is the
// only writer.
type Plan struct {
	mu       sync.RWMutex
	points   []geom.Vec3
	rejected []geom.Vec3
	index    int
}

// NewPlan wraps points (and the lattice points that were filtered out).
func NewPlan(points, rejected []geom.Vec3) *Plan {
	return &Plan{points: points, rejected: rejected}
}

// Len is the number of points to visit.
func (p *Plan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.points)
}

// Empty reports whether there is nothing to visit.
func (p *Plan) Empty() bool { return p.Len() == 0 }

// Index is the position of the current point.
func (p *Plan) Index() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Current returns the point at Index, or false once the plan is done.
func (p *Plan) Current() (geom.Vec3, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.index >= len(p.points) {
		return geom.Vec3{}, false
	}
	return p.points[p.index], true
}

// Advance moves to the next point and reports whether the plan is done.
func (p *Plan) Advance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index < len(p.points) {
		p.index++
	}
	return p.index >= len(p.points)
}

// Done reports whether every point has been visited.
func (p *Plan) Done() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index >= len(p.points)
}

// Progress is the visited fraction in [0, 1]; an empty plan counts as done.
func (p *Plan) Progress() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.points) == 0 {
		return 1
	}
	return float64(p.index) / float64(len(p.points))
}

// Points returns a copy of the visit sequence.
func (p *Plan) Points() []geom.Vec3 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]geom.Vec3(nil), p.points...)
}

// Rejected returns a copy of the lattice points that were filtered out.
func (p *Plan) Rejected() []geom.Vec3 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]geom.Vec3(nil), p.rejected...)
}
