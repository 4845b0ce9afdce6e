// Package world defines the collaborators the capture engine needs from a
// simulated environment: navigation, surface and ray queries, rendering and
// the robot's motion substrate. Package sim provides an implementation.
package world

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/banshee-data/gridcapture/internal/geom"
)

// PathStatus classifies a path query result.
type PathStatus int

const (
	PathInvalid PathStatus = iota
	PathPartial
	PathComplete
)

func (s PathStatus) String() string {
	switch s {
	case PathComplete:
		return "complete"
	case PathPartial:
		return "partial"
	default:
		return "invalid"
	}
}

// Path is the answer to a path query. Corners run from the start to the last
// reachable waypoint, which for a complete path may still differ slightly
// from the requested target.
type Path struct {
	Status  PathStatus
	Corners []geom.Vec3
}

// End returns the final corner, or false when the path has none.
func (p Path) End() (geom.Vec3, bool) {
	if len(p.Corners) == 0 {
		return geom.Vec3{}, false
	}
	return p.Corners[len(p.Corners)-1], true
}

// PathOracle answers reachability queries.
type PathOracle interface {
	FindPath(from, to geom.Vec3) Path
}

// SurfaceQuery names the surface directly below a point (for example the
// floor of a room). ok is false when nothing is below.
type SurfaceQuery interface {
	QuerySurfaceBelow(p geom.Vec3) (surface string, ok bool)
}

// RayHit describes the first surface a ray meets.
type RayHit struct {
	Hit      bool
	Distance float64
	Point    geom.Vec3
	Surface  string
}

// RayQuery casts rays against surfaces on the layers in mask.
type RayQuery interface {
	CastRay(origin, dir geom.Vec3, maxDistance float64, mask LayerMask) RayHit
}

// EntityResolver maps a surface to the nearest enclosing object tagged as a
// recognisable entity.
type EntityResolver interface {
	ResolveEntity(surface string) (name string, ok bool)
}

// Motion is the robot body. Navigation runs asynchronously: SetDestination
// starts movement that the substrate advances every frame.
type Motion interface {
	Pose() geom.Pose
	SetDestination(p geom.Vec3) error
	SetHeading(yawDeg float64)
	RemainingDistance() float64
	StoppingDistance() float64
	Speed() float64
}

// Arrived reports whether m has reached its destination and come to rest.
func Arrived(m Motion) bool {
	return m.RemainingDistance() <= m.StoppingDistance() && m.Speed() < 1e-6
}

// LayerMask selects surface layers by bit.
type LayerMask uint32

// AllLayers matches every layer.
const AllLayers LayerMask = ^LayerMask(0)

// Has reports whether layer index i is in the mask.
func (m LayerMask) Has(i int) bool {
	return i >= 0 && i < 32 && m&(1<<uint(i)) != 0
}

// Count returns the number of layers selected.
func (m LayerMask) Count() int { return bits.OnesCount32(uint32(m)) }

// LayerTable maps layer names to bit indices.
type LayerTable map[string]int

// Mask builds a mask from layer names. An empty list selects every layer.
func (t LayerTable) Mask(names []string) (LayerMask, error) {
	if len(names) == 0 {
		return AllLayers, nil
	}
	var m LayerMask
	for _, n := range names {
		i, ok := t[n]
		if !ok {
			return 0, fmt.Errorf("unknown layer %q (known: %v)", n, t.Names())
		}
		m |= 1 << uint(i)
	}
	return m, nil
}

// Names lists the table's layer names in index order.
func (t LayerTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Slice(names, func(a, b int) bool { return t[names[a]] < t[names[b]] })
	return names
}
