package sim

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/world"
)

// floorThickness is the depth of the slab generated under each room.
const floorThickness = 0.1

// surfaceProbeHeight lifts downward probes off the floor they stand on.
const surfaceProbeHeight = 0.05

type box struct {
	name     string
	entity   string
	layer    int
	min, max geom.Vec3
	color    [3]uint8
	obstacle bool
}

// World is an immutable scene ready for queries. It is safe for concurrent
// use.
type World struct {
	scene  *Scene
	layers world.LayerTable
	boxes  []box
	nav    *NavGrid
}

var (
	_ world.PathOracle     = (*World)(nil)
	_ world.SurfaceQuery   = (*World)(nil)
	_ world.RayQuery       = (*World)(nil)
	_ world.Renderer       = (*World)(nil)
	_ world.EntityResolver = (*World)(nil)
)

// NewWorld builds the world geometry and navigation grid for scene.
func NewWorld(scene *Scene) (*World, error) {
	w := &World{scene: scene, layers: scene.LayerTable()}
	floor := w.layers["Floor"]
	for _, r := range scene.Rooms {
		w.boxes = append(w.boxes, box{
			name:  r.Name,
			layer: floor,
			min:   geom.Vec3{X: r.Min[0], Y: -floorThickness, Z: r.Min[1]},
			max:   geom.Vec3{X: r.Max[0], Y: 0, Z: r.Max[1]},
			color: r.Color,
		})
	}
	for _, o := range scene.Objects {
		layer := w.layers["Default"]
		if o.Layer != "" {
			layer = w.layers[o.Layer]
		}
		obstacle := true
		if o.Obstacle != nil {
			obstacle = *o.Obstacle
		}
		w.boxes = append(w.boxes, box{
			name:     o.Name,
			entity:   o.Entity,
			layer:    layer,
			min:      geom.Vec3{X: o.Min[0], Y: o.Min[1], Z: o.Min[2]},
			max:      geom.Vec3{X: o.Max[0], Y: o.Max[1], Z: o.Max[2]},
			color:    o.Color,
			obstacle: obstacle,
		})
	}
	nav, err := newNavGrid(scene, w.boxes)
	if err != nil {
		return nil, err
	}
	w.nav = nav
	return w, nil
}

// Scene returns the scene the world was built from.
func (w *World) Scene() *Scene { return w.scene }

// Layers returns the world's layer table.
func (w *World) Layers() world.LayerTable { return w.layers }

// Nav returns the navigation grid.
func (w *World) Nav() *NavGrid { return w.nav }

// StartPose is the robot's configured starting pose.
func (w *World) StartPose() geom.Pose {
	s := w.scene.Robot.Start
	return geom.NewPose(geom.Vec3{X: s[0], Y: s[1], Z: s[2]}, w.scene.Robot.Yaw)
}

// FindPath implements world.PathOracle.
func (w *World) FindPath(from, to geom.Vec3) world.Path {
	return w.nav.FindPath(from, to)
}

// CastRay implements world.RayQuery.
func (w *World) CastRay(origin, dir geom.Vec3, maxDistance float64, mask world.LayerMask) world.RayHit {
	idx, dist, _ := w.cast(origin, dir, maxDistance, mask)
	if idx < 0 {
		return world.RayHit{}
	}
	d := unit(dir)
	return world.RayHit{
		Hit:      true,
		Distance: dist,
		Point:    r3.Add(origin, r3.Scale(dist, d)),
		Surface:  w.boxes[idx].name,
	}
}

// QuerySurfaceBelow implements world.SurfaceQuery.
func (w *World) QuerySurfaceBelow(p geom.Vec3) (string, bool) {
	origin := r3.Add(p, geom.Vec3{Y: surfaceProbeHeight})
	hit := w.CastRay(origin, geom.Down, math.Inf(1), world.AllLayers)
	if !hit.Hit {
		return "", false
	}
	return hit.Surface, true
}

// ResolveEntity implements world.EntityResolver.
func (w *World) ResolveEntity(surface string) (string, bool) {
	for _, b := range w.boxes {
		if b.name == surface && b.entity != "" {
			return b.entity, true
		}
	}
	return "", false
}

// cast returns the index of the nearest box hit within maxDistance, the hit
// distance and the surface normal. Rays starting inside a box do not hit it.
func (w *World) cast(origin, dir geom.Vec3, maxDistance float64, mask world.LayerMask) (int, float64, geom.Vec3) {
	d := unit(dir)
	best, bestT := -1, maxDistance
	var bestN geom.Vec3
	for i := range w.boxes {
		b := &w.boxes[i]
		if !mask.Has(b.layer) {
			continue
		}
		t, n, ok := slab(origin, d, b.min, b.max)
		if !ok || t > bestT {
			continue
		}
		best, bestT, bestN = i, t, n
	}
	return best, bestT, bestN
}

// slab intersects a ray with an axis-aligned box. t is the entry distance.
func slab(o, d, lo, hi geom.Vec3) (t float64, normal geom.Vec3, ok bool) {
	tNear, tFar := math.Inf(-1), math.Inf(1)
	nearAxis, nearSign := -1, 0.0
	ov := [3]float64{o.X, o.Y, o.Z}
	ds := [3]float64{d.X, d.Y, d.Z}
	los := [3]float64{lo.X, lo.Y, lo.Z}
	his := [3]float64{hi.X, hi.Y, hi.Z}
	for a := 0; a < 3; a++ {
		if math.Abs(ds[a]) < 1e-12 {
			if ov[a] < los[a] || ov[a] > his[a] {
				return 0, geom.Vec3{}, false
			}
			continue
		}
		t1 := (los[a] - ov[a]) / ds[a]
		t2 := (his[a] - ov[a]) / ds[a]
		sign := -1.0
		if t1 > t2 {
			t1, t2 = t2, t1
			sign = 1.0
		}
		if t1 > tNear {
			tNear, nearAxis, nearSign = t1, a, sign
		}
		if t2 < tFar {
			tFar = t2
		}
		if tNear > tFar {
			return 0, geom.Vec3{}, false
		}
	}
	if nearAxis < 0 || tNear < 0 {
		return 0, geom.Vec3{}, false
	}
	var n [3]float64
	n[nearAxis] = nearSign
	return tNear, geom.Vec3{X: n[0], Y: n[1], Z: n[2]}, true
}

func unit(v geom.Vec3) geom.Vec3 {
	if r3.Norm(v) == 0 {
		return v
	}
	return r3.Unit(v)
}
