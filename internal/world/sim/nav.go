package sim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/world"
)

// snapRadius is how far a query point may lie from the walkable area and
// still be projected onto it.
const snapRadius = 0.5

// maxNavCells bounds the grid size.
const maxNavCells = 1 << 20

// NavGrid is an occupancy grid over the scene's rooms. Walkable cell centres
// are graph nodes; neighbouring walkable cells (8-connected, no corner
// cutting) are joined by edges weighted with their distance.
type NavGrid struct {
	minX, minZ float64
	cell       float64
	nx, nz     int
	walkable   []bool
	component  []int
	g          *simple.WeightedUndirectedGraph
}

func newNavGrid(scene *Scene, boxes []box) (*NavGrid, error) {
	minX, minZ := math.Inf(1), math.Inf(1)
	maxX, maxZ := math.Inf(-1), math.Inf(-1)
	for _, r := range scene.Rooms {
		minX, minZ = math.Min(minX, r.Min[0]), math.Min(minZ, r.Min[1])
		maxX, maxZ = math.Max(maxX, r.Max[0]), math.Max(maxZ, r.Max[1])
	}
	n := &NavGrid{
		minX: minX,
		minZ: minZ,
		cell: scene.NavCell,
		nx:   int(math.Ceil((maxX - minX) / scene.NavCell)),
		nz:   int(math.Ceil((maxZ - minZ) / scene.NavCell)),
	}
	if n.nx*n.nz > maxNavCells {
		return nil, fmt.Errorf("navigation grid of %dx%d cells exceeds %d; raise nav_cell", n.nx, n.nz, maxNavCells)
	}

	radius, height := scene.Robot.Radius, scene.Robot.Height
	n.walkable = make([]bool, n.nx*n.nz)
	for i := 0; i < n.nx; i++ {
		for j := 0; j < n.nz; j++ {
			c := n.center(i, j)
			n.walkable[n.index(i, j)] = onFloor(scene, c) && !blocked(boxes, c, radius, height)
		}
	}

	n.g = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := 0; i < n.nx; i++ {
		for j := 0; j < n.nz; j++ {
			if !n.walkable[n.index(i, j)] {
				continue
			}
			id := int64(n.index(i, j))
			if n.g.Node(id) == nil {
				n.g.AddNode(simple.Node(id))
			}
			// Forward half of the 8-neighbourhood; the graph is undirected.
			for _, d := range [][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}} {
				a, b := i+d[0], j+d[1]
				if !n.ok(a, b) {
					continue
				}
				if d[0] != 0 && d[1] != 0 && (!n.ok(i+d[0], j) || !n.ok(i, j+d[1])) {
					continue
				}
				w := n.cell * math.Hypot(float64(d[0]), float64(d[1]))
				n.g.SetWeightedEdge(n.g.NewWeightedEdge(simple.Node(id), simple.Node(int64(n.index(a, b))), w))
			}
		}
	}

	n.component = make([]int, n.nx*n.nz)
	for i := range n.component {
		n.component[i] = -1
	}
	for ci, comp := range topo.ConnectedComponents(n.g) {
		for _, node := range comp {
			n.component[node.ID()] = ci
		}
	}
	return n, nil
}

func onFloor(scene *Scene, p geom.Vec3) bool {
	for _, r := range scene.Rooms {
		if p.X >= r.Min[0] && p.X <= r.Max[0] && p.Z >= r.Min[1] && p.Z <= r.Max[1] {
			return true
		}
	}
	return false
}

// blocked reports whether a robot of the given radius standing at p would
// overlap an obstacle between floor level and its height.
func blocked(boxes []box, p geom.Vec3, radius, height float64) bool {
	for _, b := range boxes {
		if !b.obstacle || b.max.Y <= 0.01 || b.min.Y >= height {
			continue
		}
		dx := math.Max(0, math.Max(b.min.X-p.X, p.X-b.max.X))
		dz := math.Max(0, math.Max(b.min.Z-p.Z, p.Z-b.max.Z))
		if math.Hypot(dx, dz) < radius || (dx == 0 && dz == 0) {
			return true
		}
	}
	return false
}

// Size returns the grid dimensions in cells.
func (n *NavGrid) Size() (nx, nz int) { return n.nx, n.nz }

// Walkable reports whether the cell containing p is walkable.
func (n *NavGrid) Walkable(p geom.Vec3) bool {
	i, j := n.cellOf(p)
	return n.ok(i, j)
}

// FindPath computes a path across the grid. The start and target are snapped
// to the nearest walkable cell within snapRadius. A target on a walkable cell
// is reached exactly; a snapped target ends at the cell centre, which is how
// approximately reachable points show up. Targets in another connected region
// yield a partial path to the closest reachable cell.
func (n *NavGrid) FindPath(from, to geom.Vec3) world.Path {
	si, sj, ok := n.nearestWalkable(from)
	if !ok {
		return world.Path{Status: world.PathInvalid}
	}
	end := to
	gi, gj := n.cellOf(to)
	if !n.ok(gi, gj) {
		if gi, gj, ok = n.nearestWalkable(to); !ok {
			return world.Path{Status: world.PathInvalid}
		}
		end = n.center(gi, gj)
		end.Y = to.Y
	}

	status := world.PathComplete
	start, goal := n.index(si, sj), n.index(gi, gj)
	if n.component[start] != n.component[goal] {
		status = world.PathPartial
		goal = n.closestInComponent(n.component[start], to)
		gi, gj = goal/n.nz, goal%n.nz
		end = n.center(gi, gj)
		end.Y = to.Y
	}

	nodes := n.route(start, goal)
	pts := make([]geom.Vec3, 0, len(nodes)+2)
	pts = append(pts, from)
	for _, id := range nodes {
		c := n.center(id/n.nz, id%n.nz)
		c.Y = from.Y
		pts = append(pts, c)
	}
	pts = append(pts, end)
	return world.Path{Status: status, Corners: n.smooth(pts)}
}

func (n *NavGrid) route(start, goal int) []int {
	if start == goal {
		return nil
	}
	h := func(x, y graph.Node) float64 {
		ax, az := int(x.ID())/n.nz, int(x.ID())%n.nz
		bx, bz := int(y.ID())/n.nz, int(y.ID())%n.nz
		return n.cell * math.Hypot(float64(ax-bx), float64(az-bz))
	}
	shortest, _ := path.AStar(simple.Node(int64(start)), simple.Node(int64(goal)), n.g, h)
	nodes, _ := shortest.To(int64(goal))
	ids := make([]int, 0, len(nodes))
	for _, nd := range nodes {
		ids = append(ids, int(nd.ID()))
	}
	return ids
}

// smooth drops corners that can be skipped by walking straight.
func (n *NavGrid) smooth(pts []geom.Vec3) []geom.Vec3 {
	if len(pts) <= 2 {
		return pts
	}
	out := []geom.Vec3{pts[0]}
	i := 0
	for i < len(pts)-1 {
		j := len(pts) - 1
		for j > i+1 && !n.clear(pts[i], pts[j]) {
			j--
		}
		out = append(out, pts[j])
		i = j
	}
	return out
}

// clear reports whether the straight segment a-b stays on walkable cells.
func (n *NavGrid) clear(a, b geom.Vec3) bool {
	d := geom.HorizontalDistance(a, b)
	steps := int(math.Ceil(d/(n.cell/2))) + 1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		p := geom.Vec3{X: a.X + t*(b.X-a.X), Z: a.Z + t*(b.Z-a.Z)}
		if !n.Walkable(p) {
			return false
		}
	}
	return true
}

func (n *NavGrid) nearestWalkable(p geom.Vec3) (int, int, bool) {
	ci, cj := n.cellOf(p)
	if n.ok(ci, cj) {
		return ci, cj, true
	}
	r := int(math.Ceil(snapRadius / n.cell))
	bi, bj, best := 0, 0, math.Inf(1)
	for i := ci - r; i <= ci+r; i++ {
		for j := cj - r; j <= cj+r; j++ {
			if !n.ok(i, j) {
				continue
			}
			d := geom.HorizontalDistance(p, n.center(i, j))
			if d <= snapRadius && d < best {
				bi, bj, best = i, j, d
			}
		}
	}
	return bi, bj, !math.IsInf(best, 1)
}

func (n *NavGrid) closestInComponent(comp int, p geom.Vec3) int {
	best, bestD := -1, math.Inf(1)
	for idx, c := range n.component {
		if c != comp {
			continue
		}
		d := geom.HorizontalDistance(p, n.center(idx/n.nz, idx%n.nz))
		if d < bestD {
			best, bestD = idx, d
		}
	}
	return best
}

func (n *NavGrid) cellOf(p geom.Vec3) (int, int) {
	return int(math.Floor((p.X - n.minX) / n.cell)), int(math.Floor((p.Z - n.minZ) / n.cell))
}

func (n *NavGrid) center(i, j int) geom.Vec3 {
	return geom.Vec3{X: n.minX + (float64(i)+0.5)*n.cell, Z: n.minZ + (float64(j)+0.5)*n.cell}
}

func (n *NavGrid) index(i, j int) int { return i*n.nz + j }

func (n *NavGrid) ok(i, j int) bool {
	return i >= 0 && j >= 0 && i < n.nx && j < n.nz && n.walkable[n.index(i, j)]
}
