// Package coverage generates the coverage grid and filters it down to the
// ordered set of points the robot can actually reach.
package coverage

import (
	"fmt"
	"math"

	"github.com/banshee-data/gridcapture/internal/config"
	"github.com/banshee-data/gridcapture/internal/geom"
)

// maxLatticePoints bounds the candidate grid.
const maxLatticePoints = 1_000_000

// AxisValues returns min + k·step for k = 0, 1, ... up to and including max.
// A value that overshoots max by less than a millionth of a step counts as
// max, so accumulated rounding never drops the last row.
func AxisValues(min, max, step float64) []float64 {
	if !(step > 0) || min > max {
		return nil
	}
	n := int(math.Floor((max-min)/step+1e-6)) + 1
	out := make([]float64, 0, n)
	for k := 0; k < n; k++ {
		v := min + float64(k)*step
		// Round off float noise (0.30000000000000004 -> 0.3).
		v = math.Round(v*1e9) / 1e9
		if v > max {
			v = max
		}
		out = append(out, v)
	}
	return out
}

// Lattice enumerates the candidate grid at the given height: the outer loop
// runs over x and the inner loop over z. The enumeration order is the visit
// order.
func Lattice(min, max [2]float64, cellSize, height float64) ([]geom.Vec3, error) {
	if err := CheckRange(min, max); err != nil {
		return nil, err
	}
	if !(cellSize > 0) {
		return nil, fmt.Errorf("%w: cell size must be positive, got %g", config.ErrInvalidConfig, cellSize)
	}
	xs := AxisValues(min[0], max[0], cellSize)
	zs := AxisValues(min[1], max[1], cellSize)
	if len(xs)*len(zs) > maxLatticePoints {
		return nil, fmt.Errorf("%w: %d×%d grid exceeds %d points", config.ErrInvalidConfig, len(xs), len(zs), maxLatticePoints)
	}
	points := make([]geom.Vec3, 0, len(xs)*len(zs))
	for _, x := range xs {
		for _, z := range zs {
			points = append(points, geom.Vec3{X: x, Y: height, Z: z})
		}
	}
	return points, nil
}

// CheckRange fails with config.ErrInvalidRange unless min is strictly below
// max on both axes.
func CheckRange(min, max [2]float64) error {
	if !(min[0] < max[0]) || !(min[1] < max[1]) {
		return fmt.Errorf("%w: min %v must be strictly less than max %v on both axes", config.ErrInvalidRange, min, max)
	}
	return nil
}
