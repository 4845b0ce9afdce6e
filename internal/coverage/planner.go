package coverage

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/world"
)

// ExactRouteTolerance is the largest distance between a target and the end
// of its path for the target to count as exactly reachable.
const ExactRouteTolerance = 0.04

// ErrNoOracle is returned when planning without a path oracle.
var ErrNoOracle = errors.New("no path oracle")

// Request describes one planning run.
type Request struct {
	// From is the robot position paths are computed from. Its height is the
	// height of every grid point.
	From       geom.Vec3
	Min, Max   [2]float64
	CellSize   float64
	ExactRoute bool
}

var log = monitoring.Component("planner")

// GenerateCoverage enumerates the lattice for req and keeps each point the
// oracle can reach with a complete path. With ExactRoute the path must also
// end within ExactRouteTolerance of the point. Kept points stay in lattice
// order. An empty plan is not an error.
func GenerateCoverage(oracle world.PathOracle, req Request) (*Plan, error) {
	if oracle == nil {
		return nil, ErrNoOracle
	}
	lattice, err := Lattice(req.Min, req.Max, req.CellSize, req.From.Y)
	if err != nil {
		return nil, err
	}

	var kept, rejected []geom.Vec3
	for _, p := range lattice {
		if ok, why := reachable(oracle, req.From, p, req.ExactRoute); ok {
			kept = append(kept, p)
		} else {
			rejected = append(rejected, p)
			log.WithField("point", geom.F6(p)).Debugf("cell rejected: %s", why)
		}
	}

	log.WithField("candidates", len(lattice)).Infof("%d cells planned", len(kept))
	return NewPlan(kept, rejected), nil
}

func reachable(oracle world.PathOracle, from, p geom.Vec3, exact bool) (bool, string) {
	path := oracle.FindPath(from, p)
	if path.Status != world.PathComplete {
		return false, fmt.Sprintf("path %s", path.Status)
	}
	if !exact {
		return true, ""
	}
	end, ok := path.End()
	if !ok {
		return false, "path has no corners"
	}
	if d := r3.Norm(r3.Sub(end, p)); d >= ExactRouteTolerance {
		return false, fmt.Sprintf("path ends %.3f away", d)
	}
	return true, ""
}
