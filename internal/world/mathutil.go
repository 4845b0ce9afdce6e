package world

import (
	"math"

	"github.com/banshee-data/gridcapture/internal/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

func tanDeg(deg float64) float64 { return math.Tan(geom.Deg2Rad(deg)) }

func unit(v geom.Vec3) geom.Vec3 {
	if r3.Norm(v) == 0 {
		return v
	}
	return r3.Unit(v)
}
