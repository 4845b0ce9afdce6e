// Package sensors simulates the robot's range scanner and its multi-view
// camera on top of the world's ray and render queries.
package sensors

import (
	"errors"

	"github.com/banshee-data/gridcapture/internal/geom"
)

// ErrSensorUnavailable is returned at construction when a sensor lacks a
// collaborator or viewpoint it needs.
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Mount is the body a sensor is attached to.
type Mount interface {
	Pose() geom.Pose
}
