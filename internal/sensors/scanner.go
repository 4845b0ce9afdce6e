package sensors

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/world"
)

// ScannerConfig describes a planar range scanner. Angles are degrees.
type ScannerConfig struct {
	Name           string
	AngleMin       float64
	AngleMax       float64
	AngleIncrement float64
	RangeMin       float64
	RangeMax       float64
	Layers         world.LayerMask
	// LocalPose places the scanner on its mount.
	LocalPose geom.Pose
}

// Samples is the fixed buffer length, floor((max - min) / increment).
func (c ScannerConfig) Samples() int {
	if !(c.AngleIncrement > 0) {
		return 0
	}
	return int(math.Floor((c.AngleMax - c.AngleMin) / c.AngleIncrement))
}

// ScanObserver receives the full range buffer after every scan. The slice is
// only valid for the duration of the call.
type ScanObserver func(ranges []float64)

// RangeScanner sweeps a horizontal fan of rays and records hit distances.
//
// Slot k holds the reading at angle AngleMin + k·AngleIncrement. Angle 0
// points to the scanner's right and angles grow counter-clockwise, so the ray
// for angle a is cast at yaw (90 - a) relative to the scanner's heading.
// A ray that hits nothing within [RangeMin, RangeMax] leaves its slot
// unchanged; slots start at 0.
type RangeScanner struct {
	cfg   ScannerConfig
	rays  world.RayQuery
	mount Mount
	log   *logrus.Entry

	mu        sync.Mutex
	ranges    []float64
	observers []ScanObserver
	scans     uint64
}

// NewRangeScanner allocates the scanner's buffer.
func NewRangeScanner(rays world.RayQuery, mount Mount, cfg ScannerConfig) (*RangeScanner, error) {
	if rays == nil || mount == nil {
		return nil, fmt.Errorf("%w: range scanner needs a ray query and a mount", ErrSensorUnavailable)
	}
	n := cfg.Samples()
	if n < 1 {
		return nil, fmt.Errorf("%w: scan of [%g, %g) step %g has no samples",
			ErrSensorUnavailable, cfg.AngleMin, cfg.AngleMax, cfg.AngleIncrement)
	}
	if !(cfg.RangeMin >= 0 && cfg.RangeMin < cfg.RangeMax) {
		return nil, fmt.Errorf("%w: invalid range bounds [%g, %g]", ErrSensorUnavailable, cfg.RangeMin, cfg.RangeMax)
	}
	if cfg.Layers == 0 {
		return nil, fmt.Errorf("%w: scanner %q has an empty layer mask", ErrSensorUnavailable, cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "LaserScanner"
	}
	s := &RangeScanner{
		cfg:    cfg,
		rays:   rays,
		mount:  mount,
		log:    monitoring.Component("scanner").WithField("sensor", cfg.Name),
		ranges: make([]float64, n),
	}
	s.log.Debugf("scanner ready: %d samples over [%g, %g) deg, range [%g, %g]",
		n, cfg.AngleMin, cfg.AngleMax, cfg.RangeMin, cfg.RangeMax)
	return s, nil
}

// Config returns the scanner configuration.
func (s *RangeScanner) Config() ScannerConfig { return s.cfg }

// Samples is the buffer length.
func (s *RangeScanner) Samples() int { return len(s.ranges) }

// OnScan registers an observer. Observers run synchronously, in no
// particular order, while the buffer is locked.
func (s *RangeScanner) OnScan(o ScanObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Pose is the scanner's world pose.
func (s *RangeScanner) Pose() geom.Pose {
	return s.mount.Pose().Compose(s.cfg.LocalPose)
}

// TransformString renders the scanner's world pose with fifteen decimals.
func (s *RangeScanner) TransformString() string {
	return geom.TransformString(s.Pose())
}

// Scan sweeps every angle once, updates the buffer in place and returns a
// copy of it.
func (s *RangeScanner) Scan() []float64 {
	pose := s.Pose()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.ranges {
		angle := s.cfg.AngleMin + float64(k)*s.cfg.AngleIncrement
		dir := geom.DirectionFromYaw(pose.Yaw() + 90 - angle)
		hit := s.rays.CastRay(pose.Position, dir, s.cfg.RangeMax, s.cfg.Layers)
		if hit.Hit && hit.Distance >= s.cfg.RangeMin && hit.Distance <= s.cfg.RangeMax {
			s.ranges[k] = hit.Distance
		}
	}
	s.scans++
	for _, o := range s.observers {
		o(s.ranges)
	}
	return append([]float64(nil), s.ranges...)
}

// LastScan returns a copy of the buffer without scanning.
func (s *RangeScanner) LastScan() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.ranges...)
}

// ScanCount is the number of completed scans.
func (s *RangeScanner) ScanCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}
