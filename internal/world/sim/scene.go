// Package sim is a small synthetic indoor world: axis-aligned boxes for rooms
// and furniture, a navigation grid, a kinematic robot and a ray-cast
// renderer. It implements every collaborator interface in package world.
package sim

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/gridcapture/internal/world"
)

// DefaultLayers is the layer table used when a scene declares none.
var DefaultLayers = world.LayerTable{
	"Default":       0,
	"TransparentFX": 1,
	"IgnoreRaycast": 2,
	"Water":         4,
	"UI":            5,
	"Floor":         8,
	"Walls":         9,
	"Furniture":     10,
	"Props":         11,
}

// Scene is the on-disk description of a world.
type Scene struct {
	Name    string         `yaml:"name"`
	NavCell float64        `yaml:"nav_cell"`
	Layers  map[string]int `yaml:"layers"`
	Robot   RobotSpec      `yaml:"robot"`
	Rooms   []RoomSpec     `yaml:"rooms"`
	Objects []ObjectSpec   `yaml:"objects"`
}

// RobotSpec places and sizes the robot.
type RobotSpec struct {
	Start            [3]float64 `yaml:"start"`
	Yaw              float64    `yaml:"yaw"`
	Speed            float64    `yaml:"speed"`
	StoppingDistance float64    `yaml:"stopping_distance"`
	Radius           float64    `yaml:"radius"`
	Height           float64    `yaml:"height"`
}

// RoomSpec is a rectangular floor area. Its floor surface carries the room
// name, which is what the downward surface query reports.
type RoomSpec struct {
	Name  string     `yaml:"name"`
	Min   [2]float64 `yaml:"min"`
	Max   [2]float64 `yaml:"max"`
	Color [3]uint8   `yaml:"color"`
}

// ObjectSpec is a solid box. Entity names the recognisable object the box
// belongs to (several boxes may share one entity); empty means none.
type ObjectSpec struct {
	Name     string     `yaml:"name"`
	Entity   string     `yaml:"entity"`
	Layer    string     `yaml:"layer"`
	Min      [3]float64 `yaml:"min"`
	Max      [3]float64 `yaml:"max"`
	Color    [3]uint8   `yaml:"color"`
	Obstacle *bool      `yaml:"obstacle"`
}

// LoadScene reads a YAML scene file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read scene: %w", err)
	}
	return ParseScene(data)
}

// ParseScene decodes and validates a YAML scene, filling defaults.
func ParseScene(data []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scene YAML: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scene %q: %w", s.Name, err)
	}
	return &s, nil
}

func (s *Scene) applyDefaults() {
	if s.NavCell <= 0 {
		s.NavCell = 0.1
	}
	if s.Robot.Speed <= 0 {
		s.Robot.Speed = 1.0
	}
	if s.Robot.StoppingDistance <= 0 {
		s.Robot.StoppingDistance = 0.01
	}
	if s.Robot.Radius < 0 {
		s.Robot.Radius = 0
	}
	if s.Robot.Height <= 0 {
		s.Robot.Height = 1.0
	}
}

// LayerTable merges the scene's layers over DefaultLayers.
func (s *Scene) LayerTable() world.LayerTable {
	t := make(world.LayerTable, len(DefaultLayers)+len(s.Layers))
	for n, i := range DefaultLayers {
		t[n] = i
	}
	for n, i := range s.Layers {
		t[n] = i
	}
	return t
}

func (s *Scene) validate() error {
	if len(s.Rooms) == 0 {
		return fmt.Errorf("scene has no rooms")
	}
	for n, i := range s.Layers {
		if i < 0 || i > 31 {
			return fmt.Errorf("layer %q index %d out of range [0, 31]", n, i)
		}
	}
	layers := s.LayerTable()
	for _, r := range s.Rooms {
		if r.Name == "" {
			return fmt.Errorf("room without a name")
		}
		if !(r.Min[0] < r.Max[0] && r.Min[1] < r.Max[1]) {
			return fmt.Errorf("room %q: min must be below max", r.Name)
		}
	}
	for _, o := range s.Objects {
		if o.Name == "" {
			return fmt.Errorf("object without a name")
		}
		for a := 0; a < 3; a++ {
			if !(o.Min[a] < o.Max[a]) {
				return fmt.Errorf("object %q: min must be below max on every axis", o.Name)
			}
		}
		if o.Layer != "" {
			if _, ok := layers[o.Layer]; !ok {
				return fmt.Errorf("object %q: unknown layer %q", o.Name, o.Layer)
			}
		}
	}
	return nil
}
