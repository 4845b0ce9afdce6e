package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical capture defaults file.
const DefaultConfigPath = "config/capture.defaults.json"

var (
	// ErrInvalidRange reports a coverage grid whose minimum is not strictly
	// below its maximum on some axis.
	ErrInvalidRange = errors.New("invalid grid range")

	// ErrInvalidConfig reports any other out-of-bounds configuration value.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// CaptureConfig is the startup configuration of a capture run. Every field is
// optional; the Get* accessors supply defaults for unset fields, so partial
// files are safe. The values are immutable once a run starts.
type CaptureConfig struct {
	// Coverage grid (x, z on the floor plane).
	GridMin        *[2]float64 `json:"grid_min,omitempty" yaml:"grid_min,omitempty"`
	GridMax        *[2]float64 `json:"grid_max,omitempty" yaml:"grid_max,omitempty"`
	CellSize       *float64    `json:"cell_size,omitempty" yaml:"cell_size,omitempty"`
	ExactRoute     *bool       `json:"exact_route,omitempty" yaml:"exact_route,omitempty"`
	PhotosPerPoint *int        `json:"photos_per_point,omitempty" yaml:"photos_per_point,omitempty"`
	SettleDelay    *string     `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"` // duration string like "750ms"

	// Capture toggles
	CaptureRGB   *bool `json:"capture_rgb,omitempty" yaml:"capture_rgb,omitempty"`
	CaptureDepth *bool `json:"capture_depth,omitempty" yaml:"capture_depth,omitempty"`
	CaptureMask  *bool `json:"capture_mask,omitempty" yaml:"capture_mask,omitempty"`
	CaptureScan  *bool `json:"capture_scan,omitempty" yaml:"capture_scan,omitempty"`

	// Range scanner (degrees, distance units)
	ScanAngleMin         *float64    `json:"scan_angle_min,omitempty" yaml:"scan_angle_min,omitempty"`
	ScanAngleMax         *float64    `json:"scan_angle_max,omitempty" yaml:"scan_angle_max,omitempty"`
	ScanAngleIncrement   *float64    `json:"scan_angle_increment,omitempty" yaml:"scan_angle_increment,omitempty"`
	ScanRangeMin         *float64    `json:"scan_range_min,omitempty" yaml:"scan_range_min,omitempty"`
	ScanRangeMax         *float64    `json:"scan_range_max,omitempty" yaml:"scan_range_max,omitempty"`
	ScanLayers           []string    `json:"scan_layers,omitempty" yaml:"scan_layers,omitempty"`
	ScannerLocalPosition *[3]float64 `json:"scanner_local_position,omitempty" yaml:"scanner_local_position,omitempty"`

	// Multi-view camera
	ImageWidth          *int        `json:"image_width,omitempty" yaml:"image_width,omitempty"`
	ImageHeight         *int        `json:"image_height,omitempty" yaml:"image_height,omitempty"`
	CameraFOV           *float64    `json:"camera_fov,omitempty" yaml:"camera_fov,omitempty"` // vertical, degrees
	CameraLayers        []string    `json:"camera_layers,omitempty" yaml:"camera_layers,omitempty"`
	CameraLocalPosition *[3]float64 `json:"camera_local_position,omitempty" yaml:"camera_local_position,omitempty"`
	CameraLocalRotation *[3]float64 `json:"camera_local_rotation,omitempty" yaml:"camera_local_rotation,omitempty"`

	// Network publishing
	PublishTarget       *string  `json:"publish_target,omitempty" yaml:"publish_target,omitempty"` // udp://host:port or ws://host:port
	PublishImages       *bool    `json:"publish_images,omitempty" yaml:"publish_images,omitempty"`
	ImagePublishHz      *float64 `json:"image_publish_hz,omitempty" yaml:"image_publish_hz,omitempty"`
	PublishScan         *bool    `json:"publish_scan,omitempty" yaml:"publish_scan,omitempty"`
	ScanPublishInterval *string  `json:"scan_publish_interval,omitempty" yaml:"scan_publish_interval,omitempty"`

	// Output
	OutputDir           *string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	RunDirPrefix        *string `json:"run_dir_prefix,omitempty" yaml:"run_dir_prefix,omitempty"`
	LegacyDepthFilename *bool   `json:"legacy_depth_filename,omitempty" yaml:"legacy_depth_filename,omitempty"`
	CatalogPath         *string `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"`

	// Scheduling
	FrameRate *float64 `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	Realtime  *bool    `json:"realtime,omitempty" yaml:"realtime,omitempty"`
	MaxFrames *int     `json:"max_frames,omitempty" yaml:"max_frames,omitempty"`

	// Operations
	LogLevel     *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat    *string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	DebugListen  *string `json:"debug_listen,omitempty" yaml:"debug_listen,omitempty"`
	HealthListen *string `json:"health_listen,omitempty" yaml:"health_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCaptureConfig returns a CaptureConfig with all fields unset.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// DefaultCaptureConfig returns a CaptureConfig with every field populated
// from the Get* defaults.
func DefaultCaptureConfig() *CaptureConfig {
	e := EmptyCaptureConfig()
	gmin, gmax := e.GetGridMin(), e.GetGridMax()
	cpos, crot, spos := e.GetCameraLocalPosition(), e.GetCameraLocalRotation(), e.GetScannerLocalPosition()
	return &CaptureConfig{
		GridMin:              &gmin,
		GridMax:              &gmax,
		CellSize:             ptrFloat64(e.GetCellSize()),
		ExactRoute:           ptrBool(e.GetExactRoute()),
		PhotosPerPoint:       ptrInt(e.GetPhotosPerPoint()),
		SettleDelay:          ptrString("750ms"),
		CaptureRGB:           ptrBool(e.GetCaptureRGB()),
		CaptureDepth:         ptrBool(e.GetCaptureDepth()),
		CaptureMask:          ptrBool(e.GetCaptureMask()),
		CaptureScan:          ptrBool(e.GetCaptureScan()),
		ScanAngleMin:         ptrFloat64(e.GetScanAngleMin()),
		ScanAngleMax:         ptrFloat64(e.GetScanAngleMax()),
		ScanAngleIncrement:   ptrFloat64(e.GetScanAngleIncrement()),
		ScanRangeMin:         ptrFloat64(e.GetScanRangeMin()),
		ScanRangeMax:         ptrFloat64(e.GetScanRangeMax()),
		ScannerLocalPosition: &spos,
		ImageWidth:           ptrInt(e.GetImageWidth()),
		ImageHeight:          ptrInt(e.GetImageHeight()),
		CameraFOV:            ptrFloat64(e.GetCameraFOV()),
		CameraLocalPosition:  &cpos,
		CameraLocalRotation:  &crot,
		PublishTarget:        ptrString(""),
		PublishImages:        ptrBool(e.GetPublishImages()),
		ImagePublishHz:       ptrFloat64(e.GetImagePublishHz()),
		PublishScan:          ptrBool(e.GetPublishScan()),
		ScanPublishInterval:  ptrString("1s"),
		OutputDir:            ptrString(e.GetOutputDir()),
		RunDirPrefix:         ptrString(e.GetRunDirPrefix()),
		LegacyDepthFilename:  ptrBool(e.GetLegacyDepthFilename()),
		CatalogPath:          ptrString(""),
		FrameRate:            ptrFloat64(e.GetFrameRate()),
		Realtime:             ptrBool(e.GetRealtime()),
		MaxFrames:            ptrInt(e.GetMaxFrames()),
		LogLevel:             ptrString(e.GetLogLevel()),
		LogFormat:            ptrString(e.GetLogFormat()),
		DebugListen:          ptrString(""),
		HealthListen:         ptrString(""),
	}
}

// LoadCaptureConfig loads a CaptureConfig from a .json, .yaml or .yml file.
// The file must be under 1MB. The loaded config is validated before it is
// returned.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseCaptureConfig(data, ext)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseCaptureConfig decodes data as JSON when ext is ".json" and as YAML
// otherwise. It does not validate.
func ParseCaptureConfig(data []byte, ext string) (*CaptureConfig, error) {
	cfg := EmptyCaptureConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *CaptureConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/world/sim/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable. A grid whose
// minimum is not below its maximum fails with ErrInvalidRange; every other
// problem fails with ErrInvalidConfig.
func (c *CaptureConfig) Validate() error {
	gmin, gmax := c.GetGridMin(), c.GetGridMax()
	for axis, name := range []string{"x", "z"} {
		if !(gmin[axis] < gmax[axis]) {
			return fmt.Errorf("%w: grid_min.%s (%g) must be less than grid_max.%s (%g)",
				ErrInvalidRange, name, gmin[axis], name, gmax[axis])
		}
	}

	if c.CellSize != nil && !(*c.CellSize > 0) {
		return fmt.Errorf("%w: cell_size must be positive, got %g", ErrInvalidConfig, *c.CellSize)
	}
	if c.PhotosPerPoint != nil && *c.PhotosPerPoint < 1 {
		return fmt.Errorf("%w: photos_per_point must be at least 1, got %d", ErrInvalidConfig, *c.PhotosPerPoint)
	}

	if err := checkDuration("settle_delay", c.SettleDelay, true); err != nil {
		return err
	}
	if err := checkDuration("scan_publish_interval", c.ScanPublishInterval, false); err != nil {
		return err
	}

	if c.ScanAngleIncrement != nil && !(*c.ScanAngleIncrement > 0) {
		return fmt.Errorf("%w: scan_angle_increment must be positive, got %g", ErrInvalidConfig, *c.ScanAngleIncrement)
	}
	if !(c.GetScanAngleMin() < c.GetScanAngleMax()) {
		return fmt.Errorf("%w: scan_angle_min (%g) must be less than scan_angle_max (%g)",
			ErrInvalidConfig, c.GetScanAngleMin(), c.GetScanAngleMax())
	}
	if c.ScanSamples() < 1 {
		return fmt.Errorf("%w: scan angle span %g is smaller than one increment of %g",
			ErrInvalidConfig, c.GetScanAngleMax()-c.GetScanAngleMin(), c.GetScanAngleIncrement())
	}
	if !(c.GetScanRangeMin() > 0) || !(c.GetScanRangeMin() < c.GetScanRangeMax()) {
		return fmt.Errorf("%w: scan range must satisfy 0 < scan_range_min < scan_range_max, got [%g, %g]",
			ErrInvalidConfig, c.GetScanRangeMin(), c.GetScanRangeMax())
	}

	if c.GetImageWidth() <= 0 || c.GetImageHeight() <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %dx%d",
			ErrInvalidConfig, c.GetImageWidth(), c.GetImageHeight())
	}
	if fov := c.GetCameraFOV(); !(fov > 0 && fov < 180) {
		return fmt.Errorf("%w: camera_fov must be in (0, 180), got %g", ErrInvalidConfig, fov)
	}

	if c.ImagePublishHz != nil && !(*c.ImagePublishHz > 0) {
		return fmt.Errorf("%w: image_publish_hz must be positive, got %g", ErrInvalidConfig, *c.ImagePublishHz)
	}
	if target := c.GetPublishTarget(); target != "" {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("%w: publish_target: %v", ErrInvalidConfig, err)
		}
		switch u.Scheme {
		case "udp", "ws", "wss":
		default:
			return fmt.Errorf("%w: publish_target scheme must be udp, ws or wss, got %q", ErrInvalidConfig, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: publish_target %q has no host", ErrInvalidConfig, target)
		}
	}

	if c.FrameRate != nil && !(*c.FrameRate > 0) {
		return fmt.Errorf("%w: frame_rate must be positive, got %g", ErrInvalidConfig, *c.FrameRate)
	}
	if c.MaxFrames != nil && *c.MaxFrames < 0 {
		return fmt.Errorf("%w: max_frames must be non-negative, got %d", ErrInvalidConfig, *c.MaxFrames)
	}
	if c.RunDirPrefix != nil && strings.TrimSpace(*c.RunDirPrefix) == "" {
		return fmt.Errorf("%w: run_dir_prefix must not be empty", ErrInvalidConfig)
	}
	switch c.GetLogFormat() {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.GetLogFormat())
	}
	return nil
}

func checkDuration(field string, v *string, allowZero bool) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%w: invalid %s '%s': %v", ErrInvalidConfig, field, *v, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, field, d)
	}
	return nil
}

// ScanSamples returns the fixed scan buffer length,
// floor((angleMax - angleMin) / angleIncrement).
func (c *CaptureConfig) ScanSamples() int {
	return int(math.Floor((c.GetScanAngleMax() - c.GetScanAngleMin()) / c.GetScanAngleIncrement()))
}

// AnyCapture reports whether at least one artifact kind is enabled.
func (c *CaptureConfig) AnyCapture() bool {
	return c.GetCaptureRGB() || c.GetCaptureDepth() || c.GetCaptureMask() || c.GetCaptureScan()
}

// AnyImage reports whether at least one image kind is enabled.
func (c *CaptureConfig) AnyImage() bool {
	return c.GetCaptureRGB() || c.GetCaptureDepth() || c.GetCaptureMask()
}

// GetGridMin returns the grid_min value or the default.
func (c *CaptureConfig) GetGridMin() [2]float64 {
	if c.GridMin == nil {
		return [2]float64{0, 0}
	}
	return *c.GridMin
}

// GetGridMax returns the grid_max value or the default.
func (c *CaptureConfig) GetGridMax() [2]float64 {
	if c.GridMax == nil {
		return [2]float64{4, 4}
	}
	return *c.GridMax
}

// GetCellSize returns the cell_size value or the default.
func (c *CaptureConfig) GetCellSize() float64 {
	if c.CellSize == nil {
		return 0.5
	}
	return *c.CellSize
}

// GetExactRoute returns the exact_route value or the default.
func (c *CaptureConfig) GetExactRoute() bool {
	if c.ExactRoute == nil {
		return false
	}
	return *c.ExactRoute
}

// GetPhotosPerPoint returns the photos_per_point value or the default.
func (c *CaptureConfig) GetPhotosPerPoint() int {
	if c.PhotosPerPoint == nil {
		return 10
	}
	return *c.PhotosPerPoint
}

// GetSettleDelay parses and returns the SettleDelay as a time.Duration.
func (c *CaptureConfig) GetSettleDelay() time.Duration {
	return parseDurationOr(c.SettleDelay, 750*time.Millisecond)
}

func (c *CaptureConfig) GetCaptureRGB() bool   { return boolOr(c.CaptureRGB, true) }
func (c *CaptureConfig) GetCaptureDepth() bool { return boolOr(c.CaptureDepth, true) }
func (c *CaptureConfig) GetCaptureMask() bool  { return boolOr(c.CaptureMask, true) }
func (c *CaptureConfig) GetCaptureScan() bool  { return boolOr(c.CaptureScan, true) }

func (c *CaptureConfig) GetScanAngleMin() float64       { return floatOr(c.ScanAngleMin, 0) }
func (c *CaptureConfig) GetScanAngleMax() float64       { return floatOr(c.ScanAngleMax, 360) }
func (c *CaptureConfig) GetScanAngleIncrement() float64 { return floatOr(c.ScanAngleIncrement, 0.5) }
func (c *CaptureConfig) GetScanRangeMin() float64       { return floatOr(c.ScanRangeMin, 0.12) }
func (c *CaptureConfig) GetScanRangeMax() float64       { return floatOr(c.ScanRangeMax, 12) }

// GetScannerLocalPosition returns the scanner offset from the robot origin.
func (c *CaptureConfig) GetScannerLocalPosition() [3]float64 {
	if c.ScannerLocalPosition == nil {
		return [3]float64{0, 0.3, 0}
	}
	return *c.ScannerLocalPosition
}

func (c *CaptureConfig) GetImageWidth() int    { return intOr(c.ImageWidth, 640) }
func (c *CaptureConfig) GetImageHeight() int   { return intOr(c.ImageHeight, 480) }
func (c *CaptureConfig) GetCameraFOV() float64 { return floatOr(c.CameraFOV, 60) }

// GetCameraLocalPosition returns the camera offset from the robot origin.
func (c *CaptureConfig) GetCameraLocalPosition() [3]float64 {
	if c.CameraLocalPosition == nil {
		return [3]float64{0, 1.2, 0.1}
	}
	return *c.CameraLocalPosition
}

// GetCameraLocalRotation returns the camera Euler angles relative to the robot.
func (c *CaptureConfig) GetCameraLocalRotation() [3]float64 {
	if c.CameraLocalRotation == nil {
		return [3]float64{0, 0, 0}
	}
	return *c.CameraLocalRotation
}

func (c *CaptureConfig) GetPublishTarget() string   { return stringOr(c.PublishTarget, "") }
func (c *CaptureConfig) GetPublishImages() bool     { return boolOr(c.PublishImages, false) }
func (c *CaptureConfig) GetImagePublishHz() float64 { return floatOr(c.ImagePublishHz, 1) }
func (c *CaptureConfig) GetPublishScan() bool       { return boolOr(c.PublishScan, false) }

// GetImagePublishPeriod returns 1/image_publish_hz.
func (c *CaptureConfig) GetImagePublishPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetImagePublishHz())
}

// GetScanPublishInterval parses and returns the ScanPublishInterval.
func (c *CaptureConfig) GetScanPublishInterval() time.Duration {
	return parseDurationOr(c.ScanPublishInterval, time.Second)
}

func (c *CaptureConfig) GetOutputDir() string         { return stringOr(c.OutputDir, "output") }
func (c *CaptureConfig) GetRunDirPrefix() string      { return stringOr(c.RunDirPrefix, "Grid") }
func (c *CaptureConfig) GetLegacyDepthFilename() bool { return boolOr(c.LegacyDepthFilename, false) }

// GetCatalogPath returns the manifest database path. Empty disables the
// catalog.
func (c *CaptureConfig) GetCatalogPath() string { return stringOr(c.CatalogPath, "") }

func (c *CaptureConfig) GetFrameRate() float64 { return floatOr(c.FrameRate, 60) }
func (c *CaptureConfig) GetRealtime() bool     { return boolOr(c.Realtime, false) }
func (c *CaptureConfig) GetMaxFrames() int     { return intOr(c.MaxFrames, 0) }

// GetFrameDuration returns the virtual time step per frame.
func (c *CaptureConfig) GetFrameDuration() time.Duration {
	return time.Duration(float64(time.Second) / c.GetFrameRate())
}

func (c *CaptureConfig) GetLogLevel() string     { return stringOr(c.LogLevel, "info") }
func (c *CaptureConfig) GetLogFormat() string    { return stringOr(c.LogFormat, "text") }
func (c *CaptureConfig) GetDebugListen() string  { return stringOr(c.DebugListen, "") }
func (c *CaptureConfig) GetHealthListen() string { return stringOr(c.HealthListen, "") }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
