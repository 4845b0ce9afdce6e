package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultCaptureConfig(t *testing.T) {
	cfg := DefaultCaptureConfig()

	if cfg.CellSize == nil || *cfg.CellSize != 0.5 {
		t.Errorf("Expected CellSize 0.5, got %v", cfg.CellSize)
	}
	if cfg.PhotosPerPoint == nil || *cfg.PhotosPerPoint != 10 {
		t.Errorf("Expected PhotosPerPoint 10, got %v", cfg.PhotosPerPoint)
	}
	if cfg.SettleDelay == nil || *cfg.SettleDelay != "750ms" {
		t.Errorf("Expected SettleDelay '750ms', got %v", cfg.SettleDelay)
	}

	if cfg.GetSettleDelay() != 750*time.Millisecond {
		t.Errorf("GetSettleDelay() = %v, want 750ms", cfg.GetSettleDelay())
	}
	if cfg.ScanSamples() != 720 {
		t.Errorf("ScanSamples() = %d, want 720", cfg.ScanSamples())
	}
	if !cfg.AnyCapture() || !cfg.AnyImage() {
		t.Error("expected every capture kind enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := EmptyCaptureConfig()

	if cfg.GetRunDirPrefix() != "Grid" {
		t.Errorf("GetRunDirPrefix() = %q, want Grid", cfg.GetRunDirPrefix())
	}
	if cfg.GetFrameDuration() != time.Second/60 {
		t.Errorf("GetFrameDuration() = %v, want %v", cfg.GetFrameDuration(), time.Second/60)
	}
	if cfg.GetImagePublishPeriod() != time.Second {
		t.Errorf("GetImagePublishPeriod() = %v, want 1s", cfg.GetImagePublishPeriod())
	}
	if cfg.GetCatalogPath() != "" {
		t.Errorf("expected catalog disabled by default, got %q", cfg.GetCatalogPath())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadCaptureConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "capture.json")

	testJSON := `{
  "grid_min": [-1, -2],
  "grid_max": [1, 2],
  "cell_size": 0.25,
  "exact_route": true,
  "photos_per_point": 4,
  "capture_depth": false,
  "settle_delay": "1s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadCaptureConfig(configPath)
	if err != nil {
		t.Fatalf("LoadCaptureConfig failed: %v", err)
	}

	if got := cfg.GetGridMin(); got != [2]float64{-1, -2} {
		t.Errorf("GetGridMin() = %v, want [-1 -2]", got)
	}
	if cfg.GetCellSize() != 0.25 {
		t.Errorf("GetCellSize() = %v, want 0.25", cfg.GetCellSize())
	}
	if !cfg.GetExactRoute() {
		t.Error("expected exact_route true")
	}
	if cfg.GetCaptureDepth() {
		t.Error("expected capture_depth false")
	}
	if cfg.GetSettleDelay() != time.Second {
		t.Errorf("GetSettleDelay() = %v, want 1s", cfg.GetSettleDelay())
	}
	// Fields not in the file keep their defaults.
	if cfg.GetImageWidth() != 640 {
		t.Errorf("GetImageWidth() = %d, want 640", cfg.GetImageWidth())
	}
}

func TestLoadCaptureConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "capture.yaml")

	testYAML := `
grid_min: [0, 0]
grid_max: [1, 1]
photos_per_point: 4
capture_rgb: true
capture_depth: false
capture_mask: false
capture_scan: false
scan_layers: [Walls]
publish_target: udp://127.0.0.1:9870
`
	if err := os.WriteFile(configPath, []byte(testYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadCaptureConfig(configPath)
	if err != nil {
		t.Fatalf("LoadCaptureConfig failed: %v", err)
	}
	if got := cfg.GetGridMax(); got != [2]float64{1, 1} {
		t.Errorf("GetGridMax() = %v, want [1 1]", got)
	}
	if cfg.GetPhotosPerPoint() != 4 {
		t.Errorf("GetPhotosPerPoint() = %d, want 4", cfg.GetPhotosPerPoint())
	}
	if cfg.AnyCapture() != true || cfg.GetCaptureScan() {
		t.Error("expected rgb only")
	}
	if len(cfg.ScanLayers) != 1 || cfg.ScanLayers[0] != "Walls" {
		t.Errorf("ScanLayers = %v, want [Walls]", cfg.ScanLayers)
	}
	if cfg.GetPublishTarget() != "udp://127.0.0.1:9870" {
		t.Errorf("GetPublishTarget() = %q", cfg.GetPublishTarget())
	}
}

func TestLoadCaptureConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("capture.txt", "{}"), "extension"},
		{"missing file", filepath.Join(tmpDir, "nope.json"), "stat"},
		{"bad json", write("bad.json", "{"), "parse config JSON"},
		{"bad yaml", write("bad.yaml", "grid_min: [1, 2"), "parse config YAML"},
		{"invalid values", write("invalid.json", `{"cell_size": -1}`), "cell_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCaptureConfig(tc.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadCaptureConfig_TooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(p, big, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCaptureConfig(p); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *CaptureConfig)
		wantErr error
	}{
		{"grid min equals max on x", func(c *CaptureConfig) {
			c.GridMin = &[2]float64{1, 0}
			c.GridMax = &[2]float64{1, 4}
		}, ErrInvalidRange},
		{"grid min above max on z", func(c *CaptureConfig) {
			c.GridMin = &[2]float64{0, 5}
			c.GridMax = &[2]float64{4, 4}
		}, ErrInvalidRange},
		{"zero cell size", func(c *CaptureConfig) { c.CellSize = ptrFloat64(0) }, ErrInvalidConfig},
		{"no photos", func(c *CaptureConfig) { c.PhotosPerPoint = ptrInt(0) }, ErrInvalidConfig},
		{"bad settle delay", func(c *CaptureConfig) { c.SettleDelay = ptrString("soon") }, ErrInvalidConfig},
		{"zero scan interval", func(c *CaptureConfig) { c.ScanPublishInterval = ptrString("0s") }, ErrInvalidConfig},
		{"zero increment", func(c *CaptureConfig) { c.ScanAngleIncrement = ptrFloat64(0) }, ErrInvalidConfig},
		{"span below increment", func(c *CaptureConfig) {
			c.ScanAngleMax = ptrFloat64(0.25)
		}, ErrInvalidConfig},
		{"range inverted", func(c *CaptureConfig) { c.ScanRangeMin = ptrFloat64(20) }, ErrInvalidConfig},
		{"zero width", func(c *CaptureConfig) { c.ImageWidth = ptrInt(0) }, ErrInvalidConfig},
		{"fov too wide", func(c *CaptureConfig) { c.CameraFOV = ptrFloat64(180) }, ErrInvalidConfig},
		{"bad publish scheme", func(c *CaptureConfig) { c.PublishTarget = ptrString("tcp://x:1") }, ErrInvalidConfig},
		{"publish without host", func(c *CaptureConfig) { c.PublishTarget = ptrString("ws://") }, ErrInvalidConfig},
		{"zero publish rate", func(c *CaptureConfig) { c.ImagePublishHz = ptrFloat64(0) }, ErrInvalidConfig},
		{"zero frame rate", func(c *CaptureConfig) { c.FrameRate = ptrFloat64(0) }, ErrInvalidConfig},
		{"blank prefix", func(c *CaptureConfig) { c.RunDirPrefix = ptrString("  ") }, ErrInvalidConfig},
		{"bad log format", func(c *CaptureConfig) { c.LogFormat = ptrString("xml") }, ErrInvalidConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultCaptureConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	def := DefaultCaptureConfig()
	if cfg.GetPhotosPerPoint() != def.GetPhotosPerPoint() {
		t.Errorf("defaults file photos_per_point %d differs from code default %d",
			cfg.GetPhotosPerPoint(), def.GetPhotosPerPoint())
	}
	if cfg.GetCatalogPath() != "output/catalog.db" {
		t.Errorf("GetCatalogPath() = %q", cfg.GetCatalogPath())
	}
	if len(cfg.CameraLayers) == 0 {
		t.Error("expected camera layers in defaults file")
	}
}
