// Package dataset persists captured artifacts: PNG frames plus two
// append-only, semicolon-delimited logs inside an auto-numbered run
// directory.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/fsutil"
	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/world"
)

const (
	ImageLogName = "InfoGrid.csv"
	ScanLogName  = "LogScan.csv"
)

var (
	ImageLogHeader = []string{"photoID", "robotPosition", "robotRotation", "cameraPosition", "cameraRotation", "room"}
	ScanLogHeader  = []string{"scanID", "robotPosition", "robotRotation", "data"}
)

// ErrLogDisabled is returned when writing to a log that was not opened or
// has been closed.
var ErrLogDisabled = errors.New("dataset: log not open")

// Options configures a Writer.
type Options struct {
	FS      fsutil.FileSystem
	BaseDir string
	Prefix  string
	// Images and Scans select which logs are opened.
	Images bool
	Scans  bool
	// LegacyDepthFilename names depth files <cell>_<step>depth.png, without
	// the underscore the log row carries.
	LegacyDepthFilename bool
}

// ImageRecord describes one captured frame.
type ImageRecord struct {
	CellIndex int
	Step      int
	Kind      world.ImageKind
	Robot     geom.Pose
	// Camera is the camera pose relative to the robot.
	Camera geom.Pose
	Room   string
}

// ScanRecord describes one range scan.
type ScanRecord struct {
	CellIndex int
	Robot     geom.Pose
	Ranges    []float64
}

// Artifact is reported to hooks after each persisted row.
type Artifact struct {
	RunDir    string
	File      string
	Kind      string
	CellIndex int
	Step      int
	Room      string
	Robot     geom.Pose
}

// ArtifactHook observes persisted artifacts.
type ArtifactHook func(Artifact)

// Writer owns one run directory. The image log and the scan log are each
// guarded by their own lock, and every row reaches the file in a single
// write.
type Writer struct {
	fs     fsutil.FileSystem
	dir    string
	legacy bool
	log    *logrus.Entry

	imgMu   sync.Mutex
	imgLog  io.WriteCloser
	imgRows int
	pngBuf  bytes.Buffer
	encoder png.Encoder

	scanMu   sync.Mutex
	scanLog  io.WriteCloser
	scanRows int

	hookMu sync.RWMutex
	hooks  []ArtifactHook
}

// Open creates the next free run directory under BaseDir and opens the
// enabled logs. A header row is written only when a log file is new.
func Open(opts Options) (*Writer, error) {
	if !opts.Images && !opts.Scans {
		return nil, errors.New("dataset: nothing to write")
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "Grid"
	}
	if opts.BaseDir == "" {
		opts.BaseDir = "."
	}
	if err := fsys.MkdirAll(opts.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	dir, err := fsutil.NextRunDir(fsys, opts.BaseDir, prefix)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		fs:      fsys,
		dir:     dir,
		legacy:  opts.LegacyDepthFilename,
		log:     monitoring.Component("dataset").WithField("run_dir", dir),
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
	if opts.Images {
		if w.imgLog, err = openLog(fsys, filepath.Join(dir, ImageLogName), ImageLogHeader); err != nil {
			return nil, err
		}
	}
	if opts.Scans {
		if w.scanLog, err = openLog(fsys, filepath.Join(dir, ScanLogName), ScanLogHeader); err != nil {
			w.Close()
			return nil, err
		}
	}
	w.log.Info("The saving path is: " + dir)
	return w, nil
}

func openLog(fsys fsutil.FileSystem, path string, header []string) (io.WriteCloser, error) {
	isNew := !fsys.Exists(path)
	f, err := fsys.Append(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if isNew {
		if err := writeRow(f, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}
	return f, nil
}

// writeRow encodes one semicolon-delimited row and hands it to w in a single
// Write call.
func writeRow(w io.Writer, fields []string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = ';'
	if err := cw.Write(fields); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Dir is the run directory.
func (w *Writer) Dir() string { return w.dir }

// OnArtifact registers a hook.
func (w *Writer) OnArtifact(h ArtifactHook) {
	w.hookMu.Lock()
	defer w.hookMu.Unlock()
	w.hooks = append(w.hooks, h)
}

// PhotoID is the artifact name recorded in the image log.
func PhotoID(cell, step int, kind world.ImageKind) string {
	return strconv.Itoa(cell) + "_" + strconv.Itoa(step) + "_" + kind.String() + ".png"
}

// ImageFileName is the name the frame is stored under.
func (w *Writer) ImageFileName(cell, step int, kind world.ImageKind) string {
	if w.legacy && kind == world.KindDepth {
		return strconv.Itoa(cell) + "_" + strconv.Itoa(step) + "depth.png"
	}
	return PhotoID(cell, step, kind)
}

// WriteImage stores img as PNG and then appends its log row, so a row never
// names a file that does not exist.
func (w *Writer) WriteImage(rec ImageRecord, img image.Image) error {
	w.imgMu.Lock()
	defer w.imgMu.Unlock()
	if w.imgLog == nil {
		return ErrLogDisabled
	}

	name := w.ImageFileName(rec.CellIndex, rec.Step, rec.Kind)
	w.pngBuf.Reset()
	if err := w.encoder.Encode(&w.pngBuf, img); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := w.fs.WriteFile(filepath.Join(w.dir, name), w.pngBuf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	row := []string{
		PhotoID(rec.CellIndex, rec.Step, rec.Kind),
		geom.F6(rec.Robot.Position),
		geom.F6(rec.Robot.Rotation.Normalized().Vec()),
		geom.F6(rec.Camera.Position),
		geom.F6(rec.Camera.Rotation.Normalized().Vec()),
		rec.Room,
	}
	if err := writeRow(w.imgLog, row); err != nil {
		return fmt.Errorf("append %s: %w", ImageLogName, err)
	}
	w.imgRows++

	w.emit(Artifact{
		RunDir:    w.dir,
		File:      name,
		Kind:      rec.Kind.String(),
		CellIndex: rec.CellIndex,
		Step:      rec.Step,
		Room:      rec.Room,
		Robot:     rec.Robot,
	})
	return nil
}

// WriteScan appends one scan row. Every range value is followed by a
// semicolon.
func (w *Writer) WriteScan(rec ScanRecord) error {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	if w.scanLog == nil {
		return ErrLogDisabled
	}

	row := make([]string, 0, len(rec.Ranges)+4)
	row = append(row,
		strconv.Itoa(rec.CellIndex),
		geom.F6(rec.Robot.Position),
		geom.F6(rec.Robot.Rotation.Normalized().Vec()),
	)
	for _, r := range rec.Ranges {
		row = append(row, strconv.FormatFloat(r, 'f', -1, 64))
	}
	row = append(row, "") // trailing separator
	if err := writeRow(w.scanLog, row); err != nil {
		return fmt.Errorf("append %s: %w", ScanLogName, err)
	}
	w.scanRows++

	w.emit(Artifact{
		RunDir:    w.dir,
		File:      ScanLogName,
		Kind:      "scan",
		CellIndex: rec.CellIndex,
		Robot:     rec.Robot,
	})
	return nil
}

func (w *Writer) emit(a Artifact) {
	w.hookMu.RLock()
	defer w.hookMu.RUnlock()
	for _, h := range w.hooks {
		h(a)
	}
}

// Rows returns the number of image and scan rows written so far.
func (w *Writer) Rows() (images, scans int) {
	w.imgMu.Lock()
	images = w.imgRows
	w.imgMu.Unlock()
	w.scanMu.Lock()
	scans = w.scanRows
	w.scanMu.Unlock()
	return images, scans
}

// Close closes both logs.
func (w *Writer) Close() error {
	var errs []error
	w.imgMu.Lock()
	if w.imgLog != nil {
		errs = append(errs, w.imgLog.Close())
		w.imgLog = nil
	}
	w.imgMu.Unlock()
	w.scanMu.Lock()
	if w.scanLog != nil {
		errs = append(errs, w.scanLog.Close())
		w.scanLog = nil
	}
	w.scanMu.Unlock()
	return errors.Join(errs...)
}
