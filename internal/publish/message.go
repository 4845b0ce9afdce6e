// Package publish streams sensor output to an optional network sink while a
// capture run is in progress. Messages follow the ROS sensor_msgs layout so
// a rosbridge endpoint can consume them unchanged.
package publish

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/world"
)

// ErrNotConnected is returned by Publish when the sink has no live
// connection.
var ErrNotConnected = errors.New("publish: sink not connected")

const (
	LaserScanType       = "sensor_msgs/LaserScan"
	CompressedImageType = "sensor_msgs/CompressedImage"
)

// Message is anything a Sink can carry.
type Message interface {
	Type() string
	// Fields returns the message as nested maps, slices and scalars,
	// suitable for both JSON and protobuf Struct encoding.
	Fields() map[string]any
}

// Header mirrors std_msgs/Header.
type Header struct {
	Seq     uint32
	Stamp   time.Time
	FrameID string
}

func (h Header) fields() map[string]any {
	ts := timestamppb.New(h.Stamp)
	return map[string]any{
		"seq": h.Seq,
		"stamp": map[string]any{
			"secs":  ts.GetSeconds(),
			"nsecs": ts.GetNanos(),
		},
		"frame_id": h.FrameID,
	}
}

// LaserScan mirrors sensor_msgs/LaserScan. Angles are in radians.
type LaserScan struct {
	Header         Header
	AngleMin       float64
	AngleMax       float64
	AngleIncrement float64
	TimeIncrement  float64
	ScanTime       float64
	RangeMin       float64
	RangeMax       float64
	Ranges         []float64
	Intensities    []float64
}

// NewLaserScan builds a scan message from a scanner configuration in
// degrees. ranges is copied.
func NewLaserScan(h Header, cfg sensors.ScannerConfig, ranges []float64) LaserScan {
	return LaserScan{
		Header:         h,
		AngleMin:       geom.Deg2Rad(cfg.AngleMin),
		AngleMax:       geom.Deg2Rad(cfg.AngleMax),
		AngleIncrement: geom.Deg2Rad(cfg.AngleIncrement),
		RangeMin:       cfg.RangeMin,
		RangeMax:       cfg.RangeMax,
		Ranges:         append([]float64(nil), ranges...),
		Intensities:    []float64{},
	}
}

func (LaserScan) Type() string { return LaserScanType }

func (m LaserScan) Fields() map[string]any {
	return map[string]any{
		"header":          m.Header.fields(),
		"angle_min":       m.AngleMin,
		"angle_max":       m.AngleMax,
		"angle_increment": m.AngleIncrement,
		"time_increment":  m.TimeIncrement,
		"scan_time":       m.ScanTime,
		"range_min":       m.RangeMin,
		"range_max":       m.RangeMax,
		"ranges":          floats(m.Ranges),
		"intensities":     floats(m.Intensities),
	}
}

func floats(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

// CompressedImage mirrors sensor_msgs/CompressedImage.
type CompressedImage struct {
	Header Header
	Format string
	Data   []byte
}

func (CompressedImage) Type() string { return CompressedImageType }

// Fields encodes Data as base64, the rosbridge convention for uint8[].
func (m CompressedImage) Fields() map[string]any {
	return map[string]any{
		"header": m.Header.fields(),
		"format": m.Format,
		"data":   m.Data,
	}
}

// JPEGQuality is used for color frames.
const JPEGQuality = 90

// EncodeImage compresses a captured frame: color as JPEG, depth and mask as
// PNG so that their values survive exactly.
func EncodeImage(h Header, kind world.ImageKind, img image.Image) (CompressedImage, error) {
	var buf bytes.Buffer
	msg := CompressedImage{Header: h}
	switch kind {
	case world.KindColor:
		msg.Format = "jpeg"
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
			return CompressedImage{}, fmt.Errorf("encode %s frame: %w", kind, err)
		}
	default:
		msg.Format = "png"
		if err := png.Encode(&buf, img); err != nil {
			return CompressedImage{}, fmt.Errorf("encode %s frame: %w", kind, err)
		}
	}
	msg.Data = buf.Bytes()
	return msg, nil
}

// Sink is a network publish target.
type Sink interface {
	// Advertise declares a topic before its first message.
	Advertise(topic, msgType string) error
	// Publish sends msg on topic. It returns ErrNotConnected when the sink
	// has no live connection.
	Publish(topic string, msg Message) error
	Connected() bool
	Close() error
}

// Reconnecter is implemented by sinks that can re-establish a dropped
// connection. Publish tasks call Reconnect whenever they skip a cycle.
type Reconnecter interface {
	Reconnect()
}
