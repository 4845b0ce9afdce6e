package sensors

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/world"
)

// NoEntity is what GetSemanticType reports when nothing recognisable is hit.
const NoEntity = "None"

// ViewSpec names one of the camera's virtual viewpoints.
type ViewSpec struct {
	Name string
	Kind world.ImageKind
}

// DefaultViews are the color, depth and instance-mask viewpoints.
func DefaultViews() []ViewSpec {
	return []ViewSpec{
		{Name: "CameraRGB", Kind: world.KindColor},
		{Name: "CameraD", Kind: world.KindDepth},
		{Name: "CameraMaskInstance", Kind: world.KindMask},
	}
}

// CameraConfig describes the multi-view camera.
type CameraConfig struct {
	Name   string
	Width  int
	Height int
	// FOV is the vertical field of view in degrees.
	FOV       float64
	Near, Far float64
	Layers    world.LayerMask
	// LocalPose places the camera on its mount.
	LocalPose geom.Pose
	Views     []ViewSpec
}

// ImageObserver receives every captured frame. The image is only valid for
// the duration of the call.
type ImageObserver func(kind world.ImageKind, img image.Image)

// MultiViewCapture renders color, depth and instance-mask frames from three
// viewpoints that share one render target.
//
// Color and mask frames are read into one shared RGBA staging buffer; depth
// frames go to a separate 16-bit buffer holding the renderer's two depth
// bytes (high, low). Capture returns the staging buffer itself, so a frame
// is overwritten by the next capture of a kind that uses the same buffer.
// Captures are serialised by a mutex.
type MultiViewCapture struct {
	cfg      CameraConfig
	renderer world.Renderer
	rays     world.RayQuery
	entities world.EntityResolver
	mount    Mount
	views    map[world.ImageKind]ViewSpec
	log      *logrus.Entry

	mu        sync.Mutex
	target    *world.RenderTarget
	rgba      *image.RGBA
	depth     *image.Gray16
	observers []ImageObserver
	captures  map[world.ImageKind]uint64
}

// NewMultiViewCapture checks that a viewpoint exists for every image kind
// and allocates the render target and staging buffers.
func NewMultiViewCapture(renderer world.Renderer, rays world.RayQuery, entities world.EntityResolver, mount Mount, cfg CameraConfig) (*MultiViewCapture, error) {
	if renderer == nil || mount == nil {
		return nil, fmt.Errorf("%w: camera needs a renderer and a mount", ErrSensorUnavailable)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid image size %dx%d", ErrSensorUnavailable, cfg.Width, cfg.Height)
	}
	if cfg.Layers == 0 {
		return nil, fmt.Errorf("%w: camera %q has an empty layer mask", ErrSensorUnavailable, cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "SmartCamera"
	}
	if cfg.Views == nil {
		cfg.Views = DefaultViews()
	}
	if cfg.Near <= 0 {
		cfg.Near = 0.05
	}
	if cfg.Far <= cfg.Near {
		cfg.Far = 20
	}

	views := make(map[world.ImageKind]ViewSpec, len(cfg.Views))
	for _, v := range cfg.Views {
		if _, dup := views[v.Kind]; dup {
			return nil, fmt.Errorf("%w: two viewpoints render %s", ErrSensorUnavailable, v.Kind)
		}
		views[v.Kind] = v
	}
	for _, k := range []world.ImageKind{world.KindColor, world.KindDepth, world.KindMask} {
		if _, ok := views[k]; !ok {
			return nil, fmt.Errorf("%w: no %s viewpoint on camera %q", ErrSensorUnavailable, k, cfg.Name)
		}
	}

	rect := image.Rect(0, 0, cfg.Width, cfg.Height)
	c := &MultiViewCapture{
		cfg:      cfg,
		renderer: renderer,
		rays:     rays,
		entities: entities,
		mount:    mount,
		views:    views,
		log:      monitoring.Component("camera").WithField("sensor", cfg.Name),
		target:   world.NewRenderTarget(cfg.Width, cfg.Height),
		rgba:     image.NewRGBA(rect),
		depth:    image.NewGray16(rect),
		captures: make(map[world.ImageKind]uint64),
	}
	fx, fy := c.Intrinsics()
	c.log.WithFields(logrus.Fields{
		"width":  cfg.Width,
		"height": cfg.Height,
		"fov":    cfg.FOV,
		"fx":     fx,
		"fy":     fy,
	}).Debug("camera intrinsics")
	return c, nil
}

// Config returns the camera configuration.
func (c *MultiViewCapture) Config() CameraConfig { return c.cfg }

// Intrinsics returns the focal lengths in pixels for square pixels and the
// configured vertical field of view.
func (c *MultiViewCapture) Intrinsics() (fx, fy float64) {
	fy = float64(c.cfg.Height) / 2 / math.Tan(geom.Deg2Rad(c.cfg.FOV)/2)
	return fy, fy
}

// OnImage registers an observer. Observers run synchronously after every
// capture while the staging buffers are locked.
func (c *MultiViewCapture) OnImage(o ImageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// LocalPose is the camera pose relative to its mount.
func (c *MultiViewCapture) LocalPose() geom.Pose { return c.cfg.LocalPose }

// Pose is the camera's world pose.
func (c *MultiViewCapture) Pose() geom.Pose {
	return c.mount.Pose().Compose(c.cfg.LocalPose)
}

// TransformString renders the camera's world pose with fifteen decimals.
func (c *MultiViewCapture) TransformString() string {
	return geom.TransformString(c.Pose())
}

// Viewpoint returns the world-space viewpoint for kind.
func (c *MultiViewCapture) Viewpoint(kind world.ImageKind) world.Viewpoint {
	v := c.views[kind]
	return world.Viewpoint{
		Name:   v.Name,
		Kind:   kind,
		Pose:   c.Pose(),
		FOV:    c.cfg.FOV,
		Near:   c.cfg.Near,
		Far:    c.cfg.Far,
		Layers: c.cfg.Layers,
	}
}

// Capture renders one frame of the given kind and returns the staging buffer
// that now holds it: *image.RGBA for color and mask, *image.Gray16 for depth.
func (c *MultiViewCapture) Capture(kind world.ImageKind) (image.Image, error) {
	if _, ok := c.views[kind]; !ok {
		return nil, fmt.Errorf("%w: no viewpoint for %s", ErrSensorUnavailable, kind)
	}
	vp := c.Viewpoint(kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureLocked(vp)
}

// Snapshot captures kind and returns a copy the caller may keep. The copy is
// taken before the staging buffer is released.
func (c *MultiViewCapture) Snapshot(kind world.ImageKind) (image.Image, error) {
	if _, ok := c.views[kind]; !ok {
		return nil, fmt.Errorf("%w: no viewpoint for %s", ErrSensorUnavailable, kind)
	}
	vp := c.Viewpoint(kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	img, err := c.captureLocked(vp)
	if err != nil {
		return nil, err
	}
	switch src := img.(type) {
	case *image.Gray16:
		dst := image.NewGray16(src.Rect)
		copy(dst.Pix, src.Pix)
		return dst, nil
	case *image.RGBA:
		dst := image.NewRGBA(src.Rect)
		copy(dst.Pix, src.Pix)
		return dst, nil
	}
	return img, nil
}

// captureLocked renders vp into the staging buffer for its kind. c.mu must
// be held.
func (c *MultiViewCapture) captureLocked(vp world.Viewpoint) (image.Image, error) {
	if err := c.renderer.Render(vp, c.target); err != nil {
		return nil, fmt.Errorf("render %s: %w", vp.Name, err)
	}

	var img image.Image
	switch vp.Kind {
	case world.KindDepth:
		n := c.cfg.Width * c.cfg.Height
		for i := 0; i < n; i++ {
			c.depth.Pix[2*i] = c.target.Pix[4*i]
			c.depth.Pix[2*i+1] = c.target.Pix[4*i+1]
		}
		img = c.depth
	default:
		copy(c.rgba.Pix, c.target.Pix)
		img = c.rgba
	}
	c.captures[vp.Kind]++

	for _, o := range c.observers {
		o(vp.Kind, img)
	}
	return img, nil
}

// CaptureCount is the number of frames captured of kind.
func (c *MultiViewCapture) CaptureCount(kind world.ImageKind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures[kind]
}

// GetSemanticType casts a ray through the pixel at screen (x, y) of the color
// viewpoint, with (0, 0) the bottom-left corner, and returns the name of the
// recognisable entity it hits, or NoEntity.
func (c *MultiViewCapture) GetSemanticType(x, y float64) string {
	if c.rays == nil || c.entities == nil {
		return NoEntity
	}
	vp := c.Viewpoint(world.KindColor)
	origin, dir := world.ScreenRay(vp, c.cfg.Width, c.cfg.Height, x, y)
	hit := c.rays.CastRay(origin, dir, math.Inf(1), world.AllLayers)
	if !hit.Hit {
		return NoEntity
	}
	if name, ok := c.entities.ResolveEntity(hit.Surface); ok {
		return name
	}
	return NoEntity
}
