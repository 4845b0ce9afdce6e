package world

import "github.com/banshee-data/gridcapture/internal/geom"

// ImageKind selects what a render pass writes.
type ImageKind int

const (
	KindColor ImageKind = iota
	KindDepth
	KindMask
)

func (k ImageKind) String() string {
	switch k {
	case KindColor:
		return "rgb"
	case KindDepth:
		return "depth"
	case KindMask:
		return "mask"
	default:
		return "unknown"
	}
}

// Viewpoint is a virtual camera.
type Viewpoint struct {
	Name string
	Kind ImageKind
	Pose geom.Pose
	// FOV is the vertical field of view in degrees.
	FOV       float64
	Near, Far float64
	Layers    LayerMask
}

// RenderTarget is an RGBA8 pixel buffer shared by render passes. Rows are
// stored top to bottom.
type RenderTarget struct {
	Width, Height int
	Pix           []byte
}

// NewRenderTarget allocates a target of w×h pixels.
func NewRenderTarget(w, h int) *RenderTarget {
	return &RenderTarget{Width: w, Height: h, Pix: make([]byte, 4*w*h)}
}

// Renderer draws a viewpoint into a render target. Color and mask passes fill
// all four channels; depth passes encode distance in R (high byte) and G (low
// byte) with B = 0 and A = 255.
type Renderer interface {
	Render(vp Viewpoint, target *RenderTarget) error
}

// ScreenRay returns the world-space ray through pixel (x, y) of a w×h image
// seen from vp. (0, 0) is the bottom-left corner.
func ScreenRay(vp Viewpoint, w, h int, x, y float64) (origin, dir geom.Vec3) {
	aspect := float64(w) / float64(h)
	tanHalf := tanDeg(vp.FOV / 2)
	ndcX := (2*x/float64(w) - 1) * tanHalf * aspect
	ndcY := (2*y/float64(h) - 1) * tanHalf
	local := geom.Vec3{X: ndcX, Y: ndcY, Z: 1}
	d := vp.Pose.Rotation.Rotate(local)
	return vp.Pose.Position, unit(d)
}
