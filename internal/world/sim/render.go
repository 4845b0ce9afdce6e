package sim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/gridcapture/internal/world"
)

// Background colour for rays that hit nothing.
var skyColor = [3]uint8{24, 24, 32}

// Render implements world.Renderer by casting one ray per pixel.
//
// Color passes shade each box by the angle between the ray and the face it
// hits. Depth passes store the view-space distance scaled from [Near, Far]
// to 16 bits. Mask passes store the 1-based box index in R (low byte) and G
// (high byte) and the layer index in B; 0 means no object.
func (w *World) Render(vp world.Viewpoint, t *world.RenderTarget) error {
	if t == nil || t.Width <= 0 || t.Height <= 0 || len(t.Pix) < 4*t.Width*t.Height {
		return fmt.Errorf("render target too small for viewpoint %q", vp.Name)
	}
	near, far := vp.Near, vp.Far
	if far <= near {
		return fmt.Errorf("viewpoint %q: far plane %g must exceed near plane %g", vp.Name, far, near)
	}
	fwd := vp.Pose.Forward()

	for row := 0; row < t.Height; row++ {
		y := float64(t.Height-1-row) + 0.5
		for col := 0; col < t.Width; col++ {
			origin, dir := world.ScreenRay(vp, t.Width, t.Height, float64(col)+0.5, y)
			idx, dist, normal := w.cast(origin, dir, far/math.Max(r3.Dot(dir, fwd), 1e-6), vp.Layers)
			px := t.Pix[4*(row*t.Width+col) : 4*(row*t.Width+col)+4]

			switch vp.Kind {
			case world.KindDepth:
				v := uint16(math.MaxUint16)
				if idx >= 0 {
					z := dist * r3.Dot(dir, fwd)
					v = uint16(math.Round(clamp01((z-near)/(far-near)) * math.MaxUint16))
				}
				px[0], px[1], px[2], px[3] = byte(v>>8), byte(v), 0, 255

			case world.KindMask:
				if idx < 0 {
					px[0], px[1], px[2], px[3] = 0, 0, 0, 255
					continue
				}
				id := idx + 1
				px[0], px[1], px[2], px[3] = byte(id), byte(id>>8), byte(w.boxes[idx].layer), 255

			default:
				if idx < 0 {
					px[0], px[1], px[2], px[3] = skyColor[0], skyColor[1], skyColor[2], 255
					continue
				}
				shade := 0.35 + 0.65*math.Abs(r3.Dot(normal, dir))
				c := w.boxes[idx].color
				px[0] = byte(math.Round(float64(c[0]) * shade))
				px[1] = byte(math.Round(float64(c[1]) * shade))
				px[2] = byte(math.Round(float64(c[2]) * shade))
				px[3] = 255
			}
		}
	}
	return nil
}

// InstanceName maps a mask pixel back to the surface it shows.
func (w *World) InstanceName(r, g byte) (string, bool) {
	id := int(r) | int(g)<<8
	if id <= 0 || id > len(w.boxes) {
		return "", false
	}
	return w.boxes[id-1].name, true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
