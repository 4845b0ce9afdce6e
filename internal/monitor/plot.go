package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/gridcapture/internal/coverage"
	"github.com/banshee-data/gridcapture/internal/fsutil"
	"github.com/banshee-data/gridcapture/internal/geom"
)

// PlanPlotName is the file WritePlanPlot creates in the run directory.
const PlanPlotName = "coverage.png"

func floorXYs(points []geom.Vec3) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i] = plotter.XY{X: p.X, Y: p.Z}
	}
	return xys
}

// WritePlanPlot draws the lattice on the floor plane: reachable cells joined
// in visit order, rejected cells as crosses. It returns the written path.
func WritePlanPlot(fsys fsutil.FileSystem, dir string, plan *coverage.Plan) (string, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Coverage plan: %d reachable, %d rejected", plan.Len(), len(plan.Rejected()))
	p.X.Label.Text = "x"
	p.Y.Label.Text = "z"
	p.Add(plotter.NewGrid())

	if points := plan.Points(); len(points) > 0 {
		route, err := plotter.NewLine(floorXYs(points))
		if err != nil {
			return "", fmt.Errorf("failed to create route line: %w", err)
		}
		route.Width = vg.Points(0.5)
		route.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		route.Color = color.Gray{Y: 140}

		cells, err := plotter.NewScatter(floorXYs(points))
		if err != nil {
			return "", fmt.Errorf("failed to create reachable scatter: %w", err)
		}
		cells.GlyphStyle.Shape = draw.CircleGlyph{}
		cells.GlyphStyle.Color = color.RGBA{R: 53, G: 183, B: 121, A: 255}
		cells.GlyphStyle.Radius = vg.Points(3)

		p.Add(route, cells)
		p.Legend.Add("reachable", cells)
	}
	if rejected := plan.Rejected(); len(rejected) > 0 {
		miss, err := plotter.NewScatter(floorXYs(rejected))
		if err != nil {
			return "", fmt.Errorf("failed to create rejected scatter: %w", err)
		}
		miss.GlyphStyle.Shape = draw.CrossGlyph{}
		miss.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		miss.GlyphStyle.Radius = vg.Points(3)
		p.Add(miss)
		p.Legend.Add("rejected", miss)
	}

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return "", fmt.Errorf("failed to render plan plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("failed to encode plan plot: %w", err)
	}
	path := filepath.Join(dir, PlanPlotName)
	if err := fsys.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
