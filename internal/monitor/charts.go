package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/gridcapture/internal/geom"
	"github.com/banshee-data/gridcapture/internal/httputil"
	"github.com/banshee-data/gridcapture/internal/sensors"
)

// ScanPoints converts a range buffer to scanner-frame XY points: x to the
// scanner's right, y forward. Empty slots are skipped.
func ScanPoints(cfg sensors.ScannerConfig, ranges []float64) []opts.ScatterData {
	data := make([]opts.ScatterData, 0, len(ranges))
	for k, r := range ranges {
		if r <= 0 {
			continue
		}
		a := geom.Deg2Rad(cfg.AngleMin + float64(k)*cfg.AngleIncrement)
		data = append(data, opts.ScatterData{Value: []interface{}{r * math.Cos(a), r * math.Sin(a), r}})
	}
	return data
}

// handleScanChart renders the latest scan as a scatter plot.
func (ws *WebServer) handleScanChart(w http.ResponseWriter, r *http.Request) {
	cfg := ws.scanner.Config()
	data := ScanPoints(cfg, ws.scanner.LastScan())
	pad := cfg.RangeMax
	if pad <= 0 {
		pad = 10
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Range scan", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest range scan", Subtitle: fmt.Sprintf("state=%s points=%d", ws.state.Snapshot().State, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "right", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "forward", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(pad),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#fde725", "#35b779", "#31688e", "#440154"}},
		}),
	)
	scatter.AddSeries("ranges", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
