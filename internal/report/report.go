// Package report draws top-down views of the camera paths against the
// aligned body trajectory, as a PNG for the capture directory and as an
// interactive HTML page for the debug server.
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/motionview/internal/dataset"
	"github.com/banshee-data/motionview/internal/motion"
)

// MaxPoints bounds the samples drawn per series.
const MaxPoints = 2000

// AlignedSeries names the aligned first-person trajectory.
const AlignedSeries = "aligned trajectory"

// Series is one named path in the ground plane.
type Series struct {
	Name   string
	Points motion.Trajectory
}

// Report groups the paths of one blob.
type Report struct {
	Title  string
	Series []Series
}

// FromHumans collects the aligned trajectory and every camera path of h.
func FromHumans(title string, h *dataset.HumanData) *Report {
	r := &Report{Title: title}
	if len(h.Aligned) > 0 {
		r.Series = append(r.Series, Series{Name: AlignedSeries, Points: h.Aligned})
	}
	for _, pov := range h.Cameras.POVs() {
		views, err := h.Cameras.Views(pov)
		if err != nil {
			continue
		}
		r.Series = append(r.Series, Series{Name: "camera " + pov, Points: views.Eyes()})
	}
	return r
}

// stride returns the sampling step keeping n points under MaxPoints.
func stride(n int) int {
	if n <= MaxPoints {
		return 1
	}
	return int(math.Ceil(float64(n) / MaxPoints))
}

func (s Series) xys() plotter.XYs {
	step := stride(len(s.Points))
	out := make(plotter.XYs, 0, len(s.Points)/step+1)
	for i := 0; i < len(s.Points); i += step {
		out = append(out, plotter.XY{X: s.Points[i].X, Y: s.Points[i].Y})
	}
	return out
}

// Plot builds the gonum plot of r.
func (r *Report) Plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = r.Title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for i, s := range r.Series {
		if len(s.Points) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.xys())
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		if s.Name != AlignedSeries {
			line.Dashes = plotutil.Dashes(1)
		}
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	return p, nil
}

// SavePNG writes the plot to path. The extension selects the format.
func (r *Report) SavePNG(path string) error {
	p, err := r.Plot()
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// WriteHTML renders an interactive scatter of r.
func (r *Report) WriteHTML(w io.Writer) error {
	minV, maxV := r.bounds()
	pad := math.Max(1, (maxV-minV)*0.05)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: r.Title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: r.Title, Subtitle: fmt.Sprintf("series=%d", len(r.Series))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Min: minV - pad, Max: maxV + pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minV - pad, Max: maxV + pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	for _, s := range r.Series {
		xys := s.xys()
		data := make([]opts.ScatterData, len(xys))
		for i, p := range xys {
			data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
		}
		scatter.AddSeries(s.Name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	return scatter.Render(w)
}

// bounds returns a square extent covering every point.
func (r *Report) bounds() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range r.Series {
		for _, p := range s.Points {
			lo = math.Min(lo, math.Min(p.X, p.Y))
			hi = math.Max(hi, math.Max(p.X, p.Y))
		}
	}
	if lo > hi {
		return -1, 1
	}
	return lo, hi
}

// Handler serves the HTML report returned by get. A nil report is a 404.
func Handler(get func() *Report) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r := get()
		if r == nil {
			http.Error(w, "no trajectory loaded", http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		if err := r.WriteHTML(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
