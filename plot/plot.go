// Package plot renders a fitted model spectrum against the observed one as
// an HTML page: heatmaps of the data, the model and their Anscombe
// residuals, and a histogram of the residuals.
package plot

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/popgen/spectrum"
)

// Opts controls the comparison plot.
type Opts struct {
	// VMin is the smallest entry drawn on the data and model heatmaps,
	// which use a log10 scale.
	VMin float64
	// ResidRange clips residuals to [-ResidRange, ResidRange].
	ResidRange float64
	// Bins is the number of histogram bins.
	Bins int
}

// DefaultOpts are the default plot options.
var DefaultOpts = Opts{VMin: 1, ResidRange: 3, Bins: 20}

var (
	logColors   = []string{"#313695", "#4575b4", "#74add1", "#abd9e9", "#fee090", "#fdae61", "#f46d43", "#d73027", "#a50026"}
	residColors = []string{"#2166ac", "#67a9cf", "#f7f7f7", "#ef8a62", "#b2182b"}
)

func axis(n int) []string {
	labels := make([]string, n+1)
	for i := range labels {
		labels[i] = fmt.Sprint(i)
	}
	return labels
}

func axisName(s *spectrum.Spectrum, i int) string {
	if s.Pops[i] != "" {
		return s.Pops[i]
	}
	return fmt.Sprintf("pop%d", i+1)
}

// heatmap draws the unmasked entries of s that pass keep, transformed by f.
// Row index i of the spectrum is the y axis.
func heatmap(title string, s *spectrum.Spectrum, keep func(float64) bool, f func(float64) float64, min, max float64, colors []string) *charts.HeatMap {
	n1, n2 := s.SampleSizes()
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithXAxisOpts(opts.XAxis{Name: axisName(s, 1), Type: "category", Data: axis(n2)}),
		charts.WithYAxisOpts(opts.YAxis{Name: axisName(s, 0), Type: "category", Data: axis(n1)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Min:     float32(min),
			Max:     float32(max),
			InRange: &opts.VisualMapInRange{Color: colors},
		}),
	)
	var items []opts.HeatMapData
	for i := 0; i <= n1; i++ {
		for j := 0; j <= n2; j++ {
			v := s.At(i, j)
			if s.Masked(i, j) || !keep(v) {
				continue
			}
			items = append(items, opts.HeatMapData{Value: [3]interface{}{j, i, f(v)}})
		}
	}
	hm.SetXAxis(axis(n2)).AddSeries(title, items)
	return hm
}

// Histogram counts values into bins of equal width over [-r, r]. Values
// outside the range fall into the first or last bin.
func Histogram(values []float64, r float64, bins int) (labels []string, counts []int) {
	width := 2 * r / float64(bins)
	counts = make([]int, bins)
	labels = make([]string, bins)
	for b := range labels {
		labels[b] = fmt.Sprintf("%.2g", -r+(float64(b)+0.5)*width)
	}
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		b := int(math.Floor((v + r) / width))
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	return labels, counts
}

// Render writes the comparison page for model against data to w. model
// should already be scaled to data.
func Render(w io.Writer, data, model *spectrum.Spectrum, title string, o Opts) error {
	if !data.SameShape(model) {
		return errors.E(errors.Invalid, "plot: model and data spectra differ in shape")
	}
	if o.Bins <= 0 {
		o.Bins = DefaultOpts.Bins
	}
	if o.ResidRange <= 0 {
		o.ResidRange = DefaultOpts.ResidRange
	}
	if o.VMin <= 0 {
		o.VMin = DefaultOpts.VMin
	}
	vmax := o.VMin
	for _, s := range []*spectrum.Spectrum{data, model} {
		mask := s.Mask()
		for i, v := range s.Values() {
			if !mask[i] && v > vmax {
				vmax = v
			}
		}
	}
	keep := func(v float64) bool { return v >= o.VMin }
	resid := spectrum.AnscombeResiduals(model, data)
	var rs []float64
	rmask := resid.Mask()
	for i, v := range resid.Values() {
		if !rmask[i] {
			rs = append(rs, v)
		}
	}
	clipped := func(v float64) float64 { return math.Max(-o.ResidRange, math.Min(o.ResidRange, v)) }

	labels, counts := Histogram(rs, o.ResidRange, o.Bins)
	bars := make([]opts.BarData, len(counts))
	for i, c := range counts {
		bars[i] = opts.BarData{Value: c}
	}
	hist := charts.NewBar()
	hist.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Residuals"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "residual"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "entries"}),
	)
	hist.SetXAxis(labels).AddSeries("residuals", bars)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(
		heatmap(title+": data", data, keep, math.Log10, math.Log10(o.VMin), math.Log10(vmax), logColors),
		heatmap(title+": model", model, keep, math.Log10, math.Log10(o.VMin), math.Log10(vmax), logColors),
		heatmap(title+": residuals", resid, func(float64) bool { return true }, clipped, -o.ResidRange, o.ResidRange, residColors),
		hist,
	)
	return page.Render(w)
}

// Comparison renders model against data with DefaultOpts and writes the
// page to path.
func Comparison(ctx context.Context, path string, data, model *spectrum.Spectrum, title string) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "plot: create", path)
	}
	if err := Render(out.Writer(ctx), data, model, title, DefaultOpts); err != nil {
		out.Discard(ctx)
		return errors.E(err, "plot", path)
	}
	return out.Close(ctx)
}
