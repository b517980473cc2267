package chart

import (
	"io"
	"strconv"
	"strings"
	"time"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Render size bounds
const (
	DefaultWidth  = 1024
	DefaultHeight = 480
	maxDimension  = 4096
)

func lineStyle(col drawing.Color, width float64) gochart.Style {
	return gochart.Style{
		StrokeColor: col,
		StrokeWidth: width,
	}
}

func bandStyle(col drawing.Color) gochart.Style {
	return gochart.Style{
		StrokeColor:     col.WithAlpha(120),
		StrokeWidth:     1,
		StrokeDashArray: []float64{4, 3},
	}
}

// parseColor accepts "#rrggbb" or "rrggbb"
func parseColor(hex string) drawing.Color {
	hex = strings.TrimPrefix(hex, "#")
	if hex == "" {
		return gochart.ColorBlue
	}
	return drawing.ColorFromHex(hex)
}

// timeSeries builds a go-chart series from ISO labels, skipping unparsable
// ones. A single point is padded to two so the X range is not empty.
func timeSeries(name string, labels []string, values []float64, style gochart.Style) (gochart.TimeSeries, bool) {
	var xs []time.Time
	var ys []float64
	for i, label := range labels {
		if i >= len(values) {
			break
		}
		t, err := time.Parse(models.DateLayout, label)
		if err != nil {
			continue
		}
		xs = append(xs, t)
		ys = append(ys, values[i])
	}
	if len(xs) == 0 {
		return gochart.TimeSeries{}, false
	}
	if len(xs) == 1 {
		xs = append(xs, xs[0].Add(24*time.Hour))
		ys = append(ys, ys[0])
	}
	return gochart.TimeSeries{Name: name, XValues: xs, YValues: ys, Style: style}, true
}

// RenderPNG draws the case series, every overlay and its 95% band.
// Width and height fall back to the defaults when not positive.
func (c *Chart) RenderPNG(w io.Writer, width, height int) error {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if width > maxDimension || height > maxDimension {
		return errors.Validationf("chart size %dx%d exceeds %d", width, height, maxDimension)
	}

	view := c.View()

	var series []gochart.Series
	if s, ok := timeSeries("Cases", view.Labels, view.Values, lineStyle(gochart.ColorBlack, 2)); ok {
		series = append(series, s)
	}
	for _, p := range view.Predictions {
		col := parseColor(p.Color)
		name := "Prediction " + strconv.Itoa(p.ID)
		if s, ok := timeSeries(name, p.Dates, p.Pred, lineStyle(col, 2)); ok {
			series = append(series, s)
		}
		if band, ok := p.Band(95); ok {
			if s, ok := timeSeries(name+" 95% lower", p.Dates, band.Lower, bandStyle(col)); ok {
				series = append(series, s)
			}
			if s, ok := timeSeries(name+" 95% upper", p.Dates, band.Upper, bandStyle(col)); ok {
				series = append(series, s)
			}
		}
	}
	if len(series) == 0 {
		return errors.Incompletef("chart has no data to render")
	}

	ch := gochart.Chart{
		Width:      width,
		Height:     height,
		Background: gochart.Style{Padding: gochart.Box{Top: 20, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      gochart.XAxis{Name: "Date", ValueFormatter: gochart.TimeDateValueFormatter},
		YAxis:      gochart.YAxis{Name: "Cases"},
		Series:     series,
	}
	if r := flatRange(series); r != nil {
		ch.YAxis.Range = r
	}
	ch.Elements = []gochart.Renderable{gochart.Legend(&ch)}

	if err := ch.Render(gochart.PNG, w); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "render chart")
	}
	return nil
}

// flatRange returns an explicit Y range when every value is the same, which
// go-chart refuses to auto-scale. nil keeps auto-scaling.
func flatRange(series []gochart.Series) *gochart.ContinuousRange {
	first := true
	var min, max float64
	for _, s := range series {
		ts, ok := s.(gochart.TimeSeries)
		if !ok {
			continue
		}
		for _, y := range ts.YValues {
			if first {
				min, max, first = y, y, false
				continue
			}
			if y < min {
				min = y
			}
			if y > max {
				max = y
			}
		}
	}
	if first || min != max {
		return nil
	}
	return &gochart.ContinuousRange{Min: min - 1, Max: max + 1}
}
