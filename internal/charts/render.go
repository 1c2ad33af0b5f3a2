package charts

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
)

const labelFormat = "15:04:05"

func newLine(title, subtitle, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TeleMetrix", Theme: "dark", Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName, NameLocation: "middle", NameGap: 40}),
	)
	return line
}

// RenderLive writes an HTML page with the speed and acceleration charts of
// the window's samples. Speeds are converted to unit.
func RenderLive(w io.Writer, points []Point, unit string) error {
	labels := make([]string, len(points))
	speed := make([]opts.LineData, len(points))
	accel := make([]opts.LineData, len(points))
	for i, p := range points {
		labels[i] = p.At.UTC().Format(labelFormat)
		speed[i] = opts.LineData{Value: units.ConvertSpeed(p.Speed, unit)}
		accel[i] = opts.LineData{Value: p.ResultantAccel}
	}

	subtitle := fmt.Sprintf("last %d samples", len(points))
	speedChart := newLine("Speed", subtitle, units.Label(unit))
	speedChart.SetXAxis(labels).
		AddSeries("speed", speed, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	accelChart := newLine("Resultant Acceleration", subtitle, "m/s²")
	accelChart.SetXAxis(labels).
		AddSeries("accel", accel, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	page := components.NewPage()
	page.AddCharts(speedChart, accelChart)
	return page.Render(w)
}

// RenderSession writes an HTML speed and acceleration chart covering a whole
// session log, labelled by seconds since the first frame.
func RenderSession(w io.Writer, s telemetry.SessionSummary, unit string) error {
	labels := make([]string, len(s.Log))
	speed := make([]opts.LineData, len(s.Log))
	accel := make([]opts.LineData, len(s.Log))
	for i, f := range s.Log {
		labels[i] = fmt.Sprintf("%.1f", f.Timestamp.Sub(s.StartTime).Seconds())
		speed[i] = opts.LineData{Value: units.ConvertSpeed(f.Speed, unit)}
		accel[i] = opts.LineData{Value: telemetry.Derive(f).ResultantAccel}
	}

	line := newLine("Session "+s.StartTime.UTC().Format(time.RFC3339), fmt.Sprintf("%d data points", s.DataPoints), "")
	line.SetXAxis(labels).
		AddSeries("speed ("+units.Label(unit)+")", speed).
		AddSeries("accel (m/s²)", accel)
	return line.Render(w)
}
