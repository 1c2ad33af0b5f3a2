package charts

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
)

// ErrNoData is returned when a plot is requested for an empty session.
var ErrNoData = errors.New("no frames to plot")

var (
	speedColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	accelColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
)

// PlotSession writes a PNG with speed and resultant acceleration against
// seconds since session start.
func PlotSession(w io.Writer, s telemetry.SessionSummary, unit string) error {
	if len(s.Log) == 0 {
		return ErrNoData
	}

	speedPts := make(plotter.XYs, 0, len(s.Log))
	accelPts := make(plotter.XYs, 0, len(s.Log))
	for _, f := range s.Log {
		x := f.Timestamp.Sub(s.StartTime).Seconds()
		speedPts = append(speedPts, plotter.XY{X: x, Y: units.ConvertSpeed(f.Speed, unit)})
		accelPts = append(accelPts, plotter.XY{X: x, Y: telemetry.Derive(f).ResultantAccel})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s", s.StartTime.UTC().Format("2006-01-02 15:04:05"))
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = fmt.Sprintf("Speed (%s) / Accel (m/s²)", units.Label(unit))
	p.Add(plotter.NewGrid())

	speedLine, err := plotter.NewLine(speedPts)
	if err != nil {
		return err
	}
	speedLine.Color = speedColor
	speedLine.Width = vg.Points(1.5)

	accelLine, err := plotter.NewLine(accelPts)
	if err != nil {
		return err
	}
	accelLine.Color = accelColor
	accelLine.Width = vg.Points(1)

	p.Add(speedLine, accelLine)
	p.Legend.Add("speed", speedLine)
	p.Legend.Add("accel", accelLine)
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
