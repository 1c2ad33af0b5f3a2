package charts

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
)

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func frameUpdate(id uuid.UUID, i int) telemetry.Update {
	return telemetry.Update{
		SessionID: id,
		Metrics:   &telemetry.DerivedMetrics{ResultantAccel: float64(i) / 10},
		Speed:     float64(i),
		Active:    true,
		At:        t0.Add(time.Duration(i) * 100 * time.Millisecond),
	}
}

func TestWindow_KeepsMostRecent(t *testing.T) {
	w := NewWindow(0)
	require.Equal(t, DefaultWindow, w.Size())

	id := uuid.New()
	for i := 0; i < 25; i++ {
		w.Publish(frameUpdate(id, i))
	}

	pts := w.Points()
	require.Len(t, pts, DefaultWindow)
	assert.Equal(t, 5.0, pts[0].Speed)
	assert.Equal(t, 24.0, pts[len(pts)-1].Speed)
	assert.InDelta(t, 2.4, pts[len(pts)-1].ResultantAccel, 1e-12)
}

func TestWindow_IgnoresStateUpdates(t *testing.T) {
	w := NewWindow(3)
	id := uuid.New()
	w.Publish(frameUpdate(id, 1))
	w.Publish(telemetry.Update{Message: telemetry.InactiveMessage, At: t0})

	assert.Len(t, w.Points(), 1)
}

func TestWindow_NewSessionClears(t *testing.T) {
	w := NewWindow(3)
	first, second := uuid.New(), uuid.New()
	w.Publish(frameUpdate(first, 1))
	w.Publish(frameUpdate(first, 2))
	w.Publish(frameUpdate(second, 7))

	pts := w.Points()
	require.Len(t, pts, 1)
	assert.Equal(t, 7.0, pts[0].Speed)
}

func TestWindow_PointsIsCopy(t *testing.T) {
	w := NewWindow(2)
	w.Publish(frameUpdate(uuid.New(), 3))
	pts := w.Points()
	pts[0].Speed = 99
	assert.Equal(t, 3.0, w.Points()[0].Speed)
}

func TestRenderLive(t *testing.T) {
	w := NewWindow(5)
	id := uuid.New()
	for i := 0; i < 3; i++ {
		w.Publish(frameUpdate(id, i*50))
	}

	var buf bytes.Buffer
	require.NoError(t, RenderLive(&buf, w.Points(), units.MPH))
	html := buf.String()
	assert.Contains(t, html, "Resultant Acceleration")
	assert.Contains(t, html, "last 3 samples")
	assert.Contains(t, html, "08:00:05")
}

func sessionSummary() telemetry.SessionSummary {
	log := make([]telemetry.Frame, 0, 10)
	for i := 0; i < 10; i++ {
		log = append(log, telemetry.Frame{
			Speed:     float64(i * 12),
			Accel:     telemetry.Vector3{X: float64(i), Z: telemetry.Gravity},
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
	}
	return telemetry.SessionSummary{StartTime: t0, EndTime: log[9].Timestamp, DataPoints: len(log), Log: log}
}

func TestRenderSession(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderSession(&buf, sessionSummary(), units.KMPH))
	assert.Contains(t, buf.String(), "10 data points")
}

func TestPlotSession(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PlotSession(&buf, sessionSummary(), units.KMPH))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG\r\n\x1a\n")), "output is not a PNG")

	err := PlotSession(&buf, telemetry.SessionSummary{}, units.KMPH)
	assert.True(t, errors.Is(err, ErrNoData))
}
