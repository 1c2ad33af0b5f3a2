// Package charts keeps the rolling live chart buffers and renders session
// charts as HTML (go-echarts) or PNG (gonum/plot).
package charts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetrix/internal/telemetry"
)

// DefaultWindow is the number of points the live charts keep.
const DefaultWindow = 20

// Point is one live chart sample.
type Point struct {
	At             time.Time `json:"at"`
	Speed          float64   `json:"speed"`
	ResultantAccel float64   `json:"resultantAccel"`
}

// Window is a fixed-size rolling buffer of the most recent frame samples of
// the current session. It is a telemetry.Publisher.
type Window struct {
	mu      sync.Mutex
	size    int
	session uuid.UUID
	points  []Point
}

// NewWindow returns a window keeping size points; size <= 0 uses
// DefaultWindow.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{size: size, points: make([]Point, 0, size)}
}

// Size returns the window capacity.
func (w *Window) Size() int { return w.size }

// Publish records the sample carried by u. Updates without metrics (state
// changes) are ignored, and a new session id clears the window.
func (w *Window) Publish(u telemetry.Update) {
	if u.Metrics == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if u.SessionID != w.session {
		w.session = u.SessionID
		w.points = w.points[:0]
	}
	if len(w.points) == w.size {
		copy(w.points, w.points[1:])
		w.points = w.points[:w.size-1]
	}
	w.points = append(w.points, Point{
		At:             u.At,
		Speed:          u.Speed,
		ResultantAccel: u.Metrics.ResultantAccel,
	})
}

// Points returns a copy of the buffered samples, oldest first.
func (w *Window) Points() []Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Point, len(w.points))
	copy(out, w.points)
	return out
}
