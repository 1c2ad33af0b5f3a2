package sessionfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/telemetrix/internal/telemetry"
)

// ErrInvalidFormat is returned for empty or unrecognised history files.
var ErrInvalidFormat = errors.New("file is empty or invalid")

// Parse reads a history file. Both the export shape and a bare array of
// frames are accepted; for the latter, start and end come from the first and
// last frame. Every frame must carry the fields a live frame does plus its
// timestamp.
func Parse(data []byte) (telemetry.SessionSummary, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return telemetry.SessionSummary{}, ErrInvalidFormat
	}

	var (
		s   telemetry.SessionSummary
		raw []json.RawMessage
	)
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return telemetry.SessionSummary{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	case '{':
		var wrapper struct {
			Log []json.RawMessage `json:"log"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return telemetry.SessionSummary{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if len(wrapper.Log) == 0 {
			return telemetry.SessionSummary{}, fmt.Errorf("%w: missing log array", ErrInvalidFormat)
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return telemetry.SessionSummary{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		raw = wrapper.Log
	default:
		return telemetry.SessionSummary{}, ErrInvalidFormat
	}

	if len(raw) == 0 {
		return telemetry.SessionSummary{}, fmt.Errorf("%w: no frames", ErrInvalidFormat)
	}
	s.Log = make([]telemetry.Frame, 0, len(raw))
	for i, r := range raw {
		f, err := telemetry.DecodeRecorded(r)
		if err != nil {
			return telemetry.SessionSummary{}, fmt.Errorf("%w: frame %d: %v", ErrInvalidFormat, i, err)
		}
		s.Log = append(s.Log, f)
	}

	if s.StartTime.IsZero() {
		s.StartTime = s.Log[0].Timestamp
	}
	if s.EndTime.IsZero() {
		s.EndTime = s.Log[len(s.Log)-1].Timestamp
	}
	if s.DataPoints == 0 {
		s.DataPoints = len(s.Log)
	}
	return s, nil
}

// HistorySummary describes an imported session.
type HistorySummary struct {
	FileName    string        `json:"fileName"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"durationMs"`
	DurationStr string        `json:"durationStr"`
	MaxSpeed    float64       `json:"maxSpeed"`
	MaxAccel    float64       `json:"maxAccel"`
	MeanSpeed   float64       `json:"meanSpeed"`
	DataPoints  int           `json:"dataPoints"`
}

// DurationString formats d as "M min, S sec" with whole units. Negative
// durations (end before start) read as zero.
func DurationString(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d min, %d sec", secs/60, secs%60)
}

// Summarize computes the history view of an imported session. Max speed,
// max acceleration and duration never go below zero.
func Summarize(name string, s telemetry.SessionSummary) HistorySummary {
	speeds := make([]float64, 0, len(s.Log)+1)
	accels := make([]float64, 0, len(s.Log)+1)
	speeds = append(speeds, 0)
	accels = append(accels, 0)
	for _, f := range s.Log {
		speeds = append(speeds, f.Speed)
		accels = append(accels, telemetry.Derive(f).ResultantAccel)
	}

	d := s.EndTime.Sub(s.StartTime)
	if d < 0 {
		d = 0
	}
	h := HistorySummary{
		FileName:    name,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		Duration:    d,
		DurationMs:  d.Milliseconds(),
		DurationStr: DurationString(d),
		MaxSpeed:    floats.Max(speeds),
		MaxAccel:    floats.Max(accels),
		DataPoints:  s.DataPoints,
	}
	if len(s.Log) > 0 {
		h.MeanSpeed = stat.Mean(speeds[1:], nil)
	}
	return h
}
