// Package telemetry implements the live telemetry pipeline: frame decoding,
// event detection, risk scoring, the per-session frame log and the session
// controller that ties them together.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Gravity is the standard gravity used to express acceleration in g.
const Gravity = 9.81

// TimestampFormat is the wire format of frame timestamps. It matches the
// millisecond ISO-8601 strings browsers produce.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ErrMalformed is matched by every error returned from Decode.
var ErrMalformed = errors.New("malformed frame")

// DecodeError names the frame field that failed validation.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%v: field %q %s", ErrMalformed, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Vector3 is a three-axis sensor reading.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the euclidean norm of v.
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Frame is one validated telemetry sample. Speed is km/h, Accel is m/s²,
// Gyro is rad/s. Timestamp is the receiver clock at decode time.
type Frame struct {
	Speed     float64
	Accel     Vector3
	Gyro      Vector3
	Lat       float64
	Lon       float64
	Timestamp time.Time
}

type jsonFrame struct {
	Speed     float64 `json:"speed"`
	Accel     Vector3 `json:"accel"`
	Gyro      Vector3 `json:"gyro"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp string  `json:"timestamp"`
}

// FormatTimestamp renders t in TimestampFormat (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp accepts any RFC 3339 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// MarshalJSON writes the frame with a millisecond UTC timestamp.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonFrame{
		Speed:     f.Speed,
		Accel:     f.Accel,
		Gyro:      f.Gyro,
		Lat:       f.Lat,
		Lon:       f.Lon,
		Timestamp: FormatTimestamp(f.Timestamp),
	})
}

// UnmarshalJSON reads a frame previously written by MarshalJSON. Frames from
// the device should go through Decode instead.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var jf jsonFrame
	if err := json.Unmarshal(data, &jf); err != nil {
		return err
	}
	*f = Frame{
		Speed: jf.Speed,
		Accel: jf.Accel,
		Gyro:  jf.Gyro,
		Lat:   jf.Lat,
		Lon:   jf.Lon,
	}
	if jf.Timestamp != "" {
		ts, err := ParseTimestamp(jf.Timestamp)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", jf.Timestamp, err)
		}
		f.Timestamp = ts
	}
	return nil
}

// DerivedMetrics are computed per frame and never stored.
type DerivedMetrics struct {
	ResultantAccel float64 `json:"resultantAccel"`
	GForce         float64 `json:"gForce"`
	ResultantGyro  float64 `json:"resultantGyro"`
}

// Derive computes the derived metrics of f.
func Derive(f Frame) DerivedMetrics {
	accel := f.Accel.Magnitude()
	return DerivedMetrics{
		ResultantAccel: accel,
		GForce:         accel / Gravity,
		ResultantGyro:  f.Gyro.Magnitude(),
	}
}

type wireVector struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

type wireFrame struct {
	Speed *float64    `json:"speed"`
	Accel *wireVector `json:"accel"`
	Gyro  *wireVector `json:"gyro"`
	Lat   *float64    `json:"lat"`
	Lon   *float64    `json:"lon"`
}

// Decode validates a raw device payload and stamps it with now, truncated to
// the millisecond. Every failure matches ErrMalformed.
func Decode(raw []byte, now time.Time) (Frame, DerivedMetrics, error) {
	var w wireFrame
	if err := unmarshalWire(raw, &w); err != nil {
		return Frame{}, DerivedMetrics{}, err
	}
	frame, err := w.frame()
	if err != nil {
		return Frame{}, DerivedMetrics{}, err
	}
	frame.Timestamp = now.UTC().Truncate(time.Millisecond)
	return frame, Derive(frame), nil
}

// DecodeRecorded validates a frame read back from a session file. It checks
// the same fields as Decode and also requires a timestamp.
func DecodeRecorded(raw []byte) (Frame, error) {
	var w struct {
		wireFrame
		Timestamp *string `json:"timestamp"`
	}
	if err := unmarshalWire(raw, &w); err != nil {
		return Frame{}, err
	}
	frame, err := w.frame()
	if err != nil {
		return Frame{}, err
	}
	if w.Timestamp == nil || *w.Timestamp == "" {
		return Frame{}, &DecodeError{Field: "timestamp", Reason: "is missing"}
	}
	ts, err := ParseTimestamp(*w.Timestamp)
	if err != nil {
		return Frame{}, &DecodeError{Field: "timestamp", Reason: "is not RFC 3339"}
	}
	frame.Timestamp = ts
	return frame, nil
}

func unmarshalWire(raw []byte, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &DecodeError{Reason: "payload is not a JSON object"}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &DecodeError{Field: typeErr.Field, Reason: "is not a number"}
		}
		return &DecodeError{Reason: err.Error()}
	}
	return nil
}

func (w wireFrame) frame() (Frame, error) {
	accel, err := w.Accel.vector("accel")
	if err != nil {
		return Frame{}, err
	}
	gyro, err := w.Gyro.vector("gyro")
	if err != nil {
		return Frame{}, err
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"speed", w.Speed}, {"lat", w.Lat}, {"lon", w.Lon}} {
		if f.v == nil {
			return Frame{}, &DecodeError{Field: f.name, Reason: "is missing"}
		}
	}
	if *w.Speed < 0 {
		return Frame{}, &DecodeError{Field: "speed", Reason: "is negative"}
	}
	return Frame{
		Speed: *w.Speed,
		Accel: accel,
		Gyro:  gyro,
		Lat:   *w.Lat,
		Lon:   *w.Lon,
	}, nil
}

func (v *wireVector) vector(name string) (Vector3, error) {
	if v == nil {
		return Vector3{}, &DecodeError{Field: name, Reason: "is missing"}
	}
	axes := []struct {
		axis string
		v    *float64
	}{{"x", v.X}, {"y", v.Y}, {"z", v.Z}}
	for _, a := range axes {
		if a.v == nil {
			return Vector3{}, &DecodeError{Field: name + "." + a.axis, Reason: "is missing"}
		}
	}
	return Vector3{X: *v.X, Y: *v.Y, Z: *v.Z}, nil
}
