package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEmptySession is returned when exporting a log with no frames.
var ErrEmptySession = errors.New("session has no frames")

// SessionSummary is the export shape of a session log.
type SessionSummary struct {
	StartTime  time.Time
	EndTime    time.Time
	DataPoints int
	Log        []Frame
}

type jsonSummary struct {
	StartTime  string  `json:"startTime"`
	EndTime    string  `json:"endTime"`
	DataPoints int     `json:"dataPoints"`
	Log        []Frame `json:"log"`
}

// MarshalJSON writes the summary with millisecond UTC timestamps.
func (s SessionSummary) MarshalJSON() ([]byte, error) {
	log := s.Log
	if log == nil {
		log = []Frame{}
	}
	return json.Marshal(jsonSummary{
		StartTime:  FormatTimestamp(s.StartTime),
		EndTime:    FormatTimestamp(s.EndTime),
		DataPoints: s.DataPoints,
		Log:        log,
	})
}

// UnmarshalJSON reads the export shape. Missing start or end times are left
// zero for the caller to derive from the log.
func (s *SessionSummary) UnmarshalJSON(data []byte) error {
	var js jsonSummary
	if err := json.Unmarshal(data, &js); err != nil {
		return err
	}
	*s = SessionSummary{DataPoints: js.DataPoints, Log: js.Log}
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{js.StartTime, &s.StartTime}, {js.EndTime, &s.EndTime}} {
		if f.raw == "" {
			continue
		}
		t, err := ParseTimestamp(f.raw)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", f.raw, err)
		}
		*f.dst = t
	}
	return nil
}

// SessionLog is the ordered, append-only frame log of one session.
type SessionLog struct {
	mu     sync.Mutex
	frames []Frame
}

// NewSessionLog returns an empty log.
func NewSessionLog() *SessionLog {
	return &SessionLog{}
}

// Append adds f to the end of the log.
func (l *SessionLog) Append(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

// Len returns the number of frames.
func (l *SessionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Frames returns a copy of the log.
func (l *SessionLog) Frames() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

// Export summarises the log. Start and end are the first and last frame
// timestamps.
func (l *SessionLog) Export() (SessionSummary, error) {
	frames := l.Frames()
	if len(frames) == 0 {
		return SessionSummary{}, ErrEmptySession
	}
	return SessionSummary{
		StartTime:  frames[0].Timestamp,
		EndTime:    frames[len(frames)-1].Timestamp,
		DataPoints: len(frames),
		Log:        frames,
	}, nil
}

// Reset empties the log.
func (l *SessionLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = nil
}
