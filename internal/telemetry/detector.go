package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"
)

// SmoothDrivingMessage is displayed when no alert is active.
const SmoothDrivingMessage = "Smooth driving detected."

// AlertKind identifies which rule raised an alert.
type AlertKind int

const (
	AlertNone AlertKind = iota
	AlertHighSpeed
	AlertSharpTurn
)

func (k AlertKind) String() string {
	switch k {
	case AlertHighSpeed:
		return "high_speed"
	case AlertSharpTurn:
		return "sharp_turn"
	default:
		return "none"
	}
}

// MarshalJSON encodes the kind as its string name.
func (k AlertKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name; unknown names decode as AlertNone.
func (k *AlertKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "high_speed":
		*k = AlertHighSpeed
	case "sharp_turn":
		*k = AlertSharpTurn
	default:
		*k = AlertNone
	}
	return nil
}

// Alert is what a single Evaluate call produced.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
}

// AlertState is the currently displayed alert. ExpiresAt is TriggeredAt plus
// the detector cooldown.
type AlertState struct {
	Kind        AlertKind `json:"kind"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Active reports whether the alert should still be displayed at now.
func (s AlertState) Active(now time.Time) bool {
	return s.Kind != AlertNone && now.Before(s.ExpiresAt)
}

// Counters are the per-session event counts.
type Counters struct {
	HighSpeed uint `json:"highSpeed"`
	SharpTurn uint `json:"sharpTurn"`
}

// DetectorConfig holds the event thresholds.
type DetectorConfig struct {
	HighSpeedKmh  float64
	SharpTurnRads float64
	Cooldown      time.Duration
}

// DefaultDetectorConfig returns the stock thresholds: 100 km/h, 1.0 rad/s yaw
// and a 5 s cooldown shared by both rules.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		HighSpeedKmh:  100.0,
		SharpTurnRads: 1.0,
		Cooldown:      5000 * time.Millisecond,
	}
}

// EventDetector applies the high-speed and sharp-turn rules. Both rules share
// one cooldown clock, so a frame that trips both increments both counters and
// the sharp-turn message is displayed.
type EventDetector struct {
	cfg DetectorConfig

	mu          sync.Mutex
	counts      Counters
	lastAlertAt time.Time
	state       AlertState
}

// NewEventDetector returns a detector with zeroed counters. Zero-valued
// fields of cfg fall back to the defaults.
func NewEventDetector(cfg DetectorConfig) *EventDetector {
	def := DefaultDetectorConfig()
	if cfg.HighSpeedKmh <= 0 {
		cfg.HighSpeedKmh = def.HighSpeedKmh
	}
	if cfg.SharpTurnRads <= 0 {
		cfg.SharpTurnRads = def.SharpTurnRads
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &EventDetector{cfg: cfg}
}

// Config returns the thresholds in use.
func (d *EventDetector) Config() DetectorConfig { return d.cfg }

// Evaluate runs both rules against frame at now and returns the alert that
// should be displayed, or nil when neither rule fired.
func (d *EventDetector) Evaluate(frame Frame, now time.Time) *Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Both rules compare against the value from before this frame.
	ready := d.lastAlertAt.IsZero() || now.Sub(d.lastAlertAt) > d.cfg.Cooldown

	var alert *Alert
	if ready && frame.Speed > d.cfg.HighSpeedKmh {
		d.counts.HighSpeed++
		alert = &Alert{
			Kind:    AlertHighSpeed,
			Message: fmt.Sprintf("EXCESSIVE SPEED: %.1f km/h! SLOW DOWN.", frame.Speed),
		}
	}
	if ready && math.Abs(frame.Gyro.Z) > d.cfg.SharpTurnRads {
		d.counts.SharpTurn++
		alert = &Alert{
			Kind:    AlertSharpTurn,
			Message: fmt.Sprintf("SHARP TURN: Yaw Rate %.2f rad/s detected!", math.Abs(frame.Gyro.Z)),
		}
	}
	if alert == nil {
		return nil
	}

	d.lastAlertAt = now
	d.state = AlertState{
		Kind:        alert.Kind,
		Message:     alert.Message,
		TriggeredAt: now,
		ExpiresAt:   now.Add(d.cfg.Cooldown),
	}
	return alert
}

// Counts returns the current counters.
func (d *EventDetector) Counts() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// State returns the most recent alert, which may have expired.
func (d *EventDetector) State() AlertState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resolve returns the message to display at now.
func (d *EventDetector) Resolve(now time.Time) string {
	st := d.State()
	if st.Active(now) {
		return st.Message
	}
	return SmoothDrivingMessage
}

// Reset clears counters, the cooldown clock and the alert state.
func (d *EventDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts = Counters{}
	d.lastAlertAt = time.Time{}
	d.state = AlertState{}
}
