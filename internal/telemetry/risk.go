package telemetry

import "sync"

// Grade is the instantaneous driving grade.
type Grade string

const (
	GradeNone     Grade = "N/A"
	GradeAPlus    Grade = "A+"
	GradeModerate Grade = "C"
	GradeFail     Grade = "F"
)

// Description is the dashboard text shown under the grade.
func (g Grade) Description() string {
	switch g {
	case GradeFail:
		return "CRITICAL: Extreme G-Force Detected!"
	case GradeModerate:
		return "Moderate Risk Detected"
	case GradeAPlus:
		return "Smooth Driving"
	default:
		return "System is inactive"
	}
}

const (
	initialScore = 90.0
	maxScore     = 99.0
	scoreDecay   = 0.98
	scoreGain    = 5.0
)

// RiskState is a snapshot of the rolling scores.
type RiskState struct {
	Smoothness float64 `json:"smoothness"`
	Cornering  float64 `json:"cornering"`
	Grade      Grade   `json:"grade"`
}

// InitialRiskState is the state at session start.
func InitialRiskState() RiskState {
	return RiskState{Smoothness: initialScore, Cornering: initialScore, Grade: GradeNone}
}

// RiskLevel buckets a g-force reading into 0.3, 0.7 or 1.0.
func RiskLevel(gForce float64) float64 {
	switch {
	case gForce > 1.3:
		return 1.0
	case gForce > 0.95:
		return 0.7
	default:
		return 0.3
	}
}

// RiskScorer keeps exponentially smoothed smoothness and cornering scores.
// Both scores are currently driven by the same g-force risk level.
type RiskScorer struct {
	mu    sync.Mutex
	state RiskState
}

// NewRiskScorer returns a scorer in the initial state.
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{state: InitialRiskState()}
}

// Update folds one frame's metrics into the scores and returns the result.
func (r *RiskScorer) Update(m DerivedMetrics) RiskState {
	level := RiskLevel(m.GForce)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Smoothness = step(r.state.Smoothness, level)
	r.state.Cornering = step(r.state.Cornering, level)
	switch {
	case level >= 1.0:
		r.state.Grade = GradeFail
	case level > 0.6:
		r.state.Grade = GradeModerate
	default:
		r.state.Grade = GradeAPlus
	}
	return r.state
}

// State returns the latest snapshot.
func (r *RiskScorer) State() RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset restores the initial state.
func (r *RiskScorer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = InitialRiskState()
}

func step(score, level float64) float64 {
	next := score*scoreDecay + (1-level)*scoreGain
	if next < 0 {
		return 0
	}
	if next > maxScore {
		return maxScore
	}
	return next
}
