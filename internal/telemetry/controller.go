package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/timeutil"
)

// Controller errors.
var (
	ErrNotConnected  = errors.New("device not connected")
	ErrAlreadyActive = errors.New("session already active")
	ErrNotActive     = errors.New("no active session")
)

// Dashboard messages published on state changes.
const (
	ActiveMessage       = "Monitoring Active. Awaiting new data..."
	InactiveMessage     = "System is inactive. Press ACTIVATE to begin monitoring."
	DisconnectedMessage = "System disconnected. Please reconnect ESP32."
)

// Device commands.
const (
	CommandStart = "START"
	CommandStop  = "STOP"
)

// Command is the control message sent to the device.
type Command struct {
	Command string `json:"command"`
}

// EncodeCommand returns the wire form of a device command.
func EncodeCommand(name string) string {
	b, _ := json.Marshal(Command{Command: name})
	return string(b)
}

// State is the controller state.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// MarshalJSON encodes the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StopReason records why a session ended.
type StopReason string

const (
	ReasonStopped      StopReason = "stopped"
	ReasonDisconnected StopReason = "disconnected"
)

// HistoryEntry is recorded each time a session ends.
type HistoryEntry struct {
	ID             uuid.UUID  `json:"id"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        time.Time  `json:"endedAt"`
	Grade          Grade      `json:"grade"`
	FrameCount     int        `json:"frameCount"`
	HighSpeedCount uint       `json:"highSpeedCount"`
	SharpTurnCount uint       `json:"sharpTurnCount"`
	ExportPath     string     `json:"exportPath,omitempty"`
	Reason         StopReason `json:"reason"`
}

// LatLon is one point of the session route.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AlertView is an AlertState resolved against a point in time.
type AlertView struct {
	AlertState
	Active bool `json:"active"`
}

// Update is one presentation snapshot. Metrics is nil for updates that were
// not caused by a frame.
type Update struct {
	SessionID uuid.UUID       `json:"-"`
	Metrics   *DerivedMetrics `json:"metrics"`
	Alert     AlertView       `json:"alert"`
	Risk      RiskState       `json:"risk"`
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Speed     float64         `json:"speed"`
	Counters  Counters        `json:"counters"`
	Active    bool            `json:"active"`
	Message   string          `json:"message"`
	At        time.Time       `json:"at"`
}

// Transport is the device link.
type Transport interface {
	Connected() bool
	SendCommand(cmd string) error
}

// Exporter persists a finished session and returns where it went.
type Exporter interface {
	Export(SessionSummary) (string, error)
}

// HistoryStore records finished sessions.
type HistoryStore interface {
	RecordSession(ctx context.Context, e HistoryEntry) error
}

// Publisher receives every Update. Publish must not block and must not call
// back into the controller.
type Publisher interface {
	Publish(Update)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Update)

// Publish calls f(u).
func (f PublisherFunc) Publish(u Update) { f(u) }

// MultiPublisher fans an update out to several publishers in order.
type MultiPublisher []Publisher

// Publish forwards u to every publisher.
func (m MultiPublisher) Publish(u Update) {
	for _, p := range m {
		if p != nil {
			p.Publish(u)
		}
	}
}

// ControllerConfig wires a Controller. Only Transport is required; nil
// Exporter, History and Publisher are skipped.
type ControllerConfig struct {
	Transport Transport
	Exporter  Exporter
	History   HistoryStore
	Publisher Publisher
	Clock     timeutil.Clock
	Detector  DetectorConfig
}

// Status is a point-in-time view of the controller.
type Status struct {
	State         State      `json:"state"`
	Connected     bool       `json:"connected"`
	SessionID     *uuid.UUID `json:"sessionId,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FrameCount    int        `json:"frameCount"`
	DroppedFrames uint64     `json:"droppedFrames"`
	Counters      Counters   `json:"counters"`
	Risk          RiskState  `json:"risk"`
	Alert         AlertView  `json:"alert"`
	Message       string     `json:"message"`
	Last          *Update    `json:"last,omitempty"`
}

// Controller is the session state machine. All methods serialize on one
// mutex, so frames are processed to completion one at a time and never
// interleave with Start or Stop.
type Controller struct {
	transport Transport
	exporter  Exporter
	history   HistoryStore
	publisher Publisher
	clock     timeutil.Clock

	detector *EventDetector
	scorer   *RiskScorer
	log      *SessionLog

	mu        sync.Mutex
	state     State
	sessionID uuid.UUID
	startedAt time.Time
	route     []LatLon
	dropped   uint64
	message   string
	last      *Update
}

// NewController returns an inactive controller.
func NewController(cfg ControllerConfig) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		transport: cfg.Transport,
		exporter:  cfg.Exporter,
		history:   cfg.History,
		publisher: cfg.Publisher,
		clock:     clock,
		detector:  NewEventDetector(cfg.Detector),
		scorer:    NewRiskScorer(),
		log:       NewSessionLog(),
		message:   InactiveMessage,
	}
}

func (c *Controller) connected() bool {
	return c.transport != nil && c.transport.Connected()
}

// Start begins a new session and sends START to the device.
func (c *Controller) Start() (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected() {
		return uuid.Nil, ErrNotConnected
	}
	if c.state == StateActive {
		return uuid.Nil, ErrAlreadyActive
	}
	if err := c.transport.SendCommand(EncodeCommand(CommandStart)); err != nil {
		return uuid.Nil, fmt.Errorf("send start command: %w", err)
	}

	c.log.Reset()
	c.scorer.Reset()
	c.detector.Reset()
	c.route = nil
	c.dropped = 0
	c.sessionID = uuid.New()
	c.startedAt = c.clock.Now()
	c.state = StateActive
	c.message = ActiveMessage

	monitoring.Logf("session %s started", c.sessionID)
	u := c.snapshot(c.startedAt, nil, Frame{})
	c.publish(u)
	return c.sessionID, nil
}

// HandleFrame runs one raw device payload through the pipeline. Payloads are
// ignored while inactive. Malformed payloads are dropped and their error
// returned; the session carries on.
func (c *Controller) HandleFrame(raw []byte) (*Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil, nil
	}

	frame, metrics, err := Decode(raw, c.clock.Now())
	if err != nil {
		c.dropped++
		monitoring.Logf("dropping frame: %v", err)
		return nil, err
	}

	c.detector.Evaluate(frame, frame.Timestamp)
	c.scorer.Update(metrics)
	c.log.Append(frame)
	c.route = append(c.route, LatLon{Lat: frame.Lat, Lon: frame.Lon})

	u := c.snapshot(frame.Timestamp, &metrics, frame)
	c.message = u.Message
	c.publish(u)
	return &u, nil
}

// Stop ends the active session, exports its log and records a history entry.
func (c *Controller) Stop() (HistoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return HistoryEntry{}, ErrNotActive
	}
	if c.connected() {
		if err := c.transport.SendCommand(EncodeCommand(CommandStop)); err != nil {
			monitoring.Logf("failed to send stop command: %v", err)
		}
	}
	return c.finish(ReasonStopped, InactiveMessage), nil
}

// TransportLost ends any active session without talking to the device.
func (c *Controller) TransportLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive {
		monitoring.Logf("transport lost during session %s", c.sessionID)
		c.finish(ReasonDisconnected, DisconnectedMessage)
		return
	}
	c.detector.Reset()
	c.scorer.Reset()
	c.message = DisconnectedMessage
	c.publish(c.snapshot(c.clock.Now(), nil, Frame{}))
}

func (c *Controller) finish(reason StopReason, message string) HistoryEntry {
	now := c.clock.Now()
	counts := c.detector.Counts()
	entry := HistoryEntry{
		ID:             c.sessionID,
		StartedAt:      c.startedAt,
		EndedAt:        now,
		Grade:          c.scorer.State().Grade,
		FrameCount:     c.log.Len(),
		HighSpeedCount: counts.HighSpeed,
		SharpTurnCount: counts.SharpTurn,
		Reason:         reason,
	}

	summary, err := c.log.Export()
	switch {
	case errors.Is(err, ErrEmptySession):
		monitoring.Logf("session %s recorded no frames, skipping export", c.sessionID)
	case c.exporter != nil:
		path, err := c.exporter.Export(summary)
		if err != nil {
			monitoring.Logf("failed to export session %s: %v", c.sessionID, err)
		}
		entry.ExportPath = path
	}

	if c.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.history.RecordSession(ctx, entry); err != nil {
			monitoring.Logf("failed to record session %s: %v", c.sessionID, err)
		}
		cancel()
	}

	c.scorer.Reset()
	c.detector.Reset()
	c.state = StateInactive
	c.message = message
	monitoring.Logf("session %s %s after %d frames (grade %s)", entry.ID, reason, entry.FrameCount, entry.Grade)

	c.publish(c.snapshot(now, nil, Frame{}))
	return entry
}

// Refresh republishes the last update if its alert has expired since it was
// sent. It is a no-op while inactive.
func (c *Controller) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || c.last == nil || !c.last.Alert.Active {
		return
	}
	now := c.clock.Now()
	if c.last.Alert.AlertState.Active(now) {
		return
	}
	u := *c.last
	u.Alert.Active = false
	u.Message = SmoothDrivingMessage
	u.At = now
	c.message = u.Message
	c.publish(u)
}

// RunRefresh calls Refresh every interval until ctx is done.
func (c *Controller) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.Refresh()
		}
	}
}

// Status returns the current controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	st := Status{
		State:         c.state,
		Connected:     c.connected(),
		FrameCount:    c.log.Len(),
		DroppedFrames: c.dropped,
		Counters:      c.detector.Counts(),
		Risk:          c.scorer.State(),
		Alert:         c.alertView(now),
		Message:       c.message,
	}
	if c.state == StateActive {
		id, started := c.sessionID, c.startedAt
		st.SessionID = &id
		st.StartedAt = &started
		if !st.Alert.Active && c.last != nil && c.last.Metrics != nil {
			st.Message = SmoothDrivingMessage
		}
	}
	if c.last != nil {
		last := *c.last
		st.Last = &last
	}
	return st
}

// Route returns the positions seen in the current or last session.
func (c *Controller) Route() []LatLon {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatLon, len(c.route))
	copy(out, c.route)
	return out
}

// Frames returns a copy of the current or last session log.
func (c *Controller) Frames() []Frame {
	return c.log.Frames()
}

func (c *Controller) alertView(now time.Time) AlertView {
	st := c.detector.State()
	return AlertView{AlertState: st, Active: st.Active(now)}
}

// snapshot builds an Update. Callers hold c.mu.
func (c *Controller) snapshot(now time.Time, m *DerivedMetrics, f Frame) Update {
	u := Update{
		SessionID: c.sessionID,
		Metrics:   m,
		Alert:     c.alertView(now),
		Risk:      c.scorer.State(),
		Counters:  c.detector.Counts(),
		Active:    c.state == StateActive,
		Message:   c.message,
		At:        now,
	}
	if m != nil {
		u.Lat, u.Lon, u.Speed = f.Lat, f.Lon, f.Speed
		if u.Alert.Active {
			u.Message = u.Alert.Message
		} else {
			u.Message = SmoothDrivingMessage
		}
	}
	return u
}

func (c *Controller) publish(u Update) {
	c.last = &u
	if c.publisher != nil {
		c.publisher.Publish(u)
	}
}
