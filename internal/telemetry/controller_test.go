package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetrix/internal/timeutil"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []string
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendCommand(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeExporter struct {
	summaries []SessionSummary
}

func (f *fakeExporter) Export(s SessionSummary) (string, error) {
	f.summaries = append(f.summaries, s)
	return fmt.Sprintf("/exports/%d.json", len(f.summaries)), nil
}

type fakeHistory struct {
	entries []HistoryEntry
}

func (f *fakeHistory) RecordSession(_ context.Context, e HistoryEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Publish(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

type harness struct {
	ctrl      *Controller
	clock     *timeutil.MockClock
	transport *fakeTransport
	exporter  *fakeExporter
	history   *fakeHistory
	published *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     timeutil.NewMockClock(t0),
		transport: &fakeTransport{connected: true},
		exporter:  &fakeExporter{},
		history:   &fakeHistory{},
		published: &recorder{},
	}
	h.ctrl = NewController(ControllerConfig{
		Transport: h.transport,
		Exporter:  h.exporter,
		History:   h.history,
		Publisher: h.published,
		Clock:     h.clock,
	})
	return h
}

const (
	fastFrame   = `{"speed":120,"accel":{"x":1,"y":1,"z":1},"gyro":{"x":0,"y":0,"z":0.2},"lat":6.9271,"lon":79.8612}`
	calmFrame   = `{"speed":40,"accel":{"x":0.2,"y":0.1,"z":9.6},"gyro":{"x":0,"y":0,"z":0.05},"lat":6.9272,"lon":79.8613}`
	brutalFrame = `{"speed":60,"accel":{"x":12,"y":5,"z":9.8},"gyro":{"x":0,"y":0,"z":0.1},"lat":6.9273,"lon":79.8614}`
)

func TestController_StartRequiresConnection(t *testing.T) {
	h := newHarness(t)
	h.transport.connected = false

	_, err := h.ctrl.Start()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateInactive, h.ctrl.Status().State)
	assert.Empty(t, h.transport.commands())
}

func TestController_StartTwice(t *testing.T) {
	h := newHarness(t)

	id, err := h.ctrl.Start()
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, []string{`{"command":"START"}`}, h.transport.commands())
	assert.Equal(t, ActiveMessage, h.published.last().Message)

	_, err = h.ctrl.Start()
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Len(t, h.transport.commands(), 1)
}

func TestController_StartSendFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.sendErr = errors.New("broken pipe")

	_, err := h.ctrl.Start()
	require.Error(t, err)
	assert.Equal(t, StateInactive, h.ctrl.Status().State)
}

func TestController_IgnoresFramesWhileInactive(t *testing.T) {
	h := newHarness(t)

	u, err := h.ctrl.HandleFrame([]byte(fastFrame))
	assert.NoError(t, err)
	assert.Nil(t, u)
	assert.Empty(t, h.published.updates)
}

func TestController_HighSpeedScenario(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)

	u, err := h.ctrl.HandleFrame([]byte(fastFrame))
	require.NoError(t, err)
	require.NotNil(t, u)

	assert.Equal(t, Counters{HighSpeed: 1}, u.Counters)
	assert.Contains(t, u.Alert.Message, "EXCESSIVE SPEED")
	assert.True(t, u.Alert.Active)
	assert.Equal(t, u.Alert.Message, u.Message)
	assert.Equal(t, GradeAPlus, u.Risk.Grade)
	require.NotNil(t, u.Metrics)
	assert.InDelta(t, 0.1766, u.Metrics.GForce, 1e-4)
	assert.Equal(t, 120.0, u.Speed)
	assert.True(t, u.Active)

	st := h.ctrl.Status()
	assert.Equal(t, 1, st.FrameCount)
	assert.Equal(t, []LatLon{{Lat: 6.9271, Lon: 79.8612}}, h.ctrl.Route())
}

func TestController_MalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)
	published := len(h.published.updates)

	u, err := h.ctrl.HandleFrame([]byte(`{"speed":"fast"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Nil(t, u)

	st := h.ctrl.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, uint64(1), st.DroppedFrames)
	assert.Equal(t, 0, st.FrameCount)
	assert.Len(t, h.published.updates, published)
}

func TestController_StopWithoutFrames(t *testing.T) {
	h := newHarness(t)
	id, err := h.ctrl.Start()
	require.NoError(t, err)

	entry, err := h.ctrl.Stop()
	require.NoError(t, err)

	assert.Empty(t, h.exporter.summaries)
	require.Len(t, h.history.entries, 1)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, GradeNone, entry.Grade)
	assert.Equal(t, ReasonStopped, entry.Reason)
	assert.Equal(t, 0, entry.FrameCount)
	assert.Empty(t, entry.ExportPath)
	assert.Equal(t, []string{`{"command":"START"}`, `{"command":"STOP"}`}, h.transport.commands())

	last := h.published.last()
	assert.False(t, last.Active)
	assert.Equal(t, InactiveMessage, last.Message)
}

func TestController_StopExportsAndRecords(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)

	for _, raw := range []string{calmFrame, fastFrame, brutalFrame} {
		h.clock.Advance(250 * time.Millisecond)
		_, err := h.ctrl.HandleFrame([]byte(raw))
		require.NoError(t, err)
	}
	h.clock.Advance(time.Second)

	entry, err := h.ctrl.Stop()
	require.NoError(t, err)

	require.Len(t, h.exporter.summaries, 1)
	summary := h.exporter.summaries[0]
	assert.Equal(t, 3, summary.DataPoints)
	assert.Equal(t, t0.Add(250*time.Millisecond), summary.StartTime)
	assert.Equal(t, t0.Add(750*time.Millisecond), summary.EndTime)

	assert.Equal(t, GradeFail, entry.Grade)
	assert.Equal(t, 3, entry.FrameCount)
	assert.Equal(t, uint(1), entry.HighSpeedCount)
	assert.Equal(t, "/exports/1.json", entry.ExportPath)
	assert.Equal(t, t0, entry.StartedAt)
	assert.Equal(t, t0.Add(1750*time.Millisecond), entry.EndedAt)

	st := h.ctrl.Status()
	assert.Equal(t, StateInactive, st.State)
	assert.Equal(t, Counters{}, st.Counters)
	assert.Equal(t, InitialRiskState(), st.Risk)

	_, err = h.ctrl.Stop()
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestController_TransportLost(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)
	_, err = h.ctrl.HandleFrame([]byte(fastFrame))
	require.NoError(t, err)

	h.transport.connected = false
	h.ctrl.TransportLost()

	require.Len(t, h.history.entries, 1)
	assert.Equal(t, ReasonDisconnected, h.history.entries[0].Reason)
	assert.Equal(t, []string{`{"command":"START"}`}, h.transport.commands())
	assert.Equal(t, DisconnectedMessage, h.published.last().Message)
	assert.Equal(t, StateInactive, h.ctrl.Status().State)

	// Losing the link again while inactive records nothing new.
	h.ctrl.TransportLost()
	assert.Len(t, h.history.entries, 1)
}

func TestController_RefreshRevertsExpiredAlert(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)
	_, err = h.ctrl.HandleFrame([]byte(fastFrame))
	require.NoError(t, err)
	published := len(h.published.updates)

	h.clock.Advance(4 * time.Second)
	h.ctrl.Refresh()
	assert.Len(t, h.published.updates, published, "alert still active")

	h.clock.Advance(time.Second)
	h.ctrl.Refresh()
	require.Len(t, h.published.updates, published+1)
	last := h.published.last()
	assert.False(t, last.Alert.Active)
	assert.Equal(t, SmoothDrivingMessage, last.Message)
	assert.Equal(t, SmoothDrivingMessage, h.ctrl.Status().Message)

	// Nothing further to revert.
	h.ctrl.Refresh()
	assert.Len(t, h.published.updates, published+1)
}

func TestController_RunRefresh(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)
	_, err = h.ctrl.HandleFrame([]byte(fastFrame))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ctrl.RunRefresh(ctx, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.published.last().Message == SmoothDrivingMessage
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestController_ConcurrentFrames(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = h.ctrl.HandleFrame([]byte(calmFrame))
				_ = h.ctrl.Status()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, h.ctrl.Status().FrameCount)
	assert.Len(t, h.ctrl.Frames(), 400)
}

func TestController_IndependentInstances(t *testing.T) {
	a, b := newHarness(t), newHarness(t)
	_, err := a.ctrl.Start()
	require.NoError(t, err)
	_, err = a.ctrl.HandleFrame([]byte(fastFrame))
	require.NoError(t, err)

	assert.Equal(t, StateInactive, b.ctrl.Status().State)
	assert.Equal(t, Counters{}, b.ctrl.Status().Counters)
}

func TestMultiPublisher(t *testing.T) {
	var got []string
	m := MultiPublisher{
		PublisherFunc(func(u Update) { got = append(got, "a:"+u.Message) }),
		nil,
		PublisherFunc(func(u Update) { got = append(got, "b:"+u.Message) }),
	}
	m.Publish(Update{Message: "hi"})
	assert.Equal(t, []string{"a:hi", "b:hi"}, got)
}
