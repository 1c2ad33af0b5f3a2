package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetrix/internal/charts"
	"github.com/banshee-data/telemetrix/internal/db"
	"github.com/banshee-data/telemetrix/internal/devicemux"
	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/sessionfile"
	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/testutil"
	"github.com/banshee-data/telemetrix/internal/timeutil"
)

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	mux    *http.ServeMux
	ctrl   *telemetry.Controller
	device *devicemux.Mux
	port   *devicemux.TestablePort
	clock  *timeutil.MockClock
	store  *db.DB
	files  *fsutil.MemoryFileSystem
	window *charts.Window
	hub    *Hub
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	store, err := db.NewDB(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		device: devicemux.New(nil),
		port:   devicemux.NewTestablePort(),
		clock:  timeutil.NewMockClock(t0),
		store:  store,
		files:  fsutil.NewMemoryFileSystem(),
		window: charts.NewWindow(20),
		hub:    NewHub(),
	}
	t.Cleanup(env.hub.Close)

	env.ctrl = telemetry.NewController(telemetry.ControllerConfig{
		Transport: env.device,
		Exporter:  &sessionfile.Writer{Dir: "/exports", FS: env.files},
		History:   store,
		Publisher: telemetry.MultiPublisher{env.hub, env.window},
		Clock:     env.clock,
	})
	env.server = NewServer(Config{
		Session: env.ctrl,
		Store:   store,
		Hub:     env.hub,
		Charts:  env.window,
		Static:  Dashboard(),
		UserID:  "kamal@example.com",
		Units:   "mph",
		Source:  "ws://192.168.4.1/ws",
	})
	env.mux = env.server.ServeMux()
	return env
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) drive(t *testing.T) {
	t.Helper()
	for _, line := range testutil.Drive {
		e.clock.Advance(100 * time.Millisecond)
		_, err := e.ctrl.HandleFrame([]byte(line))
		require.NoError(t, err)
	}
}

func TestStartSession_NotConnected(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodPost, "/api/session/start", nil)
	testutil.AssertStatusCode(t, w, http.StatusConflict)
	assert.Contains(t, w.Body.String(), telemetry.ErrNotConnected.Error())
	assert.Equal(t, telemetry.StateInactive, env.ctrl.Status().State)
	assert.Empty(t, env.port.Written())
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestServer(t)
	env.device.Attach(env.port)

	w := env.do(http.MethodGet, "/api/session/start", nil)
	testutil.AssertStatusCode(t, w, http.StatusMethodNotAllowed)

	w = env.do(http.MethodPost, "/api/session/start", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var started map[string]string
	testutil.DecodeBody(t, w, &started)
	assert.NotEmpty(t, started["id"])
	assert.Equal(t, "{\"command\":\"START\"}\n", env.port.Written())

	w = env.do(http.MethodPost, "/api/session/start", nil)
	testutil.AssertStatusCode(t, w, http.StatusConflict)

	env.drive(t)

	w = env.do(http.MethodGet, "/api/status", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var st struct {
		State        string  `json:"state"`
		Connected    bool    `json:"connected"`
		SessionID    string  `json:"sessionId"`
		FrameCount   int     `json:"frameCount"`
		Source       string  `json:"source"`
		Units        string  `json:"units"`
		DisplaySpeed float64 `json:"displaySpeed"`
		Counters     struct {
			HighSpeed uint `json:"highSpeed"`
			SharpTurn uint `json:"sharpTurn"`
		} `json:"counters"`
	}
	testutil.DecodeBody(t, w, &st)
	assert.Equal(t, "active", st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, started["id"], st.SessionID)
	assert.Equal(t, len(testutil.Drive), st.FrameCount)
	assert.Equal(t, "ws://192.168.4.1/ws", st.Source)
	assert.Equal(t, "mph", st.Units)
	assert.InDelta(t, 35*0.621371, st.DisplaySpeed, 1e-9)
	// The sharp turn lands inside the high-speed cooldown.
	assert.Equal(t, uint(1), st.Counters.HighSpeed)
	assert.Equal(t, uint(0), st.Counters.SharpTurn)

	w = env.do(http.MethodGet, "/api/session/route", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var route []telemetry.LatLon
	testutil.DecodeBody(t, w, &route)
	assert.Len(t, route, len(testutil.Drive))

	w = env.do(http.MethodGet, "/charts/live", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "last 5 samples")

	env.clock.Advance(time.Second)
	w = env.do(http.MethodPost, "/api/session/stop", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var entry struct {
		ID         string `json:"id"`
		Grade      string `json:"grade"`
		FrameCount int    `json:"frameCount"`
		ExportPath string `json:"exportPath"`
		Reason     string `json:"reason"`
	}
	testutil.DecodeBody(t, w, &entry)
	assert.Equal(t, started["id"], entry.ID)
	assert.Equal(t, "stopped", entry.Reason)
	assert.Equal(t, len(testutil.Drive), entry.FrameCount)
	assert.Equal(t, "/exports/"+sessionfile.FileName(t0), entry.ExportPath)
	assert.True(t, env.files.Exists(entry.ExportPath))
	assert.True(t, strings.HasSuffix(env.port.Written(), "{\"command\":\"STOP\"}\n"))

	w = env.do(http.MethodPost, "/api/session/stop", nil)
	testutil.AssertStatusCode(t, w, http.StatusConflict)

	w = env.do(http.MethodGet, "/api/history", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var history []telemetry.HistoryEntry
	testutil.DecodeBody(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, entry.Grade, string(history[0].Grade))

	w = env.do(http.MethodGet, "/api/history?limit=abc", nil)
	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func exportedSession(t *testing.T) []byte {
	t.Helper()
	log := telemetry.NewSessionLog()
	for i, speed := range []float64{20, 101.26, 64} {
		log.Append(telemetry.Frame{
			Speed:     speed,
			Accel:     telemetry.Vector3{X: 3, Y: 4, Z: float64(i)},
			Timestamp: t0.Add(time.Duration(i) * 95 * time.Second),
		})
	}
	s, err := log.Export()
	require.NoError(t, err)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return data
}

func TestImportHistory_RawBody(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodPost, "/api/history/import?name=drive.json", exportedSession(t))
	testutil.AssertStatusCode(t, w, http.StatusOK)

	var h sessionfile.HistorySummary
	testutil.DecodeBody(t, w, &h)
	assert.Equal(t, "drive.json", h.FileName)
	assert.Equal(t, "3 min, 10 sec", h.DurationStr)
	assert.Equal(t, 101.3, h.MaxSpeed)
	assert.Equal(t, 5.39, h.MaxAccel)
	assert.Equal(t, 3, h.DataPoints)
}

func TestImportHistory_Multipart(t *testing.T) {
	env := setupTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "TeleMetrix_Session_2025-03-01T08-00-00.json")
	require.NoError(t, err)
	_, err = fw.Write(exportedSession(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/history/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	var h sessionfile.HistorySummary
	testutil.DecodeBody(t, w, &h)
	assert.Equal(t, "TeleMetrix_Session_2025-03-01T08-00-00.json", h.FileName)
}

func TestImportHistory_Invalid(t *testing.T) {
	env := setupTestServer(t)

	for _, body := range []string{`{}`, `[]`, `garbage`, ``} {
		w := env.do(http.MethodPost, "/api/history/import", []byte(body))
		testutil.AssertStatusCode(t, w, http.StatusBadRequest)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/history/import", strings.NewReader("x"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nothing")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func TestPlotHistory(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodPost, "/api/history/plot", exportedSession(t))
	testutil.AssertStatusCode(t, w, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = env.do(http.MethodPost, "/api/history/plot", []byte(`{}`))
	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func TestProfile(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodGet, "/api/profile", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	var p db.Profile
	testutil.DecodeBody(t, w, &p)
	assert.Equal(t, db.Profile{Name: "kamal", Vehicle: db.DefaultVehicle}, p)

	w = env.do(http.MethodPut, "/api/profile", []byte(`{"name":" Kamal Perera ","vehicle":"Honda CB650R"}`))
	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.DecodeBody(t, w, &p)
	assert.Equal(t, db.Profile{Name: "Kamal Perera", Vehicle: "Honda CB650R"}, p)

	w = env.do(http.MethodPut, "/api/profile", []byte(`{"name":"x","age":40}`))
	testutil.AssertStatusCode(t, w, http.StatusBadRequest)

	w = env.do(http.MethodDelete, "/api/profile", nil)
	testutil.AssertStatusCode(t, w, http.StatusMethodNotAllowed)
}

func TestContacts(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodGet, "/api/contacts", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(http.MethodPost, "/api/contacts", []byte(`{"name":"Amma","phone":"+94 77 123 4567"}`))
	testutil.AssertStatusCode(t, w, http.StatusCreated)
	w = env.do(http.MethodPost, "/api/contacts", []byte(`{"name":"Nimal","phone":"+94 71 765 4321"}`))
	testutil.AssertStatusCode(t, w, http.StatusCreated)

	var contacts []db.Contact
	testutil.DecodeBody(t, w, &contacts)
	assert.Equal(t, []db.Contact{
		{Name: "Amma", Phone: "+94 77 123 4567"},
		{Name: "Nimal", Phone: "+94 71 765 4321"},
	}, contacts)

	w = env.do(http.MethodPost, "/api/contacts", []byte(`{"name":"NoPhone"}`))
	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func TestLiveCharts_Disabled(t *testing.T) {
	s := NewServer(Config{Units: "furlongs"})
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/charts/live", nil))
	testutil.AssertStatusCode(t, w, http.StatusNotFound)
	assert.Equal(t, "kmph", s.units)
}

func TestDashboard(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodGet, "/", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), "<title>TeleMetrix</title>")

	w = env.do(http.MethodGet, "/app.js", nil)
	testutil.AssertStatusCode(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "ms")
	assert.Equal(t, colorBoldRed+"418"+colorReset, statusCodeColor(418))
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
}
