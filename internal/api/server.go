// Package api serves the TeleMetrix HTTP API, the live update stream and
// the dashboard.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetrix/internal/charts"
	"github.com/banshee-data/telemetrix/internal/db"
	"github.com/banshee-data/telemetrix/internal/httputil"
	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
	"github.com/banshee-data/telemetrix/internal/version"
)

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Session is the session controller as seen by the HTTP layer.
type Session interface {
	Start() (uuid.UUID, error)
	Stop() (telemetry.HistoryEntry, error)
	Status() telemetry.Status
	Route() []telemetry.LatLon
}

// Store holds session history and the user's profile blobs.
type Store interface {
	ListSessions(ctx context.Context, limit int) ([]telemetry.HistoryEntry, error)
	Profile(ctx context.Context, userID string) (db.Profile, error)
	SaveProfile(ctx context.Context, userID string, p db.Profile) error
	Contacts(ctx context.Context, userID string) ([]db.Contact, error)
	AddContact(ctx context.Context, userID string, c db.Contact) ([]db.Contact, error)
}

// Config wires a Server. Hub, Charts and Static are optional.
type Config struct {
	Session Session
	Store   Store
	Hub     *Hub
	Charts  *charts.Window
	// Static serves the dashboard at /.
	Static fs.FS
	UserID string
	Units  string
	// Source describes the device link for the status endpoint.
	Source string
}

type Server struct {
	session Session
	store   Store
	hub     *Hub
	charts  *charts.Window
	static  fs.FS
	userID  string
	units   string
	source  string
}

func NewServer(cfg Config) *Server {
	u := cfg.Units
	if !units.IsValid(u) {
		u = units.KMPH
	}
	return &Server{
		session: cfg.Session,
		store:   cfg.Store,
		hub:     cfg.Hub,
		charts:  cfg.Charts,
		static:  cfg.Static,
		userID:  cfg.UserID,
		units:   u,
		source:  cfg.Source,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Admin routes under /debug/ are attached
// separately by the caller.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.startSession)
	mux.HandleFunc("/api/session/stop", s.stopSession)
	mux.HandleFunc("/api/session/route", s.showRoute)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/stream", s.streamUpdates)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/history/import", s.importHistory)
	mux.HandleFunc("/api/history/plot", s.plotHistory)
	mux.HandleFunc("/api/profile", s.handleProfile)
	mux.HandleFunc("/api/contacts", s.handleContacts)
	mux.HandleFunc("/charts/live", s.showLiveCharts)
	if s.static != nil {
		mux.Handle("/", http.FileServer(http.FS(s.static)))
	}
	return mux
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, err := s.session.Start()
	switch {
	case errors.Is(err, telemetry.ErrNotConnected), errors.Is(err, telemetry.ErrAlreadyActive):
		httputil.Conflict(w, err.Error())
		return
	case err != nil:
		monitoring.Logf("start session: %v", err)
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"id": id.String()})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	entry, err := s.session.Stop()
	if errors.Is(err, telemetry.ErrNotActive) {
		httputil.Conflict(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, entry)
}

func (s *Server) showRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.session.Route())
}

// StatusResponse is the controller status plus presentation details.
type StatusResponse struct {
	telemetry.Status
	Source       string  `json:"source"`
	Units        string  `json:"units"`
	DisplaySpeed float64 `json:"displaySpeed"`
	Version      string  `json:"version"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.session.Status()
	resp := StatusResponse{
		Status:  st,
		Source:  s.source,
		Units:   s.units,
		Version: version.Version,
	}
	if st.Last != nil {
		resp.DisplaySpeed = units.ConvertSpeed(st.Last.Speed, s.units)
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showLiveCharts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.charts == nil {
		httputil.NotFound(w, "live charts are disabled")
		return
	}
	var buf bytes.Buffer
	if err := charts.RenderLive(&buf, s.charts.Points(), s.units); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
