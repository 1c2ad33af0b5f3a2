package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/telemetrix/internal/charts"
	"github.com/banshee-data/telemetrix/internal/httputil"
	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/security"
	"github.com/banshee-data/telemetrix/internal/sessionfile"
	"github.com/banshee-data/telemetrix/internal/telemetry"
)

// maxUploadBytes caps imported history files.
const maxUploadBytes = 32 << 20

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		monitoring.Logf("list history: %v", err)
		httputil.InternalServerError(w, "failed to list history")
		return
	}
	httputil.WriteJSONOK(w, entries)
}

// readUpload returns the uploaded file from a multipart "file" field, or the
// raw request body for any other content type.
func readUpload(w http.ResponseWriter, r *http.Request) (name string, data []byte, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("missing file field: %w", err)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			return "", nil, err
		}
		return security.SanitizeFilename(filepath.Base(hdr.Filename)), data, nil
	}
	data, err = io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	name = security.SanitizeFilename(r.URL.Query().Get("name"))
	return name, data, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (string, telemetry.SessionSummary, bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return "", telemetry.SessionSummary{}, false
	}
	name, data, err := readUpload(w, r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return "", telemetry.SessionSummary{}, false
	}
	summary, err := sessionfile.Parse(data)
	if errors.Is(err, sessionfile.ErrInvalidFormat) {
		httputil.BadRequest(w, err.Error())
		return "", telemetry.SessionSummary{}, false
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return "", telemetry.SessionSummary{}, false
	}
	return name, summary, true
}

func (s *Server) importHistory(w http.ResponseWriter, r *http.Request) {
	name, summary, ok := s.parseUpload(w, r)
	if !ok {
		return
	}
	h := sessionfile.Summarize(name, summary)
	h.MaxSpeed = round(h.MaxSpeed, 1)
	h.MaxAccel = round(h.MaxAccel, 2)
	h.MeanSpeed = round(h.MeanSpeed, 1)
	httputil.WriteJSONOK(w, h)
}

func (s *Server) plotHistory(w http.ResponseWriter, r *http.Request) {
	_, summary, ok := s.parseUpload(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := charts.PlotSession(&buf, summary, s.units); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
