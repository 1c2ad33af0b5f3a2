package api

import (
	"net/http"
	"strings"

	"github.com/banshee-data/telemetrix/internal/db"
	"github.com/banshee-data/telemetrix/internal/httputil"
	"github.com/banshee-data/telemetrix/internal/monitoring"
)

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.store.Profile(r.Context(), s.userID)
		if err != nil {
			monitoring.Logf("get profile: %v", err)
			httputil.InternalServerError(w, "failed to load profile")
			return
		}
		httputil.WriteJSONOK(w, p)
	case http.MethodPut:
		var p db.Profile
		if err := httputil.DecodeJSON(r, &p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		p.Name = strings.TrimSpace(p.Name)
		p.Vehicle = strings.TrimSpace(p.Vehicle)
		if err := s.store.SaveProfile(r.Context(), s.userID, p); err != nil {
			monitoring.Logf("save profile: %v", err)
			httputil.InternalServerError(w, "failed to save profile")
			return
		}
		saved, err := s.store.Profile(r.Context(), s.userID)
		if err != nil {
			httputil.InternalServerError(w, "failed to load profile")
			return
		}
		httputil.WriteJSONOK(w, saved)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.store.Contacts(r.Context(), s.userID)
		if err != nil {
			monitoring.Logf("get contacts: %v", err)
			httputil.InternalServerError(w, "failed to load contacts")
			return
		}
		httputil.WriteJSONOK(w, contacts)
	case http.MethodPost:
		var c db.Contact
		if err := httputil.DecodeJSON(r, &c); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		c.Name = strings.TrimSpace(c.Name)
		c.Phone = strings.TrimSpace(c.Phone)
		if c.Name == "" || c.Phone == "" {
			httputil.BadRequest(w, "name and phone are required")
			return
		}
		contacts, err := s.store.AddContact(r.Context(), s.userID, c)
		if err != nil {
			monitoring.Logf("add contact: %v", err)
			httputil.InternalServerError(w, "failed to save contact")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, contacts)
	default:
		httputil.MethodNotAllowed(w)
	}
}
