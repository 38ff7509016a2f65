package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleHostKeyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hostKeys.All())
}

func (s *Server) handleHostKeyTrust(w http.ResponseWriter, r *http.Request) {
	var req TrustHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Host == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "host and key are required")
		return
	}
	entry, err := s.hostKeys.Trust(req.Host, req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("host key trusted", "host", entry.Host, "fingerprint", entry.Fingerprint)
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleHostKeyForget(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	s.hostKeys.Forget(host)
	w.WriteHeader(http.StatusNoContent)
}
