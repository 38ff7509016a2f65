package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	owner, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ownerId must be a UUID")
		return
	}
	resource, err := uuid.Parse(req.ResourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "resourceId must be a UUID")
		return
	}
	if owner != callerFrom(r) {
		s.writeDomainError(w, fmt.Errorf("init for owner %s: %w", owner, sessions.ErrAuthMismatch))
		return
	}

	var meta sessions.Metadata
	switch kind {
	case sessions.KindSSH:
		meta, err = s.sshLifecycle.Init(r.Context(), owner, resource, req.sshCredentials())
	case sessions.KindDB:
		meta, err = s.dbLifecycle.Init(r.Context(), owner, resource, req.dbCredentials())
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(meta))
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var meta sessions.Metadata
	switch kind {
	case sessions.KindSSH:
		meta, err = s.sshLifecycle.Keepalive(r.Context(), tokenParam(r), callerFrom(r))
	case sessions.KindDB:
		meta, err = s.dbLifecycle.Keepalive(r.Context(), tokenParam(r), callerFrom(r))
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, KeepAliveResponse{
		SessionToken: meta.Token,
		ExpiresAt:    meta.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch kind {
	case sessions.KindSSH:
		err = s.sshLifecycle.Release(r.Context(), tokenParam(r), callerFrom(r))
	case sessions.KindDB:
		err = s.dbLifecycle.Release(r.Context(), tokenParam(r), callerFrom(r))
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
