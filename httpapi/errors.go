package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stratal/sessiond/dbres"
	"github.com/stratal/sessiond/sessions"
)

// StatusWrongHostInstance mirrors 421 Misdirected Request: the session
// exists but lives on another instance, so a routing layer can redirect
// instead of retrying blindly.
const StatusWrongHostInstance = http.StatusMisdirectedRequest

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeDomainError maps sentinel errors to HTTP statuses. Conflict means a
// broken token-uniqueness invariant, so it is logged loudly upstream and
// surfaces as a plain 500 here.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrAuthMismatch):
		writeError(w, http.StatusForbidden, "session belongs to a different owner")
	case errors.Is(err, sessions.ErrMalformedToken),
		errors.Is(err, sessions.ErrBadSignature),
		errors.Is(err, sessions.ErrExpired):
		writeError(w, http.StatusUnauthorized, "invalid or expired session token")
	case errors.Is(err, sessions.ErrNotFound):
		writeError(w, http.StatusNotFound, "session does not exist")
	case errors.Is(err, sessions.ErrWrongHostInstance):
		writeError(w, StatusWrongHostInstance, "session is hosted by a different instance")
	case errors.Is(err, sessions.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "invalid resource credentials")
	case errors.Is(err, sessions.ErrConnectionFailure):
		writeError(w, http.StatusBadGateway, "connection to the target resource failed")
	case errors.Is(err, sessions.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "operation exceeded its deadline")
	case errors.Is(err, dbres.ErrReadOnlyViolation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sessions.ErrConflict):
		s.log.Error("token uniqueness invariant violated", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.log.Error("unhandled operation error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
