package httpapi

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
)

// maxUploadBytes bounds in-memory buffering of multipart uploads.
const maxUploadBytes = 32 << 20

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	res, err := s.sshExec.Execute(r.Context(), tokenParam(r), callerFrom(r), req.Command, timeoutFromMillis(req.TimeoutMs))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(res))
}

func (s *Server) handleSFTPList(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	entries, err := s.sshExec.ListDir(r.Context(), tokenParam(r), callerFrom(r), remotePath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileEntryResponses(entries))
}

func (s *Server) handleSFTPDownload(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	data, err := s.sshExec.Download(r.Context(), tokenParam(r), callerFrom(r), remotePath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	filename := path.Base(remotePath)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSFTPUpload(w http.ResponseWriter, r *http.Request) {
	targetDir := r.URL.Query().Get("path")
	if targetDir == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	fileName := path.Base(header.Filename)
	if fileName == "" || fileName == "." || fileName == "/" {
		writeError(w, http.StatusBadRequest, "upload has no usable file name")
		return
	}
	if err := s.sshExec.Upload(r.Context(), tokenParam(r), callerFrom(r), targetDir, fileName, file); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDBQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	res, err := s.dbExec.Query(r.Context(), tokenParam(r), callerFrom(r), req.Query, req.ReadOnly, timeoutFromMillis(req.TimeoutMs))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse(res))
}

func (s *Server) handleDBSchema(w http.ResponseWriter, r *http.Request) {
	info, err := s.dbExec.Schema(r.Context(), tokenParam(r), callerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDBTestConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.dbExec.TestConnection(r.Context(), tokenParam(r), callerFrom(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
