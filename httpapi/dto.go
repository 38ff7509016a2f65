package httpapi

import (
	"time"

	"github.com/stratal/sessiond/dbres"
	"github.com/stratal/sessiond/sessions"
	"github.com/stratal/sessiond/sshres"
)

// Timestamps ride the wire as epoch milliseconds.

// SessionResponse describes a newly initialized session.
type SessionResponse struct {
	SessionToken      string            `json:"sessionToken"`
	OwnerID           string            `json:"ownerId"`
	ResourceID        string            `json:"resourceId"`
	Kind              string            `json:"kind"`
	CreatedAt         int64             `json:"createdAt"`
	ExpiresAt         int64             `json:"expiresAt"`
	HostingInstanceID string            `json:"hostingInstanceId"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// KeepAliveResponse carries the rotated token and new expiry.
type KeepAliveResponse struct {
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func sessionResponse(meta sessions.Metadata) SessionResponse {
	return SessionResponse{
		SessionToken:      meta.Token,
		OwnerID:           meta.Key.OwnerID.String(),
		ResourceID:        meta.Key.ResourceID.String(),
		Kind:              string(meta.Key.Kind),
		CreatedAt:         meta.CreatedAt.UnixMilli(),
		ExpiresAt:         meta.ExpiresAt.UnixMilli(),
		HostingInstanceID: meta.HostingInstanceID,
		Attributes:        meta.Attrs,
	}
}

// InitRequest is the body of POST /api/lifecycle/{kind}/init. OwnerID must
// match the authenticated caller. The credential fields are used per kind
// and never echoed back.
type InitRequest struct {
	OwnerID    string `json:"ownerId"`
	ResourceID string `json:"resourceId"`

	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// SSH only.
	PrivateKeyPEM string `json:"privateKeyPem,omitempty"`

	// DB only.
	Family   string `json:"family,omitempty"`
	Database string `json:"database,omitempty"`
}

func (req InitRequest) sshCredentials() sshres.Credentials {
	return sshres.Credentials{
		Host:          req.Host,
		Port:          req.Port,
		Username:      req.Username,
		Password:      req.Password,
		PrivateKeyPEM: []byte(req.PrivateKeyPEM),
	}
}

func (req InitRequest) dbCredentials() dbres.Credentials {
	return dbres.Credentials{
		Family:   dbres.Family(req.Family),
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		Username: req.Username,
		Password: req.Password,
	}
}

// CommandRequest is the body of POST execute-command.
type CommandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// CommandResponse is the outcome of one remote command.
type CommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus int    `json:"exitStatus"`
	DurationMs int64  `json:"durationMs"`
}

func commandResponse(res sshres.CommandResult) CommandResponse {
	return CommandResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitStatus: res.ExitStatus,
		DurationMs: res.Duration.Milliseconds(),
	}
}

// QueryRequest is the body of POST /api/ops/db/{token}/query.
type QueryRequest struct {
	Query     string `json:"query"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// QueryResponse is the outcome of one SQL statement.
type QueryResponse struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rowsAffected"`
	DurationMs   int64    `json:"durationMs"`
}

func queryResponse(res dbres.QueryResult) QueryResponse {
	return QueryResponse{
		Columns:      res.Columns,
		Rows:         res.Rows,
		RowsAffected: res.RowsAffected,
		DurationMs:   res.Duration.Milliseconds(),
	}
}

// FileEntryResponse describes one remote directory entry.
type FileEntryResponse struct {
	Name        string `json:"name"`
	IsDir       bool   `json:"isDir"`
	Size        int64  `json:"size"`
	ModifiedAt  int64  `json:"modifiedAt"`
	Permissions string `json:"permissions"`
}

func fileEntryResponses(entries []sshres.FileEntry) []FileEntryResponse {
	out := make([]FileEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileEntryResponse{
			Name:        e.Name,
			IsDir:       e.IsDir,
			Size:        e.Size,
			ModifiedAt:  e.ModTime.UnixMilli(),
			Permissions: e.Permissions,
		})
	}
	return out
}

// TrustHostRequest is the body of POST /api/hostkeys.
type TrustHostRequest struct {
	Host string `json:"host"`
	Key  string `json:"key"`
}

func timeoutFromMillis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
