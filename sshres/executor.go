package sshres

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

// Borrower yields a live SSH handle for the duration of one operation,
// after verifying the token, ownership, locality and expiry.
type Borrower interface {
	Borrow(ctx context.Context, token string, caller uuid.UUID, fn func(context.Context, *Handle) error) error
}

// Executor runs SSH operations against brokered sessions. Every operation
// borrows the handle for exactly one call; none of them extend the session's
// expiry.
type Executor struct {
	sessions Borrower
	log      *slog.Logger
}

// NewExecutor builds an executor over the given session source.
func NewExecutor(sessions Borrower, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{sessions: sessions, log: log}
}

// Execute runs one command on the session's remote host. A zero timeout
// selects DefaultCommandTimeout; positive values are clamped to
// MinCommandTimeout.
func (e *Executor) Execute(ctx context.Context, token string, caller uuid.UUID, command string, timeout time.Duration) (CommandResult, error) {
	var res CommandResult
	err := e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		var err error
		res, err = h.Exec(ctx, command, timeout)
		return err
	})
	if err != nil {
		return CommandResult{}, err
	}
	e.log.Debug("remote command finished",
		"token_digest", sessions.TokenDigest(token),
		"exit_status", res.ExitStatus,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// ListDir lists a directory on the session's remote host.
func (e *Executor) ListDir(ctx context.Context, token string, caller uuid.UUID, remotePath string) ([]FileEntry, error) {
	var entries []FileEntry
	err := e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		var err error
		entries, err = h.ListDir(ctx, remotePath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Download reads a remote file in full.
func (e *Executor) Download(ctx context.Context, token string, caller uuid.UUID, remotePath string) ([]byte, error) {
	var data []byte
	err := e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		var err error
		data, err = h.Download(ctx, remotePath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Upload writes content as fileName inside remoteDir on the remote host.
func (e *Executor) Upload(ctx context.Context, token string, caller uuid.UUID, remoteDir, fileName string, content io.Reader) error {
	return e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		return h.Upload(ctx, remoteDir, fileName, content)
	})
}
