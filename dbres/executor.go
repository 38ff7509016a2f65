package dbres

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

// Borrower yields a live database handle for the duration of one operation,
// after verifying the token, ownership, locality and expiry.
type Borrower interface {
	Borrow(ctx context.Context, token string, caller uuid.UUID, fn func(context.Context, *Handle) error) error
}

// Executor runs database operations against brokered sessions. No operation
// extends the session's expiry.
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

// Query runs one SQL statement on the session's connection.
func (e *Executor) Query(ctx context.Context, token string, caller uuid.UUID, query string, readOnly bool, timeout time.Duration) (QueryResult, error) {
	var res QueryResult
	err := e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		var err error
		res, err = h.Query(ctx, query, readOnly, timeout)
		return err
	})
	if err != nil {
		return QueryResult{}, err
	}
	e.log.Debug("query finished",
		"token_digest", sessions.TokenDigest(token),
		"rows", len(res.Rows),
		"rows_affected", res.RowsAffected,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Schema introspects the session's database.
func (e *Executor) Schema(ctx context.Context, token string, caller uuid.UUID) (SchemaInfo, error) {
	var info SchemaInfo
	err := e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		var err error
		info, err = h.Schema(ctx)
		return err
	})
	if err != nil {
		return SchemaInfo{}, err
	}
	return info, nil
}

// TestConnection probes the session's connection liveness.
func (e *Executor) TestConnection(ctx context.Context, token string, caller uuid.UUID) error {
	return e.sessions.Borrow(ctx, token, caller, func(ctx context.Context, h *Handle) error {
		return h.Ping(ctx)
	})
}
