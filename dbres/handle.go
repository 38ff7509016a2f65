package dbres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stratal/sessiond/sessions"
)

const (
	// DefaultQueryTimeout applies when a query request carries no explicit
	// timeout.
	DefaultQueryTimeout = 60 * time.Second
	// MinQueryTimeout is the floor for caller-supplied query timeouts.
	MinQueryTimeout = 100 * time.Millisecond
)

// ErrReadOnlyViolation reports a mutating statement submitted to a
// read-only query request.
var ErrReadOnlyViolation = errors.New("dbres: statement not allowed in read-only mode")

// QueryResult is the outcome of one statement execution. Statements that
// produce rows fill Columns and Rows; others fill RowsAffected. The HTTP
// layer owns the wire encoding.
type QueryResult struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	Duration     time.Duration
}

// Handle is one live database connection. It satisfies sessions.Handle.
type Handle struct {
	db     *sql.DB
	family Family
}

var _ sessions.Handle = (*Handle)(nil)

// Close releases the underlying connection.
func (h *Handle) Close() error {
	return h.db.Close()
}

// Family reports the engine this handle is connected to.
func (h *Handle) Family() Family { return h.family }

// Ping probes connection liveness within the context's deadline.
func (h *Handle) Ping(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("dbres: ping: %w: %v", sessions.ErrConnectionFailure, err)
	}
	return nil
}

// mutatingKeywords flags statements rejected in read-only mode. A keyword
// scan is deliberately conservative: it can reject an exotic read, never
// admit a write by oversight.
var mutatingKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER",
	"TRUNCATE", "MERGE", "REPLACE", "GRANT", "REVOKE", "ATTACH",
}

func violatesReadOnly(query string) bool {
	upper := strings.ToUpper(query)
	for _, kw := range mutatingKeywords {
		if idx := strings.Index(upper, kw); idx >= 0 {
			before := idx == 0 || !isWordByte(upper[idx-1])
			after := idx+len(kw) == len(upper) || !isWordByte(upper[idx+len(kw)])
			if before && after {
				return true
			}
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// returnsRows decides whether to run the statement through Query or Exec.
func returnsRows(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "PRAGMA", "VALUES", "DESCRIBE", "TABLE"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// Query runs one SQL statement with a bounded timeout. readOnly rejects
// statements containing mutating keywords before they reach the engine.
// Timeouts surface as sessions.ErrTimeout; the connection stays usable.
func (h *Handle) Query(ctx context.Context, query string, readOnly bool, timeout time.Duration) (QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return QueryResult{}, errors.New("dbres: empty query")
	}
	if readOnly && violatesReadOnly(query) {
		return QueryResult{}, fmt.Errorf("%w: %.60s", ErrReadOnlyViolation, query)
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	} else if timeout < MinQueryTimeout {
		timeout = MinQueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if !returnsRows(query) {
		res, err := h.db.ExecContext(qctx, query)
		if err != nil {
			return QueryResult{Duration: time.Since(start)}, h.mapQueryError(qctx, err)
		}
		affected, _ := res.RowsAffected()
		return QueryResult{RowsAffected: affected, Duration: time.Since(start)}, nil
	}

	rows, err := h.db.QueryContext(qctx, query)
	if err != nil {
		return QueryResult{Duration: time.Since(start)}, h.mapQueryError(qctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{Duration: time.Since(start)}, fmt.Errorf("dbres: columns: %w", err)
	}

	out := QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{Duration: time.Since(start)}, fmt.Errorf("dbres: scan: %w", err)
		}
		for i, v := range values {
			// Raw byte slices render as base64 in JSON; text is friendlier
			// and matches what a SQL console shows.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{Duration: time.Since(start)}, h.mapQueryError(qctx, err)
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (h *Handle) mapQueryError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("dbres: query: %w", sessions.ErrTimeout)
	}
	return fmt.Errorf("dbres: query: %w", err)
}
