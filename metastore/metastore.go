// Package metastore replicates session *metadata* across broker instances so
// any instance can answer "does this session exist, and which instance hosts
// it". It never carries live handles: the hosting instance's registry remains
// the sole source of truth for whether a connection is alive.
//
// Writes are best-effort and off the critical path of local session
// correctness; an instance keeps serving sessions it owns even while the
// store is unreachable. Records carry a TTL mirroring the session expiry so
// stale mirrors self-expire even if a release message is lost.
package metastore

import (
	"context"
	"time"

	"github.com/stratal/sessiond/sessions"
)

// Store is the contract for a metadata mirror. Records are keyed by the
// capability token.
type Store interface {
	// Put upserts the record under meta.Token with the given TTL.
	Put(ctx context.Context, meta sessions.Metadata, ttl time.Duration) error

	// Get resolves a token to its mirrored record. The second return is
	// false when no record exists; an error is reserved for store failures.
	Get(ctx context.Context, token string) (sessions.Metadata, bool, error)

	// Delete removes the record. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error

	// Close releases backing resources.
	Close() error
}
