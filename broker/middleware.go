package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

// Lifecycle is the session lifecycle surface a Broker exposes, extracted as
// an interface so cross-cutting concerns wrap it as plain decorators instead
// of living inside the broker.
type Lifecycle[C any] interface {
	Init(ctx context.Context, ownerID, resourceID uuid.UUID, creds C) (sessions.Metadata, error)
	Keepalive(ctx context.Context, token string, caller uuid.UUID) (sessions.Metadata, error)
	Release(ctx context.Context, token string, caller uuid.UUID) error
}

// WithLogging wraps a lifecycle with per-operation structured logs carrying
// outcome and latency. Tokens are logged as digests only.
func WithLogging[C any](next Lifecycle[C], log *slog.Logger) Lifecycle[C] {
	if log == nil {
		log = slog.Default()
	}
	return &loggingLifecycle[C]{next: next, log: log}
}

type loggingLifecycle[C any] struct {
	next Lifecycle[C]
	log  *slog.Logger
}

func (l *loggingLifecycle[C]) Init(ctx context.Context, ownerID, resourceID uuid.UUID, creds C) (sessions.Metadata, error) {
	start := time.Now()
	meta, err := l.next.Init(ctx, ownerID, resourceID, creds)
	l.observe(ctx, "init", start, err, "owner_id", ownerID.String(), "resource_id", resourceID.String())
	return meta, err
}

func (l *loggingLifecycle[C]) Keepalive(ctx context.Context, token string, caller uuid.UUID) (sessions.Metadata, error) {
	start := time.Now()
	meta, err := l.next.Keepalive(ctx, token, caller)
	l.observe(ctx, "keepalive", start, err, "token_digest", sessions.TokenDigest(token))
	return meta, err
}

func (l *loggingLifecycle[C]) Release(ctx context.Context, token string, caller uuid.UUID) error {
	start := time.Now()
	err := l.next.Release(ctx, token, caller)
	l.observe(ctx, "release", start, err, "token_digest", sessions.TokenDigest(token))
	return err
}

func (l *loggingLifecycle[C]) observe(ctx context.Context, op string, start time.Time, err error, args ...any) {
	args = append(args, "op", op, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		args = append(args, "err", err)
		l.log.WarnContext(ctx, "lifecycle operation failed", args...)
		return
	}
	l.log.DebugContext(ctx, "lifecycle operation", args...)
}

// WithMaxInFlight caps concurrently executing lifecycle operations. Init in
// particular can hold a connect for seconds; the cap keeps a burst of inits
// from exhausting file descriptors. Waiters respect context cancellation and
// report sessions.ErrTimeout when the context dies in the queue.
func WithMaxInFlight[C any](next Lifecycle[C], n int) Lifecycle[C] {
	if n <= 0 {
		return next
	}
	return &limitedLifecycle[C]{next: next, slots: make(chan struct{}, n)}
}

type limitedLifecycle[C any] struct {
	next  Lifecycle[C]
	slots chan struct{}
}

func (l *limitedLifecycle[C]) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lifecycle slot: %w", sessions.ErrTimeout)
	}
}

func (l *limitedLifecycle[C]) release() { <-l.slots }

func (l *limitedLifecycle[C]) Init(ctx context.Context, ownerID, resourceID uuid.UUID, creds C) (sessions.Metadata, error) {
	if err := l.acquire(ctx); err != nil {
		return sessions.Metadata{}, err
	}
	defer l.release()
	return l.next.Init(ctx, ownerID, resourceID, creds)
}

func (l *limitedLifecycle[C]) Keepalive(ctx context.Context, token string, caller uuid.UUID) (sessions.Metadata, error) {
	if err := l.acquire(ctx); err != nil {
		return sessions.Metadata{}, err
	}
	defer l.release()
	return l.next.Keepalive(ctx, token, caller)
}

func (l *limitedLifecycle[C]) Release(ctx context.Context, token string, caller uuid.UUID) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.next.Release(ctx, token, caller)
}
