// Package broker orchestrates the lifecycle of ephemeral remote-resource
// sessions: init (authenticate, connect, register, issue a capability
// token), keepalive (verify, check ownership, extend), release (deregister,
// close), and the borrow path resource executors use to run one operation
// against a live handle.
//
// One Broker is instantiated per resource kind, generic over the handle type
// and the credential type of its connector. Session metadata is mirrored to
// a metastore.Store so other instances can tell a foreign session from a
// nonexistent one; mirror writes are best-effort and never gate local
// correctness.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/metastore"
	"github.com/stratal/sessiond/sessions"
	"github.com/stratal/sessiond/tokens"
)

// ConnectFunc establishes the live connection for a new session. It returns
// the handle plus redacted descriptive attributes (host, port, username —
// never credentials) that become part of the session metadata.
type ConnectFunc[H sessions.Handle, C any] func(ctx context.Context, creds C) (H, map[string]string, error)

// Config carries the per-broker tuning knobs. Zero values fall back to
// conservative defaults.
type Config struct {
	// InstanceID identifies this process in mirrored metadata. Required.
	InstanceID string
	// SessionTTL is the lifetime granted at init and on every keepalive.
	// Default 30m.
	SessionTTL time.Duration
	// ConnectTimeout bounds the connect/authenticate step of init.
	// Default 10s.
	ConnectTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now. Injected by tests.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// pinger is implemented by handles that can probe connection liveness.
// Keepalive uses it so a dead connection is torn down instead of renewed.
type pinger interface {
	Ping(ctx context.Context) error
}

// Broker is the lifecycle manager for one resource kind. It is safe for
// concurrent use; operations on distinct tokens proceed independently, and
// racing operations on the same token serialize at the registry so exactly
// one of them wins.
type Broker[H sessions.Handle, C any] struct {
	kind     sessions.Kind
	connect  ConnectFunc[H, C]
	registry *sessions.Registry[H]
	codec    *tokens.Codec
	store    metastore.Store
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New builds a broker for the given kind. store may be nil for
// single-instance deployments without a metadata mirror.
func New[H sessions.Handle, C any](kind sessions.Kind, connect ConnectFunc[H, C], codec *tokens.Codec, store metastore.Store, cfg Config) (*Broker[H, C], error) {
	if connect == nil {
		return nil, errors.New("broker: connect func is required")
	}
	if codec == nil {
		return nil, errors.New("broker: token codec is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("broker: instance id is required")
	}
	cfg.applyDefaults()
	return &Broker[H, C]{
		kind:     kind,
		connect:  connect,
		registry: sessions.NewRegistry[H](),
		codec:    codec,
		store:    store,
		cfg:      cfg,
		log:      cfg.Logger.With("kind", string(kind)),
		now:      cfg.Clock,
	}, nil
}

// Kind reports which resource kind this broker manages.
func (b *Broker[H, C]) Kind() sessions.Kind { return b.kind }

// ActiveSessions reports the number of live entries hosted by this instance.
func (b *Broker[H, C]) ActiveSessions() int { return b.registry.Len() }

// Init establishes a live connection for (ownerID, resourceID) and registers
// it as a new session. A prior session for the same key on this instance is
// torn down first, so at most one live session exists per SessionKey.
// Connect/authenticate failures surface as sessions.ErrConnectionFailure.
func (b *Broker[H, C]) Init(ctx context.Context, ownerID, resourceID uuid.UUID, creds C) (sessions.Metadata, error) {
	key := sessions.SessionKey{OwnerID: ownerID, ResourceID: resourceID, Kind: b.kind}

	if stale, ok := b.registry.Lookup(key); ok {
		b.log.Info("replacing stale session on re-init", "session_key", key.String())
		b.teardown(ctx, stale.Metadata.Token)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	handle, attrs, err := b.connect(cctx, creds)
	if err != nil {
		// A structurally unusable descriptor is the caller's mistake, not a
		// failure of the target resource.
		if !errors.Is(err, sessions.ErrConnectionFailure) && !errors.Is(err, sessions.ErrInvalidCredentials) {
			err = fmt.Errorf("%w: %v", sessions.ErrConnectionFailure, err)
		}
		return sessions.Metadata{}, fmt.Errorf("init %s: %w", key, err)
	}

	now := b.now().UTC()
	token, claims, err := b.codec.Issue(key, b.cfg.SessionTTL)
	if err != nil {
		_ = handle.Close()
		return sessions.Metadata{}, fmt.Errorf("init %s: %w", key, err)
	}

	meta := sessions.Metadata{
		Key:               key,
		Token:             token,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         claims.ExpiresAt,
		HostingInstanceID: b.cfg.InstanceID,
		Attrs:             attrs,
	}
	prev, displaced, err := b.registry.Register(meta, handle)
	if err != nil {
		_ = handle.Close()
		if errors.Is(err, sessions.ErrConflict) {
			// Token uniqueness violated: a bug, not a caller error.
			b.log.Error("token collision on register", "session_key", key.String(), "token_digest", sessions.TokenDigest(token))
		}
		return sessions.Metadata{}, fmt.Errorf("init %s: %w", key, err)
	}
	if displaced {
		// A concurrent init for the same key slipped in between the stale
		// check and our register; its session loses.
		b.log.Info("displaced concurrent session on init", "session_key", key.String())
		if cerr := prev.Handle.Close(); cerr != nil {
			b.log.Warn("close on displaced session failed", "session_key", key.String(), "err", cerr)
		}
		b.unmirror(ctx, prev.Metadata.Token)
	}

	b.mirror(ctx, meta)
	b.log.Info("session initialized",
		"session_key", key.String(),
		"token_digest", sessions.TokenDigest(token),
		"expires_at", meta.ExpiresAt)
	return meta, nil
}

// Keepalive extends the session's expiry by the configured TTL counted from
// now (not from the old expiry) and rotates the capability token. The old
// token stops resolving the moment Keepalive returns.
func (b *Broker[H, C]) Keepalive(ctx context.Context, token string, caller uuid.UUID) (sessions.Metadata, error) {
	claims, err := b.authorize(token, caller)
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("keepalive: %w", err)
	}

	now := b.now().UTC()
	entry, err := b.registry.Get(token)
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("keepalive: %w", b.classifyMissing(ctx, token, now))
	}
	if entry.Metadata.Expired(now) {
		b.teardown(ctx, token)
		return sessions.Metadata{}, fmt.Errorf("keepalive: %w", sessions.ErrExpired)
	}
	if p, ok := any(entry.Handle).(pinger); ok {
		if pingErr := p.Ping(ctx); pingErr != nil {
			// The connection died underneath us; renewing it would hand
			// the caller a live-looking token over a dead handle.
			b.log.Warn("dead handle on keepalive", "session_key", claims.Key.String(), "err", pingErr)
			b.teardown(ctx, token)
			return sessions.Metadata{}, fmt.Errorf("keepalive: %w", sessions.ErrNotFound)
		}
	}

	newToken, newClaims, err := b.codec.Issue(claims.Key, b.cfg.SessionTTL)
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("keepalive: %w", err)
	}
	rekeyed, err := b.registry.Rekey(token, newToken, now, newClaims.ExpiresAt)
	if err != nil {
		if errors.Is(err, sessions.ErrConflict) {
			b.log.Error("token collision on rekey", "session_key", claims.Key.String())
			return sessions.Metadata{}, fmt.Errorf("keepalive: %w", err)
		}
		// Lost the race against a concurrent release or sweep.
		return sessions.Metadata{}, fmt.Errorf("keepalive: %w", sessions.ErrNotFound)
	}

	b.mirror(ctx, rekeyed.Metadata)
	b.unmirror(ctx, token)
	b.log.Debug("session keepalive",
		"session_key", claims.Key.String(),
		"token_digest", sessions.TokenDigest(newToken),
		"expires_at", rekeyed.Metadata.ExpiresAt)
	return rekeyed.Metadata, nil
}

// Release tears the session down: the entry leaves the registry, the handle
// is closed best-effort, and the mirrored metadata is removed. The token is
// never valid again.
func (b *Broker[H, C]) Release(ctx context.Context, token string, caller uuid.UUID) error {
	claims, err := b.authorize(token, caller)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}

	handle, err := b.registry.Remove(token)
	if err != nil {
		return fmt.Errorf("release: %w", b.classifyMissing(ctx, token, b.now().UTC()))
	}
	if err := handle.Close(); err != nil {
		// The session is gone regardless; close failures are not the
		// caller's problem.
		b.log.Warn("close on release failed", "session_key", claims.Key.String(), "err", err)
	}
	b.unmirror(ctx, token)
	b.log.Info("session released", "session_key", claims.Key.String(), "token_digest", sessions.TokenDigest(token))
	return nil
}

// Borrow verifies the token, checks ownership, locality and expiry, then
// yields the live handle to fn for the duration of one call. It updates the
// last-access time but deliberately does not extend the expiry: callers must
// keepalive explicitly, so leaked sessions surface instead of being silently
// renewed by traffic.
func (b *Broker[H, C]) Borrow(ctx context.Context, token string, caller uuid.UUID, fn func(context.Context, H) error) error {
	if _, err := b.authorize(token, caller); err != nil {
		return err
	}
	now := b.now().UTC()
	entry, err := b.registry.Get(token)
	if err != nil {
		return b.classifyMissing(ctx, token, now)
	}
	if entry.Metadata.Expired(now) {
		b.teardown(ctx, token)
		return sessions.ErrExpired
	}
	_ = b.registry.Touch(token, now, time.Time{})
	return fn(ctx, entry.Handle)
}

// Sweep scans this broker's registry once, evicting and closing every entry
// past its expiry. Per-entry failures are collected, not propagated
// mid-loop, so one bad handle cannot shield the rest from eviction.
func (b *Broker[H, C]) Sweep(ctx context.Context) error {
	now := b.now().UTC()
	var errs []error
	swept := 0
	for _, entry := range b.registry.Snapshot() {
		if !entry.Metadata.Expired(now) {
			continue
		}
		handle, err := b.registry.Remove(entry.Metadata.Token)
		if err != nil {
			continue // raced with a release or keepalive rotation
		}
		swept++
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", entry.Metadata.Key, err))
		}
		b.unmirror(ctx, entry.Metadata.Token)
	}
	if swept > 0 {
		b.log.Info("sweep evicted expired sessions", "count", swept, "remaining", b.registry.Len())
	}
	return errors.Join(errs...)
}

// authorize verifies the token and asserts the caller owns it and that it
// belongs to this broker's kind.
func (b *Broker[H, C]) authorize(token string, caller uuid.UUID) (tokens.Claims, error) {
	claims, err := b.codec.Verify(token)
	if err != nil {
		return tokens.Claims{}, err
	}
	if claims.Key.OwnerID != caller {
		return tokens.Claims{}, fmt.Errorf("caller %s: %w", caller, sessions.ErrAuthMismatch)
	}
	if claims.Key.Kind != b.kind {
		return tokens.Claims{}, fmt.Errorf("token for kind %s presented to %s broker: %w", claims.Key.Kind, b.kind, sessions.ErrNotFound)
	}
	return claims, nil
}

// classifyMissing decides what a token absent from the local registry means:
// hosted elsewhere (ErrWrongHostInstance), expired, or gone (ErrNotFound).
// Without a metadata store everything collapses to ErrNotFound.
func (b *Broker[H, C]) classifyMissing(ctx context.Context, token string, now time.Time) error {
	if b.store == nil {
		return sessions.ErrNotFound
	}
	meta, ok, err := b.store.Get(ctx, token)
	if err != nil {
		b.log.Warn("metadata store lookup failed", "token_digest", sessions.TokenDigest(token), "err", err)
		return sessions.ErrNotFound
	}
	if !ok {
		return sessions.ErrNotFound
	}
	if meta.Expired(now) {
		b.unmirror(ctx, token)
		return sessions.ErrExpired
	}
	if meta.HostingInstanceID != b.cfg.InstanceID {
		return fmt.Errorf("hosted by %s: %w", meta.HostingInstanceID, sessions.ErrWrongHostInstance)
	}
	// Mirror says we host it but the registry disagrees; the local registry
	// is the source of truth, so drop the stale mirror.
	b.unmirror(ctx, token)
	return sessions.ErrNotFound
}

// teardown removes and closes a local entry and drops its mirror. Loses
// gracefully if the entry is already gone.
func (b *Broker[H, C]) teardown(ctx context.Context, token string) {
	handle, err := b.registry.Remove(token)
	if err != nil {
		return
	}
	if err := handle.Close(); err != nil {
		b.log.Warn("close on teardown failed", "token_digest", sessions.TokenDigest(token), "err", err)
	}
	b.unmirror(ctx, token)
}

func (b *Broker[H, C]) mirror(ctx context.Context, meta sessions.Metadata) {
	if b.store == nil {
		return
	}
	ttl := meta.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return
	}
	if err := b.store.Put(ctx, meta, ttl); err != nil {
		b.log.Warn("metadata mirror write failed", "session_key", meta.Key.String(), "err", err)
	}
}

func (b *Broker[H, C]) unmirror(ctx context.Context, token string) {
	if b.store == nil {
		return
	}
	if err := b.store.Delete(context.WithoutCancel(ctx), token); err != nil {
		b.log.Warn("metadata mirror delete failed", "token_digest", sessions.TokenDigest(token), "err", err)
	}
}
