package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the resource family a session is bound to. SSH and DB
// sessions live in separate registries and never collide.
type Kind string

const (
	KindSSH Kind = "ssh"
	KindDB  Kind = "db"
)

// ParseKind maps an external kind string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSSH, KindDB:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown session kind %q", ErrMalformedToken, s)
}

// SessionKey uniquely identifies "this owner's session against this resource
// of this kind". It is immutable and safe to use as a map key.
type SessionKey struct {
	OwnerID    uuid.UUID
	ResourceID uuid.UUID
	Kind       Kind
}

func (k SessionKey) String() string {
	return string(k.Kind) + ":" + k.OwnerID.String() + ":" + k.ResourceID.String()
}

// Metadata is the descriptive record of a session. It carries no secrets and
// no live state; the handle it describes never leaves the hosting instance.
//
// Timestamps are wall-clock UTC. ExpiresAt is monotonically non-decreasing
// across keepalives.
type Metadata struct {
	Key   SessionKey
	Token string

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time

	// HostingInstanceID identifies the process holding the live handle.
	// Any other instance must treat the session as "exists elsewhere".
	HostingInstanceID string

	// Attrs holds kind-specific descriptive fields (ssh host/port/username,
	// db host/name/driver). Redacted: never credentials.
	Attrs map[string]string
}

// Expired reports whether the session is past its expiry at the given time.
func (m Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// CloneAttrs returns a copy of the metadata with its attribute map detached,
// so callers can hold the result without aliasing registry state.
func (m Metadata) CloneAttrs() Metadata {
	if m.Attrs == nil {
		return m
	}
	attrs := make(map[string]string, len(m.Attrs))
	for k, v := range m.Attrs {
		attrs[k] = v
	}
	m.Attrs = attrs
	return m
}

// TokenDigest returns a short stable fingerprint of a capability token,
// safe to put in logs. Raw tokens are bearer credentials and must never be
// logged.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Handle is the capability every live resource handle must provide so the
// registry and sweeper can tear it down. Close must be safe to call once the
// handle has been removed from its registry; it is never called twice by the
// broker for the same entry.
type Handle interface {
	Close() error
}
