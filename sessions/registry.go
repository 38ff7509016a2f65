package sessions

import (
	"fmt"
	"sync"
	"time"
)

// Entry is the registry's unit of storage: session metadata plus the live
// handle it describes. Entries returned by registry methods are value copies
// with detached attribute maps; mutating them does not affect the registry.
type Entry[H Handle] struct {
	Metadata Metadata
	Handle   H
}

// Registry is a concurrency-safe table mapping capability tokens to live
// resource handles. One Registry is instantiated per resource kind so SSH and
// DB sessions cannot collide and each can be swept with kind-specific close
// logic.
//
// No registry operation blocks beyond resolving the map; connecting and
// closing handles happens outside the lock. For a single token, Register,
// Touch, Rekey and Remove are linearizable: a handle is never observable
// after its removal.
type Registry[H Handle] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[H]
	byKey   map[SessionKey]string // SessionKey -> current token
}

func NewRegistry[H Handle]() *Registry[H] {
	return &Registry[H]{
		entries: make(map[string]*Entry[H]),
		byKey:   make(map[SessionKey]string),
	}
}

// Register stores a new entry under meta.Token. It fails with ErrConflict if
// the token is already present: overwriting would leak the previous live
// handle. At most one entry may exist per SessionKey; an entry already
// registered for meta.Key is evicted atomically and returned so the caller
// can close its handle outside the lock. This closes the race where two
// inits for the same key both pass a Lookup before either registers.
func (r *Registry[H]) Register(meta Metadata, h H) (prev Entry[H], displaced bool, err error) {
	var zero Entry[H]
	if meta.Token == "" {
		return zero, false, fmt.Errorf("register: empty token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.Token]; exists {
		return zero, false, fmt.Errorf("register %s: %w", meta.Key, ErrConflict)
	}
	if oldToken, ok := r.byKey[meta.Key]; ok {
		if old, ok := r.entries[oldToken]; ok {
			prev = Entry[H]{Metadata: old.Metadata.CloneAttrs(), Handle: old.Handle}
			displaced = true
			delete(r.entries, oldToken)
		}
	}
	meta = meta.CloneAttrs()
	r.entries[meta.Token] = &Entry[H]{Metadata: meta, Handle: h}
	r.byKey[meta.Key] = meta.Token
	return prev, displaced, nil
}

// Get resolves a token to its entry.
func (r *Registry[H]) Get(token string) (Entry[H], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	if !ok {
		var zero Entry[H]
		return zero, ErrNotFound
	}
	return Entry[H]{Metadata: e.Metadata.CloneAttrs(), Handle: e.Handle}, nil
}

// Lookup resolves a SessionKey to its current entry, if any. Used to replace
// a stale session for the same (owner, resource, kind) on re-init.
func (r *Registry[H]) Lookup(key SessionKey) (Entry[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.byKey[key]
	if !ok {
		var zero Entry[H]
		return zero, false
	}
	e := r.entries[token]
	return Entry[H]{Metadata: e.Metadata.CloneAttrs(), Handle: e.Handle}, true
}

// Touch updates the entry's last-access time and, when expiresAt is non-zero,
// its expiry. Expiry never moves backwards: an earlier expiresAt than the
// current one is ignored.
func (r *Registry[H]) Touch(token string, accessedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok {
		return ErrNotFound
	}
	e.Metadata.LastAccessedAt = accessedAt
	if !expiresAt.IsZero() && expiresAt.After(e.Metadata.ExpiresAt) {
		e.Metadata.ExpiresAt = expiresAt
	}
	return nil
}

// Rekey atomically re-registers the entry stored under oldToken beneath
// newToken, updating access and expiry times. The old token stops resolving
// the moment Rekey returns. Used by keepalive, which re-issues the capability
// token on every extension.
func (r *Registry[H]) Rekey(oldToken, newToken string, accessedAt, expiresAt time.Time) (Entry[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldToken]
	if !ok {
		var zero Entry[H]
		return zero, ErrNotFound
	}
	if _, exists := r.entries[newToken]; exists {
		var zero Entry[H]
		return zero, fmt.Errorf("rekey %s: %w", e.Metadata.Key, ErrConflict)
	}
	delete(r.entries, oldToken)
	e.Metadata.Token = newToken
	e.Metadata.LastAccessedAt = accessedAt
	if !expiresAt.IsZero() && expiresAt.After(e.Metadata.ExpiresAt) {
		e.Metadata.ExpiresAt = expiresAt
	}
	r.entries[newToken] = e
	r.byKey[e.Metadata.Key] = newToken
	return Entry[H]{Metadata: e.Metadata.CloneAttrs(), Handle: e.Handle}, nil
}

// Remove deletes the entry and returns its handle so the caller can close it
// outside the lock. Removal is idempotent under races: when two callers race
// on the same token exactly one observes the handle, the other ErrNotFound.
func (r *Registry[H]) Remove(token string) (H, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok {
		var zero H
		return zero, ErrNotFound
	}
	delete(r.entries, token)
	if cur, ok := r.byKey[e.Metadata.Key]; ok && cur == token {
		delete(r.byKey, e.Metadata.Key)
	}
	return e.Handle, nil
}

// Snapshot returns a point-in-time copy of all entries. The sweeper iterates
// the snapshot and races removals through Remove, so a concurrently released
// entry is simply skipped.
func (r *Registry[H]) Snapshot() []Entry[H] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry[H], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Entry[H]{Metadata: e.Metadata.CloneAttrs(), Handle: e.Handle})
	}
	return out
}

// Len reports the number of live entries.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
