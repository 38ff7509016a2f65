// Package memstore is an in-process metastore.Store for single-instance
// deployments and tests. Records expire lazily on read, the way the Redis
// backend's TTL behaves.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/stratal/sessiond/metastore"
	"github.com/stratal/sessiond/sessions"
)

type record struct {
	meta      sessions.Metadata
	expiresAt time.Time
}

// Store is an in-memory metastore.Store. The zero value is not usable; call
// New.
type Store struct {
	mu      sync.RWMutex
	records map[string]record
	now     func() time.Time
}

func New() *Store {
	return &Store{records: make(map[string]record), now: time.Now}
}

func (s *Store) Put(ctx context.Context, meta sessions.Metadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[meta.Token] = record{meta: meta.CloneAttrs(), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Get(ctx context.Context, token string) (sessions.Metadata, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[token]
	s.mu.RUnlock()
	if !ok {
		return sessions.Metadata{}, false, nil
	}
	if !rec.expiresAt.After(s.now()) {
		s.mu.Lock()
		if cur, ok := s.records[token]; ok && cur.expiresAt.Equal(rec.expiresAt) {
			delete(s.records, token)
		}
		s.mu.Unlock()
		return sessions.Metadata{}, false, nil
	}
	return rec.meta.CloneAttrs(), true, nil
}

func (s *Store) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, token)
	return nil
}

func (s *Store) Close() error { return nil }

var _ metastore.Store = (*Store)(nil)
