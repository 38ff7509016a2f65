package tokens

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeySource supplies the symmetric signing key. Implementations must be safe
// for concurrent use; the codec reads the key on every issue/verify so key
// rotation takes effect without restarting.
type KeySource interface {
	// SigningKey returns the key new tokens are signed with.
	SigningKey() []byte
	// VerificationKeys returns candidate keys, current first. During a
	// rotation window the previous key stays verifiable so in-flight tokens
	// survive until their natural expiry.
	VerificationKeys() [][]byte
}

// StaticKey is a KeySource wrapping a fixed secret.
type StaticKey []byte

func (k StaticKey) SigningKey() []byte { return []byte(k) }

func (k StaticKey) VerificationKeys() [][]byte { return [][]byte{[]byte(k)} }

// FileKeySource reads the signing secret from a file and hot-reloads it when
// the file changes, keeping the previous key verifiable. This is how the
// shared secret is provisioned out of band across a fleet: a secrets manager
// rewrites the mounted file and every instance picks it up.
type FileKeySource struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.RWMutex
	current  []byte
	previous []byte
}

// NewFileKeySource loads the secret from path and starts watching it.
// Callers must Close the source when done.
func NewFileKeySource(path string, log *slog.Logger) (*FileKeySource, error) {
	if log == nil {
		log = slog.Default()
	}
	secret, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tokens: watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("tokens: watch %s: %w", path, err)
	}
	s := &FileKeySource{
		path:    path,
		log:     log,
		watcher: w,
		done:    make(chan struct{}),
		current: secret,
	}
	go s.watch()
	return s, nil
}

func (s *FileKeySource) SigningKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *FileKeySource) VerificationKeys() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := [][]byte{s.current}
	if s.previous != nil {
		keys = append(keys, s.previous)
	}
	return keys
}

// Close stops the file watcher.
func (s *FileKeySource) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *FileKeySource) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("signing secret watcher error", "err", err)
		}
	}
}

func (s *FileKeySource) reload() {
	secret, err := readSecretFile(s.path)
	if err != nil {
		s.log.Warn("signing secret reload failed; keeping current key", "path", s.path, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(secret, s.current) {
		return
	}
	s.previous = s.current
	s.current = secret
	s.log.Info("signing secret rotated", "path", s.path)
}

func readSecretFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokens: read secret: %w", err)
	}
	secret := bytes.TrimSpace(raw)
	if len(secret) == 0 {
		return nil, errors.New("tokens: secret file is empty")
	}
	return secret, nil
}
