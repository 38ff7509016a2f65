package sshres

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ErrUnknownHostKey reports a connection to a host with no trusted key on
// record. The operator must trust the host explicitly before sessions can
// be established to it.
var ErrUnknownHostKey = errors.New("sshres: unknown host key")

// ErrHostKeyMismatch reports that a host presented a key different from the
// trusted one. Connections are refused outright: this is indistinguishable
// from a man-in-the-middle until an operator re-trusts the host.
var ErrHostKeyMismatch = errors.New("sshres: host key mismatch")

// TrustedHost is one entry in the known-hosts store.
type TrustedHost struct {
	Host string `json:"host"`
	// Key is the trusted public key in authorized_keys format
	// ("ssh-ed25519 AAAA...").
	Key string `json:"key"`
	// Fingerprint is the SHA256 fingerprint of Key, for display.
	Fingerprint string `json:"fingerprint"`
}

// KnownHosts is an in-memory trust store for remote host keys with a strict
// verification callback. Safe for concurrent use.
type KnownHosts struct {
	mu    sync.RWMutex
	peers map[string]TrustedHost
}

// NewKnownHosts builds an empty trust store.
func NewKnownHosts() *KnownHosts {
	return &KnownHosts{peers: make(map[string]TrustedHost)}
}

// Trust records (or replaces) the trusted key for a host. The key must be a
// single authorized_keys-format public key.
func (k *KnownHosts) Trust(host, authorizedKey string) (TrustedHost, error) {
	if host == "" {
		return TrustedHost{}, errors.New("sshres: host is required")
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return TrustedHost{}, fmt.Errorf("sshres: parse public key for %s: %w", host, err)
	}
	t := TrustedHost{
		Host:        normalizeHost(host),
		Key:         strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		Fingerprint: ssh.FingerprintSHA256(pub),
	}
	k.mu.Lock()
	k.peers[t.Host] = t
	k.mu.Unlock()
	return t, nil
}

// Lookup returns the trusted entry for a host, if any.
func (k *KnownHosts) Lookup(host string) (TrustedHost, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	t, ok := k.peers[normalizeHost(host)]
	return t, ok
}

// Forget removes the trusted key for a host. Removing an unknown host is
// not an error.
func (k *KnownHosts) Forget(host string) {
	k.mu.Lock()
	delete(k.peers, normalizeHost(host))
	k.mu.Unlock()
}

// All returns every trusted host, sorted by host name.
func (k *KnownHosts) All() []TrustedHost {
	k.mu.RLock()
	out := make([]TrustedHost, 0, len(k.peers))
	for _, t := range k.peers {
		out = append(out, t)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Callback returns a strict ssh.HostKeyCallback backed by this store:
// unknown hosts are refused, and a key that differs from the trusted one
// fails the handshake.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		host := normalizeHost(hostname)
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))

		k.mu.RLock()
		trusted, ok := k.peers[host]
		k.mu.RUnlock()

		if !ok {
			return fmt.Errorf("%w: %s (%s); trust the host before connecting", ErrUnknownHostKey, host, ssh.FingerprintSHA256(key))
		}
		if trusted.Key != presented {
			return fmt.Errorf("%w for %s: presented %s, trusted %s", ErrHostKeyMismatch, host, ssh.FingerprintSHA256(key), trusted.Fingerprint)
		}
		return nil
	}
}

// InsecureAcceptAll returns a callback that accepts any host key. Only for
// tests and closed networks.
func InsecureAcceptAll() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// normalizeHost strips an optional port so "h:22" and "h" resolve the same
// trust entry.
func normalizeHost(hostname string) string {
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		return host
	}
	return hostname
}
