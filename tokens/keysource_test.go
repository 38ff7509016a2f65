package tokens

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticKey(t *testing.T) {
	k := StaticKey("super-secret")
	if !bytes.Equal(k.SigningKey(), []byte("super-secret")) {
		t.Fatal("signing key mismatch")
	}
	keys := k.VerificationKeys()
	if len(keys) != 1 || !bytes.Equal(keys[0], []byte("super-secret")) {
		t.Fatalf("verification keys = %q", keys)
	}
}

func TestFileKeySourceRejectsMissingOrEmpty(t *testing.T) {
	if _, err := NewFileKeySource(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Fatal("want error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileKeySource(empty, nil); err == nil {
		t.Fatal("want error for empty file")
	}
}

func TestFileKeySourceRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("first-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := NewFileKeySource(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if !bytes.Equal(src.SigningKey(), []byte("first-key")) {
		t.Fatalf("signing key = %q", src.SigningKey())
	}

	if err := os.WriteFile(path, []byte("second-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if bytes.Equal(src.SigningKey(), []byte("second-key")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotation not observed, signing key still %q", src.SigningKey())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Tokens signed before the rotation must stay verifiable.
	keys := src.VerificationKeys()
	if len(keys) != 2 {
		t.Fatalf("verification keys = %d, want 2", len(keys))
	}
	if !bytes.Equal(keys[0], []byte("second-key")) || !bytes.Equal(keys[1], []byte("first-key")) {
		t.Fatalf("verification keys = %q", keys)
	}
}
