package sessions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeHandle struct {
	closed atomic.Int32
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

func testMeta(token string) Metadata {
	return Metadata{
		Key: SessionKey{
			OwnerID:    uuid.New(),
			ResourceID: uuid.New(),
			Kind:       KindSSH,
		},
		Token:             token,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
		ExpiresAt:         time.Now().UTC().Add(30 * time.Minute),
		HostingInstanceID: "inst-1",
		Attrs:             map[string]string{"host": "example.com"},
	}
}

func mustRegister(t *testing.T, r *Registry[*fakeHandle], meta Metadata, h *fakeHandle) {
	t.Helper()
	prev, displaced, err := r.Register(meta, h)
	if err != nil {
		t.Fatalf("register %s: %v", meta.Token, err)
	}
	if displaced {
		t.Fatalf("register %s displaced %s unexpectedly", meta.Token, prev.Metadata.Token)
	}
}

func TestRegistryRegisterGetRemove(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	h := &fakeHandle{}
	meta := testMeta("tok-1")

	mustRegister(t, r, meta, h)
	e, err := r.Get("tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Handle != h {
		t.Fatal("get returned wrong handle")
	}
	if e.Metadata.Key != meta.Key {
		t.Fatalf("metadata key mismatch: %v != %v", e.Metadata.Key, meta.Key)
	}

	got, err := r.Remove("tok-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got != h {
		t.Fatal("remove returned wrong handle")
	}
	if _, err := r.Get("tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove: want ErrNotFound, got %v", err)
	}
	if _, err := r.Remove("tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: want ErrNotFound, got %v", err)
	}
}

func TestRegistryDuplicateTokenConflicts(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	meta := testMeta("tok-dup")
	mustRegister(t, r, meta, &fakeHandle{})
	_, _, err := r.Register(meta, &fakeHandle{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate register: want ErrConflict, got %v", err)
	}
	// The original handle must still resolve.
	if _, err := r.Get("tok-dup"); err != nil {
		t.Fatalf("original entry lost after conflict: %v", err)
	}
}

func TestRegistryTouchExpiryNeverRegresses(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	meta := testMeta("tok-touch")
	mustRegister(t, r, meta, &fakeHandle{})

	earlier := meta.ExpiresAt.Add(-10 * time.Minute)
	if err := r.Touch("tok-touch", time.Now(), earlier); err != nil {
		t.Fatalf("touch: %v", err)
	}
	e, _ := r.Get("tok-touch")
	if !e.Metadata.ExpiresAt.Equal(meta.ExpiresAt) {
		t.Fatalf("expiry regressed: %v -> %v", meta.ExpiresAt, e.Metadata.ExpiresAt)
	}

	later := meta.ExpiresAt.Add(10 * time.Minute)
	if err := r.Touch("tok-touch", time.Now(), later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	e, _ = r.Get("tok-touch")
	if !e.Metadata.ExpiresAt.Equal(later) {
		t.Fatalf("expiry not extended: got %v want %v", e.Metadata.ExpiresAt, later)
	}
}

func TestRegistryRekey(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	h := &fakeHandle{}
	meta := testMeta("tok-old")
	mustRegister(t, r, meta, h)

	newExpiry := meta.ExpiresAt.Add(15 * time.Minute)
	e, err := r.Rekey("tok-old", "tok-new", time.Now(), newExpiry)
	if err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if e.Metadata.Token != "tok-new" {
		t.Fatalf("rekeyed token = %q", e.Metadata.Token)
	}
	if _, err := r.Get("tok-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old token still resolves after rekey: %v", err)
	}
	got, err := r.Get("tok-new")
	if err != nil {
		t.Fatalf("new token does not resolve: %v", err)
	}
	if got.Handle != h {
		t.Fatal("rekey lost the handle")
	}
	// Lookup by key follows the rotation.
	byKey, ok := r.Lookup(meta.Key)
	if !ok || byKey.Metadata.Token != "tok-new" {
		t.Fatalf("lookup after rekey = %+v, %v", byKey.Metadata.Token, ok)
	}
}

func TestRegistryConcurrentRemoveSingleWinner(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	meta := testMeta("tok-race")
	h := &fakeHandle{}
	mustRegister(t, r, meta, h)

	const racers = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if got, err := r.Remove("tok-race"); err == nil {
				winners.Add(1)
				_ = got.Close()
			}
		}()
	}
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("want exactly one remover to win, got %d", n)
	}
	if n := h.closed.Load(); n != 1 {
		t.Fatalf("handle closed %d times", n)
	}
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	for _, tok := range []string{"a", "b", "c"} {
		mustRegister(t, r, testMeta(tok), &fakeHandle{})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	snap[0].Metadata.Attrs["host"] = "mutated"
	e, err := r.Get(snap[0].Metadata.Token)
	if err != nil {
		t.Fatal(err)
	}
	if e.Metadata.Attrs["host"] == "mutated" {
		t.Fatal("snapshot aliases registry state")
	}
}

func TestRegistryRegisterDisplacesSameKey(t *testing.T) {
	r := NewRegistry[*fakeHandle]()
	first := testMeta("tok-first")
	h1 := &fakeHandle{}
	mustRegister(t, r, first, h1)

	second := first
	second.Token = "tok-second"
	h2 := &fakeHandle{}
	prev, displaced, err := r.Register(second, h2)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !displaced {
		t.Fatal("same-key register did not displace the prior entry")
	}
	if prev.Handle != h1 || prev.Metadata.Token != "tok-first" {
		t.Fatalf("displaced wrong entry: %q", prev.Metadata.Token)
	}

	// Only the new entry remains reachable, by token and by key.
	if _, err := r.Get("tok-first"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("displaced token still resolves: %v", err)
	}
	e, err := r.Get("tok-second")
	if err != nil || e.Handle != h2 {
		t.Fatalf("winner not resolvable: %v", err)
	}
	byKey, ok := r.Lookup(first.Key)
	if !ok || byKey.Metadata.Token != "tok-second" {
		t.Fatalf("lookup after displacement = %q, %v", byKey.Metadata.Token, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}
