package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

func testMeta(token string) sessions.Metadata {
	now := time.Now().UTC()
	return sessions.Metadata{
		Key: sessions.SessionKey{
			OwnerID:    uuid.New(),
			ResourceID: uuid.New(),
			Kind:       sessions.KindDB,
		},
		Token:             token,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         now.Add(time.Hour),
		HostingInstanceID: "inst-a",
		Attrs:             map[string]string{"driver": "postgres", "host": "db.internal"},
	}
}

func TestPutGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	meta := testMeta("tok")

	if err := s.Put(ctx, meta, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.HostingInstanceID != "inst-a" || got.Attrs["driver"] != "postgres" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if err := s.Delete(ctx, "tok"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "tok"); ok {
		t.Fatal("record survived delete")
	}
	// Deleting an absent token is not an error.
	if err := s.Delete(ctx, "tok"); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
}

func TestGetExpiresLazily(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, testMeta("tok"), time.Minute); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "tok"); ok {
		t.Fatal("expired record still readable")
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, testMeta("tok"), time.Hour); err != nil {
		t.Fatal(err)
	}
	a, _, _ := s.Get(ctx, "tok")
	a.Attrs["driver"] = "mutated"
	b, _, _ := s.Get(ctx, "tok")
	if b.Attrs["driver"] == "mutated" {
		t.Fatal("store state aliased by returned metadata")
	}
}
