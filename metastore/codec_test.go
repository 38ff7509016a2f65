package metastore

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

func TestRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	meta := sessions.Metadata{
		Key: sessions.SessionKey{
			OwnerID:    uuid.New(),
			ResourceID: uuid.New(),
			Kind:       sessions.KindSSH,
		},
		Token:             "tok-1",
		CreatedAt:         now,
		LastAccessedAt:    now.Add(time.Second),
		ExpiresAt:         now.Add(30 * time.Minute),
		HostingInstanceID: "inst-7",
		Attrs:             map[string]string{"host": "bastion.internal", "port": "2022", "username": "deploy"},
	}

	got, err := DecodeRecord(EncodeRecord(meta))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key != meta.Key {
		t.Fatalf("key mismatch: %v != %v", got.Key, meta.Key)
	}
	if !got.ExpiresAt.Equal(meta.ExpiresAt) || !got.CreatedAt.Equal(meta.CreatedAt) {
		t.Fatalf("timestamp mismatch: %+v", got)
	}
	if got.HostingInstanceID != "inst-7" {
		t.Fatalf("instance id = %q", got.HostingInstanceID)
	}
	if len(got.Attrs) != 3 || got.Attrs["port"] != "2022" {
		t.Fatalf("attrs mismatch: %v", got.Attrs)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []map[string]string{
		{},
		{"owner_id": "nope"},
		{"owner_id": uuid.NewString(), "resource_id": uuid.NewString(), "kind": "tty"},
		{"owner_id": uuid.NewString(), "resource_id": uuid.NewString(), "kind": "ssh", "created_at": "yesterday"},
	}
	for i, rec := range cases {
		if _, err := DecodeRecord(rec); err == nil {
			t.Errorf("case %d: decode accepted malformed record %v", i, rec)
		}
	}
}
