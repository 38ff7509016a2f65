package metastore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

// Field names of the flat-map encoding. Kind-specific attributes are stored
// under an "attr:" prefix so the record stays a single flat hash in backends
// like Redis.
const (
	fieldOwnerID    = "owner_id"
	fieldResourceID = "resource_id"
	fieldKind       = "kind"
	fieldToken      = "token"
	fieldCreatedAt  = "created_at"
	fieldAccessedAt = "last_accessed_at"
	fieldExpiresAt  = "expires_at"
	fieldInstanceID = "hosting_instance_id"
	attrPrefix      = "attr:"
)

// EncodeRecord flattens session metadata into a string map. Timestamps are
// epoch milliseconds.
func EncodeRecord(meta sessions.Metadata) map[string]string {
	rec := map[string]string{
		fieldOwnerID:    meta.Key.OwnerID.String(),
		fieldResourceID: meta.Key.ResourceID.String(),
		fieldKind:       string(meta.Key.Kind),
		fieldToken:      meta.Token,
		fieldCreatedAt:  strconv.FormatInt(meta.CreatedAt.UnixMilli(), 10),
		fieldAccessedAt: strconv.FormatInt(meta.LastAccessedAt.UnixMilli(), 10),
		fieldExpiresAt:  strconv.FormatInt(meta.ExpiresAt.UnixMilli(), 10),
		fieldInstanceID: meta.HostingInstanceID,
	}
	for k, v := range meta.Attrs {
		rec[attrPrefix+k] = v
	}
	return rec
}

// DecodeRecord rebuilds session metadata from its flat-map encoding.
func DecodeRecord(rec map[string]string) (sessions.Metadata, error) {
	ownerID, err := uuid.Parse(rec[fieldOwnerID])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldOwnerID, err)
	}
	resourceID, err := uuid.Parse(rec[fieldResourceID])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldResourceID, err)
	}
	kind, err := sessions.ParseKind(rec[fieldKind])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldKind, err)
	}
	createdAt, err := decodeMillis(rec[fieldCreatedAt])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldCreatedAt, err)
	}
	accessedAt, err := decodeMillis(rec[fieldAccessedAt])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldAccessedAt, err)
	}
	expiresAt, err := decodeMillis(rec[fieldExpiresAt])
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("metastore: bad %s: %w", fieldExpiresAt, err)
	}

	meta := sessions.Metadata{
		Key:               sessions.SessionKey{OwnerID: ownerID, ResourceID: resourceID, Kind: kind},
		Token:             rec[fieldToken],
		CreatedAt:         createdAt,
		LastAccessedAt:    accessedAt,
		ExpiresAt:         expiresAt,
		HostingInstanceID: rec[fieldInstanceID],
	}
	for k, v := range rec {
		if name, ok := strings.CutPrefix(k, attrPrefix); ok {
			if meta.Attrs == nil {
				meta.Attrs = make(map[string]string)
			}
			meta.Attrs[name] = v
		}
	}
	return meta, nil
}

func decodeMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
