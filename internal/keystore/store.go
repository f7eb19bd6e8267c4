// Package keystore defines the persistent, encrypted-at-rest local store
// every higher-level service (pairwise sessions, group sender-keys,
// multi-device identity) reads and writes through. It holds opaque
// serialized blobs for sessions and sender-key state — the
// ratchet/x3dh/senderkeys packages own the wire shape of those blobs,
// keeping this package free of a dependency on the crypto components it
// stores state for, the same separation a key-management service draws
// between its persistence models and the package that produces the key
// material.
package keystore

import (
	"context"
	"fmt"
	"time"
)

// IdentityRecord is the device's own long-term identity. At most one
// exists per store.
type IdentityRecord struct {
	SigningPublic  []byte
	SigningPrivate []byte
	DHPublic       [32]byte
	DHPrivate      [32]byte
	RegistrationID uint16
	CreatedAt      time.Time
}

// SignedPreKeyRecord is a medium-term signed prekey.
type SignedPreKeyRecord struct {
	KeyID     uint32
	Public    [32]byte
	Private   [32]byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKeyRecord is a single-use prekey.
type OneTimePreKeyRecord struct {
	KeyID   uint32
	Public  [32]byte
	Private [32]byte
}

// DeviceRecord describes one device registered to the signed-in
// account, as reported by the directory service and cached locally.
type DeviceRecord struct {
	DeviceID       string
	DeviceName     string
	Platform       string
	IdentityPublic []byte
	RegistrationID uint16
	IsVerified     bool
	LastSeen       time.Time
	PushToken      *string
}

// SessionKey is the non-ambiguous, length-prefixed encoding for a
// (peer, optional room) pair. A naive "{peer}" / "{peer}_{room}"
// concatenation collides whenever peer or room identifiers can contain
// the separator or be empty; length-prefixing each component rules that
// out.
type SessionKey string

// NewSessionKey builds the canonical key for a peer, optionally scoped
// to a room.
func NewSessionKey(peer, room string) SessionKey {
	if room == "" {
		return SessionKey(fmt.Sprintf("%d:%s", len(peer), peer))
	}
	return SessionKey(fmt.Sprintf("%d:%s:%d:%s", len(peer), peer, len(room), room))
}

// Store is the persistent key-value store backing every local key and
// session record. All operations are transactional within themselves;
// callers needing atomicity across several calls for the same
// session/sender-key record must hold the relevant lock domain (see
// internal/pairwise and internal/group) around the whole
// read-modify-write.
type Store interface {
	PutIdentity(ctx context.Context, rec IdentityRecord) error
	GetIdentity(ctx context.Context) (*IdentityRecord, error)

	PutSignedPreKey(ctx context.Context, rec SignedPreKeyRecord) error
	GetSignedPreKey(ctx context.Context, keyID uint32) (*SignedPreKeyRecord, error)
	GetCurrentSignedPreKey(ctx context.Context) (*SignedPreKeyRecord, error)

	PutOneTimePreKeys(ctx context.Context, batch []OneTimePreKeyRecord) error
	GetOneTimePreKey(ctx context.Context, keyID uint32) (*OneTimePreKeyRecord, error)
	DeleteOneTimePreKey(ctx context.Context, keyID uint32) error
	CountOneTimePreKeys(ctx context.Context) (int, error)
	GetHighestPreKeyID(ctx context.Context) (uint32, error)

	PutSession(ctx context.Context, key SessionKey, blob []byte) error
	GetSession(ctx context.Context, key SessionKey) ([]byte, error)
	DeleteSession(ctx context.Context, key SessionKey) error
	GetAllSessions(ctx context.Context) (map[SessionKey][]byte, error)

	PutSenderKeyOwn(ctx context.Context, roomID string, blob []byte) error
	GetSenderKeyOwn(ctx context.Context, roomID string) ([]byte, error)
	DeleteSenderKeyOwn(ctx context.Context, roomID string) error

	PutSenderKeyPeer(ctx context.Context, roomID, senderID string, blob []byte) error
	GetSenderKeyPeer(ctx context.Context, roomID, senderID string) ([]byte, error)
	DeleteSenderKeyPeer(ctx context.Context, roomID, senderID string) error
	ListSenderKeyPeers(ctx context.Context, roomID string) (map[string][]byte, error)
	DeleteRoom(ctx context.Context, roomID string) error

	PutMetadata(ctx context.Context, key string, value []byte) error
	GetMetadata(ctx context.Context, key string) ([]byte, error)

	PutDevice(ctx context.Context, rec DeviceRecord) error
	GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error)
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
	DeleteDevice(ctx context.Context, deviceID string) error

	ClearAll(ctx context.Context) error
	ExportAll(ctx context.Context) (*Snapshot, error)
}

// Snapshot is a diagnostic/backup-adjacent dump of every logical store;
// it never appears on the wire — the backup flow builds its own minimal,
// password-encrypted blob instead.
type Snapshot struct {
	Identity      *IdentityRecord
	SignedPreKeys []SignedPreKeyRecord
	OneTimePreKeys []OneTimePreKeyRecord
	Sessions      map[SessionKey][]byte
	Devices       []DeviceRecord
}

// ErrCorrupted is returned by single-record loads when an at-rest AEAD
// check fails (the services wrap it in apperr.Storage); the list loads
// (GetAllSessions, ListSenderKeyPeers) skip such records as absent.
var ErrCorrupted = fmt.Errorf("keystore: corrupted record")

// ErrNotFound is returned when a lookup has no matching record.
var ErrNotFound = fmt.Errorf("keystore: not found")
