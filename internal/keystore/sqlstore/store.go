// Package sqlstore is the persistent keystore.Store implementation: a
// GORM-backed table per logical store, wrapped by a device-local
// AES-256-GCM key — upsert via GORM, plain index columns, one table per
// concern, but the values it stores are ciphertext, since this store
// lives on the end-user device rather than behind a server's own access
// control.
//
// A client device is a single embedded database, so the default dialect
// is SQLite (gorm.io/driver/sqlite). Open also accepts a postgres:// DSN
// through gorm.io/driver/postgres for operators who embed this engine in
// a server-side bridge account instead of an end-user client — the
// models above are plain GORM structs and work unmodified against either
// dialect.
package sqlstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"e2ee/internal/crypto"
	"e2ee/internal/keystore"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Store struct {
	db  *gorm.DB
	key [crypto.AEADKeySize]byte
}

var _ keystore.Store = (*Store)(nil)

// Open opens dsn with SQLite unless it looks like a postgres DSN
// (postgres:// or postgresql://), migrates the schema, and establishes
// the device-local wrapping key.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, keystore.ErrNotFound
	}
	return openDB(ctx, db)
}

func openDB(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.loadOrCreateDeviceKey(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateDeviceKey(ctx context.Context) error {
	var row deviceKeyRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if err == nil {
		copy(s.key[:], row.Key)
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	keyBytes, err := crypto.RandomBytes(crypto.AEADKeySize)
	if err != nil {
		return err
	}
	row = deviceKeyRow{ID: 1, Key: keyBytes}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	copy(s.key[:], keyBytes)
	return nil
}

func (s *Store) seal(v any) (iv, ct []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	nonce, ciphertext, err := crypto.AEADEncrypt(s.key, plaintext, nil)
	if err != nil {
		return nil, nil, err
	}
	return nonce[:], ciphertext, nil
}

func (s *Store) open(iv, ct []byte, v any) error {
	var nonce [crypto.AEADNonceSize]byte
	if len(iv) != crypto.AEADNonceSize {
		return keystore.ErrCorrupted
	}
	copy(nonce[:], iv)
	plaintext, err := crypto.AEADDecrypt(s.key, ct, nonce, nil)
	if err != nil {
		return keystore.ErrCorrupted
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return keystore.ErrCorrupted
	}
	return nil
}

func (s *Store) PutIdentity(ctx context.Context, rec keystore.IdentityRecord) error {
	iv, ct, err := s.seal(rec)
	if err != nil {
		return err
	}
	row := identityRow{ID: 1, RegistrationID: rec.RegistrationID, CreatedAt: rec.CreatedAt, IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetIdentity(ctx context.Context) (*keystore.IdentityRecord, error) {
	var row identityRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var rec keystore.IdentityRecord
	if err := s.open(row.IV, row.Ciphertext, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutSignedPreKey(ctx context.Context, rec keystore.SignedPreKeyRecord) error {
	iv, ct, err := s.seal(rec)
	if err != nil {
		return err
	}
	row := signedPreKeyRow{KeyID: rec.KeyID, CreatedAt: rec.CreatedAt, IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetSignedPreKey(ctx context.Context, keyID uint32) (*keystore.SignedPreKeyRecord, error) {
	var row signedPreKeyRow
	if err := s.db.WithContext(ctx).First(&row, "key_id = ?", keyID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var rec keystore.SignedPreKeyRecord
	if err := s.open(row.IV, row.Ciphertext, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetCurrentSignedPreKey(ctx context.Context) (*keystore.SignedPreKeyRecord, error) {
	var row signedPreKeyRow
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var rec keystore.SignedPreKeyRecord
	if err := s.open(row.IV, row.Ciphertext, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutOneTimePreKeys(ctx context.Context, batch []keystore.OneTimePreKeyRecord) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]oneTimePreKeyRow, 0, len(batch))
	for _, rec := range batch {
		iv, ct, err := s.seal(rec)
		if err != nil {
			return err
		}
		rows = append(rows, oneTimePreKeyRow{KeyID: rec.KeyID, IV: iv, Ciphertext: ct})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *Store) GetOneTimePreKey(ctx context.Context, keyID uint32) (*keystore.OneTimePreKeyRecord, error) {
	var row oneTimePreKeyRow
	if err := s.db.WithContext(ctx).First(&row, "key_id = ?", keyID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var rec keystore.OneTimePreKeyRecord
	if err := s.open(row.IV, row.Ciphertext, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteOneTimePreKey(ctx context.Context, keyID uint32) error {
	return s.db.WithContext(ctx).Delete(&oneTimePreKeyRow{}, "key_id = ?", keyID).Error
}

func (s *Store) CountOneTimePreKeys(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&oneTimePreKeyRow{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *Store) GetHighestPreKeyID(ctx context.Context) (uint32, error) {
	var row oneTimePreKeyRow
	err := s.db.WithContext(ctx).Order("key_id DESC").First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return row.KeyID, nil
}

func (s *Store) PutSession(ctx context.Context, key keystore.SessionKey, blob []byte) error {
	iv, ct, err := s.seal(blob)
	if err != nil {
		return err
	}
	row := sessionRow{SessionKey: string(key), UpdatedAt: time.Now().UTC(), IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetSession(ctx context.Context, key keystore.SessionKey) ([]byte, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, "session_key = ?", string(key)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var blob []byte
	if err := s.open(row.IV, row.Ciphertext, &blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) DeleteSession(ctx context.Context, key keystore.SessionKey) error {
	return s.db.WithContext(ctx).Delete(&sessionRow{}, "session_key = ?", string(key)).Error
}

func (s *Store) GetAllSessions(ctx context.Context) (map[keystore.SessionKey][]byte, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[keystore.SessionKey][]byte, len(rows))
	for _, row := range rows {
		var blob []byte
		if err := s.open(row.IV, row.Ciphertext, &blob); err != nil {
			continue
		}
		out[keystore.SessionKey(row.SessionKey)] = blob
	}
	return out, nil
}

func (s *Store) PutSenderKeyOwn(ctx context.Context, roomID string, blob []byte) error {
	iv, ct, err := s.seal(blob)
	if err != nil {
		return err
	}
	row := senderKeyOwnRow{RoomID: roomID, IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetSenderKeyOwn(ctx context.Context, roomID string) ([]byte, error) {
	var row senderKeyOwnRow
	if err := s.db.WithContext(ctx).First(&row, "room_id = ?", roomID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var blob []byte
	if err := s.open(row.IV, row.Ciphertext, &blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) DeleteSenderKeyOwn(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Delete(&senderKeyOwnRow{}, "room_id = ?", roomID).Error
}

func (s *Store) PutSenderKeyPeer(ctx context.Context, roomID, senderID string, blob []byte) error {
	iv, ct, err := s.seal(blob)
	if err != nil {
		return err
	}
	row := senderKeyPeerRow{RoomID: roomID, SenderID: senderID, IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetSenderKeyPeer(ctx context.Context, roomID, senderID string) ([]byte, error) {
	var row senderKeyPeerRow
	if err := s.db.WithContext(ctx).First(&row, "room_id = ? AND sender_id = ?", roomID, senderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var blob []byte
	if err := s.open(row.IV, row.Ciphertext, &blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) DeleteSenderKeyPeer(ctx context.Context, roomID, senderID string) error {
	return s.db.WithContext(ctx).Delete(&senderKeyPeerRow{}, "room_id = ? AND sender_id = ?", roomID, senderID).Error
}

func (s *Store) ListSenderKeyPeers(ctx context.Context, roomID string) (map[string][]byte, error) {
	var rows []senderKeyPeerRow
	if err := s.db.WithContext(ctx).Find(&rows, "room_id = ?", roomID).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		var blob []byte
		if err := s.open(row.IV, row.Ciphertext, &blob); err != nil {
			continue
		}
		out[row.SenderID] = blob
	}
	return out, nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.db.WithContext(ctx).Delete(&senderKeyOwnRow{}, "room_id = ?", roomID).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&senderKeyPeerRow{}, "room_id = ?", roomID).Error
}

func (s *Store) PutMetadata(ctx context.Context, key string, value []byte) error {
	iv, ct, err := s.seal(value)
	if err != nil {
		return err
	}
	row := metadataRow{Key: key, IV: iv, Ciphertext: ct}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	var row metadataRow
	if err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	var value []byte
	if err := s.open(row.IV, row.Ciphertext, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) PutDevice(ctx context.Context, rec keystore.DeviceRecord) error {
	row := deviceRow{
		DeviceID:       rec.DeviceID,
		DeviceName:     rec.DeviceName,
		Platform:       rec.Platform,
		IdentityPublic: rec.IdentityPublic,
		RegistrationID: rec.RegistrationID,
		IsVerified:     rec.IsVerified,
		LastSeen:       rec.LastSeen,
		PushToken:      rec.PushToken,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*keystore.DeviceRecord, error) {
	var row deviceRow
	if err := s.db.WithContext(ctx).First(&row, "device_id = ?", deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	rec := keystore.DeviceRecord{
		DeviceID:       row.DeviceID,
		DeviceName:     row.DeviceName,
		Platform:       row.Platform,
		IdentityPublic: row.IdentityPublic,
		RegistrationID: row.RegistrationID,
		IsVerified:     row.IsVerified,
		LastSeen:       row.LastSeen,
		PushToken:      row.PushToken,
	}
	return &rec, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]keystore.DeviceRecord, error) {
	var rows []deviceRow
	if err := s.db.WithContext(ctx).Order("device_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]keystore.DeviceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, keystore.DeviceRecord{
			DeviceID:       row.DeviceID,
			DeviceName:     row.DeviceName,
			Platform:       row.Platform,
			IdentityPublic: row.IdentityPublic,
			RegistrationID: row.RegistrationID,
			IsVerified:     row.IsVerified,
			LastSeen:       row.LastSeen,
			PushToken:      row.PushToken,
		})
	}
	return out, nil
}

func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Delete(&deviceRow{}, "device_id = ?", deviceID).Error
}

func (s *Store) ClearAll(ctx context.Context) error {
	for _, model := range allModels() {
		if _, ok := model.(*deviceKeyRow); ok {
			continue
		}
		if err := s.db.WithContext(ctx).Where("1 = 1").Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ExportAll(ctx context.Context) (*keystore.Snapshot, error) {
	snap := &keystore.Snapshot{Sessions: make(map[keystore.SessionKey][]byte)}
	identity, err := s.GetIdentity(ctx)
	if err == nil {
		snap.Identity = identity
	}
	sessions, err := s.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	snap.Sessions = sessions
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	snap.Devices = devices
	return snap, nil
}
