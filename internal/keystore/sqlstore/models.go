package sqlstore

import "time"

// deviceKeyRow holds the device-local symmetric key used to wrap every
// other record. It is generated once on first access and persisted
// unencrypted — the host storage sandbox is the trust boundary.
type deviceKeyRow struct {
	ID  uint `gorm:"primaryKey"`
	Key []byte
}

func (deviceKeyRow) TableName() string { return "e2ee_device_keys" }

// identityRow and the rows below share the shape of every
// encrypted-at-rest record: cleartext index columns plus an AEAD
// envelope (IV, Ciphertext) over the serialized payload. Index columns (timestamps, key ids, "used" flags) stay in
// the clear to permit queries; only values are encrypted.
type identityRow struct {
	ID             uint `gorm:"primaryKey"`
	RegistrationID uint16
	CreatedAt      time.Time
	IV             []byte
	Ciphertext     []byte
}

func (identityRow) TableName() string { return "e2ee_identity" }

type signedPreKeyRow struct {
	KeyID      uint32 `gorm:"primaryKey"`
	CreatedAt  time.Time
	IV         []byte
	Ciphertext []byte
}

func (signedPreKeyRow) TableName() string { return "e2ee_signed_prekeys" }

type oneTimePreKeyRow struct {
	KeyID      uint32 `gorm:"primaryKey"`
	IV         []byte
	Ciphertext []byte
}

func (oneTimePreKeyRow) TableName() string { return "e2ee_one_time_prekeys" }

type sessionRow struct {
	SessionKey string `gorm:"primaryKey"`
	UpdatedAt  time.Time
	IV         []byte
	Ciphertext []byte
}

func (sessionRow) TableName() string { return "e2ee_sessions" }

type senderKeyOwnRow struct {
	RoomID     string `gorm:"primaryKey"`
	IV         []byte
	Ciphertext []byte
}

func (senderKeyOwnRow) TableName() string { return "e2ee_sender_keys_own" }

type senderKeyPeerRow struct {
	RoomID     string `gorm:"primaryKey"`
	SenderID   string `gorm:"primaryKey"`
	IV         []byte
	Ciphertext []byte
}

func (senderKeyPeerRow) TableName() string { return "e2ee_sender_keys_peer" }

type metadataRow struct {
	Key        string `gorm:"primaryKey"`
	IV         []byte
	Ciphertext []byte
}

func (metadataRow) TableName() string { return "e2ee_metadata" }

// deviceRow caches what the directory reports about a linked device.
// This is public material the directory already publishes, so it is
// stored in the clear — unlike every other table here, it holds no
// private key material.
type deviceRow struct {
	DeviceID       string `gorm:"primaryKey"`
	DeviceName     string
	Platform       string
	IdentityPublic []byte
	RegistrationID uint16
	IsVerified     bool
	LastSeen       time.Time
	PushToken      *string
}

func (deviceRow) TableName() string { return "e2ee_devices" }

func allModels() []any {
	return []any{
		&deviceKeyRow{},
		&identityRow{},
		&signedPreKeyRow{},
		&oneTimePreKeyRow{},
		&sessionRow{},
		&senderKeyOwnRow{},
		&senderKeyPeerRow{},
		&metadataRow{},
		&deviceRow{},
	}
}
