// Package multidevice implements device identity, the linking-code
// handshake between an existing and a new device, fingerprint
// verification, and password-encrypted key backup/restore.
package multidevice

import (
	"context"
	"time"
)

// DeviceInfo is one entry in a directory-reported device list.
type DeviceInfo struct {
	DeviceID       string
	DeviceName     string
	Platform       string
	IdentityPublic string
	RegistrationID uint16
	IsVerified     bool
	LastSeen       time.Time
}

// DeviceRegistration is the bundle this device publishes under its own
// deviceId when it registers with the directory.
type DeviceRegistration struct {
	DeviceID              string
	DeviceName            string
	Platform              string
	IdentitySigningPublic string
	RegistrationID        uint16
	SignedPreKeyID        uint32
	SignedPreKeyPublic    string
	SignedPreKeySignature string
}

// LinkingCode is a short-lived, one-shot code an existing device
// generates for a new device to redeem.
type LinkingCode struct {
	Code      string
	ExpiresAt time.Time
}

// LinkRequestStatus is the lifecycle state of a submitted link request.
type LinkRequestStatus string

const (
	LinkPending  LinkRequestStatus = "pending"
	LinkApproved LinkRequestStatus = "approved"
	LinkRejected LinkRequestStatus = "rejected"
	LinkExpired  LinkRequestStatus = "expired"
)

// LinkRequest is a new device's redemption of a linking code, as seen by
// the existing device polling pendingLinkRequests.
type LinkRequest struct {
	RequestID      string
	Code           string
	DeviceID       string
	DeviceName     string
	IdentityPublic string
	CreatedAt      time.Time
}

// BackupBlob is the password-encrypted backup envelope stored server-side.
type BackupBlob struct {
	Version    int
	Salt       []byte
	IV         []byte
	Ciphertext []byte
	Timestamp  time.Time
}

// Directory is the external collaborator for every device-management
// operation: device registration/listing, the linking-code handshake, and
// backup upload/fetch. Its transport shape is out of scope; only the
// contract this service needs appears here.
type Directory interface {
	RegisterDevice(ctx context.Context, userID string, reg DeviceRegistration) error
	ListDevices(ctx context.Context, userID string) ([]DeviceInfo, error)
	RemoveDevice(ctx context.Context, userID, deviceID string) error
	RenameDevice(ctx context.Context, userID, deviceID, newName string) error
	FetchDeviceFingerprint(ctx context.Context, userID, deviceID string) (string, error)

	CreateLinkingCode(ctx context.Context, userID string, ttl time.Duration) (LinkingCode, error)
	SubmitLinkRequest(ctx context.Context, req LinkRequest) (requestID string, err error)
	RequestStatus(ctx context.Context, requestID string) (LinkRequestStatus, error)
	PendingLinkRequests(ctx context.Context, userID string) ([]LinkRequest, error)
	RespondToLinkRequest(ctx context.Context, requestID string, approve bool) error

	UploadBackup(ctx context.Context, userID string, blob BackupBlob) error
	FetchBackup(ctx context.Context, userID string) (BackupBlob, error)
}
