package multidevice

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"e2ee/internal/apperr"
	"e2ee/internal/clock"
	"e2ee/internal/crypto"
	"e2ee/internal/keystore"
	"e2ee/internal/observability/logging"
)

const (
	metadataDeviceID   = "multidevice.deviceId"
	metadataDeviceName = "multidevice.deviceName"

	defaultLinkingCodeTTL    = 5 * time.Minute
	defaultPollInterval      = 2 * time.Second
	defaultPollTimeout       = 5 * time.Minute
	defaultBackupIterations  = 100_000
	backupSaltSize           = 16
)

// Config carries everything Service needs to operate on behalf of one
// signed-in user's own device.
type Config struct {
	UserID           string
	DeviceName       string
	Platform         string
	APIBase          string
	AuthToken        string
	LinkingCodeTTL   time.Duration
	PollInterval     time.Duration
	PollTimeout      time.Duration
	PBKDF2Iterations int
}

// Service is the device-identity, linking, verification, and backup API.
// It reads the same identity/signed-prekey material pairwise.Service
// establishes but never touches session state.
type Service struct {
	store     keystore.Store
	directory Directory
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
}

// New builds a Service over a store and directory client; the directory
// defaults to an HTTPDirectory built from cfg when dir is nil.
func New(store keystore.Store, dir Directory, c clock.Clock, cfg Config) *Service {
	if dir == nil {
		dir = NewHTTPDirectory(cfg.APIBase, cfg.AuthToken)
	}
	if c == nil {
		c = clock.System{}
	}
	return &Service{store: store, directory: dir, clock: c, cfg: withDefaults(cfg), logger: logging.Noop()}
}

// SetLogger overrides the service's structured logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) fail(err error) error {
	logging.LogFailure(s.logger, err)
	return err
}

func withDefaults(cfg Config) Config {
	if cfg.LinkingCodeTTL == 0 {
		cfg.LinkingCodeTTL = defaultLinkingCodeTTL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.PBKDF2Iterations == 0 {
		cfg.PBKDF2Iterations = defaultBackupIterations
	}
	return cfg
}

// Initialize generates or loads this device's local deviceId and default
// deviceName. It never blocks on the network.
func (s *Service) Initialize(ctx context.Context, cfg Config) error {
	err := s.initialize(ctx, cfg)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) initialize(ctx context.Context, cfg Config) error {
	s.cfg = withDefaults(cfg)

	_, err := s.store.GetMetadata(ctx, metadataDeviceID)
	if err == nil {
		return nil
	}
	if err != keystore.ErrNotFound {
		return apperr.Wrap("multidevice.Initialize", apperr.Storage, "load device id failed", err)
	}

	raw, err := crypto.RandomBytes(16)
	if err != nil {
		return apperr.Wrap("multidevice.Initialize", apperr.InvalidArgument, "device id generation failed", err)
	}
	deviceID := hex.EncodeToString(raw)
	if err := s.store.PutMetadata(ctx, metadataDeviceID, []byte(deviceID)); err != nil {
		return apperr.Wrap("multidevice.Initialize", apperr.Storage, "store device id failed", err)
	}

	name := s.cfg.DeviceName
	if name == "" {
		name = defaultDeviceName(s.cfg.Platform)
	}
	if err := s.store.PutMetadata(ctx, metadataDeviceName, []byte(name)); err != nil {
		return apperr.Wrap("multidevice.Initialize", apperr.Storage, "store device name failed", err)
	}
	return nil
}

func defaultDeviceName(platform string) string {
	if platform == "" {
		return "New Device"
	}
	return platform + " Device"
}

// DeviceID returns this device's local deviceId. It fails NotInitialized
// if Initialize has not stored one yet.
func (s *Service) DeviceID(ctx context.Context) (string, error) {
	id, err := s.deviceID(ctx)
	if err != nil {
		s.fail(err)
	}
	return id, err
}

func (s *Service) deviceID(ctx context.Context) (string, error) {
	raw, err := s.store.GetMetadata(ctx, metadataDeviceID)
	if err == keystore.ErrNotFound {
		return "", apperr.New("multidevice.DeviceID", apperr.NotInitialized, "device not initialized")
	}
	if err != nil {
		return "", apperr.Wrap("multidevice.DeviceID", apperr.Storage, "load device id failed", err)
	}
	return string(raw), nil
}

// DeviceName returns this device's locally stored display name.
func (s *Service) DeviceName(ctx context.Context) (string, error) {
	name, err := s.deviceName(ctx)
	if err != nil {
		s.fail(err)
	}
	return name, err
}

func (s *Service) deviceName(ctx context.Context) (string, error) {
	raw, err := s.store.GetMetadata(ctx, metadataDeviceName)
	if err == keystore.ErrNotFound {
		return "", apperr.New("multidevice.DeviceName", apperr.NotInitialized, "device not initialized")
	}
	if err != nil {
		return "", apperr.Wrap("multidevice.DeviceName", apperr.Storage, "load device name failed", err)
	}
	return string(raw), nil
}

// RegisterDevice publishes this device's already-established identity and
// current signed prekey to the directory under its own deviceId. The
// pairwise identity must already exist (see pairwise.Service.Enable).
func (s *Service) RegisterDevice(ctx context.Context) error {
	err := s.registerDevice(ctx)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) registerDevice(ctx context.Context) error {
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return err
	}
	deviceName, err := s.deviceName(ctx)
	if err != nil {
		return err
	}
	identity, err := s.store.GetIdentity(ctx)
	if err == keystore.ErrNotFound {
		return apperr.New("multidevice.RegisterDevice", apperr.NotEnabled, "no local identity to register")
	}
	if err != nil {
		return apperr.Wrap("multidevice.RegisterDevice", apperr.Storage, "load identity failed", err)
	}
	spk, err := s.store.GetCurrentSignedPreKey(ctx)
	if err != nil {
		return apperr.Wrap("multidevice.RegisterDevice", apperr.Storage, "load signed prekey failed", err)
	}

	reg := DeviceRegistration{
		DeviceID:              deviceID,
		DeviceName:            deviceName,
		Platform:              s.cfg.Platform,
		IdentitySigningPublic: encodeBytes(identity.SigningPublic),
		RegistrationID:        identity.RegistrationID,
		SignedPreKeyID:        spk.KeyID,
		SignedPreKeyPublic:    encodeBytes(spk.Public[:]),
		SignedPreKeySignature: encodeBytes(spk.Signature),
	}
	if err := s.directory.RegisterDevice(ctx, s.cfg.UserID, reg); err != nil {
		return err
	}

	rec := keystore.DeviceRecord{
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		Platform:       s.cfg.Platform,
		IdentityPublic: identity.SigningPublic,
		RegistrationID: identity.RegistrationID,
		IsVerified:     true,
		LastSeen:       s.clock.Now(),
	}
	if err := s.store.PutDevice(ctx, rec); err != nil {
		return apperr.Wrap("multidevice.RegisterDevice", apperr.Storage, "cache device record failed", err)
	}
	return nil
}

// ListDevices reports every device registered to userID.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	devices, err := s.directory.ListDevices(ctx, userID)
	if err != nil {
		s.fail(err)
	}
	return devices, err
}

// RemoveDevice revokes deviceID from the account's device list.
func (s *Service) RemoveDevice(ctx context.Context, deviceID string) error {
	err := s.removeDevice(ctx, deviceID)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) removeDevice(ctx context.Context, deviceID string) error {
	if err := s.directory.RemoveDevice(ctx, s.cfg.UserID, deviceID); err != nil {
		return err
	}
	if err := s.store.DeleteDevice(ctx, deviceID); err != nil && err != keystore.ErrNotFound {
		return apperr.Wrap("multidevice.RemoveDevice", apperr.Storage, "evict cached device record failed", err)
	}
	return nil
}

// RenameDevice updates this device's display name locally and in the
// directory.
func (s *Service) RenameDevice(ctx context.Context, newName string) error {
	err := s.renameDevice(ctx, newName)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) renameDevice(ctx context.Context, newName string) error {
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return err
	}
	if err := s.directory.RenameDevice(ctx, s.cfg.UserID, deviceID, newName); err != nil {
		return err
	}
	if err := s.store.PutMetadata(ctx, metadataDeviceName, []byte(newName)); err != nil {
		return apperr.Wrap("multidevice.RenameDevice", apperr.Storage, "store device name failed", err)
	}
	s.cfg.DeviceName = newName
	return nil
}

// GenerateLinkingCode issues a short-lived, one-shot code a new device can
// redeem via LinkWithCode, called from the existing, already-verified
// device.
func (s *Service) GenerateLinkingCode(ctx context.Context) (LinkingCode, error) {
	code, err := s.directory.CreateLinkingCode(ctx, s.cfg.UserID, s.cfg.LinkingCodeTTL)
	if err != nil {
		s.fail(err)
	}
	return code, err
}

// LinkWithCode is called from the new device: it submits the human code
// along with this device's own identity, returning a requestId the caller
// polls via PollLinkRequest.
func (s *Service) LinkWithCode(ctx context.Context, code string) (string, error) {
	requestID, err := s.linkWithCode(ctx, code)
	if err != nil {
		s.fail(err)
	}
	return requestID, err
}

func (s *Service) linkWithCode(ctx context.Context, code string) (string, error) {
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return "", err
	}
	deviceName, err := s.deviceName(ctx)
	if err != nil {
		return "", err
	}
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return "", apperr.Wrap("multidevice.LinkWithCode", apperr.Storage, "load identity failed", err)
	}
	requestID, err := s.directory.SubmitLinkRequest(ctx, LinkRequest{
		Code:           code,
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		IdentityPublic: encodeBytes(identity.SigningPublic),
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// PollLinkRequest polls requestStatus every PollInterval until it leaves
// the pending state or PollTimeout elapses, at which point it fails
// LinkingExpired. The caller's context can cancel the wait early.
func (s *Service) PollLinkRequest(ctx context.Context, requestID string) (LinkRequestStatus, error) {
	status, err := s.pollLinkRequest(ctx, requestID)
	if err != nil {
		s.fail(err)
	}
	return status, err
}

func (s *Service) pollLinkRequest(ctx context.Context, requestID string) (LinkRequestStatus, error) {
	deadline := s.clock.Now().Add(s.cfg.PollTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.directory.RequestStatus(ctx, requestID)
		if err != nil {
			return "", err
		}
		if status != LinkPending {
			return status, nil
		}
		if s.clock.Now().After(deadline) {
			return "", apperr.New("multidevice.PollLinkRequest", apperr.LinkingExpired, "linking request timed out")
		}
		select {
		case <-ctx.Done():
			return "", apperr.Wrap("multidevice.PollLinkRequest", apperr.Canceled, "poll canceled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// PendingLinkRequests is called from the existing device to see which new
// devices are waiting on approval.
func (s *Service) PendingLinkRequests(ctx context.Context) ([]LinkRequest, error) {
	reqs, err := s.directory.PendingLinkRequests(ctx, s.cfg.UserID)
	if err != nil {
		s.fail(err)
	}
	return reqs, err
}

// ApproveRequest admits the new device behind requestID.
func (s *Service) ApproveRequest(ctx context.Context, requestID string) error {
	err := s.directory.RespondToLinkRequest(ctx, requestID, true)
	if err != nil {
		s.fail(err)
	}
	return err
}

// RejectRequest denies the new device behind requestID.
func (s *Service) RejectRequest(ctx context.Context, requestID string) error {
	err := s.directory.RespondToLinkRequest(ctx, requestID, false)
	if err != nil {
		s.fail(err)
	}
	return err
}

type qrPayload struct {
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

// QRPayload returns the base64(JSON) blob this device displays for another
// party to scan and verify against.
func (s *Service) QRPayload(ctx context.Context) (string, error) {
	out, err := s.qrPayload(ctx)
	if err != nil {
		s.fail(err)
	}
	return out, err
}

func (s *Service) qrPayload(ctx context.Context) (string, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return "", apperr.Wrap("multidevice.QRPayload", apperr.Storage, "load identity failed", err)
	}
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return "", err
	}
	payload := qrPayload{
		UserID:      s.cfg.UserID,
		DeviceID:    deviceID,
		Fingerprint: crypto.Fingerprint(identity.SigningPublic),
		Timestamp:   s.clock.Now().Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap("multidevice.QRPayload", apperr.InvalidArgument, "encode qr payload failed", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifyByQR checks a scanned payload against this account's expectations
// and the directory's reported fingerprint for the named device, marking
// it verified on success.
func (s *Service) VerifyByQR(ctx context.Context, payload string) error {
	err := s.verifyByQR(ctx, payload)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) verifyByQR(ctx context.Context, payload string) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return apperr.Wrap("multidevice.VerifyByQR", apperr.LinkingFailed, "decode qr payload failed", err)
	}
	var qp qrPayload
	if err := json.Unmarshal(raw, &qp); err != nil {
		return apperr.Wrap("multidevice.VerifyByQR", apperr.LinkingFailed, "parse qr payload failed", err)
	}
	if qp.UserID != s.cfg.UserID {
		return apperr.New("multidevice.VerifyByQR", apperr.LinkingFailed, "user mismatch")
	}
	dev, err := s.store.GetDevice(ctx, qp.DeviceID)
	if err == keystore.ErrNotFound {
		return apperr.New("multidevice.VerifyByQR", apperr.UnknownKey, "unknown device")
	}
	if err != nil {
		return apperr.Wrap("multidevice.VerifyByQR", apperr.Storage, "load device record failed", err)
	}
	reported, err := s.directory.FetchDeviceFingerprint(ctx, s.cfg.UserID, qp.DeviceID)
	if err != nil {
		return err
	}
	if reported != qp.Fingerprint {
		return apperr.New("multidevice.VerifyByQR", apperr.LinkingFailed, "fingerprint mismatch")
	}
	dev.IsVerified = true
	if err := s.store.PutDevice(ctx, *dev); err != nil {
		return apperr.Wrap("multidevice.VerifyByQR", apperr.Storage, "store verified device failed", err)
	}
	return nil
}

type backupPayload struct {
	SigningPublic  []byte `json:"signingPublic"`
	SigningPrivate []byte `json:"signingPrivate"`
	DHPublic       []byte `json:"dhPublic"`
	DHPrivate      []byte `json:"dhPrivate"`
	RegistrationID uint16 `json:"registrationId"`
}

// CreateBackup PBKDF2-derives a key from password and a fresh random salt,
// AEAD-encrypts this device's identity material, and uploads the resulting
// envelope to the directory.
func (s *Service) CreateBackup(ctx context.Context, password string) (BackupBlob, error) {
	blob, err := s.createBackup(ctx, password)
	if err != nil {
		s.fail(err)
	}
	return blob, err
}

func (s *Service) createBackup(ctx context.Context, password string) (BackupBlob, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.CreateBackup", apperr.Storage, "load identity failed", err)
	}

	salt, err := crypto.RandomBytes(backupSaltSize)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.CreateBackup", apperr.InvalidArgument, "salt generation failed", err)
	}
	key := crypto.PBKDF2([]byte(password), salt, s.cfg.PBKDF2Iterations, crypto.AEADKeySize)
	var aeadKey [crypto.AEADKeySize]byte
	copy(aeadKey[:], key)

	plaintext, err := json.Marshal(backupPayload{
		SigningPublic:  identity.SigningPublic,
		SigningPrivate: identity.SigningPrivate,
		DHPublic:       identity.DHPublic[:],
		DHPrivate:      identity.DHPrivate[:],
		RegistrationID: identity.RegistrationID,
	})
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.CreateBackup", apperr.InvalidArgument, "encode backup payload failed", err)
	}
	nonce, ciphertext, err := crypto.AEADEncrypt(aeadKey, plaintext, nil)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.CreateBackup", apperr.InvalidArgument, "encrypt backup failed", err)
	}

	blob := BackupBlob{
		Version:    1,
		Salt:       salt,
		IV:         nonce[:],
		Ciphertext: ciphertext,
		Timestamp:  s.clock.Now(),
	}
	if err := s.directory.UploadBackup(ctx, s.cfg.UserID, blob); err != nil {
		return BackupBlob{}, err
	}
	return blob, nil
}

// RestoreBackup fetches the backup from the directory if blob is nil,
// derives the key from password, authenticate-decrypts it, and persists
// the recovered identity locally. A wrong password surfaces as
// BackupAuthFailed.
func (s *Service) RestoreBackup(ctx context.Context, password string, blob *BackupBlob) error {
	err := s.restoreBackup(ctx, password, blob)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) restoreBackup(ctx context.Context, password string, blob *BackupBlob) error {
	if blob == nil {
		fetched, err := s.directory.FetchBackup(ctx, s.cfg.UserID)
		if err != nil {
			return err
		}
		blob = &fetched
	}
	if len(blob.IV) != crypto.AEADNonceSize {
		return apperr.New("multidevice.RestoreBackup", apperr.BadBundle, "unexpected iv length")
	}

	key := crypto.PBKDF2([]byte(password), blob.Salt, s.cfg.PBKDF2Iterations, crypto.AEADKeySize)
	var aeadKey [crypto.AEADKeySize]byte
	copy(aeadKey[:], key)
	var nonce [crypto.AEADNonceSize]byte
	copy(nonce[:], blob.IV)

	plaintext, err := crypto.AEADDecrypt(aeadKey, blob.Ciphertext, nonce, nil)
	if err != nil {
		return apperr.Wrap("multidevice.RestoreBackup", apperr.BackupAuthFailed, "backup decryption failed", err)
	}

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return apperr.Wrap("multidevice.RestoreBackup", apperr.BackupAuthFailed, "corrupted backup payload", err)
	}
	if len(payload.DHPublic) != crypto.X25519KeySize || len(payload.DHPrivate) != crypto.X25519KeySize {
		return apperr.New("multidevice.RestoreBackup", apperr.BackupAuthFailed, "corrupted backup key sizes")
	}

	rec := keystore.IdentityRecord{
		SigningPublic:  payload.SigningPublic,
		SigningPrivate: payload.SigningPrivate,
		RegistrationID: payload.RegistrationID,
		CreatedAt:      s.clock.Now(),
	}
	copy(rec.DHPublic[:], payload.DHPublic)
	copy(rec.DHPrivate[:], payload.DHPrivate)

	if err := s.store.PutIdentity(ctx, rec); err != nil {
		return apperr.Wrap("multidevice.RestoreBackup", apperr.Storage, "store restored identity failed", err)
	}
	return nil
}

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
