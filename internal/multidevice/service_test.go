package multidevice

import (
	"context"
	"sync"
	"testing"
	"time"

	"e2ee/internal/apperr"
	"e2ee/internal/clock"
	"e2ee/internal/crypto"
	"e2ee/internal/keystore"
	"e2ee/internal/keystore/memstore"
)

// fakeDirectory is an in-memory Directory standing in for the real
// device/linking/backup service across these tests.
type fakeDirectory struct {
	mu sync.Mutex

	registrations map[string]DeviceRegistration
	fingerprints  map[string]string
	backups       map[string]BackupBlob

	linkingCode     string
	linkingCodeUsed bool
	requests        map[string]*linkRequestState
	nextRequestID   int
}

type linkRequestState struct {
	req    LinkRequest
	status LinkRequestStatus
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		registrations: make(map[string]DeviceRegistration),
		fingerprints:  make(map[string]string),
		backups:       make(map[string]BackupBlob),
		requests:      make(map[string]*linkRequestState),
	}
}

func (d *fakeDirectory) RegisterDevice(ctx context.Context, userID string, reg DeviceRegistration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registrations[userID+"/"+reg.DeviceID] = reg
	return nil
}

func (d *fakeDirectory) ListDevices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeviceInfo
	for key, reg := range d.registrations {
		if len(key) > len(userID) && key[:len(userID)] == userID {
			out = append(out, DeviceInfo{DeviceID: reg.DeviceID, DeviceName: reg.DeviceName, Platform: reg.Platform, RegistrationID: reg.RegistrationID})
		}
	}
	return out, nil
}

func (d *fakeDirectory) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.registrations, userID+"/"+deviceID)
	return nil
}

func (d *fakeDirectory) RenameDevice(ctx context.Context, userID, deviceID, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := userID + "/" + deviceID
	reg := d.registrations[key]
	reg.DeviceName = newName
	d.registrations[key] = reg
	return nil
}

func (d *fakeDirectory) FetchDeviceFingerprint(ctx context.Context, userID, deviceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprints[userID+"/"+deviceID], nil
}

func (d *fakeDirectory) CreateLinkingCode(ctx context.Context, userID string, ttl time.Duration) (LinkingCode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkingCode = "LINK-CODE-1"
	d.linkingCodeUsed = false
	return LinkingCode{Code: d.linkingCode, ExpiresAt: time.Time{}.Add(ttl)}, nil
}

func (d *fakeDirectory) SubmitLinkRequest(ctx context.Context, req LinkRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Code != d.linkingCode || d.linkingCodeUsed {
		return "", apperr.New("fakeDirectory.SubmitLinkRequest", apperr.LinkingFailed, "invalid or reused code")
	}
	d.linkingCodeUsed = true
	d.nextRequestID++
	id := "req-" + string(rune('0'+d.nextRequestID))
	d.requests[id] = &linkRequestState{req: req, status: LinkPending}
	return id, nil
}

func (d *fakeDirectory) RequestStatus(ctx context.Context, requestID string) (LinkRequestStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.requests[requestID]
	if !ok {
		return "", apperr.New("fakeDirectory.RequestStatus", apperr.LinkingFailed, "unknown request")
	}
	return st.status, nil
}

func (d *fakeDirectory) PendingLinkRequests(ctx context.Context, userID string) ([]LinkRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []LinkRequest
	for _, st := range d.requests {
		if st.status == LinkPending {
			out = append(out, st.req)
		}
	}
	return out, nil
}

func (d *fakeDirectory) RespondToLinkRequest(ctx context.Context, requestID string, approve bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.requests[requestID]
	if !ok {
		return apperr.New("fakeDirectory.RespondToLinkRequest", apperr.LinkingFailed, "unknown request")
	}
	if approve {
		st.status = LinkApproved
	} else {
		st.status = LinkRejected
	}
	return nil
}

func (d *fakeDirectory) UploadBackup(ctx context.Context, userID string, blob BackupBlob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backups[userID] = blob
	return nil
}

func (d *fakeDirectory) FetchBackup(ctx context.Context, userID string) (BackupBlob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.backups[userID]
	if !ok {
		return BackupBlob{}, apperr.New("fakeDirectory.FetchBackup", apperr.NotInitialized, "no backup stored")
	}
	return blob, nil
}

func newEnabledStore(t *testing.T) keystore.Store {
	t.Helper()
	store := memstore.New()
	signing, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	dh := crypto.IdentityDHFromSigning(signing.Private)
	if err := store.PutIdentity(context.Background(), keystore.IdentityRecord{
		SigningPublic:  signing.Public,
		SigningPrivate: signing.Private,
		DHPublic:       dh.Public,
		DHPrivate:      dh.Private,
		RegistrationID: 42,
		CreatedAt:      time.Unix(0, 0),
	}); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}
	spk, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	if err := store.PutSignedPreKey(context.Background(), keystore.SignedPreKeyRecord{
		KeyID:     1,
		Public:    spk.Public,
		Private:   spk.Private,
		Signature: crypto.Sign(signing.Private, spk.Public[:]),
		CreatedAt: time.Unix(0, 0),
	}); err != nil {
		t.Fatalf("PutSignedPreKey: %v", err)
	}
	return store
}

func TestInitializeGeneratesDeviceIDAndNameOnce(t *testing.T) {
	ctx := context.Background()
	svc := New(newEnabledStore(t), newFakeDirectory(), clock.System{}, Config{UserID: "alice", Platform: "linux"})
	if err := svc.Initialize(ctx, svc.cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first, err := svc.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 128-bit hex device id (32 chars), got %q", first)
	}

	if err := svc.Initialize(ctx, svc.cfg); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	second, err := svc.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID after reinit: %v", err)
	}
	if first != second {
		t.Fatalf("expected device id to survive a second Initialize, got %q then %q", first, second)
	}
}

func TestRegisterDeviceUploadsBundleUnderDeviceID(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	svc := New(newEnabledStore(t), dir, clock.System{}, Config{UserID: "alice", Platform: "linux"})
	if err := svc.Initialize(ctx, svc.cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := svc.RegisterDevice(ctx); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, err := svc.ListDevices(ctx, "alice")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one registered device, got %d", len(devices))
	}
}

func TestLinkingCodeFlowApproval(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	deviceA := New(newEnabledStore(t), dir, clock.System{}, Config{UserID: "alice", Platform: "desktop"})
	if err := deviceA.Initialize(ctx, deviceA.cfg); err != nil {
		t.Fatalf("deviceA.Initialize: %v", err)
	}

	deviceB := New(newEnabledStore(t), dir, clock.System{}, Config{UserID: "alice", Platform: "mobile", PollInterval: time.Millisecond, PollTimeout: time.Second})
	if err := deviceB.Initialize(ctx, deviceB.cfg); err != nil {
		t.Fatalf("deviceB.Initialize: %v", err)
	}

	linkingCode, err := deviceA.GenerateLinkingCode(ctx)
	if err != nil {
		t.Fatalf("GenerateLinkingCode: %v", err)
	}

	requestID, err := deviceB.LinkWithCode(ctx, linkingCode.Code)
	if err != nil {
		t.Fatalf("LinkWithCode: %v", err)
	}

	pending, err := deviceA.PendingLinkRequests(ctx)
	if err != nil {
		t.Fatalf("PendingLinkRequests: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
	if err := deviceA.ApproveRequest(ctx, requestID); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	status, err := deviceB.PollLinkRequest(ctx, requestID)
	if err != nil {
		t.Fatalf("PollLinkRequest: %v", err)
	}
	if status != LinkApproved {
		t.Fatalf("expected approved status, got %v", status)
	}

	if _, err := deviceB.LinkWithCode(ctx, linkingCode.Code); err == nil {
		t.Fatalf("expected a reused linking code to fail")
	}
}

func TestVerifyByQRRejectsFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := newEnabledStore(t)
	svc := New(store, dir, clock.System{}, Config{UserID: "alice"})
	if err := svc.Initialize(ctx, svc.cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	deviceID, _ := svc.DeviceID(ctx)
	if err := store.PutDevice(ctx, keystore.DeviceRecord{DeviceID: deviceID, DeviceName: "phone"}); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	dir.fingerprints["alice/"+deviceID] = "not-the-real-fingerprint"

	payload, err := svc.QRPayload(ctx)
	if err != nil {
		t.Fatalf("QRPayload: %v", err)
	}
	if err := svc.VerifyByQR(ctx, payload); err == nil {
		t.Fatalf("expected fingerprint mismatch to fail verification")
	}
}

func TestBackupRoundTripAndWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := newEnabledStore(t)
	svc := New(store, dir, clock.System{}, Config{UserID: "alice", PBKDF2Iterations: 1000})

	original, err := store.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}

	blob, err := svc.CreateBackup(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restoreStore := memstore.New()
	restoreSvc := New(restoreStore, dir, clock.System{}, Config{UserID: "alice", PBKDF2Iterations: 1000})

	if err := restoreSvc.RestoreBackup(ctx, "wrong password", &blob); !apperrIs(err, apperr.BackupAuthFailed) {
		t.Fatalf("expected BackupAuthFailed for wrong password, got %v", err)
	}

	if err := restoreSvc.RestoreBackup(ctx, "correct horse battery staple", &blob); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	restored, err := restoreStore.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity after restore: %v", err)
	}
	if string(restored.SigningPublic) != string(original.SigningPublic) {
		t.Fatalf("restored signing public key does not match original")
	}
	if restored.RegistrationID != original.RegistrationID {
		t.Fatalf("restored registration id does not match original")
	}

	// restoreBackup with blob omitted fetches from the directory.
	otherStore := memstore.New()
	otherSvc := New(otherStore, dir, clock.System{}, Config{UserID: "alice", PBKDF2Iterations: 1000})
	if err := otherSvc.RestoreBackup(ctx, "correct horse battery staple", nil); err != nil {
		t.Fatalf("RestoreBackup(fetch from directory): %v", err)
	}
}

func apperrIs(err error, kind apperr.Kind) bool {
	ae, ok := err.(*apperr.Error)
	return ok && ae.Kind == kind
}
