package main

import (
	"context"
	"sync"
	"time"

	"e2ee/internal/clock"
	"e2ee/internal/group"
	"e2ee/internal/keystore/memstore"
	"e2ee/internal/multidevice"
	"e2ee/internal/pairwise"
)

// loopbackDirectory is a single in-process stand-in for the directory
// service, satisfying both pairwise.Directory and multidevice.Directory so
// every demo subcommand can share one instance across participants.
type loopbackDirectory struct {
	mu      sync.Mutex
	bundles map[string]pairwise.DirectoryBundle
	otks    map[string][]pairwise.DirectoryOneTimePreKey
	backups map[string]multidevice.BackupBlob
}

func newLoopbackDirectory() *loopbackDirectory {
	return &loopbackDirectory{
		bundles: make(map[string]pairwise.DirectoryBundle),
		otks:    make(map[string][]pairwise.DirectoryOneTimePreKey),
		backups: make(map[string]multidevice.BackupBlob),
	}
}

func (d *loopbackDirectory) UploadBundle(ctx context.Context, userID string, bundle pairwise.DirectoryBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[userID] = bundle
	return nil
}

func (d *loopbackDirectory) UploadOneTimePreKeys(ctx context.Context, userID string, keys []pairwise.DirectoryOneTimePreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.otks[userID] = append(d.otks[userID], keys...)
	return nil
}

func (d *loopbackDirectory) UploadSignedPreKey(ctx context.Context, userID string, key pairwise.DirectorySignedPreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bundle := d.bundles[userID]
	bundle.SignedPreKey = key
	d.bundles[userID] = bundle
	return nil
}

func (d *loopbackDirectory) FetchBundle(ctx context.Context, userID string) (pairwise.DirectoryBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bundle := d.bundles[userID]
	if otks := d.otks[userID]; len(otks) > 0 {
		next := otks[0]
		d.otks[userID] = otks[1:]
		bundle.OneTimePreKey = &next
	} else {
		bundle.OneTimePreKey = nil
	}
	return bundle, nil
}

func (d *loopbackDirectory) RegisterDevice(ctx context.Context, userID string, reg multidevice.DeviceRegistration) error {
	return nil
}

func (d *loopbackDirectory) ListDevices(ctx context.Context, userID string) ([]multidevice.DeviceInfo, error) {
	return nil, nil
}

func (d *loopbackDirectory) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	return nil
}

func (d *loopbackDirectory) RenameDevice(ctx context.Context, userID, deviceID, newName string) error {
	return nil
}

func (d *loopbackDirectory) FetchDeviceFingerprint(ctx context.Context, userID, deviceID string) (string, error) {
	return "", nil
}

func (d *loopbackDirectory) CreateLinkingCode(ctx context.Context, userID string, ttl time.Duration) (multidevice.LinkingCode, error) {
	return multidevice.LinkingCode{}, nil
}

func (d *loopbackDirectory) SubmitLinkRequest(ctx context.Context, req multidevice.LinkRequest) (string, error) {
	return "", nil
}

func (d *loopbackDirectory) RequestStatus(ctx context.Context, requestID string) (multidevice.LinkRequestStatus, error) {
	return multidevice.LinkApproved, nil
}

func (d *loopbackDirectory) PendingLinkRequests(ctx context.Context, userID string) ([]multidevice.LinkRequest, error) {
	return nil, nil
}

func (d *loopbackDirectory) RespondToLinkRequest(ctx context.Context, requestID string, approve bool) error {
	return nil
}

func (d *loopbackDirectory) UploadBackup(ctx context.Context, userID string, blob multidevice.BackupBlob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backups[userID] = blob
	return nil
}

func (d *loopbackDirectory) FetchBackup(ctx context.Context, userID string) (multidevice.BackupBlob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backups[userID], nil
}

// sentMessage is one pairwise-encrypted hop recorded by recordingPairwise,
// replayed by outbox.deliver to simulate the room's transport fanout.
type sentMessage struct {
	from, to, roomID string
	payload          pairwise.EncryptedPayload
}

type outbox struct {
	mu       sync.Mutex
	messages []sentMessage
}

func newOutbox() *outbox { return &outbox{} }

func (o *outbox) record(from, to, roomID string, payload pairwise.EncryptedPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, sentMessage{from: from, to: to, roomID: roomID, payload: payload})
}

func (o *outbox) deliver(ctx context.Context, members map[string]*groupParticipant) {
	o.mu.Lock()
	pending := o.messages
	o.messages = nil
	o.mu.Unlock()
	for _, msg := range pending {
		recipient, ok := members[msg.to]
		if !ok {
			continue
		}
		_ = recipient.group.OnDistribution(ctx, msg.roomID, msg.from, msg.payload)
	}
}

// recordingPairwise wraps a pairwise.Service and appends every outbound
// Encrypt call to a shared outbox, letting the demo simulate a room's
// transport fanout without a live messages service.
type recordingPairwise struct {
	inner *pairwise.Service
	self  string
	box   *outbox
}

func (r *recordingPairwise) Encrypt(ctx context.Context, peerUserID string, plaintext []byte, roomID string) (pairwise.EncryptedPayload, error) {
	payload, err := r.inner.Encrypt(ctx, peerUserID, plaintext, roomID)
	if err != nil {
		return payload, err
	}
	r.box.record(r.self, peerUserID, roomID, payload)
	return payload, nil
}

func (r *recordingPairwise) Decrypt(ctx context.Context, peerUserID string, payload pairwise.EncryptedPayload, roomID string) ([]byte, error) {
	return r.inner.Decrypt(ctx, peerUserID, payload, roomID)
}

type groupParticipant struct {
	id    string
	group *group.Service
}

func newGroupParticipant(ctx context.Context, id string, dir *loopbackDirectory, box *outbox) *groupParticipant {
	pw := pairwise.New(memstore.New(), dir, clock.System{}, pairwiseConfig(id))
	pw.SetLogger(logger)
	_ = pw.Enable(ctx)
	rec := &recordingPairwise{inner: pw, self: id, box: box}
	grp := group.New(memstore.New(), rec, id)
	grp.SetLogger(logger)
	return &groupParticipant{id: id, group: grp}
}
