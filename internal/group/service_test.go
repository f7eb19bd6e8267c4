package group

import (
	"context"
	"sync"
	"testing"

	"e2ee/internal/apperr"
	"e2ee/internal/clock"
	"e2ee/internal/keystore/memstore"
	"e2ee/internal/pairwise"
)

// fakeDirectory is a shared in-memory pairwise.Directory standing in for
// the real key-distribution service across every participant in a test.
type fakeDirectory struct {
	mu      sync.Mutex
	bundles map[string]pairwise.DirectoryBundle
	otks    map[string][]pairwise.DirectoryOneTimePreKey
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		bundles: make(map[string]pairwise.DirectoryBundle),
		otks:    make(map[string][]pairwise.DirectoryOneTimePreKey),
	}
}

func (d *fakeDirectory) UploadBundle(ctx context.Context, userID string, bundle pairwise.DirectoryBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[userID] = bundle
	return nil
}

func (d *fakeDirectory) UploadOneTimePreKeys(ctx context.Context, userID string, keys []pairwise.DirectoryOneTimePreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.otks[userID] = append(d.otks[userID], keys...)
	return nil
}

func (d *fakeDirectory) UploadSignedPreKey(ctx context.Context, userID string, key pairwise.DirectorySignedPreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bundle := d.bundles[userID]
	bundle.SignedPreKey = key
	d.bundles[userID] = bundle
	return nil
}

func (d *fakeDirectory) FetchBundle(ctx context.Context, userID string) (pairwise.DirectoryBundle, error) {
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

type sentMessage struct {
	from, to string
	roomID   string
	payload  pairwise.EncryptedPayload
}

// recordingPairwise wraps a real pairwise.Service and appends every
// outbound Encrypt call to a shared outbox, so a test can simulate the
// room's transport fanout by draining the outbox into each recipient's
// OnDistribution.
type recordingPairwise struct {
	inner *pairwise.Service
	self  string
	box   *[]sentMessage
}

func (r *recordingPairwise) Encrypt(ctx context.Context, peerUserID string, plaintext []byte, roomID string) (pairwise.EncryptedPayload, error) {
	payload, err := r.inner.Encrypt(ctx, peerUserID, plaintext, roomID)
	if err != nil {
		return payload, err
	}
	*r.box = append(*r.box, sentMessage{from: r.self, to: peerUserID, roomID: roomID, payload: payload})
	return payload, nil
}

func (r *recordingPairwise) Decrypt(ctx context.Context, peerUserID string, payload pairwise.EncryptedPayload, roomID string) ([]byte, error) {
	return r.inner.Decrypt(ctx, peerUserID, payload, roomID)
}

type participant struct {
	id    string
	group *Service
}

func newParticipant(t *testing.T, id string, dir *fakeDirectory, box *[]sentMessage) *participant {
	t.Helper()
	ctx := context.Background()
	pw := pairwise.New(memstore.New(), dir, clock.System{}, pairwise.Config{UserID: id})
	if err := pw.Enable(ctx); err != nil {
		t.Fatalf("%s pairwise.Enable: %v", id, err)
	}
	rec := &recordingPairwise{inner: pw, self: id, box: box}
	return &participant{id: id, group: New(memstore.New(), rec, id)}
}

// deliver drains every pending outbox entry addressed to one of members,
// handing each to the recipient's OnDistribution.
func deliver(t *testing.T, ctx context.Context, box *[]sentMessage, members map[string]*participant) {
	t.Helper()
	pending := *box
	*box = nil
	for _, msg := range pending {
		recipient, ok := members[msg.to]
		if !ok {
			continue
		}
		if err := recipient.group.OnDistribution(ctx, msg.roomID, msg.from, msg.payload); err != nil {
			t.Fatalf("%s.OnDistribution(from %s): %v", msg.to, msg.from, err)
		}
	}
}

func TestGroupDistributionInOrder(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	var box []sentMessage
	a := newParticipant(t, "alice", dir, &box)
	b := newParticipant(t, "bob", dir, &box)
	members := map[string]*participant{"alice": a, "bob": b}

	const room = "room-1"
	if err := a.group.InitializeForRoom(ctx, room, []string{"alice", "bob"}); err != nil {
		t.Fatalf("alice.InitializeForRoom: %v", err)
	}
	deliver(t, ctx, &box, members)

	var firstKeyID uint32
	for i, text := range []string{"gm", "gm2", "gm3"} {
		payload, err := a.group.Encrypt(ctx, room, []byte(text))
		if err != nil {
			t.Fatalf("alice.Encrypt(%d): %v", i, err)
		}
		if i == 0 {
			firstKeyID = payload.KeyID
		} else if payload.KeyID != firstKeyID {
			t.Fatalf("expected stable keyId across messages, got %d then %d", firstKeyID, payload.KeyID)
		}
		if payload.Message.Iteration != uint32(i) {
			t.Fatalf("message %d: expected iteration %d, got %d", i, i, payload.Message.Iteration)
		}

		plaintext, err := b.group.Decrypt(ctx, payload)
		if err != nil {
			t.Fatalf("bob.Decrypt(%d): %v", i, err)
		}
		if string(plaintext) != text {
			t.Fatalf("message %d: got %q want %q", i, plaintext, text)
		}
	}
}

func TestGroupDecryptWithoutRecordFailsNoSenderKey(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	var box []sentMessage
	a := newParticipant(t, "alice", dir, &box)
	b := newParticipant(t, "bob", dir, &box)

	payload, err := a.group.Encrypt(ctx, "room-2", []byte("hi"))
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	if _, err := b.group.Decrypt(ctx, payload); !apperrIs(err, apperr.NoSenderKey) {
		t.Fatalf("expected NoSenderKey, got %v", err)
	}
}

func TestMemberRemovalRotatesSenderKey(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	var box []sentMessage
	a := newParticipant(t, "alice", dir, &box)
	b := newParticipant(t, "bob", dir, &box)
	c := newParticipant(t, "carol", dir, &box)
	members := map[string]*participant{"alice": a, "bob": b, "carol": c}

	const room = "room-3"
	if err := a.group.InitializeForRoom(ctx, room, []string{"alice", "bob", "carol"}); err != nil {
		t.Fatalf("alice.InitializeForRoom: %v", err)
	}
	deliver(t, ctx, &box, members)

	first, err := a.group.Encrypt(ctx, room, []byte("before removal"))
	if err != nil {
		t.Fatalf("alice.Encrypt(first): %v", err)
	}
	if _, err := c.group.Decrypt(ctx, first); err != nil {
		t.Fatalf("carol.Decrypt(first): %v", err)
	}
	oldKeyID := first.KeyID

	if err := a.group.OnMemberLeft(ctx, room, "carol"); err != nil {
		t.Fatalf("alice.OnMemberLeft: %v", err)
	}
	deliver(t, ctx, &box, members)

	second, err := a.group.Encrypt(ctx, room, []byte("private"))
	if err != nil {
		t.Fatalf("alice.Encrypt(second): %v", err)
	}
	if second.KeyID == oldKeyID {
		t.Fatalf("expected a rotated keyId after member removal")
	}

	if _, err := b.group.Decrypt(ctx, second); err != nil {
		t.Fatalf("bob.Decrypt(second): %v", err)
	}
	if _, err := c.group.Decrypt(ctx, second); err == nil {
		t.Fatalf("expected carol's decrypt of the rotated message to fail")
	}
}

func apperrIs(err error, kind apperr.Kind) bool {
	ae, ok := err.(*apperr.Error)
	return ok && ae.Kind == kind
}
