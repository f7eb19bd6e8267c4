package pairwise

import (
	"context"
	"sync"
	"testing"

	"e2ee/internal/clock"
	"e2ee/internal/crypto"
	"e2ee/internal/keystore/memstore"
	"e2ee/internal/ratchet"
	"e2ee/internal/x3dh"
)

// fakeDirectory is an in-memory Directory shared between two services in
// these tests, standing in for the real key-distribution service.
type fakeDirectory struct {
	mu      sync.Mutex
	bundles map[string]DirectoryBundle
	otks    map[string][]DirectoryOneTimePreKey
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		bundles: make(map[string]DirectoryBundle),
		otks:    make(map[string][]DirectoryOneTimePreKey),
	}
}

func (d *fakeDirectory) UploadBundle(ctx context.Context, userID string, bundle DirectoryBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[userID] = bundle
	return nil
}

func (d *fakeDirectory) UploadOneTimePreKeys(ctx context.Context, userID string, keys []DirectoryOneTimePreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.otks[userID] = append(d.otks[userID], keys...)
	return nil
}

func (d *fakeDirectory) UploadSignedPreKey(ctx context.Context, userID string, key DirectorySignedPreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bundle := d.bundles[userID]
	bundle.SignedPreKey = key
	d.bundles[userID] = bundle
	return nil
}

func (d *fakeDirectory) FetchBundle(ctx context.Context, userID string) (DirectoryBundle, error) {
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

func newTestPair(t *testing.T) (alice *Service, bob *Service, dir *fakeDirectory) {
	t.Helper()
	dir = newFakeDirectory()
	ctx := context.Background()

	alice = New(memstore.New(), dir, clock.System{}, Config{UserID: "alice"})
	if err := alice.Enable(ctx); err != nil {
		t.Fatalf("alice.Enable: %v", err)
	}
	bob = New(memstore.New(), dir, clock.System{}, Config{UserID: "bob"})
	if err := bob.Enable(ctx); err != nil {
		t.Fatalf("bob.Enable: %v", err)
	}
	return alice, bob, dir
}

func TestFreshPairwiseSendEstablishesSessionAndDecrypts(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestPair(t)

	payload, err := alice.Encrypt(ctx, "bob", []byte("hello bob"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	if !payload.IsInitial {
		t.Fatalf("expected first message to be initial")
	}
	if len(payload.X3dhHeader) != x3dh.HeaderSize {
		t.Fatalf("expected x3dh header of %d bytes, got %d", x3dh.HeaderSize, len(payload.X3dhHeader))
	}
	wantMessageLen := ratchet.HeaderSize + crypto.AEADNonceSize + 4 + len("hello bob") + 16
	if len(payload.Message) != wantMessageLen {
		t.Fatalf("expected ratchet message of %d bytes, got %d", wantMessageLen, len(payload.Message))
	}

	plaintext, err := bob.Decrypt(ctx, "alice", payload, "")
	if err != nil {
		t.Fatalf("bob.Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q want %q", plaintext, "hello bob")
	}

	status, err := bob.Status(ctx)
	if err != nil {
		t.Fatalf("bob.Status: %v", err)
	}
	if status.AvailablePrekeys != defaultOneTimePreKeyTarget-1 {
		t.Fatalf("expected one one-time prekey consumed, got %d remaining", status.AvailablePrekeys)
	}
}

func TestReplyTriggersDHRatchetAcrossService(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestPair(t)

	first, err := alice.Encrypt(ctx, "bob", []byte("hi"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(ctx, "alice", first, ""); err != nil {
		t.Fatalf("bob.Decrypt(first): %v", err)
	}

	reply, err := bob.Encrypt(ctx, "alice", []byte("hi back"), "")
	if err != nil {
		t.Fatalf("bob.Encrypt(reply): %v", err)
	}
	if reply.IsInitial {
		t.Fatalf("reply should not be an initial x3dh message")
	}

	plaintext, err := alice.Decrypt(ctx, "bob", reply, "")
	if err != nil {
		t.Fatalf("alice.Decrypt(reply): %v", err)
	}
	if string(plaintext) != "hi back" {
		t.Fatalf("got %q want %q", plaintext, "hi back")
	}

	second, err := alice.Encrypt(ctx, "bob", []byte("second message"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt(second): %v", err)
	}
	plaintext2, err := bob.Decrypt(ctx, "alice", second, "")
	if err != nil {
		t.Fatalf("bob.Decrypt(second): %v", err)
	}
	if string(plaintext2) != "second message" {
		t.Fatalf("got %q want %q", plaintext2, "second message")
	}
}

func TestRoomScopedSessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestPair(t)

	direct, err := alice.Encrypt(ctx, "bob", []byte("direct"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt(direct): %v", err)
	}
	if _, err := bob.Decrypt(ctx, "alice", direct, ""); err != nil {
		t.Fatalf("bob.Decrypt(direct): %v", err)
	}

	roomed, err := alice.Encrypt(ctx, "bob", []byte("roomed"), "room-1")
	if err != nil {
		t.Fatalf("alice.Encrypt(roomed): %v", err)
	}
	if !roomed.IsInitial {
		t.Fatalf("expected a fresh session for the room-scoped peer key")
	}
	plaintext, err := bob.Decrypt(ctx, "alice", roomed, "room-1")
	if err != nil {
		t.Fatalf("bob.Decrypt(roomed): %v", err)
	}
	if string(plaintext) != "roomed" {
		t.Fatalf("got %q want %q", plaintext, "roomed")
	}
}

func TestSafetyNumberIsSymmetric(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestPair(t)

	aliceView, err := alice.SafetyNumber(ctx, "bob")
	if err != nil {
		t.Fatalf("alice.SafetyNumber: %v", err)
	}
	bobView, err := bob.SafetyNumber(ctx, "alice")
	if err != nil {
		t.Fatalf("bob.SafetyNumber: %v", err)
	}
	if aliceView != bobView {
		t.Fatalf("expected symmetric safety number, got %q vs %q", aliceView, bobView)
	}
}

func TestEnableIsNotIdempotent(t *testing.T) {
	ctx := context.Background()
	alice, _, _ := newTestPair(t)
	if err := alice.Enable(ctx); err == nil {
		t.Fatalf("expected second Enable to fail")
	}
}

func TestDeleteSessionForcesFreshX3DH(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestPair(t)

	first, err := alice.Encrypt(ctx, "bob", []byte("one"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(ctx, "alice", first, ""); err != nil {
		t.Fatalf("bob.Decrypt: %v", err)
	}

	if err := alice.DeleteSession(ctx, "bob", ""); err != nil {
		t.Fatalf("alice.DeleteSession: %v", err)
	}

	second, err := alice.Encrypt(ctx, "bob", []byte("two"), "")
	if err != nil {
		t.Fatalf("alice.Encrypt(after delete): %v", err)
	}
	if !second.IsInitial {
		t.Fatalf("expected a fresh x3dh handshake after session deletion")
	}
}

func TestOneTimePrekeyExhaustionFallsBackToThreeDHInputs(t *testing.T) {
	ctx := context.Background()
	alice, bob, dir := newTestPair(t)

	dir.mu.Lock()
	dir.otks["bob"] = nil
	dir.mu.Unlock()

	payload, err := alice.Encrypt(ctx, "bob", []byte("no more one-time prekeys"), "exhausted")
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	if !payload.IsInitial {
		t.Fatalf("expected a fresh x3dh handshake")
	}

	header, err := x3dh.DecodeHeader(payload.X3dhHeader)
	if err != nil {
		t.Fatalf("x3dh.DecodeHeader: %v", err)
	}
	if header.HasOneTime {
		t.Fatalf("expected no one-time prekey to be referenced once the directory's pool is exhausted")
	}

	plaintext, err := bob.Decrypt(ctx, "alice", payload, "exhausted")
	if err != nil {
		t.Fatalf("bob.Decrypt: %v", err)
	}
	if string(plaintext) != "no more one-time prekeys" {
		t.Fatalf("got %q want %q", plaintext, "no more one-time prekeys")
	}

	count, err := bob.store.CountOneTimePreKeys(ctx)
	if err != nil {
		t.Fatalf("CountOneTimePreKeys: %v", err)
	}
	if count != defaultOneTimePreKeyTarget {
		t.Fatalf("expected bob's local store unaffected by the directory-side exhaustion, got %d", count)
	}
}
