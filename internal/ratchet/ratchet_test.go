package ratchet

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"e2ee/internal/apperr"
	"e2ee/internal/crypto"
)

// newPair builds a sender/receiver session pair seeded from the same
// shared secret and signed-prekey pair, mirroring what the pairwise
// service does after a successful X3DH agreement.
func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	var sk [32]byte
	copy(sk[:], bytes.Repeat([]byte{0x09}, 32))

	spk, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	sender, err := InitiateAsSender(sk, spk.Public)
	if err != nil {
		t.Fatalf("InitiateAsSender: %v", err)
	}
	receiver := InitiateAsReceiver(sk, spk)
	return sender, receiver
}

func TestRoundTripSingleMessage(t *testing.T) {
	sender, receiver := newPair(t)

	ciphertext, header, err := sender.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	plaintext, err := receiver.Receive(ciphertext, header)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("got %q want %q", plaintext, "hello")
	}
	if receiver.State() != FullyEstablished {
		t.Fatalf("expected receiver fully established after first message")
	}
}

func TestReplyTriggersDHRatchet(t *testing.T) {
	sender, receiver := newPair(t)

	ct1, h1, err := sender.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send(hello): %v", err)
	}
	if _, err := receiver.Receive(ct1, h1); err != nil {
		t.Fatalf("Receive(hello): %v", err)
	}

	ct2, h2, err := receiver.Send([]byte("hi"))
	if err != nil {
		t.Fatalf("Send(hi): %v", err)
	}
	pt2, err := sender.Receive(ct2, h2)
	if err != nil {
		t.Fatalf("Receive(hi): %v", err)
	}
	if string(pt2) != "hi" {
		t.Fatalf("got %q want %q", pt2, "hi")
	}
	if sender.State() != FullyEstablished {
		t.Fatalf("expected sender fully established after reply")
	}

	ct3, h3, err := sender.Send([]byte("ping"))
	if err != nil {
		t.Fatalf("Send(ping): %v", err)
	}
	pt3, err := receiver.Receive(ct3, h3)
	if err != nil {
		t.Fatalf("Receive(ping): %v", err)
	}
	if string(pt3) != "ping" {
		t.Fatalf("got %q want %q", pt3, "ping")
	}

	ct4, h4, err := receiver.Send([]byte("pong"))
	if err != nil {
		t.Fatalf("Send(pong): %v", err)
	}
	pt4, err := sender.Receive(ct4, h4)
	if err != nil {
		t.Fatalf("Receive(pong): %v", err)
	}
	if string(pt4) != "pong" {
		t.Fatalf("got %q want %q", pt4, "pong")
	}
}

func TestOutOfOrderWithinChain(t *testing.T) {
	sender, receiver := newPair(t)

	type msg struct {
		ct []byte
		h  Header
		pt string
	}
	var msgs []msg
	for i, pt := range []string{"m1", "m2", "m3", "m4", "m5"} {
		ct, h, err := sender.Send([]byte(pt))
		if err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
		msgs = append(msgs, msg{ct: ct, h: h, pt: pt})
	}

	order := []int{2, 0, 4, 1, 3}
	for _, i := range order {
		pt, err := receiver.Receive(msgs[i].ct, msgs[i].h)
		if err != nil {
			t.Fatalf("Receive(%d): %v", i, err)
		}
		if string(pt) != msgs[i].pt {
			t.Fatalf("message %d: got %q want %q", i, pt, msgs[i].pt)
		}
		if receiver.SkippedCount() > 4 {
			t.Fatalf("skipped cache exceeded 4 entries: %d", receiver.SkippedCount())
		}
	}
	if receiver.SkippedCount() != 0 {
		t.Fatalf("expected skipped cache empty after all messages consumed, got %d", receiver.SkippedCount())
	}
}

func TestTooManySkippedBoundary(t *testing.T) {
	sender, receiver := newPair(t)

	for i := 0; i < MaxSkip+2; i++ {
		if _, _, err := sender.Send([]byte("x")); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	last, lastHeader, err := sender.Send([]byte("last"))
	if err != nil {
		t.Fatalf("Send(last): %v", err)
	}

	if _, err := receiver.Receive(last, lastHeader); !errors.Is(err, apperr.Sentinel(apperr.TooManySkipped)) {
		t.Fatalf("expected TooManySkipped, got %v", err)
	}
	if receiver.ReceivingIndex() != 0 {
		t.Fatalf("expected receiving index unchanged after rejected skip, got %d", receiver.ReceivingIndex())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	sender, receiver := newPair(t)

	ct, h, err := sender.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := receiver.Receive(ct, h); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	snap := sender.Export()
	restored, err := Import(snap)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !reflect.DeepEqual(restored.Export(), snap) {
		t.Fatalf("snapshot round trip mismatch")
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{PreviousSendingChainLength: 3, MessageIndex: 9}
	copy(h.DHPublic[:], bytes.Repeat([]byte{0x05}, 32))

	encoded := h.Encode()
	if len(encoded) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(encoded))
	}
	decoded, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, h)
	}
}
