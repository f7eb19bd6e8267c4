package senderkeys

import (
	"testing"
)

func TestDistributionRoundTripInOrder(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	record := NewRecord(DistributionMessage(state))

	for i, pt := range []string{"gm", "gm2", "gm3"} {
		msg, err := Encrypt(&state, []byte(pt))
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", i, err)
		}
		if msg.Iteration != uint32(i) {
			t.Fatalf("expected iteration %d, got %d", i, msg.Iteration)
		}
		plaintext, err := Decrypt(&record, msg)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", i, err)
		}
		if string(plaintext) != pt {
			t.Fatalf("message %d: got %q want %q", i, plaintext, pt)
		}
	}
}

func TestDecryptAheadCachesSkippedIterations(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	record := NewRecord(DistributionMessage(state))

	var msgs []Message
	for _, pt := range []string{"a", "b", "c"} {
		msg, err := Encrypt(&state, []byte(pt))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		msgs = append(msgs, msg)
	}

	pt, err := Decrypt(&record, msgs[2])
	if err != nil {
		t.Fatalf("Decrypt(ahead): %v", err)
	}
	if string(pt) != "c" {
		t.Fatalf("got %q want %q", pt, "c")
	}
	if len(record.skipped) != 2 {
		t.Fatalf("expected 2 cached skipped keys, got %d", len(record.skipped))
	}

	pt0, err := Decrypt(&record, msgs[0])
	if err != nil {
		t.Fatalf("Decrypt(behind, cached): %v", err)
	}
	if string(pt0) != "a" {
		t.Fatalf("got %q want %q", pt0, "a")
	}
	pt1, err := Decrypt(&record, msgs[1])
	if err != nil {
		t.Fatalf("Decrypt(behind, cached): %v", err)
	}
	if string(pt1) != "b" {
		t.Fatalf("got %q want %q", pt1, "b")
	}
	if len(record.skipped) != 0 {
		t.Fatalf("expected skipped cache drained, got %d", len(record.skipped))
	}
}

func TestDecryptRejectsKeyIDMismatch(t *testing.T) {
	stateA, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState(a): %v", err)
	}
	stateB, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState(b): %v", err)
	}
	recordA := NewRecord(DistributionMessage(stateA))

	msgFromB, err := Encrypt(&stateB, []byte("private"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(&recordA, msgFromB); err == nil {
		t.Fatalf("expected key id mismatch to be rejected")
	}
}

func TestDecryptRejectsTamperedMAC(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	record := NewRecord(DistributionMessage(state))

	msg, err := Encrypt(&state, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msg.MAC[0] ^= 0xff
	if _, err := Decrypt(&record, msg); err == nil {
		t.Fatalf("expected tampered mac to be rejected")
	}
}

func TestRotationProducesFreshKeyID(t *testing.T) {
	first, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	second, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	if first.KeyID == second.KeyID || first.ChainKey == second.ChainKey {
		t.Fatalf("expected rotation to produce distinct key material")
	}
}
