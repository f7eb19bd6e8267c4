package crypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	var key [AEADKeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, AEADKeySize))

	plaintext := []byte("hello bob")
	aad := []byte("header")

	nonce, ct, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	pt, err := AEADDecrypt(key, ct, nonce, aad)
	if err != nil {
		t.Fatalf("AEADDecrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestAEADTamperFails(t *testing.T) {
	var key [AEADKeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x01}, AEADKeySize))

	nonce, ct, err := AEADEncrypt(key, []byte("plaintext"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	ct[0] ^= 0xff
	if _, err := AEADDecrypt(key, ct, nonce, nil); err == nil {
		t.Fatalf("expected tamper to be detected")
	}
}

func TestX25519SharedSecretAgreement(t *testing.T) {
	a, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519(a): %v", err)
	}
	b, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519(b): %v", err)
	}
	sa, err := X25519(a.Private, b.Public)
	if err != nil {
		t.Fatalf("X25519(a,b): %v", err)
	}
	sb, err := X25519(b.Private, a.Public)
	if err != nil {
		t.Fatalf("X25519(b,a): %v", err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("shared secret mismatch")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	msg := []byte("signed prekey bytes")
	sig := Sign(kp.Private, msg)
	if !Verify(kp.Public, sig, msg) {
		t.Fatalf("expected valid signature to verify")
	}
	sig[0] ^= 0xff
	if Verify(kp.Public, sig, msg) {
		t.Fatalf("expected tampered signature to fail")
	}
}

func TestFingerprintFormat(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	fp := Fingerprint(kp.Public)
	groups := bytes.Split([]byte(fp), []byte(" "))
	if len(groups) != 12 {
		t.Fatalf("expected 12 groups, got %d (%q)", len(groups), fp)
	}
	for _, g := range groups {
		if len(g) != 5 {
			t.Fatalf("expected 5-hex-digit group, got %q", g)
		}
	}
}

func TestSafetyNumberSymmetric(t *testing.T) {
	a, _ := GenerateEd25519()
	b, _ := GenerateEd25519()
	n1 := SafetyNumber("alice", "bob", a.Public, b.Public)
	n2 := SafetyNumber("bob", "alice", b.Public, a.Public)
	if n1 != n2 {
		t.Fatalf("safety number not symmetric: %q vs %q", n1, n2)
	}
}

func TestPBKDF2Deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x07}, 16)
	k1 := PBKDF2([]byte("correct horse battery staple"), salt, 1000, 32)
	k2 := PBKDF2([]byte("correct horse battery staple"), salt, 1000, 32)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("PBKDF2 not deterministic for identical inputs")
	}
	k3 := PBKDF2([]byte("wrong password"), salt, 1000, 32)
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passwords produced the same key")
	}
}
