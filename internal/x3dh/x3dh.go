// Package x3dh implements the Extended Triple Diffie-Hellman initial key
// agreement: bundle signature verification, initiator and responder agreement,
// and the wire encoding of the initial handshake header. It generalizes a
// fixed single-one-time-prekey agreement to a variable number of one-time
// prekeys (100 at enable time, refilled, and optionally exhausted) and
// reports failures via the package-level apperr error kinds instead of
// package-private sentinel errors.
package x3dh

import (
	"encoding/binary"
	"log/slog"

	"e2ee/internal/apperr"
	"e2ee/internal/crypto"
	"e2ee/internal/observability/logging"
)

const hkdfInfo = "X3DH"

// Logger receives a structured event for every exported function's
// failure; callers embedding this package can override it, e.g.
// x3dh.Logger = logging.New(logging.Config{Component: "x3dh"}).
var Logger *slog.Logger = logging.Noop()

// HeaderSize is the fixed wire size of the initial handshake header: 32B
// identity public, 32B ephemeral public, 4B signed-prekey id, 4B
// one-time-prekey id, 1B has-one-time flag.
const HeaderSize = 32 + 32 + 4 + 4 + 1

// Bundle is the public prekey bundle a peer publishes for others to
// initiate sessions against.
type Bundle struct {
	IdentitySigningPublic []byte
	IdentityDHPublic      [32]byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySig       []byte
	OneTimePreKeyID       *uint32
	OneTimePreKeyPublic   *[32]byte
}

// Own bundles together the private material needed to run the initiator
// or responder side of the agreement.
type Own struct {
	IdentitySigningPrivate []byte
	IdentityDHPrivate      [32]byte
	IdentityDHPublic       [32]byte
	SignedPreKeyID         uint32
	SignedPreKeyPrivate    [32]byte
}

// Header is the parsed initial handshake header. It travels in the
// pairwise payload alongside the first Double Ratchet message of a new
// session and is not included in that message's AAD.
type Header struct {
	IdentityPub     [32]byte
	EphemeralPub    [32]byte
	SignedPreKeyID  uint32
	OneTimePreKeyID uint32
	HasOneTime      bool
}

// Encode serializes h to its fixed 73-byte big-endian wire form.
func (h Header) Encode() []byte {
	out := make([]byte, HeaderSize)
	copy(out[0:32], h.IdentityPub[:])
	copy(out[32:64], h.EphemeralPub[:])
	binary.BigEndian.PutUint32(out[64:68], h.SignedPreKeyID)
	binary.BigEndian.PutUint32(out[68:72], h.OneTimePreKeyID)
	if h.HasOneTime {
		out[72] = 1
	}
	return out
}

// DecodeHeader parses a 73-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	h, err := decodeHeader(b)
	if err != nil {
		logging.LogFailure(Logger, err)
	}
	return h, err
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, apperr.New("x3dh.DecodeHeader", apperr.BadBundle, "invalid header length")
	}
	var h Header
	copy(h.IdentityPub[:], b[0:32])
	copy(h.EphemeralPub[:], b[32:64])
	h.SignedPreKeyID = binary.BigEndian.Uint32(b[64:68])
	h.OneTimePreKeyID = binary.BigEndian.Uint32(b[68:72])
	h.HasOneTime = b[72] == 1
	return h, nil
}

// VerifyBundle rejects a bundle whose signed prekey signature does not
// verify under the bundle's own identity signing key.
func VerifyBundle(b Bundle) error {
	if !crypto.Verify(b.IdentitySigningPublic, b.SignedPreKeySig, b.SignedPreKeyPublic[:]) {
		err := apperr.New("x3dh.VerifyBundle", apperr.BadBundle, "signed prekey signature invalid")
		logging.LogFailure(Logger, err)
		return err
	}
	return nil
}

// Result is the outcome of either side of the agreement: the 32-byte
// shared secret and the one-time prekey id used (if any). Ephemeral is
// set only by the initiator.
type Result struct {
	SharedSecret        [32]byte
	Ephemeral           crypto.X25519KeyPair
	UsedOneTimePreKeyID *uint32
}

// Initiate runs the initiator side of X3DH against a verified peer
// bundle: own is the initiator's own identity/material, peer is the
// bundle fetched from the directory.
func Initiate(own Own, peer Bundle) (Result, Header, error) {
	result, header, err := initiate(own, peer)
	if err != nil {
		logging.LogFailure(Logger, err)
	}
	return result, header, err
}

func initiate(own Own, peer Bundle) (Result, Header, error) {
	if err := VerifyBundle(peer); err != nil {
		return Result{}, Header{}, err
	}
	ephemeral, err := crypto.GenerateX25519()
	if err != nil {
		return Result{}, Header{}, apperr.Wrap("x3dh.Initiate", apperr.InvalidArgument, "ephemeral key generation failed", err)
	}

	dh1, err := crypto.X25519(own.IdentityDHPrivate, peer.SignedPreKeyPublic)
	if err != nil {
		return Result{}, Header{}, apperr.Wrap("x3dh.Initiate", apperr.BadBundle, "dh1 failed", err)
	}
	dh2, err := crypto.X25519(ephemeral.Private, peer.IdentityDHPublic)
	if err != nil {
		return Result{}, Header{}, apperr.Wrap("x3dh.Initiate", apperr.BadBundle, "dh2 failed", err)
	}
	dh3, err := crypto.X25519(ephemeral.Private, peer.SignedPreKeyPublic)
	if err != nil {
		return Result{}, Header{}, apperr.Wrap("x3dh.Initiate", apperr.BadBundle, "dh3 failed", err)
	}

	secret := make([]byte, 0, 32*4)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)

	var usedID *uint32
	if peer.OneTimePreKeyID != nil && peer.OneTimePreKeyPublic != nil {
		dh4, err := crypto.X25519(ephemeral.Private, *peer.OneTimePreKeyPublic)
		if err != nil {
			return Result{}, Header{}, apperr.Wrap("x3dh.Initiate", apperr.BadBundle, "dh4 failed", err)
		}
		secret = append(secret, dh4...)
		id := *peer.OneTimePreKeyID
		usedID = &id
	}

	sk, err := deriveSharedSecret(secret)
	if err != nil {
		return Result{}, Header{}, err
	}

	header := Header{
		IdentityPub:    own.IdentityDHPublic,
		EphemeralPub:   ephemeral.Public,
		SignedPreKeyID: peer.SignedPreKeyID,
		HasOneTime:     usedID != nil,
	}
	if usedID != nil {
		header.OneTimePreKeyID = *usedID
	}

	return Result{SharedSecret: sk, Ephemeral: ephemeral, UsedOneTimePreKeyID: usedID}, header, nil
}

// RespondInput carries everything the responder needs: its own identity
// and the signed prekey named by the header, plus the one-time prekey
// private half if the header names one (already looked up and, on
// success, deleted by the caller per store semantics).
type RespondInput struct {
	Own               Own
	SignedPreKeyID    uint32
	OneTimePreKeyPriv *[32]byte
}

// Respond runs the responder side of X3DH against a parsed initiator
// header. The caller is responsible for resolving header.SignedPreKeyID to
// the matching private signed prekey before calling, and for deleting the
// consumed one-time prekey from the store on success.
func Respond(in RespondInput, header Header) (Result, error) {
	result, err := respond(in, header)
	if err != nil {
		logging.LogFailure(Logger, err)
	}
	return result, err
}

func respond(in RespondInput, header Header) (Result, error) {
	if in.SignedPreKeyID != header.SignedPreKeyID {
		return Result{}, apperr.New("x3dh.Respond", apperr.BadBundle, "signed prekey id mismatch")
	}

	dh1, err := crypto.X25519(in.Own.SignedPreKeyPrivate, header.IdentityPub)
	if err != nil {
		return Result{}, apperr.Wrap("x3dh.Respond", apperr.BadBundle, "dh1 failed", err)
	}
	dh2, err := crypto.X25519(in.Own.IdentityDHPrivate, header.EphemeralPub)
	if err != nil {
		return Result{}, apperr.Wrap("x3dh.Respond", apperr.BadBundle, "dh2 failed", err)
	}
	dh3, err := crypto.X25519(in.Own.SignedPreKeyPrivate, header.EphemeralPub)
	if err != nil {
		return Result{}, apperr.Wrap("x3dh.Respond", apperr.BadBundle, "dh3 failed", err)
	}

	secret := make([]byte, 0, 32*4)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)

	if header.HasOneTime {
		if in.OneTimePreKeyPriv == nil {
			return Result{}, apperr.New("x3dh.Respond", apperr.UnknownKey, "referenced one-time prekey not found")
		}
		dh4, err := crypto.X25519(*in.OneTimePreKeyPriv, header.EphemeralPub)
		if err != nil {
			return Result{}, apperr.Wrap("x3dh.Respond", apperr.BadBundle, "dh4 failed", err)
		}
		secret = append(secret, dh4...)
	}

	sk, err := deriveSharedSecret(secret)
	if err != nil {
		return Result{}, err
	}
	var id *uint32
	if header.HasOneTime {
		v := header.OneTimePreKeyID
		id = &v
	}
	return Result{SharedSecret: sk, UsedOneTimePreKeyID: id}, nil
}

func deriveSharedSecret(secret []byte) ([32]byte, error) {
	var salt [32]byte
	out, err := crypto.HKDF(secret, salt[:], []byte(hkdfInfo), 32)
	if err != nil {
		return [32]byte{}, apperr.Wrap("x3dh.deriveSharedSecret", apperr.BadBundle, "key derivation failed", err)
	}
	var sk [32]byte
	copy(sk[:], out)
	return sk, nil
}
