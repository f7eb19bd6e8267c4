// Package ratchet implements the Double Ratchet session state machine:
// initialization from an X3DH shared secret, symmetric-chain send/receive,
// DH-ratchet steps, and a bounded skipped-message-key cache, using the
// AES-256-GCM AEAD from internal/crypto, an insertion-ordered bounded
// skipped-key cache, and apperr's closed error-kind taxonomy throughout.
package ratchet

import (
	"encoding/binary"

	"e2ee/internal/apperr"
	"e2ee/internal/crypto"
	"e2ee/internal/observability/metrics"
)

// State names a node in the session lifecycle described by the state
// machine: a freshly created session starts Uninitialized, moves to
// SenderSeeded or ResponderSeeded depending which side initialized it,
// and becomes FullyEstablished once both chains have been populated by at
// least one DH-ratchet step.
type State int

const (
	Uninitialized State = iota
	SenderSeeded
	ResponderSeeded
	FullyEstablished
)

// MaxSkip bounds how many receiving-chain keys a single DH-ratchet step or
// forward-skip may cache before a message is rejected as TooManySkipped.
const MaxSkip = 1000

const hkdfInfoRoot = "DoubleRatchet"

// HeaderSize is the fixed wire size of a Double Ratchet message header:
// 32B current DH public, 4B previousSendingChainLength, 4B messageIndex.
const HeaderSize = 32 + 4 + 4

// Header accompanies every ciphertext and is authenticated as AAD.
type Header struct {
	DHPublic                   [32]byte
	PreviousSendingChainLength uint32
	MessageIndex               uint32
}

// Encode serializes h to its fixed 40-byte big-endian wire form.
func (h Header) Encode() []byte {
	out := make([]byte, HeaderSize)
	copy(out[0:32], h.DHPublic[:])
	binary.BigEndian.PutUint32(out[32:36], h.PreviousSendingChainLength)
	binary.BigEndian.PutUint32(out[36:40], h.MessageIndex)
	return out
}

// DecodeHeader parses a 40-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, apperr.New("ratchet.DecodeHeader", apperr.DecryptFailed, "invalid header length")
	}
	var h Header
	copy(h.DHPublic[:], b[0:32])
	h.PreviousSendingChainLength = binary.BigEndian.Uint32(b[32:36])
	h.MessageIndex = binary.BigEndian.Uint32(b[36:40])
	return h, nil
}

type chain struct {
	key     [32]byte
	present bool
	index   uint32
}

// Session is the mutable Double Ratchet state for one (peer, room?) pair.
// It is serialized opaquely into the keystore by the owning service.
type Session struct {
	state State

	rootKey [32]byte

	sending   chain
	receiving chain

	previousSendingChainLength uint32

	dhPrivate [32]byte
	dhPublic  [32]byte

	remoteDH        [32]byte
	remoteDHPresent bool

	skipped *skipCache
}

// InitiateAsSender creates a session for the side that ran the X3DH
// initiator role: sk is the X3DH shared secret, peerSignedPreKeyPublic is
// the peer's signed prekey used as the initial remote ratchet key.
func InitiateAsSender(sk [32]byte, peerSignedPreKeyPublic [32]byte) (*Session, error) {
	newDH, err := crypto.GenerateX25519()
	if err != nil {
		return nil, apperr.Wrap("ratchet.InitiateAsSender", apperr.InvalidArgument, "ratchet key generation failed", err)
	}
	dhOut, err := crypto.X25519(newDH.Private, peerSignedPreKeyPublic)
	if err != nil {
		return nil, apperr.Wrap("ratchet.InitiateAsSender", apperr.BadBundle, "initial dh failed", err)
	}
	root, send, err := kdfRoot(sk, dhOut)
	if err != nil {
		return nil, err
	}
	return &Session{
		state:           SenderSeeded,
		rootKey:         root,
		sending:         chain{key: send, present: true},
		dhPrivate:       newDH.Private,
		dhPublic:        newDH.Public,
		remoteDH:        peerSignedPreKeyPublic,
		remoteDHPresent: true,
		skipped:         newSkipCache(MaxSkip),
	}, nil
}

// InitiateAsReceiver creates a session for the side that ran the X3DH
// responder role: sk is the X3DH shared secret, signedPreKey is the local
// signed prekey pair referenced by the initial header (kept as the
// session's current DH pair until the first DH-ratchet step).
func InitiateAsReceiver(sk [32]byte, signedPreKey crypto.X25519KeyPair) *Session {
	return &Session{
		state:     ResponderSeeded,
		rootKey:   sk,
		dhPrivate: signedPreKey.Private,
		dhPublic:  signedPreKey.Public,
		skipped:   newSkipCache(MaxSkip),
	}
}

// State reports the session's current lifecycle node.
func (s *Session) State() State {
	return s.state
}

// SendingIndex reports the next index Send will assign, for status/testing.
func (s *Session) SendingIndex() uint32 {
	return s.sending.index
}

// ReceivingIndex reports the next index Receive expects on the current
// receiving chain, for status/testing.
func (s *Session) ReceivingIndex() uint32 {
	return s.receiving.index
}

// SkippedCount reports how many message keys are currently cached.
func (s *Session) SkippedCount() int {
	return s.skipped.len()
}

// Send advances the sending chain and returns the ciphertext plus the
// header that must accompany it as AAD.
func (s *Session) Send(plaintext []byte) ([]byte, Header, error) {
	if !s.sending.present {
		return nil, Header{}, apperr.New("ratchet.Send", apperr.NotInitialized, "sending chain not established")
	}
	nextChain, messageKey := kdfChain(s.sending.key)
	index := s.sending.index

	header := Header{
		DHPublic:                   s.dhPublic,
		PreviousSendingChainLength: s.previousSendingChainLength,
		MessageIndex:               index,
	}

	encKey, err := messageEncKey(messageKey)
	if err != nil {
		return nil, Header{}, err
	}
	nonce, ciphertext, err := crypto.AEADEncrypt(encKey, plaintext, header.Encode())
	if err != nil {
		return nil, Header{}, apperr.Wrap("ratchet.Send", apperr.DecryptFailed, "encrypt failed", err)
	}
	s.sending.key = nextChain
	s.sending.index++
	// The fresh random nonce travels with the ciphertext; it is not
	// derived from messageKey (see messageEncKey).
	framed := frameNonceAndCiphertext(nonce, ciphertext)
	return framed, header, nil
}

// Receive decrypts a ciphertext against header, performing skipped-key
// lookups and DH-ratchet steps as required by the Double Ratchet
// algorithm. On any failure the session is left unchanged.
func (s *Session) Receive(framed []byte, header Header) ([]byte, error) {
	metrics.MustRegister("e2ee")

	nonce, ciphertext, err := unframeNonceAndCiphertext(framed)
	if err != nil {
		return nil, err
	}

	// The fast path for an already-cached skipped key needs no ratchet
	// mutation: peek first, then commit the cache removal only once
	// decryption actually succeeds.
	if mk, ok := s.skipped.peek(header.DHPublic, header.MessageIndex); ok {
		encKey, err := messageEncKey(mk)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.AEADDecrypt(encKey, ciphertext, nonce, header.Encode())
		if err != nil {
			return nil, apperr.Wrap("ratchet.Receive", apperr.DecryptFailed, "aead open failed", err)
		}
		s.skipped.take(header.DHPublic, header.MessageIndex)
		metrics.SkippedKeysCached.WithLabelValues().Set(float64(s.skipped.len()))
		return plaintext, nil
	}

	// Everything below works on a private clone so that any failure (a
	// bad bound, a tamper, a malformed ciphertext) leaves the real
	// session untouched.
	work := s.clone()

	if !work.remoteDHPresent || header.DHPublic != work.remoteDH {
		if err := work.skipReceivingChain(header.PreviousSendingChainLength); err != nil {
			return nil, err
		}
		if err := work.dhRatchetStep(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if header.MessageIndex < work.receiving.index {
		return nil, apperr.New("ratchet.Receive", apperr.OutOfOrder, "message index below receiving index with no cached key")
	}

	if header.MessageIndex-work.receiving.index > MaxSkip {
		return nil, apperr.New("ratchet.Receive", apperr.TooManySkipped, "too many skipped messages")
	}

	for work.receiving.index < header.MessageIndex {
		nextChain, mk := kdfChain(work.receiving.key)
		work.skipped.put(work.remoteDH, work.receiving.index, mk)
		work.receiving.key = nextChain
		work.receiving.index++
	}

	nextChain, mk := kdfChain(work.receiving.key)
	encKey, err := messageEncKey(mk)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.AEADDecrypt(encKey, ciphertext, nonce, header.Encode())
	if err != nil {
		return nil, apperr.Wrap("ratchet.Receive", apperr.DecryptFailed, "aead open failed", err)
	}
	work.receiving.key = nextChain
	work.receiving.index++
	*s = *work
	metrics.SkippedKeysCached.WithLabelValues().Set(float64(s.skipped.len()))
	return plaintext, nil
}

// clone returns an independent copy of the session, used by Receive so a
// failed attempt never mutates the real session state.
func (s *Session) clone() *Session {
	cp := *s
	cp.skipped = s.skipped.clone()
	return &cp
}

// skipReceivingChain caches keys on the current receiving chain up to
// targetLength before a DH-ratchet step discards it, so out-of-order
// messages from the previous sending chain remain decryptable.
func (s *Session) skipReceivingChain(targetLength uint32) error {
	if !s.receiving.present {
		return nil
	}
	if targetLength > s.receiving.index && targetLength-s.receiving.index > MaxSkip {
		return apperr.New("ratchet.skipReceivingChain", apperr.TooManySkipped, "too many skipped messages before dh ratchet")
	}
	for s.receiving.index < targetLength {
		nextChain, mk := kdfChain(s.receiving.key)
		s.skipped.put(s.remoteDH, s.receiving.index, mk)
		s.receiving.key = nextChain
		s.receiving.index++
	}
	return nil
}

// dhRatchetStep adopts a new peer ratchet public key, derives a fresh
// receiving chain, generates a new local DH pair, and derives a fresh
// sending chain — the core Double Ratchet transition.
func (s *Session) dhRatchetStep(peerPublic [32]byte) error {
	metrics.MustRegister("e2ee")

	dhRecv, err := crypto.X25519(s.dhPrivate, peerPublic)
	if err != nil {
		return apperr.Wrap("ratchet.dhRatchetStep", apperr.BadBundle, "recv dh failed", err)
	}
	newRoot, recvChain, err := kdfRoot(s.rootKey, dhRecv)
	if err != nil {
		return err
	}

	newDH, err := crypto.GenerateX25519()
	if err != nil {
		return apperr.Wrap("ratchet.dhRatchetStep", apperr.InvalidArgument, "ratchet key generation failed", err)
	}
	dhSend, err := crypto.X25519(newDH.Private, peerPublic)
	if err != nil {
		return apperr.Wrap("ratchet.dhRatchetStep", apperr.BadBundle, "send dh failed", err)
	}
	newerRoot, sendChain, err := kdfRoot(newRoot, dhSend)
	if err != nil {
		return err
	}

	s.previousSendingChainLength = s.sending.index
	s.rootKey = newerRoot
	s.remoteDH = peerPublic
	s.remoteDHPresent = true
	s.receiving = chain{key: recvChain, present: true}
	s.sending = chain{key: sendChain, present: true}
	s.dhPrivate = newDH.Private
	s.dhPublic = newDH.Public
	s.state = FullyEstablished
	metrics.DHRatchetStepsTotal.WithLabelValues().Inc()
	return nil
}

func kdfRoot(root [32]byte, dhOut []byte) (newRoot [32]byte, chainKey [32]byte, err error) {
	out, err := crypto.HKDF(dhOut, root[:], []byte(hkdfInfoRoot), 64)
	if err != nil {
		return newRoot, chainKey, apperr.Wrap("ratchet.kdfRoot", apperr.DecryptFailed, "root key derivation failed", err)
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:])
	return newRoot, chainKey, nil
}

func kdfChain(chainKey [32]byte) (nextChain [32]byte, messageKey [32]byte) {
	next := crypto.HMACSHA256(chainKey[:], []byte{0x02})
	msg := crypto.HMACSHA256(chainKey[:], []byte{0x01})
	copy(nextChain[:], next)
	copy(messageKey[:], msg)
	return nextChain, messageKey
}

// messageEncKey derives the AEAD key for a message key: HKDF(messageKey,
// zeros(32), "MessageKeys", 80) produces {encKey(32), macKey(32), iv(16)};
// only encKey is used here since the AEAD tag already binds the header.
// macKey and iv are reserved for a future deterministic-nonce variant.
func messageEncKey(messageKey [32]byte) ([crypto.AEADKeySize]byte, error) {
	var zeros [32]byte
	out, err := crypto.HKDF(messageKey[:], zeros[:], []byte("MessageKeys"), 80)
	if err != nil {
		return [crypto.AEADKeySize]byte{}, apperr.Wrap("ratchet.messageEncKey", apperr.DecryptFailed, "message key derivation failed", err)
	}
	var encKey [crypto.AEADKeySize]byte
	copy(encKey[:], out[:32])
	return encKey, nil
}

// ciphertextLenSize is the width of the big-endian length prefix carried
// between the nonce and the ciphertext on the wire.
const ciphertextLenSize = 4

// frameNonceAndCiphertext prepends the fresh random nonce and an explicit
// big-endian ciphertext length to the AEAD ciphertext for transport: the
// wire message is header‖nonce‖ciphertextLen(u32)‖ciphertext, so a framing
// layer that concatenates several messages can split them without relying
// on whole-message transport framing.
func frameNonceAndCiphertext(nonce [crypto.AEADNonceSize]byte, ciphertext []byte) []byte {
	out := make([]byte, 0, crypto.AEADNonceSize+ciphertextLenSize+len(ciphertext))
	out = append(out, nonce[:]...)
	var lenBuf [ciphertextLenSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	out = append(out, lenBuf[:]...)
	out = append(out, ciphertext...)
	return out
}

func unframeNonceAndCiphertext(framed []byte) ([crypto.AEADNonceSize]byte, []byte, error) {
	var nonce [crypto.AEADNonceSize]byte
	if len(framed) < crypto.AEADNonceSize+ciphertextLenSize {
		return nonce, nil, apperr.New("ratchet.unframeNonceAndCiphertext", apperr.DecryptFailed, "framed message too short")
	}
	copy(nonce[:], framed[:crypto.AEADNonceSize])
	ctLen := binary.BigEndian.Uint32(framed[crypto.AEADNonceSize : crypto.AEADNonceSize+ciphertextLenSize])
	rest := framed[crypto.AEADNonceSize+ciphertextLenSize:]
	if uint64(len(rest)) != uint64(ctLen) {
		return nonce, nil, apperr.New("ratchet.unframeNonceAndCiphertext", apperr.DecryptFailed, "ciphertext length mismatch")
	}
	return nonce, rest, nil
}
