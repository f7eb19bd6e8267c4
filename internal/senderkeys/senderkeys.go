// Package senderkeys implements the per-group one-to-many symmetric
// ratchet used for group fan-out: a single sender-maintained chain whose
// keys are distributed once (encrypted pairwise via internal/ratchet) and
// advanced independently by every recipient, instead of running a
// separate Double Ratchet session per group member. It reuses the same
// symmetric-chain KDF construction as internal/ratchet's kdfChain,
// generalized here to an opaque HMAC "signing" key pair rather than a
// true public-key signature.
package senderkeys

import (
	"e2ee/internal/apperr"
	"e2ee/internal/crypto"
)

// MaxRatchetSteps bounds how many chain steps decrypt may advance to
// reach a message ahead of the cached iteration before giving up.
const MaxRatchetSteps = 2000

// State is a sender's own chain for one group: a symmetric ratchet plus
// the MAC key pair recipients use to authenticate this sender's
// ciphertexts. The "public" half travels in the distribution message and
// is used by recipients purely as an HMAC key, never as a signature
// verification key — see groupMacKey/groupMacPublic naming below.
type State struct {
	KeyID       uint32
	ChainKey    [32]byte
	GroupMacKey []byte // private half, retained only by the originating sender
	Iteration   uint32
}

// GenerateState creates a fresh sender-key state with a random chain key,
// a random opaque MAC key pair, and a random key id.
func GenerateState() (State, error) {
	chainKey, err := crypto.RandomBytes(32)
	if err != nil {
		return State{}, apperr.Wrap("senderkeys.GenerateState", apperr.InvalidArgument, "chain key generation failed", err)
	}
	macKey, err := crypto.RandomBytes(32)
	if err != nil {
		return State{}, apperr.Wrap("senderkeys.GenerateState", apperr.InvalidArgument, "mac key generation failed", err)
	}
	idBytes, err := crypto.RandomBytes(4)
	if err != nil {
		return State{}, apperr.Wrap("senderkeys.GenerateState", apperr.InvalidArgument, "key id generation failed", err)
	}
	var s State
	copy(s.ChainKey[:], chainKey)
	s.GroupMacKey = macKey
	s.KeyID = uint32(idBytes[0])<<24 | uint32(idBytes[1])<<16 | uint32(idBytes[2])<<8 | uint32(idBytes[3])
	return s, nil
}

// Distribution is the blob handed to every group member over the
// pairwise Double Ratchet session.
type Distribution struct {
	KeyID          uint32
	ChainKey       [32]byte
	GroupMacPublic []byte // the same bytes as GroupMacKey — an opaque HMAC key, not a verification key
	Iteration      uint32
}

// DistributionMessage builds the blob delivered to each recipient.
func DistributionMessage(s State) Distribution {
	return Distribution{
		KeyID:          s.KeyID,
		ChainKey:       s.ChainKey,
		GroupMacPublic: append([]byte(nil), s.GroupMacKey...),
		Iteration:      s.Iteration,
	}
}

// Record is what a recipient keeps for one (room, sender): the chain
// state received via Distribution, advanced independently as messages
// arrive out of order.
type Record struct {
	KeyID          uint32
	ChainKey       [32]byte
	GroupMacPublic []byte
	Iteration      uint32
	skipped        map[uint32][32]byte
}

// NewRecord constructs the recipient-side record from a distribution
// message.
func NewRecord(d Distribution) Record {
	return Record{
		KeyID:          d.KeyID,
		ChainKey:       d.ChainKey,
		GroupMacPublic: append([]byte(nil), d.GroupMacPublic...),
		Iteration:      d.Iteration,
		skipped:        make(map[uint32][32]byte),
	}
}

// Message is a single group ciphertext: the ratcheted AEAD payload plus
// the HMAC binding it to the sender's chain.
type Message struct {
	KeyID     uint32
	Iteration uint32
	Nonce     [crypto.AEADNonceSize]byte
	Ciphertext []byte
	MAC       []byte
}

// Encrypt advances s's chain by one step and produces the wire message.
func Encrypt(s *State, plaintext []byte) (Message, error) {
	nextChain, messageKey := kdfChain(s.ChainKey)

	var encKey [crypto.AEADKeySize]byte
	copy(encKey[:], messageKey[:])
	nonce, ciphertext, err := crypto.AEADEncrypt(encKey, plaintext, nil)
	if err != nil {
		return Message{}, apperr.Wrap("senderkeys.Encrypt", apperr.DecryptFailed, "encrypt failed", err)
	}

	mac := crypto.HMACSHA256(s.GroupMacKey, append(append([]byte(nil), nonce[:]...), ciphertext...))

	msg := Message{
		KeyID:      s.KeyID,
		Iteration:  s.Iteration,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		MAC:        mac,
	}
	s.ChainKey = nextChain
	s.Iteration++
	return msg, nil
}

// Decrypt authenticates and decrypts msg against record, advancing or
// consulting the skipped-key cache as needed. record is mutated only on
// success.
func Decrypt(record *Record, msg Message) ([]byte, error) {
	if msg.KeyID != record.KeyID {
		return nil, apperr.New("senderkeys.Decrypt", apperr.NoSenderKey, "key id mismatch")
	}

	body := append(append([]byte(nil), msg.Nonce[:]...), msg.Ciphertext...)
	expectedMAC := crypto.HMACSHA256(record.GroupMacPublic, body)
	if !crypto.ConstantTimeCompare(expectedMAC, msg.MAC) {
		return nil, apperr.New("senderkeys.Decrypt", apperr.DecryptFailed, "mac mismatch")
	}

	if msg.Iteration < record.Iteration {
		mk, ok := record.skipped[msg.Iteration]
		if !ok {
			return nil, apperr.New("senderkeys.Decrypt", apperr.OutOfOrder, "past message with no cached key")
		}
		plaintext, err := openAt(mk, msg)
		if err != nil {
			return nil, err
		}
		delete(record.skipped, msg.Iteration)
		return plaintext, nil
	}

	if msg.Iteration-record.Iteration > MaxRatchetSteps {
		return nil, apperr.New("senderkeys.Decrypt", apperr.TooManySkipped, "too many ratchet steps")
	}

	chainKey := record.ChainKey
	iteration := record.Iteration
	skipped := make(map[uint32][32]byte, len(record.skipped))
	for k, v := range record.skipped {
		skipped[k] = v
	}
	for iteration < msg.Iteration {
		nextChain, mk := kdfChain(chainKey)
		skipped[iteration] = mk
		chainKey = nextChain
		iteration++
	}
	nextChain, mk := kdfChain(chainKey)
	plaintext, err := openAt(mk, msg)
	if err != nil {
		return nil, err
	}
	record.ChainKey = nextChain
	record.Iteration = iteration + 1
	record.skipped = skipped
	return plaintext, nil
}

func openAt(mk [32]byte, msg Message) ([]byte, error) {
	var encKey [crypto.AEADKeySize]byte
	copy(encKey[:], mk[:])
	plaintext, err := crypto.AEADDecrypt(encKey, msg.Ciphertext, msg.Nonce, nil)
	if err != nil {
		return nil, apperr.Wrap("senderkeys.Decrypt", apperr.DecryptFailed, "aead open failed", err)
	}
	return plaintext, nil
}

func kdfChain(chainKey [32]byte) (nextChain [32]byte, messageKey [32]byte) {
	next := crypto.HMACSHA256(chainKey[:], []byte{0x02})
	msg := crypto.HMACSHA256(chainKey[:], []byte{0x01})
	copy(nextChain[:], next)
	copy(messageKey[:], msg)
	return nextChain, messageKey
}
