package ratchet

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"e2ee/internal/apperr"
)

// Snapshot is the bit-exact serializable form of a Session, with byte
// slices carried as base64 fields so it round-trips cleanly through JSON.
type Snapshot struct {
	State State `json:"state"`

	RootKey string `json:"rootKey"`

	SendingKey     string `json:"sendingKey"`
	SendingPresent bool   `json:"sendingPresent"`
	SendingIndex   uint32 `json:"sendingIndex"`

	ReceivingKey     string `json:"receivingKey"`
	ReceivingPresent bool   `json:"receivingPresent"`
	ReceivingIndex   uint32 `json:"receivingIndex"`

	PreviousSendingChainLength uint32 `json:"previousSendingChainLength"`

	DHPrivate string `json:"dhPrivate"`
	DHPublic  string `json:"dhPublic"`

	RemoteDH        string `json:"remoteDh"`
	RemoteDHPresent bool   `json:"remoteDhPresent"`

	Skipped []SkippedEntry `json:"skipped,omitempty"`
}

// SkippedEntry is one cached skipped-message key, kept in insertion order
// so Import restores eviction order exactly as it was at Export time.
type SkippedEntry struct {
	DHPublic     string `json:"dhPublic"`
	MessageIndex uint32 `json:"messageIndex"`
	Key          string `json:"key"`
}

// Export produces a serializable snapshot of the session.
func (s *Session) Export() Snapshot {
	snap := Snapshot{
		State:                      s.state,
		RootKey:                    encode32(s.rootKey),
		SendingKey:                 encode32(s.sending.key),
		SendingPresent:             s.sending.present,
		SendingIndex:               s.sending.index,
		ReceivingKey:               encode32(s.receiving.key),
		ReceivingPresent:           s.receiving.present,
		ReceivingIndex:             s.receiving.index,
		PreviousSendingChainLength: s.previousSendingChainLength,
		DHPrivate:                  encode32(s.dhPrivate),
		DHPublic:                   encode32(s.dhPublic),
		RemoteDH:                   encode32(s.remoteDH),
		RemoteDHPresent:            s.remoteDHPresent,
	}
	for elem := s.skipped.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*skipEntry)
		dh, idx := splitSkipCacheKey(entry.key)
		snap.Skipped = append(snap.Skipped, SkippedEntry{
			DHPublic:     encode32(dh),
			MessageIndex: idx,
			Key:          encode32(entry.mk),
		})
	}
	return snap
}

// Import reconstructs a Session from a snapshot produced by Export.
func Import(snap Snapshot) (*Session, error) {
	rootKey, err := decode32(snap.RootKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode root key: %w", err)
	}
	sendingKey, err := decode32(snap.SendingKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode sending key: %w", err)
	}
	receivingKey, err := decode32(snap.ReceivingKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode receiving key: %w", err)
	}
	dhPrivate, err := decode32(snap.DHPrivate)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode dh private: %w", err)
	}
	dhPublic, err := decode32(snap.DHPublic)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode dh public: %w", err)
	}
	remoteDH, err := decode32(snap.RemoteDH)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode remote dh: %w", err)
	}

	s := &Session{
		state:                      snap.State,
		rootKey:                    rootKey,
		sending:                    chain{key: sendingKey, present: snap.SendingPresent, index: snap.SendingIndex},
		receiving:                  chain{key: receivingKey, present: snap.ReceivingPresent, index: snap.ReceivingIndex},
		previousSendingChainLength: snap.PreviousSendingChainLength,
		dhPrivate:                  dhPrivate,
		dhPublic:                   dhPublic,
		remoteDH:                   remoteDH,
		remoteDHPresent:            snap.RemoteDHPresent,
		skipped:                    newSkipCache(MaxSkip),
	}
	for _, entry := range snap.Skipped {
		dh, err := decode32(entry.DHPublic)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode skipped dh: %w", err)
		}
		mk, err := decode32(entry.Key)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode skipped key: %w", err)
		}
		s.skipped.put(dh, entry.MessageIndex, mk)
	}
	return s, nil
}

func encode32(b [32]byte) string {
	return base64.StdEncoding.EncodeToString(b[:])
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(data) != 32 {
		return out, apperr.New("ratchet.decode32", apperr.Storage, "unexpected key length")
	}
	copy(out[:], data)
	return out, nil
}

func splitSkipCacheKey(key string) ([32]byte, uint32) {
	var dh [32]byte
	copy(dh[:], key[:32])
	idx := binary.BigEndian.Uint32([]byte(key[32:36]))
	return dh, idx
}
