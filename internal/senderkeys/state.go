package senderkeys

import (
	"encoding/base64"

	"e2ee/internal/apperr"
)

// StateSnapshot is the serializable form of a sender's own State, stored
// opaquely by internal/group under senderKeysOwn{roomId}.
type StateSnapshot struct {
	KeyID       uint32 `json:"keyId"`
	ChainKey    string `json:"chainKey"`
	GroupMacKey string `json:"groupMacKey"`
	Iteration   uint32 `json:"iteration"`
}

// Export produces a serializable snapshot of s.
func (s State) Export() StateSnapshot {
	return StateSnapshot{
		KeyID:       s.KeyID,
		ChainKey:    base64.StdEncoding.EncodeToString(s.ChainKey[:]),
		GroupMacKey: base64.StdEncoding.EncodeToString(s.GroupMacKey),
		Iteration:   s.Iteration,
	}
}

// ImportState reconstructs a State from a snapshot produced by Export.
func ImportState(snap StateSnapshot) (State, error) {
	chainKey, err := decodeFixed32(snap.ChainKey)
	if err != nil {
		return State{}, apperr.Wrap("senderkeys.ImportState", apperr.Storage, "decode chain key failed", err)
	}
	macKey, err := base64.StdEncoding.DecodeString(snap.GroupMacKey)
	if err != nil {
		return State{}, apperr.Wrap("senderkeys.ImportState", apperr.Storage, "decode mac key failed", err)
	}
	return State{KeyID: snap.KeyID, ChainKey: chainKey, GroupMacKey: macKey, Iteration: snap.Iteration}, nil
}

// RecordSnapshot is the serializable form of a recipient's Record, stored
// opaquely by internal/group under senderKeysPeer{roomId,senderId}.
type RecordSnapshot struct {
	KeyID          uint32            `json:"keyId"`
	ChainKey       string            `json:"chainKey"`
	GroupMacPublic string            `json:"groupMacPublic"`
	Iteration      uint32            `json:"iteration"`
	Skipped        map[uint32]string `json:"skipped,omitempty"`
}

// Export produces a serializable snapshot of r.
func (r Record) Export() RecordSnapshot {
	snap := RecordSnapshot{
		KeyID:          r.KeyID,
		ChainKey:       base64.StdEncoding.EncodeToString(r.ChainKey[:]),
		GroupMacPublic: base64.StdEncoding.EncodeToString(r.GroupMacPublic),
		Iteration:      r.Iteration,
	}
	if len(r.skipped) > 0 {
		snap.Skipped = make(map[uint32]string, len(r.skipped))
		for idx, key := range r.skipped {
			snap.Skipped[idx] = base64.StdEncoding.EncodeToString(key[:])
		}
	}
	return snap
}

// ImportRecord reconstructs a Record from a snapshot produced by Export.
func ImportRecord(snap RecordSnapshot) (Record, error) {
	chainKey, err := decodeFixed32(snap.ChainKey)
	if err != nil {
		return Record{}, apperr.Wrap("senderkeys.ImportRecord", apperr.Storage, "decode chain key failed", err)
	}
	macPublic, err := base64.StdEncoding.DecodeString(snap.GroupMacPublic)
	if err != nil {
		return Record{}, apperr.Wrap("senderkeys.ImportRecord", apperr.Storage, "decode mac public failed", err)
	}
	rec := Record{
		KeyID:          snap.KeyID,
		ChainKey:       chainKey,
		GroupMacPublic: macPublic,
		Iteration:      snap.Iteration,
		skipped:        make(map[uint32][32]byte, len(snap.Skipped)),
	}
	for idx, encoded := range snap.Skipped {
		key, err := decodeFixed32(encoded)
		if err != nil {
			return Record{}, apperr.Wrap("senderkeys.ImportRecord", apperr.Storage, "decode skipped key failed", err)
		}
		rec.skipped[idx] = key
	}
	return rec, nil
}

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(data) != 32 {
		return out, apperr.New("senderkeys.decodeFixed32", apperr.Storage, "unexpected key length")
	}
	copy(out[:], data)
	return out, nil
}
