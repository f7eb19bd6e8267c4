// Package group implements per-room sender-key ownership on top of the
// pairwise Double Ratchet transport: this device's own sender-key state,
// the sender-key records received from other room members, and the
// membership-churn rotation rules, generalized here to a full
// initialize/encrypt/decrypt/member-join/member-leave/self-leave
// lifecycle.
package group

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"e2ee/internal/apperr"
	"e2ee/internal/keystore"
	"e2ee/internal/observability/logging"
	"e2ee/internal/observability/metrics"
	"e2ee/internal/pairwise"
	"e2ee/internal/senderkeys"
)

// Pairwise is the subset of pairwise.Service this package needs to
// deliver distribution messages; satisfied implicitly by *pairwise.Service.
type Pairwise interface {
	Encrypt(ctx context.Context, peerUserID string, plaintext []byte, roomID string) (pairwise.EncryptedPayload, error)
	Decrypt(ctx context.Context, peerUserID string, payload pairwise.EncryptedPayload, roomID string) ([]byte, error)
}

// GroupMessage is the ratcheted ciphertext carried inside a GroupPayload.
type GroupMessage struct {
	KeyID      uint32 `json:"keyId"`
	Iteration  uint32 `json:"iteration"`
	Ciphertext string `json:"ciphertext"` // base64(nonce‖ct)
	Signature  string `json:"signature"`  // base64(mac)
}

// GroupPayload is the wire envelope for one encrypted group message.
type GroupPayload struct {
	Version    int          `json:"version"`
	Type       string       `json:"type"`
	SenderID   string       `json:"senderId"`
	RoomID     string       `json:"roomId"`
	KeyID      uint32       `json:"keyId"`
	Message    GroupMessage `json:"message"`
	IsGroupE2E bool         `json:"isGroupE2E"`
}

// wireDistribution is the JSON shape of a distribution message as it
// travels over the pairwise session: the same fields as
// senderkeys.Distribution, base64-encoded for JSON transport.
type wireDistribution struct {
	KeyID          uint32 `json:"keyId"`
	ChainKey       string `json:"chainKey"`
	GroupMacPublic string `json:"groupMacPublic"`
	Iteration      uint32 `json:"iteration"`
}

func distributionToWire(d senderkeys.Distribution) wireDistribution {
	return wireDistribution{
		KeyID:          d.KeyID,
		ChainKey:       encodeBytes(d.ChainKey[:]),
		GroupMacPublic: encodeBytes(d.GroupMacPublic),
		Iteration:      d.Iteration,
	}
}

// Service owns this device's sender-key state per room and the sender-key
// records it has received from other members.
type Service struct {
	store    keystore.Store
	pairwise Pairwise
	selfID   string
	logger   *slog.Logger

	roomLocks sync.Map // roomID -> *sync.Mutex
	members   sync.Map // roomID -> map[string]struct{} (membership, not persisted: no durable roster store backs it)
}

// New builds a group Service for selfID, storing sender-key state in
// store and distributing over pairwise.
func New(store keystore.Store, pw Pairwise, selfID string) *Service {
	return &Service{store: store, pairwise: pw, selfID: selfID, logger: logging.Noop()}
}

// SetLogger overrides the service's structured logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) fail(err error) error {
	logging.LogFailure(s.logger, err)
	return err
}

func (s *Service) lockFor(roomID string) *sync.Mutex {
	actual, _ := s.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *Service) memberSet(roomID string) map[string]struct{} {
	actual, _ := s.members.LoadOrStore(roomID, make(map[string]struct{}))
	return actual.(map[string]struct{})
}

// InitializeForRoom ensures this device's own sender-key state exists for
// roomID and distributes it to every member over the pairwise session.
func (s *Service) InitializeForRoom(ctx context.Context, roomID string, memberIDs []string) error {
	err := s.initializeForRoom(ctx, roomID, memberIDs)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) initializeForRoom(ctx context.Context, roomID string, memberIDs []string) error {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	members := s.memberSet(roomID)
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}

	state, _, err := s.ownState(ctx, roomID)
	if err != nil {
		return err
	}

	for _, memberID := range memberIDs {
		if memberID == s.selfID {
			continue
		}
		if err := s.distributeTo(ctx, roomID, memberID, state); err != nil {
			return err
		}
	}
	return nil
}

// ownState loads this device's sender-key state for roomID, generating
// and persisting a fresh one if absent.
func (s *Service) ownState(ctx context.Context, roomID string) (senderkeys.State, bool, error) {
	blob, err := s.store.GetSenderKeyOwn(ctx, roomID)
	if err == nil {
		var snap senderkeys.StateSnapshot
		if err := json.Unmarshal(blob, &snap); err != nil {
			return senderkeys.State{}, false, apperr.Wrap("group.ownState", apperr.Storage, "corrupted sender-key state", err)
		}
		state, err := senderkeys.ImportState(snap)
		if err != nil {
			return senderkeys.State{}, false, err
		}
		return state, false, nil
	}
	if err != keystore.ErrNotFound {
		return senderkeys.State{}, false, apperr.Wrap("group.ownState", apperr.Storage, "load sender-key state failed", err)
	}

	state, err := senderkeys.GenerateState()
	if err != nil {
		return senderkeys.State{}, false, err
	}
	if err := s.persistOwnState(ctx, roomID, state); err != nil {
		return senderkeys.State{}, false, err
	}
	return state, true, nil
}

func (s *Service) persistOwnState(ctx context.Context, roomID string, state senderkeys.State) error {
	blob, err := json.Marshal(state.Export())
	if err != nil {
		return apperr.Wrap("group.persistOwnState", apperr.Storage, "marshal sender-key state failed", err)
	}
	if err := s.store.PutSenderKeyOwn(ctx, roomID, blob); err != nil {
		return apperr.Wrap("group.persistOwnState", apperr.Storage, "store sender-key state failed", err)
	}
	return nil
}

func (s *Service) distributeTo(ctx context.Context, roomID, memberID string, state senderkeys.State) error {
	dist := senderkeys.DistributionMessage(state)
	blob, err := json.Marshal(distributionToWire(dist))
	if err != nil {
		return apperr.Wrap("group.distributeTo", apperr.Storage, "marshal distribution failed", err)
	}
	if _, err := s.pairwise.Encrypt(ctx, memberID, blob, roomID); err != nil {
		return err
	}
	return nil
}

// Encrypt encrypts plaintext for roomID under this device's sender-key
// state, lazily initializing the state if this is the first send.
func (s *Service) Encrypt(ctx context.Context, roomID string, plaintext []byte) (GroupPayload, error) {
	payload, err := s.encrypt(ctx, roomID, plaintext)
	if err != nil {
		s.fail(err)
	}
	return payload, err
}

func (s *Service) encrypt(ctx context.Context, roomID string, plaintext []byte) (GroupPayload, error) {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	state, _, err := s.ownState(ctx, roomID)
	if err != nil {
		return GroupPayload{}, err
	}

	msg, err := senderkeys.Encrypt(&state, plaintext)
	if err != nil {
		return GroupPayload{}, err
	}
	if err := s.persistOwnState(ctx, roomID, state); err != nil {
		return GroupPayload{}, err
	}

	return GroupPayload{
		Version:  1,
		Type:     "sender-key",
		SenderID: s.selfID,
		RoomID:   roomID,
		KeyID:    msg.KeyID,
		Message:  encodeGroupMessage(msg),
		IsGroupE2E: true,
	}, nil
}

// Decrypt decrypts payload against the sender's sender-key record for
// this room, failing NoSenderKey if no record has been ingested yet.
func (s *Service) Decrypt(ctx context.Context, payload GroupPayload) ([]byte, error) {
	metrics.MustRegister("e2ee")
	plaintext, err := s.decrypt(ctx, payload)
	result := "ok"
	if err != nil {
		facing, _ := apperr.Describe(err)
		result = string(facing)
		s.fail(err)
	}
	metrics.DecryptResultsTotal.WithLabelValues(result).Inc()
	return plaintext, err
}

func (s *Service) decrypt(ctx context.Context, payload GroupPayload) ([]byte, error) {
	mu := s.lockFor(payload.RoomID)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.peerRecord(ctx, payload.RoomID, payload.SenderID)
	if err != nil {
		return nil, err
	}

	msg, err := decodeGroupMessage(payload.Message)
	if err != nil {
		return nil, err
	}

	plaintext, err := senderkeys.Decrypt(&record, msg)
	if err != nil {
		return nil, err
	}
	if err := s.persistPeerRecord(ctx, payload.RoomID, payload.SenderID, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) peerRecord(ctx context.Context, roomID, senderID string) (senderkeys.Record, error) {
	blob, err := s.store.GetSenderKeyPeer(ctx, roomID, senderID)
	if err == keystore.ErrNotFound {
		return senderkeys.Record{}, apperr.New("group.peerRecord", apperr.NoSenderKey, "no sender-key record for this room and sender")
	}
	if err != nil {
		return senderkeys.Record{}, apperr.Wrap("group.peerRecord", apperr.Storage, "load sender-key record failed", err)
	}
	var snap senderkeys.RecordSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return senderkeys.Record{}, apperr.Wrap("group.peerRecord", apperr.Storage, "corrupted sender-key record", err)
	}
	return senderkeys.ImportRecord(snap)
}

func (s *Service) persistPeerRecord(ctx context.Context, roomID, senderID string, record senderkeys.Record) error {
	blob, err := json.Marshal(record.Export())
	if err != nil {
		return apperr.Wrap("group.persistPeerRecord", apperr.Storage, "marshal sender-key record failed", err)
	}
	if err := s.store.PutSenderKeyPeer(ctx, roomID, senderID, blob); err != nil {
		return apperr.Wrap("group.persistPeerRecord", apperr.Storage, "store sender-key record failed", err)
	}
	return nil
}

// OnDistribution decrypts an incoming distribution blob from fromSenderID
// over the pairwise session and upserts the sender-key record it carries.
func (s *Service) OnDistribution(ctx context.Context, roomID, fromSenderID string, encryptedBlob pairwise.EncryptedPayload) error {
	err := s.onDistribution(ctx, roomID, fromSenderID, encryptedBlob)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) onDistribution(ctx context.Context, roomID, fromSenderID string, encryptedBlob pairwise.EncryptedPayload) error {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	plaintext, err := s.pairwise.Decrypt(ctx, fromSenderID, encryptedBlob, roomID)
	if err != nil {
		return err
	}
	var wire wireDistribution
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return apperr.Wrap("group.OnDistribution", apperr.Storage, "corrupted distribution blob", err)
	}
	record, err := senderkeys.ImportRecord(senderkeys.RecordSnapshot{
		KeyID:          wire.KeyID,
		ChainKey:       wire.ChainKey,
		GroupMacPublic: wire.GroupMacPublic,
		Iteration:      wire.Iteration,
	})
	if err != nil {
		return err
	}

	members := s.memberSet(roomID)
	members[fromSenderID] = struct{}{}

	return s.persistPeerRecord(ctx, roomID, fromSenderID, record)
}

// OnMemberJoined sends this device's current sender-key state to newID.
func (s *Service) OnMemberJoined(ctx context.Context, roomID, newID string) error {
	err := s.onMemberJoined(ctx, roomID, newID)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) onMemberJoined(ctx context.Context, roomID, newID string) error {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	members := s.memberSet(roomID)
	members[newID] = struct{}{}

	state, _, err := s.ownState(ctx, roomID)
	if err != nil {
		return err
	}
	return s.distributeTo(ctx, roomID, newID, state)
}

// OnMemberLeft drops leftID's sender-key record, rotates this device's
// own sender-key state, and redistributes the new state to the remaining
// members.
func (s *Service) OnMemberLeft(ctx context.Context, roomID, leftID string) error {
	err := s.onMemberLeft(ctx, roomID, leftID)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) onMemberLeft(ctx context.Context, roomID, leftID string) error {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.DeleteSenderKeyPeer(ctx, roomID, leftID); err != nil && err != keystore.ErrNotFound {
		return apperr.Wrap("group.OnMemberLeft", apperr.Storage, "delete sender-key record failed", err)
	}

	members := s.memberSet(roomID)
	delete(members, leftID)

	newState, err := senderkeys.GenerateState()
	if err != nil {
		return err
	}
	if err := s.persistOwnState(ctx, roomID, newState); err != nil {
		return err
	}

	for memberID := range members {
		if memberID == s.selfID {
			continue
		}
		if err := s.distributeTo(ctx, roomID, memberID, newState); err != nil {
			return err
		}
	}
	return nil
}

// OnSelfLeft purges all sender-key state for roomID, both this device's
// own and every peer record.
func (s *Service) OnSelfLeft(ctx context.Context, roomID string) error {
	err := s.onSelfLeft(ctx, roomID)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) onSelfLeft(ctx context.Context, roomID string) error {
	mu := s.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.DeleteSenderKeyOwn(ctx, roomID); err != nil && err != keystore.ErrNotFound {
		return apperr.Wrap("group.OnSelfLeft", apperr.Storage, "delete own sender-key state failed", err)
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil && err != keystore.ErrNotFound {
		return apperr.Wrap("group.OnSelfLeft", apperr.Storage, "delete room sender-key records failed", err)
	}
	s.members.Delete(roomID)
	return nil
}

func encodeGroupMessage(msg senderkeys.Message) GroupMessage {
	body := append(append([]byte(nil), msg.Nonce[:]...), msg.Ciphertext...)
	return GroupMessage{
		KeyID:      msg.KeyID,
		Iteration:  msg.Iteration,
		Ciphertext: encodeBytes(body),
		Signature:  encodeBytes(msg.MAC),
	}
}

func decodeGroupMessage(m GroupMessage) (senderkeys.Message, error) {
	var msg senderkeys.Message

	body, err := decodeBytes(m.Ciphertext)
	if err != nil {
		return senderkeys.Message{}, apperr.Wrap("group.decodeGroupMessage", apperr.DecryptFailed, "decode ciphertext failed", err)
	}
	if len(body) < len(msg.Nonce) {
		return senderkeys.Message{}, apperr.New("group.decodeGroupMessage", apperr.DecryptFailed, "ciphertext too short")
	}
	mac, err := decodeBytes(m.Signature)
	if err != nil {
		return senderkeys.Message{}, apperr.Wrap("group.decodeGroupMessage", apperr.DecryptFailed, "decode signature failed", err)
	}
	copy(msg.Nonce[:], body[:len(msg.Nonce)])
	msg.Ciphertext = body[len(msg.Nonce):]
	msg.MAC = mac
	msg.KeyID = m.KeyID
	msg.Iteration = m.Iteration
	return msg, nil
}

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
