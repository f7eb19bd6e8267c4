package pairwise

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"e2ee/internal/apperr"
	"e2ee/internal/clock"
	"e2ee/internal/crypto"
	"e2ee/internal/keystore"
	"e2ee/internal/observability/logging"
	"e2ee/internal/observability/metrics"
	"e2ee/internal/ratchet"
	"e2ee/internal/retry"
	"e2ee/internal/x3dh"
)

const (
	defaultOneTimePreKeyRefillThreshold = 25
	defaultOneTimePreKeyTarget          = 100
	defaultSignedPreKeyMaxAge           = 7 * 24 * time.Hour
)

// EncryptedPayload is the wire envelope returned by Encrypt and accepted
// by Decrypt.
type EncryptedPayload struct {
	Version    int    `json:"version"`
	IsInitial  bool   `json:"isInitial"`
	X3dhHeader []byte `json:"x3dhHeader,omitempty"`
	Message    []byte `json:"message"`
}

// Status summarizes this device's pairwise-encryption readiness.
type Status struct {
	Enabled           bool   `json:"enabled"`
	Fingerprint       string `json:"fingerprint"`
	AvailablePrekeys  int    `json:"availablePrekeys"`
	NeedsPrekeyRefill bool   `json:"needsPrekeyRefill"`
	SignedPrekeyAgeMs int64  `json:"signedPrekeyAgeMs"`
	NeedsRotation     bool   `json:"needsRotation"`
}

// Config carries everything Service needs to reach the directory on
// behalf of one signed-in user.
type Config struct {
	APIBase   string
	AuthToken string
	UserID    string

	// OneTimePrekeyRefillThreshold/Target and SignedPrekeyRotationInterval
	// default to defaultOneTimePreKeyRefillThreshold/defaultOneTimePreKeyTarget/
	// defaultSignedPreKeyMaxAge when left zero, matching config.Load's
	// environment-driven values.
	OneTimePrekeyRefillThreshold int
	OneTimePrekeyTarget          int
	SignedPrekeyRotationInterval time.Duration
}

func withDefaults(cfg Config) Config {
	if cfg.OneTimePrekeyRefillThreshold == 0 {
		cfg.OneTimePrekeyRefillThreshold = defaultOneTimePreKeyRefillThreshold
	}
	if cfg.OneTimePrekeyTarget == 0 {
		cfg.OneTimePrekeyTarget = defaultOneTimePreKeyTarget
	}
	if cfg.SignedPrekeyRotationInterval == 0 {
		cfg.SignedPrekeyRotationInterval = defaultSignedPreKeyMaxAge
	}
	return cfg
}

// Service is the public pairwise-session API described in this
// component's design: session resolution, prekey maintenance, and
// per-peer serialization.
type Service struct {
	store     keystore.Store
	directory Directory
	clock     clock.Clock
	logger    *slog.Logger

	cfg Config

	peerLocks sync.Map // peer+room -> *sync.Mutex
}

// New builds a Service over a store and directory client; the directory
// defaults to an HTTPDirectory built from cfg when dir is nil.
func New(store keystore.Store, dir Directory, c clock.Clock, cfg Config) *Service {
	if dir == nil {
		dir = NewHTTPDirectory(cfg.APIBase, cfg.AuthToken)
	}
	if c == nil {
		c = clock.System{}
	}
	return &Service{store: store, directory: dir, clock: c, cfg: withDefaults(cfg), logger: logging.Noop()}
}

// SetLogger overrides the service's structured logger, used to route
// failure events into the embedder's own logging.New-configured sink.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) fail(err error) error {
	logging.LogFailure(s.logger, err)
	return err
}

// Initialize applies cfg (zero fields take the package defaults) and
// registers the engine's metrics. It reads nothing from the store, starts
// no background work and never touches the network; prekey refill and
// signed-prekey rotation happen only when the caller invokes MaintainKeys.
func (s *Service) Initialize(ctx context.Context, cfg Config) error {
	s.cfg = withDefaults(cfg)
	metrics.MustRegister("e2ee")
	return nil
}

// IsEnabled reports whether this device has generated its identity.
func (s *Service) IsEnabled(ctx context.Context) (bool, error) {
	enabled, err := s.isEnabled(ctx)
	if err != nil {
		s.fail(err)
	}
	return enabled, err
}

func (s *Service) isEnabled(ctx context.Context) (bool, error) {
	_, err := s.store.GetIdentity(ctx)
	if err == keystore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap("pairwise.IsEnabled", apperr.Storage, "load identity failed", err)
	}
	return true, nil
}

// Enable generates identity/signed-prekey/one-time-prekey material and
// uploads the public bundle. It succeeds once: if an identity already
// exists it fails AlreadyEnabled and leaves that identity untouched.
func (s *Service) Enable(ctx context.Context) error {
	err := s.enable(ctx)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) enable(ctx context.Context) error {
	enabled, err := s.isEnabled(ctx)
	if err != nil {
		return err
	}
	if enabled {
		return apperr.New("pairwise.Enable", apperr.AlreadyEnabled, "identity already exists")
	}

	signing, err := crypto.GenerateEd25519()
	if err != nil {
		return apperr.Wrap("pairwise.Enable", apperr.InvalidArgument, "identity generation failed", err)
	}
	dh := crypto.IdentityDHFromSigning(signing.Private)
	registrationID, err := randomUint16()
	if err != nil {
		return err
	}

	now := s.clock.Now()
	identity := keystore.IdentityRecord{
		SigningPublic:  signing.Public,
		SigningPrivate: signing.Private,
		DHPublic:       dh.Public,
		DHPrivate:      dh.Private,
		RegistrationID: registrationID,
		CreatedAt:      now,
	}
	if err := s.store.PutIdentity(ctx, identity); err != nil {
		return apperr.Wrap("pairwise.Enable", apperr.Storage, "store identity failed", err)
	}

	spk, err := s.generateSignedPreKey(ctx, 1, signing.Private, now)
	if err != nil {
		return err
	}

	otks, err := s.generateOneTimePreKeys(ctx, 1, s.cfg.OneTimePrekeyTarget)
	if err != nil {
		return err
	}

	bundle := DirectoryBundle{
		IdentitySigningPublic: encodeKey(signing.Public),
		IdentityDHPublic:      encodeKey(dh.Public[:]),
		RegistrationID:        registrationID,
		SignedPreKey: DirectorySignedPreKey{
			KeyID:     spk.KeyID,
			Public:    encodeKey(spk.Public[:]),
			Signature: encodeKey(spk.Signature),
			CreatedAt: now,
		},
	}
	if len(otks) > 0 {
		bundle.OneTimePreKey = &DirectoryOneTimePreKey{KeyID: otks[0].KeyID, Public: encodeKey(otks[0].Public[:])}
	}
	if err := s.directory.UploadBundle(ctx, s.cfg.UserID, bundle); err != nil {
		return err
	}

	otkDTOs := make([]DirectoryOneTimePreKey, 0, len(otks))
	for _, otk := range otks {
		otkDTOs = append(otkDTOs, DirectoryOneTimePreKey{KeyID: otk.KeyID, Public: encodeKey(otk.Public[:])})
	}
	if err := retry.Do(ctx, func() error {
		return s.directory.UploadOneTimePreKeys(ctx, s.cfg.UserID, otkDTOs)
	}); err != nil {
		return err
	}

	return nil
}

func (s *Service) generateSignedPreKey(ctx context.Context, keyID uint32, signingPriv []byte, now time.Time) (keystore.SignedPreKeyRecord, error) {
	pair, err := crypto.GenerateX25519()
	if err != nil {
		return keystore.SignedPreKeyRecord{}, apperr.Wrap("pairwise.generateSignedPreKey", apperr.InvalidArgument, "key generation failed", err)
	}
	sig := crypto.Sign(signingPriv, pair.Public[:])
	rec := keystore.SignedPreKeyRecord{KeyID: keyID, Public: pair.Public, Private: pair.Private, Signature: sig, CreatedAt: now}
	if err := s.store.PutSignedPreKey(ctx, rec); err != nil {
		return keystore.SignedPreKeyRecord{}, apperr.Wrap("pairwise.generateSignedPreKey", apperr.Storage, "store signed prekey failed", err)
	}
	return rec, nil
}

func (s *Service) generateOneTimePreKeys(ctx context.Context, startID uint32, count int) ([]keystore.OneTimePreKeyRecord, error) {
	batch := make([]keystore.OneTimePreKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GenerateX25519()
		if err != nil {
			return nil, apperr.Wrap("pairwise.generateOneTimePreKeys", apperr.InvalidArgument, "key generation failed", err)
		}
		batch = append(batch, keystore.OneTimePreKeyRecord{KeyID: startID + uint32(i), Public: pair.Public, Private: pair.Private})
	}
	if err := s.store.PutOneTimePreKeys(ctx, batch); err != nil {
		return nil, apperr.Wrap("pairwise.generateOneTimePreKeys", apperr.Storage, "store one-time prekeys failed", err)
	}
	return batch, nil
}

func randomUint16() (uint16, error) {
	b, err := crypto.RandomBytes(2)
	if err != nil {
		return 0, apperr.Wrap("pairwise.randomUint16", apperr.InvalidArgument, "registration id generation failed", err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// Status reports this device's fingerprint and key-maintenance posture.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st, err := s.status(ctx)
	if err != nil {
		s.fail(err)
	}
	return st, err
}

func (s *Service) status(ctx context.Context) (Status, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err == keystore.ErrNotFound {
		return Status{Enabled: false}, nil
	}
	if err != nil {
		return Status{}, apperr.Wrap("pairwise.Status", apperr.Storage, "load identity failed", err)
	}
	count, err := s.store.CountOneTimePreKeys(ctx)
	if err != nil {
		return Status{}, apperr.Wrap("pairwise.Status", apperr.Storage, "count one-time prekeys failed", err)
	}
	spk, err := s.store.GetCurrentSignedPreKey(ctx)
	if err != nil {
		return Status{}, apperr.Wrap("pairwise.Status", apperr.Storage, "load signed prekey failed", err)
	}
	age := s.clock.Now().Sub(spk.CreatedAt)
	return Status{
		Enabled:           true,
		Fingerprint:       crypto.Fingerprint(identity.SigningPublic),
		AvailablePrekeys:  count,
		NeedsPrekeyRefill: count < s.cfg.OneTimePrekeyRefillThreshold,
		SignedPrekeyAgeMs: age.Milliseconds(),
		NeedsRotation:     age > s.cfg.SignedPrekeyRotationInterval,
	}, nil
}

// SafetyNumber returns the symmetric fingerprint of this device's
// identity and peerUserID's published identity.
func (s *Service) SafetyNumber(ctx context.Context, peerUserID string) (string, error) {
	sn, err := s.safetyNumber(ctx, peerUserID)
	if err != nil {
		s.fail(err)
	}
	return sn, err
}

func (s *Service) safetyNumber(ctx context.Context, peerUserID string) (string, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return "", apperr.Wrap("pairwise.SafetyNumber", apperr.Storage, "load identity failed", err)
	}
	peerBundle, err := s.directory.FetchBundle(ctx, peerUserID)
	if err != nil {
		return "", err
	}
	peerIdentityPublic, err := decodeKey(peerBundle.IdentitySigningPublic)
	if err != nil {
		return "", apperr.Wrap("pairwise.SafetyNumber", apperr.BadBundle, "decode peer identity failed", err)
	}
	return crypto.SafetyNumber(s.cfg.UserID, peerUserID, identity.SigningPublic, peerIdentityPublic), nil
}

// DeleteSession drops the persisted ratchet state for (peer, room).
func (s *Service) DeleteSession(ctx context.Context, peerUserID, roomID string) error {
	key := keystore.NewSessionKey(peerUserID, roomID)
	if err := s.store.DeleteSession(ctx, key); err != nil {
		return s.fail(apperr.Wrap("pairwise.DeleteSession", apperr.Storage, "delete session failed", err))
	}
	return nil
}

// Reset clears every locally held pairwise session.
func (s *Service) Reset(ctx context.Context) error {
	err := s.reset(ctx)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) reset(ctx context.Context) error {
	sessions, err := s.store.GetAllSessions(ctx)
	if err != nil {
		return apperr.Wrap("pairwise.Reset", apperr.Storage, "list sessions failed", err)
	}
	for key := range sessions {
		if err := s.store.DeleteSession(ctx, key); err != nil {
			return apperr.Wrap("pairwise.Reset", apperr.Storage, "delete session failed", err)
		}
	}
	return nil
}

// lockFor returns the per-(peer,room) mutex, serializing mutating
// operations on the same session so a concurrent send and receive never
// race on the same ratchet state.
func (s *Service) lockFor(peerUserID, roomID string) *sync.Mutex {
	key := string(keystore.NewSessionKey(peerUserID, roomID))
	actual, _ := s.peerLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

type sessionEnvelope struct {
	Ratchet ratchet.Snapshot `json:"ratchet"`
}

// Encrypt resolves (or establishes) the session for (peerUserID, roomID)
// and encrypts plaintext, running the X3DH initiator the first time a
// peer is contacted.
func (s *Service) Encrypt(ctx context.Context, peerUserID string, plaintext []byte, roomID string) (EncryptedPayload, error) {
	metrics.MustRegister("e2ee")
	payload, err := s.encrypt(ctx, peerUserID, plaintext, roomID)
	if err != nil {
		s.fail(err)
	}
	return payload, err
}

func (s *Service) encrypt(ctx context.Context, peerUserID string, plaintext []byte, roomID string) (EncryptedPayload, error) {
	mu := s.lockFor(peerUserID, roomID)
	mu.Lock()
	defer mu.Unlock()

	key := keystore.NewSessionKey(peerUserID, roomID)
	blob, err := s.store.GetSession(ctx, key)
	if err == nil {
		return s.encryptWithExistingSession(ctx, key, blob, plaintext)
	}
	if err != keystore.ErrNotFound {
		return EncryptedPayload{}, apperr.Wrap("pairwise.Encrypt", apperr.Storage, "load session failed", err)
	}

	return s.encryptFreshSession(ctx, key, peerUserID, plaintext)
}

func (s *Service) encryptWithExistingSession(ctx context.Context, key keystore.SessionKey, blob []byte, plaintext []byte) (EncryptedPayload, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return EncryptedPayload{}, apperr.Wrap("pairwise.Encrypt", apperr.Storage, "corrupted session", err)
	}
	sess, err := ratchet.Import(env.Ratchet)
	if err != nil {
		return EncryptedPayload{}, apperr.Wrap("pairwise.Encrypt", apperr.Storage, "corrupted session", err)
	}
	message, header, err := sess.Send(plaintext)
	if err != nil {
		return EncryptedPayload{}, err
	}
	if err := s.persistSession(ctx, key, sess); err != nil {
		return EncryptedPayload{}, err
	}
	return EncryptedPayload{Version: 1, IsInitial: false, Message: append(header.Encode(), message...)}, nil
}

func (s *Service) encryptFreshSession(ctx context.Context, key keystore.SessionKey, peerUserID string, plaintext []byte) (EncryptedPayload, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return EncryptedPayload{}, apperr.Wrap("pairwise.Encrypt", apperr.Storage, "load identity failed", err)
	}
	peerBundle, err := s.directory.FetchBundle(ctx, peerUserID)
	if err != nil {
		return EncryptedPayload{}, err
	}
	bundle, err := bundleFromDirectory(peerBundle)
	if err != nil {
		return EncryptedPayload{}, err
	}

	own := x3dh.Own{
		IdentitySigningPrivate: identity.SigningPrivate,
		IdentityDHPrivate:      identity.DHPrivate,
		IdentityDHPublic:       identity.DHPublic,
	}
	result, header, err := x3dh.Initiate(own, bundle)
	if err != nil {
		return EncryptedPayload{}, err
	}

	sess, err := ratchet.InitiateAsSender(result.SharedSecret, bundle.SignedPreKeyPublic)
	if err != nil {
		return EncryptedPayload{}, err
	}
	message, ratchetHeader, err := sess.Send(plaintext)
	if err != nil {
		return EncryptedPayload{}, err
	}
	if err := s.persistSession(ctx, key, sess); err != nil {
		return EncryptedPayload{}, err
	}

	metrics.SessionsEstablishedTotal.WithLabelValues("initiator").Inc()
	return EncryptedPayload{
		Version:    1,
		IsInitial:  true,
		X3dhHeader: header.Encode(),
		Message:    append(ratchetHeader.Encode(), message...),
	}, nil
}

func bundleFromDirectory(b DirectoryBundle) (x3dh.Bundle, error) {
	identitySigning, err := decodeKey(b.IdentitySigningPublic)
	if err != nil {
		return x3dh.Bundle{}, apperr.Wrap("pairwise.bundleFromDirectory", apperr.BadBundle, "decode identity signing key failed", err)
	}
	identityDHBytes, err := decodeKey(b.IdentityDHPublic)
	if err != nil {
		return x3dh.Bundle{}, apperr.Wrap("pairwise.bundleFromDirectory", apperr.BadBundle, "decode identity dh key failed", err)
	}
	spkPublicBytes, err := decodeKey(b.SignedPreKey.Public)
	if err != nil {
		return x3dh.Bundle{}, apperr.Wrap("pairwise.bundleFromDirectory", apperr.BadBundle, "decode signed prekey failed", err)
	}
	sig, err := decodeKey(b.SignedPreKey.Signature)
	if err != nil {
		return x3dh.Bundle{}, apperr.Wrap("pairwise.bundleFromDirectory", apperr.BadBundle, "decode signature failed", err)
	}

	out := x3dh.Bundle{
		IdentitySigningPublic: identitySigning,
		SignedPreKeyID:        b.SignedPreKey.KeyID,
		SignedPreKeySig:       sig,
	}
	copy(out.IdentityDHPublic[:], identityDHBytes)
	copy(out.SignedPreKeyPublic[:], spkPublicBytes)

	if b.OneTimePreKey != nil {
		otkBytes, err := decodeKey(b.OneTimePreKey.Public)
		if err != nil {
			return x3dh.Bundle{}, apperr.Wrap("pairwise.bundleFromDirectory", apperr.BadBundle, "decode one-time prekey failed", err)
		}
		var otkPub [32]byte
		copy(otkPub[:], otkBytes)
		id := b.OneTimePreKey.KeyID
		out.OneTimePreKeyID = &id
		out.OneTimePreKeyPublic = &otkPub
	}
	return out, nil
}

// Decrypt resolves (or establishes, for an initial message) the session
// for (peerUserID, roomID) and decrypts payload.
func (s *Service) Decrypt(ctx context.Context, peerUserID string, payload EncryptedPayload, roomID string) ([]byte, error) {
	metrics.MustRegister("e2ee")
	plaintext, err := s.decrypt(ctx, peerUserID, payload, roomID)
	result := "ok"
	if err != nil {
		facing, _ := apperr.Describe(err)
		result = string(facing)
		s.fail(err)
	}
	metrics.DecryptResultsTotal.WithLabelValues(result).Inc()
	return plaintext, err
}

func (s *Service) decrypt(ctx context.Context, peerUserID string, payload EncryptedPayload, roomID string) ([]byte, error) {
	mu := s.lockFor(peerUserID, roomID)
	mu.Lock()
	defer mu.Unlock()

	key := keystore.NewSessionKey(peerUserID, roomID)

	if payload.IsInitial {
		return s.decryptInitial(ctx, key, payload)
	}

	blob, err := s.store.GetSession(ctx, key)
	if err != nil {
		return nil, apperr.Wrap("pairwise.Decrypt", apperr.Storage, "load session failed", err)
	}
	var env sessionEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, apperr.Wrap("pairwise.Decrypt", apperr.Storage, "corrupted session", err)
	}
	sess, err := ratchet.Import(env.Ratchet)
	if err != nil {
		return nil, apperr.Wrap("pairwise.Decrypt", apperr.Storage, "corrupted session", err)
	}

	ratchetHeader, ciphertext, err := splitRatchetMessage(payload.Message)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Receive(ciphertext, ratchetHeader)
	if err != nil {
		return nil, err
	}
	if err := s.persistSession(ctx, key, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) decryptInitial(ctx context.Context, key keystore.SessionKey, payload EncryptedPayload) ([]byte, error) {
	header, err := x3dh.DecodeHeader(payload.X3dhHeader)
	if err != nil {
		return nil, err
	}

	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return nil, apperr.Wrap("pairwise.decryptInitial", apperr.Storage, "load identity failed", err)
	}
	spk, err := s.store.GetSignedPreKey(ctx, header.SignedPreKeyID)
	if err != nil {
		return nil, apperr.New("pairwise.decryptInitial", apperr.UnknownKey, "referenced signed prekey not found")
	}

	var otkPriv *[32]byte
	if header.HasOneTime {
		otk, err := s.store.GetOneTimePreKey(ctx, header.OneTimePreKeyID)
		if err != nil {
			return nil, apperr.New("pairwise.decryptInitial", apperr.UnknownKey, "referenced one-time prekey not found")
		}
		priv := otk.Private
		otkPriv = &priv
	}

	result, err := x3dh.Respond(x3dh.RespondInput{
		Own: x3dh.Own{
			IdentitySigningPrivate: identity.SigningPrivate,
			IdentityDHPrivate:      identity.DHPrivate,
			IdentityDHPublic:       identity.DHPublic,
			SignedPreKeyID:         spk.KeyID,
			SignedPreKeyPrivate:    spk.Private,
		},
		SignedPreKeyID:    spk.KeyID,
		OneTimePreKeyPriv: otkPriv,
	}, header)
	if err != nil {
		return nil, err
	}

	sess := ratchet.InitiateAsReceiver(result.SharedSecret, crypto.X25519KeyPair{Public: spk.Public, Private: spk.Private})

	ratchetHeader, ciphertext, err := splitRatchetMessage(payload.Message)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Receive(ciphertext, ratchetHeader)
	if err != nil {
		return nil, err
	}

	if result.UsedOneTimePreKeyID != nil {
		if err := s.store.DeleteOneTimePreKey(ctx, *result.UsedOneTimePreKeyID); err != nil {
			return nil, apperr.Wrap("pairwise.decryptInitial", apperr.Storage, "delete one-time prekey failed", err)
		}
	}
	if err := s.persistSession(ctx, key, sess); err != nil {
		return nil, err
	}
	metrics.SessionsEstablishedTotal.WithLabelValues("responder").Inc()
	return plaintext, nil
}

func splitRatchetMessage(b []byte) (ratchet.Header, []byte, error) {
	if len(b) < ratchet.HeaderSize {
		return ratchet.Header{}, nil, apperr.New("pairwise.splitRatchetMessage", apperr.DecryptFailed, "message too short")
	}
	header, err := ratchet.DecodeHeader(b[:ratchet.HeaderSize])
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	return header, b[ratchet.HeaderSize:], nil
}

func (s *Service) persistSession(ctx context.Context, key keystore.SessionKey, sess *ratchet.Session) error {
	env := sessionEnvelope{Ratchet: sess.Export()}
	blob, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap("pairwise.persistSession", apperr.Storage, "marshal session failed", err)
	}
	if err := s.store.PutSession(ctx, key, blob); err != nil {
		return apperr.Wrap("pairwise.persistSession", apperr.Storage, "store session failed", err)
	}
	return nil
}

// MaintainKeys refills one-time prekeys and rotates the signed prekey if
// they are due. Neither Initialize nor responder-side session setup calls
// it; it runs only when the caller invokes it.
func (s *Service) MaintainKeys(ctx context.Context) error {
	err := s.maintainKeys(ctx)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) maintainKeys(ctx context.Context) error {
	metrics.MustRegister("e2ee")
	identity, err := s.store.GetIdentity(ctx)
	if err == keystore.ErrNotFound {
		return nil
	}
	if err != nil {
		return apperr.Wrap("pairwise.MaintainKeys", apperr.Storage, "load identity failed", err)
	}

	count, err := s.store.CountOneTimePreKeys(ctx)
	if err != nil {
		return apperr.Wrap("pairwise.MaintainKeys", apperr.Storage, "count one-time prekeys failed", err)
	}
	if count < s.cfg.OneTimePrekeyRefillThreshold {
		highest, err := s.store.GetHighestPreKeyID(ctx)
		if err != nil {
			return apperr.Wrap("pairwise.MaintainKeys", apperr.Storage, "load highest prekey id failed", err)
		}
		toGenerate := s.cfg.OneTimePrekeyTarget - count
		batch, err := s.generateOneTimePreKeys(ctx, highest+1, toGenerate)
		if err != nil {
			return err
		}
		dtos := make([]DirectoryOneTimePreKey, 0, len(batch))
		for _, otk := range batch {
			dtos = append(dtos, DirectoryOneTimePreKey{KeyID: otk.KeyID, Public: encodeKey(otk.Public[:])})
		}
		if err := retry.Do(ctx, func() error {
			return s.directory.UploadOneTimePreKeys(ctx, s.cfg.UserID, dtos)
		}); err != nil {
			return err
		}
		metrics.OneTimePrekeysRemaining.WithLabelValues().Set(float64(s.cfg.OneTimePrekeyTarget))
	}

	spk, err := s.store.GetCurrentSignedPreKey(ctx)
	if err != nil {
		return apperr.Wrap("pairwise.MaintainKeys", apperr.Storage, "load signed prekey failed", err)
	}
	if s.clock.Now().Sub(spk.CreatedAt) > s.cfg.SignedPrekeyRotationInterval {
		newSPK, err := s.generateSignedPreKey(ctx, spk.KeyID+1, identity.SigningPrivate, s.clock.Now())
		if err != nil {
			return err
		}
		if err := retry.Do(ctx, func() error {
			return s.directory.UploadSignedPreKey(ctx, s.cfg.UserID, DirectorySignedPreKey{
				KeyID:     newSPK.KeyID,
				Public:    encodeKey(newSPK.Public[:]),
				Signature: encodeKey(newSPK.Signature),
				CreatedAt: newSPK.CreatedAt,
			})
		}); err != nil {
			return err
		}
		*spk = newSPK
	}
	metrics.SignedPrekeyAgeSeconds.WithLabelValues().Set(s.clock.Now().Sub(spk.CreatedAt).Seconds())
	return nil
}
