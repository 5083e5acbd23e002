package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/auth/hybrid"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/repository"
)

// Key-related errors.
var (
	ErrNoActiveKey = errors.New("no active signing key found")
	ErrKeyNotFound = errors.New("signing key not found")
)

const (
	// KeyRotationPeriod is how long a key signs before it is replaced.
	KeyRotationPeriod = 90 * 24 * time.Hour
	// KeyVerificationValidity is how long a key keeps verifying after creation.
	KeyVerificationValidity = 180 * 24 * time.Hour
)

// KeyService manages the signing key lifecycle and implements
// auth.KeyProvider.
type KeyService struct {
	repo      SigningKeyStore
	algorithm string
	log       *logger.Logger
	now       func() time.Time

	mu         sync.RWMutex
	activeKey  *cachedKey
	verifyKeys map[string]*cachedKey
}

// cachedKey holds a deserialized key in memory.
type cachedKey struct {
	id        string
	algorithm string
	hybrid    *hybrid.HybridKeyPair // set for hybrid keys
	ed25519Pk ed25519.PublicKey
	ed25519Sk ed25519.PrivateKey // nil for verification-only keys
	public    []byte
	active    bool
	createdAt time.Time
}

// NewKeyService creates a new KeyService.
func NewKeyService(repo SigningKeyStore, algorithm string, log *logger.Logger) *KeyService {
	if algorithm == "" {
		algorithm = auth.AlgorithmEd25519
	}
	return &KeyService{
		repo:       repo,
		algorithm:  algorithm,
		log:        log.WithComponent("key_service"),
		now:        time.Now,
		verifyKeys: make(map[string]*cachedKey),
	}
}

// Initialize loads or creates the active signing key and every key still
// valid for verification. Call this at server startup.
func (s *KeyService) Initialize(ctx context.Context) error {
	key, err := s.repo.GetActive(ctx, s.algorithm)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return unavailable("load active key", err)
	}

	switch {
	case key == nil:
		s.log.Info().Str("algorithm", s.algorithm).Msg("no active signing key found, generating new one")
		if _, err := s.RotateKey(ctx); err != nil {
			return fmt.Errorf("failed to generate initial key: %w", err)
		}
	case s.now().Sub(key.CreatedAt) > KeyRotationPeriod:
		s.log.Info().Str("key_id", key.ID).Msg("active key needs rotation")
		if _, err := s.RotateKey(ctx); err != nil {
			return fmt.Errorf("failed to rotate expired key: %w", err)
		}
	}

	// Picks up retired keys that still verify outstanding tokens.
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.log.Info().Str("key_id", s.ActiveKeyID()).Str("algorithm", s.algorithm).Msg("signing keys loaded")
	return nil
}

// Reload refreshes the in-memory key set from the database, picking up keys
// rotated by other instances.
func (s *KeyService) Reload(ctx context.Context) error {
	keys, err := s.repo.ListVerifiable(ctx, s.now().Add(-KeyVerificationValidity))
	if err != nil {
		return unavailable("load verification keys", err)
	}

	verify := make(map[string]*cachedKey, len(keys))
	var active *cachedKey
	for _, k := range keys {
		ck, err := deserializeKey(k)
		if err != nil {
			s.log.Warn().Err(err).Str("key_id", k.ID).Msg("skipping unreadable signing key")
			continue
		}
		verify[ck.id] = ck
		if ck.active && ck.algorithm == s.algorithm && (active == nil || ck.createdAt.After(active.createdAt)) {
			active = ck
		}
	}
	if active == nil {
		return ErrNoActiveKey
	}

	s.mu.Lock()
	s.activeKey = active
	s.verifyKeys = verify
	s.mu.Unlock()

	s.log.Debug().Int("count", len(verify)).Msg("loaded verification keys")
	return nil
}

// RotateKey generates a new active key and retires the previous one. Tokens
// signed by the retired key keep verifying until it ages out.
func (s *KeyService) RotateKey(ctx context.Context) (*model.VerificationKey, error) {
	key, ck, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Rotate(ctx, key); err != nil {
		return nil, unavailable("store signing key", err)
	}

	s.mu.Lock()
	if s.activeKey != nil {
		s.activeKey.active = false
		s.activeKey.ed25519Sk = nil
	}
	s.activeKey = ck
	s.verifyKeys[ck.id] = ck
	s.mu.Unlock()

	s.log.Info().Str("new_key_id", key.ID).Str("algorithm", key.Algorithm).Msg("signing key rotated")
	return key.Public(), nil
}

// PurgeRetired deletes inactive keys that no longer verify anything.
func (s *KeyService) PurgeRetired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-KeyVerificationValidity)
	n, err := s.repo.DeleteRetired(ctx, cutoff)
	if err != nil {
		return 0, unavailable("delete retired keys", err)
	}

	s.mu.Lock()
	for id, ck := range s.verifyKeys {
		if !ck.active && ck.createdAt.Before(cutoff) {
			delete(s.verifyKeys, id)
		}
	}
	s.mu.Unlock()
	return n, nil
}

// GetActiveKeyPair returns the active hybrid key pair for token signing.
func (s *KeyService) GetActiveKeyPair() (*hybrid.HybridKeyPair, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeKey == nil || s.activeKey.hybrid == nil {
		return nil, "", ErrNoActiveKey
	}
	return s.activeKey.hybrid, s.activeKey.id, nil
}

// GetActiveEd25519Key returns the active Ed25519 key pair.
func (s *KeyService) GetActiveEd25519Key() (ed25519.PrivateKey, ed25519.PublicKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeKey == nil || s.activeKey.ed25519Sk == nil {
		return nil, nil, "", ErrNoActiveKey
	}
	return s.activeKey.ed25519Sk, s.activeKey.ed25519Pk, s.activeKey.id, nil
}

// FindVerificationKey returns *hybrid.HybridPublicKey or ed25519.PublicKey
// for a key ID. Unknown IDs are an error.
func (s *KeyService) FindVerificationKey(keyID string) (interface{}, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ck, ok := s.verifyKeys[keyID]
	if !ok {
		return nil, "", ErrKeyNotFound
	}
	if ck.hybrid != nil {
		return ck.hybrid.Public(), ck.algorithm, nil
	}
	return ck.ed25519Pk, ck.algorithm, nil
}

// GetAlgorithm returns the configured signing algorithm.
func (s *KeyService) GetAlgorithm() string {
	return s.algorithm
}

// PublicKeys lists every key that may still verify tokens, newest first.
func (s *KeyService) PublicKeys() []model.VerificationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.VerificationKey, 0, len(s.verifyKeys))
	for _, ck := range s.verifyKeys {
		out = append(out, model.VerificationKey{
			KeyID:     ck.id,
			Algorithm: ck.algorithm,
			PublicKey: ck.public,
			Active:    ck.active,
			CreatedAt: ck.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// NeedsRotation checks if the current active key should be rotated.
func (s *KeyService) NeedsRotation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeKey == nil {
		return true
	}
	return s.now().Sub(s.activeKey.createdAt) > KeyRotationPeriod
}

// ActiveKeyID returns the active key's ID.
func (s *KeyService) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeKey == nil {
		return ""
	}
	return s.activeKey.id
}

func (s *KeyService) generateKey() (*model.SigningKey, *cachedKey, error) {
	now := s.now()
	expiresAt := now.Add(KeyVerificationValidity)
	key := &model.SigningKey{
		ID:        uuid.NewString(),
		Algorithm: s.algorithm,
		IsActive:  true,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
	}

	switch s.algorithm {
	case auth.AlgorithmHybrid:
		kp, err := hybrid.GenerateHybridKeyPair()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate hybrid key pair: %w", err)
		}
		if key.PublicKey, err = hybrid.MarshalPublic(kp.Public()); err != nil {
			return nil, nil, fmt.Errorf("failed to encode hybrid public key: %w", err)
		}
		if key.PrivateKeyEnc, err = hybrid.MarshalPrivate(kp); err != nil {
			return nil, nil, fmt.Errorf("failed to encode hybrid private key: %w", err)
		}

	case auth.AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		key.PublicKey = []byte(pub)
		key.PrivateKeyEnc = []byte(priv)

	default:
		return nil, nil, fmt.Errorf("unsupported algorithm: %s", s.algorithm)
	}

	ck, err := deserializeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return key, ck, nil
}

func deserializeKey(k *model.SigningKey) (*cachedKey, error) {
	ck := &cachedKey{
		id:        k.ID,
		algorithm: k.Algorithm,
		public:    k.PublicKey,
		active:    k.IsActive,
		createdAt: k.CreatedAt,
	}

	switch k.Algorithm {
	case auth.AlgorithmHybrid:
		if k.IsActive {
			kp, err := hybrid.ParseKeyPair(k.PrivateKeyEnc)
			if err != nil {
				return nil, err
			}
			ck.hybrid = kp
			ck.ed25519Sk = kp.ClassicalPrivate
			ck.ed25519Pk = kp.ClassicalPublic
			return ck, nil
		}
		pk, err := hybrid.ParsePublic(k.PublicKey)
		if err != nil {
			return nil, err
		}
		ck.hybrid = &hybrid.HybridKeyPair{ClassicalPublic: pk.Classical, PQPublic: pk.PQ}
		ck.ed25519Pk = pk.Classical

	case auth.AlgorithmEd25519:
		switch {
		case k.IsActive && len(k.PrivateKeyEnc) == ed25519.PrivateKeySize:
			ck.ed25519Sk = ed25519.PrivateKey(k.PrivateKeyEnc)
			ck.ed25519Pk = ck.ed25519Sk.Public().(ed25519.PublicKey)
		case len(k.PublicKey) == ed25519.PublicKeySize:
			ck.ed25519Pk = ed25519.PublicKey(k.PublicKey)
		default:
			return nil, fmt.Errorf("invalid Ed25519 key sizes: pub=%d priv=%d", len(k.PublicKey), len(k.PrivateKeyEnc))
		}

	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", k.Algorithm)
	}

	return ck, nil
}
