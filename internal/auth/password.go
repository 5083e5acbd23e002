package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidHash is returned when a stored hash cannot be decoded.
var ErrInvalidHash = errors.New("invalid password hash")

// Argon2Params holds Argon2id cost parameters
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns production Argon2id parameters (64 MB, t=3, p=4)
func DefaultParams() *Argon2Params {
	return &Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// NewParams creates custom Argon2id parameters
func NewParams(memory, iterations uint32, parallelism uint8) *Argon2Params {
	return &Argon2Params{
		Memory:      memory,
		Iterations:  iterations,
		Parallelism: parallelism,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies passwords on a bounded pool of workers so that
// bursts of logins cannot starve the process of CPU and memory.
type Hasher struct {
	params *Argon2Params
	slots  *semaphore.Weighted
	decoy  string
}

// NewHasher creates a Hasher allowing at most workers concurrent hashes.
func NewHasher(params *Argon2Params, workers int) (*Hasher, error) {
	if params == nil {
		params = DefaultParams()
	}
	if workers < 1 {
		workers = 1
	}
	h := &Hasher{
		params: params,
		slots:  semaphore.NewWeighted(int64(workers)),
	}

	decoy, err := hashPassword("decoy-password-for-unknown-accounts", params)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoy hash: %w", err)
	}
	h.decoy = decoy
	return h, nil
}

// Hash creates an encoded Argon2id hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)

	return hashPassword(password, h.params)
}

// Verify reports whether password matches encodedHash.
func (h *Hasher) Verify(ctx context.Context, password, encodedHash string) (bool, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.slots.Release(1)

	return verifyPassword(password, encodedHash)
}

// DummyVerify spends the same effort as Verify against a decoy hash. It is
// used when the account does not exist so response timing does not reveal it.
func (h *Hasher) DummyVerify(ctx context.Context, password string) error {
	_, err := h.Verify(ctx, password, h.decoy)
	return err
}

// MatchesAny reports whether password matches any of hashes. Every hash is
// checked so the time taken does not depend on which entry matched.
func (h *Hasher) MatchesAny(ctx context.Context, password string, hashes []string) (bool, error) {
	matched := false
	for _, encoded := range hashes {
		ok, err := h.Verify(ctx, password, encoded)
		if err != nil {
			if errors.Is(err, ErrInvalidHash) {
				continue
			}
			return false, err
		}
		if ok {
			matched = true
		}
	}
	return matched, nil
}

func hashPassword(password string, params *Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash), nil
}

func verifyPassword(password, encodedHash string) (bool, error) {
	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	otherHash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return subtle.ConstantTimeCompare(hash, otherHash) == 1, nil
}

// decodeHash extracts the parameters, salt, and hash from an encoded Argon2id hash string
func decodeHash(encodedHash string) (*Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, nil, nil, fmt.Errorf("%w: bad format", ErrInvalidHash)
	}

	if parts[1] != "argon2id" {
		return nil, nil, nil, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: version: %v", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return nil, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: parameters: %v", ErrInvalidHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: hash: %v", ErrInvalidHash, err)
	}
	params.KeyLength = uint32(len(hash))
	params.SaltLength = uint32(len(salt))

	return &params, salt, hash, nil
}
